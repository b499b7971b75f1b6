// Package storage keeps archived message bodies in a MinIO bucket.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/theognis1002/rabbit-workers/internal/config"
)

// maxObjectSize bounds reads of archived bodies.
const maxObjectSize = 16 * 1024 * 1024

type MinIOClient struct {
	client *minio.Client
	bucket string
}

func NewMinIOClient(ctx context.Context, cfg config.MinIOConfig) (*MinIOClient, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	mc := &MinIOClient{client: client, bucket: cfg.Bucket}
	if err := mc.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return mc, nil
}

func (m *MinIOClient) Bucket() string {
	return m.bucket
}

func (m *MinIOClient) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", m.bucket, err)
	}
	return nil
}

// PutObject stores data under key. metadata is attached as user metadata.
func (m *MinIOClient) PutObject(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("putting object %s/%s: %w", m.bucket, key, err)
	}
	return nil
}

func (m *MinIOClient) GetObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting object %s/%s: %w", m.bucket, key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, maxObjectSize))
	if err != nil {
		return nil, fmt.Errorf("reading object %s/%s: %w", m.bucket, key, err)
	}
	return data, nil
}
