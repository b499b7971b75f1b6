// Package cache builds the shared Redis client used by the redis metrics
// backend.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/theognis1002/rabbit-workers/internal/config"
)

const (
	clientName   = "rabbit-workers"
	ioTimeout    = 2 * time.Second
	poolTimeout  = 5 * time.Second
	pingAttempts = 3
)

// NewRedisClient connects and pings, retrying the ping briefly so a worker
// started alongside Redis does not fail on the first try.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		ClientName:   clientName,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		ReadTimeout:  ioTimeout,
		WriteTimeout: ioTimeout,
		PoolTimeout:  poolTimeout,
	})

	var err error
	for attempt := 1; attempt <= pingAttempts; attempt++ {
		if err = client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	_ = client.Close()
	return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Addr(), err)
}
