// Package archive moves messages that exhausted their retries out of the
// broker: the body goes to object storage and a row goes to Postgres.
package archive

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/theognis1002/rabbit-workers/internal/database/models"
	"github.com/theognis1002/rabbit-workers/internal/handler"
	"github.com/theognis1002/rabbit-workers/internal/queue"
	"github.com/theognis1002/rabbit-workers/internal/storage"
	"github.com/theognis1002/rabbit-workers/internal/worker"
)

const (
	contentType = "application/octet-stream"

	defaultRetryDelay = time.Second
)

type BlobStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error
}

type Ledger interface {
	Record(ctx context.Context, dl models.DeadLetter) (string, error)
}

type Archiver struct {
	errorExchange string
	blobs         BlobStore
	ledger        Ledger
	logger        *slog.Logger

	// retryDelay holds a failed message before it is requeued.
	retryDelay time.Duration
}

// New archives what the maxretry handler publishes to errorExchange. The
// maxretry handler names its error queue after the exchange.
func New(errorExchange string, blobs BlobStore, ledger Ledger, logger *slog.Logger) *Archiver {
	return &Archiver{
		errorExchange: errorExchange,
		blobs:         blobs,
		ledger:        ledger,
		logger:        logger,
		retryDelay:    defaultRetryDelay,
	}
}

// ErrorExchangeFor returns the error exchange the maxretry handler derives
// for exchange unless override names one.
func ErrorExchangeFor(exchange, override string) string {
	if override != "" {
		return override
	}
	return exchange + "-error"
}

// Worker binds the archiver to the error queue. Failures requeue through
// the oneshot handler so the broker redelivers; Work waits retryDelay
// first so an object store or database outage does not spin.
//
// The exchange and queue are always durable to match the declarations the
// maxretry handler makes.
func (a *Archiver) Worker() worker.Worker {
	errEx := a.errorExchange
	durable := true
	return worker.Worker{
		Name:           "Archiver",
		Queue:          errEx,
		WorkWithParams: a.Work,
		Options: worker.Options{
			Exchange:        errEx,
			ExchangeType:    queue.ExchangeTopic,
			ExchangeDurable: &durable,
			Durable:         &durable,
			RoutingKeys:     []string{"#"},
			Handler:         handler.KindOneShot,
		},
	}
}

func (a *Archiver) Work(ctx context.Context, body []byte, d queue.Delivery) (worker.Outcome, error) {
	key := storage.DeadLetterKey(d.RoutingKey, body)
	logger := a.logger.With("routing_key", d.RoutingKey, "object_key", key)

	meta := map[string]string{
		"routing-key": d.RoutingKey,
		"retry-count": strconv.Itoa(d.Headers.RetryCount()),
	}
	if err := a.blobs.PutObject(ctx, key, body, contentType, meta); err != nil {
		logger.Error("failed to store dead letter", "error", err)
		return a.requeue(ctx), nil
	}

	id, err := a.ledger.Record(ctx, models.DeadLetter{
		Queue:      a.errorExchange,
		RoutingKey: d.RoutingKey,
		ObjectKey:  key,
		SizeBytes:  len(body),
		DeathCount: d.Headers.ErrorDeathCount(),
	})
	if err != nil {
		logger.Error("failed to record dead letter", "error", err)
		return a.requeue(ctx), nil
	}
	if id == "" {
		logger.Debug("dead letter already archived")
	} else {
		logger.Info("dead letter archived", "id", id, "size_bytes", len(body))
	}
	return worker.Ack, nil
}

func (a *Archiver) requeue(ctx context.Context) worker.Outcome {
	if a.retryDelay > 0 {
		timer := time.NewTimer(a.retryDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}
	return worker.Requeue
}
