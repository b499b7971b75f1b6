package handler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/theognis1002/rabbit-workers/internal/queue"
)

const jitterBuckets = 30

// Exponential republishes failed messages to a fanout retry exchange with a
// per-message expiration. The retry queue dead-letters expired messages back
// to the source exchange. The attempt number travels in the retry_count
// header, which this handler owns.
type Exponential struct {
	t             queue.Transport
	maxRetries    int
	retryExchange string
	jitter        func(n int) int
	logger        *slog.Logger
}

func NewExponential(t queue.Transport, opts Options) (*Exponential, error) {
	opts = opts.withDefaults()
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}

	if err := t.DeclareExchange(opts.RetryExchange, queue.ExchangeFanout, true); err != nil {
		return nil, fmt.Errorf("declaring retry exchange %s: %w", opts.RetryExchange, err)
	}
	args := amqp.Table{queue.ArgDeadLetterExchange: opts.Exchange}
	if err := t.DeclareQueue(opts.RetryExchange, true, args); err != nil {
		return nil, fmt.Errorf("declaring retry queue %s: %w", opts.RetryExchange, err)
	}
	if err := t.BindQueue(opts.RetryExchange, opts.RetryExchange, ""); err != nil {
		return nil, fmt.Errorf("binding retry queue %s: %w", opts.RetryExchange, err)
	}

	return &Exponential{
		t:             t,
		maxRetries:    opts.MaxRetries,
		retryExchange: opts.RetryExchange,
		jitter:        rand.IntN,
		logger:        opts.Logger,
	}, nil
}

// backoffMillis is the delayed_job polynomial: count^4 + 15 plus a jitter
// bucket in [0,30) scaled by (count+1) seconds. Despite the handler's name
// the growth is polynomial.
func backoffMillis(retryCount, jitter int) int64 {
	n := int64(retryCount)
	return n*n*n*n + 15 + int64(jitter)*(n+1)*1000
}

func (h *Exponential) Acknowledge(_ context.Context, d queue.Delivery) error {
	return h.t.Ack(d.Tag)
}

func (h *Exponential) Reject(ctx context.Context, d queue.Delivery, requeue bool) error {
	if requeue {
		return h.Requeue(ctx, d)
	}
	return h.t.Reject(d.Tag, false)
}

// Requeue removes the delivery from the working queue and, unless the
// retry budget is spent, republishes its body to the retry exchange with
// an incremented retry_count and a backoff expiration.
func (h *Exponential) Requeue(ctx context.Context, d queue.Delivery) error {
	if err := h.t.Reject(d.Tag, false); err != nil {
		return err
	}

	retryCount := d.Headers.RetryCount() + 1
	if retryCount > h.maxRetries {
		h.logger.Warn("retries exhausted, dropping message",
			"routing_key", d.RoutingKey, "retry_count", retryCount-1)
		return nil
	}

	headers := d.Headers.With(queue.HeaderRetryCount, int32(retryCount))
	err := h.t.Publish(ctx, h.retryExchange, d.Body, queue.PublishOptions{
		RoutingKey:   d.RoutingKey,
		Headers:      headers.Table(),
		ExpirationMs: backoffMillis(retryCount, h.jitter(jitterBuckets)),
	})
	if err != nil {
		return fmt.Errorf("publishing to retry exchange %s: %w", h.retryExchange, err)
	}
	return nil
}

func (h *Exponential) Error(ctx context.Context, d queue.Delivery, _ error) error {
	return h.Requeue(ctx, d)
}

func (h *Exponential) Timeout(ctx context.Context, d queue.Delivery) error {
	return h.Requeue(ctx, d)
}

func (h *Exponential) Noop(context.Context, queue.Delivery) error {
	return nil
}
