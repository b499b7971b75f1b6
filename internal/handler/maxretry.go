package handler

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/theognis1002/rabbit-workers/internal/queue"
)

const wildcardRoutingKey = "#"

// MaxRetry uses the broker's dead-lettering as the retry clock. Rejected
// messages go to a retry queue whose TTL dead-letters them back to the
// source exchange; once the x-death history reaches MaxRetries the message
// is moved to the error exchange instead.
type MaxRetry struct {
	t             queue.Transport
	maxRetries    int
	errorExchange string
	logger        *slog.Logger
}

func NewMaxRetry(t queue.Transport, opts Options) (*MaxRetry, error) {
	opts = opts.withDefaults()

	if err := declareMaxRetryTopology(t, opts); err != nil {
		return nil, err
	}

	return &MaxRetry{
		t:             t,
		maxRetries:    opts.MaxRetries,
		errorExchange: opts.ErrorExchange,
		logger:        opts.Logger,
	}, nil
}

func declareMaxRetryTopology(t queue.Transport, opts Options) error {
	// Topic exchanges keep the original routing key; the queues bind with a
	// wildcard so every key lands in them.
	if err := t.DeclareExchange(opts.RetryExchange, queue.ExchangeTopic, true); err != nil {
		return fmt.Errorf("declaring retry exchange %s: %w", opts.RetryExchange, err)
	}
	retryArgs := amqp.Table{
		queue.ArgDeadLetterExchange: opts.Exchange,
		queue.ArgMessageTTL:         int32(opts.RetryTimeoutMs),
	}
	if err := t.DeclareQueue(opts.RetryExchange, true, retryArgs); err != nil {
		return fmt.Errorf("declaring retry queue %s: %w", opts.RetryExchange, err)
	}
	if err := t.BindQueue(opts.RetryExchange, opts.RetryExchange, wildcardRoutingKey); err != nil {
		return fmt.Errorf("binding retry queue %s: %w", opts.RetryExchange, err)
	}

	if err := t.DeclareExchange(opts.ErrorExchange, queue.ExchangeTopic, true); err != nil {
		return fmt.Errorf("declaring error exchange %s: %w", opts.ErrorExchange, err)
	}
	if err := t.DeclareQueue(opts.ErrorExchange, true, nil); err != nil {
		return fmt.Errorf("declaring error queue %s: %w", opts.ErrorExchange, err)
	}
	if err := t.BindQueue(opts.ErrorExchange, opts.ErrorExchange, wildcardRoutingKey); err != nil {
		return fmt.Errorf("binding error queue %s: %w", opts.ErrorExchange, err)
	}
	return nil
}

func (h *MaxRetry) Acknowledge(_ context.Context, d queue.Delivery) error {
	return h.t.Ack(d.Tag)
}

// Reject compares the raw x-death length against maxRetries. The broker adds
// two records per cycle (the reject and the retry queue expiry), so the
// number of attempts is half the count; the comparison is kept on the raw
// value so the observable retry budget does not change.
func (h *MaxRetry) Reject(ctx context.Context, d queue.Delivery, requeue bool) error {
	deaths := d.RedeliveryCount()
	if deaths < h.maxRetries {
		return h.t.Reject(d.Tag, requeue)
	}

	h.logger.Warn("retries exhausted, moving to error exchange",
		"exchange", h.errorExchange, "routing_key", d.RoutingKey, "deaths", deaths)

	headers := d.Headers.With(queue.HeaderDeathCount, int32(deaths)).Table()
	delete(headers, queue.HeaderDeath)
	if err := h.t.Publish(ctx, h.errorExchange, d.Body, queue.PublishOptions{RoutingKey: d.RoutingKey, Headers: headers}); err != nil {
		return fmt.Errorf("publishing to error exchange %s: %w", h.errorExchange, err)
	}
	return h.t.Ack(d.Tag)
}

// Requeue routes through the retry topology like any other failure.
func (h *MaxRetry) Requeue(ctx context.Context, d queue.Delivery) error {
	return h.Reject(ctx, d, false)
}

func (h *MaxRetry) Error(ctx context.Context, d queue.Delivery, _ error) error {
	return h.Reject(ctx, d, false)
}

func (h *MaxRetry) Timeout(ctx context.Context, d queue.Delivery) error {
	return h.Reject(ctx, d, false)
}

func (h *MaxRetry) Noop(context.Context, queue.Delivery) error {
	return nil
}
