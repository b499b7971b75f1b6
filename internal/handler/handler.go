// Package handler turns work outcomes into broker dispositions.
//
// Each Handler is built once per subscribed queue, declares whatever retry
// or error topology it needs at construction, and is then shared by every
// task of that subscription. A delivery must reach exactly one of the
// disposition methods; the dispatcher guarantees that, handlers do not
// deduplicate.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/theognis1002/rabbit-workers/internal/queue"
)

const (
	KindOneShot     = "oneshot"
	KindMaxRetry    = "maxretry"
	KindExponential = "exponential"

	DefaultMaxRetries     = 25
	DefaultRetryTimeoutMs = 60000
)

var ErrUnknownHandler = errors.New("unknown handler")

type Handler interface {
	Acknowledge(ctx context.Context, d queue.Delivery) error
	Reject(ctx context.Context, d queue.Delivery, requeue bool) error
	Requeue(ctx context.Context, d queue.Delivery) error
	Error(ctx context.Context, d queue.Delivery, cause error) error
	Timeout(ctx context.Context, d queue.Delivery) error
	Noop(ctx context.Context, d queue.Delivery) error
}

// Options are the per-policy construction parameters. Exchange is the
// source exchange retried messages dead-letter back to.
type Options struct {
	Exchange       string
	RetryExchange  string
	ErrorExchange  string
	MaxRetries     int
	RetryTimeoutMs int
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryExchange == "" {
		o.RetryExchange = o.Exchange + "-retry"
	}
	if o.ErrorExchange == "" {
		o.ErrorExchange = o.Exchange + "-error"
	}
	if o.RetryTimeoutMs == 0 {
		o.RetryTimeoutMs = DefaultRetryTimeoutMs
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// New builds the handler named by kind. Topology declaration errors are
// returned as-is; the subscription must not start without its topology.
func New(kind string, t queue.Transport, opts Options) (Handler, error) {
	switch kind {
	case KindOneShot, "":
		return NewOneShot(t), nil
	case KindMaxRetry:
		return NewMaxRetry(t, opts)
	case KindExponential:
		return NewExponential(t, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, kind)
	}
}
