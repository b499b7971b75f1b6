// Package worker binds a work function to a queue: it subscribes, runs
// every delivery on a bounded pool, and turns the function's Outcome into
// a call on the queue's acknowledgment handler.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/theognis1002/rabbit-workers/internal/config"
	"github.com/theognis1002/rabbit-workers/internal/consumer"
	"github.com/theognis1002/rabbit-workers/internal/handler"
	"github.com/theognis1002/rabbit-workers/internal/metrics"
	"github.com/theognis1002/rabbit-workers/internal/queue"
)

type (
	WorkFunc           func(ctx context.Context, body []byte) (Outcome, error)
	WorkWithParamsFunc func(ctx context.Context, body []byte, d queue.Delivery) (Outcome, error)
)

// Worker describes one consumer. Exactly one of Work and WorkWithParams is
// expected; when both are set WorkWithParams is used. Name appears in
// metric names and defaults to Queue.
type Worker struct {
	Name           string
	Queue          string
	Work           WorkFunc
	WorkWithParams WorkWithParamsFunc
	Options        Options
}

// Options are the per-worker settings. Zero values fall back to the
// defaults handed to New.
type Options struct {
	Exchange        string
	ExchangeType    string
	ExchangeDurable *bool
	Durable         *bool
	RoutingKeys     []string
	Arguments       amqp.Table
	Prefetch        int
	Ack             *bool
	Threads         int
	Timeout         time.Duration
	Handler         string
	Retry           handler.Options
}

func (o Options) ack() bool {
	return o.Ack == nil || *o.Ack
}

// Merge returns o with every non-zero field of override applied.
func (o Options) Merge(override Options) Options {
	if override.Exchange != "" {
		o.Exchange = override.Exchange
	}
	if override.ExchangeType != "" {
		o.ExchangeType = override.ExchangeType
	}
	if override.ExchangeDurable != nil {
		o.ExchangeDurable = override.ExchangeDurable
	}
	if override.Durable != nil {
		o.Durable = override.Durable
	}
	if len(override.RoutingKeys) > 0 {
		o.RoutingKeys = override.RoutingKeys
	}
	if len(override.Arguments) > 0 {
		o.Arguments = override.Arguments
	}
	if override.Prefetch != 0 {
		o.Prefetch = override.Prefetch
	}
	if override.Ack != nil {
		o.Ack = override.Ack
	}
	if override.Threads != 0 {
		o.Threads = override.Threads
	}
	if override.Timeout != 0 {
		o.Timeout = override.Timeout
	}
	if override.Handler != "" {
		o.Handler = override.Handler
	}
	r := override.Retry
	if r.RetryExchange != "" {
		o.Retry.RetryExchange = r.RetryExchange
	}
	if r.ErrorExchange != "" {
		o.Retry.ErrorExchange = r.ErrorExchange
	}
	if r.MaxRetries != 0 {
		o.Retry.MaxRetries = r.MaxRetries
	}
	if r.RetryTimeoutMs != 0 {
		o.Retry.RetryTimeoutMs = r.RetryTimeoutMs
	}
	return o
}

// OptionsFromConfig maps the process configuration onto worker defaults.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Exchange:        cfg.Exchange.Name,
		ExchangeType:    cfg.Exchange.Type,
		ExchangeDurable: cfg.Exchange.Durable,
		Durable:         cfg.Queue.Durable,
		RoutingKeys:     cfg.Queue.RoutingKeys,
		Arguments:       amqp.Table(cfg.Queue.Arguments),
		Prefetch:        cfg.AMQP.Prefetch,
		Ack:             cfg.Worker.Ack,
		Threads:         cfg.Worker.Threads,
		Timeout:         time.Duration(cfg.Worker.TimeoutSecs) * time.Second,
		Handler:         cfg.Worker.Handler,
		Retry: handler.Options{
			RetryExchange:  cfg.Retry.RetryExchange,
			ErrorExchange:  cfg.Retry.ErrorExchange,
			MaxRetries:     cfg.Retry.MaxRetries,
			RetryTimeoutMs: cfg.Retry.RetryTimeoutMs,
		},
	}
}

// PublishOptions addresses a message published from inside a worker.
// RoutingKey defaults to ToQueue.
type PublishOptions struct {
	ToQueue    string
	RoutingKey string
	Headers    amqp.Table
}

// Runner is a registered Worker: its subscription and its task pool.
type Runner struct {
	id     string
	name   string
	q      *consumer.Queue
	d      *Dispatcher
	logger *slog.Logger
}

// New registers w against t. t is shared by the subscription and every
// task, so it should come from queue.Serialize.
func New(w Worker, t queue.Transport, defaults Options, m metrics.Metrics, logger *slog.Logger) (*Runner, error) {
	call, err := bind(w)
	if err != nil {
		return nil, fmt.Errorf("registering worker for %s: %w", w.Queue, err)
	}
	if m == nil {
		m = metrics.Null{}
	}

	opts := defaults.Merge(w.Options)
	name := w.Name
	if name == "" {
		name = w.Queue
	}
	id := fmt.Sprintf("worker-%s:%s", w.Queue, uuid.NewString()[:8])
	logger = logger.With("worker", id)

	q := consumer.New(w.Queue, t, consumer.Options{
		Exchange:        opts.Exchange,
		ExchangeType:    opts.ExchangeType,
		ExchangeDurable: deref(opts.ExchangeDurable, true),
		Durable:         deref(opts.Durable, true),
		RoutingKeys:     opts.RoutingKeys,
		Arguments:       opts.Arguments,
		Prefetch:        opts.Prefetch,
		Ack:             opts.ack(),
		Handler:         opts.Handler,
		Retry:           opts.Retry,
	}, logger)

	return &Runner{
		id:     id,
		name:   name,
		q:      q,
		d:      newDispatcher(name, call, opts, m, logger.With("queue", w.Queue)),
		logger: logger,
	}, nil
}

// bind picks the call shape once so the dispatcher never inspects the
// worker per message.
func bind(w Worker) (callFunc, error) {
	switch {
	case w.WorkWithParams != nil:
		return func(ctx context.Context, d queue.Delivery) (Outcome, error) {
			return w.WorkWithParams(ctx, d.Body, d)
		}, nil
	case w.Work != nil:
		return func(ctx context.Context, d queue.Delivery) (Outcome, error) {
			return w.Work(ctx, d.Body)
		}, nil
	default:
		return nil, ErrNoWorkFunc
	}
}

func deref(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func (r *Runner) ID() string {
	return r.id
}

func (r *Runner) Name() string {
	return r.name
}

// Run starts the pool and subscribes. It returns once deliveries are
// flowing; cancelling ctx stops new deliveries but Stop is still needed to
// drain the pool.
func (r *Runner) Run(ctx context.Context) error {
	r.d.Start(ctx)
	if err := r.q.Subscribe(ctx, r.d); err != nil {
		r.d.Close()
		return err
	}
	r.logger.Info("worker started", "queue", r.q.Name())
	return nil
}

// Stop cancels the subscription, then waits for in-flight tasks.
func (r *Runner) Stop() error {
	err := r.q.Unsubscribe()
	r.d.Close()
	r.logger.Info("worker stopped", "queue", r.q.Name())
	return err
}

// Publish sends body through the worker's exchange on its own channel. With
// neither RoutingKey nor ToQueue set nothing is published.
func (r *Runner) Publish(ctx context.Context, body []byte, opts PublishOptions) error {
	key := opts.RoutingKey
	if key == "" {
		key = opts.ToQueue
	}
	if key == "" {
		return nil
	}
	r.logger.Debug("publishing", "routing_key", key)
	return r.q.Publish(ctx, body, queue.PublishOptions{RoutingKey: key, Headers: opts.Headers})
}
