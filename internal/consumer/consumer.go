package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/theognis1002/rabbit-workers/internal/handler"
	"github.com/theognis1002/rabbit-workers/internal/queue"
)

var ErrAlreadySubscribed = errors.New("queue already subscribed")

// Dispatcher receives each delivery together with the subscription's handler.
// Dispatch may block to apply backpressure to the delivery feed.
type Dispatcher interface {
	Dispatch(d queue.Delivery, h handler.Handler)
}

type Options struct {
	Exchange        string
	ExchangeType    string
	ExchangeDurable bool
	Durable         bool
	RoutingKeys     []string
	Arguments       amqp.Table
	Prefetch        int
	Ack             bool
	Handler         string
	Retry           handler.Options
}

// Queue binds a named queue to an exchange and feeds its deliveries to a
// Dispatcher, one at a time, from a single goroutine.
type Queue struct {
	name   string
	opts   Options
	t      queue.Transport
	logger *slog.Logger

	mu   sync.Mutex
	tag  string
	stop chan struct{}
	done chan struct{}
}

func New(name string, t queue.Transport, opts Options, logger *slog.Logger) *Queue {
	if opts.ExchangeType == "" {
		opts.ExchangeType = queue.ExchangeDirect
	}
	return &Queue{
		name:   name,
		opts:   opts,
		t:      t,
		logger: logger.With("queue", name),
	}
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) Exchange() string {
	return q.opts.Exchange
}

func (q *Queue) routingKeys() []string {
	if len(q.opts.RoutingKeys) == 0 {
		return []string{q.name}
	}
	return q.opts.RoutingKeys
}

// Subscribe declares the exchange, the handler's retry topology, the queue
// and its bindings, then starts consuming. Any declaration failure is
// returned and nothing is consumed.
func (q *Queue) Subscribe(ctx context.Context, d Dispatcher) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.done != nil {
		return ErrAlreadySubscribed
	}

	if q.opts.Prefetch > 0 {
		if err := q.t.Qos(q.opts.Prefetch); err != nil {
			return fmt.Errorf("setting prefetch: %w", err)
		}
	}

	if q.opts.Exchange != "" {
		if err := q.t.DeclareExchange(q.opts.Exchange, q.opts.ExchangeType, q.opts.ExchangeDurable); err != nil {
			return fmt.Errorf("declaring exchange %s: %w", q.opts.Exchange, err)
		}
	}

	retry := q.opts.Retry
	retry.Exchange = q.opts.Exchange
	if retry.Logger == nil {
		retry.Logger = q.logger
	}
	h, err := handler.New(q.opts.Handler, q.t, retry)
	if err != nil {
		return fmt.Errorf("building %s handler: %w", q.opts.Handler, err)
	}

	if err := q.t.DeclareQueue(q.name, q.opts.Durable, q.opts.Arguments); err != nil {
		return fmt.Errorf("declaring queue %s: %w", q.name, err)
	}

	if q.opts.Exchange != "" {
		for _, key := range q.routingKeys() {
			if err := q.t.BindQueue(q.name, q.opts.Exchange, key); err != nil {
				return fmt.Errorf("binding queue %s: %w", q.name, err)
			}
		}
	}

	tag := fmt.Sprintf("%s-%s", q.name, uuid.NewString())
	deliveries, err := q.t.Consume(q.name, tag, !q.opts.Ack)
	if err != nil {
		return err
	}

	q.tag = tag
	q.stop = make(chan struct{})
	q.done = make(chan struct{})

	go q.feed(ctx, deliveries, d, h, q.stop, q.done)

	q.logger.Info("subscribed", "consumer_tag", tag, "handler", q.opts.Handler, "ack", q.opts.Ack)
	return nil
}

func (q *Queue) feed(ctx context.Context, deliveries <-chan amqp.Delivery, d Dispatcher, h handler.Handler, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case raw, ok := <-deliveries:
			if !ok {
				q.logger.Info("delivery channel closed")
				return
			}
			d.Dispatch(queue.FromAMQP(raw), h)
		}
	}
}

// Unsubscribe cancels the consumer and waits for the feed goroutine to
// exit. No delivery is dispatched after it returns; tasks already handed
// to the dispatcher keep running. Calling it on an idle Queue is a no-op.
func (q *Queue) Unsubscribe() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.done == nil {
		return nil
	}

	err := q.t.Cancel(q.tag)
	close(q.stop)
	<-q.done

	q.logger.Info("unsubscribed", "consumer_tag", q.tag)
	q.tag = ""
	q.stop = nil
	q.done = nil

	if err != nil {
		return fmt.Errorf("cancelling consumer: %w", err)
	}
	return nil
}

// Publish sends body to the queue's exchange on the subscription's transport.
func (q *Queue) Publish(ctx context.Context, body []byte, opts queue.PublishOptions) error {
	return q.t.Publish(ctx, q.opts.Exchange, body, opts)
}
