package queue

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher enqueues messages onto an exchange through its own transport.
type Publisher struct {
	mu       sync.Mutex
	t        Transport
	exchange string
}

func NewPublisher(t Transport, exchange string) *Publisher {
	return &Publisher{t: t, exchange: exchange}
}

func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte, headers amqp.Table) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.t.Publish(ctx, p.exchange, body, PublishOptions{RoutingKey: routingKey, Headers: headers}); err != nil {
		return fmt.Errorf("publishing to %s (%s): %w", p.exchange, routingKey, err)
	}
	return nil
}

// Enqueue publishes body with the queue name as routing key, which is the
// default binding a consumer queue gets.
func (p *Publisher) Enqueue(ctx context.Context, queueName string, body []byte) error {
	return p.Publish(ctx, queueName, body, nil)
}
