package queue

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeDirect = "direct"
	ExchangeTopic  = "topic"
	ExchangeFanout = "fanout"

	ArgDeadLetterExchange = "x-dead-letter-exchange"
	ArgMessageTTL         = "x-message-ttl"
)

var ErrTransportClosed = errors.New("transport closed")

// PublishOptions controls routing and per-message properties of a publish.
// ExpirationMs of zero publishes without a per-message TTL.
type PublishOptions struct {
	RoutingKey   string
	Headers      amqp.Table
	ExpirationMs int64
}

// Transport is the set of broker operations the consumer core depends on.
// Implementations are not assumed to be safe for concurrent use; wrap with
// Serialize before sharing one across tasks.
type Transport interface {
	DeclareExchange(name, kind string, durable bool) error
	DeclareQueue(name string, durable bool, args amqp.Table) error
	BindQueue(queue, exchange, routingKey string) error
	Publish(ctx context.Context, exchange string, body []byte, opts PublishOptions) error
	Ack(tag uint64) error
	Reject(tag uint64, requeue bool) error
	Qos(prefetch int) error
	Consume(queue, consumerTag string, autoAck bool) (<-chan amqp.Delivery, error)
	Cancel(consumerTag string) error
}
