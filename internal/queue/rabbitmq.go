package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Connection struct {
	conn   *amqp.Connection
	logger *slog.Logger
}

func NewConnection(url string, heartbeat time.Duration, logger *slog.Logger) (*Connection, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("dialing rabbitmq: %w", err)
	}
	return &Connection{conn: conn, logger: logger}, nil
}

// NewTransport opens a fresh channel on the connection.
func (c *Connection) NewTransport() (*AMQPTransport, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	return &AMQPTransport{channel: ch}, nil
}

func (c *Connection) NotifyClose() chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (c *Connection) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && c.logger != nil {
			c.logger.Debug("closing rabbitmq connection", "error", err)
		}
	}
}

// AMQPTransport implements Transport on a single amqp091 channel.
type AMQPTransport struct {
	channel *amqp.Channel
}

func (t *AMQPTransport) DeclareExchange(name, kind string, durable bool) error {
	if err := t.channel.ExchangeDeclare(name, kind, durable, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %s: %w", name, err)
	}
	return nil
}

func (t *AMQPTransport) DeclareQueue(name string, durable bool, args amqp.Table) error {
	if _, err := t.channel.QueueDeclare(name, durable, false, false, false, args); err != nil {
		return fmt.Errorf("declaring queue %s: %w", name, err)
	}
	return nil
}

func (t *AMQPTransport) BindQueue(queue, exchange, routingKey string) error {
	if err := t.channel.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("binding queue %s to %s (%s): %w", queue, exchange, routingKey, err)
	}
	return nil
}

func (t *AMQPTransport) Publish(ctx context.Context, exchange string, body []byte, opts PublishOptions) error {
	msg := amqp.Publishing{
		Headers:      opts.Headers,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}
	if opts.ExpirationMs > 0 {
		msg.Expiration = strconv.FormatInt(opts.ExpirationMs, 10)
	}
	return t.channel.PublishWithContext(ctx, exchange, opts.RoutingKey, false, false, msg)
}

func (t *AMQPTransport) Ack(tag uint64) error {
	// never multiple=true: tasks finish out of order
	return t.channel.Ack(tag, false)
}

func (t *AMQPTransport) Reject(tag uint64, requeue bool) error {
	return t.channel.Reject(tag, requeue)
}

// Qos sets the prefetch count on the channel.
func (t *AMQPTransport) Qos(prefetch int) error {
	return t.channel.Qos(prefetch, 0, false)
}

func (t *AMQPTransport) Consume(queue, consumerTag string, autoAck bool) (<-chan amqp.Delivery, error) {
	deliveries, err := t.channel.Consume(queue, consumerTag, autoAck, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consuming %s: %w", queue, err)
	}
	return deliveries, nil
}

func (t *AMQPTransport) Cancel(consumerTag string) error {
	return t.channel.Cancel(consumerTag, false)
}

func (t *AMQPTransport) Close() error {
	return t.channel.Close()
}
