package queue

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// SerialTransport funnels every call into the wrapped Transport through a
// single goroutine, so the underlying channel only ever sees one caller.
type SerialTransport struct {
	next Transport
	ops  chan func()
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func Serialize(next Transport) *SerialTransport {
	s := &SerialTransport{
		next: next,
		ops:  make(chan func()),
		done: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *SerialTransport) loop() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.ops:
			op()
		case <-s.done:
			return
		}
	}
}

// Close stops the executor. Calls made after Close return ErrTransportClosed.
// The wrapped Transport is not closed.
func (s *SerialTransport) Close() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

// do hands fn to the executor. The ops channel is unbuffered, so once the
// send succeeds the loop has taken ownership and errc will be written.
func (s *SerialTransport) do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	errc := make(chan error, 1)
	op := func() { errc <- fn() }
	select {
	case s.ops <- op:
	case <-s.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-errc
}

func (s *SerialTransport) DeclareExchange(name, kind string, durable bool) error {
	return s.do(context.Background(), func() error { return s.next.DeclareExchange(name, kind, durable) })
}

func (s *SerialTransport) DeclareQueue(name string, durable bool, args amqp.Table) error {
	return s.do(context.Background(), func() error { return s.next.DeclareQueue(name, durable, args) })
}

func (s *SerialTransport) BindQueue(queue, exchange, routingKey string) error {
	return s.do(context.Background(), func() error { return s.next.BindQueue(queue, exchange, routingKey) })
}

func (s *SerialTransport) Publish(ctx context.Context, exchange string, body []byte, opts PublishOptions) error {
	return s.do(ctx, func() error { return s.next.Publish(ctx, exchange, body, opts) })
}

func (s *SerialTransport) Ack(tag uint64) error {
	return s.do(context.Background(), func() error { return s.next.Ack(tag) })
}

func (s *SerialTransport) Reject(tag uint64, requeue bool) error {
	return s.do(context.Background(), func() error { return s.next.Reject(tag, requeue) })
}

func (s *SerialTransport) Qos(prefetch int) error {
	return s.do(context.Background(), func() error { return s.next.Qos(prefetch) })
}

func (s *SerialTransport) Consume(queue, consumerTag string, autoAck bool) (<-chan amqp.Delivery, error) {
	var deliveries <-chan amqp.Delivery
	err := s.do(context.Background(), func() error {
		var err error
		deliveries, err = s.next.Consume(queue, consumerTag, autoAck)
		return err
	})
	return deliveries, err
}

func (s *SerialTransport) Cancel(consumerTag string) error {
	return s.do(context.Background(), func() error { return s.next.Cancel(consumerTag) })
}
