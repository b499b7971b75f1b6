// Package queuetest provides an in-memory queue.Transport that records every
// broker call for assertions.
package queuetest

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/theognis1002/rabbit-workers/internal/queue"
)

const (
	OpDeclareExchange = "declare_exchange"
	OpDeclareQueue    = "declare_queue"
	OpBindQueue       = "bind_queue"
	OpPublish         = "publish"
	OpAck             = "ack"
	OpReject          = "reject"
	OpQos             = "qos"
	OpConsume         = "consume"
	OpCancel          = "cancel"
)

type Call struct {
	Op         string
	Name       string
	Kind       string
	Durable    bool
	Args       amqp.Table
	Queue      string
	Exchange   string
	RoutingKey string
	Body       []byte
	Publish    queue.PublishOptions
	Tag        uint64
	Requeue    bool
	Prefetch   int
	AutoAck    bool
}

type exchangeDecl struct {
	kind    string
	durable bool
}

type queueDecl struct {
	durable bool
	args    amqp.Table
}

// Transport is safe for concurrent use; it tracks how many calls overlap so
// tests can assert serialization.
type Transport struct {
	// Delay is slept inside every call while it is counted as active.
	Delay time.Duration
	// Fail makes the named op return an error.
	Fail map[string]error

	mu        sync.Mutex
	calls     []Call
	exchanges map[string]exchangeDecl
	queues    map[string]queueDecl
	consumers map[string]chan amqp.Delivery

	active    atomic.Int32
	maxActive atomic.Int32
}

func New() *Transport {
	return &Transport{
		Fail:      map[string]error{},
		exchanges: map[string]exchangeDecl{},
		queues:    map[string]queueDecl{},
		consumers: map[string]chan amqp.Delivery{},
	}
}

func (t *Transport) enter() func() {
	n := t.active.Add(1)
	for {
		m := t.maxActive.Load()
		if n <= m || t.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if t.Delay > 0 {
		time.Sleep(t.Delay)
	}
	return func() { t.active.Add(-1) }
}

func (t *Transport) record(c Call) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, c)
	return t.Fail[c.Op]
}

func (t *Transport) DeclareExchange(name, kind string, durable bool) error {
	defer t.enter()()
	if err := t.record(Call{Op: OpDeclareExchange, Name: name, Kind: kind, Durable: durable}); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.exchanges[name]; ok && (prev.kind != kind || prev.durable != durable) {
		return fmt.Errorf("PRECONDITION_FAILED - inequivalent arg for exchange %s", name)
	}
	t.exchanges[name] = exchangeDecl{kind: kind, durable: durable}
	return nil
}

func (t *Transport) DeclareQueue(name string, durable bool, args amqp.Table) error {
	defer t.enter()()
	if err := t.record(Call{Op: OpDeclareQueue, Name: name, Durable: durable, Args: args}); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.queues[name]; ok && (prev.durable != durable || !sameArgs(prev.args, args)) {
		return fmt.Errorf("PRECONDITION_FAILED - inequivalent arg for queue %s", name)
	}
	t.queues[name] = queueDecl{durable: durable, args: args}
	return nil
}

func sameArgs(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func (t *Transport) BindQueue(q, exchange, routingKey string) error {
	defer t.enter()()
	return t.record(Call{Op: OpBindQueue, Queue: q, Exchange: exchange, RoutingKey: routingKey})
}

func (t *Transport) Publish(_ context.Context, exchange string, body []byte, opts queue.PublishOptions) error {
	defer t.enter()()
	return t.record(Call{Op: OpPublish, Exchange: exchange, RoutingKey: opts.RoutingKey, Body: body, Publish: opts})
}

func (t *Transport) Ack(tag uint64) error {
	defer t.enter()()
	return t.record(Call{Op: OpAck, Tag: tag})
}

func (t *Transport) Reject(tag uint64, requeue bool) error {
	defer t.enter()()
	return t.record(Call{Op: OpReject, Tag: tag, Requeue: requeue})
}

func (t *Transport) Qos(prefetch int) error {
	defer t.enter()()
	return t.record(Call{Op: OpQos, Prefetch: prefetch})
}

func (t *Transport) Consume(q, consumerTag string, autoAck bool) (<-chan amqp.Delivery, error) {
	defer t.enter()()
	if err := t.record(Call{Op: OpConsume, Queue: q, Name: consumerTag, AutoAck: autoAck}); err != nil {
		return nil, err
	}
	ch := make(chan amqp.Delivery, 64)
	t.mu.Lock()
	t.consumers[consumerTag] = ch
	t.mu.Unlock()
	return ch, nil
}

// Cancel closes the consumer's delivery channel, as the broker client does.
func (t *Transport) Cancel(consumerTag string) error {
	defer t.enter()()
	if err := t.record(Call{Op: OpCancel, Name: consumerTag}); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.consumers[consumerTag]; ok {
		close(ch)
		delete(t.consumers, consumerTag)
	}
	return nil
}

// Deliver pushes d to the consumer with the given tag. It reports false when
// no such consumer is active.
func (t *Transport) Deliver(consumerTag string, d amqp.Delivery) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.consumers[consumerTag]
	if !ok {
		return false
	}
	d.ConsumerTag = consumerTag
	ch <- d
	return true
}

// ConsumerTags lists active consumers.
func (t *Transport) ConsumerTags() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	tags := make([]string, 0, len(t.consumers))
	for tag := range t.consumers {
		tags = append(tags, tag)
	}
	return tags
}

func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

func (t *Transport) CallsOf(op string) []Call {
	var out []Call
	for _, c := range t.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Dispositions returns only ack and reject calls, in order.
func (t *Transport) Dispositions() []Call {
	var out []Call
	for _, c := range t.Calls() {
		if c.Op == OpAck || c.Op == OpReject {
			out = append(out, c)
		}
	}
	return out
}

func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = nil
}

func (t *Transport) MaxConcurrent() int {
	return int(t.maxActive.Load())
}
