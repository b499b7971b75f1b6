package consumer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/theognis1002/rabbit-workers/internal/handler"
	"github.com/theognis1002/rabbit-workers/internal/queue"
	"github.com/theognis1002/rabbit-workers/internal/queue/queuetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingDispatcher struct {
	mu         sync.Mutex
	deliveries []queue.Delivery
	handlers   []handler.Handler
	got        chan struct{}
	block      chan struct{}
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{got: make(chan struct{}, 64)}
}

func (r *recordingDispatcher) Dispatch(d queue.Delivery, h handler.Handler) {
	r.mu.Lock()
	r.deliveries = append(r.deliveries, d)
	r.handlers = append(r.handlers, h)
	block := r.block
	r.mu.Unlock()
	r.got <- struct{}{}
	if block != nil {
		<-block
	}
}

func (r *recordingDispatcher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deliveries)
}

func (r *recordingDispatcher) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.got:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func consumerTag(t *testing.T, fake *queuetest.Transport) string {
	t.Helper()
	consumes := fake.CallsOf(queuetest.OpConsume)
	if len(consumes) != 1 {
		t.Fatalf("consume calls = %d, want 1", len(consumes))
	}
	return consumes[0].Name
}

func TestSubscribe_DeclaresTopologyAndConsumes(t *testing.T) {
	t.Parallel()
	fake := queuetest.New()
	q := New("emails", fake, Options{
		Exchange:        "jobs",
		ExchangeType:    "topic",
		ExchangeDurable: true,
		Durable:         true,
		RoutingKeys:     []string{"emails.#", "mail.*"},
		Arguments:       amqp.Table{"x-max-priority": int32(5)},
		Prefetch:        7,
		Ack:             true,
		Handler:         handler.KindMaxRetry,
	}, testLogger())

	if err := q.Subscribe(context.Background(), newRecordingDispatcher()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer q.Unsubscribe()

	calls := fake.Calls()
	if calls[0].Op != queuetest.OpQos || calls[0].Prefetch != 7 {
		t.Errorf("first call = %+v, want qos 7", calls[0])
	}
	if calls[1].Op != queuetest.OpDeclareExchange || calls[1].Name != "jobs" || calls[1].Kind != "topic" || !calls[1].Durable {
		t.Errorf("second call = %+v, want durable topic exchange jobs", calls[1])
	}

	var declaredQueues []string
	for _, c := range fake.CallsOf(queuetest.OpDeclareQueue) {
		declaredQueues = append(declaredQueues, c.Name)
		if c.Name == "emails" && c.Args["x-max-priority"] != int32(5) {
			t.Errorf("emails queue args = %v", c.Args)
		}
	}
	if len(declaredQueues) != 3 || declaredQueues[2] != "emails" {
		t.Errorf("declared queues = %v, want retry, error, then emails", declaredQueues)
	}

	var keys []string
	for _, c := range fake.CallsOf(queuetest.OpBindQueue) {
		if c.Queue == "emails" {
			if c.Exchange != "jobs" {
				t.Errorf("emails bound to %q, want jobs", c.Exchange)
			}
			keys = append(keys, c.RoutingKey)
		}
	}
	if len(keys) != 2 || keys[0] != "emails.#" || keys[1] != "mail.*" {
		t.Errorf("emails bindings = %v", keys)
	}

	consume := fake.CallsOf(queuetest.OpConsume)[0]
	if consume.Queue != "emails" || consume.AutoAck {
		t.Errorf("consume = %+v, want emails with manual ack", consume)
	}
}

func TestSubscribe_DefaultRoutingKeyAndAutoAck(t *testing.T) {
	t.Parallel()
	fake := queuetest.New()
	q := New("downloads", fake, Options{Exchange: "jobs", Ack: false}, testLogger())

	if err := q.Subscribe(context.Background(), newRecordingDispatcher()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer q.Unsubscribe()

	binds := fake.CallsOf(queuetest.OpBindQueue)
	if len(binds) != 1 || binds[0].RoutingKey != "downloads" {
		t.Errorf("bindings = %+v, want routing key = queue name", binds)
	}
	if qos := fake.CallsOf(queuetest.OpQos); len(qos) != 0 {
		t.Errorf("qos set without prefetch: %+v", qos)
	}
	if !fake.CallsOf(queuetest.OpConsume)[0].AutoAck {
		t.Error("consume should auto-ack when ack mode is off")
	}
	if ex := fake.CallsOf(queuetest.OpDeclareExchange)[0]; ex.Kind != "direct" {
		t.Errorf("default exchange type = %q, want direct", ex.Kind)
	}
}

func TestSubscribe_FeedsDispatcher(t *testing.T) {
	t.Parallel()
	fake := queuetest.New()
	q := New("emails", fake, Options{Exchange: "jobs", Ack: true}, testLogger())
	disp := newRecordingDispatcher()

	if err := q.Subscribe(context.Background(), disp); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer q.Unsubscribe()

	tag := consumerTag(t, fake)
	fake.Deliver(tag, amqp.Delivery{DeliveryTag: 1, RoutingKey: "emails", Body: []byte("a"),
		Headers: amqp.Table{"retry_count": int32(3)}})
	fake.Deliver(tag, amqp.Delivery{DeliveryTag: 2, RoutingKey: "emails", Body: []byte("b")})
	disp.wait(t)
	disp.wait(t)

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if disp.deliveries[0].Tag != 1 || disp.deliveries[1].Tag != 2 {
		t.Errorf("deliveries out of order: %+v", disp.deliveries)
	}
	if disp.deliveries[0].Headers.RetryCount() != 3 {
		t.Error("headers not carried into the delivery")
	}
	if _, ok := disp.handlers[0].(*handler.OneShot); !ok {
		t.Errorf("handler = %T, want *handler.OneShot", disp.handlers[0])
	}
	if disp.handlers[0] != disp.handlers[1] {
		t.Error("handler should be shared across deliveries of one subscription")
	}
}

func TestSubscribe_Twice(t *testing.T) {
	t.Parallel()
	fake := queuetest.New()
	q := New("emails", fake, Options{Exchange: "jobs"}, testLogger())

	if err := q.Subscribe(context.Background(), newRecordingDispatcher()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer q.Unsubscribe()

	if err := q.Subscribe(context.Background(), newRecordingDispatcher()); !errors.Is(err, ErrAlreadySubscribed) {
		t.Errorf("second Subscribe() = %v, want ErrAlreadySubscribed", err)
	}
}

func TestSubscribe_TopologyFailure(t *testing.T) {
	t.Parallel()
	fake := queuetest.New()
	boom := errors.New("access refused")
	fake.Fail[queuetest.OpDeclareExchange] = boom
	q := New("emails", fake, Options{Exchange: "jobs", Handler: handler.KindExponential}, testLogger())

	err := q.Subscribe(context.Background(), newRecordingDispatcher())
	if !errors.Is(err, boom) {
		t.Fatalf("Subscribe() = %v, want %v", err, boom)
	}
	if consumes := fake.CallsOf(queuetest.OpConsume); len(consumes) != 0 {
		t.Error("must not consume when topology declaration fails")
	}
}

func TestSubscribe_UnknownHandler(t *testing.T) {
	t.Parallel()
	q := New("emails", queuetest.New(), Options{Exchange: "jobs", Handler: "sometimes"}, testLogger())

	err := q.Subscribe(context.Background(), newRecordingDispatcher())
	if !errors.Is(err, handler.ErrUnknownHandler) {
		t.Errorf("Subscribe() = %v, want ErrUnknownHandler", err)
	}
}

func TestUnsubscribe_StopsDeliveries(t *testing.T) {
	t.Parallel()
	fake := queuetest.New()
	q := New("emails", fake, Options{Exchange: "jobs", Ack: true}, testLogger())
	disp := newRecordingDispatcher()

	if err := q.Subscribe(context.Background(), disp); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	tag := consumerTag(t, fake)

	fake.Deliver(tag, amqp.Delivery{DeliveryTag: 1})
	disp.wait(t)

	if err := q.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if cancels := fake.CallsOf(queuetest.OpCancel); len(cancels) != 1 || cancels[0].Name != tag {
		t.Errorf("cancel calls = %+v, want one for %s", cancels, tag)
	}
	if fake.Deliver(tag, amqp.Delivery{DeliveryTag: 2}) {
		t.Error("consumer still registered after Unsubscribe")
	}
	if n := disp.count(); n != 1 {
		t.Errorf("dispatched = %d, want 1", n)
	}

	if err := q.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe() = %v, want nil", err)
	}
}

func TestUnsubscribe_WaitsForInFlightDispatch(t *testing.T) {
	t.Parallel()
	fake := queuetest.New()
	q := New("emails", fake, Options{Exchange: "jobs", Ack: true}, testLogger())
	disp := newRecordingDispatcher()
	disp.block = make(chan struct{})

	if err := q.Subscribe(context.Background(), disp); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	fake.Deliver(consumerTag(t, fake), amqp.Delivery{DeliveryTag: 1})
	disp.wait(t)

	returned := make(chan struct{})
	go func() {
		_ = q.Unsubscribe()
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("Unsubscribe returned while a dispatch was still in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(disp.block)
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("Unsubscribe did not return after dispatch finished")
	}
}

func TestSubscribe_ResubscribeAfterUnsubscribe(t *testing.T) {
	t.Parallel()
	fake := queuetest.New()
	q := New("emails", fake, Options{Exchange: "jobs", Handler: handler.KindExponential}, testLogger())

	for i := 0; i < 2; i++ {
		if err := q.Subscribe(context.Background(), newRecordingDispatcher()); err != nil {
			t.Fatalf("Subscribe #%d: %v", i+1, err)
		}
		if err := q.Unsubscribe(); err != nil {
			t.Fatalf("Unsubscribe #%d: %v", i+1, err)
		}
	}
}

func TestPublish_UsesQueueExchange(t *testing.T) {
	t.Parallel()
	fake := queuetest.New()
	q := New("emails", fake, Options{Exchange: "jobs"}, testLogger())

	err := q.Publish(context.Background(), []byte("hello"), queue.PublishOptions{RoutingKey: "audit"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	pub := fake.CallsOf(queuetest.OpPublish)[0]
	if pub.Exchange != "jobs" || pub.RoutingKey != "audit" || string(pub.Body) != "hello" {
		t.Errorf("publish = %+v", pub)
	}
}
