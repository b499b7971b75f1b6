package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/theognis1002/rabbit-workers/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type handlerCall struct {
	method  string
	tag     uint64
	requeue bool
	cause   error
}

type recordingHandler struct {
	mu    sync.Mutex
	calls []handlerCall
	err   error
}

func (h *recordingHandler) add(c handlerCall) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, c)
	return h.err
}

func (h *recordingHandler) Acknowledge(_ context.Context, d queue.Delivery) error {
	return h.add(handlerCall{method: "acknowledge", tag: d.Tag})
}

func (h *recordingHandler) Reject(_ context.Context, d queue.Delivery, requeue bool) error {
	return h.add(handlerCall{method: "reject", tag: d.Tag, requeue: requeue})
}

func (h *recordingHandler) Requeue(_ context.Context, d queue.Delivery) error {
	return h.add(handlerCall{method: "requeue", tag: d.Tag})
}

func (h *recordingHandler) Error(_ context.Context, d queue.Delivery, cause error) error {
	return h.add(handlerCall{method: "error", tag: d.Tag, cause: cause})
}

func (h *recordingHandler) Timeout(_ context.Context, d queue.Delivery) error {
	return h.add(handlerCall{method: "timeout", tag: d.Tag})
}

func (h *recordingHandler) Noop(_ context.Context, d queue.Delivery) error {
	return h.add(handlerCall{method: "noop", tag: d.Tag})
}

func (h *recordingHandler) snapshot() []handlerCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]handlerCall(nil), h.calls...)
}

type recordingMetrics struct {
	mu      sync.Mutex
	counts  map[string]int
	timings map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counts: map[string]int{}, timings: map[string]int{}}
}

func (m *recordingMetrics) Increment(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[name]++
}

func (m *recordingMetrics) Timing(name string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timings[name]++
}

func (m *recordingMetrics) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

func (m *recordingMetrics) timing(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timings[name]
}

func boolPtr(b bool) *bool { return &b }

// dispatchOne runs a single delivery through a fresh pool and waits for it.
func dispatchOne(t *testing.T, call callFunc, opts Options) (*recordingHandler, *recordingMetrics) {
	t.Helper()
	h := &recordingHandler{}
	m := newRecordingMetrics()
	p := newDispatcher("Mailer", call, opts, m, testLogger())
	p.Start(context.Background())
	p.Dispatch(queue.Delivery{Tag: 42, RoutingKey: "emails", Body: []byte("hi")}, h)
	p.Close()
	return h, m
}

func returning(o Outcome, err error) callFunc {
	return func(context.Context, queue.Delivery) (Outcome, error) { return o, err }
}

func TestDispatcher_OutcomeMapping(t *testing.T) {
	t.Parallel()
	boom := errors.New("smtp down")

	tests := []struct {
		name    string
		call    callFunc
		method  string
		handled string
	}{
		{"ack", returning(Ack, nil), "acknowledge", "ack"},
		{"reject", returning(Reject, nil), "reject", "reject"},
		{"requeue", returning(Requeue, nil), "requeue", "requeue"},
		{"error outcome", returning(Error, nil), "error", "error"},
		{"returned error", returning(Ack, boom), "error", "error"},
		{"explicit timeout", returning(Timeout, nil), "timeout", "timeout"},
		{"noop", returning(Noop, nil), "noop", "noop"},
		{"no outcome", returning(None, nil), "noop", "reject"},
		{"unknown outcome", returning(Outcome(99), nil), "noop", "outcome(99)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h, m := dispatchOne(t, tt.call, Options{Threads: 1, Timeout: time.Second})

			calls := h.snapshot()
			if len(calls) != 1 {
				t.Fatalf("handler calls = %+v, want exactly one", calls)
			}
			if calls[0].method != tt.method || calls[0].tag != 42 {
				t.Errorf("call = %+v, want %s on tag 42", calls[0], tt.method)
			}
			if calls[0].method == "reject" && calls[0].requeue {
				t.Error("Reject outcome must not requeue")
			}
			if got := m.count("work.Mailer.handled." + tt.handled); got != 1 {
				t.Errorf("handled.%s = %d, want 1", tt.handled, got)
			}
		})
	}
}

func TestDispatcher_AckDisabled(t *testing.T) {
	t.Parallel()
	var ran atomic.Int32
	call := func(context.Context, queue.Delivery) (Outcome, error) {
		ran.Add(1)
		return Ack, nil
	}
	h, m := dispatchOne(t, call, Options{Threads: 1, Ack: boolPtr(false)})

	if ran.Load() != 1 {
		t.Errorf("work ran %d times, want 1", ran.Load())
	}
	if calls := h.snapshot(); len(calls) != 0 {
		t.Errorf("handler calls = %+v, want none", calls)
	}
	if m.count("work.Mailer.started") != 1 || m.count("work.Mailer.ended") != 1 {
		t.Errorf("lifecycle metrics = %v", m.counts)
	}
	if m.count("work.Mailer.handled.ack") != 0 {
		t.Error("handled metric recorded with ack disabled")
	}
}

func TestDispatcher_Timeout(t *testing.T) {
	t.Parallel()
	finished := make(chan struct{})
	call := func(context.Context, queue.Delivery) (Outcome, error) {
		defer close(finished)
		time.Sleep(150 * time.Millisecond)
		return Ack, nil
	}
	h, m := dispatchOne(t, call, Options{Threads: 1, Timeout: 20 * time.Millisecond})

	calls := h.snapshot()
	if len(calls) != 1 || calls[0].method != "timeout" {
		t.Fatalf("handler calls = %+v, want one timeout", calls)
	}
	if m.count("work.Mailer.handled.timeout") != 1 {
		t.Errorf("metrics = %v, want handled.timeout", m.counts)
	}
	if m.timing("work.Mailer.time") != 0 {
		t.Error("timing recorded for a timed out task")
	}

	<-finished
	time.Sleep(10 * time.Millisecond)
	if calls := h.snapshot(); len(calls) != 1 {
		t.Errorf("late completion changed disposition: %+v", calls)
	}
}

func TestDispatcher_TimeoutWinsOverCooperativeReturn(t *testing.T) {
	t.Parallel()
	call := func(ctx context.Context, _ queue.Delivery) (Outcome, error) {
		<-ctx.Done()
		return Ack, nil
	}
	h, _ := dispatchOne(t, call, Options{Threads: 1, Timeout: 10 * time.Millisecond})

	if calls := h.snapshot(); len(calls) != 1 || calls[0].method != "timeout" {
		t.Errorf("handler calls = %+v, want one timeout", calls)
	}
}

func TestDispatcher_NoTimeoutWhenDisabled(t *testing.T) {
	t.Parallel()
	call := func(context.Context, queue.Delivery) (Outcome, error) {
		time.Sleep(20 * time.Millisecond)
		return Ack, nil
	}
	h, m := dispatchOne(t, call, Options{Threads: 1})

	if calls := h.snapshot(); len(calls) != 1 || calls[0].method != "acknowledge" {
		t.Errorf("handler calls = %+v, want acknowledge", calls)
	}
	if m.timing("work.Mailer.time") != 1 {
		t.Error("timing not recorded")
	}
}

func TestDispatcher_ErrorCausePassedThrough(t *testing.T) {
	t.Parallel()
	boom := errors.New("template missing")
	h, _ := dispatchOne(t, returning(None, boom), Options{Threads: 1, Timeout: time.Second})

	calls := h.snapshot()
	if len(calls) != 1 || calls[0].method != "error" {
		t.Fatalf("handler calls = %+v, want one error", calls)
	}
	if calls[0].cause != boom {
		t.Errorf("cause = %v, want the original error value", calls[0].cause)
	}
}

func TestDispatcher_ErrorOutcomeWithoutCause(t *testing.T) {
	t.Parallel()
	h, _ := dispatchOne(t, returning(Error, nil), Options{Threads: 1})

	if calls := h.snapshot(); !errors.Is(calls[0].cause, ErrWorkFailed) {
		t.Errorf("cause = %v, want ErrWorkFailed", calls[0].cause)
	}
}

func TestDispatcher_RecoversPanic(t *testing.T) {
	t.Parallel()
	h := &recordingHandler{}
	m := newRecordingMetrics()
	var n atomic.Int32
	call := func(context.Context, queue.Delivery) (Outcome, error) {
		if n.Add(1) == 1 {
			panic("nil template")
		}
		return Ack, nil
	}
	p := newDispatcher("Mailer", call, Options{Threads: 1, Timeout: time.Second}, m, testLogger())
	p.Start(context.Background())
	p.Dispatch(queue.Delivery{Tag: 1}, h)
	p.Dispatch(queue.Delivery{Tag: 2}, h)
	p.Close()

	calls := h.snapshot()
	if len(calls) != 2 {
		t.Fatalf("handler calls = %+v, want two", calls)
	}
	var pe *PanicError
	if calls[0].method != "error" || !errors.As(calls[0].cause, &pe) || pe.Value != "nil template" {
		t.Errorf("first call = %+v, want error carrying the panic", calls[0])
	}
	if calls[1].method != "acknowledge" {
		t.Errorf("pool did not survive the panic: %+v", calls[1])
	}
	if m.count("work.Mailer.ended") != 2 {
		t.Errorf("ended = %d, want 2", m.count("work.Mailer.ended"))
	}
}

func TestDispatcher_HandlerFailureStillCounted(t *testing.T) {
	t.Parallel()
	h := &recordingHandler{err: errors.New("channel closed")}
	m := newRecordingMetrics()
	p := newDispatcher("Mailer", returning(Ack, nil), Options{Threads: 1}, m, testLogger())
	p.Start(context.Background())
	p.Dispatch(queue.Delivery{Tag: 1}, h)
	p.Close()

	if m.count("work.Mailer.handled.ack") != 1 || m.count("work.Mailer.ended") != 1 {
		t.Errorf("metrics = %v", m.counts)
	}
}

func TestDispatcher_BoundedConcurrency(t *testing.T) {
	t.Parallel()
	const threads = 3
	var (
		running atomic.Int32
		peak    atomic.Int32
	)
	call := func(context.Context, queue.Delivery) (Outcome, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return Ack, nil
	}
	h := &recordingHandler{}
	p := newDispatcher("Mailer", call, Options{Threads: threads}, newRecordingMetrics(), testLogger())
	p.Start(context.Background())
	for i := 0; i < 12; i++ {
		p.Dispatch(queue.Delivery{Tag: uint64(i + 1)}, h)
	}
	p.Close()

	if got := peak.Load(); got > threads {
		t.Errorf("peak concurrency = %d, want <= %d", got, threads)
	}
	if got := len(h.snapshot()); got != 12 {
		t.Errorf("handled = %d, want 12", got)
	}
}

func TestDispatcher_TasksOutliveStartContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	call := func(ctx context.Context, _ queue.Delivery) (Outcome, error) {
		<-release
		if ctx.Err() != nil {
			return Reject, nil
		}
		return Ack, nil
	}
	h := &recordingHandler{}
	p := newDispatcher("Mailer", call, Options{Threads: 1}, newRecordingMetrics(), testLogger())
	p.Start(ctx)
	p.Dispatch(queue.Delivery{Tag: 1}, h)
	cancel()
	close(release)
	p.Close()

	if calls := h.snapshot(); len(calls) != 1 || calls[0].method != "acknowledge" {
		t.Errorf("handler calls = %+v, want acknowledge", calls)
	}
}

func TestOutcome_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		o     Outcome
		name  string
		label string
	}{
		{None, "none", "reject"},
		{Ack, "ack", "ack"},
		{Reject, "reject", "reject"},
		{Requeue, "requeue", "requeue"},
		{Timeout, "timeout", "timeout"},
		{Error, "error", "error"},
		{Noop, "noop", "noop"},
	}
	for _, tt := range tests {
		if got := tt.o.String(); got != tt.name {
			t.Errorf("%d.String() = %q, want %q", int(tt.o), got, tt.name)
		}
		if got := tt.o.metricLabel(); got != tt.label {
			t.Errorf("%d.metricLabel() = %q, want %q", int(tt.o), got, tt.label)
		}
	}
}
