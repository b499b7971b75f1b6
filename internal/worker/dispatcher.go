package worker

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/theognis1002/rabbit-workers/internal/handler"
	"github.com/theognis1002/rabbit-workers/internal/metrics"
	"github.com/theognis1002/rabbit-workers/internal/queue"
)

type callFunc func(ctx context.Context, d queue.Delivery) (Outcome, error)

type task struct {
	d queue.Delivery
	h handler.Handler
}

// Dispatcher runs each delivery as one task on a fixed pool of goroutines.
// A task runs the work function under a deadline, then makes exactly one
// handler call when ack mode is on.
//
// Timeouts are best effort: the work function's context is cancelled and
// its late result is dropped, but the goroutine running it is not stopped
// and anything it already did stays done.
type Dispatcher struct {
	name    string
	call    callFunc
	ack     bool
	threads int
	timeout time.Duration
	metrics metrics.Metrics
	logger  *slog.Logger

	tasks chan task
	wg    sync.WaitGroup
}

func newDispatcher(name string, call callFunc, opts Options, m metrics.Metrics, logger *slog.Logger) *Dispatcher {
	threads := opts.Threads
	if threads <= 0 {
		threads = 1
	}
	return &Dispatcher{
		name:    name,
		call:    call,
		ack:     opts.ack(),
		threads: threads,
		timeout: opts.Timeout,
		metrics: m,
		logger:  logger,
	}
}

// Start launches the pool. Tasks inherit ctx's values but not its
// cancellation, so in-flight work finishes after ctx is done.
func (p *Dispatcher) Start(ctx context.Context) {
	base := context.WithoutCancel(ctx)
	p.tasks = make(chan task)
	for i := 0; i < p.threads; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for t := range p.tasks {
				p.process(base, t)
			}
		}()
	}
}

// Dispatch hands a delivery to the pool, blocking while every goroutine
// is busy.
func (p *Dispatcher) Dispatch(d queue.Delivery, h handler.Handler) {
	p.tasks <- task{d: d, h: h}
}

// Close stops accepting tasks and waits for running ones. Dispatch must not
// be called after Close.
func (p *Dispatcher) Close() {
	if p.tasks == nil {
		return
	}
	close(p.tasks)
	p.wg.Wait()
	p.tasks = nil
}

func (p *Dispatcher) metric(suffix string) string {
	return "work." + p.name + "." + suffix
}

func (p *Dispatcher) process(ctx context.Context, t task) {
	p.metrics.Increment(p.metric("started"))
	defer p.metrics.Increment(p.metric("ended"))

	logger := p.logger.With("delivery_tag", t.d.Tag, "routing_key", t.d.RoutingKey)

	outcome, cause := p.run(ctx, t.d)
	switch outcome {
	case Timeout:
		logger.Error("work timed out", "timeout", p.timeout)
	case Error:
		logger.Error("work failed", "error", cause)
	default:
		logger.Debug("work done", "outcome", outcome)
	}

	if !p.ack {
		return
	}

	if err := p.handle(ctx, t, outcome, cause); err != nil {
		logger.Error("disposition failed", "outcome", outcome, "error", err)
	}
	p.metrics.Increment(p.metric("handled." + outcome.metricLabel()))
}

type result struct {
	outcome Outcome
	err     error
}

// run races the work function against the deadline. Whichever resolves
// first wins; a result arriving after the deadline is discarded.
func (p *Dispatcher) run(parent context.Context, d queue.Delivery) (Outcome, error) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, p.timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	done := make(chan result, 1)
	start := time.Now()
	go func() {
		var r result
		defer func() {
			if v := recover(); v != nil {
				r = result{outcome: Error, err: &PanicError{Value: v, Stack: debug.Stack()}}
			}
			done <- r
		}()
		r.outcome, r.err = p.call(ctx, d)
	}()

	select {
	case r := <-done:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Timeout, nil
		}
		p.metrics.Timing(p.metric("time"), time.Since(start))
		if r.err != nil {
			return Error, r.err
		}
		if r.outcome == Error {
			return Error, ErrWorkFailed
		}
		return r.outcome, nil
	case <-ctx.Done():
		return Timeout, nil
	}
}

func (p *Dispatcher) handle(ctx context.Context, t task, outcome Outcome, cause error) error {
	switch outcome {
	case Ack:
		return t.h.Acknowledge(ctx, t.d)
	case Timeout:
		return t.h.Timeout(ctx, t.d)
	case Error:
		return t.h.Error(ctx, t.d, cause)
	case Reject:
		return t.h.Reject(ctx, t.d, false)
	case Requeue:
		return t.h.Requeue(ctx, t.d)
	default:
		return t.h.Noop(ctx, t.d)
	}
}
