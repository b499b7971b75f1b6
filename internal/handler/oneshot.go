package handler

import (
	"context"

	"github.com/theognis1002/rabbit-workers/internal/queue"
)

// OneShot has no retry topology: failures are rejected without requeue and
// the queue's own dead-letter policy, if any, decides what happens next.
type OneShot struct {
	t queue.Transport
}

func NewOneShot(t queue.Transport) *OneShot {
	return &OneShot{t: t}
}

func (h *OneShot) Acknowledge(_ context.Context, d queue.Delivery) error {
	return h.t.Ack(d.Tag)
}

func (h *OneShot) Reject(_ context.Context, d queue.Delivery, requeue bool) error {
	return h.t.Reject(d.Tag, requeue)
}

// Requeue hands the message straight back to the broker for redelivery.
func (h *OneShot) Requeue(ctx context.Context, d queue.Delivery) error {
	return h.Reject(ctx, d, true)
}

func (h *OneShot) Error(ctx context.Context, d queue.Delivery, _ error) error {
	return h.Reject(ctx, d, false)
}

func (h *OneShot) Timeout(ctx context.Context, d queue.Delivery) error {
	return h.Reject(ctx, d, false)
}

func (h *OneShot) Noop(context.Context, queue.Delivery) error {
	return nil
}
