package worker

import (
	"errors"
	"fmt"
)

// Outcome is what a work function reports back about a message. The zero
// value means the work function gave no explicit answer; the dispatcher
// treats it as a no-op disposition and counts it as handled.reject.
type Outcome int

const (
	None Outcome = iota
	Ack
	Reject
	Requeue
	Timeout
	Error
	Noop
)

var outcomeNames = map[Outcome]string{
	None:    "none",
	Ack:     "ack",
	Reject:  "reject",
	Requeue: "requeue",
	Timeout: "timeout",
	Error:   "error",
	Noop:    "noop",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// metricLabel is the suffix used for the handled.<label> counter.
func (o Outcome) metricLabel() string {
	if o == None {
		return "reject"
	}
	return o.String()
}

var (
	ErrNoWorkFunc = errors.New("worker has no work function")

	// ErrWorkFailed is the cause passed to the handler when a work function
	// returns Error without an error value.
	ErrWorkFailed = errors.New("work function reported an error")
)

// PanicError carries a value recovered from a panicking work function.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("work function panicked: %v", e.Value)
}
