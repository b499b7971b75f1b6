// Package metrics defines the counters and timings the dispatcher emits and
// the backends that can receive them.
package metrics

import (
	"log/slog"
	"time"
)

// Metrics is the call contract used by workers. Names are dotted paths such
// as "work.Mailer.handled.ack". Implementations must be safe for concurrent use.
type Metrics interface {
	Increment(name string)
	Timing(name string, d time.Duration)
}

type Null struct{}

func (Null) Increment(string)             {}
func (Null) Timing(string, time.Duration) {}

// Logging writes every metric as a debug-level log line.
type Logging struct {
	logger *slog.Logger
}

func NewLogging(logger *slog.Logger) *Logging {
	return &Logging{logger: logger}
}

func (l *Logging) Increment(name string) {
	l.logger.Debug("metric increment", "metric", name)
}

func (l *Logging) Timing(name string, d time.Duration) {
	l.logger.Debug("metric timing", "metric", name, "duration_ms", d.Milliseconds())
}

// Multi fans every call out to all backends in order.
type Multi []Metrics

func (m Multi) Increment(name string) {
	for _, b := range m {
		b.Increment(name)
	}
}

func (m Multi) Timing(name string, d time.Duration) {
	for _, b := range m {
		b.Timing(name, d)
	}
}
