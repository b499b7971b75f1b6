package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus maps dotted metric names onto a label of two fixed collectors,
// since the names are built at runtime from worker and outcome names.
type Prometheus struct {
	Events   *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rabbit_workers",
			Name:      "work_events_total",
			Help:      "Worker lifecycle events by dotted metric name.",
		}, []string{"metric"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rabbit_workers",
			Name:      "work_duration_seconds",
			Help:      "Time spent inside work functions.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"metric"}),
	}
	reg.MustRegister(p.Events, p.Duration)
	return p
}

func (p *Prometheus) Increment(name string) {
	p.Events.WithLabelValues(name).Inc()
}

func (p *Prometheus) Timing(name string, d time.Duration) {
	p.Duration.WithLabelValues(name).Observe(d.Seconds())
}
