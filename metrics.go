package grpcfallback

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeCanceled = "canceled"
)

// Metrics holds the collectors updated by stubs configured WithMetrics. A
// single Metrics can be shared by many stubs.
type Metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors. They must be registered (see
// Collectors) to be exported.
func NewMetrics() *Metrics {
	return &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grpcfallback",
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Fallback RPCs completed, by method and outcome.",
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "grpcfallback",
			Subsystem: "client",
			Name:      "call_duration_seconds",
			Help:      "Time from invocation to the terminal outcome of fallback RPCs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// Collectors returns the collectors, for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.calls, m.duration}
}

// MustRegister registers the collectors with reg, panicking on failure.
func (m *Metrics) MustRegister(reg prometheus.Registerer) *Metrics {
	reg.MustRegister(m.Collectors()...)
	return m
}

func (m *Metrics) observe(method, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(method, outcome).Inc()
	m.duration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}
