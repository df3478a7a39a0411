package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. Each engine instance
// owns its registry so multiple instances can coexist in one process.
type Metrics struct {
	reg *prometheus.Registry

	cycles     prometheus.Counter
	dispatches *prometheus.CounterVec
	deferrals  prometheus.Counter
	duration   prometheus.Histogram
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		cycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chime",
			Subsystem: "dispatch",
			Name:      "cycles_total",
			Help:      "Completed poll cycles.",
		}),
		dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chime",
			Subsystem: "dispatch",
			Name:      "jobs_total",
			Help:      "Job dispatch attempts by outcome.",
		}, []string{"outcome"}),
		deferrals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chime",
			Subsystem: "dispatch",
			Name:      "rate_limit_deferrals_total",
			Help:      "Jobs skipped because a usage window was at its cap.",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chime",
			Subsystem: "dispatch",
			Name:      "handler_duration_seconds",
			Help:      "Handler invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Registry exposes the underlying registry for the /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}
