// Package metrics exposes the process's Prometheus instrumentation: pool
// occupancy, dispatch duration, and loop-detector/stall counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric this process exports, registered against
// its own prometheus.Registry so tests can assert on a fresh instance
// rather than the global default registerer.
type Registry struct {
	reg *prometheus.Registry

	PoolSize        prometheus.Gauge
	DispatchSeconds *prometheus.HistogramVec
	LoopWarnings    *prometheus.CounterVec
	LoopKills       *prometheus.CounterVec
	Stalls          prometheus.Counter
	Aborts          *prometheus.CounterVec
}

// New constructs a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		PoolSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchd",
			Name:      "pool_size",
			Help:      "Current number of agents registered in the pool.",
		}),
		DispatchSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dispatchd",
			Name:      "dispatch_duration_seconds",
			Help:      "Wall-clock duration of a dispatch from start to terminal status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		LoopWarnings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatchd",
			Name:      "loop_warnings_total",
			Help:      "Number of harness:loop_warning events emitted, by detector.",
		}, []string{"detector"}),
		LoopKills: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatchd",
			Name:      "loop_kills_total",
			Help:      "Number of harness:loop_kill events emitted, by detector.",
		}, []string{"detector"}),
		Stalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchd",
			Name:      "stalls_total",
			Help:      "Number of dispatches aborted by the stall timer.",
		}),
		Aborts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatchd",
			Name:      "dispatch_terminal_total",
			Help:      "Terminal dispatches by status.",
		}, []string{"status"}),
	}
}

// Gatherer exposes the underlying registry for the HTTP /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// ObserveDispatch records a terminal dispatch's duration and status.
func (r *Registry) ObserveDispatch(status string, seconds float64) {
	r.DispatchSeconds.WithLabelValues(status).Observe(seconds)
	r.Aborts.WithLabelValues(status).Inc()
}
