package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the Prometheus collectors the Gateway exports at /metrics,
// alongside the memory governor's own gateway_heap_used_percent and
// gateway_memory_actions_total (registered in internal/memory).
type metrics struct {
	sessionsCreated    prometheus.Counter
	sessionsRecovered  prometheus.Counter
	sessionsTerminated prometheus.Counter
	framesDropped      prometheus.Counter
	circuitBreakerOpen prometheus.Gauge
}

// newMetrics registers the Gateway's counters and gauges against reg. Tests
// pass a fresh prometheus.NewRegistry() so repeated construction within a
// test binary never panics on duplicate registration.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sessions_created_total",
			Help: "Number of browser sessions created.",
		}),
		sessionsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sessions_recovered_total",
			Help: "Number of browser sessions transparently recovered after a health failure.",
		}),
		sessionsTerminated: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sessions_terminated_total",
			Help: "Number of browser sessions terminated.",
		}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_frames_dropped_total",
			Help: "Number of screencast frames dropped from a full frame queue.",
		}),
		circuitBreakerOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_open",
			Help: "1 if the global connection circuit breaker was open after the last connection attempt, 0 otherwise.",
		}),
	}
}
