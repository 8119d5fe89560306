package restproxy

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus instruments for the proxy surface.
type Metrics struct {
	registry *prometheus.Registry

	proxyCalls  prometheus.Counter
	nodeCalls   prometheus.Counter
	errors      prometheus.Counter
	rows        prometheus.Counter
	nodeLatency prometheus.Histogram
}

// NewMetrics creates and registers the instruments on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		proxyCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_requests_total",
			Help: "Dashboard requests served by the proxy.",
		}),
		nodeCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_node_calls_total",
			Help: "Calls issued to the AnyLog node.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_errors_total",
			Help: "Requests that ended in an error response.",
		}),
		rows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_rows_total",
			Help: "Rows returned across all SQL queries.",
		}),
		nodeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "proxy_node_call_duration_seconds",
			Help:    "AnyLog node round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.proxyCalls, m.nodeCalls, m.errors, m.rows, m.nodeLatency)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
