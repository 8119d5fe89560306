package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proveit-io/anylog-bridge/internal/httpmw"
)

// Metrics holds the prometheus instruments for the API surface.
type Metrics struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	jobErrors    prometheus.Counter
	jobTimeouts  prometheus.Counter
	jobCacheHits prometheus.Counter
}

// NewMetrics creates and registers the instruments on a private registry so
// tests can build as many as they like.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_http_requests_total",
			Help: "HTTP requests served, by route and status code.",
		}, []string{"route", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_http_request_duration_seconds",
			Help:    "HTTP request latency, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		jobErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_job_errors_total",
			Help: "Jobs that completed with an error.",
		}),
		jobTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_job_wait_timeouts_total",
			Help: "Callers that gave up waiting for a job.",
		}),
		jobCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_job_cache_hits_total",
			Help: "Jobs served from cache without backend work.",
		}),
	}
	reg.MustRegister(m.requests, m.duration, m.jobErrors, m.jobTimeouts, m.jobCacheHits)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// instrument records per-route counters and latency around the router.
func (m *Metrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := httpmw.NewStatusRecorder(w)
		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(route, strconv.Itoa(rec.Status)).Inc()
		m.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
