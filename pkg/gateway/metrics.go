package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for the gateway
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec

	panicsTotal   *prometheus.CounterVec
	configReloads *prometheus.CounterVec
	routesActive  prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance on a private registry that also
// carries the Go runtime and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests by route, method and status code",
			},
			[]string{"route", "method", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"route", "method"},
		),

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_invocations_total",
				Help: "Workflow invocations by route and outcome",
			},
			[]string{"route", "outcome"},
		),

		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_invocation_duration_seconds",
				Help:    "Synchronous workflow invocation latency in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
			},
			[]string{"route"},
		),

		panicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_panics_recovered_total",
				Help: "Handler panics recovered into a 500 response",
			},
			[]string{"route"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		routesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_routes_active",
				Help: "Number of routes in the active snapshot",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.invocationsTotal,
		m.invocationDuration,
		m.panicsTotal,
		m.configReloads,
		m.routesActive,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(route, method string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordInvocation records one workflow invocation
func (m *Metrics) RecordInvocation(route, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.invocationsTotal.WithLabelValues(route, outcome).Inc()
	m.invocationDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordPanic records a recovered handler panic
func (m *Metrics) RecordPanic(route string) {
	if m == nil {
		return
	}
	m.panicsTotal.WithLabelValues(route).Inc()
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// SetRoutes records the size of the active route table
func (m *Metrics) SetRoutes(n int) {
	if m == nil {
		return
	}
	m.routesActive.Set(float64(n))
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// statusRecorder captures the status code and guards against superfluous
// WriteHeader calls
type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.statusCode = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) status() int {
	if !r.wroteHeader {
		return http.StatusOK
	}
	return r.statusCode
}
