package gateway

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-sfn/internal/governance"
)

// Administrative paths served next to the routes.
const (
	HealthPath  = "/healthz"
	MetricsPath = "/metrics"
)

// NewRootHandler serves health and metrics directly and hands every other
// request to h inside an OpenTelemetry server span.
func NewRootHandler(h *Handler, metrics *Metrics) http.Handler {
	traced := otelhttp.NewHandler(h, "gateway",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	var metricsHandler http.Handler
	if metrics != nil {
		metricsHandler = metrics.Handler()
	}

	// A plain switch keeps ServeMux from redirecting or cleaning route paths.
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == HealthPath:
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		case r.URL.Path == MetricsPath && metricsHandler != nil:
			metricsHandler.ServeHTTP(w, r)
		default:
			traced.ServeHTTP(w, r)
		}
	})
}

// NewServer builds the HTTP server with timeouts derived from the
// invocation timeout, so a slow workflow ends in a 504 rather than a reset.
func NewServer(addr string, handler http.Handler, timeouts *governance.TimeoutManager) *http.Server {
	if timeouts == nil {
		timeouts = governance.NewTimeoutManager(governance.DefaultTimeoutConfig())
	}
	cfg := timeouts.Config()
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}
