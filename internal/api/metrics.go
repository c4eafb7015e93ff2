package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const unmatched = "unmatched"

// Outcomes of an execution control action.
const (
	outcomeAccepted = "accepted"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydra_http_requests_total",
			Help: "Total number of HTTP requests by route and status class.",
		},
		[]string{"method", "route", "code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hydra_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds. Event streams are not observed.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	executionActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydra_api_execution_actions_total",
			Help: "Execution control requests by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	eventStreamsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hydra_api_event_streams_open",
			Help: "Number of execution event streams currently being served.",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(executionActionsTotal)
	prometheus.MustRegister(eventStreamsOpen)
}

// metricsMiddleware counts every request by chi route pattern and status
// class. Durations of long-lived event streams would swamp the histogram, so
// those routes are only counted.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, statusClass(ww.Status())).Inc()
		if !strings.HasSuffix(route, "/events") {
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

// countAction records the outcome of an execution control request under
// action.
func countAction(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			executionActionsTotal.WithLabelValues(action, actionOutcome(ww.Status())).Inc()
		})
	}
}

func actionOutcome(status int) string {
	switch {
	case status >= 500:
		return outcomeError
	case status >= 400:
		return outcomeRejected
	default:
		return outcomeAccepted
	}
}

// statusClass collapses a status code to its class, e.g. 404 to "4xx". A
// handler that never wrote a header answered 200.
func statusClass(status int) string {
	if status == 0 {
		status = http.StatusOK
	}
	return strconv.Itoa(status/100) + "xx"
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}
