// Package metrics exposes the portal's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rars",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rars",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rars",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rars",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Committed application status transitions.",
		},
		[]string{"event", "from", "to"},
	)

	operationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rars",
			Subsystem: "lifecycle",
			Name:      "operation_failures_total",
			Help:      "Rejected or failed workflow operations by error code.",
		},
		[]string{"operation", "code"},
	)

	sideEffectFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rars",
			Subsystem: "saga",
			Name:      "side_effect_failures_total",
			Help:      "Post-commit side effects that failed and were left for reconciliation.",
		},
		[]string{"operation", "step"},
	)

	reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rars",
			Subsystem: "saga",
			Name:      "reconcile_intents_total",
			Help:      "Intents handled by the reconciler by outcome.",
		},
		[]string{"outcome"},
	)

	versionConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rars",
			Subsystem: "documents",
			Name:      "version_conflicts_total",
			Help:      "Document uploads that lost a version race and were retried.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		transitions,
		operationFailures,
		sideEffectFailures,
		reconcileRuns,
		versionConflicts,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler records request counts and latency labelled by the chi
// route pattern, so path parameters do not explode cardinality.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

func RecordTransition(event, from, to string) {
	transitions.WithLabelValues(event, from, to).Inc()
}

func RecordFailure(operation, code string) {
	if code == "" {
		code = "UNKNOWN"
	}
	operationFailures.WithLabelValues(operation, code).Inc()
}

func RecordSideEffectFailure(operation, step string) {
	sideEffectFailures.WithLabelValues(operation, step).Inc()
}

// RecordReconcile counts one reconciled intent; outcome is "completed",
// "failed" or "error".
func RecordReconcile(outcome string) {
	reconcileRuns.WithLabelValues(outcome).Inc()
}

func RecordVersionConflict() {
	versionConflicts.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
