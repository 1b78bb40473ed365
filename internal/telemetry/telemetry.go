// Package telemetry exposes Prometheus collectors for the orchestration service.
package telemetry

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	cacheOpsTotal              *prometheus.CounterVec
	cacheDailyOpsTotal         *prometheus.CounterVec
	jobTransitionsTotal        *prometheus.CounterVec
	admissionDecisionsTotal    *prometheus.CounterVec
	breakerTransitionsTotal    *prometheus.CounterVec
	outboundCallsTotal         *prometheus.CounterVec
	hubEventsTotal             *prometheus.CounterVec
	hubSubscribers             prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		cacheOpsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_ops_total",
				Help: "Total cache reads, labeled by key namespace and outcome (hit, miss, error).",
			},
			[]string{"namespace", "outcome"},
		)

		cacheDailyOpsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_daily_ops_total",
				Help: "Cache reads bucketed by UTC day, labeled by outcome.",
			},
			[]string{"day", "outcome"},
		)

		jobTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "job_transitions_total",
				Help: "Total job status transitions, labeled by from and to status.",
			},
			[]string{"from", "to"},
		)

		admissionDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_decisions_total",
				Help: "Total admission control decisions, labeled by category and decision.",
			},
			[]string{"category", "decision"},
		)

		breakerTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "breaker_transitions_total",
				Help: "Total circuit breaker state changes, labeled by target and new state.",
			},
			[]string{"target", "state"},
		)

		outboundCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_calls_total",
				Help: "Total outbound call attempts, labeled by target and outcome.",
			},
			[]string{"target", "outcome"},
		)

		hubEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_events_total",
				Help: "Total events handed to subscriber connections, labeled by outcome (delivered, dropped).",
			},
			[]string{"outcome"},
		)

		hubSubscribers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "hub_subscribers",
				Help: "Number of connections currently subscribed to at least one room.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and latency for each route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}

		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// Hijack passes through so connection upgrades work under the middleware.
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveCacheRead records a cache read outcome, once globally per namespace
// and once in the day bucket for the given time.
func ObserveCacheRead(namespace, outcome string, at time.Time) {
	cacheOpsTotal.WithLabelValues(namespace, outcome).Inc()
	cacheDailyOpsTotal.WithLabelValues(at.UTC().Format("2006-01-02"), outcome).Inc()
}

// ObserveJobTransition increments the transition counter.
func ObserveJobTransition(from, to string) {
	jobTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveAdmission records an allowed or blocked admission decision.
func ObserveAdmission(category, decision string) {
	admissionDecisionsTotal.WithLabelValues(category, decision).Inc()
}

// ObserveBreakerTransition records a circuit breaker state change.
func ObserveBreakerTransition(target, state string) {
	breakerTransitionsTotal.WithLabelValues(target, state).Inc()
}

// ObserveOutboundCall records one outbound call attempt.
func ObserveOutboundCall(target, outcome string) {
	outboundCallsTotal.WithLabelValues(target, outcome).Inc()
}

// ObserveHubEvent records a per-connection event delivery outcome.
func ObserveHubEvent(outcome string) {
	hubEventsTotal.WithLabelValues(outcome).Inc()
}

// SetHubSubscribers updates the subscriber gauge.
func SetHubSubscribers(n int) {
	hubSubscribers.Set(float64(n))
}
