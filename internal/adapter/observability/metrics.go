// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// SubmissionsTotal counts submissions accepted by the pipeline by outcome.
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submissions_total",
			Help: "Total number of submissions processed, by outcome",
		},
		[]string{"outcome"},
	)
	// SubmissionDuration records pipeline submit-to-response duration.
	SubmissionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "submission_duration_seconds",
			Help:    "Submission pipeline duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 15},
		},
	)

	// QueueDepth is a gauge of currently queued-plus-in-flight submissions
	// across all worker supervisors.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_queue_depth",
			Help: "Total queue depth across all worker supervisors",
		},
	)
	// WorkersReady is a gauge of supervisors currently in the Running state.
	WorkersReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "workers_ready",
			Help: "Number of worker supervisors currently ready to accept work",
		},
	)
	// WorkerRestartsTotal counts supervisor restarts by reason.
	WorkerRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_restarts_total",
			Help: "Total number of worker supervisor restarts, by reason",
		},
		[]string{"reason"},
	)

	// SandboxEvalDuration records guest evaluation duration within a worker.
	SandboxEvalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandbox_eval_duration_seconds",
			Help:    "Guest evaluation duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 15},
		},
	)
	// SandboxTimeoutsTotal counts guest evaluations that hit the wall-clock cap.
	SandboxTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandbox_timeouts_total",
			Help: "Total number of guest evaluations that exceeded the wall-clock cap",
		},
	)

	// FetchConcurrencyInFlight is a gauge of in-flight outbound guest fetches.
	FetchConcurrencyInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fetch_concurrency_in_flight",
			Help: "Current number of in-flight outbound guest fetches",
		},
	)
	// FetchRejectedTotal counts outbound fetches rejected by policy.
	FetchRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_rejected_total",
			Help: "Total number of outbound fetches rejected, by reason",
		},
		[]string{"reason"},
	)

	// KVOperationsTotal counts KV facade operations by op and outcome.
	KVOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kv_operations_total",
			Help: "Total number of KV facade operations, by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	// ReverseCallsTotal counts reverse-call round-trips by outcome.
	ReverseCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reverse_calls_total",
			Help: "Total number of reverse-call round-trips, by outcome",
		},
		[]string{"outcome"},
	)

	// SocketClientsConnected is a gauge of currently connected socket clients.
	SocketClientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "socket_clients_connected",
			Help: "Number of currently connected websocket clients",
		},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(SubmissionsTotal)
	prometheus.MustRegister(SubmissionDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WorkersReady)
	prometheus.MustRegister(WorkerRestartsTotal)
	prometheus.MustRegister(SandboxEvalDuration)
	prometheus.MustRegister(SandboxTimeoutsTotal)
	prometheus.MustRegister(FetchConcurrencyInFlight)
	prometheus.MustRegister(FetchRejectedTotal)
	prometheus.MustRegister(KVOperationsTotal)
	prometheus.MustRegister(ReverseCallsTotal)
	prometheus.MustRegister(SocketClientsConnected)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordSubmission records a submission outcome and its end-to-end duration.
func RecordSubmission(outcome string, duration time.Duration) {
	SubmissionsTotal.WithLabelValues(outcome).Inc()
	SubmissionDuration.Observe(duration.Seconds())
}

// RecordWorkerRestart increments the restart counter for the given reason.
func RecordWorkerRestart(reason string) {
	WorkerRestartsTotal.WithLabelValues(reason).Inc()
}

// RecordSandboxEval records a completed guest evaluation's duration and
// whether it timed out.
func RecordSandboxEval(duration time.Duration, timedOut bool) {
	SandboxEvalDuration.Observe(duration.Seconds())
	if timedOut {
		SandboxTimeoutsTotal.Inc()
	}
}

// RecordFetchRejected increments the fetch-rejection counter for the given reason.
func RecordFetchRejected(reason string) {
	FetchRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordKVOp increments the KV operation counter for the given op/outcome pair.
func RecordKVOp(op, outcome string) {
	KVOperationsTotal.WithLabelValues(op, outcome).Inc()
}

// RecordReverseCall increments the reverse-call counter for the given outcome.
func RecordReverseCall(outcome string) {
	ReverseCallsTotal.WithLabelValues(outcome).Inc()
}
