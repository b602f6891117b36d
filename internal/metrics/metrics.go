// Package metrics provides Prometheus instrumentation for the ledger engine.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FlowsRecorded counts committed token flows by category.
	FlowsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_flows_recorded_total",
		Help: "Token flows committed to the allocation ledger",
	}, []string{"category"})

	// FlowsRejected counts rejected flow requests by reason.
	FlowsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_flows_rejected_total",
		Help: "Token flow requests rejected by the allocation ledger",
	}, []string{"reason"})

	// FlowWarnings counts non-fatal warnings attached to committed flows.
	FlowWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_flow_warnings_total",
		Help: "Warnings raised on committed token flows",
	}, []string{"kind"})

	// CommitConflicts counts optimistic version conflicts on ledger commits.
	CommitConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_commit_conflicts_total",
		Help: "Ledger commits retried after a version conflict",
	})

	// JobRuns counts scheduled passes by job and outcome (ok, error, panic).
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_job_runs_total",
		Help: "Scheduled job passes by outcome",
	}, []string{"job", "outcome"})

	// JobDuration tracks pass duration per job.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_job_duration_seconds",
		Help:    "Scheduled job pass duration in seconds",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"job"})

	// JobSkipped counts triggers dropped because the previous pass was
	// still running.
	JobSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_job_skipped_total",
		Help: "Job triggers skipped due to an overlapping pass",
	}, []string{"job"})

	// Discrepancies counts newly recorded discrepancies.
	Discrepancies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_discrepancies_total",
		Help: "New discrepancies recorded by source and severity",
	}, []string{"source", "severity"})

	// ActiveDiscrepancies tracks the size of the latest pass per source.
	ActiveDiscrepancies = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_active_discrepancies",
		Help: "Discrepancies reported by the latest pass of each source",
	}, []string{"source"})

	// HealthScore is the score of the latest health report.
	HealthScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_health_score",
		Help: "Health score of the latest financial report (0-100)",
	})

	// TokensDistributed tracks distributed tokens per category.
	TokensDistributed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_tokens_distributed",
		Help: "Tokens released per allocation category",
	}, []string{"category"})

	// WebSocketClients tracks connected alert feed clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the chi route template so that ids in the path do
// not explode label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack passes the WebSocket upgrade through to the underlying writer.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	return h.Hijack()
}
