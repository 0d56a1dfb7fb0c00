// Package metrics provides Prometheus instrumentation for the flaggate server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only flaggate metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/flaggate/internal/evaluation"
	"github.com/matt-riley/flaggate/internal/fetch"
	"github.com/matt-riley/flaggate/internal/flagdoc"
	"github.com/matt-riley/flaggate/internal/refresher"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"

	unknownFlagLabel = "(unknown)"
)

// Metrics holds all Prometheus collectors used by the flaggate server. It
// implements refresher.Observer and evaluation.Recorder.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
	ActiveStreams       *prometheus.GaugeVec

	RefreshesTotal        *prometheus.CounterVec
	RefreshDuration       prometheus.Histogram
	SnapshotVersion       prometheus.Gauge
	SnapshotFlags         prometheus.Gauge
	LastRefreshSuccess    prometheus.Gauge
	SkippedDocumentsTotal prometheus.Counter
	InvalidationsTotal    *prometheus.CounterVec
	EvaluationsTotal      *prometheus.CounterVec
	GateDenialsTotal      *prometheus.CounterVec
	AuthFailuresTotal     prometheus.Counter
}

// New creates and registers all flaggate metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flaggate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flaggate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flaggate_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flaggate_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flaggate_active_streams",
			Help: "Number of active streaming connections.",
		}, []string{"transport"}),

		RefreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flaggate_refreshes_total",
			Help: "Total number of snapshot refresh attempts by result and failure reason.",
		}, []string{"result", "reason"}),

		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flaggate_refresh_duration_seconds",
			Help:    "Duration of successful snapshot refreshes in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		SnapshotVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flaggate_snapshot_version",
			Help: "Version of the snapshot currently served.",
		}),

		SnapshotFlags: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flaggate_snapshot_flags",
			Help: "Number of flags in the snapshot currently served.",
		}),

		LastRefreshSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flaggate_last_refresh_success_timestamp_seconds",
			Help: "Unix time of the last successful refresh.",
		}),

		SkippedDocumentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flaggate_skipped_documents_total",
			Help: "Total number of malformed or duplicate flag documents left out of snapshots.",
		}),

		InvalidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flaggate_invalidations_total",
			Help: "Total number of push notifications that triggered a refresh.",
		}, []string{"source"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flaggate_flag_evaluations_total",
			Help: "Total number of flag evaluations.",
		}, []string{"flag", "result"}),

		GateDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flaggate_gate_denials_total",
			Help: "Total number of operations refused by a flag gate.",
		}, []string{"flag"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flaggate_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.ActiveStreams,
		m.RefreshesTotal,
		m.RefreshDuration,
		m.SnapshotVersion,
		m.SnapshotFlags,
		m.LastRefreshSuccess,
		m.SkippedDocumentsTotal,
		m.InvalidationsTotal,
		m.EvaluationsTotal,
		m.GateDenialsTotal,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler records request count and latency for next under the
// given route label.
func (m *Metrics) InstrumentHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)
		code := strconv.Itoa(recorder.status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.observeGRPC(info.FullMethod, err, start)
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that records
// request count, latency, and active stream gauge.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		m.ActiveStreams.WithLabelValues("grpc").Inc()
		defer m.ActiveStreams.WithLabelValues("grpc").Dec()
		start := time.Now()
		err := handler(srv, ss)
		m.observeGRPC(info.FullMethod, err, start)
		return err
	}
}

func (m *Metrics) observeGRPC(fullMethod string, err error, start time.Time) {
	method := path.Base(fullMethod)
	code := status.Code(err).String()
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
}

// RefreshSucceeded implements refresher.Observer.
func (m *Metrics) RefreshSucceeded(result refresher.Result) {
	m.RefreshesTotal.WithLabelValues(resultSuccess, "").Inc()
	m.RefreshDuration.Observe(result.Duration.Seconds())
	m.SnapshotVersion.Set(float64(result.Version))
	m.SnapshotFlags.Set(float64(result.Flags))
	m.LastRefreshSuccess.Set(float64(result.FetchedAt.Unix()))
	m.SkippedDocumentsTotal.Add(float64(len(result.Skipped)))
}

// RefreshFailed implements refresher.Observer.
func (m *Metrics) RefreshFailed(err error) {
	m.RefreshesTotal.WithLabelValues(resultFailure, failureReason(err)).Inc()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, flagdoc.ErrUnparsablePayload), errors.Is(err, flagdoc.ErrNoValidDocuments):
		return "parse"
	}

	var fetchErr *fetch.FetchError
	if errors.As(err, &fetchErr) {
		return "fetch"
	}
	return "other"
}

// RecordEvaluation implements evaluation.Recorder. Names missing from the
// snapshot share the unknownFlagLabel series, since callers choose them.
func (m *Metrics) RecordEvaluation(flag string, enabled bool, err error) {
	result := strconv.FormatBool(enabled)
	switch {
	case errors.Is(err, evaluation.ErrUnknownFlag):
		flag, result = unknownFlagLabel, "unknown"
	case err != nil:
		result = "error"
	}
	m.EvaluationsTotal.WithLabelValues(flag, result).Inc()
}

// IncGateDenials counts one operation refused by the gate for flag.
func (m *Metrics) IncGateDenials(flag string) {
	m.GateDenialsTotal.WithLabelValues(flag).Inc()
}

// IncAuthFailures increments the auth failure counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}

// IncInvalidations counts a push notification from source.
func (m *Metrics) IncInvalidations(source string) {
	m.InvalidationsTotal.WithLabelValues(source).Inc()
}
