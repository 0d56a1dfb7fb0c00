package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/flaggate/internal/evaluation"
	"github.com/matt-riley/flaggate/internal/fetch"
	"github.com/matt-riley/flaggate/internal/flagdoc"
	"github.com/matt-riley/flaggate/internal/refresher"
)

func TestNew(t *testing.T) {
	m := New()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	m.AuthFailuresTotal.Inc()
	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(fams) == 0 {
		t.Fatal("expected at least one metric family after increment")
	}
}

func TestRefreshObserver(t *testing.T) {
	m := New()
	var observer refresher.Observer = m

	fetchedAt := time.Unix(1_700_000_000, 0)
	observer.RefreshSucceeded(refresher.Result{
		Version:   4,
		FetchedAt: fetchedAt,
		Flags:     12,
		Skipped:   []error{errors.New("bad"), errors.New("dup")},
		Duration:  50 * time.Millisecond,
	})

	if v := testutil.ToFloat64(m.SnapshotVersion); v != 4 {
		t.Fatalf("snapshot version = %v, want 4", v)
	}
	if v := testutil.ToFloat64(m.SnapshotFlags); v != 12 {
		t.Fatalf("snapshot flags = %v, want 12", v)
	}
	if v := testutil.ToFloat64(m.LastRefreshSuccess); v != float64(fetchedAt.Unix()) {
		t.Fatalf("last refresh success = %v, want %d", v, fetchedAt.Unix())
	}
	if v := testutil.ToFloat64(m.SkippedDocumentsTotal); v != 2 {
		t.Fatalf("skipped documents = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.RefreshesTotal.WithLabelValues("success", "")); v != 1 {
		t.Fatalf("successful refreshes = %v, want 1", v)
	}

	observer.RefreshFailed(&fetch.FetchError{Err: context.DeadlineExceeded})
	if v := testutil.ToFloat64(m.RefreshesTotal.WithLabelValues("failure", "timeout")); v != 1 {
		t.Fatalf("timeout failures = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.SnapshotVersion); v != 4 {
		t.Fatalf("snapshot version after failure = %v, want 4", v)
	}
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: &fetch.FetchError{Err: context.DeadlineExceeded}, want: "timeout"},
		{err: context.Canceled, want: "canceled"},
		{err: &fetch.FetchError{Err: fmt.Errorf("%w: bad json", flagdoc.ErrUnparsablePayload)}, want: "parse"},
		{err: fmt.Errorf("parse flags: %w", flagdoc.ErrNoValidDocuments), want: "parse"},
		{err: &fetch.FetchError{Err: &fetch.StatusError{StatusCode: 502}}, want: "fetch"},
		{err: errors.New("publish snapshot: stale"), want: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := failureReason(tt.err); got != tt.want {
				t.Fatalf("failureReason(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestRecordEvaluation(t *testing.T) {
	m := New()

	m.RecordEvaluation("NewFeature", true, nil)
	m.RecordEvaluation("NewFeature", true, nil)
	m.RecordEvaluation("NewFeature", false, nil)
	m.RecordEvaluation("Missing", false, errors.New("unknown flag"))

	if v := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("NewFeature", "true")); v != 2 {
		t.Fatalf("true count = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("NewFeature", "false")); v != 1 {
		t.Fatalf("false count = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("Missing", "error")); v != 1 {
		t.Fatalf("error count = %v, want 1", v)
	}
}

func TestRecordEvaluationFoldsUnknownFlags(t *testing.T) {
	m := New()

	m.RecordEvaluation("NewFeature", true, nil)
	for i := range 500 {
		name := fmt.Sprintf("junk-%d", i)
		m.RecordEvaluation(name, false, &evaluation.UnknownFlagError{Name: name, Version: 1})
	}

	if got := testutil.CollectAndCount(m.EvaluationsTotal); got != 2 {
		t.Fatalf("evaluation series = %d, want 2", got)
	}
	if v := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues(unknownFlagLabel, "unknown")); v != 500 {
		t.Fatalf("unknown count = %v, want 500", v)
	}
}

func TestCounters(t *testing.T) {
	m := New()

	m.IncGateDenials("NewFeature")
	m.IncAuthFailures()
	m.IncAuthFailures()
	m.IncInvalidations("postgres")

	if v := testutil.ToFloat64(m.GateDenialsTotal.WithLabelValues("NewFeature")); v != 1 {
		t.Fatalf("gate denials = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.AuthFailuresTotal); v != 2 {
		t.Fatalf("auth failures = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.InvalidationsTotal.WithLabelValues("postgres")); v != 1 {
		t.Fatalf("invalidations = %v, want 1", v)
	}
}

func TestInstrumentHandler(t *testing.T) {
	m := New()
	handler := m.InstrumentHandler("/v1/flags/{name}", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/flags/missing", nil))

	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/flags/{name}", "404")); v != 1 {
		t.Fatalf("http requests = %v, want 1", v)
	}
}

func TestUnaryServerInterceptor(t *testing.T) {
	m := New()
	interceptor := m.UnaryServerInterceptor()

	_, _ = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"},
		func(context.Context, any) (any, error) {
			return nil, status.Error(codes.PermissionDenied, "denied")
		})

	if v := testutil.ToFloat64(m.GRPCRequestsTotal.WithLabelValues("Check", "PermissionDenied")); v != 1 {
		t.Fatalf("grpc requests = %v, want 1", v)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.IncGateDenials("NewFeature")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(rec.Result().Body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(string(body), `flaggate_gate_denials_total{flag="NewFeature"} 1`) {
		t.Fatalf("expected gate denial sample in response, got: %s", body)
	}
}
