package refresher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/matt-riley/flaggate/internal/fetch"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	previous := otel.GetTracerProvider()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func spanAttribute(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestRefreshRecordsSpan(t *testing.T) {
	recorder := recordSpans(t)

	fail := true
	fetcher := fetch.FetcherFunc(func(context.Context) ([]json.RawMessage, error) {
		if fail {
			return nil, errors.New("upstream down")
		}
		return documents(`{"id":"a","enabled":true}`, `{"id":"b"}`), nil
	})
	r, _ := newTestRefresher(t, fetcher)

	if _, err := r.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh() error = nil, want fetch failure")
	}
	fail = false
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	for _, span := range spans {
		if span.Name() != "refresher.refresh" {
			t.Fatalf("span name = %q, want refresher.refresh", span.Name())
		}
	}

	if got := spans[0].Status().Code; got != codes.Error {
		t.Fatalf("failed refresh span status = %v, want Error", got)
	}
	if len(spans[0].Events()) == 0 {
		t.Fatal("failed refresh span has no recorded error event")
	}

	if got := spans[1].Status().Code; got == codes.Error {
		t.Fatal("successful refresh span has Error status")
	}
	version, ok := spanAttribute(spans[1], "flaggate.snapshot.version")
	if !ok || version.AsInt64() != 1 {
		t.Fatalf("snapshot version attribute = %v (present %t), want 1", version.AsInt64(), ok)
	}
	flags, ok := spanAttribute(spans[1], "flaggate.snapshot.flags")
	if !ok || flags.AsInt64() != 2 {
		t.Fatalf("snapshot flags attribute = %v (present %t), want 2", flags.AsInt64(), ok)
	}
}
