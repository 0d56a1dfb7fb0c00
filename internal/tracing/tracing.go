// Package tracing wires OpenTelemetry for flaggate. Nothing is exported
// unless an OTLP endpoint is configured; [Tracer] always works and yields
// no-op spans until [Init] installs a provider.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultServiceName  = "flaggate"
	instrumentationName = "github.com/matt-riley/flaggate"
)

// Config selects where spans go and how many of them are kept.
type Config struct {
	Endpoint    string
	ServiceName string
	// SampleRatio applies to root spans; children follow their parent.
	SampleRatio float64
}

// Enabled reports whether an exporter endpoint is set.
func (c Config) Enabled() bool {
	return c.Endpoint != ""
}

// ConfigFromEnv reads OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_SERVICE_NAME and
// FLAGGATE_TRACE_SAMPLE_RATIO (default 1).
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		ServiceName: strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")),
		SampleRatio: 1,
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}

	if raw := strings.TrimSpace(os.Getenv("FLAGGATE_TRACE_SAMPLE_RATIO")); raw != "" {
		ratio, err := strconv.ParseFloat(raw, 64)
		if err != nil || ratio < 0 || ratio > 1 {
			return Config{}, fmt.Errorf("FLAGGATE_TRACE_SAMPLE_RATIO must be between 0 and 1, got %q", raw)
		}
		cfg.SampleRatio = ratio
	}
	return cfg, nil
}

// Tracer returns the tracer flaggate components start spans with.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Init installs a global tracer provider exporting over OTLP/HTTP, plus W3C
// trace-context and baggage propagation. A disabled config leaves the globals
// untouched. The returned function flushes pending spans.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled() {
		return func(context.Context) error { return nil }, nil
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: %w", cfg.Endpoint, err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return provider.Shutdown, nil
}
