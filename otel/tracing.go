// Package otel provides OpenTelemetry integration for the todo service and
// the tool dispatcher.
package otel

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope for tracers and meters.
const ScopeName = "github.com/petal-labs/petaltodo"

// SetupConfig configures trace export.
type SetupConfig struct {
	// Endpoint is an OTLP/HTTP collector URL such as
	// http://localhost:4318. Empty disables export.
	Endpoint    string
	ServiceName string
	Version     string
	Headers     map[string]string
}

// ShutdownFunc flushes and stops exporters.
type ShutdownFunc func(context.Context) error

// Setup installs a global tracer provider that batches spans to the OTLP/HTTP
// endpoint. With no endpoint it leaves the global provider untouched and
// returns a no-op shutdown.
func Setup(ctx context.Context, cfg SetupConfig) (ShutdownFunc, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		return nil, errors.New("otel: service name is required")
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	if strings.HasPrefix(endpoint, "http://") {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	attrs := []attribute.KeyValue{attribute.String("service.name", serviceName)}
	if cfg.Version != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.Version))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attrs...)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// startSpan opens a span that began at start. Observations arrive after the
// work finished, so both ends are stamped explicitly.
func (o *Observer) startSpan(ctx context.Context, name string, start time.Time, attrs ...attribute.KeyValue) trace.Span {
	_, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(start),
	)
	return span
}
