// Package observability wires optional OpenTelemetry tracing around the
// harness phases.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "hookload"

// InitTracer sets a global OpenTelemetry tracer provider for the harness.
// When endpoint is set, OTLP/HTTP export is used; otherwise spans go to
// stdout.
func InitTracer(enabled bool, endpoint string) (func(context.Context) error, error) {
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error
	if strings.TrimSpace(endpoint) != "" {
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(strings.TrimSpace(endpoint)),
			otlptracehttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", err)
		}
		slog.Info("otel trace exporter configured", "type", "otlphttp", "endpoint", endpoint)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		slog.Info("otel trace exporter configured", "type", "stdout")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(tracerName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	}, nil
}

// StartPhase opens a span for one harness phase. The returned function ends
// it. A no-op when tracing was not initialized.
func StartPhase(ctx context.Context, name string) (context.Context, func()) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	return ctx, func() { span.End() }
}
