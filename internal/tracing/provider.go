// Package tracing wires up optional OpenTelemetry tracing for Session
// dispatch and VideoWorker calls. It is pure ambient observability: when
// no collector address is configured, InitTracer is simply not called and
// every span created against the global no-op tracer costs nothing.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this service's spans in the global TracerProvider.
const tracerName = "github.com/tikslop/videogen-gateway"

// Tracer returns the service-wide Tracer that Session dispatch and
// VideoWorker calls start spans against. When InitTracer was never called
// (OTEL_COLLECTOR_ADDR unset), otel's global TracerProvider is its default
// no-op implementation, so every span started here costs nothing and callers
// never need to branch on whether tracing is enabled.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTracer builds and installs a TracerProvider that batches spans to an
// OTLP/gRPC collector at collectorAddr. The gRPC connection is left to
// otlptracegrpc itself (WithEndpoint/WithInsecure) rather than a manually
// constructed grpc.ClientConn, so this package never imports
// google.golang.org/grpc directly.
func InitTracer(ctx context.Context, serviceName, collectorAddr string, insecure bool) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(collectorAddr)}
	if insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}
