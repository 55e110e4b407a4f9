// Package telemetry configures OpenTelemetry tracing for HTTP API requests.
package telemetry

import (
	"context"
	"os"
	"time"

	"github.com/ruslanjabari/soketi/internal/build"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

const defaultServiceName = "soketi"

// ShutdownFunc flushes buffered spans.
type ShutdownFunc func(ctx context.Context) error

// Run waits for ctx to be done and flushes provider, so ShutdownFunc
// can be registered as a background service.
func (f ShutdownFunc) Run(ctx context.Context) error {
	<-ctx.Done()
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f(flushCtx)
}

// SetupTracing registers global tracer provider exporting spans over OTLP HTTP.
// Endpoint and headers come from OTEL_EXPORTER_OTLP_* environment.
func SetupTracing(ctx context.Context) (ShutdownFunc, error) {
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(newResource(serviceName())),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return provider.Shutdown, nil
}

func serviceName() string {
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		return name
	}
	return defaultServiceName
}

func newResource(name string) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(name),
		attribute.String("version", build.Version),
	)
}
