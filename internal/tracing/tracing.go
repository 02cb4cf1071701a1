// Package tracing configures OpenTelemetry for manticore. Until Init is
// called every tracer is a no-op.
package tracing

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var ErrInitialized = errors.New("tracing already initialized")

var (
	mx       sync.Mutex
	provider *sdktrace.TracerProvider
)

// Tracer returns a named tracer of the global provider.
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

// Init installs a global provider exporting spans as JSON into w. The
// returned shutdown flushes the spans, tracers
// turn into no-ops afterwards.
func Init(ctx context.Context, service, version string, w io.Writer) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	return InitWithExporter(ctx, service, version, exporter)
}

// InitWithExporter is Init with a custom exporter.
func InitWithExporter(ctx context.Context, service, version string, exporter sdktrace.SpanExporter) (func(context.Context) error, error) {
	mx.Lock()
	defer mx.Unlock()
	if provider != nil {
		return nil, ErrInitialized
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", service),
			attribute.String("service.version", version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	provider = tp

	return func(ctx context.Context) error {
		mx.Lock()
		defer mx.Unlock()
		if provider != tp {
			return nil
		}
		provider = nil
		return tp.Shutdown(ctx)
	}, nil
}
