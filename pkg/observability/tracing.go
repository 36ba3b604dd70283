// Package observability provides OpenTelemetry tracing for reportstream.
package observability

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	tracer   trace.Tracer
	initOnce sync.Once
)

// TracingConfig contains tracing configuration.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Enabled        bool
	SamplingRate   float64
}

// DefaultTracingConfig returns a configuration suitable for development.
func DefaultTracingConfig(serviceName string) TracingConfig {
	return TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: "0.1.0",
		Enabled:        false,
		SamplingRate:   1.0,
	}
}

// Init initializes the global tracer. When tracing is disabled a noop
// tracer is installed so call sites never need to branch.
func Init(cfg TracingConfig) error {
	var initErr error
	initOnce.Do(func() {
		if !cfg.Enabled {
			tracer = noop.NewTracerProvider().Tracer(cfg.ServiceName)
			return
		}

		res, err := resource.New(context.Background(),
			resource.WithAttributes(
				semconv.ServiceNameKey.String(cfg.ServiceName),
				semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			),
		)
		if err != nil {
			initErr = fmt.Errorf("failed to create resource: %w", err)
			return
		}

		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			initErr = fmt.Errorf("failed to create stdout exporter: %w", err)
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		)
		otel.SetTracerProvider(tp)
		tracer = tp.Tracer(cfg.ServiceName)
	})
	return initErr
}

// Tracer returns the global tracer, installing a noop tracer if Init
// was never called.
func Tracer() trace.Tracer {
	if tracer == nil {
		_ = Init(TracingConfig{ServiceName: "reportstream", Enabled: false})
	}
	return tracer
}

// StartSpan starts a span for a pipeline operation.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}
