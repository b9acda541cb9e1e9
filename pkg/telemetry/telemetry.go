// Package telemetry sets up the OpenTelemetry tracer provider the collector
// reports scans to.
//
// Usage:
//
//	tp, shutdown, err := telemetry.Init(ctx, cfg.Observability, os.Stderr)
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"cyclegc/pkg/config"
)

const serviceName = "cyclegc"

// ErrUnknownExporter is returned for an unsupported trace exporter name
var ErrUnknownExporter = errors.New("unknown trace exporter")

// Init builds the tracer provider described by cfg and installs it as the
// global one. Spans go to w when the exporter is "stdout". With tracing off
// or no exporter it returns a noop provider and a shutdown that does nothing.
func Init(ctx context.Context, cfg config.Observability, w io.Writer) (trace.TracerProvider, func(context.Context) error, error) {
	if ctx == nil {
		return nil, nil, errors.New("telemetry: nil context")
	}
	nop := func(context.Context) error { return nil }

	if !cfg.TracingEnabled {
		return noop.NewTracerProvider(), nop, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.TraceExporter {
	case "", "none":
		return otel.GetTracerProvider(), nop, nil
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w))
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("create exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", serviceName),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown, nil
}
