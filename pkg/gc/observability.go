package gc

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "cyclegc.collector"

// scanTracer wraps an OpenTelemetry tracer with scan-specific spans. When
// disabled it hands out noop spans.
type scanTracer struct {
	tracer      trace.Tracer
	enabled     bool
	collectorID string
}

func newScanTracer(tp trace.TracerProvider, enabled bool, collectorID string) *scanTracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &scanTracer{
		tracer:      tp.Tracer(tracerName),
		enabled:     enabled,
		collectorID: collectorID,
	}
}

func (t *scanTracer) startScan(ctx context.Context, root *Participant) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "gc.scan",
		trace.WithAttributes(
			attribute.String("gc.collector_id", t.collectorID),
			attribute.Int64("gc.root_id", int64(root.ID)),
			attribute.String("gc.root", root.String()),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (t *scanTracer) rolledBack(span trace.Span, attempt int, on *Participant) {
	if !t.enabled {
		return
	}
	attrs := []attribute.KeyValue{attribute.Int("gc.attempt", attempt)}
	if on != nil {
		attrs = append(attrs, attribute.String("gc.conflict_on", on.String()))
	}
	span.AddEvent("rollback", trace.WithAttributes(attrs...))
}

func (t *scanTracer) endScan(span trace.Span, res ScanResult) {
	defer span.End()
	if !t.enabled {
		return
	}
	span.SetAttributes(
		attribute.String("gc.outcome", res.Outcome.String()),
		attribute.Int("gc.attempts", res.Attempts),
		attribute.Int("gc.visited", res.Visited),
		attribute.Int("gc.cycles", len(res.Cycles)),
	)
	span.SetStatus(codes.Ok, "")
}
