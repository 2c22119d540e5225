package obslog

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// tracerName is the instrumentation scope evaluator spans are recorded
// under, the way the teacher's tracing.StartSpan names its tracer
// "mbflow" (backend/internal/infrastructure/tracing/tracing.go).
const tracerName = "spiral"

var noopTracer = noop.NewTracerProvider().Tracer("")

// StartNodeSpan opens a span for evaluating one node, the evaluator-level
// analogue of the teacher's per-node tracing wrap. Caller is responsible
// for calling span.End(); returns a no-op span when trace is false, so
// evaluator code can call this unconditionally and let the flag decide
// whether it costs anything.
func StartNodeSpan(ctx context.Context, traceOn bool, nodeID string) (context.Context, trace.Span) {
	if !traceOn {
		return noopTracer.Start(ctx, "node:"+nodeID)
	}
	return otel.Tracer(tracerName).Start(ctx, "node:"+nodeID)
}

// StartTaskSpan opens a span for a scheduled task (C9 spawn/C10 scheduler),
// the per-task counterpart to StartNodeSpan.
func StartTaskSpan(ctx context.Context, traceOn bool, taskID string) (context.Context, trace.Span) {
	if !traceOn {
		return noopTracer.Start(ctx, "task:"+taskID)
	}
	return otel.Tracer(tracerName).Start(ctx, "task:"+taskID)
}

// RecordSpanError records err on the span in ctx, if any is recording —
// grounded on the teacher's tracing.RecordError.
func RecordSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
	}
}
