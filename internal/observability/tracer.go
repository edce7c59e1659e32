package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// traceScope names this module's tracer.
const traceScope = "taskforge.scheduler"

const (
	spanTaskDispatch = "taskforge.task.dispatch"
	attrTaskID       = "taskforge.task_id"
	attrExecutorID   = "taskforge.executor_id"
	attrTaskStatus   = "taskforge.status"
)

// NewTracerProvider builds a minimal SDK tracer provider with no exporter
// attached (spans are created and ended for their side effects on the
// current span's recorder — attaching a real exporter, e.g. OTLP, is an
// operator-level concern left to the process embedding this engine).
// Registered globally via otel.SetTracerProvider so every otel.Tracer(...)
// call in this module uses it.
func NewTracerProvider() *sdktrace.TracerProvider {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return tp
}

// StartTaskSpan starts a span around one task dispatch (scheduler.runOne).
func StartTaskSpan(ctx context.Context, taskID, executorID string) (context.Context, trace.Span) {
	return otel.Tracer(traceScope).Start(ctx, spanTaskDispatch, trace.WithAttributes(
		attribute.String(attrTaskID, taskID),
		attribute.String(attrExecutorID, executorID),
	))
}

// EndTaskSpan records the task's terminal status on span and closes it.
func EndTaskSpan(span trace.Span, status string, err error) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.String(attrTaskStatus, status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
