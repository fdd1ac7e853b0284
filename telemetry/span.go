// Span helpers for log correlation and trace annotation. All functions are
// safe to call when no span exists in the context.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TraceContext holds trace and span identifiers for log correlation.
type TraceContext struct {
	// TraceID is the 32-character hex trace identifier.
	TraceID string
	// SpanID is the 16-character hex span identifier.
	SpanID string
	// Sampled indicates whether this trace is being recorded.
	Sampled bool
}

// GetTraceContext extracts the current trace identifiers from ctx.
// Returns zero values when no valid span context exists.
//
//	tc := telemetry.GetTraceContext(r.Context())
//	logger.Info("Request handled", map[string]interface{}{
//	    "workflow_id": wf.WorkflowID,
//	    "trace_id":    tc.TraceID,
//	})
func GetTraceContext(ctx context.Context) TraceContext {
	if ctx == nil {
		return TraceContext{}
	}
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceContext{}
	}
	return TraceContext{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
		Sampled: sc.IsSampled(),
	}
}

// HasTraceContext reports whether ctx carries a valid span context.
func HasTraceContext(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	return trace.SpanFromContext(ctx).SpanContext().IsValid()
}

// StartSpan starts a span on the globally installed tracer. Components that
// hold a *Provider should prefer its StartSpan; this form serves free
// functions like the stage runner.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// AddSpanEvent adds a named event to the current span. Events mark
// meaningful points in time: stage transitions, checkpoint writes,
// approval decisions.
//
//	telemetry.AddSpanEvent(ctx, "plan_approved",
//	    attribute.String("decision_source", "auto"),
//	)
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// RecordSpanError records err on the current span and sets its status to
// Error. No-op when ctx or err is nil.
func RecordSpanError(ctx context.Context, err error) {
	if ctx == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanAttributes adds attributes to the current span. Keep cardinality
// in mind: workflow ids belong on spans, not on metrics.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// SetSpanStatus sets the status of the current span.
func SetSpanStatus(ctx context.Context, code codes.Code, description string) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(code, description)
	}
}
