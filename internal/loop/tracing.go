// Tracing instrumentation for the agent loop.
package loop

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// startRunSpan starts a span covering one run of the loop.
func startRunSpan(ctx context.Context, sessionID, runID string) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "run")
	span.SetAttributes(
		attribute.String("run.session_id", sessionID),
		attribute.String("run.id", runID),
	)
	return ctx, span
}

// endRunSpan ends the run span with terminal status.
func endRunSpan(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("run.status", status))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// startTurnSpan starts a span for one loop iteration.
func startTurnSpan(ctx context.Context, turn int) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "turn")
	span.SetAttributes(attribute.Int("turn.index", turn))
	return ctx, span
}

// startToolSpan starts a span for one tool execution.
func startToolSpan(ctx context.Context, name, callID string) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "tool."+name)
	span.SetAttributes(
		attribute.String("tool.name", name),
		attribute.String("tool.call_id", callID),
	)
	return ctx, span
}
