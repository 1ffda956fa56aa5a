package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "marketmind"

// StartTaskSpan starts a span for one end-to-end analysis task.
func StartTaskSpan(ctx context.Context, taskID, ownerID, symbol string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("owner.id", ownerID),
			attribute.String("task.symbol", symbol),
		),
	)
}

// StartStageSpan starts a span for one pipeline stage within a task.
func StartStageSpan(ctx context.Context, taskID, stage string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "stage",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("stage.name", stage),
		),
	)
}

// StartAgentSpan starts a span for one agent invocation within a stage.
func StartAgentSpan(ctx context.Context, taskID, agentID, kind string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("agent.id", agentID),
			attribute.String("agent.kind", kind),
		),
	)
}
