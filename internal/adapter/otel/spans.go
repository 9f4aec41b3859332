package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "teamforge"

// StartRunSpan starts a span covering one workflow run.
func StartRunSpan(ctx context.Context, runID, workflowID, topology string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("workflow.id", workflowID),
			attribute.String("workflow.topology", topology),
		),
	)
}

// StartStepSpan starts a span for one step within a run.
func StartStepSpan(ctx context.Context, runID string, position int, agentKey string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("step.position", position),
			attribute.String("agent.key", agentKey),
		),
	)
}

// StartInvokeSpan starts a client span for one invocation attempt.
func StartInvokeSpan(ctx context.Context, agentKey, transport string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("agent.key", agentKey),
			attribute.String("agent.transport", transport),
			attribute.Int("invoke.attempt", attempt),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
