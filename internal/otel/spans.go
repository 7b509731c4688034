package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for runtime spans.
var (
	AttrAgentID   = attribute.Key("ironclaw.agent.id")
	AttrUserID    = attribute.Key("ironclaw.user.id")
	AttrThreadID  = attribute.Key("ironclaw.thread.id")
	AttrJobID     = attribute.Key("ironclaw.job.id")
	AttrToolName  = attribute.Key("ironclaw.tool.name")
	AttrModel     = attribute.Key("ironclaw.llm.model")
	AttrTurnStep  = attribute.Key("ironclaw.turn.step")
	AttrSessionID = attribute.Key("ironclaw.session.id")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM provider).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
