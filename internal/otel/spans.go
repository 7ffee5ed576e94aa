package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for agent core spans and metrics.
var (
	AttrStoreID    = attribute.Key("agentcore.store.id")
	AttrAgentID    = attribute.Key("agentcore.agent.id")
	AttrAgentSlug  = attribute.Key("agentcore.agent.slug")
	AttrBindingID  = attribute.Key("agentcore.binding.id")
	AttrRunID      = attribute.Key("agentcore.run.id")
	AttrRunStatus  = attribute.Key("agentcore.run.status")
	AttrTrigger    = attribute.Key("agentcore.run.trigger")
	AttrActionKind = attribute.Key("agentcore.action.kind")
	AttrDecision   = attribute.Key("agentcore.action.decision")
	AttrPermission = attribute.Key("agentcore.permission_level")
	AttrGoalID     = attribute.Key("agentcore.goal.id")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (brain decision, catalog mutation).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() trace.Tracer {
	return nooptrace.NewTracerProvider().Tracer(TracerName)
}

// RecordError marks span as failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
