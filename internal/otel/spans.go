package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for orchestrator spans.
var (
	AttrTaskID       = attribute.Key("gardenerd.task.id")
	AttrWorkerID     = attribute.Key("gardenerd.worker.id")
	AttrRunID        = attribute.Key("gardenerd.run.id")
	AttrSessionID    = attribute.Key("gardenerd.session.id")
	AttrSandboxID    = attribute.Key("gardenerd.sandbox.id")
	AttrBackend      = attribute.Key("gardenerd.adapter.backend")
	AttrFSMState     = attribute.Key("gardenerd.fsm.state")
	AttrReviewCycle  = attribute.Key("gardenerd.review.cycle")
	AttrTokensInput  = attribute.Key("gardenerd.llm.tokens.input")
	AttrTokensOutput = attribute.Key("gardenerd.llm.tokens.output")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (agent subprocess, PR API, git).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
