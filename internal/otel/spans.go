package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for scibench spans.
var (
	AttrTaskID      = attribute.Key("scibench.task.id")
	AttrEpisodeKey  = attribute.Key("scibench.episode.key")
	AttrModel       = attribute.Key("scibench.llm.model")
	AttrTermination = attribute.Key("scibench.episode.termination")
	AttrSuccess     = attribute.Key("scibench.episode.success")
	AttrSteps       = attribute.Key("scibench.episode.steps")
)

// Tracer returns the scibench tracer from the globally registered
// provider. Before Init, or with otel disabled, spans are no-ops.
func Tracer() trace.Tracer {
	return otel.Tracer(ScopeName)
}

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (model backend,
// simulator, embedder).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
