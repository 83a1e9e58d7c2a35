package monitoring

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each record into one finished client span.
// Span timestamps come from the record, so the span covers the call itself
// rather than the emission.
type OTelEmitter struct {
	tracer oteltrace.Tracer
}

// NewOTelEmitter creates an emitter backed by tracer.
func NewOTelEmitter(tracer oteltrace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records one span.
func (e *OTelEmitter) Emit(ctx context.Context, r *MetricRecord) error {
	attrs := []attribute.KeyValue{
		attribute.String("gen_ai.system", r.Provider.String()),
		attribute.String("gen_ai.request.model", requestedModel(r)),
		attribute.String("gen_ai.response.model", r.Model),
		attribute.Bool("llm.stream", r.Stream),
		attribute.String("llm.outcome", string(r.Outcome)),
		attribute.String("llm.trace_id", r.TraceID),
		attribute.String("llm.span_id", r.SpanID),
		attribute.Int64("llm.sequence", r.Sequence),
	}
	if r.ParentSpanID != "" {
		attrs = append(attrs, attribute.String("llm.parent_span_id", r.ParentSpanID))
	}
	if r.ContextID != "" {
		attrs = append(attrs, attribute.String("llm.context_id", r.ContextID))
	}
	if r.RequestID != "" {
		attrs = append(attrs, attribute.String("gen_ai.response.id", r.RequestID))
	}
	if r.Usage != nil {
		attrs = append(attrs,
			attribute.Int("gen_ai.usage.input_tokens", r.Usage.InputTokens),
			attribute.Int("gen_ai.usage.output_tokens", r.Usage.OutputTokens),
			attribute.Int("llm.usage.cached_tokens", r.Usage.CachedTokens),
		)
	}
	if r.CostUSD != nil {
		attrs = append(attrs, attribute.Float64("llm.cost_usd", *r.CostUSD))
	}
	if r.Decision != "" {
		attrs = append(attrs, attribute.String("llm.decision", r.Decision))
	}
	if len(r.AgentStack) > 0 {
		attrs = append(attrs, attribute.StringSlice("llm.agent_stack", r.AgentStack))
	}

	_, span := e.tracer.Start(ctx, "llm.call "+r.Model,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithTimestamp(r.StartedAt),
		oteltrace.WithAttributes(attrs...),
	)
	if r.Outcome.IsFailure() {
		span.SetStatus(codes.Error, r.Error)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(oteltrace.WithTimestamp(r.EndedAt))
	return nil
}

func requestedModel(r *MetricRecord) string {
	if r.RequestedModel != "" {
		return r.RequestedModel
	}
	return r.Model
}
