package monitoring

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ConsoleEmitter logs one structured line per record.
type ConsoleEmitter struct {
	logger *zerolog.Logger
}

// NewConsoleEmitter logs to the given logger, or the global one when nil.
func NewConsoleEmitter(logger *zerolog.Logger) *ConsoleEmitter {
	return &ConsoleEmitter{logger: logger}
}

// Emit logs the record.
func (e *ConsoleEmitter) Emit(_ context.Context, r *MetricRecord) error {
	logger := e.logger
	if logger == nil {
		logger = &log.Logger
	}

	ev := logger.Info()
	if r.Outcome.IsFailure() {
		ev = logger.Warn()
	}
	ev = ev.
		Str("trace_id", r.TraceID).
		Str("span_id", r.SpanID).
		Int64("seq", r.Sequence).
		Str("provider", r.Provider.String()).
		Str("model", r.Model).
		Bool("stream", r.Stream).
		Str("outcome", string(r.Outcome)).
		Int64("latency_ms", r.LatencyMs)

	if r.ParentSpanID != "" {
		ev = ev.Str("parent_span_id", r.ParentSpanID)
	}
	if r.ContextID != "" {
		ev = ev.Str("context_id", r.ContextID)
	}
	if r.RequestedModel != "" {
		ev = ev.Str("requested_model", r.RequestedModel)
	}
	if r.Usage != nil {
		ev = ev.
			Int("input_tokens", r.Usage.InputTokens).
			Int("output_tokens", r.Usage.OutputTokens).
			Int("total_tokens", r.Usage.TotalTokens)
	}
	if r.CostUSD != nil {
		ev = ev.Float64("cost_usd", *r.CostUSD)
	}
	if len(r.ToolCalls) > 0 {
		ev = ev.Int("tool_calls", len(r.ToolCalls))
	}
	if len(r.AgentStack) > 0 {
		ev = ev.Strs("agent_stack", r.AgentStack)
	}
	if r.Error != "" {
		ev = ev.Str("error", r.Error)
	}
	ev.Msg("llm call")
	return nil
}
