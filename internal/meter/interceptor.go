package meter

import (
	"context"

	"github.com/compresr/llm-meter/internal/adapters"
	"github.com/compresr/llm-meter/internal/monitoring"
	"github.com/compresr/llm-meter/internal/tracecontext"
)

// Binding tells the meter how to read one SDK's request and response types.
// Only Provider and Model are needed for metering; the other hooks enrich
// the record or enable degrade and estimation.
type Binding[Req, Resp any] struct {
	Provider adapters.Provider

	Model func(Req) string
	// SetModel returns req with its model replaced. Nil disables degrade.
	SetModel func(Req, string) Req
	// Prompt and MaxOutputTokens feed pre-dispatch cost estimation.
	Prompt          func(Req) string
	MaxOutputTokens func(Req) int

	// Usage returns the raw usage payload accepted by adapters.Normalize.
	Usage     func(Resp) any
	RequestID func(Resp) string
	ToolCalls func(Resp) []adapters.ToolCall
}

// Call intercepts one non-streaming provider call.
//
// fn receives a ctx marking the call as the active span, so calls fn makes
// with it are recorded as children. fn's result and error are returned
// unchanged. A rejected call is never dispatched and returns a
// *RejectionError.
func Call[Req, Resp any](ctx context.Context, m *Meter, b Binding[Req, Resp], req Req, fn func(ctx context.Context, req Req) (Resp, error)) (Resp, error) {
	if m == nil {
		return fn(ctx, req)
	}

	pc, err := m.begin(ctx, requestInfo(b.Provider, false, req, b.Model, b.Prompt, b.MaxOutputTokens, &req, b.SetModel))
	if err != nil {
		var zero Resp
		return zero, err
	}

	settled := false
	defer func() {
		// fn panicked or called runtime.Goexit.
		if !settled {
			pc.finish(ctx, callResult{outcome: monitoring.OutcomeError, err: "provider call panicked"})
		}
	}()

	pc.markDispatched()
	resp, err := fn(tracecontext.WithSpan(ctx, pc.SpanID), req)
	settled = true

	if err != nil {
		pc.finish(ctx, callResult{outcome: monitoring.OutcomeError, err: err.Error()})
		return resp, err
	}

	res := callResult{outcome: monitoring.OutcomeSuccess}
	if b.Usage != nil {
		res.usage = adapters.Normalize(b.Usage(resp), pc.Provider)
	}
	if b.RequestID != nil {
		res.requestID = b.RequestID(resp)
	}
	if b.ToolCalls != nil {
		res.toolCalls = b.ToolCalls(resp)
	}
	pc.finish(ctx, res)
	return resp, nil
}

// requestInfo builds the begin input shared by Call and CallStream. req is
// rewritten in place on degrade.
func requestInfo[Req any](
	provider adapters.Provider,
	stream bool,
	params any,
	model func(Req) string,
	prompt func(Req) string,
	maxOutput func(Req) int,
	req *Req,
	setModel func(Req, string) Req,
) callInfo {
	info := callInfo{
		provider: provider,
		stream:   stream,
		params:   params,
	}
	if model != nil {
		info.model = model(*req)
	}
	if prompt != nil {
		info.prompt = func() string { return prompt(*req) }
	}
	if maxOutput != nil {
		info.maxOutput = func() int { return maxOutput(*req) }
	}
	if setModel != nil {
		info.setModel = func(m string) error {
			*req = setModel(*req, m)
			return nil
		}
	}
	return info
}
