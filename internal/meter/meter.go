// Package meter intercepts LLM provider calls, applies pre-flight and policy
// decisions, and emits exactly one metric record per call.
//
// DESIGN: Every interception path (generic Call, generic CallStream and the
// HTTP Transport) goes through the same pipeline:
//
//	span id + relationship -> estimate -> pre-flight hook -> policy decision
//	-> dispatch -> normalize usage -> emit
//
// The relationship is recorded before anything can suspend, so calls issued
// from inside a dispatched call see it as their parent. Emission is guarded
// by a sync.Once per PendingCall: success, provider error, panic, rejection,
// stream completion, early break and stream failure all funnel into the same
// finalizer, so no path can emit zero or two records.
//
// The hook runs before the policy and both may throttle. Their delays add up;
// this is intentional and visible in the record's throttled_ms.
//
// FILES:
//   - meter.go:       Meter, options, PendingCall pipeline and finalizer
//   - preflight.go:   Pre-flight hook contract and cost cap hook
//   - errors.go:      Rejection errors
//   - interceptor.go: Non-streaming generic interception
//   - stream.go:      Streaming generic interception
//   - sse.go:         Incremental SSE/NDJSON event parser
//   - transport.go:   http.RoundTripper interception
//   - install.go:     Reversible http.DefaultTransport installation
package meter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/llm-meter/internal/adapters"
	"github.com/compresr/llm-meter/internal/control"
	"github.com/compresr/llm-meter/internal/costcontrol"
	"github.com/compresr/llm-meter/internal/monitoring"
	"github.com/compresr/llm-meter/internal/tracecontext"
)

// MetadataRequestedModel is the metadata key holding the original model of
// a degraded call.
const MetadataRequestedModel = "requested_model"

// =============================================================================
// METER
// =============================================================================

// Meter holds the collaborators shared by every intercepted call.
type Meter struct {
	gateway   *monitoring.Gateway
	emitters  []monitoring.Emitter
	control   *control.Client
	hook      PreflightHook
	estimator *costcontrol.Estimator
	pricing   *costcontrol.Pricing
	hinter    tracecontext.AgentHinter
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures a Meter.
type Option func(*Meter)

// WithGateway sets the emission gateway.
func WithGateway(g *monitoring.Gateway) Option {
	return func(m *Meter) {
		m.gateway = g
	}
}

// WithEmitters adds sinks to the meter's gateway.
func WithEmitters(emitters ...monitoring.Emitter) Option {
	return func(m *Meter) {
		m.emitters = append(m.emitters, emitters...)
	}
}

// WithControl sets the policy decision client.
func WithControl(c *control.Client) Option {
	return func(m *Meter) {
		m.control = c
	}
}

// WithPreflightHook sets the caller's pre-flight hook.
func WithPreflightHook(h PreflightHook) Option {
	return func(m *Meter) {
		m.hook = h
	}
}

// WithEstimator enables pre-dispatch cost estimation for policy budgets.
func WithEstimator(e *costcontrol.Estimator) Option {
	return func(m *Meter) {
		m.estimator = e
	}
}

// WithPricing sets the table used to price reported usage.
func WithPricing(p *costcontrol.Pricing) Option {
	return func(m *Meter) {
		m.pricing = p
	}
}

// WithAgentHinter sets the best-effort agent label source used when the
// caller pushed no agent.
func WithAgentHinter(h tracecontext.AgentHinter) Option {
	return func(m *Meter) {
		m.hinter = h
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Meter) {
		m.now = now
	}
}

// New creates a Meter. With no options it only measures: no sinks, no
// hook, no policy.
func New(opts ...Option) *Meter {
	m := &Meter{
		now:   time.Now,
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.gateway == nil {
		m.gateway = monitoring.NewGateway()
	}
	for _, e := range m.emitters {
		m.gateway.Add(e)
	}
	m.emitters = nil
	if m.pricing == nil {
		m.pricing = costcontrol.NewPricing(nil)
	}
	return m
}

// Gateway returns the meter's emission gateway.
func (m *Meter) Gateway() *monitoring.Gateway {
	return m.gateway
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// =============================================================================
// PENDING CALL
// =============================================================================

// PendingCall is one in-flight intercepted call.
type PendingCall struct {
	SpanID         string
	Provider       adapters.Provider
	Model          string // Model dispatched (after any degrade)
	RequestedModel string // Original model when degraded
	Stream         bool
	StartedAt      time.Time
	EstimatedCost  float64
	// Params is the caller's request value (SDK params or *http.Request).
	Params any
	// Context is the call chain the call was issued under.
	Context      *tracecontext.CallContext
	Relationship tracecontext.Relationship

	meter        *Meter
	once         sync.Once
	decision     string
	throttled    time.Duration
	dispatchedAt time.Time
}

// callInfo describes a call to begin.
type callInfo struct {
	provider adapters.Provider
	model    string
	stream   bool
	params   any
	// prompt and maxOutput are only evaluated when an estimator is set.
	prompt    func() string
	maxOutput func() int
	// setModel applies a degrade. Nil means the call cannot be degraded.
	setModel func(model string) error
}

// callResult is the terminal state of a call.
type callResult struct {
	outcome   monitoring.Outcome
	usage     *adapters.NormalizedUsage
	err       string
	requestID string
	toolCalls []adapters.ToolCall
}

// begin runs the pre-dispatch pipeline. A non-nil error means the call must
// not be dispatched; its record has already been emitted.
func (m *Meter) begin(ctx context.Context, info callInfo) (*PendingCall, error) {
	spanID := tracecontext.NewID()
	rel := tracecontext.RecordCallRelationship(ctx, spanID)
	if len(rel.AgentStack) == 0 && m.hinter != nil {
		if name, ok := m.hinter.AgentHint(ctx); ok {
			rel.AgentStack = []string{name}
		}
	}

	pc := &PendingCall{
		SpanID:       spanID,
		Provider:     info.provider,
		Model:        info.model,
		Stream:       info.stream,
		StartedAt:    m.now(),
		Params:       info.params,
		Context:      tracecontext.Current(ctx),
		Relationship: rel,
		meter:        m,
	}

	if m.estimator != nil && info.prompt != nil {
		maxOut := 0
		if info.maxOutput != nil {
			maxOut = info.maxOutput()
		}
		pc.EstimatedCost = m.estimator.EstimateCost(info.model, info.prompt(), maxOut)
	}

	if m.hook != nil {
		d := m.hook(ctx, pc)
		switch d.Action {
		case ActionCancel:
			m.reportAction(ctx, pc, "hook", "cancel", d.Reason, 0, "")
			return nil, pc.reject(ctx, monitoring.OutcomeCancelled, d.Reason)
		case ActionThrottle:
			m.reportAction(ctx, pc, "hook", "throttle", "", d.Delay, "")
			if err := pc.wait(ctx, d.Delay); err != nil {
				return nil, err
			}
		}
	}

	if m.control != nil {
		d := m.control.Decide(ctx, control.Request{
			ContextID:     rel.ContextID,
			Provider:      info.provider,
			Model:         info.model,
			EstimatedCost: pc.EstimatedCost,
			Metadata:      rel.Metadata,
		})
		pc.decision = d.String()
		if d.Kind != control.KindAllow {
			m.reportAction(ctx, pc, "policy", d.Kind.String(), d.Reason, d.Delay, d.ToModel)
		}

		switch d.Kind {
		case control.KindBlock:
			return nil, pc.reject(ctx, monitoring.OutcomeBlocked, d.Reason)
		case control.KindThrottle:
			if err := pc.wait(ctx, d.Delay); err != nil {
				return nil, err
			}
		case control.KindDegrade:
			pc.degrade(d.ToModel, info.setModel)
		}
	}

	return pc, nil
}

func (pc *PendingCall) degrade(toModel string, setModel func(string) error) {
	if toModel == "" || toModel == pc.Model {
		return
	}
	if setModel == nil {
		log.Warn().Str("model", pc.Model).Str("to_model", toModel).Msg("meter: call cannot be degraded, dispatching unchanged")
		return
	}
	if err := setModel(toModel); err != nil {
		log.Warn().Err(err).Str("model", pc.Model).Str("to_model", toModel).Msg("meter: degrade failed, dispatching unchanged")
		return
	}
	pc.RequestedModel = pc.Model
	pc.Model = toModel
	if pc.Relationship.Metadata == nil {
		pc.Relationship.Metadata = make(map[string]any, 1)
	}
	pc.Relationship.Metadata[MetadataRequestedModel] = pc.RequestedModel
}

// wait sleeps for a throttle delay. A cancelled ctx ends the call with an
// error record and returns ctx.Err().
func (pc *PendingCall) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	pc.throttled += d
	if err := pc.meter.sleep(ctx, d); err != nil {
		pc.finish(ctx, callResult{outcome: monitoring.OutcomeError, err: err.Error()})
		return err
	}
	return nil
}

// reject finishes a call refused before dispatch and reports it.
func (pc *PendingCall) reject(ctx context.Context, outcome monitoring.Outcome, reason string) error {
	rec := pc.finish(ctx, callResult{outcome: outcome, err: reason})
	if rec != nil {
		pc.meter.control.ReportMetric(ctx, rec)
	}
	return &RejectionError{Outcome: outcome, Reason: reason, SpanID: pc.SpanID}
}

func (pc *PendingCall) markDispatched() {
	pc.dispatchedAt = pc.meter.now()
}

// finish emits the call's record once. It returns the record on the call
// that emitted it and nil afterwards.
func (pc *PendingCall) finish(ctx context.Context, res callResult) *monitoring.MetricRecord {
	var rec *monitoring.MetricRecord
	pc.once.Do(func() {
		rec = pc.buildRecord(res)
		pc.meter.gateway.Emit(ctx, rec)
	})
	return rec
}

func (pc *PendingCall) buildRecord(res callResult) *monitoring.MetricRecord {
	ended := pc.meter.now()
	var latency int64
	if !pc.dispatchedAt.IsZero() {
		latency = ended.Sub(pc.dispatchedAt).Milliseconds()
	}
	rel := pc.Relationship

	return &monitoring.MetricRecord{
		TraceID:          rel.TraceID,
		SpanID:           pc.SpanID,
		ParentSpanID:     rel.ParentSpanID,
		Sequence:         rel.Sequence,
		ContextID:        rel.ContextID,
		Provider:         pc.Provider,
		Model:            pc.Model,
		RequestedModel:   pc.RequestedModel,
		Stream:           pc.Stream,
		RequestID:        res.requestID,
		StartedAt:        pc.StartedAt,
		EndedAt:          ended,
		LatencyMs:        latency,
		Usage:            res.usage,
		CostUSD:          pc.meter.pricing.Cost(pc.Model, res.usage),
		EstimatedCostUSD: pc.EstimatedCost,
		Outcome:          res.outcome,
		Error:            res.err,
		Decision:         pc.decision,
		ThrottledMs:      pc.throttled.Milliseconds(),
		ToolCalls:        res.toolCalls,
		AgentStack:       rel.AgentStack,
		Metadata:         rel.Metadata,
	}
}

func (m *Meter) reportAction(ctx context.Context, pc *PendingCall, source, action, reason string, delay time.Duration, toModel string) {
	m.control.ReportEvent(ctx, control.Event{
		TraceID:   pc.Relationship.TraceID,
		SpanID:    pc.SpanID,
		ContextID: pc.Relationship.ContextID,
		Provider:  pc.Provider,
		Model:     pc.Model,
		Source:    source,
		Action:    action,
		Reason:    reason,
		DelayMs:   delay.Milliseconds(),
		ToModel:   toModel,
		At:        m.now(),
	})
}
