package meter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/compresr/llm-meter/internal/adapters"
	"github.com/compresr/llm-meter/internal/control"
	"github.com/compresr/llm-meter/internal/costcontrol"
	"github.com/compresr/llm-meter/internal/monitoring"
	"github.com/compresr/llm-meter/internal/tracecontext"
)

// =============================================================================
// HELPERS
// =============================================================================

type recorder struct {
	mu      sync.Mutex
	records []*monitoring.MetricRecord
}

func (r *recorder) Emit(_ context.Context, rec *monitoring.MetricRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recorder) Records() []*monitoring.MetricRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*monitoring.MetricRecord(nil), r.records...)
}

func (r *recorder) Only(t *testing.T) *monitoring.MetricRecord {
	t.Helper()
	recs := r.Records()
	require.Len(t, recs, 1)
	return recs[0]
}

type reporter struct {
	mu      sync.Mutex
	events  []control.Event
	metrics []*monitoring.MetricRecord
}

func (r *reporter) ReportEvent(_ context.Context, ev control.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *reporter) ReportMetric(_ context.Context, rec *monitoring.MetricRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, rec)
	return nil
}

type chatRequest struct {
	Model  string
	Prompt string
}

type chatResponse struct {
	ID    string
	Usage map[string]any
	Tools []string
}

var chatBinding = Binding[chatRequest, chatResponse]{
	Provider: adapters.ProviderOpenAI,
	Model:    func(r chatRequest) string { return r.Model },
	SetModel: func(r chatRequest, model string) chatRequest {
		r.Model = model
		return r
	},
	Prompt: func(r chatRequest) string { return r.Prompt },
	Usage: func(r chatResponse) any {
		if r.Usage == nil {
			return nil
		}
		return r.Usage
	},
	RequestID: func(r chatResponse) string { return r.ID },
	ToolCalls: func(r chatResponse) []adapters.ToolCall {
		calls := make([]adapters.ToolCall, 0, len(r.Tools))
		for _, name := range r.Tools {
			calls = append(calls, adapters.ToolCall{Name: name})
		}
		return calls
	},
}

func okResponse(ctx context.Context, req chatRequest) (chatResponse, error) {
	return chatResponse{
		ID:    "chatcmpl-1",
		Usage: map[string]any{"prompt_tokens": 100, "completion_tokens": 50},
	}, nil
}

func oracle(d control.Decision) control.Oracle {
	return control.OracleFunc(func(context.Context, control.Request) (control.Decision, error) {
		return d, nil
	})
}

type fakeSleeper struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slept = append(s.slept, d)
	return ctx.Err()
}

func scoped(contextID string) context.Context {
	ctx, _ := tracecontext.EnterScope(context.Background(), tracecontext.ScopeOptions{ContextID: contextID})
	return ctx
}

// =============================================================================
// NON-STREAMING CALLS
// =============================================================================

func TestCall_SuccessEmitsOneRecord(t *testing.T) {
	rec := &recorder{}
	clock := time.UnixMilli(1_700_000_000_000)
	m := New(WithEmitters(rec), WithClock(func() time.Time { return clock }))

	resp, err := Call(scoped("tenant-1"), m, chatBinding, chatRequest{Model: "gpt-4o"},
		func(ctx context.Context, req chatRequest) (chatResponse, error) {
			clock = clock.Add(250 * time.Millisecond)
			return chatResponse{
				ID:    "chatcmpl-42",
				Usage: map[string]any{"prompt_tokens": 100, "completion_tokens": 50},
				Tools: []string{"search"},
			}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-42", resp.ID)

	r := rec.Only(t)
	assert.Equal(t, monitoring.OutcomeSuccess, r.Outcome)
	assert.Equal(t, adapters.ProviderOpenAI, r.Provider)
	assert.Equal(t, "gpt-4o", r.Model)
	assert.Equal(t, "tenant-1", r.ContextID)
	assert.Equal(t, "chatcmpl-42", r.RequestID)
	assert.Equal(t, int64(250), r.LatencyMs)
	assert.Equal(t, int64(1), r.Sequence)
	assert.Empty(t, r.Error)
	require.NotNil(t, r.Usage)
	assert.Equal(t, 100, r.Usage.InputTokens)
	assert.Equal(t, 50, r.Usage.OutputTokens)
	assert.Equal(t, 150, r.Usage.TotalTokens)
	require.NotNil(t, r.CostUSD)
	assert.InDelta(t, 0.00075, *r.CostUSD, 1e-12)
	assert.Equal(t, []adapters.ToolCall{{Name: "search"}}, r.ToolCalls)
}

func TestCall_NoUsageIsNilNotZero(t *testing.T) {
	rec := &recorder{}
	m := New(WithEmitters(rec))

	_, err := Call(context.Background(), m, chatBinding, chatRequest{Model: "gpt-4o"},
		func(context.Context, chatRequest) (chatResponse, error) {
			return chatResponse{ID: "x"}, nil
		})
	require.NoError(t, err)

	r := rec.Only(t)
	assert.Nil(t, r.Usage)
	assert.Nil(t, r.CostUSD)
}

func TestCall_ProviderErrorPassesThroughUnchanged(t *testing.T) {
	rec := &recorder{}
	m := New(WithEmitters(rec))
	providerErr := errors.New("429 rate limited")

	_, err := Call(context.Background(), m, chatBinding, chatRequest{Model: "gpt-4o"},
		func(context.Context, chatRequest) (chatResponse, error) {
			return chatResponse{}, providerErr
		})
	assert.Same(t, providerErr, err)

	r := rec.Only(t)
	assert.Equal(t, monitoring.OutcomeError, r.Outcome)
	assert.Equal(t, "429 rate limited", r.Error)
	assert.Nil(t, r.Usage)
}

func TestCall_PanicEmitsRecordAndPropagates(t *testing.T) {
	rec := &recorder{}
	m := New(WithEmitters(rec))

	assert.PanicsWithValue(t, "boom", func() {
		_, _ = Call(context.Background(), m, chatBinding, chatRequest{Model: "gpt-4o"},
			func(context.Context, chatRequest) (chatResponse, error) {
				panic("boom")
			})
	})

	r := rec.Only(t)
	assert.Equal(t, monitoring.OutcomeError, r.Outcome)
	assert.NotEmpty(t, r.Error)
}

func TestCall_NestedCallsRecordParent(t *testing.T) {
	rec := &recorder{}
	m := New(WithEmitters(rec))
	ctx := scoped("agent-run")

	_, err := Call(ctx, m, chatBinding, chatRequest{Model: "gpt-4o"},
		func(ctx context.Context, req chatRequest) (chatResponse, error) {
			// Tool-call recursion issued while the outer call is in flight.
			_, err := Call(ctx, m, chatBinding, chatRequest{Model: "gpt-4o-mini"}, okResponse)
			if err != nil {
				return chatResponse{}, err
			}
			return okResponse(ctx, req)
		})
	require.NoError(t, err)

	recs := rec.Records()
	require.Len(t, recs, 2)
	inner, outer := recs[0], recs[1]
	assert.Equal(t, "gpt-4o-mini", inner.Model)
	assert.Equal(t, outer.SpanID, inner.ParentSpanID)
	assert.Equal(t, outer.TraceID, inner.TraceID)
	assert.Empty(t, outer.ParentSpanID)
	assert.Equal(t, int64(1), outer.Sequence)
	assert.Equal(t, int64(2), inner.Sequence)
}

func TestCall_NilMeterPassesThrough(t *testing.T) {
	resp, err := Call(context.Background(), nil, chatBinding, chatRequest{Model: "gpt-4o"}, okResponse)
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-1", resp.ID)
}

// =============================================================================
// PRE-FLIGHT AND POLICY
// =============================================================================

func TestCall_HookCancelSkipsDispatch(t *testing.T) {
	rec := &recorder{}
	m := New(WithEmitters(rec), WithPreflightHook(func(context.Context, *PendingCall) PreflightDecision {
		return Cancel("daily cap reached")
	}))

	dispatched := false
	_, err := Call(context.Background(), m, chatBinding, chatRequest{Model: "gpt-4o"},
		func(context.Context, chatRequest) (chatResponse, error) {
			dispatched = true
			return chatResponse{}, nil
		})

	assert.False(t, dispatched)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.NotErrorIs(t, err, ErrBlocked)
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "daily cap reached", rej.Reason)

	r := rec.Only(t)
	assert.Equal(t, monitoring.OutcomeCancelled, r.Outcome)
	assert.Equal(t, "daily cap reached", r.Error)
	assert.Equal(t, int64(0), r.LatencyMs)
	assert.Equal(t, rej.SpanID, r.SpanID)
}

func TestCall_PolicyBlockIsReported(t *testing.T) {
	rec := &recorder{}
	rep := &reporter{}
	client := control.NewClient(oracle(control.Block("model not allowed")), control.WithReporter(rep))
	m := New(WithEmitters(rec), WithControl(client))

	_, err := Call(context.Background(), m, chatBinding, chatRequest{Model: "gpt-4o"}, okResponse)
	assert.ErrorIs(t, err, ErrBlocked)
	assert.EqualError(t, err, "llm call blocked: model not allowed")

	r := rec.Only(t)
	assert.Equal(t, monitoring.OutcomeBlocked, r.Outcome)
	assert.Equal(t, "block", r.Decision)

	require.NoError(t, client.Wait(context.Background()))
	rep.mu.Lock()
	defer rep.mu.Unlock()
	require.Len(t, rep.metrics, 1)
	assert.Equal(t, r.SpanID, rep.metrics[0].SpanID)
	require.Len(t, rep.events, 1)
	assert.Equal(t, "policy", rep.events[0].Source)
	assert.Equal(t, "block", rep.events[0].Action)
}

func TestCall_LocalPolicyBlockRule(t *testing.T) {
	policy, err := control.ParsePolicy([]byte(`
block:
  - name: no-opus
    model: "claude-opus*"
    reason: opus is not approved
`))
	require.NoError(t, err)
	rec := &recorder{}
	m := New(WithEmitters(rec), WithControl(control.NewClient(control.NewLocalEvaluator(policy))))

	_, err = Call(context.Background(), m, chatBinding, chatRequest{Model: "claude-opus-4-6"}, okResponse)
	assert.ErrorIs(t, err, ErrBlocked)

	_, err = Call(context.Background(), m, chatBinding, chatRequest{Model: "claude-haiku-4-5"}, okResponse)
	assert.NoError(t, err)

	recs := rec.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, monitoring.OutcomeBlocked, recs[0].Outcome)
	assert.Equal(t, monitoring.OutcomeSuccess, recs[1].Outcome)
}

func TestCall_DegradeRewritesModel(t *testing.T) {
	rec := &recorder{}
	client := control.NewClient(oracle(control.Degrade("gpt-4o-mini", "budget at 80%")))
	m := New(WithEmitters(rec), WithControl(client))

	var sent string
	_, err := Call(context.Background(), m, chatBinding, chatRequest{Model: "gpt-4o"},
		func(ctx context.Context, req chatRequest) (chatResponse, error) {
			sent = req.Model
			return okResponse(ctx, req)
		})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", sent)

	r := rec.Only(t)
	assert.Equal(t, "gpt-4o-mini", r.Model)
	assert.Equal(t, "gpt-4o", r.RequestedModel)
	assert.Equal(t, "gpt-4o", r.Metadata[MetadataRequestedModel])
	assert.Equal(t, "degrade(gpt-4o-mini)", r.Decision)
	// Priced at the model actually used.
	require.NotNil(t, r.CostUSD)
	assert.InDelta(t, 0.000045, *r.CostUSD, 1e-12)
}

func TestCall_DegradeWithoutSetModelDispatchesUnchanged(t *testing.T) {
	rec := &recorder{}
	m := New(WithEmitters(rec), WithControl(control.NewClient(oracle(control.Degrade("gpt-4o-mini", "")))))
	b := chatBinding
	b.SetModel = nil

	var sent string
	_, err := Call(context.Background(), m, b, chatRequest{Model: "gpt-4o"},
		func(ctx context.Context, req chatRequest) (chatResponse, error) {
			sent = req.Model
			return okResponse(ctx, req)
		})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", sent)
	assert.Empty(t, rec.Only(t).RequestedModel)
}

func TestCall_HookAndPolicyDelaysCompound(t *testing.T) {
	rec := &recorder{}
	sleeper := &fakeSleeper{}
	m := New(
		WithEmitters(rec),
		WithPreflightHook(func(context.Context, *PendingCall) PreflightDecision { return ThrottleFor(2 * time.Second) }),
		WithControl(control.NewClient(oracle(control.Throttle(3*time.Second, "rpm")))),
	)
	m.sleep = sleeper.Sleep

	_, err := Call(context.Background(), m, chatBinding, chatRequest{Model: "gpt-4o"}, okResponse)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{2 * time.Second, 3 * time.Second}, sleeper.slept)
	r := rec.Only(t)
	assert.Equal(t, int64(5000), r.ThrottledMs)
	assert.Equal(t, "throttle(3s)", r.Decision)
	assert.Equal(t, monitoring.OutcomeSuccess, r.Outcome)
}

func TestCall_ThrottleHonorsCancellation(t *testing.T) {
	rec := &recorder{}
	m := New(WithEmitters(rec), WithPreflightHook(func(context.Context, *PendingCall) PreflightDecision {
		return ThrottleFor(time.Hour)
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dispatched := false
	_, err := Call(ctx, m, chatBinding, chatRequest{Model: "gpt-4o"},
		func(context.Context, chatRequest) (chatResponse, error) {
			dispatched = true
			return chatResponse{}, nil
		})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, dispatched)

	r := rec.Only(t)
	assert.Equal(t, monitoring.OutcomeError, r.Outcome)
	assert.Equal(t, int64(0), r.LatencyMs)
}

func TestCall_FailClosedBlocksWhenOracleFails(t *testing.T) {
	rec := &recorder{}
	failing := control.OracleFunc(func(context.Context, control.Request) (control.Decision, error) {
		return control.Decision{}, errors.New("connection refused")
	})
	m := New(WithEmitters(rec), WithControl(control.NewClient(failing, control.WithFailMode(control.FailClosed))))

	_, err := Call(context.Background(), m, chatBinding, chatRequest{Model: "gpt-4o"}, okResponse)
	assert.ErrorIs(t, err, ErrBlocked)
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, control.UnavailableReason, rej.Reason)
}

func TestCall_EstimateReachesPolicy(t *testing.T) {
	rec := &recorder{}
	var seen control.Request
	client := control.NewClient(control.OracleFunc(func(_ context.Context, req control.Request) (control.Decision, error) {
		seen = req
		return control.Allow(), nil
	}))
	m := New(WithEmitters(rec), WithControl(client), WithEstimator(costcontrol.NewEstimator(nil)))

	_, err := Call(scoped("tenant-9"), m, chatBinding, chatRequest{Model: "gpt-4o", Prompt: "Summarize the quarterly report in three bullet points."}, okResponse)
	require.NoError(t, err)

	assert.Equal(t, "tenant-9", seen.ContextID)
	assert.Equal(t, adapters.ProviderOpenAI, seen.Provider)
	assert.Equal(t, "gpt-4o", seen.Model)
	assert.Greater(t, seen.EstimatedCost, 0.0)
	assert.Equal(t, seen.EstimatedCost, rec.Only(t).EstimatedCostUSD)
}

func TestCall_AgentHint(t *testing.T) {
	rec := &recorder{}
	hinter := tracecontext.AgentHinterFunc(func(context.Context) (string, bool) { return "planner", true })
	m := New(WithEmitters(rec), WithAgentHinter(hinter))

	ctx := scoped("")
	_, err := Call(ctx, m, chatBinding, chatRequest{Model: "gpt-4o"}, okResponse)
	require.NoError(t, err)

	err = tracecontext.WithAgent(ctx, "researcher", func(ctx context.Context) error {
		_, err := Call(ctx, m, chatBinding, chatRequest{Model: "gpt-4o"}, okResponse)
		return err
	})
	require.NoError(t, err)

	recs := rec.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, []string{"planner"}, recs[0].AgentStack)
	assert.Equal(t, []string{"researcher"}, recs[1].AgentStack)
}

// =============================================================================
// HOOKS
// =============================================================================

func TestChainHooks(t *testing.T) {
	throttle := func(d time.Duration) PreflightHook {
		return func(context.Context, *PendingCall) PreflightDecision { return ThrottleFor(d) }
	}

	d := ChainHooks(throttle(time.Second), nil, throttle(2*time.Second))(context.Background(), &PendingCall{})
	assert.Equal(t, ThrottleFor(3*time.Second), d)

	laterCalled := false
	d = ChainHooks(
		throttle(time.Second),
		func(context.Context, *PendingCall) PreflightDecision { return Cancel("stop") },
		func(context.Context, *PendingCall) PreflightDecision {
			laterCalled = true
			return Proceed()
		},
	)(context.Background(), &PendingCall{})
	assert.Equal(t, Cancel("stop"), d)
	assert.False(t, laterCalled)

	assert.Equal(t, Proceed(), ChainHooks()(context.Background(), &PendingCall{}))
}

func TestCapHook(t *testing.T) {
	tracker := costcontrol.NewTracker(costcontrol.CostControlConfig{Enabled: true, ContextCap: 0.01})
	defer tracker.Close()
	tracker.RecordCost("tenant-a", "gpt-4o", 0.02, 1000)

	rec := &recorder{}
	m := New(WithEmitters(rec, tracker), WithPreflightHook(CapHook(tracker)))

	_, err := Call(scoped("tenant-a"), m, chatBinding, chatRequest{Model: "gpt-4o"}, okResponse)
	assert.ErrorIs(t, err, ErrCancelled)

	_, err = Call(scoped("tenant-b"), m, chatBinding, chatRequest{Model: "gpt-4o"}, okResponse)
	require.NoError(t, err)
	assert.InDelta(t, 0.00075, tracker.GetSessionCost("tenant-b"), 1e-12)
}

func TestPreflightAction_String(t *testing.T) {
	assert.Equal(t, "proceed", ActionProceed.String())
	assert.Equal(t, "throttle", ActionThrottle.String())
	assert.Equal(t, "cancel", ActionCancel.String())
}

// =============================================================================
// EXACTLY ONCE
// =============================================================================

func TestCall_ExactlyOneRecordPerCall(t *testing.T) {
	kinds := []string{"success", "error", "panic", "cancel", "block", "throttle", "degrade"}

	rapid.Check(t, func(t *rapid.T) {
		plan := rapid.SliceOfN(rapid.SampledFrom(kinds), 1, 20).Draw(t, "plan")

		rec := &recorder{}
		var current string
		m := New(
			WithEmitters(rec),
			WithPreflightHook(func(context.Context, *PendingCall) PreflightDecision {
				switch current {
				case "cancel":
					return Cancel("hook")
				case "throttle":
					return ThrottleFor(time.Millisecond)
				}
				return Proceed()
			}),
			WithControl(control.NewClient(control.OracleFunc(func(context.Context, control.Request) (control.Decision, error) {
				switch current {
				case "block":
					return control.Block("policy"), nil
				case "degrade":
					return control.Degrade("gpt-4o-mini", ""), nil
				}
				return control.Allow(), nil
			}))),
		)
		m.sleep = func(context.Context, time.Duration) error { return nil }

		for _, kind := range plan {
			current = kind
			func() {
				defer func() { _ = recover() }()
				_, _ = Call(context.Background(), m, chatBinding, chatRequest{Model: "gpt-4o"},
					func(ctx context.Context, req chatRequest) (chatResponse, error) {
						switch kind {
						case "error":
							return chatResponse{}, errors.New("upstream")
						case "panic":
							panic("upstream")
						}
						return okResponse(ctx, req)
					})
			}()
		}

		recs := rec.Records()
		if len(recs) != len(plan) {
			t.Fatalf("emitted %d records for %d calls", len(recs), len(plan))
		}
		spans := make(map[string]bool, len(recs))
		for _, r := range recs {
			if spans[r.SpanID] {
				t.Fatalf("span %s emitted twice", r.SpanID)
			}
			spans[r.SpanID] = true
		}
	})
}
