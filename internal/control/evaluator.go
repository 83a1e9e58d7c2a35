package control

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/llm-meter/internal/control/store"
	"github.com/compresr/llm-meter/internal/monitoring"
)

// LocalEvaluator decides calls from a Policy without a remote oracle.
//
// Rules run in a fixed order and the first non-allow verdict wins:
//  1. block rules (first match)
//  2. budgets: limit_action once S+C > L, else degradation thresholds
//  3. throttle rules (rolling window per rule, context and provider)
//
// Alert rules never change the verdict; they ride along on the decision.
// Spend is committed atomically with the budget check, so concurrent calls
// cannot jointly overrun a budget.
type LocalEvaluator struct {
	policy  atomic.Pointer[Policy]
	spend   store.SpendStore
	windows store.WindowStore
	now     func() time.Time
}

var (
	_ Oracle             = (*LocalEvaluator)(nil)
	_ monitoring.Emitter = (*LocalEvaluator)(nil)
)

// EvaluatorOption configures a LocalEvaluator.
type EvaluatorOption func(*LocalEvaluator)

// WithSpendStore sets the budget spend store (default in-memory).
func WithSpendStore(s store.SpendStore) EvaluatorOption {
	return func(e *LocalEvaluator) {
		e.spend = s
	}
}

// WithWindowStore sets the throttle window store (default in-memory).
func WithWindowStore(s store.WindowStore) EvaluatorOption {
	return func(e *LocalEvaluator) {
		e.windows = s
	}
}

// WithClock overrides time.Now for throttle windows.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *LocalEvaluator) {
		e.now = now
	}
}

// NewLocalEvaluator creates an evaluator over policy (nil allows everything).
func NewLocalEvaluator(policy *Policy, opts ...EvaluatorOption) *LocalEvaluator {
	e := &LocalEvaluator{
		spend:   store.NewMemorySpendStore(),
		windows: store.NewMemoryWindowStore(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.policy.Store(policy)
	return e
}

// Policy returns the active policy.
func (e *LocalEvaluator) Policy() *Policy {
	return e.policy.Load()
}

// SetPolicy swaps the active policy. Spend and windows are kept.
func (e *LocalEvaluator) SetPolicy(p *Policy) {
	e.policy.Store(p)
}

// Decide evaluates req against the active policy.
func (e *LocalEvaluator) Decide(ctx context.Context, req Request) (Decision, error) {
	p := e.policy.Load()
	if p == nil {
		return Allow(), nil
	}

	for _, r := range p.Blocks {
		if r.Matches(req) {
			reason := r.Reason
			if reason == "" {
				reason = fmt.Sprintf("blocked by rule %q", r.Name)
			}
			return Block(reason), nil
		}
	}

	decision, alerts, committed, err := e.evaluateBudgets(ctx, p, req)
	if err != nil {
		return Decision{}, err
	}

	if decision.Kind == KindAllow {
		decision, err = e.evaluateThrottles(ctx, p, req)
		if err != nil {
			e.rollback(ctx, committed, req.EstimatedCost)
			return Decision{}, err
		}
	}

	decision.Alerts = alerts
	return decision, nil
}

// =============================================================================
// BUDGETS
// =============================================================================

// evaluateBudgets returns the spend keys it reserved the estimate on, so a
// caller that fails afterwards can roll them back.
func (e *LocalEvaluator) evaluateBudgets(ctx context.Context, p *Policy, req Request) (Decision, []Alert, []string, error) {
	decision := Allow()
	var alerts []Alert
	var committed []string

	for _, b := range p.Budgets {
		if !b.Matches(req) {
			continue
		}
		key := spendKey(b, req.ContextID)

		var verdict Decision
		var prior float64
		err := e.spend.Apply(ctx, key, func(spent float64) (float64, bool) {
			prior = spent
			verdict = budgetVerdict(p, b, req, spent)
			if !verdict.Proceeds() || req.EstimatedCost == 0 {
				return spent, false
			}
			return spent + req.EstimatedCost, true
		})
		if err != nil {
			e.rollback(ctx, committed, req.EstimatedCost)
			return Decision{}, nil, nil, fmt.Errorf("budget %q: %w", b.Name, err)
		}

		alerts = append(alerts, budgetAlerts(p, b, req, prior)...)

		if !verdict.Proceeds() {
			e.rollback(ctx, committed, req.EstimatedCost)
			return verdict, alerts, nil, nil
		}
		if req.EstimatedCost != 0 {
			committed = append(committed, key)
		}
		if decision.Kind == KindAllow {
			decision = verdict
		}
	}
	return decision, alerts, committed, nil
}

// budgetVerdict applies one budget to prior spend S and estimate C.
func budgetVerdict(p *Policy, b BudgetRule, req Request, spent float64) Decision {
	projected := spent + req.EstimatedCost
	if projected > b.Limit {
		reason := fmt.Sprintf("budget %q exceeded: projected spend $%.4f > limit $%.2f", b.Name, projected, b.Limit)
		switch b.LimitAction {
		case LimitThrottle:
			return Throttle(b.ThrottleDelay, reason)
		case LimitDegrade:
			return Degrade(b.FallbackModel, reason)
		default:
			return Block(reason)
		}
	}

	percent := spent / b.Limit * 100
	for _, d := range p.Degradations {
		if d.Budget != "" && d.Budget != b.Name {
			continue
		}
		if !d.Matches(req) || d.ToModel == req.Model {
			continue
		}
		if percent >= d.ThresholdPercent {
			return Degrade(d.ToModel, fmt.Sprintf("budget %q at %.1f%% of $%.2f (degrade threshold %.0f%%)",
				b.Name, percent, b.Limit, d.ThresholdPercent))
		}
	}
	return Allow()
}

func budgetAlerts(p *Policy, b BudgetRule, req Request, spent float64) []Alert {
	var alerts []Alert
	percent := spent / b.Limit * 100
	for _, a := range p.Alerts {
		if a.Budget != "" && a.Budget != b.Name {
			continue
		}
		if !a.Matches(req) || percent < a.ThresholdPercent {
			continue
		}
		msg := a.Message
		if msg == "" {
			msg = fmt.Sprintf("budget %q at %.1f%% of $%.2f", b.Name, percent, b.Limit)
		}
		alerts = append(alerts, Alert{
			Rule:      a.Name,
			Message:   msg,
			ContextID: req.ContextID,
			Percent:   percent,
		})
	}
	return alerts
}

// rollback returns reserved estimates to budgets when a later step of the
// same decision blocks or fails.
func (e *LocalEvaluator) rollback(ctx context.Context, keys []string, amount float64) {
	for _, key := range keys {
		if err := store.Add(context.WithoutCancel(ctx), e.spend, key, -amount); err != nil {
			log.Error().Err(err).Str("key", key).Msg("control: failed to roll back budget reservation")
		}
	}
}

// =============================================================================
// THROTTLES
// =============================================================================

func (e *LocalEvaluator) evaluateThrottles(ctx context.Context, p *Policy, req Request) (Decision, error) {
	for i, t := range p.Throttles {
		if !t.Matches(req) {
			continue
		}
		window := t.Window
		if window == 0 {
			window = DefaultThrottleWindow
		}
		wait, err := e.windows.Hit(ctx, throttleKey(t, i, req), t.RequestsPerMinute, window, e.now())
		if err != nil {
			return Decision{}, fmt.Errorf("throttle %q: %w", t.Name, err)
		}
		if wait > 0 {
			return Throttle(wait, fmt.Sprintf("throttle %q: more than %d requests per %s", t.Name, t.RequestsPerMinute, window)), nil
		}
	}
	return Allow(), nil
}

// =============================================================================
// SPEND RECONCILIATION
// =============================================================================

// Emit replaces the estimate reserved at decision time with the call's
// actual cost once its record is final. Failed calls refund the estimate.
func (e *LocalEvaluator) Emit(ctx context.Context, rec *monitoring.MetricRecord) error {
	if rec == nil || rec.Outcome == monitoring.OutcomeBlocked || rec.Outcome == monitoring.OutcomeCancelled {
		return nil
	}
	if rec.CostUSD == nil && !rec.Outcome.IsFailure() {
		// Usage unknown: keep the estimate.
		return nil
	}
	delta := rec.Cost() - rec.EstimatedCostUSD
	if delta == 0 {
		return nil
	}

	p := e.policy.Load()
	if p == nil {
		return nil
	}
	model := rec.Model
	if rec.RequestedModel != "" {
		model = rec.RequestedModel
	}
	req := Request{ContextID: rec.ContextID, Provider: rec.Provider, Model: model}

	for _, b := range p.Budgets {
		if !b.Matches(req) {
			continue
		}
		err := e.spend.Apply(ctx, spendKey(b, req.ContextID), func(spent float64) (float64, bool) {
			return max(0, spent+delta), true
		})
		if err != nil {
			return fmt.Errorf("reconcile budget %q: %w", b.Name, err)
		}
	}
	return nil
}

// Release refunds the estimate a proceeding decision reserved for req, for
// callers that abandon the decision without making the call. Spend never
// drops below zero.
func (e *LocalEvaluator) Release(ctx context.Context, req Request) error {
	p := e.policy.Load()
	if p == nil || req.EstimatedCost == 0 {
		return nil
	}
	for _, b := range p.Budgets {
		if !b.Matches(req) {
			continue
		}
		err := e.spend.Apply(ctx, spendKey(b, req.ContextID), func(spent float64) (float64, bool) {
			return max(0, spent-req.EstimatedCost), true
		})
		if err != nil {
			return fmt.Errorf("release budget %q: %w", b.Name, err)
		}
	}
	return nil
}

// =============================================================================
// BUDGET STATUS
// =============================================================================

// BudgetStatus is the spend of one budget as seen by one context.
type BudgetStatus struct {
	Name    string      `json:"name"`
	Scope   BudgetScope `json:"scope"`
	Spent   float64     `json:"spent"`
	Limit   float64     `json:"limit"`
	Percent float64     `json:"percent"`
}

// Budgets reports every budget that applies to contextID, regardless of
// provider and model patterns.
func (e *LocalEvaluator) Budgets(ctx context.Context, contextID string) ([]BudgetStatus, error) {
	p := e.policy.Load()
	if p == nil {
		return nil, nil
	}
	var out []BudgetStatus
	for _, b := range p.Budgets {
		if !globMatch(b.ContextID, contextID) {
			continue
		}
		spent, err := e.spend.Spent(ctx, spendKey(b, contextID))
		if err != nil {
			return nil, fmt.Errorf("budget %q: %w", b.Name, err)
		}
		out = append(out, BudgetStatus{
			Name:    b.Name,
			Scope:   b.Scope,
			Spent:   spent,
			Limit:   b.Limit,
			Percent: spent / b.Limit * 100,
		})
	}
	return out, nil
}
