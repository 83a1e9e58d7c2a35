package meter

import (
	"context"
	"time"

	"github.com/compresr/llm-meter/internal/costcontrol"
)

// PreflightAction tags a PreflightDecision.
type PreflightAction int

const (
	ActionProceed PreflightAction = iota
	ActionThrottle
	ActionCancel
)

// String returns the action name.
func (a PreflightAction) String() string {
	switch a {
	case ActionThrottle:
		return "throttle"
	case ActionCancel:
		return "cancel"
	default:
		return "proceed"
	}
}

// PreflightDecision is what a PreflightHook wants done with a call.
type PreflightDecision struct {
	Action PreflightAction
	Delay  time.Duration // ActionThrottle
	Reason string        // ActionCancel
}

// Proceed dispatches the call.
func Proceed() PreflightDecision { return PreflightDecision{Action: ActionProceed} }

// ThrottleFor waits d, then dispatches the call.
func ThrottleFor(d time.Duration) PreflightDecision {
	return PreflightDecision{Action: ActionThrottle, Delay: d}
}

// Cancel refuses the call without dispatching it.
func Cancel(reason string) PreflightDecision {
	return PreflightDecision{Action: ActionCancel, Reason: reason}
}

// PreflightHook inspects a call before the policy is consulted. It runs on
// the caller's goroutine and may block.
type PreflightHook func(ctx context.Context, call *PendingCall) PreflightDecision

// ChainHooks runs hooks in order. The first cancel wins; throttle delays
// add up.
func ChainHooks(hooks ...PreflightHook) PreflightHook {
	return func(ctx context.Context, call *PendingCall) PreflightDecision {
		var delay time.Duration
		for _, h := range hooks {
			if h == nil {
				continue
			}
			d := h(ctx, call)
			switch d.Action {
			case ActionCancel:
				return d
			case ActionThrottle:
				delay += d.Delay
			}
		}
		if delay > 0 {
			return ThrottleFor(delay)
		}
		return Proceed()
	}
}

// CapHook cancels calls once the tracker reports the context's cost cap or
// the global cap as reached.
func CapHook(tracker *costcontrol.Tracker) PreflightHook {
	return func(_ context.Context, call *PendingCall) PreflightDecision {
		res := tracker.CheckBudget(call.Relationship.ContextID)
		if !res.Allowed {
			return Cancel(res.Reason())
		}
		return Proceed()
	}
}
