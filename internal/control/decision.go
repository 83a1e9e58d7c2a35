// Package control decides whether an LLM call may proceed.
//
// DESIGN: A Decision is a closed sum type (Kind + payload). Decisions come
// from an Oracle: either the LocalEvaluator over a YAML policy, or a
// RemoteOracle speaking JSON to a control server. The Client wraps any
// oracle with a latency bound and a fail-open/fail-closed fallback so a
// slow or broken oracle can never hang or fail the caller's request.
//
// FILES:
//   - decision.go:  Decision, Request, Event, wire format
//   - policy.go:    Policy rules, YAML loading, validation
//   - evaluator.go: LocalEvaluator (block -> budget/degradation -> throttle -> alert)
//   - client.go:    Client (timeout, fail mode, reporting, alert handlers)
//   - remote.go:    RemoteOracle HTTP client
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/compresr/llm-meter/internal/adapters"
	"github.com/compresr/llm-meter/internal/monitoring"
)

// ErrMalformedDecision is returned for oracle answers that do not parse
// into a valid Decision.
var ErrMalformedDecision = errors.New("control: malformed decision")

// UnavailableReason is the reason of the synthetic block issued when the
// oracle is unavailable and the client fails closed.
const UnavailableReason = "control unavailable"

// =============================================================================
// DECISION
// =============================================================================

// Kind tags a Decision.
type Kind int

const (
	KindAllow Kind = iota
	KindBlock
	KindThrottle
	KindDegrade
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAllow:
		return "allow"
	case KindBlock:
		return "block"
	case KindThrottle:
		return "throttle"
	case KindDegrade:
		return "degrade"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses a wire action name.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "allow":
		return KindAllow, nil
	case "block":
		return KindBlock, nil
	case "throttle":
		return KindThrottle, nil
	case "degrade":
		return KindDegrade, nil
	}
	return 0, fmt.Errorf("%w: unknown action %q", ErrMalformedDecision, s)
}

// Alert is a non-blocking notification attached to a decision.
type Alert struct {
	Rule      string  `json:"rule"`
	Message   string  `json:"message"`
	ContextID string  `json:"contextId,omitempty"`
	Percent   float64 `json:"percent,omitempty"`
}

// Decision is the policy verdict for one pending call.
type Decision struct {
	Kind    Kind
	Reason  string
	Delay   time.Duration // Throttle only
	ToModel string        // Degrade only
	Alerts  []Alert
}

// Allow lets the call proceed unchanged.
func Allow() Decision { return Decision{Kind: KindAllow} }

// Block rejects the call before dispatch.
func Block(reason string) Decision { return Decision{Kind: KindBlock, Reason: reason} }

// Throttle delays the call by delay, then lets it proceed.
func Throttle(delay time.Duration, reason string) Decision {
	return Decision{Kind: KindThrottle, Delay: delay, Reason: reason}
}

// Degrade rewrites the call's model to toModel.
func Degrade(toModel, reason string) Decision {
	return Decision{Kind: KindDegrade, ToModel: toModel, Reason: reason}
}

// Proceeds reports whether the call is dispatched under this decision.
func (d Decision) Proceeds() bool {
	return d.Kind != KindBlock
}

// String renders the decision for logs and metric records.
func (d Decision) String() string {
	switch d.Kind {
	case KindThrottle:
		return fmt.Sprintf("throttle(%s)", d.Delay)
	case KindDegrade:
		return "degrade(" + d.ToModel + ")"
	default:
		return d.Kind.String()
	}
}

// Validate checks that the payload matches the kind.
func (d Decision) Validate() error {
	switch d.Kind {
	case KindAllow, KindBlock:
		return nil
	case KindThrottle:
		if d.Delay < 0 {
			return fmt.Errorf("%w: negative throttle delay %s", ErrMalformedDecision, d.Delay)
		}
		return nil
	case KindDegrade:
		if d.ToModel == "" {
			return fmt.Errorf("%w: degrade without toModel", ErrMalformedDecision)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown kind %d", ErrMalformedDecision, int(d.Kind))
}

// =============================================================================
// WIRE FORMAT
// =============================================================================

type wireDecision struct {
	Action  string  `json:"action"`
	Reason  string  `json:"reason,omitempty"`
	DelayMs int64   `json:"delayMs,omitempty"`
	ToModel string  `json:"toModel,omitempty"`
	Alerts  []Alert `json:"alerts,omitempty"`
}

// MarshalJSON encodes the decision as {action, reason, delayMs, toModel, alerts}.
func (d Decision) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireDecision{
		Action:  d.Kind.String(),
		Reason:  d.Reason,
		DelayMs: d.Delay.Milliseconds(),
		ToModel: d.ToModel,
		Alerts:  d.Alerts,
	})
}

// UnmarshalJSON decodes and validates a wire decision.
func (d *Decision) UnmarshalJSON(data []byte) error {
	var w wireDecision
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}
	kind, err := ParseKind(w.Action)
	if err != nil {
		return err
	}
	out := Decision{
		Kind:    kind,
		Reason:  w.Reason,
		Delay:   time.Duration(w.DelayMs) * time.Millisecond,
		ToModel: w.ToModel,
		Alerts:  w.Alerts,
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*d = out
	return nil
}

// =============================================================================
// REQUESTS AND EVENTS
// =============================================================================

// Request describes a pending call to the oracle.
type Request struct {
	ContextID     string            `json:"contextId,omitempty"`
	Provider      adapters.Provider `json:"provider"`
	Model         string            `json:"model"`
	EstimatedCost float64           `json:"estimatedCost,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

// Event audits the action actually applied to a call.
type Event struct {
	TraceID   string            `json:"traceId"`
	SpanID    string            `json:"spanId"`
	ContextID string            `json:"contextId,omitempty"`
	Provider  adapters.Provider `json:"provider"`
	Model     string            `json:"model"`
	Source    string            `json:"source"` // "hook" or "policy"
	Action    string            `json:"action"`
	Reason    string            `json:"reason,omitempty"`
	DelayMs   int64             `json:"delayMs,omitempty"`
	ToModel   string            `json:"toModel,omitempty"`
	At        time.Time         `json:"at"`
}

// Oracle answers policy questions.
type Oracle interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, req Request) (Decision, error)

// Decide calls f.
func (f OracleFunc) Decide(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}

// Releaser is implemented by oracles that reserve capacity when they
// decide. Release returns what a proceeding decision for req reserved.
type Releaser interface {
	Release(ctx context.Context, req Request) error
}

// Reporter receives audit events and metric records for calls rejected
// before dispatch.
type Reporter interface {
	ReportEvent(ctx context.Context, ev Event) error
	ReportMetric(ctx context.Context, rec *monitoring.MetricRecord) error
}
