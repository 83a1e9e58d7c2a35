package control

import (
	"fmt"
	"os"
	"path"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultThrottleWindow is the rolling window of throttle rules.
const DefaultThrottleWindow = time.Minute

// DefaultBudgetThrottleDelay is used by budgets with limit_action throttle
// and no explicit delay.
const DefaultBudgetThrottleDelay = 5 * time.Second

// =============================================================================
// MATCHING
// =============================================================================

// Match selects the calls a rule applies to. Empty fields match anything.
// Every field is a path.Match glob ("gpt-4*", "tenant-?", "*").
type Match struct {
	ContextID string `yaml:"context_id,omitempty" json:"contextId,omitempty"`
	Provider  string `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model     string `yaml:"model,omitempty" json:"model,omitempty"`
}

// Matches reports whether req is selected.
func (m Match) Matches(req Request) bool {
	return globMatch(m.ContextID, req.ContextID) &&
		globMatch(m.Provider, string(req.Provider)) &&
		globMatch(m.Model, req.Model)
}

func (m Match) validate(rule string) error {
	for _, p := range []string{m.ContextID, m.Provider, m.Model} {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("%s: invalid pattern %q: %w", rule, p, err)
		}
	}
	return nil
}

func globMatch(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// =============================================================================
// RULES
// =============================================================================

// LimitAction is what a budget does once a call would exceed it.
type LimitAction string

const (
	LimitKill     LimitAction = "kill"
	LimitThrottle LimitAction = "throttle"
	LimitDegrade  LimitAction = "degrade"
)

// BudgetScope selects whether a budget is tracked per context or shared.
type BudgetScope string

const (
	ScopeContext BudgetScope = "context"
	ScopeGlobal  BudgetScope = "global"
)

// BlockRule rejects matching calls outright.
type BlockRule struct {
	Name   string `yaml:"name" json:"name"`
	Match  `yaml:",inline"`
	Reason string `yaml:"reason" json:"reason"`
}

// BudgetRule caps spend in USD.
type BudgetRule struct {
	Name          string        `yaml:"name" json:"name"`
	Match         `yaml:",inline"`
	Limit         float64       `yaml:"limit" json:"limit"`
	Scope         BudgetScope   `yaml:"scope" json:"scope"`
	LimitAction   LimitAction   `yaml:"limit_action" json:"limitAction"`
	FallbackModel string        `yaml:"fallback_model" json:"fallbackModel,omitempty"`
	ThrottleDelay time.Duration `yaml:"throttle_delay" json:"throttleDelay,omitempty"`
}

// DegradationRule switches to a cheaper model once a budget is partly used.
type DegradationRule struct {
	Name             string  `yaml:"name" json:"name"`
	Match            `yaml:",inline"`
	Budget           string  `yaml:"budget" json:"budget"` // empty = any matching budget
	ThresholdPercent float64 `yaml:"threshold_percent" json:"thresholdPercent"`
	ToModel          string  `yaml:"to_model" json:"toModel"`
}

// ThrottleRule paces matching calls per (context, provider).
type ThrottleRule struct {
	Name              string        `yaml:"name" json:"name"`
	Match             `yaml:",inline"`
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requestsPerMinute"`
	Window            time.Duration `yaml:"window" json:"window,omitempty"` // default one minute
}

// AlertRule attaches an alert once a budget crosses a threshold.
type AlertRule struct {
	Name             string  `yaml:"name" json:"name"`
	Match            `yaml:",inline"`
	Budget           string  `yaml:"budget" json:"budget"` // empty = any matching budget
	ThresholdPercent float64 `yaml:"threshold_percent" json:"thresholdPercent"`
	Message          string  `yaml:"message" json:"message"`
}

// Policy is the ordered rule set evaluated by the LocalEvaluator.
type Policy struct {
	Blocks       []BlockRule       `yaml:"block" json:"block"`
	Budgets      []BudgetRule      `yaml:"budgets" json:"budgets"`
	Degradations []DegradationRule `yaml:"degradation" json:"degradation"`
	Throttles    []ThrottleRule    `yaml:"throttle" json:"throttle"`
	Alerts       []AlertRule       `yaml:"alerts" json:"alerts"`
}

// =============================================================================
// LOADING AND VALIDATION
// =============================================================================

// LoadPolicy reads and validates a YAML policy file.
func LoadPolicy(path string) (*Policy, error) {
	// #nosec G304 -- policy path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses, defaults and validates YAML policy bytes.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ApplyDefaults fills unset rule fields.
func (p *Policy) ApplyDefaults() {
	for i := range p.Budgets {
		b := &p.Budgets[i]
		if b.Scope == "" {
			b.Scope = ScopeContext
		}
		if b.LimitAction == "" {
			b.LimitAction = LimitKill
		}
		if b.LimitAction == LimitThrottle && b.ThrottleDelay == 0 {
			b.ThrottleDelay = DefaultBudgetThrottleDelay
		}
	}
	for i := range p.Throttles {
		if p.Throttles[i].Window == 0 {
			p.Throttles[i].Window = DefaultThrottleWindow
		}
	}
}

// Validate checks every rule.
func (p *Policy) Validate() error {
	budgets := make(map[string]bool, len(p.Budgets))

	for i, r := range p.Blocks {
		name := ruleName("block", i, r.Name)
		if err := r.Match.validate(name); err != nil {
			return err
		}
	}

	for i, r := range p.Budgets {
		name := ruleName("budget", i, r.Name)
		if r.Name == "" {
			return fmt.Errorf("%s: name is required", name)
		}
		if budgets[r.Name] {
			return fmt.Errorf("%s: duplicate budget name", name)
		}
		budgets[r.Name] = true
		if err := r.Match.validate(name); err != nil {
			return err
		}
		if r.Limit <= 0 {
			return fmt.Errorf("%s: limit must be > 0, got %f", name, r.Limit)
		}
		switch r.Scope {
		case ScopeContext, ScopeGlobal, "":
		default:
			return fmt.Errorf("%s: scope must be context or global, got %q", name, r.Scope)
		}
		switch r.LimitAction {
		case LimitKill, LimitThrottle, "":
		case LimitDegrade:
			if r.FallbackModel == "" {
				return fmt.Errorf("%s: limit_action degrade requires fallback_model", name)
			}
		default:
			return fmt.Errorf("%s: limit_action must be kill, throttle or degrade, got %q", name, r.LimitAction)
		}
		if r.ThrottleDelay < 0 {
			return fmt.Errorf("%s: throttle_delay must be >= 0", name)
		}
	}

	for i, r := range p.Degradations {
		name := ruleName("degradation", i, r.Name)
		if err := r.Match.validate(name); err != nil {
			return err
		}
		if r.Budget != "" && !budgets[r.Budget] {
			return fmt.Errorf("%s: unknown budget %q", name, r.Budget)
		}
		if r.ThresholdPercent <= 0 || r.ThresholdPercent > 100 {
			return fmt.Errorf("%s: threshold_percent must be in (0, 100], got %f", name, r.ThresholdPercent)
		}
		if r.ToModel == "" {
			return fmt.Errorf("%s: to_model is required", name)
		}
	}

	for i, r := range p.Throttles {
		name := ruleName("throttle", i, r.Name)
		if err := r.Match.validate(name); err != nil {
			return err
		}
		if r.RequestsPerMinute <= 0 {
			return fmt.Errorf("%s: requests_per_minute must be > 0, got %d", name, r.RequestsPerMinute)
		}
		if r.Window < 0 {
			return fmt.Errorf("%s: window must be >= 0", name)
		}
	}

	for i, r := range p.Alerts {
		name := ruleName("alert", i, r.Name)
		if err := r.Match.validate(name); err != nil {
			return err
		}
		if r.Budget != "" && !budgets[r.Budget] {
			return fmt.Errorf("%s: unknown budget %q", name, r.Budget)
		}
		if r.ThresholdPercent <= 0 {
			return fmt.Errorf("%s: threshold_percent must be > 0, got %f", name, r.ThresholdPercent)
		}
	}
	return nil
}

func ruleName(kind string, i int, name string) string {
	if name != "" {
		return fmt.Sprintf("policy.%s %q", kind, name)
	}
	return fmt.Sprintf("policy.%s[%d]", kind, i)
}

// throttleKey is the window key for a throttle rule and request.
func throttleKey(rule ThrottleRule, i int, req Request) string {
	name := rule.Name
	if name == "" {
		name = fmt.Sprintf("#%d", i)
	}
	return "throttle:" + name + ":" + req.ContextID + ":" + string(req.Provider)
}

// spendKey is the spend store key for a budget and request.
func spendKey(b BudgetRule, contextID string) string {
	if b.Scope == ScopeGlobal {
		return "budget:" + b.Name
	}
	return "budget:" + b.Name + ":" + contextID
}
