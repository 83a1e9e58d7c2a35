// Package costcontrol implements pricing, cost estimation and per-context
// spend tracking.
//
// DESIGN: Actual spend is tracked per context id from emitted metric records.
// Cost tracking is always active (for the dashboard). Enabled controls whether
// the caps are reported as exhausted to the pre-flight cap hook. Policy
// budgets with kill/throttle/degrade actions live in internal/control; the
// caps here are the simple hard stop.
package costcontrol

import (
	"fmt"
	"time"
)

// CostControlConfig holds cost control settings.
type CostControlConfig struct {
	Enabled    bool          `yaml:"enabled"`     // Whether caps are enforced
	ContextCap float64       `yaml:"context_cap"` // USD per context. 0 = unlimited.
	GlobalCap  float64       `yaml:"global_cap"`  // USD across all contexts. 0 = unlimited.
	SessionTTL time.Duration `yaml:"session_ttl"` // Idle contexts are forgotten after this
}

// Validate checks cost control configuration.
func (c *CostControlConfig) Validate() error {
	if c.ContextCap < 0 {
		return fmt.Errorf("cost_control.context_cap must be >= 0, got %f", c.ContextCap)
	}
	if c.GlobalCap < 0 {
		return fmt.Errorf("cost_control.global_cap must be >= 0, got %f", c.GlobalCap)
	}
	if c.SessionTTL < 0 {
		return fmt.Errorf("cost_control.session_ttl must be >= 0, got %s", c.SessionTTL)
	}
	return nil
}

// CostSession tracks accumulated cost for a single context.
type CostSession struct {
	ID           string
	Cost         float64
	RequestCount int
	TokenCount   int64
	Model        string
	CreatedAt    time.Time
	LastUpdated  time.Time
}

// BudgetCheckResult holds the result of a budget check.
type BudgetCheckResult struct {
	Allowed     bool
	CurrentCost float64 // Context cost
	GlobalCost  float64 // Total across all contexts
	Cap         float64 // Per-context cap
	GlobalCap   float64 // Global cap
}

// Reason describes why a check failed.
func (r BudgetCheckResult) Reason() string {
	if r.Allowed {
		return ""
	}
	if r.GlobalCap > 0 && r.GlobalCost >= r.GlobalCap {
		return fmt.Sprintf("global cost cap reached: $%.4f >= $%.2f", r.GlobalCost, r.GlobalCap)
	}
	return fmt.Sprintf("context cost cap reached: $%.4f >= $%.2f", r.CurrentCost, r.Cap)
}

// CostSessionSnapshot is a read-only copy of a session for the dashboard.
type CostSessionSnapshot struct {
	ID           string    `json:"id"`
	Cost         float64   `json:"cost"`
	Cap          float64   `json:"cap"`
	RequestCount int       `json:"request_count"`
	TokenCount   int64     `json:"token_count"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	LastUpdated  time.Time `json:"last_updated"`
}
