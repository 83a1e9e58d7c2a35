package costcontrol

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/compresr/llm-meter/internal/monitoring"
)

const defaultSessionTTL = 24 * time.Hour

// Tracker tracks per-context API costs and reports cap exhaustion.
// It consumes metric records as a monitoring.Emitter.
type Tracker struct {
	config   CostControlConfig
	sessions map[string]*CostSession
	mu       sync.RWMutex

	// Atomic global cost accumulator for O(1) budget checks
	// Stored as cost * 1e9 (nano-dollars) to use atomic int64 ops
	globalCostNano int64

	stop     chan struct{}
	stopOnce sync.Once
}

var _ monitoring.Emitter = (*Tracker)(nil)

// NewTracker creates a new cost tracker. Starts a background cleanup
// goroutine that runs until Close.
func NewTracker(cfg CostControlConfig) *Tracker {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	t := &Tracker{
		config:   cfg,
		sessions: make(map[string]*CostSession),
		stop:     make(chan struct{}),
	}
	go t.cleanupLoop(10 * time.Minute)
	return t
}

// Close stops the cleanup goroutine.
func (t *Tracker) Close() error {
	t.stopOnce.Do(func() { close(t.stop) })
	return nil
}

// CheckBudget checks whether a context can continue.
// Enforces both per-context cap and global cap when Enabled.
func (t *Tracker) CheckBudget(contextID string) BudgetCheckResult {
	t.mu.RLock()
	s := t.sessions[contextID]
	contextCost := 0.0
	if s != nil {
		contextCost = s.Cost
	}
	t.mu.RUnlock()

	res := BudgetCheckResult{
		Allowed:     true,
		CurrentCost: contextCost,
		GlobalCost:  t.GetGlobalCost(),
		Cap:         t.config.ContextCap,
		GlobalCap:   t.config.GlobalCap,
	}

	// If not enforcing, always allow (still report costs)
	if !t.config.Enabled {
		return res
	}
	if res.GlobalCap > 0 && res.GlobalCost >= res.GlobalCap {
		res.Allowed = false
	}
	if res.Cap > 0 && res.CurrentCost >= res.Cap {
		res.Allowed = false
	}
	return res
}

// GetGlobalCost returns total accumulated cost across all contexts.
func (t *Tracker) GetGlobalCost() float64 {
	return float64(atomic.LoadInt64(&t.globalCostNano)) / 1e9
}

// Emit records the actual cost of a finished call.
// Calls rejected before dispatch are not counted.
func (t *Tracker) Emit(_ context.Context, r *monitoring.MetricRecord) error {
	if r.Outcome == monitoring.OutcomeBlocked || r.Outcome == monitoring.OutcomeCancelled {
		return nil
	}
	t.RecordCost(r.ContextID, r.Model, r.Cost(), r.TotalTokens())
	return nil
}

// RecordCost adds cost to a context.
func (t *Tracker) RecordCost(contextID, model string, cost float64, tokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.getOrCreateLocked(contextID, model)
	s.Cost += cost
	s.RequestCount++
	s.TokenCount += int64(tokens)
	s.LastUpdated = time.Now()
	if model != "" {
		s.Model = model
	}

	costNano := int64(cost * 1e9)
	atomic.AddInt64(&t.globalCostNano, costNano)
}

// GetSessionCost returns accumulated cost for a context.
func (t *Tracker) GetSessionCost(contextID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if s, ok := t.sessions[contextID]; ok {
		return s.Cost
	}
	return 0
}

// AllSessions returns a snapshot of all contexts for the dashboard.
func (t *Tracker) AllSessions() []CostSessionSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshots := make([]CostSessionSnapshot, 0, len(t.sessions))
	for _, s := range t.sessions {
		snapshots = append(snapshots, CostSessionSnapshot{
			ID:           s.ID,
			Cost:         s.Cost,
			Cap:          t.config.ContextCap,
			RequestCount: s.RequestCount,
			TokenCount:   s.TokenCount,
			Model:        s.Model,
			CreatedAt:    s.CreatedAt,
			LastUpdated:  s.LastUpdated,
		})
	}
	return snapshots
}

// Config returns the tracker's config (for dashboard display).
func (t *Tracker) Config() CostControlConfig {
	return t.config
}

func (t *Tracker) getOrCreateLocked(contextID, model string) *CostSession {
	if s, ok := t.sessions[contextID]; ok {
		return s
	}
	s := &CostSession{
		ID:          contextID,
		Model:       model,
		CreatedAt:   time.Now(),
		LastUpdated: time.Now(),
	}
	t.sessions[contextID] = s
	return s
}

func (t *Tracker) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			t.evictIdle(now)
		}
	}
}

// evictIdle forgets contexts idle for longer than the session TTL.
func (t *Tracker) evictIdle(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for id, s := range t.sessions {
		if now.Sub(s.LastUpdated) > t.config.SessionTTL {
			costNano := int64(s.Cost * 1e9)
			atomic.AddInt64(&t.globalCostNano, -costNano)
			delete(t.sessions, id)
			evicted++
		}
	}
	return evicted
}
