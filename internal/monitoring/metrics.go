// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters fed by metric records:
//   - calls/outcomes: Total calls split by how they ended
//   - streams:        Streaming call count
//   - tokens:         Input, output, cached and reasoning token totals
//   - cost:           Actual spend in nano-dollars (atomic)
//   - latency:        Summed latency for the mean
//
// Collector implements Emitter. Prometheus export lives in prometheus.go.
package monitoring

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Collector collects operational metrics from emitted records.
type Collector struct {
	startedAt time.Time

	// Call counters
	calls     atomic.Int64
	successes atomic.Int64
	errors    atomic.Int64
	blocked   atomic.Int64
	cancelled atomic.Int64
	aborted   atomic.Int64
	streams   atomic.Int64
	degraded  atomic.Int64
	throttled atomic.Int64

	// Usage counters
	inputTokens     atomic.Int64
	outputTokens    atomic.Int64
	cachedTokens    atomic.Int64
	reasoningTokens atomic.Int64
	unknownUsage    atomic.Int64 // Calls whose provider reported no usage

	costNano  atomic.Int64 // Actual cost in nano-dollars
	latencyMs atomic.Int64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startedAt: time.Now(),
	}
}

// Emit records one metric record.
func (c *Collector) Emit(_ context.Context, r *MetricRecord) error {
	c.calls.Add(1)
	switch r.Outcome {
	case OutcomeSuccess, OutcomeCompleted:
		c.successes.Add(1)
	case OutcomeError, OutcomeFailed:
		c.errors.Add(1)
	case OutcomeBlocked:
		c.blocked.Add(1)
	case OutcomeCancelled:
		c.cancelled.Add(1)
	case OutcomeAborted:
		c.aborted.Add(1)
	}
	if r.Stream {
		c.streams.Add(1)
	}
	if r.RequestedModel != "" {
		c.degraded.Add(1)
	}
	if r.ThrottledMs > 0 {
		c.throttled.Add(1)
	}

	if r.Usage != nil {
		c.inputTokens.Add(int64(r.Usage.InputTokens))
		c.outputTokens.Add(int64(r.Usage.OutputTokens))
		c.cachedTokens.Add(int64(r.Usage.CachedTokens))
		c.reasoningTokens.Add(int64(r.Usage.ReasoningTokens))
	} else if r.Outcome != OutcomeBlocked && r.Outcome != OutcomeCancelled {
		c.unknownUsage.Add(1)
	}

	c.costNano.Add(int64(r.Cost() * 1e9))
	c.latencyMs.Add(r.LatencyMs)
	return nil
}

// StartedAt returns when the collector was created.
func (c *Collector) StartedAt() time.Time { return c.startedAt }

// TotalCost returns the summed actual cost in USD.
func (c *Collector) TotalCost() float64 {
	return float64(c.costNano.Load()) / 1e9
}

// Stats returns all metrics in a structured format for the /stats endpoint.
func (c *Collector) Stats() StatsResponse {
	uptime := time.Since(c.startedAt)
	calls := c.calls.Load()

	var avgLatency float64
	if calls > 0 {
		avgLatency = float64(c.latencyMs.Load()) / float64(calls)
	}

	return StatsResponse{
		Uptime:        formatDuration(uptime),
		UptimeSeconds: int64(uptime.Seconds()),
		StartedAt:     c.startedAt.Format(time.RFC3339),
		Calls: CallStats{
			Total:        calls,
			Successful:   c.successes.Load(),
			Errors:       c.errors.Load(),
			Blocked:      c.blocked.Load(),
			Cancelled:    c.cancelled.Load(),
			Aborted:      c.aborted.Load(),
			Streams:      c.streams.Load(),
			Degraded:     c.degraded.Load(),
			Throttled:    c.throttled.Load(),
			AvgLatencyMs: avgLatency,
		},
		Tokens: TokenStats{
			InputTokens:     c.inputTokens.Load(),
			OutputTokens:    c.outputTokens.Load(),
			CachedTokens:    c.cachedTokens.Load(),
			ReasoningTokens: c.reasoningTokens.Load(),
			UnknownUsage:    c.unknownUsage.Load(),
		},
		CostUSD: c.TotalCost(),
	}
}

// StatsResponse is the structured response for the /stats endpoint.
type StatsResponse struct {
	Uptime        string     `json:"uptime"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	StartedAt     string     `json:"started_at"`
	Calls         CallStats  `json:"calls"`
	Tokens        TokenStats `json:"tokens"`
	CostUSD       float64    `json:"cost_usd"`
}

// CallStats holds call count metrics.
type CallStats struct {
	Total        int64   `json:"total"`
	Successful   int64   `json:"successful"`
	Errors       int64   `json:"errors"`
	Blocked      int64   `json:"blocked"`
	Cancelled    int64   `json:"cancelled"`
	Aborted      int64   `json:"aborted"`
	Streams      int64   `json:"streams"`
	Degraded     int64   `json:"degraded"`
	Throttled    int64   `json:"throttled"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// TokenStats holds token metrics.
type TokenStats struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	CachedTokens    int64 `json:"cached_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens"`
	UnknownUsage    int64 `json:"unknown_usage"`
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
