// Package monitoring - types.go defines the metric record and sink config.
//
// DESIGN: MetricRecord is the single terminal artifact of one intercepted
// call. It is produced by the meter and consumed by every sink, so it is
// defined here ONCE to avoid circular imports.
//
// TYPES:
//   - Outcome:       How the call ended
//   - MetricRecord:  Identity, timing, usage, cost and relationship fields
//   - Config types:  TelemetryConfig, LoggerConfig, SinkConfig
package monitoring

import (
	"time"

	"github.com/compresr/llm-meter/internal/adapters"
)

// =============================================================================
// OUTCOMES
// =============================================================================

// Outcome classifies how an intercepted call ended.
type Outcome string

const (
	// Non-streaming outcomes.
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"

	// Rejected before dispatch.
	OutcomeCancelled Outcome = "cancelled"
	OutcomeBlocked   Outcome = "blocked"

	// Streaming outcomes.
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeFailed    Outcome = "failed"
)

// IsFailure reports whether the outcome carries an error.
func (o Outcome) IsFailure() bool {
	switch o {
	case OutcomeError, OutcomeFailed, OutcomeCancelled, OutcomeBlocked:
		return true
	}
	return false
}

// =============================================================================
// METRIC RECORD
// =============================================================================

// MetricRecord is the immutable result of one intercepted call.
// Exactly one record is emitted per call whatever the outcome.
type MetricRecord struct {
	// Identity
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
	Sequence     int64  `json:"sequence"`
	ContextID    string `json:"context_id,omitempty"`

	// Call
	Provider       adapters.Provider `json:"provider"`
	Model          string            `json:"model"`
	RequestedModel string            `json:"requested_model,omitempty"` // Set when the model was degraded
	Stream         bool              `json:"stream"`
	RequestID      string            `json:"request_id,omitempty"`

	// Timing
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	LatencyMs int64     `json:"latency_ms"`

	// Usage is nil when the provider reported none.
	Usage            *adapters.NormalizedUsage `json:"usage"`
	CostUSD          *float64                  `json:"cost_usd"`
	EstimatedCostUSD float64                   `json:"estimated_cost_usd,omitempty"`

	// Result
	Outcome     Outcome             `json:"outcome"`
	Error       string              `json:"error,omitempty"`
	Decision    string              `json:"decision,omitempty"`
	ThrottledMs int64               `json:"throttled_ms,omitempty"`
	ToolCalls   []adapters.ToolCall `json:"tool_calls,omitempty"`

	// Relationship snapshot from the call context.
	AgentStack []string       `json:"agent_stack,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Cost returns the actual cost, or 0 when unknown.
func (r *MetricRecord) Cost() float64 {
	if r == nil || r.CostUSD == nil {
		return 0
	}
	return *r.CostUSD
}

// TotalTokens returns the total token count, or 0 when unknown.
func (r *MetricRecord) TotalTokens() int {
	if r == nil || r.Usage == nil {
		return 0
	}
	return r.Usage.TotalTokens
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// TelemetryConfig configures the JSONL record log.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}

// LoggerConfig contains logging configuration.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// SinkConfig selects the optional sinks.
type SinkConfig struct {
	Console    bool   `yaml:"console"`
	Prometheus bool   `yaml:"prometheus"`
	SQLitePath string `yaml:"sqlite_path"`
	// WebSocketURL streams records to a live collector when set.
	WebSocketURL string `yaml:"websocket_url"`
	// OTel exports one span per record. Spans go to OTLPEndpoint when set,
	// otherwise to the global tracer provider.
	OTel         bool   `yaml:"otel"`
	OTLPEndpoint string `yaml:"otlp_endpoint"` // host:port of an OTLP/HTTP collector
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}
