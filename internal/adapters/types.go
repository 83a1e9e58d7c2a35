// Package adapters types - unified types for provider-specific response handling.
//
// DESIGN: Adapters are the narrow contract between the meter and each provider
// wire format. For every provider an adapter can:
//   - Extract the model and streaming flag from a request
//   - Extract request id, raw usage and tool calls from a non-streaming response
//   - Inspect one streamed event for request id, usage, tool calls and terminal markers
//
// All types needed by adapters, the meter and the emitters are defined here.
// This eliminates circular imports and provides clear contracts.
package adapters

import "net/http"

// =============================================================================
// PROVIDER TYPES - Used for identification and routing
// =============================================================================

// Provider identifies which LLM provider format is being used.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
	ProviderBedrock   Provider = "bedrock"
	ProviderOllama    Provider = "ollama"
	ProviderUnknown   Provider = "unknown"
)

// String returns the provider name.
func (p Provider) String() string {
	return string(p)
}

// ProviderFromString converts a string to a Provider type.
func ProviderFromString(s string) Provider {
	switch s {
	case "anthropic":
		return ProviderAnthropic
	case "openai":
		return ProviderOpenAI
	case "gemini":
		return ProviderGemini
	case "bedrock":
		return ProviderBedrock
	case "ollama":
		return ProviderOllama
	default:
		return ProviderUnknown
	}
}

// =============================================================================
// USAGE TYPES - Canonical token usage
// =============================================================================

// NormalizedUsage is the canonical usage record shared by every provider.
//
// A nil *NormalizedUsage means the provider reported no usage. A non-nil
// value with zero counters means the provider reported zero usage.
type NormalizedUsage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	TotalTokens     int `json:"total_tokens"`
	CachedTokens    int `json:"cached_tokens"`
	ReasoningTokens int `json:"reasoning_tokens"`

	// Prediction counters are only reported by OpenAI predicted outputs.
	AcceptedPredictionTokens *int `json:"accepted_prediction_tokens,omitempty"`
	RejectedPredictionTokens *int `json:"rejected_prediction_tokens,omitempty"`
}

// Clone returns a deep copy. Nil-safe.
func (u *NormalizedUsage) Clone() *NormalizedUsage {
	if u == nil {
		return nil
	}
	c := *u
	if u.AcceptedPredictionTokens != nil {
		v := *u.AcceptedPredictionTokens
		c.AcceptedPredictionTokens = &v
	}
	if u.RejectedPredictionTokens != nil {
		v := *u.RejectedPredictionTokens
		c.RejectedPredictionTokens = &v
	}
	return &c
}

// =============================================================================
// TOOL CALL AND STREAM EVENT TYPES
// =============================================================================

// ToolCall summarizes a tool invocation announced by the model.
type ToolCall struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// EventInfo is what an adapter learns from one streamed event.
type EventInfo struct {
	// RequestID is the provider request/response id, when the event carries one.
	RequestID string

	// Usage is the raw usage payload carried by this event (nil when absent).
	// Partial payloads are merged by a UsageAccumulator before normalization.
	Usage any

	// ToolCalls lists tool calls announced by this event.
	ToolCalls []ToolCall

	// Terminal is true for the provider's end-of-stream marker.
	Terminal bool

	// Error is set when the event is a provider error event.
	Error string
}

// =============================================================================
// ADAPTER CONTRACT
// =============================================================================

// Adapter extracts metering data from one provider's wire format.
type Adapter interface {
	// Name returns the adapter name.
	Name() string

	// Provider returns the provider handled by this adapter.
	Provider() Provider

	// ExtractModel returns the requested model from the request path or body.
	ExtractModel(path string, body []byte) string

	// WithModel rewrites the requested model, returning the new path and body.
	WithModel(path string, body []byte, model string) (string, []byte, error)

	// IsStreaming reports whether the request asks for a streamed response.
	IsStreaming(path string, body []byte) bool

	// ExtractPrompt returns the prompt text used for cost estimation.
	ExtractPrompt(body []byte) string

	// ExtractMaxOutputTokens returns the requested output token cap, 0 if unset.
	ExtractMaxOutputTokens(body []byte) int

	// ExtractRequestID returns the provider request id from headers or body.
	ExtractRequestID(header http.Header, body []byte) string

	// ExtractUsage returns normalized usage from a non-streaming response body.
	ExtractUsage(body []byte) *NormalizedUsage

	// ExtractToolCalls returns tool calls from a non-streaming response body.
	ExtractToolCalls(body []byte) []ToolCall

	// InspectEvent inspects one streamed event payload.
	InspectEvent(data []byte) EventInfo
}
