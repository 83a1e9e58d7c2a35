package adapters

import (
	"github.com/tidwall/gjson"
)

// AnthropicAdapter handles the Anthropic Messages API format.
// Streams are delta-accumulating: message_start carries input and cache
// counters, message_delta carries the running output count.
type AnthropicAdapter struct {
	BaseAdapter
}

// NewAnthropicAdapter creates a new Anthropic adapter.
func NewAnthropicAdapter() *AnthropicAdapter {
	return &AnthropicAdapter{
		BaseAdapter: BaseAdapter{
			name:             "anthropic",
			provider:         ProviderAnthropic,
			promptRoots:      []string{"system", "messages"},
			maxTokensPaths:   []string{"max_tokens"},
			requestIDHeaders: []string{"request-id", "x-request-id"},
		},
	}
}

// ExtractUsage extracts token usage from a Messages API response.
// Format: {"usage": {"input_tokens": N, "output_tokens": N, "cache_read_input_tokens": N}}
func (a *AnthropicAdapter) ExtractUsage(responseBody []byte) *NormalizedUsage {
	usage := gjson.GetBytes(responseBody, "usage")
	if !usage.IsObject() {
		return nil
	}
	return Normalize(usage.Raw, ProviderAnthropic)
}

// ExtractToolCalls extracts tool_use blocks from the response content.
func (a *AnthropicAdapter) ExtractToolCalls(responseBody []byte) []ToolCall {
	var calls []ToolCall
	gjson.GetBytes(responseBody, "content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "tool_use" {
			calls = append(calls, ToolCall{ID: block.Get("id").String(), Name: block.Get("name").String()})
		}
		return true
	})
	return calls
}

// InspectEvent inspects one Messages streaming event.
func (a *AnthropicAdapter) InspectEvent(data []byte) EventInfo {
	root := gjson.ParseBytes(data)
	var info EventInfo

	switch root.Get("type").String() {
	case "message_start":
		info.RequestID = root.Get("message.id").String()
		if u := root.Get("message.usage"); u.IsObject() {
			info.Usage = u.Raw
		}
	case "content_block_start":
		if block := root.Get("content_block"); block.Get("type").String() == "tool_use" {
			info.ToolCalls = append(info.ToolCalls, ToolCall{ID: block.Get("id").String(), Name: block.Get("name").String()})
		}
	case "message_delta":
		if u := root.Get("usage"); u.IsObject() {
			info.Usage = u.Raw
		}
	case "message_stop":
		info.Terminal = true
	case "error":
		info.Error = root.Get("error.message").String()
		info.Terminal = true
	}
	return info
}

// Ensure AnthropicAdapter implements Adapter
var _ Adapter = (*AnthropicAdapter)(nil)
