package adapters

import (
	"github.com/tidwall/gjson"
)

// OpenAIAdapter handles OpenAI Chat Completions and Responses API formats.
// Chat Completions only reports usage in streams when stream_options.include_usage
// is set; the final chunk then carries a "usage" object and empty choices.
type OpenAIAdapter struct {
	BaseAdapter
}

// NewOpenAIAdapter creates a new OpenAI adapter.
func NewOpenAIAdapter() *OpenAIAdapter {
	return &OpenAIAdapter{
		BaseAdapter: BaseAdapter{
			name:             "openai",
			provider:         ProviderOpenAI,
			promptRoots:      []string{"instructions", "messages", "input"},
			maxTokensPaths:   []string{"max_completion_tokens", "max_tokens", "max_output_tokens"},
			requestIDHeaders: []string{"x-request-id"},
		},
	}
}

// ExtractUsage extracts token usage from a Chat Completions or Responses body.
func (a *OpenAIAdapter) ExtractUsage(responseBody []byte) *NormalizedUsage {
	usage := gjson.GetBytes(responseBody, "usage")
	if !usage.IsObject() {
		return nil
	}
	return Normalize(usage.Raw, ProviderOpenAI)
}

// ExtractToolCalls extracts tool calls from choices[].message.tool_calls
// (Chat Completions) or output[] function_call items (Responses).
func (a *OpenAIAdapter) ExtractToolCalls(responseBody []byte) []ToolCall {
	var calls []ToolCall
	gjson.GetBytes(responseBody, "choices.#.message.tool_calls|@flatten").ForEach(func(_, tc gjson.Result) bool {
		calls = append(calls, ToolCall{ID: tc.Get("id").String(), Name: tc.Get("function.name").String()})
		return true
	})
	gjson.GetBytes(responseBody, "output").ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() == "function_call" {
			calls = append(calls, ToolCall{ID: firstString(item, "call_id", "id"), Name: item.Get("name").String()})
		}
		return true
	})
	return calls
}

// InspectEvent inspects a Chat Completions chunk or a Responses API event.
func (a *OpenAIAdapter) InspectEvent(data []byte) EventInfo {
	root := gjson.ParseBytes(data)
	var info EventInfo

	// Responses API: typed events, usage on response.completed.
	if eventType := root.Get("type").String(); eventType != "" {
		switch eventType {
		case "response.created", "response.in_progress":
			info.RequestID = root.Get("response.id").String()
		case "response.output_item.added":
			if item := root.Get("item"); item.Get("type").String() == "function_call" {
				info.ToolCalls = append(info.ToolCalls, ToolCall{ID: firstString(item, "call_id", "id"), Name: item.Get("name").String()})
			}
		case "response.completed", "response.incomplete":
			info.RequestID = root.Get("response.id").String()
			if u := root.Get("response.usage"); u.IsObject() {
				info.Usage = u.Raw
			}
			info.Terminal = true
		case "response.failed", "error":
			info.Error = firstString(root, "response.error.message", "message", "error.message")
			info.Terminal = true
		}
		return info
	}

	info.RequestID = root.Get("id").String()
	if u := root.Get("usage"); u.IsObject() {
		info.Usage = u.Raw
		info.Terminal = true
	}
	root.Get("choices.#.delta.tool_calls|@flatten").ForEach(func(_, tc gjson.Result) bool {
		if name := tc.Get("function.name").String(); name != "" {
			info.ToolCalls = append(info.ToolCalls, ToolCall{ID: tc.Get("id").String(), Name: name})
		}
		return true
	})
	if msg := root.Get("error.message").String(); msg != "" {
		info.Error = msg
		info.Terminal = true
	}
	return info
}

// Ensure OpenAIAdapter implements Adapter
var _ Adapter = (*OpenAIAdapter)(nil)
