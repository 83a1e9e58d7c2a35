package adapters

import (
	"net/http"

	"github.com/tidwall/gjson"
)

// OllamaAdapter handles Ollama API format requests.
// Ollama's native API takes OpenAI-like messages, so request-side methods
// come from the embedded OpenAIAdapter. The response side differs: usage is
// reported as top-level prompt_eval_count/eval_count, streams are NDJSON and
// the last line carries "done": true.
type OllamaAdapter struct {
	*OpenAIAdapter
}

// NewOllamaAdapter creates a new Ollama adapter.
func NewOllamaAdapter() *OllamaAdapter {
	inner := NewOpenAIAdapter()
	inner.name = "ollama"
	inner.provider = ProviderOllama
	inner.promptRoots = []string{"system", "prompt", "messages"}
	inner.maxTokensPaths = []string{"options.num_predict"}
	inner.requestIDHeaders = nil
	return &OllamaAdapter{OpenAIAdapter: inner}
}

// IsStreaming reports whether the request streams. Ollama streams unless
// "stream": false is sent explicitly.
func (a *OllamaAdapter) IsStreaming(_ string, body []byte) bool {
	stream := gjson.GetBytes(body, "stream")
	return !stream.Exists() || stream.Bool()
}

// ExtractRequestID returns "" for native responses; Ollama has no response id.
// OpenAI-compatible responses (/v1/chat/completions) keep their "id".
func (a *OllamaAdapter) ExtractRequestID(_ http.Header, body []byte) string {
	return gjson.GetBytes(body, "id").String()
}

// ExtractUsage extracts token usage from Ollama API response.
// Ollama format: {"prompt_eval_count": N, "eval_count": N}
// Also supports OpenAI format as fallback (OpenAI-compatible endpoint).
func (a *OllamaAdapter) ExtractUsage(responseBody []byte) *NormalizedUsage {
	if len(responseBody) == 0 {
		return nil
	}

	root := gjson.ParseBytes(responseBody)
	if root.Get("prompt_eval_count").Exists() || root.Get("eval_count").Exists() {
		return Normalize(root.Raw, ProviderOllama)
	}

	// Fallback to OpenAI format
	return a.OpenAIAdapter.ExtractUsage(responseBody)
}

// ExtractToolCalls extracts message.tool_calls, falling back to OpenAI format.
func (a *OllamaAdapter) ExtractToolCalls(responseBody []byte) []ToolCall {
	var calls []ToolCall
	gjson.GetBytes(responseBody, "message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		calls = append(calls, ToolCall{ID: tc.Get("id").String(), Name: tc.Get("function.name").String()})
		return true
	})
	if len(calls) > 0 {
		return calls
	}
	return a.OpenAIAdapter.ExtractToolCalls(responseBody)
}

// InspectEvent inspects one NDJSON line of a native stream.
func (a *OllamaAdapter) InspectEvent(data []byte) EventInfo {
	root := gjson.ParseBytes(data)
	if errField := root.Get("error"); errField.Type == gjson.String {
		return EventInfo{Error: errField.String(), Terminal: true}
	}
	if !root.Get("done").Exists() && !root.Get("message").Exists() {
		// OpenAI-compatible SSE chunk
		return a.OpenAIAdapter.InspectEvent(data)
	}

	var info EventInfo
	root.Get("message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		info.ToolCalls = append(info.ToolCalls, ToolCall{ID: tc.Get("id").String(), Name: tc.Get("function.name").String()})
		return true
	})
	if root.Get("done").Bool() {
		info.Terminal = true
		if root.Get("prompt_eval_count").Exists() || root.Get("eval_count").Exists() {
			info.Usage = root.Raw
		}
	}
	return info
}

// Ensure OllamaAdapter implements Adapter
var _ Adapter = (*OllamaAdapter)(nil)
