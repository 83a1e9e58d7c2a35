package adapters

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// GeminiAdapter handles the Gemini generateContent API format.
// The model lives in the path (/v1beta/models/{model}:generateContent) and
// streaming is selected by the :streamGenerateContent method.
type GeminiAdapter struct {
	BaseAdapter
}

// NewGeminiAdapter creates a new Gemini adapter.
func NewGeminiAdapter() *GeminiAdapter {
	return &GeminiAdapter{
		BaseAdapter: BaseAdapter{
			name:           "gemini",
			provider:       ProviderGemini,
			promptRoots:    []string{"systemInstruction", "contents"},
			maxTokensPaths: []string{"generationConfig.maxOutputTokens"},
		},
	}
}

// ExtractModel returns the model segment of the request path.
func (a *GeminiAdapter) ExtractModel(path string, body []byte) string {
	if model := geminiModelFromPath(path); model != "" {
		return model
	}
	return a.BaseAdapter.ExtractModel(path, body)
}

// WithModel rewrites the model segment of the request path.
func (a *GeminiAdapter) WithModel(path string, body []byte, model string) (string, []byte, error) {
	current := geminiModelFromPath(path)
	if current == "" {
		return a.BaseAdapter.WithModel(path, body, model)
	}
	return strings.Replace(path, "/models/"+current+":", "/models/"+model+":", 1), body, nil
}

// IsStreaming reports whether the path uses :streamGenerateContent.
func (a *GeminiAdapter) IsStreaming(path string, _ []byte) bool {
	return strings.Contains(path, ":streamGenerateContent")
}

// ExtractRequestID returns responseId from the body.
func (a *GeminiAdapter) ExtractRequestID(_ http.Header, body []byte) string {
	return gjson.GetBytes(body, "responseId").String()
}

// ExtractUsage extracts usageMetadata from a generateContent response.
func (a *GeminiAdapter) ExtractUsage(responseBody []byte) *NormalizedUsage {
	usage := gjson.GetBytes(responseBody, "usageMetadata")
	if !usage.IsObject() {
		return nil
	}
	return Normalize(usage.Raw, ProviderGemini)
}

// ExtractToolCalls extracts functionCall parts from all candidates.
func (a *GeminiAdapter) ExtractToolCalls(responseBody []byte) []ToolCall {
	return geminiToolCalls(gjson.ParseBytes(responseBody))
}

// InspectEvent inspects one streamed generateContent chunk.
// Every chunk carries cumulative usageMetadata; the chunk with a
// finishReason is the last one.
func (a *GeminiAdapter) InspectEvent(data []byte) EventInfo {
	root := gjson.ParseBytes(data)
	info := EventInfo{
		RequestID: root.Get("responseId").String(),
		ToolCalls: geminiToolCalls(root),
	}
	if u := root.Get("usageMetadata"); u.IsObject() {
		info.Usage = u.Raw
	}
	root.Get("candidates.#.finishReason").ForEach(func(_, reason gjson.Result) bool {
		if reason.String() != "" {
			info.Terminal = true
		}
		return !info.Terminal
	})
	if msg := root.Get("error.message").String(); msg != "" {
		info.Error = msg
		info.Terminal = true
	}
	return info
}

func geminiToolCalls(root gjson.Result) []ToolCall {
	var calls []ToolCall
	root.Get("candidates.#.content.parts|@flatten").ForEach(func(_, part gjson.Result) bool {
		if name := part.Get("functionCall.name").String(); name != "" {
			calls = append(calls, ToolCall{ID: part.Get("functionCall.id").String(), Name: name})
		}
		return true
	})
	return calls
}

// geminiModelFromPath extracts "gemini-2.0-flash" from
// /v1beta/models/gemini-2.0-flash:generateContent.
func geminiModelFromPath(path string) string {
	idx := strings.Index(path, "/models/")
	if idx < 0 {
		return ""
	}
	rest := path[idx+len("/models/"):]
	if colon := strings.Index(rest, ":"); colon >= 0 {
		return rest[:colon]
	}
	return ""
}
