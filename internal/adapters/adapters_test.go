package adapters

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestIdentifyProvider(t *testing.T) {
	tests := []struct {
		name   string
		host   string
		path   string
		header http.Header
		want   Provider
	}{
		{"openai host", "api.openai.com", "/v1/chat/completions", nil, ProviderOpenAI},
		{"anthropic host", "api.anthropic.com", "/v1/messages", nil, ProviderAnthropic},
		{"gemini host", "generativelanguage.googleapis.com", "/v1beta/models/gemini-2.0-flash:generateContent", nil, ProviderGemini},
		{"bedrock host", "bedrock-runtime.us-east-1.amazonaws.com", "/model/anthropic.claude-3-haiku/converse", nil, ProviderBedrock},
		{"ollama port", "localhost:11434", "/api/chat", nil, ProviderOllama},
		{"anthropic header on proxy", "llm.internal", "/proxy", http.Header{"Anthropic-Version": {"2023-06-01"}}, ProviderAnthropic},
		{"openai-compatible path", "llm.internal", "/openai/v1/chat/completions", nil, ProviderOpenAI},
		{"responses path", "llm.internal", "/v1/responses", nil, ProviderOpenAI},
		{"unrelated", "example.com", "/index.html", nil, ProviderUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IdentifyProvider(tt.host, tt.path, tt.header))
		})
	}
}

func TestIdentifyAndGetAdapter(t *testing.T) {
	r := NewRegistry()

	req, err := http.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil)
	require.NoError(t, err)
	p, a := IdentifyAndGetAdapter(r, req)
	assert.Equal(t, ProviderAnthropic, p)
	require.NotNil(t, a)
	assert.Equal(t, "anthropic", a.Name())

	req, err = http.NewRequest(http.MethodGet, "https://example.com/", nil)
	require.NoError(t, err)
	p, a = IdentifyAndGetAdapter(r, req)
	assert.Equal(t, ProviderUnknown, p)
	assert.Nil(t, a)
}

func TestOpenAIAdapter_RequestSide(t *testing.T) {
	a := NewOpenAIAdapter()
	body := []byte(`{"model":"gpt-4o","stream":true,"max_tokens":256,"messages":[{"role":"system","content":"Be brief."},{"role":"user","content":[{"type":"text","text":"Hello"}]}]}`)

	assert.Equal(t, "gpt-4o", a.ExtractModel("/v1/chat/completions", body))
	assert.True(t, a.IsStreaming("/v1/chat/completions", body))
	assert.Equal(t, 256, a.ExtractMaxOutputTokens(body))
	assert.Equal(t, "Be brief.\nHello", a.ExtractPrompt(body))

	path, rewritten, err := a.WithModel("/v1/chat/completions", body, "gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "/v1/chat/completions", path)
	assert.Equal(t, "gpt-4o-mini", gjson.GetBytes(rewritten, "model").String())
}

func TestOpenAIAdapter_ResponseSide(t *testing.T) {
	a := NewOpenAIAdapter()
	body := []byte(`{
		"id":"chatcmpl-123",
		"choices":[{"message":{"tool_calls":[{"id":"call_1","function":{"name":"get_weather"}}]}}],
		"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}
	}`)

	assert.Equal(t, "chatcmpl-123", a.ExtractRequestID(http.Header{}, body))
	assert.Equal(t, "req_abc", a.ExtractRequestID(http.Header{"X-Request-Id": {"req_abc"}}, body))

	u := a.ExtractUsage(body)
	require.NotNil(t, u)
	assert.Equal(t, 15, u.TotalTokens)

	assert.Equal(t, []ToolCall{{ID: "call_1", Name: "get_weather"}}, a.ExtractToolCalls(body))
	assert.Nil(t, a.ExtractUsage([]byte(`{"id":"x"}`)))
}

func TestOpenAIAdapter_InspectEvent(t *testing.T) {
	a := NewOpenAIAdapter()

	content := a.InspectEvent([]byte(`{"id":"chatcmpl-1","choices":[{"delta":{"content":"Hi"}}]}`))
	assert.Equal(t, "chatcmpl-1", content.RequestID)
	assert.Nil(t, content.Usage)
	assert.False(t, content.Terminal)

	tool := a.InspectEvent([]byte(`{"id":"chatcmpl-1","choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_9","function":{"name":"search","arguments":""}}]}}]}`))
	assert.Equal(t, []ToolCall{{ID: "call_9", Name: "search"}}, tool.ToolCalls)

	final := a.InspectEvent([]byte(`{"id":"chatcmpl-1","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`))
	assert.True(t, final.Terminal)
	require.NotNil(t, Normalize(final.Usage, ProviderOpenAI))
	assert.Equal(t, 7, Normalize(final.Usage, ProviderOpenAI).TotalTokens)

	completed := a.InspectEvent([]byte(`{"type":"response.completed","response":{"id":"resp_1","usage":{"input_tokens":4,"output_tokens":6,"total_tokens":10}}}`))
	assert.True(t, completed.Terminal)
	assert.Equal(t, "resp_1", completed.RequestID)
	assert.Equal(t, 10, Normalize(completed.Usage, ProviderOpenAI).TotalTokens)

	failed := a.InspectEvent([]byte(`{"type":"response.failed","response":{"error":{"message":"overloaded"}}}`))
	assert.True(t, failed.Terminal)
	assert.Equal(t, "overloaded", failed.Error)
}

func TestAnthropicAdapter_StreamSequence(t *testing.T) {
	a := NewAnthropicAdapter()
	acc := NewUsageAccumulator(ProviderAnthropic)

	events := []string{
		`{"type":"message_start","message":{"id":"msg_01","usage":{"input_tokens":25,"output_tokens":1,"cache_read_input_tokens":5}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"lookup"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{}"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":15}}`,
		`{"type":"message_stop"}`,
	}

	var (
		requestID string
		tools     []ToolCall
		terminal  bool
	)
	for _, e := range events {
		info := a.InspectEvent([]byte(e))
		if info.RequestID != "" {
			requestID = info.RequestID
		}
		acc.Merge(info.Usage)
		tools = append(tools, info.ToolCalls...)
		terminal = terminal || info.Terminal
	}

	assert.Equal(t, "msg_01", requestID)
	assert.True(t, terminal)
	assert.Equal(t, []ToolCall{{ID: "toolu_1", Name: "lookup"}}, tools)

	u := acc.Snapshot()
	require.NotNil(t, u)
	assert.Equal(t, 30, u.InputTokens)
	assert.Equal(t, 15, u.OutputTokens)
	assert.Equal(t, 5, u.CachedTokens)
}

func TestAnthropicAdapter_ErrorEvent(t *testing.T) {
	info := NewAnthropicAdapter().InspectEvent([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	assert.True(t, info.Terminal)
	assert.Equal(t, "Overloaded", info.Error)
}

func TestGeminiAdapter(t *testing.T) {
	a := NewGeminiAdapter()
	path := "/v1beta/models/gemini-2.0-flash:streamGenerateContent"

	assert.Equal(t, "gemini-2.0-flash", a.ExtractModel(path, nil))
	assert.True(t, a.IsStreaming(path, nil))
	assert.False(t, a.IsStreaming("/v1beta/models/gemini-2.0-flash:generateContent", nil))

	newPath, _, err := a.WithModel(path, []byte(`{}`), "gemini-1.5-flash")
	require.NoError(t, err)
	assert.Equal(t, "/v1beta/models/gemini-1.5-flash:streamGenerateContent", newPath)

	chunk := a.InspectEvent([]byte(`{"responseId":"r1","candidates":[{"content":{"parts":[{"functionCall":{"name":"find"}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2}}`))
	assert.Equal(t, "r1", chunk.RequestID)
	assert.True(t, chunk.Terminal)
	assert.Equal(t, []ToolCall{{Name: "find"}}, chunk.ToolCalls)
	assert.Equal(t, 6, Normalize(chunk.Usage, ProviderGemini).TotalTokens)

	partial := a.InspectEvent([]byte(`{"candidates":[{"content":{"parts":[{"text":"He"}]}}]}`))
	assert.False(t, partial.Terminal)
}

func TestBedrockAdapter(t *testing.T) {
	a := NewBedrockAdapter()
	path := "/model/anthropic.claude-3-haiku-20240307-v1:0/converse-stream"

	assert.Equal(t, "anthropic.claude-3-haiku-20240307-v1:0", a.ExtractModel(path, nil))
	assert.True(t, a.IsStreaming(path, nil))
	assert.Equal(t, "aws-req-1", a.ExtractRequestID(http.Header{"X-Amzn-Requestid": {"aws-req-1"}}, nil))

	meta := a.InspectEvent([]byte(`{"metadata":{"usage":{"inputTokens":10,"outputTokens":5,"totalTokens":15},"metrics":{"latencyMs":120}}}`))
	assert.True(t, meta.Terminal)
	assert.Equal(t, 15, Normalize(meta.Usage, ProviderBedrock).TotalTokens)

	body := []byte(`{"output":{"message":{"content":[{"toolUse":{"toolUseId":"tu1","name":"calc"}}]}},"usage":{"inputTokens":1,"outputTokens":1}}`)
	assert.Equal(t, []ToolCall{{ID: "tu1", Name: "calc"}}, a.ExtractToolCalls(body))
	assert.Equal(t, 2, a.ExtractUsage(body).TotalTokens)
}

func TestOllamaAdapter(t *testing.T) {
	a := NewOllamaAdapter()

	assert.True(t, a.IsStreaming("/api/chat", []byte(`{"model":"llama3"}`)))
	assert.False(t, a.IsStreaming("/api/chat", []byte(`{"model":"llama3","stream":false}`)))
	assert.Equal(t, 64, a.ExtractMaxOutputTokens([]byte(`{"options":{"num_predict":64}}`)))

	line := a.InspectEvent([]byte(`{"model":"llama3","message":{"role":"assistant","content":"Hi"},"done":false}`))
	assert.False(t, line.Terminal)

	last := a.InspectEvent([]byte(`{"model":"llama3","done":true,"prompt_eval_count":26,"eval_count":290}`))
	assert.True(t, last.Terminal)
	assert.Equal(t, 316, Normalize(last.Usage, ProviderOllama).TotalTokens)

	errLine := a.InspectEvent([]byte(`{"error":"model not found"}`))
	assert.True(t, errLine.Terminal)
	assert.Equal(t, "model not found", errLine.Error)

	compat := a.ExtractUsage([]byte(`{"usage":{"prompt_tokens":3,"completion_tokens":4}}`))
	require.NotNil(t, compat)
	assert.Equal(t, 7, compat.TotalTokens)
}
