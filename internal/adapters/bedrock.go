package adapters

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// BedrockAdapter handles the Bedrock Converse API format.
// The model id lives in the path (/model/{modelId}/converse). ConverseStream
// uses AWS event-stream framing; InspectEvent accepts the decoded JSON events.
type BedrockAdapter struct {
	BaseAdapter
}

// NewBedrockAdapter creates a new Bedrock adapter.
func NewBedrockAdapter() *BedrockAdapter {
	return &BedrockAdapter{
		BaseAdapter: BaseAdapter{
			name:             "bedrock",
			provider:         ProviderBedrock,
			promptRoots:      []string{"system", "messages"},
			maxTokensPaths:   []string{"inferenceConfig.maxTokens"},
			requestIDHeaders: []string{"x-amzn-requestid"},
		},
	}
}

// ExtractModel returns the model id segment of the request path.
func (a *BedrockAdapter) ExtractModel(path string, body []byte) string {
	if model := bedrockModelFromPath(path); model != "" {
		return model
	}
	return a.BaseAdapter.ExtractModel(path, body)
}

// WithModel rewrites the model id segment of the request path.
func (a *BedrockAdapter) WithModel(path string, body []byte, model string) (string, []byte, error) {
	current := bedrockModelFromPath(path)
	if current == "" {
		return a.BaseAdapter.WithModel(path, body, model)
	}
	return strings.Replace(path, "/model/"+current+"/", "/model/"+model+"/", 1), body, nil
}

// IsStreaming reports whether the path targets a streaming operation.
func (a *BedrockAdapter) IsStreaming(path string, _ []byte) bool {
	return strings.HasSuffix(path, "/converse-stream") || strings.HasSuffix(path, "/invoke-with-response-stream")
}

// ExtractRequestID returns the AWS request id header.
func (a *BedrockAdapter) ExtractRequestID(header http.Header, _ []byte) string {
	return header.Get("x-amzn-requestid")
}

// ExtractUsage extracts usage from a Converse response.
// Format: {"usage": {"inputTokens": N, "outputTokens": N, "totalTokens": N}}
func (a *BedrockAdapter) ExtractUsage(responseBody []byte) *NormalizedUsage {
	usage := gjson.GetBytes(responseBody, "usage")
	if !usage.IsObject() {
		return nil
	}
	return Normalize(usage.Raw, ProviderBedrock)
}

// ExtractToolCalls extracts toolUse blocks from output.message.content.
func (a *BedrockAdapter) ExtractToolCalls(responseBody []byte) []ToolCall {
	var calls []ToolCall
	gjson.GetBytes(responseBody, "output.message.content").ForEach(func(_, block gjson.Result) bool {
		if tu := block.Get("toolUse"); tu.Exists() {
			calls = append(calls, ToolCall{ID: tu.Get("toolUseId").String(), Name: tu.Get("name").String()})
		}
		return true
	})
	return calls
}

// InspectEvent inspects one decoded ConverseStream event.
// The "metadata" event carries final usage and closes the stream.
func (a *BedrockAdapter) InspectEvent(data []byte) EventInfo {
	root := gjson.ParseBytes(data)
	var info EventInfo

	if tu := root.Get("contentBlockStart.start.toolUse"); tu.Exists() {
		info.ToolCalls = append(info.ToolCalls, ToolCall{ID: tu.Get("toolUseId").String(), Name: tu.Get("name").String()})
	}
	if u := root.Get("metadata.usage"); u.IsObject() {
		info.Usage = u.Raw
		info.Terminal = true
	}
	if msg := firstString(root, "internalServerException.message", "modelStreamErrorException.message", "throttlingException.message", "validationException.message"); msg != "" {
		info.Error = msg
		info.Terminal = true
	}
	return info
}

// bedrockModelFromPath extracts the model id from /model/{modelId}/converse.
func bedrockModelFromPath(path string) string {
	idx := strings.Index(path, "/model/")
	if idx < 0 {
		return ""
	}
	rest := path[idx+len("/model/"):]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		return rest[:slash]
	}
	return ""
}

// Ensure BedrockAdapter implements Adapter
var _ Adapter = (*BedrockAdapter)(nil)
