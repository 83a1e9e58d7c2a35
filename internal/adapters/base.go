package adapters

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// BaseAdapter holds the behavior shared by JSON-body providers.
// Provider adapters embed it and override what differs.
type BaseAdapter struct {
	name     string
	provider Provider

	// promptRoots are the request paths whose text feeds cost estimation.
	promptRoots []string
	// maxTokensPaths are checked in order for the requested output cap.
	maxTokensPaths []string
	// requestIDHeaders are checked before the body id.
	requestIDHeaders []string
}

// Name returns the adapter name.
func (a *BaseAdapter) Name() string {
	return a.name
}

// Provider returns the provider type.
func (a *BaseAdapter) Provider() Provider {
	return a.provider
}

// ExtractModel reads the "model" field of the request body.
func (a *BaseAdapter) ExtractModel(_ string, body []byte) string {
	return gjson.GetBytes(body, "model").String()
}

// WithModel rewrites the "model" field of the request body.
func (a *BaseAdapter) WithModel(path string, body []byte, model string) (string, []byte, error) {
	updated, err := sjson.SetBytes(body, "model", model)
	if err != nil {
		return path, body, err
	}
	return path, updated, nil
}

// IsStreaming reads the "stream" flag of the request body.
func (a *BaseAdapter) IsStreaming(_ string, body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

// ExtractPrompt concatenates the text found under the prompt roots.
func (a *BaseAdapter) ExtractPrompt(body []byte) string {
	var b strings.Builder
	for _, root := range a.promptRoots {
		collectText(gjson.GetBytes(body, root), &b)
	}
	return b.String()
}

// ExtractMaxOutputTokens returns the first configured output cap.
func (a *BaseAdapter) ExtractMaxOutputTokens(body []byte) int {
	for _, p := range a.maxTokensPaths {
		if r := gjson.GetBytes(body, p); r.Exists() && r.Int() > 0 {
			return int(r.Int())
		}
	}
	return 0
}

// ExtractRequestID checks provider headers, then the body "id".
func (a *BaseAdapter) ExtractRequestID(header http.Header, body []byte) string {
	for _, h := range a.requestIDHeaders {
		if v := header.Get(h); v != "" {
			return v
		}
	}
	return gjson.GetBytes(body, "id").String()
}

// textKeys are object keys whose string values count as prompt text.
var textKeys = map[string]bool{
	"content":      true,
	"text":         true,
	"input":        true,
	"prompt":       true,
	"system":       true,
	"instructions": true,
}

// collectText walks a JSON value and appends prompt text to b.
func collectText(value gjson.Result, b *strings.Builder) {
	switch {
	case value.Type == gjson.String:
		appendText(b, value.String())
	case value.IsArray():
		value.ForEach(func(_, item gjson.Result) bool {
			collectText(item, b)
			return true
		})
	case value.IsObject():
		value.ForEach(func(key, item gjson.Result) bool {
			if item.Type == gjson.String {
				if textKeys[key.String()] {
					appendText(b, item.String())
				}
				return true
			}
			collectText(item, b)
			return true
		})
	}
}

func appendText(b *strings.Builder, s string) {
	if s == "" {
		return
	}
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	b.WriteString(s)
}

// firstString returns the first non-empty string among paths.
func firstString(root gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := root.Get(p).String(); v != "" {
			return v
		}
	}
	return ""
}
