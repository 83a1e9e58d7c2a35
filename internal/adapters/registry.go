package adapters

import (
	"net/http"
	"strings"
	"sync"
)

// Registry holds one adapter per provider.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Provider]Adapter
}

// NewRegistry creates a registry with the built-in adapters registered.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[Provider]Adapter)}
	r.Register(NewOpenAIAdapter())
	r.Register(NewAnthropicAdapter())
	r.Register(NewGeminiAdapter())
	r.Register(NewBedrockAdapter())
	r.Register(NewOllamaAdapter())
	return r
}

// Register adds or replaces the adapter for its provider.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Provider()] = a
}

// Get returns the adapter for a provider, or nil.
func (r *Registry) Get(p Provider) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[p]
}

// IdentifyProvider detects the provider of an outgoing request.
// Known hosts win; otherwise path shape and provider headers decide.
func IdentifyProvider(host, path string, header http.Header) Provider {
	host = strings.ToLower(host)
	switch {
	case strings.Contains(host, "api.openai.com"), strings.Contains(host, "openai.azure.com"):
		return ProviderOpenAI
	case strings.Contains(host, "api.anthropic.com"):
		return ProviderAnthropic
	case strings.Contains(host, "generativelanguage.googleapis.com"), strings.Contains(host, "aiplatform.googleapis.com"):
		return ProviderGemini
	case strings.Contains(host, "bedrock-runtime"):
		return ProviderBedrock
	case strings.HasSuffix(host, ":11434"):
		return ProviderOllama
	}

	if header != nil && header.Get("anthropic-version") != "" {
		return ProviderAnthropic
	}

	switch {
	case strings.HasSuffix(path, "/v1/messages"):
		return ProviderAnthropic
	case strings.HasSuffix(path, "/chat/completions"), strings.HasSuffix(path, "/v1/responses"), strings.HasSuffix(path, "/v1/completions"):
		return ProviderOpenAI
	case strings.Contains(path, ":generateContent"), strings.Contains(path, ":streamGenerateContent"):
		return ProviderGemini
	case strings.HasSuffix(path, "/converse"), strings.HasSuffix(path, "/converse-stream"):
		return ProviderBedrock
	case strings.HasPrefix(path, "/api/chat"), strings.HasPrefix(path, "/api/generate"):
		return ProviderOllama
	}
	return ProviderUnknown
}

// IdentifyAndGetAdapter is the single entry point for provider detection.
// Returns ProviderUnknown and nil when the request is not an LLM call.
func IdentifyAndGetAdapter(r *Registry, req *http.Request) (Provider, Adapter) {
	if req == nil || req.URL == nil {
		return ProviderUnknown, nil
	}
	p := IdentifyProvider(req.URL.Host, req.URL.Path, req.Header)
	if p == ProviderUnknown {
		return p, nil
	}
	return p, r.Get(p)
}

// Ensure GeminiAdapter implements Adapter
var _ Adapter = (*GeminiAdapter)(nil)
