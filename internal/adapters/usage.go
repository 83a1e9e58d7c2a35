package adapters

import (
	"bytes"
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Normalize maps a provider usage payload to the canonical usage record.
//
// The payload may be raw JSON ([]byte, json.RawMessage, string), a decoded
// map, an SDK struct, or an already normalized record. A wholly absent payload
// returns nil; a present payload with missing fields yields zeros for them.
func Normalize(payload any, provider Provider) *NormalizedUsage {
	switch v := payload.(type) {
	case NormalizedUsage:
		return v.Clone()
	case *NormalizedUsage:
		return v.Clone()
	}

	root, ok := usageRoot(payload)
	if !ok {
		return nil
	}

	if isCanonicalShape(root) {
		return normalizeInputOutput(root)
	}

	switch provider {
	case ProviderOpenAI:
		if root.Get("prompt_tokens").Exists() || root.Get("completion_tokens").Exists() {
			return normalizeOpenAIChat(root)
		}
		return normalizeInputOutput(root)
	case ProviderAnthropic:
		return normalizeAnthropic(root)
	case ProviderGemini:
		return normalizeGemini(root)
	case ProviderBedrock:
		return normalizeBedrock(root)
	case ProviderOllama:
		if root.Get("prompt_eval_count").Exists() || root.Get("eval_count").Exists() {
			return normalizeOllama(root)
		}
		return normalizeOpenAIChat(root)
	default:
		return normalizeSniffed(root)
	}
}

// usageRoot converts any supported payload into a parsed JSON object.
func usageRoot(payload any) (gjson.Result, bool) {
	var raw []byte
	switch v := payload.(type) {
	case nil:
		return gjson.Result{}, false
	case gjson.Result:
		if !v.Exists() || !v.IsObject() {
			return gjson.Result{}, false
		}
		return v, true
	case []byte:
		raw = v
	case json.RawMessage:
		raw = v
	case string:
		raw = []byte(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return gjson.Result{}, false
		}
		raw = data
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return gjson.Result{}, false
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return gjson.Result{}, false
	}
	return root, true
}

// isCanonicalShape detects the canonical and OpenAI Responses usage shape.
// Anthropic never reports total_tokens, which keeps the two apart.
func isCanonicalShape(root gjson.Result) bool {
	return root.Get("input_tokens").Exists() &&
		root.Get("output_tokens").Exists() &&
		root.Get("total_tokens").Exists()
}

func normalizeInputOutput(root gjson.Result) *NormalizedUsage {
	u := &NormalizedUsage{
		InputTokens:     count(root, "input_tokens"),
		OutputTokens:    count(root, "output_tokens"),
		CachedTokens:    count(root, "cached_tokens", "input_tokens_details.cached_tokens"),
		ReasoningTokens: count(root, "reasoning_tokens", "output_tokens_details.reasoning_tokens"),
	}
	u.AcceptedPredictionTokens = optionalCount(root, "accepted_prediction_tokens")
	u.RejectedPredictionTokens = optionalCount(root, "rejected_prediction_tokens")
	return finalize(u)
}

func normalizeOpenAIChat(root gjson.Result) *NormalizedUsage {
	u := &NormalizedUsage{
		InputTokens:     count(root, "prompt_tokens"),
		OutputTokens:    count(root, "completion_tokens"),
		CachedTokens:    count(root, "prompt_tokens_details.cached_tokens"),
		ReasoningTokens: count(root, "completion_tokens_details.reasoning_tokens"),
	}
	u.AcceptedPredictionTokens = optionalCount(root, "completion_tokens_details.accepted_prediction_tokens")
	u.RejectedPredictionTokens = optionalCount(root, "completion_tokens_details.rejected_prediction_tokens")
	return finalize(u)
}

// normalizeAnthropic folds cache reads and writes into input tokens.
// Anthropic's input_tokens excludes cached prompt tokens.
func normalizeAnthropic(root gjson.Result) *NormalizedUsage {
	cacheRead := count(root, "cache_read_input_tokens")
	cacheWrite := count(root, "cache_creation_input_tokens")
	u := &NormalizedUsage{
		InputTokens:  count(root, "input_tokens") + cacheRead + cacheWrite,
		OutputTokens: count(root, "output_tokens"),
		CachedTokens: cacheRead,
	}
	return finalize(u)
}

func normalizeGemini(root gjson.Result) *NormalizedUsage {
	if meta := root.Get("usageMetadata"); meta.IsObject() {
		root = meta
	}
	u := &NormalizedUsage{
		InputTokens:     count(root, "promptTokenCount"),
		OutputTokens:    count(root, "candidatesTokenCount") + count(root, "thoughtsTokenCount"),
		CachedTokens:    count(root, "cachedContentTokenCount"),
		ReasoningTokens: count(root, "thoughtsTokenCount"),
	}
	return finalize(u)
}

func normalizeBedrock(root gjson.Result) *NormalizedUsage {
	u := &NormalizedUsage{
		InputTokens:  count(root, "inputTokens") + count(root, "cacheReadInputTokens") + count(root, "cacheWriteInputTokens"),
		OutputTokens: count(root, "outputTokens"),
		CachedTokens: count(root, "cacheReadInputTokens"),
	}
	return finalize(u)
}

func normalizeOllama(root gjson.Result) *NormalizedUsage {
	u := &NormalizedUsage{
		InputTokens:  count(root, "prompt_eval_count"),
		OutputTokens: count(root, "eval_count"),
	}
	return finalize(u)
}

// normalizeSniffed picks a shape by looking at which keys are present.
func normalizeSniffed(root gjson.Result) *NormalizedUsage {
	switch {
	case root.Get("prompt_tokens").Exists() || root.Get("completion_tokens").Exists():
		return normalizeOpenAIChat(root)
	case root.Get("promptTokenCount").Exists() || root.Get("usageMetadata").Exists():
		return normalizeGemini(root)
	case root.Get("inputTokens").Exists() || root.Get("outputTokens").Exists():
		return normalizeBedrock(root)
	case root.Get("prompt_eval_count").Exists() || root.Get("eval_count").Exists():
		return normalizeOllama(root)
	case root.Get("cache_read_input_tokens").Exists() || root.Get("cache_creation_input_tokens").Exists():
		return normalizeAnthropic(root)
	default:
		return normalizeInputOutput(root)
	}
}

func finalize(u *NormalizedUsage) *NormalizedUsage {
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return u
}

// count returns the first present non-negative integer among paths, else 0.
func count(root gjson.Result, paths ...string) int {
	for _, p := range paths {
		if r := root.Get(p); r.Exists() && r.Type == gjson.Number {
			if n := r.Int(); n > 0 {
				return int(n)
			}
			return 0
		}
	}
	return 0
}

func optionalCount(root gjson.Result, path string) *int {
	r := root.Get(path)
	if !r.Exists() || r.Type != gjson.Number {
		return nil
	}
	n := int(r.Int())
	if n < 0 {
		n = 0
	}
	return &n
}

// =============================================================================
// STREAM USAGE ACCUMULATION
// =============================================================================

// UsageAccumulator merges partial usage payloads seen during a stream into one
// snapshot. Aggregate-at-end providers send one payload; delta providers
// (Anthropic message_start + message_delta) send several, each carrying a
// subset of counters. Non-zero numeric fields of later payloads overwrite
// earlier ones, which matches both cumulative reporting styles.
type UsageAccumulator struct {
	provider Provider
	raw      []byte
	seen     bool
}

// NewUsageAccumulator creates an accumulator for a provider.
func NewUsageAccumulator(provider Provider) *UsageAccumulator {
	return &UsageAccumulator{provider: provider, raw: []byte("{}")}
}

// Merge folds one usage payload into the snapshot. Absent payloads are ignored.
func (a *UsageAccumulator) Merge(payload any) {
	if n, ok := payload.(*NormalizedUsage); ok && n == nil {
		return
	}
	if n, ok := payload.(*NormalizedUsage); ok {
		payload = *n
	}
	if n, ok := payload.(NormalizedUsage); ok {
		data, err := json.Marshal(n)
		if err != nil {
			return
		}
		payload = data
	}

	root, ok := usageRoot(payload)
	if !ok {
		return
	}
	a.seen = true
	a.mergeObject("", root)
}

func (a *UsageAccumulator) mergeObject(prefix string, obj gjson.Result) {
	obj.ForEach(func(key, value gjson.Result) bool {
		path := key.String()
		if prefix != "" {
			path = prefix + "." + path
		}
		switch {
		case value.IsObject():
			a.mergeObject(path, value)
		case value.Type == gjson.Number:
			existing := gjson.GetBytes(a.raw, path)
			if value.Int() != 0 || !existing.Exists() {
				if updated, err := sjson.SetBytes(a.raw, path, value.Int()); err == nil {
					a.raw = updated
				}
			}
		}
		return true
	})
}

// Seen reports whether any usage payload was merged.
func (a *UsageAccumulator) Seen() bool {
	return a.seen
}

// Snapshot normalizes the merged payload. Returns nil when nothing was merged.
func (a *UsageAccumulator) Snapshot() *NormalizedUsage {
	if !a.seen {
		return nil
	}
	return Normalize(a.raw, a.provider)
}
