package costcontrol

import (
	"strings"
	"sync"

	"github.com/compresr/llm-meter/internal/adapters"
)

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	InputPerMTok  float64 `yaml:"input_per_mtok" json:"input_per_mtok"`   // USD per million input tokens
	OutputPerMTok float64 `yaml:"output_per_mtok" json:"output_per_mtok"` // USD per million output tokens
	// CachedPerMTok prices cache-read input tokens. 0 means no discount.
	CachedPerMTok float64 `yaml:"cached_per_mtok" json:"cached_per_mtok"`
}

// modelPricingTable maps model names to their pricing.
var modelPricingTable = map[string]ModelPricing{
	// Claude 4.x (dated)
	"claude-opus-4-6":            {InputPerMTok: 5, OutputPerMTok: 25, CachedPerMTok: 0.5},
	"claude-opus-4-0-20250514":   {InputPerMTok: 15, OutputPerMTok: 75, CachedPerMTok: 1.5},
	"claude-sonnet-4-5-20250929": {InputPerMTok: 3, OutputPerMTok: 15, CachedPerMTok: 0.3},
	"claude-sonnet-4-0-20250514": {InputPerMTok: 3, OutputPerMTok: 15, CachedPerMTok: 0.3},
	"claude-haiku-4-5-20251001":  {InputPerMTok: 1, OutputPerMTok: 5, CachedPerMTok: 0.1},

	// Claude 3.x
	"claude-3-5-sonnet-20241022": {InputPerMTok: 3, OutputPerMTok: 15, CachedPerMTok: 0.3},
	"claude-3-5-haiku-20241022":  {InputPerMTok: 1, OutputPerMTok: 5, CachedPerMTok: 0.1},
	"claude-3-haiku-20240307":    {InputPerMTok: 0.25, OutputPerMTok: 1.25, CachedPerMTok: 0.03},

	// OpenAI
	"gpt-4o":                 {InputPerMTok: 2.5, OutputPerMTok: 10, CachedPerMTok: 1.25},
	"gpt-4o-2024-11-20":      {InputPerMTok: 2.5, OutputPerMTok: 10, CachedPerMTok: 1.25},
	"gpt-4o-mini":            {InputPerMTok: 0.15, OutputPerMTok: 0.60, CachedPerMTok: 0.075},
	"gpt-4o-mini-2024-07-18": {InputPerMTok: 0.15, OutputPerMTok: 0.60, CachedPerMTok: 0.075},
	"gpt-4.1":                {InputPerMTok: 2, OutputPerMTok: 8, CachedPerMTok: 0.5},
	"gpt-4.1-mini":           {InputPerMTok: 0.4, OutputPerMTok: 1.6, CachedPerMTok: 0.1},
	"o3":                     {InputPerMTok: 2, OutputPerMTok: 8, CachedPerMTok: 0.5},
	"o4-mini":                {InputPerMTok: 1.1, OutputPerMTok: 4.4, CachedPerMTok: 0.275},

	// Gemini
	"gemini-2.0-flash": {InputPerMTok: 0.1, OutputPerMTok: 0.4, CachedPerMTok: 0.025},
	"gemini-2.5-flash": {InputPerMTok: 0.3, OutputPerMTok: 2.5, CachedPerMTok: 0.075},
	"gemini-2.5-pro":   {InputPerMTok: 1.25, OutputPerMTok: 10, CachedPerMTok: 0.31},
}

// defaultPricing is used for unknown models (conservative to prevent silent overspend).
var defaultPricing = ModelPricing{InputPerMTok: 15, OutputPerMTok: 75}

// modelFamilyPricing maps model family prefixes to pricing.
// Ordered longest-prefix-first in lookup to avoid e.g. "claude-opus" ($15)
// matching when "claude-opus-4-6" ($5) is the correct match.
var modelFamilyPricing = map[string]ModelPricing{
	// Version-specific families (must win over broad families)
	"claude-opus-4-6":   {InputPerMTok: 5, OutputPerMTok: 25, CachedPerMTok: 0.5},
	"claude-opus-4-0":   {InputPerMTok: 15, OutputPerMTok: 75, CachedPerMTok: 1.5},
	"claude-sonnet-4-5": {InputPerMTok: 3, OutputPerMTok: 15, CachedPerMTok: 0.3},
	"claude-sonnet-4-0": {InputPerMTok: 3, OutputPerMTok: 15, CachedPerMTok: 0.3},
	"claude-haiku-4-5":  {InputPerMTok: 1, OutputPerMTok: 5, CachedPerMTok: 0.1},
	"claude-3-5-sonnet": {InputPerMTok: 3, OutputPerMTok: 15, CachedPerMTok: 0.3},
	"claude-3-5-haiku":  {InputPerMTok: 1, OutputPerMTok: 5, CachedPerMTok: 0.1},
	"claude-3-haiku":    {InputPerMTok: 0.25, OutputPerMTok: 1.25, CachedPerMTok: 0.03},
	"gemini-2.5-flash":  {InputPerMTok: 0.3, OutputPerMTok: 2.5, CachedPerMTok: 0.075},
	"gemini-2.5-pro":    {InputPerMTok: 1.25, OutputPerMTok: 10, CachedPerMTok: 0.31},

	// Broad families (fallback)
	"claude-opus":   {InputPerMTok: 15, OutputPerMTok: 75},
	"claude-sonnet": {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-haiku":  {InputPerMTok: 1, OutputPerMTok: 5},
	"gpt-4o-mini":   {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4o":        {InputPerMTok: 2.5, OutputPerMTok: 10},
	"gpt-4.1-mini":  {InputPerMTok: 0.4, OutputPerMTok: 1.6},
	"gpt-4.1":       {InputPerMTok: 2, OutputPerMTok: 8},
	"gpt-4":         {InputPerMTok: 10, OutputPerMTok: 30},
	"gemini-2.0":    {InputPerMTok: 0.1, OutputPerMTok: 0.4},
	"gemini":        {InputPerMTok: 1.25, OutputPerMTok: 10},

	// Bedrock model ids carry a vendor prefix.
	"anthropic.claude-3-haiku":  {InputPerMTok: 0.25, OutputPerMTok: 1.25},
	"anthropic.claude-3-5":      {InputPerMTok: 3, OutputPerMTok: 15},
	"anthropic.claude-sonnet-4": {InputPerMTok: 3, OutputPerMTok: 15},
}

// localModelPrefixes are self-hosted models that cost nothing per token.
var localModelPrefixes = []string{"llama", "mistral", "qwen", "phi", "gemma", "deepseek-r1"}

// GetModelPricing returns pricing for a model.
// Tries exact match, then prefix/family match (longest prefix wins), then default.
func GetModelPricing(model string) ModelPricing {
	// Exact match
	if p, ok := modelPricingTable[model]; ok {
		return p
	}

	// Family/prefix match (longest prefix wins)
	if prefix, p := longestPrefix(model, modelFamilyPricing); prefix != "" {
		return p
	}

	for _, prefix := range localModelPrefixes {
		if strings.HasPrefix(model, prefix) {
			return ModelPricing{}
		}
	}

	return defaultPricing
}

// longestPrefix returns the longest key of table that prefixes model.
func longestPrefix(model string, table map[string]ModelPricing) (string, ModelPricing) {
	bestPrefix := ""
	var bestPricing ModelPricing
	for prefix, p := range table {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
			bestPricing = p
		}
	}
	return bestPrefix, bestPricing
}

// CalculateCost computes the cost in USD from token counts.
func CalculateCost(inputTokens, outputTokens int, pricing ModelPricing) float64 {
	inputCost := float64(inputTokens) / 1_000_000 * pricing.InputPerMTok
	outputCost := float64(outputTokens) / 1_000_000 * pricing.OutputPerMTok
	return inputCost + outputCost
}

// CalculateUsageCost computes the cost of normalized usage. Cached tokens are
// part of InputTokens and are billed at the cached rate when one is set.
func CalculateUsageCost(u adapters.NormalizedUsage, pricing ModelPricing) float64 {
	cached := min(u.CachedTokens, u.InputTokens)
	cachedRate := pricing.CachedPerMTok
	if cachedRate == 0 {
		cachedRate = pricing.InputPerMTok
	}
	cost := CalculateCost(u.InputTokens-cached, u.OutputTokens, pricing)
	return cost + float64(cached)/1_000_000*cachedRate
}

// =============================================================================
// PRICING TABLE WITH OVERRIDES
// =============================================================================

// Pricing resolves model prices, consulting configured overrides before the
// built-in table. Overrides match exactly or by longest prefix.
type Pricing struct {
	mu        sync.RWMutex
	overrides map[string]ModelPricing
}

// NewPricing creates a pricing table with optional overrides.
func NewPricing(overrides map[string]ModelPricing) *Pricing {
	p := &Pricing{overrides: make(map[string]ModelPricing, len(overrides))}
	for model, mp := range overrides {
		p.overrides[model] = mp
	}
	return p
}

// Set adds or replaces an override.
func (p *Pricing) Set(model string, mp ModelPricing) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrides[model] = mp
}

// Lookup returns the pricing for a model. An exact override wins; otherwise
// the longest matching prefix across overrides and the built-in families wins.
func (p *Pricing) Lookup(model string) ModelPricing {
	if p == nil {
		return GetModelPricing(model)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	if mp, ok := p.overrides[model]; ok {
		return mp
	}
	if mp, ok := modelPricingTable[model]; ok {
		return mp
	}
	overridePrefix, override := longestPrefix(model, p.overrides)
	builtinPrefix, _ := longestPrefix(model, modelFamilyPricing)
	if overridePrefix != "" && len(overridePrefix) >= len(builtinPrefix) {
		return override
	}
	return GetModelPricing(model)
}

// Cost returns the cost of usage for model, or nil when usage is unknown.
func (p *Pricing) Cost(model string, u *adapters.NormalizedUsage) *float64 {
	if u == nil {
		return nil
	}
	cost := CalculateUsageCost(*u, p.Lookup(model))
	return &cost
}
