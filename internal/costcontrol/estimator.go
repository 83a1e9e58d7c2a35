package costcontrol

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
)

// TokenEstimateRatio is the chars-per-token ratio used when no BPE encoding
// can be loaded.
const TokenEstimateRatio = 4

// DefaultExpectedOutputTokens is assumed when a request sets no output cap.
const DefaultExpectedOutputTokens = 512

// Estimator predicts the cost of a call before it is dispatched.
// Token counts come from tiktoken; models without a known encoding use
// cl100k_base. Encodings load lazily and once.
type Estimator struct {
	pricing *Pricing

	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
	failed    map[string]bool
}

// NewEstimator creates an estimator over a pricing table (nil = built-in).
func NewEstimator(pricing *Pricing) *Estimator {
	return &Estimator{
		pricing:   pricing,
		encodings: make(map[string]*tiktoken.Tiktoken),
		failed:    make(map[string]bool),
	}
}

// encodingFor picks the BPE encoding name for a model.
func encodingFor(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tiktoken.MODEL_O200K_BASE
	default:
		return tiktoken.MODEL_CL100K_BASE
	}
}

func (e *Estimator) encoding(name string) *tiktoken.Tiktoken {
	e.mu.Lock()
	defer e.mu.Unlock()

	if enc, ok := e.encodings[name]; ok {
		return enc
	}
	if e.failed[name] {
		return nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		log.Debug().Err(err).Str("encoding", name).Msg("costcontrol: tiktoken unavailable, using char estimate")
		e.failed[name] = true
		return nil
	}
	e.encodings[name] = enc
	return enc
}

// CountTokens returns the token count of text for model.
func (e *Estimator) CountTokens(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := e.encoding(encodingFor(model)); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + TokenEstimateRatio - 1) / TokenEstimateRatio
}

// EstimateCost predicts the cost of sending prompt to model and receiving up
// to maxOutputTokens (DefaultExpectedOutputTokens when 0).
func (e *Estimator) EstimateCost(model, prompt string, maxOutputTokens int) float64 {
	if maxOutputTokens <= 0 {
		maxOutputTokens = DefaultExpectedOutputTokens
	}
	return CalculateCost(e.CountTokens(model, prompt), maxOutputTokens, e.pricing.Lookup(model))
}
