package monitoring

import (
	"sort"
)

// ModelSummary aggregates records for one provider/model pair.
type ModelSummary struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Calls        int     `json:"calls"`
	Failures     int     `json:"failures"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`

	latencyTotal int64
}

// Summary aggregates a set of records.
type Summary struct {
	Records  int                `json:"records"`
	Traces   int                `json:"traces"`
	CostUSD  float64            `json:"cost_usd"`
	Outcomes map[Outcome]int    `json:"outcomes"`
	Contexts map[string]float64 `json:"contexts"` // context id -> cost
	Models   []*ModelSummary    `json:"models"`   // most expensive first
}

// Summarize aggregates records per model, outcome and context.
func Summarize(records []*MetricRecord) Summary {
	s := Summary{
		Outcomes: make(map[Outcome]int),
		Contexts: make(map[string]float64),
	}
	traces := make(map[string]struct{})
	models := make(map[string]*ModelSummary)

	for _, r := range records {
		s.Records++
		s.Outcomes[r.Outcome]++
		traces[r.TraceID] = struct{}{}
		cost := r.Cost()
		s.CostUSD += cost
		s.Contexts[r.ContextID] += cost

		key := r.Provider.String() + "/" + r.Model
		m, ok := models[key]
		if !ok {
			m = &ModelSummary{Provider: r.Provider.String(), Model: r.Model}
			models[key] = m
		}
		m.Calls++
		if r.Outcome.IsFailure() {
			m.Failures++
		}
		if r.Usage != nil {
			m.InputTokens += int64(r.Usage.InputTokens)
			m.OutputTokens += int64(r.Usage.OutputTokens)
		}
		m.CostUSD += cost
		m.latencyTotal += r.LatencyMs
	}
	s.Traces = len(traces)

	for _, m := range models {
		m.AvgLatencyMs = float64(m.latencyTotal) / float64(m.Calls)
		s.Models = append(s.Models, m)
	}
	sort.Slice(s.Models, func(i, j int) bool {
		if s.Models[i].CostUSD != s.Models[j].CostUSD {
			return s.Models[i].CostUSD > s.Models[j].CostUSD
		}
		return s.Models[i].Provider+s.Models[i].Model < s.Models[j].Provider+s.Models[j].Model
	})
	return s
}
