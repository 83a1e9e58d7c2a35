package monitoring

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusEmitter exports metric records as Prometheus series.
type PrometheusEmitter struct {
	callsTotal    *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	tokensTotal   *prometheus.CounterVec
	costTotal     *prometheus.CounterVec
	throttledTime *prometheus.CounterVec
	toolCalls     *prometheus.CounterVec
}

// NewPrometheusEmitter registers the series on reg under namespace.
func NewPrometheusEmitter(namespace string, reg prometheus.Registerer) *PrometheusEmitter {
	factory := promauto.With(reg)

	return &PrometheusEmitter{
		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_calls_total",
				Help:      "Total number of intercepted LLM calls",
			},
			[]string{"provider", "model", "outcome", "stream"},
		),
		callDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_call_duration_seconds",
				Help:      "LLM call latency in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_total",
				Help:      "Total number of tokens reported by providers",
			},
			[]string{"provider", "model", "type"},
		),
		costTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_cost_usd_total",
				Help:      "Total LLM cost in USD",
			},
			[]string{"provider", "model", "context_id"},
		),
		throttledTime: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_throttled_seconds_total",
				Help:      "Time spent waiting on throttle decisions",
			},
			[]string{"provider"},
		),
		toolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tool_calls_total",
				Help:      "Tool calls announced by models",
			},
			[]string{"provider", "tool"},
		),
	}
}

// Emit updates the series for one record.
func (p *PrometheusEmitter) Emit(_ context.Context, r *MetricRecord) error {
	provider := r.Provider.String()
	stream := "false"
	if r.Stream {
		stream = "true"
	}

	p.callsTotal.WithLabelValues(provider, r.Model, string(r.Outcome), stream).Inc()
	if r.Outcome != OutcomeBlocked && r.Outcome != OutcomeCancelled {
		p.callDuration.WithLabelValues(provider, r.Model).Observe(float64(r.LatencyMs) / 1000)
	}
	if r.Usage != nil {
		p.tokensTotal.WithLabelValues(provider, r.Model, "input").Add(float64(r.Usage.InputTokens))
		p.tokensTotal.WithLabelValues(provider, r.Model, "output").Add(float64(r.Usage.OutputTokens))
		p.tokensTotal.WithLabelValues(provider, r.Model, "cached").Add(float64(r.Usage.CachedTokens))
		p.tokensTotal.WithLabelValues(provider, r.Model, "reasoning").Add(float64(r.Usage.ReasoningTokens))
	}
	if r.CostUSD != nil {
		p.costTotal.WithLabelValues(provider, r.Model, r.ContextID).Add(*r.CostUSD)
	}
	if r.ThrottledMs > 0 {
		p.throttledTime.WithLabelValues(provider).Add(float64(r.ThrottledMs) / 1000)
	}
	for _, tc := range r.ToolCalls {
		p.toolCalls.WithLabelValues(provider, tc.Name).Inc()
	}
	return nil
}
