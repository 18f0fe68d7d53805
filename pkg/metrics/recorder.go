// Package metrics instruments the orchestration loop with Prometheus
// counters/histograms and answers observability queries against them.
//
// Grounded on the teacher's pkg/agent/middleware/metrics/prometheus.go
// (PrometheusRecorder: promauto.NewCounterVec/NewHistogramVec built once
// in a constructor, one ObserveX method per event kind) for the
// instrumentation half, and pkg/metrics/query.go (QueryService wrapping
// prometheus/client_golang/api + api/prometheus/v1) for the query half.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder instruments cycle outcomes and LLM Gateway calls. It satisfies
// llmgateway.Recorder structurally (ObserveChat) so pkg/llmgateway never
// imports this package.
type Recorder struct {
	registry        *prometheus.Registry
	cyclesTotal     *prometheus.CounterVec
	decisionsTotal  *prometheus.CounterVec
	cycleDuration   *prometheus.HistogramVec
	chatTotal       *prometheus.CounterVec
	chatTokensTotal *prometheus.CounterVec
	chatCostTotal   *prometheus.CounterVec
	chatDuration    *prometheus.HistogramVec
}

// NewRecorder builds every metric against its own fresh registry rather
// than the global default, so that constructing more than one Recorder
// in the same process (every test file that wants one, plus cmd/stackd's
// single real instance) never panics on a duplicate collector
// registration. Registry exposes the result for mounting at /metrics.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		cyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stackforge_cycles_total",
				Help: "Total orchestrator cycles run, by stack and terminal status",
			},
			[]string{"stack_id", "status"},
		),
		decisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stackforge_decisions_total",
				Help: "Total cycle decisions, by stack and action (continue/pause/stop)",
			},
			[]string{"stack_id", "action"},
		),
		cycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stackforge_cycle_duration_seconds",
				Help:    "Duration of one orchestrator cycle",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stack_id"},
		),
		chatTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stackforge_llm_requests_total",
				Help: "Total LLM Gateway chat attempts, by provider and outcome",
			},
			[]string{"provider", "status"},
		),
		chatTokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stackforge_llm_tokens_total",
				Help: "Total tokens used in LLM Gateway chat calls",
			},
			[]string{"provider", "type"},
		),
		chatCostTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stackforge_llm_cost_usd_total",
				Help: "Estimated total cost in USD of LLM Gateway chat calls",
			},
			[]string{"provider"},
		),
		chatDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stackforge_llm_request_duration_seconds",
				Help:    "Duration of LLM Gateway chat attempts",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
	}
}

// Registry returns the registry this Recorder's metrics were registered
// against, for mounting at an HTTP /metrics endpoint via
// promhttp.HandlerFor(rec.Registry(), promhttp.HandlerOpts{}).
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveChat records one LLM Gateway provider attempt. Token counts come
// from pkg/tokencount's estimate, not the provider's own usage accounting
// (none of the four providers' ChatResponse carries one) — good enough for
// relative cost/usage tracking, never billing-accurate.
func (r *Recorder) ObserveChat(provider string, promptTokens, completionTokens int, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	r.chatTotal.WithLabelValues(provider, status).Inc()
	r.chatDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if !success {
		return
	}
	r.chatTokensTotal.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	r.chatTokensTotal.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	r.chatCostTotal.WithLabelValues(provider).Add(estimateCostUSD(provider, promptTokens, completionTokens))
}

// ObserveCycle records one orchestrator cycle's terminal status, decision,
// and wall-clock duration.
func (r *Recorder) ObserveCycle(stackID, status, action string, duration time.Duration) {
	r.cyclesTotal.WithLabelValues(stackID, status).Inc()
	r.decisionsTotal.WithLabelValues(stackID, action).Inc()
	r.cycleDuration.WithLabelValues(stackID).Observe(duration.Seconds())
}

// costPerMillionTokens mirrors the teacher's pkg/config ModelConfig.CPM
// table (cost per million tokens, USD), keyed by provider name rather
// than model name since llmgateway.ChatResponse only reports which
// provider answered, not which model. Figures are the same ballpark as
// the teacher's table; this is a rough relative-cost signal, not a
// billing reconciliation.
var costPerMillionTokens = map[string]float64{
	"anthropic": 3.0,
	"openai":    0.6,
	"groq":      0.6,
	"gemini":    0.6,
	"ollama":    0.0,
}

func estimateCostUSD(provider string, promptTokens, completionTokens int) float64 {
	cpm, ok := costPerMillionTokens[provider]
	if !ok {
		return 0
	}
	return float64(promptTokens+completionTokens) / 1_000_000 * cpm
}
