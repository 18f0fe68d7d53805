package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// StackMetrics is the aggregated, time-windowed view of one stack's
// orchestration activity, answering the observability RPC's
// getOrchestrationStats(stackId, timeRangeMs) shape from a Prometheus
// backend instead of the raw OrchestratorExecution rows Store answers it
// from today.
type StackMetrics struct {
	StackID          string  `json:"stackId"`
	CyclesTotal      int64   `json:"cyclesTotal"`
	FailuresTotal    int64   `json:"failuresTotal"`
	PromptTokens     int64   `json:"promptTokens"`
	CompletionTokens int64   `json:"completionTokens"`
	TotalTokens      int64   `json:"totalTokens"`
	TotalCostUSD     float64 `json:"totalCostUsd"`
}

// QueryService answers StackMetrics queries against a running Prometheus
// server scraping this process's /metrics endpoint. Grounded on the
// teacher's pkg/metrics/query.go QueryService (api.NewClient +
// v1.NewAPI, one instant query per field), adapted from per-story to
// per-stack metric labels and from cumulative totals to a time-windowed
// increase().
type QueryService struct {
	queryAPI v1.API
}

// NewQueryService dials the Prometheus HTTP API at prometheusURL. It does
// not itself scrape or store anything; Recorder's counters are only
// visible here once Prometheus has scraped this process at least once.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("new query service: %w", err)
	}
	return &QueryService{queryAPI: v1.NewAPI(client)}, nil
}

// GetStackMetrics sums every relevant counter's increase over
// [since, now] for one stack. Token and cost counters carry no
// stack_id label (the Gateway answers prompts for a stack without
// knowing which one initiated the call further up the stack), so those
// two fields are process-wide rather than stack-scoped — documented on
// the struct fields via the RPC's JSON shape, not hidden from callers.
func (q *QueryService) GetStackMetrics(ctx context.Context, stackID string, since time.Time) (*StackMetrics, error) {
	m := &StackMetrics{StackID: stackID}
	rangeSel := formatRange(time.Since(since))

	cycles, err := q.sumIncrease(ctx, fmt.Sprintf(`stackforge_cycles_total{stack_id=%q}`, stackID), rangeSel)
	if err != nil {
		return nil, fmt.Errorf("get stack metrics: cycles: %w", err)
	}
	m.CyclesTotal = cycles

	failures, err := q.sumIncrease(ctx, fmt.Sprintf(`stackforge_cycles_total{stack_id=%q, status="failed"}`, stackID), rangeSel)
	if err != nil {
		return nil, fmt.Errorf("get stack metrics: failures: %w", err)
	}
	m.FailuresTotal = failures

	prompt, err := q.sumIncrease(ctx, `stackforge_llm_tokens_total{type="prompt"}`, rangeSel)
	if err != nil {
		return nil, fmt.Errorf("get stack metrics: prompt tokens: %w", err)
	}
	m.PromptTokens = prompt

	completion, err := q.sumIncrease(ctx, `stackforge_llm_tokens_total{type="completion"}`, rangeSel)
	if err != nil {
		return nil, fmt.Errorf("get stack metrics: completion tokens: %w", err)
	}
	m.CompletionTokens = completion
	m.TotalTokens = m.PromptTokens + m.CompletionTokens

	cost, err := q.sumInstant(ctx, `sum(stackforge_llm_cost_usd_total)`)
	if err != nil {
		return nil, fmt.Errorf("get stack metrics: cost: %w", err)
	}
	m.TotalCostUSD = cost

	return m, nil
}

// sumIncrease evaluates sum(increase(query[range])) as an instant query.
func (q *QueryService) sumIncrease(ctx context.Context, query, rangeSel string) (int64, error) {
	v, err := q.sumInstant(ctx, fmt.Sprintf("sum(increase(%s[%s]))", query, rangeSel))
	return int64(v), err
}

func (q *QueryService) sumInstant(ctx context.Context, expr string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, expr, time.Now())
	if err != nil {
		return 0, err
	}
	vector, ok := result.(model.Vector)
	if !ok || len(vector) == 0 {
		return 0, nil
	}
	return float64(vector[0].Value), nil
}

// formatRange renders a Go Duration as a PromQL range selector in whole
// seconds ("5400s"), the one unit guaranteed to parse regardless of
// magnitude.
func formatRange(d time.Duration) string {
	secs := int64(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%ds", secs)
}
