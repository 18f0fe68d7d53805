package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveChatRecordsTokensAndCost(t *testing.T) {
	r := NewRecorder()

	r.ObserveChat("anthropic", 100, 50, 20*time.Millisecond, true)

	require.Equal(t, float64(1), testutil.ToFloat64(r.chatTotal.WithLabelValues("anthropic", "success")))
	require.Equal(t, float64(100), testutil.ToFloat64(r.chatTokensTotal.WithLabelValues("anthropic", "prompt")))
	require.Equal(t, float64(50), testutil.ToFloat64(r.chatTokensTotal.WithLabelValues("anthropic", "completion")))
	require.InDelta(t, 0.00045, testutil.ToFloat64(r.chatCostTotal.WithLabelValues("anthropic")), 1e-9)
}

func TestObserveChatFailureSkipsTokensAndCost(t *testing.T) {
	r := NewRecorder()

	r.ObserveChat("openai", 100, 50, 5*time.Millisecond, false)

	require.Equal(t, float64(1), testutil.ToFloat64(r.chatTotal.WithLabelValues("openai", "error")))
	require.Equal(t, float64(0), testutil.ToFloat64(r.chatTokensTotal.WithLabelValues("openai", "prompt")))
}

func TestObserveCycleRecordsStatusAndAction(t *testing.T) {
	r := NewRecorder()

	r.ObserveCycle("stack-1", "completed", "continue", 10*time.Millisecond)

	require.Equal(t, float64(1), testutil.ToFloat64(r.cyclesTotal.WithLabelValues("stack-1", "completed")))
	require.Equal(t, float64(1), testutil.ToFloat64(r.decisionsTotal.WithLabelValues("stack-1", "continue")))
}

func TestEstimateCostUSDUnknownProviderIsZero(t *testing.T) {
	require.Equal(t, float64(0), estimateCostUSD("unknown", 1_000_000, 0))
}

func TestEstimateCostUSDOllamaIsFree(t *testing.T) {
	require.Equal(t, float64(0), estimateCostUSD("ollama", 1_000_000, 1_000_000))
}
