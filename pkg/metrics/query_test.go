package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newFakePrometheusServer answers every /api/v1/query request with a
// single instant vector sample carrying value, mimicking the shape
// api/prometheus/v1.API.Query expects back.
func newFakePrometheusServer(t *testing.T, value float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		body := fmt.Sprintf(`{
			"status": "success",
			"data": {
				"resultType": "vector",
				"result": [
					{"metric": {}, "value": [%d, "%g"]}
				]
			}
		}`, time.Now().Unix(), value)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetStackMetricsAggregatesFields(t *testing.T) {
	srv := newFakePrometheusServer(t, 42)
	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	got, err := q.GetStackMetrics(context.Background(), "stack-1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, "stack-1", got.StackID)
	require.Equal(t, int64(42), got.CyclesTotal)
	require.Equal(t, int64(42), got.FailuresTotal)
	require.Equal(t, int64(42), got.PromptTokens)
	require.Equal(t, int64(42), got.CompletionTokens)
	require.Equal(t, int64(84), got.TotalTokens)
	require.Equal(t, float64(42), got.TotalCostUSD)
}

func TestGetStackMetricsPropagatesQueryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	_, err = q.GetStackMetrics(context.Background(), "stack-1", time.Now().Add(-time.Hour))
	require.Error(t, err)
}

func TestFormatRangeFloorsToOneSecond(t *testing.T) {
	require.Equal(t, "1s", formatRange(0))
	require.Equal(t, "3600s", formatRange(time.Hour))
}
