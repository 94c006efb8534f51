package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatherFamily returns the named metric family from the private
// registry, or nil when no samples exist yet.
func gatherFamily(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func labelValue(metric *dto.Metric, name string) string {
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestMetrics_RecordRequest(t *testing.T) {
	m := NewMetrics("testns")

	m.RecordRequest("llama-3-8b", "basic", OutcomeCompleted, 250*time.Millisecond)
	m.RecordRequest("llama-3-8b", "basic", OutcomeCompleted, 300*time.Millisecond)
	m.RecordRequest("llama-3-8b", "basic", OutcomeRateLimited, time.Millisecond)

	mf := gatherFamily(t, m, "testns_requests_total")
	require.NotNil(t, mf)
	require.Len(t, mf.GetMetric(), 2)

	byOutcome := make(map[string]float64)
	for _, metric := range mf.GetMetric() {
		byOutcome[labelValue(metric, "outcome")] = metric.GetCounter().GetValue()
	}
	assert.Equal(t, 2.0, byOutcome[OutcomeCompleted])
	assert.Equal(t, 1.0, byOutcome[OutcomeRateLimited])

	hist := gatherFamily(t, m, "testns_request_duration_seconds")
	require.NotNil(t, hist)
	var completed *dto.Metric
	for _, metric := range hist.GetMetric() {
		if labelValue(metric, "outcome") == OutcomeCompleted {
			completed = metric
		}
	}
	require.NotNil(t, completed)
	assert.EqualValues(t, 2, completed.GetHistogram().GetSampleCount())
	assert.InDelta(t, 0.55, completed.GetHistogram().GetSampleSum(), 1e-9)
}

func TestMetrics_BackendGauges(t *testing.T) {
	m := NewMetrics("testns")

	m.SetBackendInFlight("vllm-1", 7)
	m.SetBackendHealth("vllm-1", 1)
	m.SetCircuitState("vllm-1", 2)

	mf := gatherFamily(t, m, "testns_backend_in_flight")
	require.NotNil(t, mf)
	assert.Equal(t, 7.0, mf.GetMetric()[0].GetGauge().GetValue())

	mf = gatherFamily(t, m, "testns_backend_health_state")
	require.NotNil(t, mf)
	assert.Equal(t, 1.0, mf.GetMetric()[0].GetGauge().GetValue())

	mf = gatherFamily(t, m, "testns_circuit_breaker_state")
	require.NotNil(t, mf)
	assert.Equal(t, 2.0, mf.GetMetric()[0].GetGauge().GetValue())
}

func TestMetrics_CountersByLabel(t *testing.T) {
	m := NewMetrics("testns")

	m.RecordRateLimit("basic", true)
	m.RecordRateLimit("basic", true)
	m.RecordRateLimit("basic", false)
	m.RecordCache("hit")
	m.RecordCache("miss")
	m.RecordStreamChunk("vllm-1")
	m.RecordRetry("llama-3-8b")
	m.RecordProbe("vllm-1", true)

	mf := gatherFamily(t, m, "testns_rate_limit_decisions_total")
	require.NotNil(t, mf)
	byDecision := make(map[string]float64)
	for _, metric := range mf.GetMetric() {
		byDecision[labelValue(metric, "decision")] = metric.GetCounter().GetValue()
	}
	assert.Equal(t, 2.0, byDecision["allowed"])
	assert.Equal(t, 1.0, byDecision["rejected"])

	mf = gatherFamily(t, m, "testns_cache_requests_total")
	require.NotNil(t, mf)
	assert.Len(t, mf.GetMetric(), 2)

	mf = gatherFamily(t, m, "testns_stream_chunks_total")
	require.NotNil(t, mf)
	assert.Equal(t, 1.0, mf.GetMetric()[0].GetCounter().GetValue())
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("testns")
	m.SetBuildInfo("1.2.3", "abc123", "2026-01-01")
	m.RecordRequest("llama-3-8b", "basic", OutcomeCompleted, time.Second)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	buf := make([]byte, 1<<16)
	n, _ := resp.Body.Read(buf)
	body := string(buf[:n])
	assert.Contains(t, body, "testns_requests_total")
	assert.Contains(t, body, `version="1.2.3"`)
}

func TestMetrics_DefaultNamespace(t *testing.T) {
	m := NewMetrics("")
	m.RecordRequest("m", "t", OutcomeCompleted, time.Millisecond)

	mf := gatherFamily(t, m, "gateway_requests_total")
	assert.NotNil(t, mf)
}
