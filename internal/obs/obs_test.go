package obs

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordToolCallIncrementsCounterAndObservesDuration(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	m.RecordToolCall("calc_add", true, 10*time.Millisecond)
	m.RecordToolCall("calc_add", false, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "xzgateway_tool_calls_total")
	require.Contains(t, body, `tool="calc_add"`)
}

func TestSetUpstreamHealthyUpdatesGauge(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	m.SetUpstreamHealthy(3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Contains(t, rec.Body.String(), "xzgateway_upstream_healthy_connections 3")
}

func TestRecordRateLimitRejectionIncrementsCounter(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	m.RecordRateLimitRejection("calc_add")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Contains(t, rec.Body.String(), "xzgateway_rate_limit_rejections_total")
}

func TestNewLoggerProducesNonNilLogger(t *testing.T) {
	logger := NewLogger(0)
	require.NotNil(t, logger)
}
