package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xzmcp/gateway/pkg/xiaozhi"
)

func TestMetricsMiddlewareRecordsSuccessAndFailure(t *testing.T) {
	recorder := NewInMemoryMetricsRecorder()
	mw := NewMetricsMiddleware(recorder)

	ok := mw(noopCallFunc)
	_, err := ok(context.Background(), "tool_a", nil)
	require.NoError(t, err)

	failing := mw(func(ctx context.Context, name string, args map[string]any) (xiaozhi.ToolCallResult, error) {
		return xiaozhi.ToolCallResult{}, errors.New("boom")
	})
	_, err = failing(context.Background(), "tool_a", nil)
	require.Error(t, err)

	got := recorder.Get("tool_a")
	require.Equal(t, 2, got.TotalRequests)
	require.Equal(t, 1, got.SuccessCount)
	require.Equal(t, 1, got.ErrorCount)
}

func TestInMemoryMetricsRecorderReturnsZeroValueForUnknownTool(t *testing.T) {
	recorder := NewInMemoryMetricsRecorder()
	require.Equal(t, ToolMetrics{}, recorder.Get("never_called"))
}
