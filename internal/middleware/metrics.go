package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/xzmcp/gateway/pkg/xiaozhi"
)

// MetricsRecorder is the subset of *obs.Metrics this middleware needs. It's
// defined here, consumer-side, so middleware doesn't import obs back —
// mirroring the teacher's own MetricsCollector split between middleware and
// the metrics backend it forwards to.
type MetricsRecorder interface {
	RecordToolCall(tool string, success bool, duration time.Duration)
}

// NewMetricsMiddleware wraps every call with a RecordToolCall observation,
// timing the call and classifying success as "err == nil".
func NewMetricsMiddleware(recorder MetricsRecorder) Middleware {
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, name string, args map[string]any) (xiaozhi.ToolCallResult, error) {
			start := time.Now()
			result, err := next(ctx, name, args)
			recorder.RecordToolCall(name, err == nil, time.Since(start))
			return result, err
		}
	}
}

// ToolMetrics captures basic per-tool execution counters, for callers that
// want in-memory observability without standing up the Prometheus registry
// (primarily tests).
type ToolMetrics struct {
	TotalRequests int
	SuccessCount  int
	ErrorCount    int
	LastDuration  time.Duration
}

// InMemoryMetricsRecorder implements MetricsRecorder without any external
// dependency, for tests and for running the middleware chain standalone.
type InMemoryMetricsRecorder struct {
	mu      sync.RWMutex
	metrics map[string]*ToolMetrics
}

// NewInMemoryMetricsRecorder creates a new in-memory recorder.
func NewInMemoryMetricsRecorder() *InMemoryMetricsRecorder {
	return &InMemoryMetricsRecorder{metrics: make(map[string]*ToolMetrics)}
}

func (m *InMemoryMetricsRecorder) RecordToolCall(tool string, success bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm, ok := m.metrics[tool]
	if !ok {
		tm = &ToolMetrics{}
		m.metrics[tool] = tm
	}
	tm.TotalRequests++
	tm.LastDuration = duration
	if success {
		tm.SuccessCount++
	} else {
		tm.ErrorCount++
	}
}

// Get returns a copy of the recorded metrics for tool, or the zero value if
// nothing has been recorded yet.
func (m *InMemoryMetricsRecorder) Get(tool string) ToolMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tm, ok := m.metrics[tool]; ok {
		return *tm
	}
	return ToolMetrics{}
}
