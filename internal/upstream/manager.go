package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xzmcp/gateway/internal/config"
	"github.com/xzmcp/gateway/internal/eventbus"
	"github.com/xzmcp/gateway/internal/mcphandler"
)

// placeholderSentinel marks an endpoint the operator hasn't filled in yet
// (the legacy config ships a template value here); such entries are
// filtered out rather than dialed.
const placeholderSentinel = "<请填写"

// LoadBalanceStrategy selects one healthy connection from the pool.
type LoadBalanceStrategy string

const (
	StrategyRoundRobin    LoadBalanceStrategy = "round-robin"
	StrategyRandom        LoadBalanceStrategy = "random"
	StrategyLeastInflight LoadBalanceStrategy = "least-inflight"
)

// ErrNoHealthyConnection is returned by SelectBestConnection when no
// endpoint is currently Connected.
var ErrNoHealthyConnection = fmt.Errorf("no healthy upstream connection")

// ConnectionStatus is one connection's externally-reported status (spec §4.10).
type ConnectionStatus struct {
	Endpoint         string    `json:"endpoint"`
	State            string    `json:"state"`
	ReconnectAttempt int       `json:"reconnectAttempt"`
	LastHealthyAt    time.Time `json:"lastHealthyAt"`
}

// Stats is the manager-wide aggregate status (spec §4.10).
type Stats struct {
	Healthy  int                `json:"healthy"`
	Total    int                `json:"total"`
	Strategy string             `json:"loadBalanceStrategy"`
	Statuses []ConnectionStatus `json:"connections"`
}

// Manager owns a pool of Connections, one per configured endpoint, and
// drives health checking, load-balanced selection, and reconnection.
type Manager struct {
	handler *mcphandler.Handler
	cfg     config.ConnectionConfig
	bus     *eventbus.Bus
	logger  *slog.Logger

	mu          sync.RWMutex
	connections map[string]*Connection

	rrCounter atomic.Uint64

	cancel context.CancelFunc
}

// New builds an empty Manager. Call Initialize before Connect.
func New(handler *mcphandler.Handler, cfg config.ConnectionConfig, bus *eventbus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		handler:     handler,
		cfg:         cfg,
		bus:         bus,
		logger:      logger,
		connections: make(map[string]*Connection),
	}
}

// Initialize validates endpoints, drops placeholder/duplicate entries, and
// creates one idle Connection per surviving endpoint.
func (m *Manager) Initialize(endpoints []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" || strings.Contains(ep, placeholderSentinel) || seen[ep] {
			continue
		}
		seen[ep] = true
		m.connections[ep] = NewConnection(ep, m.handler, m.cfg, m.bus, m.logger)
	}
}

// Connect dials every configured connection in parallel. Per spec, one
// endpoint's failure never blocks the others — each connection result is
// tracked independently and a failed dial immediately schedules a
// reconnect, mirroring internal/backend's StartAllServices fan-out.
func (m *Manager) Connect(ctx context.Context) map[string]error {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	results := make(map[string]error, len(conns))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			err := c.Connect(ctx)
			mu.Lock()
			results[c.Endpoint()] = err
			mu.Unlock()
			if err != nil {
				m.scheduleReconnect(c)
			}
		}(c)
	}
	wg.Wait()
	return results
}

// SelectBestConnection applies the configured load-balance strategy over
// the currently Connected pool.
func (m *Manager) SelectBestConnection() (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var healthy []*Connection
	for _, c := range m.connections {
		if c.State() == StateConnected {
			healthy = append(healthy, c)
		}
	}
	if len(healthy) == 0 {
		return nil, ErrNoHealthyConnection
	}
	sort.Slice(healthy, func(i, j int) bool { return healthy[i].Endpoint() < healthy[j].Endpoint() })

	switch LoadBalanceStrategy(m.cfg.LoadBalanceStrategy) {
	case StrategyRandom:
		return healthy[rand.Intn(len(healthy))], nil
	case StrategyLeastInflight:
		best := healthy[0]
		for _, c := range healthy[1:] {
			if c.InflightCount() < best.InflightCount() {
				best = c
			}
		}
		return best, nil
	default: // round-robin
		idx := m.rrCounter.Add(1) - 1
		return healthy[idx%uint64(len(healthy))], nil
	}
}

// Status returns per-connection and aggregate status (spec §4.10).
func (m *Manager) Status() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{Strategy: m.cfg.LoadBalanceStrategy, Total: len(m.connections)}
	names := make([]string, 0, len(m.connections))
	for ep := range m.connections {
		names = append(names, ep)
	}
	sort.Strings(names)

	for _, ep := range names {
		c := m.connections[ep]
		if c.State() == StateConnected {
			stats.Healthy++
		}
		stats.Statuses = append(stats.Statuses, ConnectionStatus{
			Endpoint:         ep,
			State:            string(c.State()),
			ReconnectAttempt: c.ReconnectAttempt(),
			LastHealthyAt:    c.LastHealthyAt(),
		})
	}
	return stats
}

// StartHealthCheckLoop runs the periodic ping sweep until ctx is cancelled.
func (m *Manager) StartHealthCheckLoop(ctx context.Context) {
	interval := m.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runHealthCheckSweep(ctx)
		}
	}
}

func (m *Manager) runHealthCheckSweep(ctx context.Context) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		if c.State() == StateConnected || c.State() == StateUnhealthy {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		go m.healthCheckOne(ctx, c)
	}
}

func (m *Manager) healthCheckOne(ctx context.Context, c *Connection) {
	err := c.Ping(ctx)
	failures := c.RecordHealthCheckResult(err == nil)
	if err == nil {
		if c.State() == StateUnhealthy {
			c.setState(StateConnected)
		}
		return
	}
	m.logger.Warn("upstream health check failed", "endpoint", c.Endpoint(), "consecutive_failures", failures, "err", err)
	if failures >= 2 {
		c.setState(StateUnhealthy)
		_ = c.Close("health check failed twice")
		m.scheduleReconnect(c)
	}
}

// scheduleReconnect drives one connection's reconnect attempts with
// jittered exponential backoff, up to MaxReconnectAttempts. Reaching the
// cap leaves the connection in Failed until Resume is called.
func (m *Manager) scheduleReconnect(c *Connection) {
	maxAttempts := m.cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	c.resetBackoff()

	go func() {
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			delay, err := c.nextBackoffDelay()
			if err != nil {
				break
			}
			c.setState(StateReconnecting)
			c.mu.Lock()
			c.reconnectAttempt = attempt
			c.mu.Unlock()

			timer := time.NewTimer(delay)
			<-timer.C

			if connErr := c.Connect(context.Background()); connErr == nil {
				m.logger.Info("upstream reconnected", "endpoint", c.Endpoint(), "attempt", attempt)
				return
			}
			m.logger.Warn("upstream reconnect attempt failed", "endpoint", c.Endpoint(), "attempt", attempt)
		}
		c.setState(StateFailed)
		m.logger.Error("upstream reconnect attempts exhausted", "endpoint", c.Endpoint(), "maxAttempts", maxAttempts)
	}()
}

// Resume manually restarts the reconnect loop for an endpoint stuck in
// Failed after exhausting its attempts.
func (m *Manager) Resume(endpoint string) error {
	m.mu.RLock()
	c, ok := m.connections[endpoint]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown upstream endpoint %q", endpoint)
	}
	if c.State() != StateFailed {
		return fmt.Errorf("endpoint %q is not in a failed state", endpoint)
	}
	m.scheduleReconnect(c)
	return nil
}

// Shutdown closes every connection in parallel and waits up to 2s for them
// to finish; connections still closing after that finish in the background.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	graceCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, c := range conns {
			wg.Add(1)
			go func(c *Connection) {
				defer wg.Done()
				_ = c.Close("shutdown")
			}(c)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-graceCtx.Done():
		m.logger.Warn("upstream shutdown grace window exceeded, some connections still closing")
	}
}
