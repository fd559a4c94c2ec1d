// Package upstream implements the outbound fan-out half of the gateway: one
// long-lived WebSocket per configured xiaozhi endpoint (C9), and a pool
// manager that load-balances, health-checks, and reconnects them (C10).
// Unlike a typical WebSocket client, the peer is the requester here: the
// xiaozhi endpoint sends JSON-RPC requests over the socket and this
// aggregator answers them through the shared mcphandler.Handler — the
// Connection only originates requests itself for its own heartbeat/health
// check traffic.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/xzmcp/gateway/internal/config"
	"github.com/xzmcp/gateway/internal/eventbus"
	"github.com/xzmcp/gateway/internal/jsonrpc"
	"github.com/xzmcp/gateway/internal/mcphandler"
)

// State is one Connection's lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateUnhealthy    State = "unhealthy"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// envelope is used to sniff an incoming frame's shape: a "method" key marks
// a request/notification from the peer; its absence with an "id" marks a
// response to one of our own outbound requests (ping/health-check).
type envelope struct {
	Method string `json:"method"`
	ID     json.RawMessage `json:"id"`
}

// waiter is a pending outbound request's response slot.
type waiter chan *jsonrpc.Response

// Connection is one WebSocket to one xiaozhi endpoint.
type Connection struct {
	endpoint string
	handler  *mcphandler.Handler
	cfg      config.ConnectionConfig
	bus      *eventbus.Bus
	logger   *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            State
	lastHealthyAt    time.Time
	reconnectAttempt int
	healthFailures   int
	cancel           context.CancelFunc
	closed           bool

	nextID   atomic.Int64
	inflight sync.Map // id string -> waiter

	backoff backoff.BackOff
}

// NewConnection builds an idle Connection for endpoint. Connect must be
// called to dial.
func NewConnection(endpoint string, handler *mcphandler.Handler, cfg config.ConnectionConfig, bus *eventbus.Bus, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		endpoint: endpoint,
		handler:  handler,
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
		state:    StateIdle,
	}
}

// Endpoint returns the configured endpoint URL.
func (c *Connection) Endpoint() string { return c.endpoint }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastHealthyAt returns the last time this connection was confirmed healthy.
func (c *Connection) LastHealthyAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHealthyAt
}

// ReconnectAttempt returns the current consecutive-failure reconnect counter.
func (c *Connection) ReconnectAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempt
}

// InflightCount returns the number of outbound requests awaiting a reply,
// used by the least-inflight load-balance strategy.
func (c *Connection) InflightCount() int {
	n := 0
	c.inflight.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	if s == StateConnected {
		c.lastHealthyAt = time.Now()
		c.reconnectAttempt = 0
		c.healthFailures = 0
	}
	c.mu.Unlock()
	c.publish(s, nil)
}

func (c *Connection) publish(s State, err error) {
	if c.bus == nil {
		return
	}
	payload := eventbus.EndpointStatusChanged{Endpoint: c.endpoint, State: string(s), At: time.Now().UnixMilli()}
	c.bus.Publish(eventbus.TopicEndpointStatusChanged, payload)
	if err != nil {
		c.logger.Warn("upstream endpoint status change", "endpoint", c.endpoint, "state", s, "err", err)
	}
}

// Connect dials the endpoint and starts the read and heartbeat loops. It
// blocks until the handshake (the dial itself; xiaozhi has no separate
// initialize handshake on this side, we are the server) completes or fails.
func (c *Connection) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	dialCtx := ctx
	if c.cfg.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
		defer cancel()
	}

	ws, _, err := websocket.Dial(dialCtx, c.endpoint, nil)
	if err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("dial upstream %q: %w", c.endpoint, err)
	}
	ws.SetReadLimit(32 << 20)

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = ws
	c.cancel = cancel
	c.closed = false
	c.mu.Unlock()

	c.setState(StateConnected)

	go c.readLoop(runCtx)
	go c.heartbeatLoop(runCtx)
	return nil
}

// readLoop reads frames until the socket closes or runCtx is cancelled.
// Incoming requests/notifications are dispatched through the shared
// mcphandler; incoming responses are delivered to their SendRequest waiter.
func (c *Connection) readLoop(runCtx context.Context) {
	for {
		_, data, err := c.conn.Read(runCtx)
		if err != nil {
			c.onReadError(err)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("upstream frame decode failed", "endpoint", c.endpoint, "err", err)
			continue
		}

		if env.Method != "" {
			c.handleIncomingRequest(runCtx, data)
			continue
		}
		c.handleIncomingResponse(data)
	}
}

func (c *Connection) handleIncomingRequest(ctx context.Context, data []byte) {
	var req jsonrpc.Request
	if err := json.Unmarshal(data, &req); err != nil {
		c.logger.Warn("upstream request decode failed", "endpoint", c.endpoint, "err", err)
		return
	}
	resp := c.handler.Handle(ctx, &req)
	if resp == nil {
		return // notification, no reply
	}
	b, err := json.Marshal(resp)
	if err != nil {
		c.logger.Warn("upstream response encode failed", "endpoint", c.endpoint, "err", err)
		return
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		c.logger.Warn("upstream response write failed", "endpoint", c.endpoint, "err", err)
	}
}

func (c *Connection) handleIncomingResponse(data []byte) {
	var resp jsonrpc.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return
	}
	key := resp.ID.String()
	if w, ok := c.inflight.LoadAndDelete(key); ok {
		w.(waiter) <- &resp
	}
}

func (c *Connection) onReadError(err error) {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.mu.Unlock()
	if alreadyClosed {
		return
	}
	c.setState(StateFailed)
	c.drainInflight(err)
}

// SendRequest issues a request this Connection originates (ping, health
// check) and waits for the correlated response or ctx/timeout.
func (c *Connection) SendRequest(ctx context.Context, method string, params any, timeout time.Duration) (*jsonrpc.Response, error) {
	c.mu.Lock()
	ws := c.conn
	c.mu.Unlock()
	if ws == nil {
		return nil, fmt.Errorf("upstream %q: not connected", c.endpoint)
	}

	id := jsonrpc.NewIntID(c.nextID.Add(1))
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	w := make(waiter, 1)
	c.inflight.Store(id.String(), w)
	defer c.inflight.Delete(id.String())

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := ws.Write(ctx, websocket.MessageText, b); err != nil {
		return nil, fmt.Errorf("upstream %q: write request: %w", c.endpoint, err)
	}

	select {
	case resp := <-w:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping performs the application-level health check: a JSON-RPC "ping"
// request correlated through the inflight map, distinct from the
// transport-level keep-alive heartbeatLoop sends.
func (c *Connection) Ping(ctx context.Context) error {
	timeout := c.cfg.ConnectionTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	resp, err := c.SendRequest(ctx, "ping", map[string]any{}, timeout)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// RecordHealthCheckResult updates the consecutive-failure counter used by
// the Manager's health-check loop to decide when to mark this connection
// unhealthy. It returns the resulting consecutive-failure count.
func (c *Connection) RecordHealthCheckResult(healthy bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if healthy {
		c.healthFailures = 0
		c.lastHealthyAt = time.Now()
	} else {
		c.healthFailures++
	}
	return c.healthFailures
}

// heartbeatLoop sends a transport-level WebSocket ping on every tick to
// keep idle NAT/load-balancer timeouts from closing the socket. This is
// deliberately not the health check: a successful WS pong only proves the
// TCP path is alive, not that the peer's MCP stack is responsive.
func (c *Connection) heartbeatLoop(runCtx context.Context) {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			ws := c.conn
			c.mu.Unlock()
			if ws == nil {
				continue
			}
			pingCtx, cancel := context.WithTimeout(runCtx, interval)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Debug("upstream heartbeat ping failed", "endpoint", c.endpoint, "err", err)
			}
		}
	}
}

func (c *Connection) drainInflight(err error) {
	c.inflight.Range(func(key, value any) bool {
		c.inflight.Delete(key)
		value.(waiter) <- jsonrpc.NewErrorResponse(jsonrpc.ID{}, jsonrpc.CodeInternalError, "connection closed: "+err.Error(), nil)
		return true
	})
}

// Close terminates the connection. Idempotent.
func (c *Connection) Close(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.setState(StateClosed)
	c.drainInflight(fmt.Errorf("closed: %s", reason))

	if ws == nil {
		return nil
	}
	return ws.Close(websocket.StatusNormalClosure, reason)
}

// resetBackoff installs a fresh exponential backoff generator for this
// connection's reconnect attempts, jittered per spec's supplemented
// "reconnect jitter" behavior.
func (c *Connection) resetBackoff() {
	base := c.cfg.ReconnectInterval
	if base <= 0 {
		base = 5 * time.Second
	}
	c.mu.Lock()
	c.backoff = backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(base),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0.3),
		backoff.WithMaxInterval(base*32),
	)
	c.mu.Unlock()
}

func (c *Connection) nextBackoffDelay() (time.Duration, error) {
	c.mu.Lock()
	bo := c.backoff
	c.mu.Unlock()
	if bo == nil {
		c.resetBackoff()
		c.mu.Lock()
		bo = c.backoff
		c.mu.Unlock()
	}
	return bo.NextBackOff()
}
