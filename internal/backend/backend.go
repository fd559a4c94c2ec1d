// Package backend implements the per-backend Service lifecycle: owning a
// Transport, completing the MCP handshake, caching the discovered tool
// list, and publishing lifecycle events so the tool router can refresh.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xzmcp/gateway/internal/config"
	"github.com/xzmcp/gateway/internal/eventbus"
	"github.com/xzmcp/gateway/internal/transport"
	"github.com/xzmcp/gateway/pkg/xiaozhi"
	"golang.org/x/sync/errgroup"
)

// ProtocolVersion is the MCP protocol version the aggregator advertises
// during the handshake's initialize call.
const ProtocolVersion = "2024-11-05"

// ClientVersion is the version reported in ClientInfo during the handshake.
const ClientVersion = "0.1.0"

// State is one point in the Service state machine:
// Idle -> Connecting -> Connected <-> (Connected -> Failed -> Idle).
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Disconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ErrNotConnected is returned by CallTool when the service isn't Connected.
var ErrNotConnected = errors.New("backend service not connected")

// Service owns one backend's Transport, its connection state, and its
// cached tool list. Safe for concurrent use.
type Service struct {
	name string
	cfg  *config.BackendConfig
	bus  *eventbus.Bus

	newTransport func() (transport.Transport, error)

	mu      sync.RWMutex
	state   State
	tools   []xiaozhi.Tool
	tr      transport.Transport
	attempt int

	inflight int32
}

// New builds a Service for cfg. modelScopeKey is the resolved global
// ModelScope API key fallback (see config.ResolveModelScopeAPIKey), passed
// through to the underlying Transport when cfg requires ModelScope auth.
// bus may be nil, in which case lifecycle events are not published.
func New(cfg *config.BackendConfig, modelScopeKey string, bus *eventbus.Bus) *Service {
	s := &Service{name: cfg.Name, cfg: cfg, bus: bus, state: Idle}
	s.newTransport = func() (transport.Transport, error) {
		return transport.New(cfg, modelScopeKey, s.handleNotification)
	}
	return s
}

// Name returns the backend's configured name.
func (s *Service) Name() string { return s.name }

// Config returns the backend's normalized configuration.
func (s *Service) Config() *config.BackendConfig { return s.cfg }

// State returns the current connection state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Tools returns a snapshot of the cached tool list. Per the Service entity
// invariant, this is non-empty only while State() == Connected.
func (s *Service) Tools() []xiaozhi.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]xiaozhi.Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

func (s *Service) handleNotification(string, json.RawMessage) {
	// Backend-initiated notifications (progress, logging) are accepted and
	// currently dropped; no aggregator behaviour depends on them yet.
}

// withDefaultTimeout bounds ctx by the backend's configured Timeout (spec
// §3/§5 default 30s) unless ctx already carries an earlier deadline — a
// caller-supplied per-call override (toolrouter.CallOptions.Timeout) always
// wins over this fallback since it sets ctx's deadline before reaching here.
func (s *Service) withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// Connect runs the MCP handshake: transport connect, initialize, tools/list.
// On success the tool cache is published atomically with the transition to
// Connected and a service:connected event fires. On failure the state moves
// to Failed and a service:connection-failed event fires; the caller (or a
// Retry Supervisor) decides whether to retry.
func (s *Service) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.state = Connecting
	s.attempt++
	attempt := s.attempt
	s.mu.Unlock()

	ctx, cancel := s.withDefaultTimeout(ctx)
	defer cancel()

	tr, err := s.newTransport()
	if err != nil {
		s.fail(err, attempt)
		return err
	}

	if err := tr.Connect(ctx); err != nil {
		s.fail(err, attempt)
		return err
	}

	if err := s.handshake(ctx, tr); err != nil {
		_ = tr.Close()
		s.fail(err, attempt)
		return err
	}

	s.mu.Lock()
	s.tr = tr
	s.state = Connected
	toolCount := len(s.tools)
	s.mu.Unlock()

	s.publish(eventbus.TopicServiceConnected, eventbus.ServiceConnected{
		Name: s.name, Tools: toolCount, At: time.Now().Unix(),
	})
	return nil
}

func (s *Service) handshake(ctx context.Context, tr transport.Transport) error {
	initParams := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": xiaozhi.ClientInfo{
			Name:    fmt.Sprintf("xiaozhi-%s-client", s.name),
			Version: ClientVersion,
		},
	}
	if _, err := tr.Request(ctx, "initialize", initParams); err != nil {
		return err
	}

	resp, err := tr.Request(ctx, "tools/list", map[string]any{})
	if err != nil {
		return err
	}
	var result struct {
		Tools []xiaozhi.Tool `json:"tools"`
	}
	if err := resp.DecodeResult(&result); err != nil {
		return err
	}

	s.mu.Lock()
	s.tools = result.Tools
	s.mu.Unlock()
	return nil
}

func (s *Service) fail(err error, attempt int) {
	s.mu.Lock()
	s.state = Failed
	s.tools = nil
	s.tr = nil
	s.mu.Unlock()

	s.publish(eventbus.TopicServiceConnectionFailed, eventbus.ServiceConnectionFailed{
		Name: s.name, Err: err, Attempt: attempt,
	})
}

// CallTool invokes localName on the backend via the underlying Transport's
// tools/call, passing isError through unchanged (a tool-level failure is a
// successful MCP response, not a transport error).
func (s *Service) CallTool(ctx context.Context, localName string, args map[string]any) (xiaozhi.ToolCallResult, error) {
	s.mu.RLock()
	tr := s.tr
	connected := s.state == Connected
	s.mu.RUnlock()

	if !connected || tr == nil {
		return xiaozhi.ToolCallResult{}, ErrNotConnected
	}

	ctx, cancel := s.withDefaultTimeout(ctx)
	defer cancel()

	atomic.AddInt32(&s.inflight, 1)
	defer atomic.AddInt32(&s.inflight, -1)

	resp, err := tr.Request(ctx, "tools/call", map[string]any{
		"name":      localName,
		"arguments": args,
	})
	if err != nil {
		return xiaozhi.ToolCallResult{}, err
	}

	var result xiaozhi.ToolCallResult
	if err := resp.DecodeResult(&result); err != nil {
		return xiaozhi.ToolCallResult{}, err
	}
	return result, nil
}

// Stop drains inflight CallTool invocations, bounded by ctx, then
// disconnects. Used on SIGTERM so a call already in flight gets a chance to
// finish rather than being cut off mid-request (spec §6 graceful drain).
func (s *Service) Stop(ctx context.Context, reason string) error {
	s.drain(ctx)
	return s.Disconnect(reason)
}

func (s *Service) drain(ctx context.Context) {
	if atomic.LoadInt32(&s.inflight) == 0 {
		return
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if atomic.LoadInt32(&s.inflight) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Disconnect publishes service:disconnected, closes the transport, clears
// the tool cache, and moves the state back to Idle. Safe to call when
// already disconnected.
func (s *Service) Disconnect(reason string) error {
	s.mu.Lock()
	if s.state == Idle {
		s.mu.Unlock()
		return nil
	}
	s.state = Disconnecting
	tr := s.tr
	s.mu.Unlock()

	var closeErr error
	if tr != nil {
		closeErr = tr.Close()
	}

	s.mu.Lock()
	s.state = Idle
	s.tools = nil
	s.tr = nil
	s.mu.Unlock()

	s.publish(eventbus.TopicServiceDisconnected, eventbus.ServiceDisconnected{
		Name: s.name, Reason: reason, At: time.Now().Unix(),
	})
	return closeErr
}

func (s *Service) publish(topic string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, payload)
}

// StartAllServices connects every Service in services concurrently and
// returns a map of service name to the error returned by Connect (nil on
// success). Per-service failures do not fail the batch; the caller is
// expected to feed the failed names into a Retry Supervisor.
func StartAllServices(ctx context.Context, services []*Service) map[string]error {
	results := make(map[string]error, len(services))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			err := svc.Connect(gctx)
			mu.Lock()
			results[svc.name] = err
			mu.Unlock()
			return nil // never abort the batch for a sibling's failure
		})
	}
	_ = g.Wait()
	return results
}
