// Package httpapi implements the thin local REST/WS control surface (spec
// §6): config read/write, status, tool listing/invocation, tool-call
// history, MCP-over-HTTP at /mcp, and a WebSocket status push at /. It is
// grounded on the teacher's internal/transport/streamable.go server loop
// (http.ServeMux, net.Listen, a goroutine running Serve funneling errors
// back through a channel, graceful Close with a bounded timeout) — the one
// place in the teacher's stack that plays HTTP server rather than client.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/xzmcp/gateway/internal/audit"
	"github.com/xzmcp/gateway/internal/authn"
	"github.com/xzmcp/gateway/internal/config"
	"github.com/xzmcp/gateway/internal/eventbus"
	"github.com/xzmcp/gateway/internal/jsonrpc"
	"github.com/xzmcp/gateway/internal/mcphandler"
	"github.com/xzmcp/gateway/internal/registry"
	"github.com/xzmcp/gateway/internal/toolrouter"
	"github.com/xzmcp/gateway/internal/upstream"
	"github.com/xzmcp/gateway/pkg/xiaozhi"
)

// Deps bundles everything the control surface dials into. Routes whose
// dependency is nil degrade rather than panic: tool listing, tool calls,
// /mcp and the status socket reply 503; /api/status leaves out the missing
// part; /api/tool-calls replies with an empty list.
type Deps struct {
	Router     *toolrouter.Router
	ToolCaller mcphandler.CallToolFunc // tools/call dispatch; defaults to Router.CallTool if nil
	Registry   *registry.Registry
	Upstream   *upstream.Manager
	MCP        *mcphandler.Handler
	Bus        *eventbus.Bus
	AuditQuery *audit.SQLiteSink // optional: backs GET /api/tool-calls
	Auth       *authn.Chain      // nil or empty Chain means unauthenticated
	ConfigPath string            // legacy config file backing GET/PUT /api/config
	Logger     *slog.Logger

	MetricsHandler http.Handler // optional: mounted at MetricsPath when non-nil
	MetricsPath    string       // defaults to /metrics when MetricsHandler is set and this is empty
}

// Server is the control surface's HTTP listener.
type Server struct {
	cfg  config.ControlAPIConfig
	deps Deps
	mux  *http.ServeMux
	log  *slog.Logger

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

// New builds a Server with routes registered but not yet listening.
func New(cfg config.ControlAPIConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ToolCaller == nil && deps.Router != nil {
		router := deps.Router
		deps.ToolCaller = func(ctx context.Context, name string, args map[string]any) (xiaozhi.ToolCallResult, error) {
			return router.CallTool(ctx, name, args, toolrouter.CallOptions{})
		}
	}
	s := &Server{cfg: cfg, deps: deps, log: deps.Logger}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/config", s.handleGetConfig)
	s.mux.HandleFunc("PUT /api/config", s.handleSetConfig)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/tools", s.handleListTools)
	s.mux.HandleFunc("POST /api/tools/call", s.handleCallTool)
	s.mux.HandleFunc("GET /api/tool-calls", s.handleToolCalls)
	s.mux.HandleFunc("POST /mcp", s.handleMCPPost)
	s.mux.HandleFunc("GET /mcp", s.handleMCPStatus)
	s.mux.HandleFunc("GET /", s.handleStatusSocket)

	if s.deps.MetricsHandler != nil {
		path := s.deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.mux.Handle("GET "+path, s.deps.MetricsHandler)
	}
}

// Run starts the listener and blocks until ctx is cancelled or the server
// fails to serve, mirroring the teacher's Serve(ctx, server) shape: a
// background goroutine runs http.Server.Serve while the caller's goroutine
// blocks on a select between ctx.Done and the serve error channel.
func (s *Server) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		<-ctx.Done()
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", addr, err)
	}

	handler := s.withAuth(s.mux)
	httpSrv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.ln = ln
	s.srv = httpSrv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	s.log.Info("control api listening", "addr", addr)

	select {
	case <-ctx.Done():
		return s.Close()
	case err := <-errCh:
		return err
	}
}

// Close gracefully shuts the server down within a bounded grace window.
// Idempotent: closing twice, or closing a Server whose Run never started,
// is a no-op.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// withAuth gates every route behind the configured authn.Chain. An
// unconfigured Chain (Required()==false) skips the check entirely rather
// than rejecting every caller for lacking credentials nobody was asked to
// provide.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.deps.Auth.Required() {
			next.ServeHTTP(w, r)
			return
		}
		_, ok, err := s.deps.Auth.Authenticate(r.Context(), authn.Request{Headers: r.Header})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// --- /api/config ---

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key query parameter is required")
		return
	}
	value, err := config.GetConfigValue(s.deps.ConfigPath, key)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if err := config.SetConfigValue(s.deps.ConfigPath, body.Key, string(body.Value)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- /api/status ---

type statusResponse struct {
	Backends []backendStatus `json:"backends"`
	Upstream *upstream.Stats `json:"upstream,omitempty"`
}

type backendStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Tools int    `json:"tools"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{}
	if s.deps.Registry != nil {
		for name, svc := range s.deps.Registry.Services() {
			resp.Backends = append(resp.Backends, backendStatus{
				Name:  name,
				State: svc.State().String(),
				Tools: len(svc.Tools()),
			})
		}
	}
	if s.deps.Upstream != nil {
		stats := s.deps.Upstream.Status()
		resp.Upstream = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- /api/tools ---

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	if s.deps.Router == nil {
		writeError(w, http.StatusServiceUnavailable, "tool router not available")
		return
	}
	filter := toolrouter.FilterAll
	switch r.URL.Query().Get("filter") {
	case "enabled":
		filter = toolrouter.FilterEnabled
	case "disabled":
		filter = toolrouter.FilterDisabled
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.deps.Router.AllTools(filter)})
}

// --- /api/tools/call ---

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	if s.deps.ToolCaller == nil {
		writeError(w, http.StatusServiceUnavailable, "tool router not available")
		return
	}
	var body struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	result, err := s.deps.ToolCaller(r.Context(), body.Name, body.Arguments)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- /api/tool-calls ---

func (s *Server) handleToolCalls(w http.ResponseWriter, r *http.Request) {
	if s.deps.AuditQuery == nil {
		writeJSON(w, http.StatusOK, map[string]any{"calls": []struct{}{}})
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.deps.AuditQuery.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": records})
}

// --- /mcp ---

func (s *Server) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	if s.deps.MCP == nil {
		writeError(w, http.StatusServiceUnavailable, "mcp handler not available")
		return
	}
	var req jsonrpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonrpc.NewErrorResponse(jsonrpc.ID{}, jsonrpc.CodeParseError, "invalid json: "+err.Error(), nil))
		return
	}
	resp := s.deps.MCP.Handle(r.Context(), &req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMCPStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- / (WebSocket status push) ---

// handleStatusSocket upgrades to a WebSocket and pushes every backend
// lifecycle and endpoint status event as a JSON frame until the client
// disconnects. There is no inbound protocol on this socket — it is a pure
// status feed for a local dashboard-style client.
func (s *Server) handleStatusSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if s.deps.Bus == nil {
		http.Error(w, "event bus not available", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	ctx := conn.CloseRead(r.Context())

	push := func(topic string, payload any) {
		b, err := json.Marshal(map[string]any{"topic": topic, "payload": payload})
		if err != nil {
			return
		}
		_ = conn.Write(ctx, websocket.MessageText, b)
	}

	unsubs := []eventbus.Subscription{
		s.deps.Bus.Subscribe(eventbus.TopicServiceConnected, func(p any) { push(eventbus.TopicServiceConnected, p) }),
		s.deps.Bus.Subscribe(eventbus.TopicServiceDisconnected, func(p any) { push(eventbus.TopicServiceDisconnected, p) }),
		s.deps.Bus.Subscribe(eventbus.TopicServiceConnectionFailed, func(p any) { push(eventbus.TopicServiceConnectionFailed, p) }),
		s.deps.Bus.Subscribe(eventbus.TopicEndpointStatusChanged, func(p any) { push(eventbus.TopicEndpointStatusChanged, p) }),
	}
	defer func() {
		for _, u := range unsubs {
			s.deps.Bus.Unsubscribe(u)
		}
	}()

	<-ctx.Done()
}
