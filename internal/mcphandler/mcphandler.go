// Package mcphandler implements the aggregate MCP message handler (C8): the
// JSON-RPC 2.0 method dispatch table an upstream connection or a local
// stdio/HTTP listener hands incoming requests to. It knows nothing about
// transports — callers decode a jsonrpc.Request, call Handle, and frame the
// returned jsonrpc.Response however their transport requires.
package mcphandler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/xzmcp/gateway/internal/jsonrpc"
	"github.com/xzmcp/gateway/internal/toolrouter"
	"github.com/xzmcp/gateway/pkg/xiaozhi"
)

// ProtocolVersion is the MCP handshake version this aggregator speaks.
const ProtocolVersion = "2024-11-05"

// ServerInfo is this aggregator's self-identification in `initialize`'s result.
type ServerInfo struct {
	Name    string
	Version string
}

// CallToolFunc matches toolrouter.Router.CallTool's shape minus the
// CallOptions parameter, letting a caller splice a middleware chain (rate
// limiting, metrics) between this handler and the router without Handler
// needing to know the chain exists.
type CallToolFunc func(ctx context.Context, name string, args map[string]any) (xiaozhi.ToolCallResult, error)

// Handler dispatches JSON-RPC requests for the aggregated tool surface.
// Method dispatch mirrors the teacher's internal/handlers table-of-named-
// handlers shape, collapsed into one switch since the method set here is
// the fixed MCP surface rather than an extensible metatool registry.
type Handler struct {
	router   *toolrouter.Router
	info     ServerInfo
	logger   *slog.Logger
	callTool CallToolFunc
}

// Option configures optional Handler behavior.
type Option func(*Handler)

// WithCallTool overrides the tools/call dispatch function, normally
// router.CallTool, with fn. Used to splice a middleware chain (rate
// limiting, metrics) in front of the router without this package importing
// the middleware package.
func WithCallTool(fn CallToolFunc) Option {
	return func(h *Handler) { h.callTool = fn }
}

// New builds a Handler dispatching tools/* through router.
func New(router *toolrouter.Router, info ServerInfo, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{router: router, info: info, logger: logger}
	h.callTool = func(ctx context.Context, name string, args map[string]any) (xiaozhi.ToolCallResult, error) {
		return router.CallTool(ctx, name, args, toolrouter.CallOptions{})
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// initializeResult is the `initialize` response payload (spec §6).
type initializeResult struct {
	ProtocolVersion string            `json:"protocolVersion"`
	Capabilities    map[string]any    `json:"capabilities"`
	ServerInfo      map[string]string `json:"serverInfo"`
	Meta            map[string]any    `json:"_meta,omitempty"`
}

type toolsListResult struct {
	Tools []xiaozhi.Tool `json:"tools"`
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Handle dispatches one decoded request and always returns a non-nil
// Response for requests (nil for notifications, which have no reply).
func (h *Handler) Handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if req.IsNotification() {
		h.handleNotification(req.Method, req.Params)
		return nil
	}

	switch req.Method {
	case "initialize":
		return h.handleInitialize(req.ID)
	case "ping":
		return jsonRPCOK(req.ID, map[string]any{})
	case "tools/list":
		return h.handleToolsList(req.ID)
	case "tools/call":
		return h.handleToolsCall(ctx, req.ID, req.Params)
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound, "method not found: "+req.Method, nil)
	}
}

func (h *Handler) handleNotification(method string, _ json.RawMessage) {
	// notifications/initialized, notifications/cancelled, etc. carry no
	// reply and need no aggregator-side action: the tool surface is already
	// live the moment a backend connects, independent of any client's
	// notification lifecycle.
	h.logger.Debug("mcp notification received", "method", method)
}

func (h *Handler) handleInitialize(id jsonrpc.ID) *jsonrpc.Response {
	return jsonRPCOK(id, initializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ServerInfo:      map[string]string{"name": h.info.Name, "version": h.info.Version},
	})
}

func (h *Handler) handleToolsList(id jsonrpc.ID) *jsonrpc.Response {
	enhanced := h.router.AllTools(toolrouter.FilterEnabled)
	tools := make([]xiaozhi.Tool, 0, len(enhanced))
	for _, t := range enhanced {
		tools = append(tools, t.Tool)
	}
	return jsonRPCOK(id, toolsListResult{Tools: tools})
}

func (h *Handler) handleToolsCall(ctx context.Context, id jsonrpc.ID, raw json.RawMessage) *jsonrpc.Response {
	var params toolsCallParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInvalidParams, "invalid tools/call params: "+err.Error(), nil)
	}
	if params.Name == "" {
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInvalidParams, "tools/call requires a tool name", nil)
	}

	result, err := h.callTool(ctx, params.Name, params.Arguments)
	if err != nil {
		return h.mapRouterError(id, err)
	}
	return jsonRPCOK(id, result)
}

// mapRouterError translates toolrouter routing failures (not tool-level
// isError results, which travel as ordinary successful responses per spec
// §7) into JSON-RPC error codes via the shared error taxonomy.
func (h *Handler) mapRouterError(id jsonrpc.ID, err error) *jsonrpc.Response {
	obj := xiaozhi.MapError(err)
	code := jsonrpc.CodeInternalError
	switch {
	case errors.Is(err, toolrouter.ErrToolNotFound):
		code = jsonrpc.CodeMethodNotFound
	case errors.Is(err, toolrouter.ErrServiceUnavailable), errors.Is(err, toolrouter.ErrServiceNotConnected):
		code = jsonrpc.CodeApplicationBase
	}
	return jsonrpc.NewErrorResponse(id, code, obj.Message, map[string]any{
		"code":      string(obj.Code),
		"retryable": obj.Retryable,
	})
}

func jsonRPCOK(id jsonrpc.ID, result any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, "failed to marshal result: "+err.Error(), nil)
	}
	return resp
}
