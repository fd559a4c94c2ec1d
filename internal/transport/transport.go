// Package transport implements the uniform connect/close/request/notify API
// (C2) over the three backend wire dialects the gateway dials: Stdio, SSE,
// and Streamable HTTP. Unlike the teacher's internal/transport, which serves
// MCP to a peer, every implementation here is a client that dials OUT to a
// backend tool server.
package transport

import (
	"context"
	"encoding/json"

	"github.com/xzmcp/gateway/internal/config"
	"github.com/xzmcp/gateway/internal/jsonrpc"
)

// Info describes one transport instance for logging/status surfaces.
type Info struct {
	BackendName string
	Kind        config.TransportKind
}

// NotificationHandler receives unsolicited JSON-RPC notifications a backend
// sends us outside of a request/response pair (e.g. tools/list_changed).
type NotificationHandler func(method string, params json.RawMessage)

// Transport is the contract every backend dialect implements.
//
// Contract:
//   - Concurrency: Request/Notify are safe to call concurrently; a single
//     writer task serializes outbound bytes per spec §5.
//   - Context: Connect/Request/Notify honor ctx cancellation/deadlines.
//   - Errors: Close is idempotent and drains any inflight waiters exactly
//     once, unblocking them with a TransportError{Kind: Closed}.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Request(ctx context.Context, method string, params any) (*jsonrpc.Response, error)
	Notify(ctx context.Context, method string, params any) error
	Info() Info
}

// New builds the Transport matching cfg.Transport. modelScopeKey is the
// resolved bearer token for ModelScope-hosted SSE backends (empty when not
// applicable); resolution precedence is handled by
// config.ResolveModelScopeAPIKey before this is called.
func New(cfg *config.BackendConfig, modelScopeKey string, onNotify NotificationHandler) (Transport, error) {
	switch cfg.Transport {
	case config.TransportStdio:
		return NewStdioTransport(cfg, onNotify), nil
	case config.TransportSSE:
		return NewSSETransport(cfg, modelScopeKey, onNotify), nil
	case config.TransportStreamableHTTP:
		return NewStreamableHTTPTransport(cfg, onNotify), nil
	default:
		return nil, jsonrpcUnsupportedTransport(cfg.Transport)
	}
}

func jsonrpcUnsupportedTransport(kind config.TransportKind) error {
	return &unsupportedTransportError{kind: kind}
}

type unsupportedTransportError struct{ kind config.TransportKind }

func (e *unsupportedTransportError) Error() string {
	return "unsupported transport kind: " + string(e.kind)
}
