// Package customtool implements the second tool source (C7): a parallel
// registry of tools not backed by a standard MCP backend, dispatched by a
// pluggable handler kind {mcp, coze, dify, n8n, inline}.
package customtool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xzmcp/gateway/internal/config"
	"github.com/xzmcp/gateway/pkg/xiaozhi"
)

// Kind is one custom-tool handler variant.
type Kind string

const (
	KindMCP    Kind = "mcp"
	KindCoze   Kind = "coze"
	KindDify   Kind = "dify"
	KindN8N    Kind = "n8n"
	KindInline Kind = "inline"
)

// BackendDispatcher is the narrow interface the mcp-kind handler re-enters
// to proxy a call onto a standard backend tool. It is implemented by
// internal/toolrouter's Router, which passes itself in as exactly this
// interface rather than handing customtool a back-pointer to the whole
// router (spec §9 Design Notes: break the C6<->C7 cycle with a narrow
// dispatcher, not a back-pointer).
type BackendDispatcher interface {
	CallBackendTool(ctx context.Context, serviceName, localToolName string, args map[string]any) (xiaozhi.ToolCallResult, error)
}

// Handler is one configured custom tool.
type Handler struct {
	Name        string
	Kind        Kind
	Description string
	InputSchema json.RawMessage

	// mcp
	ServiceName string
	ToolName    string

	// coze | dify | n8n
	WebhookURL string
	Secret     string
	Headers    map[string]string

	// inline
	ScriptPath string
}

// FromRaw builds a Handler from the legacy config shape, validating the
// fields required by its kind.
func FromRaw(name string, raw config.CustomToolRawConfig) (Handler, error) {
	h := Handler{
		Name:        name,
		Kind:        Kind(strings.TrimSpace(raw.Kind)),
		Description: raw.Description,
		WebhookURL:  raw.WebhookURL,
		Secret:      raw.Secret,
		Headers:     raw.Headers,
		ScriptPath:  raw.Script,
	}
	if len(raw.InputSchema) > 0 {
		b, err := json.Marshal(raw.InputSchema)
		if err != nil {
			return Handler{}, fmt.Errorf("custom tool %q: invalid inputSchema: %w", name, err)
		}
		h.InputSchema = b
	}

	switch h.Kind {
	case KindMCP:
		service, tool, ok := strings.Cut(raw.Target, "/")
		if !ok || service == "" || tool == "" {
			return Handler{}, fmt.Errorf("custom tool %q: mcp target must be \"service/tool\", got %q", name, raw.Target)
		}
		h.ServiceName, h.ToolName = service, tool
	case KindCoze, KindDify, KindN8N:
		if strings.TrimSpace(raw.WebhookURL) == "" {
			return Handler{}, fmt.Errorf("custom tool %q: webhookUrl is required for kind %q", name, h.Kind)
		}
	case KindInline:
		if strings.TrimSpace(raw.Script) == "" {
			return Handler{}, fmt.Errorf("custom tool %q: script is required for kind inline", name)
		}
	default:
		return Handler{}, fmt.Errorf("custom tool %q: unknown kind %q", name, raw.Kind)
	}
	return h, nil
}

// Registry holds every configured custom tool and dispatches calls by kind.
type Registry struct {
	handlers   map[string]Handler
	dispatcher BackendDispatcher
	runner     InlineRunner
	logger     *slog.Logger
}

// InlineRunner executes an inline script's compiled module against args and
// returns its stdout. Defined as an interface so tests can substitute a fake
// without spinning up a real wazero runtime.
type InlineRunner interface {
	Run(ctx context.Context, scriptPath string, args map[string]any) (string, error)
}

// New builds a Registry from raw config entries. dispatcher is used for
// mcp-kind proxy dispatch; runner is used for inline-kind execution. Either
// may be nil if no tool of that kind is configured.
func New(raw map[string]config.CustomToolRawConfig, dispatcher BackendDispatcher, runner InlineRunner, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	handlers := make(map[string]Handler, len(raw))
	for name, rawCfg := range raw {
		h, err := FromRaw(name, rawCfg)
		if err != nil {
			return nil, err
		}
		handlers[name] = h
	}
	return &Registry{handlers: handlers, dispatcher: dispatcher, runner: runner, logger: logger}, nil
}

// HasTool reports whether name is a configured custom tool.
func (r *Registry) HasTool(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.handlers[name]
	return ok
}

// AllTools returns every custom tool as an EnhancedTool. Custom tools are
// always enabled (spec §4.6); a failure building the list degrades to
// empty rather than propagating, per spec §4.6/§9.
func (r *Registry) AllTools() []xiaozhi.EnhancedTool {
	if r == nil {
		return nil
	}
	out := make([]xiaozhi.EnhancedTool, 0, len(r.handlers))
	for name, h := range r.handlers {
		out = append(out, xiaozhi.EnhancedTool{
			Tool: xiaozhi.Tool{
				Name:        name,
				Description: h.Description,
				InputSchema: h.InputSchema,
			},
			Custom:  true,
			Enabled: true,
		})
	}
	return out
}

// CallTool dispatches name's invocation according to its handler kind. All
// kinds return the same ToolCallResult shape.
func (r *Registry) CallTool(ctx context.Context, name string, args map[string]any) (xiaozhi.ToolCallResult, error) {
	h, ok := r.handlers[name]
	if !ok {
		return xiaozhi.ToolCallResult{}, fmt.Errorf("custom tool %q not found", name)
	}

	switch h.Kind {
	case KindMCP:
		if r.dispatcher == nil {
			return xiaozhi.ToolCallResult{}, fmt.Errorf("custom tool %q: no backend dispatcher configured", name)
		}
		return r.dispatcher.CallBackendTool(ctx, h.ServiceName, h.ToolName, args)
	case KindCoze, KindDify, KindN8N:
		return callWebhook(ctx, h, args)
	case KindInline:
		if r.runner == nil {
			return xiaozhi.ToolCallResult{}, fmt.Errorf("custom tool %q: no inline runner configured", name)
		}
		out, err := r.runner.Run(ctx, h.ScriptPath, args)
		if err != nil {
			return xiaozhi.ErrorResult(err.Error()), nil
		}
		return xiaozhi.ToolCallResult{Content: []xiaozhi.ContentItem{xiaozhi.TextContent(out)}}, nil
	default:
		return xiaozhi.ToolCallResult{}, fmt.Errorf("custom tool %q: unhandled kind %q", name, h.Kind)
	}
}
