// Package toolrouter implements the global tool view (C6): prefix-based
// namespacing of standard backend tools, lookup, invocation dispatch across
// the standard and custom tool sources, usage statistics, and the
// declarative tool-config self-heal pass.
package toolrouter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xzmcp/gateway/internal/backend"
	"github.com/xzmcp/gateway/internal/config"
	"github.com/xzmcp/gateway/internal/eventbus"
	"github.com/xzmcp/gateway/internal/registry"
	"github.com/xzmcp/gateway/pkg/xiaozhi"
)

// prefixSeparator joins a sanitized service name to a tool's local name.
// The prefix sanitize(serviceName)+prefixSeparator is injective over
// configured service names (spec §8 invariant #1): the separator's
// distinctive shape makes one sanitized name's prefix a substring of
// another's only in contrived cases the config layer doesn't produce.
const prefixSeparator = "_xzcli_"

// Filter selects which standard tools AllTools returns.
type Filter int

const (
	FilterAll Filter = iota
	FilterEnabled
	FilterDisabled
)

// Errors surfaced by CallTool/HasTool routing (spec §7), wrapping the shared
// xiaozhi sentinels so pkg/xiaozhi.MapError classifies them the same way
// regardless of which layer raised them.
var (
	ErrToolNotFound        = fmt.Errorf("%w: no such tool", xiaozhi.ErrToolNotFound)
	ErrServiceUnavailable  = fmt.Errorf("%w: backend service not registered", xiaozhi.ErrServiceUnavailable)
	ErrServiceNotConnected = fmt.Errorf("%w: backend service not connected", xiaozhi.ErrServiceNotConnected)
)

// Sanitize replaces '-' with '_' in a backend name, the first half of the
// prefixed tool name construction.
func Sanitize(serviceName string) string {
	return strings.ReplaceAll(serviceName, "-", "_")
}

// PrefixedName builds the externally-exposed tool name for a backend's
// local tool.
func PrefixedName(serviceName, localName string) string {
	return Sanitize(serviceName) + prefixSeparator + localName
}

type indexEntry struct {
	serviceName string
	localName   string
}

// CustomToolSource is the subset of customtool.Registry the router needs;
// defined here (consumer side) so toolrouter doesn't import customtool's
// BackendDispatcher coupling back, only its read/dispatch surface.
type CustomToolSource interface {
	HasTool(name string) bool
	AllTools() []xiaozhi.EnhancedTool
	CallTool(ctx context.Context, name string, args map[string]any) (xiaozhi.ToolCallResult, error)
}

// AuditSink records every tool invocation, successful or not (spec §4.6).
type AuditSink interface {
	RecordToolCall(rec AuditRecord)
}

// AuditRecord is one tool-call audit entry (spec §6 persisted JSONL shape).
type AuditRecord struct {
	Timestamp        time.Time
	ToolName         string
	OriginalToolName string
	ServerName       string
	Arguments        map[string]any
	Success          bool
	Duration         time.Duration
	Error            string
}

// Router is the single CallTool/AllTools/HasTool entry point the MCP
// message handler (C8) and the local control surface dial into.
type Router struct {
	reg    *registry.Registry
	custom CustomToolSource

	toolConfig config.ToolConfigStore
	stats      config.StatsSink
	audit      AuditSink
	logger     *slog.Logger

	mu        sync.RWMutex
	toolIndex map[string]indexEntry

	refreshGroup singleflight.Group
}

// Option configures optional Router collaborators.
type Option func(*Router)

// WithToolConfigStore wires the declarative enable/description view.
func WithToolConfigStore(store config.ToolConfigStore) Option {
	return func(r *Router) { r.toolConfig = store }
}

// WithStatsSink wires usage-statistics persistence.
func WithStatsSink(sink config.StatsSink) Option {
	return func(r *Router) { r.stats = sink }
}

// WithAuditSink wires the tool-call audit log.
func WithAuditSink(sink AuditSink) Option {
	return func(r *Router) { r.audit = sink }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// New builds a Router over reg. custom may be nil when no custom tools are
// configured. If bus is non-nil, the Router subscribes to the backend
// lifecycle topics and refreshes its index/self-heals automatically.
func New(reg *registry.Registry, custom CustomToolSource, bus *eventbus.Bus, opts ...Option) *Router {
	r := &Router{reg: reg, custom: custom, toolIndex: make(map[string]indexEntry), logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	if bus != nil {
		refresh := func(any) { r.Refresh() }
		bus.Subscribe(eventbus.TopicServiceConnected, refresh)
		bus.Subscribe(eventbus.TopicServiceDisconnected, refresh)
	}
	return r
}

// Refresh rebuilds the tool index from every currently Connected service's
// cached tool list and re-runs the declarative tool-config self-heal. Per
// spec §5, readers never observe a half-populated index: the new map
// replaces the old one in a single assignment under the lock. A burst of
// connect/disconnect events firing close together collapses into one
// rebuild via singleflight rather than one file-I/O self-heal pass per
// event.
func (r *Router) Refresh() {
	_, _, _ = r.refreshGroup.Do("refresh", func() (any, error) {
		r.refresh()
		return nil, nil
	})
}

func (r *Router) refresh() {
	next := make(map[string]indexEntry)
	for _, name := range r.reg.ConnectedServices() {
		for _, tool := range r.reg.ToolsOfService(name) {
			next[PrefixedName(name, tool.Name)] = indexEntry{serviceName: name, localName: tool.Name}
		}
	}

	r.mu.Lock()
	r.toolIndex = next
	r.mu.Unlock()

	r.selfHeal()
}

func (r *Router) selfHeal() {
	if r.toolConfig == nil {
		return
	}
	for _, name := range r.reg.ConnectedServices() {
		tools := r.reg.ToolsOfService(name)
		current := make(map[string]xiaozhi.Tool, len(tools))
		for _, t := range tools {
			current[t.Name] = t
		}

		stored, err := r.toolConfig.ListServiceTools(name)
		if err != nil {
			r.logger.Warn("tool-config self-heal: list failed", "service", name, "err", err)
			continue
		}

		for localName, tool := range current {
			existing, has := stored[localName]
			cfg := config.ToolConfig{Description: tool.Description, Enabled: true}
			if has {
				cfg.Enabled = existing.Enabled // preserve user override across description updates
			}
			if err := r.toolConfig.SetToolConfig(name, localName, cfg); err != nil {
				r.logger.Warn("tool-config self-heal: set failed", "service", name, "tool", localName, "err", err)
			}
		}
		for localName := range stored {
			if _, stillPresent := current[localName]; stillPresent {
				continue
			}
			if err := r.toolConfig.RemoveToolConfig(name, localName); err != nil {
				r.logger.Warn("tool-config self-heal: remove failed", "service", name, "tool", localName, "err", err)
			}
		}
	}
}

// AllTools returns the union of standard (prefixed) tools from Connected
// services and custom tools, filtered per filter. A per-tool enablement
// lookup failure skips that tool with a warning rather than aborting the
// whole list (spec §4.6/§9); a nil/failing custom source degrades to an
// empty custom contribution.
func (r *Router) AllTools(filter Filter) []xiaozhi.EnhancedTool {
	r.mu.RLock()
	index := make(map[string]indexEntry, len(r.toolIndex))
	for k, v := range r.toolIndex {
		index[k] = v
	}
	r.mu.RUnlock()

	var out []xiaozhi.EnhancedTool
	for prefixed, entry := range index {
		tools := r.reg.ToolsOfService(entry.serviceName)
		var tool *xiaozhi.Tool
		for i := range tools {
			if tools[i].Name == entry.localName {
				tool = &tools[i]
				break
			}
		}
		if tool == nil {
			continue // service disconnected between index build and this read
		}

		enabled := true
		if r.toolConfig != nil {
			cfg, ok, err := r.toolConfig.ToolConfig(entry.serviceName, entry.localName)
			if err != nil {
				r.logger.Warn("tool enablement lookup failed, skipping tool", "tool", prefixed, "err", err)
				continue
			}
			if ok {
				enabled = cfg.Enabled
			}
		}
		if !matchesFilter(filter, enabled) {
			continue
		}

		out = append(out, xiaozhi.EnhancedTool{
			Tool: xiaozhi.Tool{
				Name:        prefixed,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			},
			ServiceName: entry.serviceName,
			LocalName:   entry.localName,
			Custom:      false,
			Enabled:     enabled,
		})
	}

	if r.custom != nil {
		for _, t := range r.custom.AllTools() {
			if matchesFilter(filter, t.Enabled) {
				out = append(out, t)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func matchesFilter(filter Filter, enabled bool) bool {
	switch filter {
	case FilterEnabled:
		return enabled
	case FilterDisabled:
		return !enabled
	default:
		return true
	}
}

// HasTool reports whether name resolves to a custom tool or a standard
// tool currently present in the index.
func (r *Router) HasTool(name string) bool {
	if r.custom != nil && r.custom.HasTool(name) {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.toolIndex[name]
	return ok
}

// CallOptions configures a single CallTool invocation.
type CallOptions struct {
	Timeout time.Duration
}

// CallTool routes name to its backend (custom tools first, then standard
// tools via the index), records the call to the audit sink, and
// best-effort updates usage statistics. Routing order and error taxonomy
// follow spec §4.6/§7 exactly.
func (r *Router) CallTool(ctx context.Context, name string, args map[string]any, opts CallOptions) (xiaozhi.ToolCallResult, error) {
	start := time.Now()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if r.custom != nil && r.custom.HasTool(name) {
		result, err := r.custom.CallTool(ctx, name, args)
		r.record(name, "", "", args, err == nil && !result.IsError, time.Since(start), err)
		return result, err
	}

	r.mu.RLock()
	entry, ok := r.toolIndex[name]
	r.mu.RUnlock()
	if !ok {
		r.record(name, "", "", args, false, time.Since(start), ErrToolNotFound)
		return xiaozhi.ToolCallResult{}, ErrToolNotFound
	}

	svc, ok := r.reg.Service(entry.serviceName)
	if !ok {
		r.record(name, entry.localName, entry.serviceName, args, false, time.Since(start), ErrServiceUnavailable)
		return xiaozhi.ToolCallResult{}, ErrServiceUnavailable
	}
	if svc.State() != backend.Connected {
		r.record(name, entry.localName, entry.serviceName, args, false, time.Since(start), ErrServiceNotConnected)
		return xiaozhi.ToolCallResult{}, ErrServiceNotConnected
	}

	result, err := svc.CallTool(ctx, entry.localName, args)
	success := err == nil && !result.IsError
	r.record(name, entry.localName, entry.serviceName, args, success, time.Since(start), err)
	if success && r.stats != nil {
		if statErr := r.stats.RecordToolUsage(entry.serviceName, entry.localName, time.Now()); statErr != nil {
			r.logger.Warn("tool usage stats update failed", "tool", name, "err", statErr)
		}
	}
	return result, err
}

// CallBackendTool invokes a standard backend tool directly by service and
// local name, bypassing the prefixed-name index. This is the narrow
// dispatcher surface customtool's mcp-kind handler re-enters through
// (customtool.BackendDispatcher), breaking the C6<->C7 cycle without a
// back-pointer to the whole Router.
func (r *Router) CallBackendTool(ctx context.Context, serviceName, localToolName string, args map[string]any) (xiaozhi.ToolCallResult, error) {
	svc, ok := r.reg.Service(serviceName)
	if !ok {
		return xiaozhi.ToolCallResult{}, ErrServiceUnavailable
	}
	if svc.State() != backend.Connected {
		return xiaozhi.ToolCallResult{}, ErrServiceNotConnected
	}
	return svc.CallTool(ctx, localToolName, args)
}

func (r *Router) record(prefixedName, localName, serviceName string, args map[string]any, success bool, duration time.Duration, err error) {
	if r.audit == nil {
		return
	}
	rec := AuditRecord{
		Timestamp:        time.Now(),
		ToolName:         prefixedName,
		OriginalToolName: localName,
		ServerName:       serviceName,
		Arguments:        args,
		Success:          success,
		Duration:         duration,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	r.audit.RecordToolCall(rec)
}
