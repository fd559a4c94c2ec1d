// Package gateway wires together every component package into the running
// xiaozhi MCP aggregator: the bootstrap sequence that turns an AppConfig
// into a live tool router, upstream connection pool, and control surface,
// and the shutdown sequence that tears all of it back down. Nothing here
// implements protocol or policy; it only constructs and connects the pieces
// each own.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xzmcp/gateway/internal/audit"
	"github.com/xzmcp/gateway/internal/authn"
	"github.com/xzmcp/gateway/internal/backend"
	"github.com/xzmcp/gateway/internal/config"
	"github.com/xzmcp/gateway/internal/customtool"
	"github.com/xzmcp/gateway/internal/eventbus"
	"github.com/xzmcp/gateway/internal/httpapi"
	"github.com/xzmcp/gateway/internal/mcphandler"
	"github.com/xzmcp/gateway/internal/middleware"
	"github.com/xzmcp/gateway/internal/obs"
	"github.com/xzmcp/gateway/internal/registry"
	"github.com/xzmcp/gateway/internal/retry"
	"github.com/xzmcp/gateway/internal/toolrouter"
	"github.com/xzmcp/gateway/internal/upstream"
	"github.com/xzmcp/gateway/pkg/xiaozhi"
)

// routerDispatcher breaks the toolrouter.Router <-> customtool.Registry
// construction cycle: the custom tool registry needs a BackendDispatcher at
// construction time, but that dispatcher is the router, which in turn needs
// the already-built custom registry as its CustomToolSource. Both sides are
// built against this shim first; router is filled in once it exists.
type routerDispatcher struct {
	router *toolrouter.Router
}

func (d *routerDispatcher) CallBackendTool(ctx context.Context, serviceName, localToolName string, args map[string]any) (xiaozhi.ToolCallResult, error) {
	if d.router == nil {
		return xiaozhi.ToolCallResult{}, fmt.Errorf("gateway: router not yet initialized")
	}
	return d.router.CallBackendTool(ctx, serviceName, localToolName, args)
}

// App owns every long-lived component the gateway builds at startup and
// must stop in reverse order at shutdown.
type App struct {
	cfg    config.AppConfig
	logger *slog.Logger

	bus        *eventbus.Bus
	registry   *registry.Registry
	retry      *retry.Supervisor
	router     *toolrouter.Router
	customReg  *customtool.Registry
	inline     *customtool.WazeroInlineRunner
	mcp        *mcphandler.Handler
	upstream   *upstream.Manager
	auth       *authn.Chain
	http       *httpapi.Server
	metrics    *obs.Metrics
	shutdownTelemetry func(context.Context) error
	closeAudit func() error

	mu           sync.Mutex
	started      bool
	drainTimeout time.Duration
}

// SetDrainTimeout overrides how long Close waits for inflight backend tool
// calls to finish before disconnecting (default 10s). Call before Run.
func (a *App) SetDrainTimeout(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.drainTimeout = d
}

func (a *App) drainTimeoutOrDefault() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.drainTimeout <= 0 {
		return 10 * time.Second
	}
	return a.drainTimeout
}

// New builds every component and wires them together, but does not yet
// connect to any backend or start listening; call Run for that. configPath
// is the legacy JSON config file backing the stats/tool-config/audit file
// sinks and the control API's get-config/set-config routes; it may be "".
func New(cfg config.AppConfig, configPath string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = obs.NewLogger(slog.LevelInfo)
	}

	shutdownTelemetry, err := obs.InitTelemetry(context.Background(), cfg.Observability, cfg.Server.Name, cfg.Server.Version)
	if err != nil {
		return nil, fmt.Errorf("gateway: init telemetry: %w", err)
	}

	metrics, err := obs.NewMetrics()
	if err != nil {
		_ = shutdownTelemetry(context.Background())
		return nil, fmt.Errorf("gateway: init metrics: %w", err)
	}

	bus := eventbus.New()
	reg := registry.New()
	retrySup := retry.New()

	cfgDir := ""
	if configPath != "" {
		cfgDir = filepath.Dir(configPath)
	}
	backendCfgs, err := config.NormalizeBatch(cfg.Backends, cfgDir)
	if err != nil {
		_ = shutdownTelemetry(context.Background())
		return nil, fmt.Errorf("gateway: normalize backends: %w", err)
	}

	names := make([]string, 0, len(backendCfgs))
	for name := range backendCfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		bcfg := backendCfgs[name]
		needsModelScope := bcfg.Transport == config.TransportSSE && bcfg.SSE != nil && bcfg.SSE.ModelScopeAuth
		key, resolveErr := config.ResolveModelScopeAPIKey(bcfg, cfg.ModelScope.APIKey)
		if resolveErr != nil {
			if needsModelScope {
				logger.Error("skipping backend: cannot resolve modelscope auth", "backend", name, "error", resolveErr)
				continue
			}
			key = ""
		}
		reg.AddConfig(bcfg)
		svc := backend.New(bcfg, key, bus)
		reg.AddService(svc)
	}

	auditSink, sqliteSink, closeAudit, err := audit.New(cfg.Audit, logger)
	if err != nil {
		_ = shutdownTelemetry(context.Background())
		return nil, fmt.Errorf("gateway: init audit: %w", err)
	}

	var statsSink config.StatsSink
	var toolConfigStore config.ToolConfigStore
	if configPath != "" {
		statsSink = config.NewFileStatsSink(configPath)
		toolConfigStore = config.NewFileToolConfigStore(configPath)
	}

	inline := customtool.NewWazeroInlineRunner(context.Background())
	dispatcher := &routerDispatcher{}
	customReg, err := customtool.New(cfg.CustomTools, dispatcher, inline, logger)
	if err != nil {
		_ = closeAudit()
		_ = shutdownTelemetry(context.Background())
		return nil, fmt.Errorf("gateway: init custom tools: %w", err)
	}

	router := toolrouter.New(reg, customReg, bus,
		toolrouter.WithToolConfigStore(toolConfigStore),
		toolrouter.WithStatsSink(statsSink),
		toolrouter.WithAuditSink(auditSink),
		toolrouter.WithLogger(logger),
	)
	dispatcher.router = router

	rateLimiter := middleware.NewRateLimiter(cfg.Middleware.RateLimit, nil)
	chain := middleware.NewChain(rateLimiter.Middleware(), middleware.NewMetricsMiddleware(metrics))
	wrappedCall := mcphandler.CallToolFunc(chain.Apply(func(ctx context.Context, name string, args map[string]any) (xiaozhi.ToolCallResult, error) {
		return router.CallTool(ctx, name, args, toolrouter.CallOptions{})
	}))

	mcp := mcphandler.New(router, mcphandler.ServerInfo{Name: cfg.Server.Name, Version: cfg.Server.Version}, logger,
		mcphandler.WithCallTool(wrappedCall))

	upstreamMgr := upstream.New(mcp, cfg.Connection, bus, logger)
	upstreamMgr.Initialize(cfg.MCPEndpoint)

	authChain := authn.New(cfg.Auth)

	deps := httpapi.Deps{
		Router:     router,
		ToolCaller: wrappedCall,
		Registry:   reg,
		Upstream:   upstreamMgr,
		MCP:        mcp,
		Bus:        bus,
		AuditQuery: sqliteSink,
		Auth:       authChain,
		ConfigPath: configPath,
		Logger:     logger,
	}
	if cfg.Observability.MetricsEnabled {
		deps.MetricsHandler = metrics.Handler()
		deps.MetricsPath = cfg.Observability.MetricsPath
	}
	httpSrv := httpapi.New(cfg.ControlAPI, deps)

	return &App{
		cfg:               cfg,
		logger:            logger,
		bus:               bus,
		registry:          reg,
		retry:             retrySup,
		router:            router,
		customReg:         customReg,
		inline:            inline,
		mcp:               mcp,
		upstream:          upstreamMgr,
		auth:              authChain,
		http:              httpSrv,
		metrics:           metrics,
		shutdownTelemetry: shutdownTelemetry,
		closeAudit:        closeAudit,
	}, nil
}

// Run connects every configured backend, dials the upstream xiaozhi
// endpoints, starts the health-check and retry loops, and blocks serving
// the control surface until ctx is cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return fmt.Errorf("gateway: already running")
	}
	a.started = true
	a.mu.Unlock()

	services := a.registry.Services()
	serviceList := make([]*backend.Service, 0, len(services))
	for _, svc := range services {
		serviceList = append(serviceList, svc)
	}
	results := backend.StartAllServices(ctx, serviceList)

	var failed []string
	for name, err := range results {
		if err != nil {
			a.logger.Warn("backend failed to connect, scheduling retry", "backend", name, "error", err)
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	a.retry.ScheduleFailedServicesRetry(ctx, failed, a.retryBackend)

	if len(a.cfg.MCPEndpoint) > 0 {
		connectResults := a.upstream.Connect(ctx)
		for endpoint, err := range connectResults {
			if err != nil {
				a.logger.Warn("upstream endpoint failed initial connect", "endpoint", endpoint, "error", err)
			}
		}
		go a.upstream.StartHealthCheckLoop(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.http.Run(gctx)
	})

	err := g.Wait()
	a.Close(context.Background())
	return err
}

// retryBackend is the retry.RetryFunc the Supervisor calls on each
// scheduled attempt: look the service up again (it may have been removed
// since scheduling) and reattempt Connect.
func (a *App) retryBackend(ctx context.Context, name string) error {
	svc, ok := a.registry.Service(name)
	if !ok {
		return nil // removed since the retry was scheduled; nothing to do
	}
	return svc.Connect(ctx)
}

// Close stops every component in reverse construction order. Idempotent.
func (a *App) Close(ctx context.Context) {
	a.retry.StopAll()

	drainCtx, drainCancel := context.WithTimeout(ctx, a.drainTimeoutOrDefault())
	defer drainCancel()
	for _, svc := range a.registry.Services() {
		_ = svc.Stop(drainCtx, "shutdown")
	}

	a.upstream.Shutdown(ctx)

	if err := a.http.Close(); err != nil {
		a.logger.Warn("control api close error", "error", err)
	}

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.inline.Close(closeCtx); err != nil {
		a.logger.Warn("inline runner close error", "error", err)
	}

	if a.closeAudit != nil {
		if err := a.closeAudit(); err != nil {
			a.logger.Warn("audit sink close error", "error", err)
		}
	}

	if a.shutdownTelemetry != nil {
		if err := a.shutdownTelemetry(ctx); err != nil {
			a.logger.Warn("telemetry shutdown error", "error", err)
		}
	}
}

// Registry exposes the backend registry for callers that need direct
// status access (the CLI's `status`/`attach` subcommands).
func (a *App) Registry() *registry.Registry { return a.registry }

// Router exposes the tool router for direct status/introspection.
func (a *App) Router() *toolrouter.Router { return a.router }
