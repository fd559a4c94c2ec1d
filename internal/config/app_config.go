// Package config defines the gateway's configuration model and the
// normalization logic for individual backend entries (BackendConfig, see
// backend.go).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AppConfig holds every setting the gateway loads from defaults, the legacy
// JSON config file, and the environment (see Load in loader.go).
type AppConfig struct {
	Server      ServerConfig             `koanf:"server"`
	ControlAPI  ControlAPIConfig         `koanf:"controlApi"`
	MCPEndpoint []string                 `koanf:"mcpEndpoint"`
	Backends    map[string]RawBackendConfig `koanf:"mcpServers"`
	CustomTools map[string]CustomToolRawConfig `koanf:"customTools"`
	Connection  ConnectionConfig         `koanf:"connection"`
	Retry       RetryConfig              `koanf:"retry"`
	Audit       AuditConfig              `koanf:"audit"`
	ModelScope  ModelScopeConfig         `koanf:"modelscope"`
	Auth        AuthConfig               `koanf:"auth"`
	Middleware  MiddlewareConfig         `koanf:"middleware"`
	Observability ObservabilityConfig    `koanf:"observability"`
}

// ServerConfig holds server identity settings.
type ServerConfig struct {
	Name    string `koanf:"name"`
	Version string `koanf:"version"`
}

// ControlAPIConfig configures the thin local REST/WS control surface (spec §6).
type ControlAPIConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
}

// ConnectionConfig holds upstream connection tuning (spec §6:
// `connection: {heartbeatInterval, healthCheckInterval, reconnectInterval,
// maxReconnectAttempts, loadBalanceStrategy, connectionTimeout}`).
type ConnectionConfig struct {
	HeartbeatInterval    time.Duration `koanf:"heartbeatInterval"`
	HealthCheckInterval  time.Duration `koanf:"healthCheckInterval"`
	ReconnectInterval    time.Duration `koanf:"reconnectInterval"`
	MaxReconnectAttempts int          `koanf:"maxReconnectAttempts"`
	LoadBalanceStrategy  string        `koanf:"loadBalanceStrategy"`
	ConnectionTimeout    time.Duration `koanf:"connectionTimeout"`
}

// RetryConfig tunes the backend retry/backoff policy (spec §4.2/§9 invariant #4).
type RetryConfig struct {
	InitialDelayMin time.Duration `koanf:"initialDelayMin"`
	InitialDelayMax time.Duration `koanf:"initialDelayMax"`
	MaxDelay        time.Duration `koanf:"maxDelay"`
}

// AuditConfig configures the append-only tool-call audit log (spec §6).
type AuditConfig struct {
	Path       string `koanf:"path"`
	MaxRecords int    `koanf:"maxRecords"`
	MaxSizeMB  int    `koanf:"maxSizeMb"`
	MaxBackups int    `koanf:"maxBackups"`
	SQLitePath string `koanf:"sqlitePath"`
}

// ModelScopeConfig holds the global ModelScope auth fallback (spec §4.2/§7).
type ModelScopeConfig struct {
	APIKey string `koanf:"apiKey"`
}

// AuthConfig configures optional bearer-token auth for the local control surface.
type AuthConfig struct {
	APIKeys []string      `koanf:"apiKeys"`
	JWT     JWTAuthConfig `koanf:"jwt"`
}

// JWTAuthConfig configures optional JWT verification for the control surface.
type JWTAuthConfig struct {
	Enabled bool   `koanf:"enabled"`
	Secret  string `koanf:"secret"`
	Issuer  string `koanf:"issuer"`
}

// MiddlewareConfig configures the tool-call middleware chain (audit, rate
// limit, metrics — adapted from the teacher's internal/middleware.Config).
type MiddlewareConfig struct {
	RateLimit RateLimitConfig `koanf:"rateLimit"`
}

// RateLimitConfig configures per-tool/per-caller rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `koanf:"enabled"`
	RequestsPerSecond float64 `koanf:"requestsPerSecond"`
	Burst             int     `koanf:"burst"`
}

// ObservabilityConfig configures metrics/tracing (spec's ambient stack).
type ObservabilityConfig struct {
	MetricsEnabled bool   `koanf:"metricsEnabled"`
	MetricsPath    string `koanf:"metricsPath"`
	TracingEnabled bool   `koanf:"tracingEnabled"`
}

// CustomToolRawConfig is the legacy shape of one customTools.<name> entry
// (spec §4/Design Notes; kinds: mcp, coze, dify, n8n, inline).
type CustomToolRawConfig struct {
	Kind        string            `koanf:"kind"`
	Description string            `koanf:"description"`
	Target      string            `koanf:"target"`
	WebhookURL  string            `koanf:"webhookUrl"`
	Secret      string            `koanf:"secret"`
	Script      string            `koanf:"script"`
	InputSchema map[string]any    `koanf:"inputSchema"`
	Headers     map[string]string `koanf:"headers"`
}

var validLoadBalanceStrategies = map[string]bool{
	"round-robin":   true,
	"random":        true,
	"least-inflight": true,
}

// DefaultAppConfig returns the default configuration (spec §6 defaults).
func DefaultAppConfig() AppConfig {
	return AppConfig{
		Server: ServerConfig{
			Name:    "xzgateway",
			Version: "dev",
		},
		ControlAPI: ControlAPIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    9999,
		},
		Backends:    map[string]RawBackendConfig{},
		CustomTools: map[string]CustomToolRawConfig{},
		Connection: ConnectionConfig{
			HeartbeatInterval:    20 * time.Second,
			HealthCheckInterval:  30 * time.Second,
			ReconnectInterval:    5 * time.Second,
			MaxReconnectAttempts: 10,
			LoadBalanceStrategy:  "round-robin",
			ConnectionTimeout:    10 * time.Second,
		},
		Retry: RetryConfig{
			InitialDelayMin: 30 * time.Second,
			InitialDelayMax: 90 * time.Second,
			MaxDelay:        5 * time.Minute,
		},
		Audit: AuditConfig{
			Path:       "logs/audit.jsonl",
			MaxRecords: 10000,
			MaxSizeMB:  50,
			MaxBackups: 5,
		},
		Middleware: MiddlewareConfig{
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 10,
				Burst:             20,
			},
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: true,
			MetricsPath:    "/metrics",
			TracingEnabled: false,
		},
	}
}

// Validate checks the configuration for errors (spec §4.1/§9).
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Server.Name) == "" {
		return errors.New("server name is required")
	}

	if c.ControlAPI.Enabled && (c.ControlAPI.Port <= 0 || c.ControlAPI.Port > 65535) {
		return fmt.Errorf("invalid control api port %d, must be 1-65535", c.ControlAPI.Port)
	}

	if !validLoadBalanceStrategies[c.Connection.LoadBalanceStrategy] {
		return fmt.Errorf("invalid loadBalanceStrategy %q, must be one of: round-robin, random, least-inflight",
			c.Connection.LoadBalanceStrategy)
	}
	if c.Connection.MaxReconnectAttempts < 0 {
		return errors.New("connection maxReconnectAttempts cannot be negative")
	}
	if c.Connection.HeartbeatInterval <= 0 || c.Connection.HealthCheckInterval <= 0 {
		return errors.New("connection heartbeatInterval and healthCheckInterval must be positive")
	}

	if c.Retry.InitialDelayMin <= 0 || c.Retry.InitialDelayMax < c.Retry.InitialDelayMin {
		return errors.New("retry initialDelayMax must be >= initialDelayMin, both positive")
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelayMax {
		return errors.New("retry maxDelay must be >= initialDelayMax")
	}

	for name, raw := range c.Backends {
		if _, err := Normalize(name, raw, ""); err != nil {
			return fmt.Errorf("backend %q: %w", name, err)
		}
	}

	for name, ct := range c.CustomTools {
		if strings.TrimSpace(ct.Kind) == "" {
			return fmt.Errorf("custom tool %q: kind is required", name)
		}
	}

	return nil
}
