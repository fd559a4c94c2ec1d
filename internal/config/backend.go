package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xzmcp/gateway/pkg/xiaozhi"
)

// TransportKind is the BackendConfig discriminator (spec §3).
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportSSE             TransportKind = "sse"
	TransportStreamableHTTP TransportKind = "streamableHttp"
)

// DefaultTimeout is applied to any backend that does not set one (spec §3).
const DefaultTimeout = 30 * time.Second

var scriptSuffixes = []string{".js", ".ts", ".py", ".mjs", ".cjs"}

// ContainerConfig optionally sandboxes a Stdio backend inside a Docker
// container instead of a bare host process (SPEC_FULL.md domain stack:
// adapted from the teacher's internal/runtime/docker).
type ContainerConfig struct {
	Image      string
	WorkDir    string
	AutoRemove bool
}

// StdioConfig holds Stdio-transport specifics.
type StdioConfig struct {
	Command   string
	Args      []string
	Env       map[string]string
	WorkDir   string
	Container *ContainerConfig
}

// SSEConfig holds SSE-transport specifics.
type SSEConfig struct {
	URL            string
	ModelScopeAuth bool
}

// StreamableHTTPConfig holds Streamable-HTTP-transport specifics.
type StreamableHTTPConfig struct {
	URL string
}

// BackendConfig is the normalized tagged union described in spec §3.
type BackendConfig struct {
	Name      string
	Transport TransportKind
	Headers   map[string]string
	APIKey    string
	Timeout   time.Duration

	Stdio          *StdioConfig
	SSE            *SSEConfig
	StreamableHTTP *StreamableHTTPConfig
}

// RawBackendConfig is the loosely-typed legacy shape read straight out of
// the JSON config file's mcpServers.<name> entry, before normalization.
type RawBackendConfig struct {
	Transport string            `json:"transport,omitempty" koanf:"transport"`
	Command   string            `json:"command,omitempty" koanf:"command"`
	Args      []string          `json:"args,omitempty" koanf:"args"`
	Env       map[string]string `json:"env,omitempty" koanf:"env"`
	URL       string            `json:"url,omitempty" koanf:"url"`
	Headers   map[string]string `json:"headers,omitempty" koanf:"headers"`
	APIKey    string            `json:"apiKey,omitempty" koanf:"apiKey"`
	TimeoutMs int               `json:"timeout,omitempty" koanf:"timeout"`
	WorkDir   string            `json:"workDir,omitempty" koanf:"workDir"`
	Container *ContainerConfig  `json:"container,omitempty" koanf:"container"`
}

// InferTransport applies spec §3's inference rule: explicit "transport"
// wins; else Command presence means Stdio; else the URL path decides SSE
// vs StreamableHTTP. The check is case-sensitive and trailing-slash
// sensitive by design (spec §9 Open Question — do not "fix" this).
func InferTransport(raw RawBackendConfig) (TransportKind, error) {
	switch strings.TrimSpace(raw.Transport) {
	case string(TransportStdio):
		return TransportStdio, nil
	case string(TransportSSE):
		return TransportSSE, nil
	case string(TransportStreamableHTTP):
		return TransportStreamableHTTP, nil
	case "":
		// fall through to inference
	default:
		return "", fmt.Errorf("%w: unknown transport %q", xiaozhi.ErrInvalidConfig, raw.Transport)
	}

	if strings.TrimSpace(raw.Command) != "" {
		return TransportStdio, nil
	}

	u, err := url.Parse(raw.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: unparseable url %q", xiaozhi.ErrInvalidConfig, raw.URL)
	}
	if strings.HasSuffix(u.Path, "/sse") {
		return TransportSSE, nil
	}
	return TransportStreamableHTTP, nil
}

// isModelScopeHost reports whether host is a ModelScope-hosted endpoint
// (spec §3/§4.2).
func isModelScopeHost(host string) bool {
	host = strings.ToLower(host)
	return strings.HasSuffix(host, "modelscope.net") || strings.HasSuffix(host, "modelscope.cn")
}

// Normalize validates and normalizes one backend entry. cfgDir is the
// directory the config file lives in, used to resolve relative script
// paths in Stdio args.
func Normalize(name string, raw RawBackendConfig, cfgDir string) (*BackendConfig, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: backend name is required", xiaozhi.ErrInvalidConfig)
	}

	transport, err := InferTransport(raw)
	if err != nil {
		return nil, err
	}

	timeout := DefaultTimeout
	if raw.TimeoutMs > 0 {
		timeout = time.Duration(raw.TimeoutMs) * time.Millisecond
	}

	cfg := &BackendConfig{
		Name:      name,
		Transport: transport,
		Headers:   cloneMap(raw.Headers),
		APIKey:    raw.APIKey,
		Timeout:   timeout,
	}

	switch transport {
	case TransportStdio:
		if strings.TrimSpace(raw.Command) == "" {
			return nil, fmt.Errorf("%w: backend %q: command is required for stdio transport", xiaozhi.ErrInvalidConfig, name)
		}
		cfg.Stdio = &StdioConfig{
			Command:   raw.Command,
			Args:      resolveStdioArgs(raw.Args, cfgDir),
			Env:       cloneMap(raw.Env),
			WorkDir:   firstNonEmpty(raw.WorkDir, cfgDir),
			Container: raw.Container,
		}
	case TransportSSE:
		u, err := url.Parse(raw.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: backend %q: invalid url: %v", xiaozhi.ErrInvalidConfig, name, err)
		}
		cfg.SSE = &SSEConfig{URL: raw.URL, ModelScopeAuth: isModelScopeHost(u.Host)}
	case TransportStreamableHTTP:
		if _, err := url.Parse(raw.URL); err != nil {
			return nil, fmt.Errorf("%w: backend %q: invalid url: %v", xiaozhi.ErrInvalidConfig, name, err)
		}
		cfg.StreamableHTTP = &StreamableHTTPConfig{URL: raw.URL}
	}

	return cfg, nil
}

// resolveStdioArgs applies spec §3's eager, idempotent path normalization:
// script-looking args (by suffix) are made absolute relative to cfgDir
// unless already absolute; other args are left untouched.
func resolveStdioArgs(args []string, cfgDir string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if isScriptArg(a) && !filepath.IsAbs(a) && cfgDir != "" {
			out[i] = filepath.Join(cfgDir, a)
		} else {
			out[i] = a
		}
	}
	return out
}

func isScriptArg(arg string) bool {
	lower := strings.ToLower(arg)
	for _, suf := range scriptSuffixes {
		if strings.HasSuffix(lower, suf) {
			return true
		}
	}
	return false
}

// Describe produces a short human label, e.g. "Stdio (python)",
// "SSE (https://…)", or "SSE (ModelScope) (…)" (spec §4.1).
func Describe(cfg *BackendConfig) string {
	switch cfg.Transport {
	case TransportStdio:
		bin := filepath.Base(cfg.Stdio.Command)
		return fmt.Sprintf("Stdio (%s)", bin)
	case TransportSSE:
		if cfg.SSE.ModelScopeAuth {
			return fmt.Sprintf("SSE (ModelScope) (%s)", cfg.SSE.URL)
		}
		return fmt.Sprintf("SSE (%s)", cfg.SSE.URL)
	case TransportStreamableHTTP:
		return fmt.Sprintf("StreamableHTTP (%s)", cfg.StreamableHTTP.URL)
	default:
		return "Unknown"
	}
}

// NormalizeBatch normalizes every entry in raws, failing fast on the first
// invalid one (spec §4.1). Order of failure detection is by sorted key so
// error messages are deterministic in tests.
func NormalizeBatch(raws map[string]RawBackendConfig, cfgDir string) (map[string]*BackendConfig, error) {
	names := make([]string, 0, len(raws))
	for name := range raws {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]*BackendConfig, len(raws))
	for _, name := range names {
		cfg, err := Normalize(name, raws[name], cfgDir)
		if err != nil {
			return nil, err
		}
		out[name] = cfg
	}
	return out, nil
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// ResolveModelScopeAPIKey implements the precedence rule in spec §4.2:
// explicit headers.Authorization > per-service apiKey > global modelscope
// config key > MODELSCOPE_API_TOKEN env var.
func ResolveModelScopeAPIKey(cfg *BackendConfig, globalKey string) (string, error) {
	if v := cfg.Headers["Authorization"]; strings.TrimSpace(v) != "" {
		return strings.TrimPrefix(v, "Bearer "), nil
	}
	if strings.TrimSpace(cfg.APIKey) != "" {
		return cfg.APIKey, nil
	}
	if strings.TrimSpace(globalKey) != "" {
		return globalKey, nil
	}
	if v := os.Getenv("MODELSCOPE_API_TOKEN"); strings.TrimSpace(v) != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: missing modelscope auth for backend %q", xiaozhi.ErrInvalidConfig, cfg.Name)
}
