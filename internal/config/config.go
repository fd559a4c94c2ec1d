package config

import (
	"fmt"
	"os"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// StatsSink persists per-tool usage statistics back into the legacy config
// file so they survive restarts (ported from the original xiaozhi-client,
// see SPEC_FULL.md's supplemented-features section). internal/toolrouter
// depends on this interface, not on this package directly.
type StatsSink interface {
	RecordToolUsage(serviceName, toolName string, usedAt time.Time) error
}

// FileStatsSink implements StatsSink by rewriting
// mcpServerConfig.<service>.tools.<tool>.{usageCount,lastUsedTime} in place,
// using gjson/sjson instead of a full decode-mutate-encode round trip so
// unrelated fields and formatting are preserved.
type FileStatsSink struct {
	Path string
}

// NewFileStatsSink builds a sink writing to path.
func NewFileStatsSink(path string) *FileStatsSink {
	return &FileStatsSink{Path: path}
}

// RecordToolUsage bumps usageCount and sets lastUsedTime for one tool.
func (s *FileStatsSink) RecordToolUsage(serviceName, toolName string, usedAt time.Time) error {
	if s == nil || s.Path == "" {
		return nil
	}

	// #nosec G304 -- path is the operator-supplied config file, read/written intentionally.
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", s.Path, err)
	}

	base := fmt.Sprintf("mcpServerConfig.%s.tools.%s", serviceName, toolName)
	current := gjson.GetBytes(raw, base+".usageCount")
	next := int64(1)
	if current.Exists() {
		next = current.Int() + 1
	}

	updated, err := sjson.SetBytes(raw, base+".usageCount", next)
	if err != nil {
		return fmt.Errorf("set usageCount: %w", err)
	}
	updated, err = sjson.SetBytes(updated, base+".lastUsedTime", usedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("set lastUsedTime: %w", err)
	}

	return os.WriteFile(s.Path, updated, 0o644)
}

// ToolConfig is one entry of mcpServerConfig.<service>.tools.<tool> (spec §6).
type ToolConfig struct {
	Description string `json:"description"`
	Enabled     bool   `json:"enable"`
}

// ToolConfigStore is the external "declarative tool-config view" C6 consults
// for per-tool enablement and self-heals after service connect/disconnect
// (spec §4.6). internal/toolrouter depends on this interface, not on this
// package directly.
type ToolConfigStore interface {
	// ToolConfig returns the stored config for one backend tool. ok is false
	// when no entry exists yet (a brand-new tool the self-heal pass should add).
	ToolConfig(serviceName, toolName string) (cfg ToolConfig, ok bool, err error)
	// SetToolConfig upserts one tool's config entry.
	SetToolConfig(serviceName, toolName string, cfg ToolConfig) error
	// RemoveToolConfig drops a tool entry no longer advertised by its service.
	RemoveToolConfig(serviceName, toolName string) error
	// ListServiceTools returns every stored tool config for one service,
	// keyed by local tool name, used by the self-heal pass to find entries
	// whose backend tool no longer exists.
	ListServiceTools(serviceName string) (map[string]ToolConfig, error)
}

// FileToolConfigStore implements ToolConfigStore against the legacy config
// file's mcpServerConfig.<service>.tools.<tool> tree via gjson/sjson, the
// same targeted-mutation approach FileStatsSink uses.
type FileToolConfigStore struct {
	Path string
}

// NewFileToolConfigStore builds a store backed by the config file at path.
func NewFileToolConfigStore(path string) *FileToolConfigStore {
	return &FileToolConfigStore{Path: path}
}

func (s *FileToolConfigStore) basePath(serviceName, toolName string) string {
	return fmt.Sprintf("mcpServerConfig.%s.tools.%s", serviceName, toolName)
}

// ToolConfig reads one tool's stored config.
func (s *FileToolConfigStore) ToolConfig(serviceName, toolName string) (ToolConfig, bool, error) {
	if s == nil || s.Path == "" {
		return ToolConfig{}, false, nil
	}
	// #nosec G304 -- operator-supplied config path.
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return ToolConfig{}, false, nil
		}
		return ToolConfig{}, false, fmt.Errorf("read config %q: %w", s.Path, err)
	}
	result := gjson.GetBytes(raw, s.basePath(serviceName, toolName))
	if !result.Exists() {
		return ToolConfig{}, false, nil
	}
	return ToolConfig{
		Description: result.Get("description").String(),
		Enabled:     result.Get("enable").Bool(),
	}, true, nil
}

// SetToolConfig upserts one tool's config entry, preserving the rest of the
// file untouched.
func (s *FileToolConfigStore) SetToolConfig(serviceName, toolName string, cfg ToolConfig) error {
	if s == nil || s.Path == "" {
		return nil
	}
	// #nosec G304 -- operator-supplied config path.
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", s.Path, err)
	}
	base := s.basePath(serviceName, toolName)
	updated, err := sjson.SetBytes(raw, base+".description", cfg.Description)
	if err != nil {
		return fmt.Errorf("set description: %w", err)
	}
	updated, err = sjson.SetBytes(updated, base+".enable", cfg.Enabled)
	if err != nil {
		return fmt.Errorf("set enable: %w", err)
	}
	return os.WriteFile(s.Path, updated, 0o644)
}

// ListServiceTools returns every stored tool config under one service.
func (s *FileToolConfigStore) ListServiceTools(serviceName string) (map[string]ToolConfig, error) {
	out := map[string]ToolConfig{}
	if s == nil || s.Path == "" {
		return out, nil
	}
	// #nosec G304 -- operator-supplied config path.
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("read config %q: %w", s.Path, err)
	}
	result := gjson.GetBytes(raw, fmt.Sprintf("mcpServerConfig.%s.tools", serviceName))
	if !result.Exists() {
		return out, nil
	}
	result.ForEach(func(key, value gjson.Result) bool {
		out[key.String()] = ToolConfig{
			Description: value.Get("description").String(),
			Enabled:     value.Get("enable").Bool(),
		}
		return true
	})
	return out, nil
}

// RemoveToolConfig deletes one tool's config entry.
func (s *FileToolConfigStore) RemoveToolConfig(serviceName, toolName string) error {
	if s == nil || s.Path == "" {
		return nil
	}
	// #nosec G304 -- operator-supplied config path.
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %q: %w", s.Path, err)
	}
	updated, err := sjson.DeleteBytes(raw, s.basePath(serviceName, toolName))
	if err != nil {
		return fmt.Errorf("delete tool config: %w", err)
	}
	return os.WriteFile(s.Path, updated, 0o644)
}

// GetConfigValue reads a single dotted-path value out of the legacy config
// file, backing the `get-config` CLI hook (spec §1 Non-goals: CLI parsing is
// out of scope, but the underlying read/write primitive is not).
func GetConfigValue(path, key string) (string, error) {
	// #nosec G304 -- operator-supplied config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read config %q: %w", path, err)
	}
	result := gjson.GetBytes(raw, key)
	if !result.Exists() {
		return "", fmt.Errorf("key %q not found in %q", key, path)
	}
	return result.Raw, nil
}

// SetConfigValue writes a single dotted-path value into the legacy config
// file, backing the `set-config` CLI hook.
func SetConfigValue(path, key, jsonValue string) error {
	// #nosec G304 -- operator-supplied config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}
	updated, err := sjson.SetRawBytes(raw, key, []byte(jsonValue))
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return os.WriteFile(path, updated, 0o644)
}
