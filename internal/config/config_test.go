package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestFileStatsSinkRecordsUsageAndPreservesOtherFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"mcpEndpoint": "wss://example.com/mcp",
		"mcpServers": {"calc": {"command": "node"}},
		"mcpServerConfig": {"calc": {"tools": {"add": {"enabled": true}}}}
	}`), 0o644))

	sink := NewFileStatsSink(path)
	require.NoError(t, sink.RecordToolUsage("calc", "add", fixedTime))
	require.NoError(t, sink.RecordToolUsage("calc", "add", fixedTime))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	count, err := GetConfigValue(path, "mcpServerConfig.calc.tools.add.usageCount")
	require.NoError(t, err)
	require.Equal(t, "2", count)
	require.Contains(t, string(raw), `"enabled":true`)
	require.Contains(t, string(raw), "mcpEndpoint")
}

func TestSetConfigValueRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers":{}}`), 0o644))

	require.NoError(t, SetConfigValue(path, "mcpServers.calc.tools.add.enabled", "false"))
	v, err := GetConfigValue(path, "mcpServers.calc.tools.add.enabled")
	require.NoError(t, err)
	require.Equal(t, "false", v)
}

func TestFileToolConfigStoreRoundTripsAndPreservesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServerConfig":{}}`), 0o644))

	store := NewFileToolConfigStore(path)

	_, ok, err := store.ToolConfig("calc", "add")
	require.NoError(t, err)
	require.False(t, ok, "no entry yet")

	require.NoError(t, store.SetToolConfig("calc", "add", ToolConfig{Description: "adds numbers", Enabled: true}))
	cfg, ok, err := store.ToolConfig("calc", "add")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, cfg.Enabled)
	require.Equal(t, "adds numbers", cfg.Description)

	// A description-only update must preserve a prior enable=false override.
	require.NoError(t, store.SetToolConfig("calc", "add", ToolConfig{Description: "adds numbers", Enabled: false}))
	require.NoError(t, store.SetToolConfig("calc", "add", ToolConfig{Description: "adds two numbers", Enabled: false}))
	cfg, ok, err = store.ToolConfig("calc", "add")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, cfg.Enabled)
	require.Equal(t, "adds two numbers", cfg.Description)

	require.NoError(t, store.RemoveToolConfig("calc", "add"))
	_, ok, err = store.ToolConfig("calc", "add")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileToolConfigStoreListServiceTools(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"mcpServerConfig": {"calc": {"tools": {
			"add": {"description": "adds", "enable": true},
			"sub": {"description": "subtracts", "enable": false}
		}}}
	}`), 0o644))

	store := NewFileToolConfigStore(path)
	tools, err := store.ListServiceTools("calc")
	require.NoError(t, err)
	require.Len(t, tools, 2)
	require.True(t, tools["add"].Enabled)
	require.False(t, tools["sub"].Enabled)

	empty, err := store.ListServiceTools("unknown")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestFileToolConfigStoreMissingFileIsNotAnError(t *testing.T) {
	store := NewFileToolConfigStore(filepath.Join(t.TempDir(), "missing.json"))
	_, ok, err := store.ToolConfig("calc", "add")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetConfigValueMissingKeyErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	_, err := GetConfigValue(path, "nope")
	require.Error(t, err)
}
