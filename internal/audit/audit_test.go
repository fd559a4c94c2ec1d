package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xzmcp/gateway/internal/config"
	"github.com/xzmcp/gateway/internal/toolrouter"
)

func sampleRecord() toolrouter.AuditRecord {
	return toolrouter.AuditRecord{
		Timestamp:        time.Now(),
		ToolName:         "calc_xzcli_add",
		OriginalToolName: "add",
		ServerName:       "calc",
		Arguments:        map[string]any{"a": 1.0, "b": 2.0},
		Success:          true,
		Duration:         42 * time.Millisecond,
	}
}

func TestJSONLSinkWritesOneLinePerRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	sink := NewJSONLSink(config.AuditConfig{Path: path}, nil)
	require.NotNil(t, sink)
	t.Cleanup(func() { _ = sink.Close() })

	sink.RecordToolCall(sampleRecord())
	sink.RecordToolCall(sampleRecord())
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := splitNonEmptyLines(string(data))
	require.Len(t, lines, 2)

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "calc_xzcli_add", rec.ToolName)
	require.True(t, rec.Success)
	require.Equal(t, int64(42), rec.DurationMS)
}

func TestNewJSONLSinkDisabledWithoutPath(t *testing.T) {
	sink := NewJSONLSink(config.AuditConfig{}, nil)
	require.Nil(t, sink)
	// RecordToolCall and Close on a nil *JSONLSink must be no-ops, matching
	// the router's unconditional WithAuditSink wiring even when disabled.
	sink.RecordToolCall(sampleRecord())
	require.NoError(t, sink.Close())
}

func TestJSONLSinkRotatesEveryMaxRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	sink := NewJSONLSink(config.AuditConfig{Path: path, MaxRecords: 2}, nil)
	require.NotNil(t, sink)
	t.Cleanup(func() { _ = sink.Close() })

	sink.RecordToolCall(sampleRecord())
	sink.RecordToolCall(sampleRecord())
	sink.RecordToolCall(sampleRecord())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 2, "expected a rotated backup file alongside the active log")
}

func TestSQLiteSinkRecordsAndQueriesRecent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.sqlite")

	sink, err := OpenSQLiteSink(path, nil)
	require.NoError(t, err)
	require.NotNil(t, sink)
	t.Cleanup(func() { _ = sink.Close() })

	rec1 := sampleRecord()
	rec2 := sampleRecord()
	rec2.Success = false
	rec2.Error = "tool_not_found"
	sink.RecordToolCall(rec1)
	sink.RecordToolCall(rec2)

	recent, err := sink.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.False(t, recent[0].Success, "most recent record (rec2) should come first")
	require.Equal(t, "tool_not_found", recent[0].Error)
}

func TestOpenSQLiteSinkDisabledWithoutPath(t *testing.T) {
	sink, err := OpenSQLiteSink("", nil)
	require.NoError(t, err)
	require.Nil(t, sink)
}

func TestNewComposesConfiguredBackends(t *testing.T) {
	dir := t.TempDir()
	cfg := config.AuditConfig{
		Path:       filepath.Join(dir, "audit.jsonl"),
		SQLitePath: filepath.Join(dir, "audit.sqlite"),
	}

	sink, sqliteSink, closeFn, err := New(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, sink)
	require.NotNil(t, sqliteSink)
	t.Cleanup(func() { _ = closeFn() })

	sink.RecordToolCall(sampleRecord())

	recent, err := sqliteSink.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)

	data, err := os.ReadFile(cfg.Path)
	require.NoError(t, err)
	require.NotEmpty(t, data)
}

func TestNewReturnsNilSinkWhenUnconfigured(t *testing.T) {
	sink, sqliteSink, closeFn, err := New(config.AuditConfig{}, nil)
	require.NoError(t, err)
	require.Nil(t, sink)
	require.Nil(t, sqliteSink)
	require.NoError(t, closeFn())
}

func splitNonEmptyLines(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			if line := s[start:i]; line != "" {
				out = append(out, line)
			}
			start = i + 1
		}
	}
	if start < len(s) && s[start:] != "" {
		out = append(out, s[start:])
	}
	return out
}
