// Package audit persists every tool invocation the router dispatches (spec
// §6): an append-only, rotated JSONL log for tailing, and an optional
// SQLite mirror for queryable history. Both implement toolrouter.AuditSink
// so the router never knows which backends are wired in.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	_ "modernc.org/sqlite"

	"github.com/xzmcp/gateway/internal/config"
	"github.com/xzmcp/gateway/internal/toolrouter"
)

// Record mirrors toolrouter.AuditRecord in a JSON/SQL-friendly shape.
type Record struct {
	Timestamp        time.Time      `json:"timestamp"`
	ToolName         string         `json:"toolName"`
	OriginalToolName string         `json:"originalToolName"`
	ServerName       string         `json:"serverName"`
	Arguments        map[string]any `json:"arguments,omitempty"`
	Success          bool           `json:"success"`
	DurationMS       int64          `json:"durationMs"`
	Error            string         `json:"error,omitempty"`
}

func toRecord(rec toolrouter.AuditRecord) Record {
	return Record{
		Timestamp:        rec.Timestamp,
		ToolName:         rec.ToolName,
		OriginalToolName: rec.OriginalToolName,
		ServerName:       rec.ServerName,
		Arguments:        rec.Arguments,
		Success:          rec.Success,
		DurationMS:       rec.Duration.Milliseconds(),
		Error:            rec.Error,
	}
}

// JSONLSink appends one JSON object per line to a lumberjack-rotated file.
// MaxRecords, when set, forces a rotation every N records in addition to
// lumberjack's own MaxSize-based rotation — useful when operators want a
// predictable record count per file regardless of payload size.
type JSONLSink struct {
	logger     *lumberjack.Logger
	maxRecords int64
	written    atomic.Int64
	mu         sync.Mutex
	log        *slog.Logger
}

// NewJSONLSink builds a JSONL sink from AuditConfig. Path == "" disables it
// (NewJSONLSink returns nil).
func NewJSONLSink(cfg config.AuditConfig, logger *slog.Logger) *JSONLSink {
	if cfg.Path == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONLSink{
		logger: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		},
		maxRecords: int64(cfg.MaxRecords),
		log:        logger,
	}
}

// RecordToolCall implements toolrouter.AuditSink.
func (s *JSONLSink) RecordToolCall(rec toolrouter.AuditRecord) {
	if s == nil {
		return
	}
	b, err := json.Marshal(toRecord(rec))
	if err != nil {
		s.log.Warn("audit: failed to marshal record", "err", err)
		return
	}
	b = append(b, '\n')

	s.mu.Lock()
	_, writeErr := s.logger.Write(b)
	s.mu.Unlock()
	if writeErr != nil {
		s.log.Warn("audit: failed to write jsonl record", "err", writeErr)
		return
	}

	if s.maxRecords <= 0 {
		return
	}
	if n := s.written.Add(1); n%s.maxRecords == 0 {
		s.mu.Lock()
		if err := s.logger.Rotate(); err != nil {
			s.log.Warn("audit: record-count rotation failed", "err", err)
		}
		s.mu.Unlock()
	}
}

// Close flushes and closes the underlying rotated file.
func (s *JSONLSink) Close() error {
	if s == nil {
		return nil
	}
	return s.logger.Close()
}

// SQLiteSink mirrors audit records into a queryable SQLite table, the
// persistence shape the teacher uses for its own runtime-limits store
// (internal/state/limits), adapted here to an append-only call history
// instead of a single-row settings table.
type SQLiteSink struct {
	db  *sql.DB
	log *slog.Logger
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS tool_call_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	original_tool_name TEXT NOT NULL,
	server_name TEXT NOT NULL,
	arguments TEXT,
	success INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_tool_call_audit_timestamp ON tool_call_audit(timestamp);
CREATE INDEX IF NOT EXISTS idx_tool_call_audit_server ON tool_call_audit(server_name);
`

// OpenSQLiteSink opens (creating if needed) the SQLite audit mirror at path.
// Empty path disables the mirror.
func OpenSQLiteSink(path string, logger *slog.Logger) (*SQLiteSink, error) {
	if path == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite %q: %w", path, err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &SQLiteSink{db: db, log: logger}, nil
}

// RecordToolCall implements toolrouter.AuditSink.
func (s *SQLiteSink) RecordToolCall(rec toolrouter.AuditRecord) {
	if s == nil {
		return
	}
	argsJSON, err := json.Marshal(rec.Arguments)
	if err != nil {
		argsJSON = []byte("{}")
	}
	_, err = s.db.Exec(`
		INSERT INTO tool_call_audit
			(timestamp, tool_name, original_tool_name, server_name, arguments, success, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.ToolName, rec.OriginalToolName, rec.ServerName,
		string(argsJSON), boolToInt(rec.Success), rec.Duration.Milliseconds(), rec.Error,
	)
	if err != nil {
		s.log.Warn("audit: sqlite insert failed", "err", err)
	}
}

// Recent returns the most recent n audit records, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, n int) ([]Record, error) {
	if s == nil {
		return nil, nil
	}
	if n <= 0 {
		n = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, tool_name, original_tool_name, server_name, arguments, success, duration_ms, error
		FROM tool_call_audit
		ORDER BY id DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec      Record
			ts       string
			argsJSON string
			successN int
			durMS    int64
		)
		if err := rows.Scan(&ts, &rec.ToolName, &rec.OriginalToolName, &rec.ServerName, &argsJSON, &successN, &durMS, &rec.Error); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		rec.Success = successN != 0
		rec.DurationMS = durMS
		_ = json.Unmarshal([]byte(argsJSON), &rec.Arguments)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *SQLiteSink) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// MultiSink fans one audit record out to every configured backend.
type MultiSink struct {
	sinks []toolrouter.AuditSink
}

// New builds a MultiSink from AuditConfig: a JSONL sink when Path is set, a
// SQLite mirror when SQLitePath is set, or both. Returns (nil, nil, closeFn,
// nil) when neither is configured — closeFn is always safe to call.
func New(cfg config.AuditConfig, logger *slog.Logger) (toolrouter.AuditSink, *SQLiteSink, func() error, error) {
	var sinks []toolrouter.AuditSink
	var closers []func() error

	if jsonl := NewJSONLSink(cfg, logger); jsonl != nil {
		sinks = append(sinks, jsonl)
		closers = append(closers, jsonl.Close)
	}

	sqliteSink, err := OpenSQLiteSink(cfg.SQLitePath, logger)
	if err != nil {
		for _, c := range closers {
			_ = c()
		}
		return nil, nil, nil, err
	}
	if sqliteSink != nil {
		sinks = append(sinks, sqliteSink)
		closers = append(closers, sqliteSink.Close)
	}

	closeAll := func() error {
		var firstErr error
		for _, c := range closers {
			if err := c(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	if len(sinks) == 0 {
		return nil, nil, closeAll, nil
	}
	return &MultiSink{sinks: sinks}, sqliteSink, closeAll, nil
}

// RecordToolCall implements toolrouter.AuditSink.
func (m *MultiSink) RecordToolCall(rec toolrouter.AuditRecord) {
	for _, s := range m.sinks {
		s.RecordToolCall(rec)
	}
}
