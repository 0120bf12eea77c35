package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/voxwallet/internal/domain"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for concurrent readers while the journal writes.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		wallet TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS transcript_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		entry_id TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		status TEXT NOT NULL,
		tool_name TEXT NOT NULL DEFAULT '',
		tool_result TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE(session_id, entry_id)
	);
	CREATE INDEX IF NOT EXISTS idx_entries_session ON transcript_entries(session_id, seq);

	CREATE TABLE IF NOT EXISTS tool_calls (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		call_id TEXT NOT NULL,
		name TEXT NOT NULL,
		gated INTEGER NOT NULL DEFAULT 0,
		arguments TEXT,
		result TEXT,
		success INTEGER,
		error TEXT NOT NULL DEFAULT '',
		called_at INTEGER NOT NULL,
		resolved_at INTEGER,
		UNIQUE(session_id, call_id)
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// StartSession records a new session.
func (s *SQLiteStore) StartSession(ctx context.Context, sessionID, wallet string, at time.Time) error {
	query := `
	INSERT INTO sessions (session_id, wallet, status, started_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		wallet = excluded.wallet,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, sessionID, wallet, string(domain.StatusIdle), at.UnixMilli(), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

// UpdateSessionStatus stores the latest status and error of a session.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.Status, errMsg string, at time.Time) error {
	query := `
	INSERT INTO sessions (session_id, status, error, started_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		status = excluded.status,
		error = excluded.error,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, sessionID, string(status), errMsg, at.UnixMilli(), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

// EndSession marks a session as stopped.
func (s *SQLiteStore) EndSession(ctx context.Context, sessionID string, at time.Time) error {
	query := `UPDATE sessions SET status = ?, ended_at = ?, updated_at = ? WHERE session_id = ?`
	result, err := s.db.ExecContext(ctx, query, string(domain.StatusIdle), at.UnixMilli(), at.UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("EndSession affected 0 rows", "session_id", sessionID)
	}
	return nil
}

// SaveEntry stores a finalized transcript entry.
func (s *SQLiteStore) SaveEntry(ctx context.Context, sessionID string, entry domain.TranscriptEntry) error {
	query := `
	INSERT INTO transcript_entries (session_id, entry_id, role, text, status, tool_name, tool_result, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, entry_id) DO UPDATE SET
		text = excluded.text,
		status = excluded.status,
		tool_result = excluded.tool_result`

	_, err := s.db.ExecContext(ctx, query,
		sessionID, entry.ID, string(entry.Role), entry.Text, string(entry.Status),
		entry.ToolName, nullableJSON(entry.ToolResult), entry.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save entry: %w", err)
	}
	return nil
}

// SaveToolCall records a tool call as it is received.
func (s *SQLiteStore) SaveToolCall(ctx context.Context, call domain.ToolCallRecord) error {
	query := `
	INSERT INTO tool_calls (session_id, call_id, name, gated, arguments, called_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, call_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		call.SessionID, call.CallID, call.Name, boolToInt(call.Gated),
		nullableJSON(call.Arguments), call.CalledAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save tool call: %w", err)
	}
	return nil
}

// ResolveToolCall stores the result forwarded for a call.
func (s *SQLiteStore) ResolveToolCall(ctx context.Context, sessionID, callID string, result domain.ToolResult, at time.Time) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode tool result: %w", err)
	}
	query := `
	UPDATE tool_calls SET result = ?, success = ?, error = ?, resolved_at = ?
	WHERE session_id = ? AND call_id = ? AND resolved_at IS NULL`

	res, err := s.db.ExecContext(ctx, query,
		string(raw), boolToInt(result.Success), result.Error, at.UnixMilli(), sessionID, callID,
	)
	if err != nil {
		return fmt.Errorf("resolve tool call: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("ResolveToolCall affected 0 rows", "session_id", sessionID, "call_id", callID)
	}
	return nil
}

// GetSession returns a session or nil when it does not exist.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	query := `
		SELECT session_id, wallet, status, error, started_at, ended_at, updated_at
		FROM sessions WHERE session_id = ?`

	var rec domain.SessionRecord
	var status string
	var startedAt, updatedAt int64
	var endedAt sql.NullInt64

	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&rec.SessionID, &rec.Wallet, &status, &rec.Error, &startedAt, &endedAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	rec.Status = domain.Status(status)
	rec.StartedAt = time.UnixMilli(startedAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	if endedAt.Valid {
		ts := time.UnixMilli(endedAt.Int64)
		rec.EndedAt = &ts
	}
	return &rec, nil
}

// ListEntries returns the session's transcript in order.
func (s *SQLiteStore) ListEntries(ctx context.Context, sessionID string) ([]domain.TranscriptEntry, error) {
	query := `
		SELECT entry_id, role, text, status, tool_name, tool_result, created_at
		FROM transcript_entries WHERE session_id = ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close entry rows", "error", closeErr)
		}
	}()

	entries := []domain.TranscriptEntry{}
	for rows.Next() {
		var e domain.TranscriptEntry
		var role, status string
		var toolResult sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &role, &e.Text, &status, &e.ToolName, &toolResult, &createdAt); err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		e.Role = domain.Role(role)
		e.Status = domain.EntryStatus(status)
		e.IsFinal = e.Status == domain.EntryFinal
		e.Timestamp = time.UnixMilli(createdAt)
		if toolResult.Valid {
			e.ToolResult = json.RawMessage(toolResult.String)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// ListToolCalls returns the session's tool calls in order.
func (s *SQLiteStore) ListToolCalls(ctx context.Context, sessionID string) ([]domain.ToolCallRecord, error) {
	query := `
		SELECT session_id, call_id, name, gated, arguments, result, success, error, called_at, resolved_at
		FROM tool_calls WHERE session_id = ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close tool call rows", "error", closeErr)
		}
	}()

	calls := []domain.ToolCallRecord{}
	for rows.Next() {
		var c domain.ToolCallRecord
		var gated int
		var args, result sql.NullString
		var success, resolvedAt sql.NullInt64
		var calledAt int64
		if err := rows.Scan(&c.SessionID, &c.CallID, &c.Name, &gated, &args, &result, &success, &c.Error, &calledAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan tool call row: %w", err)
		}
		c.Gated = gated != 0
		c.CalledAt = time.UnixMilli(calledAt)
		if args.Valid {
			c.Arguments = json.RawMessage(args.String)
		}
		if result.Valid {
			c.Result = json.RawMessage(result.String)
		}
		if success.Valid {
			ok := success.Int64 != 0
			c.Success = &ok
		}
		if resolvedAt.Valid {
			ts := time.UnixMilli(resolvedAt.Int64)
			c.ResolvedAt = &ts
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool calls: %w", err)
	}
	return calls, nil
}

// DeleteSessionsBefore removes sessions last updated before cutoff, with their history.
func (s *SQLiteStore) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin retention tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	threshold := cutoff.UnixMilli()
	stale := `SELECT session_id FROM sessions WHERE updated_at < ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM transcript_entries WHERE session_id IN (`+stale+`)`, threshold); err != nil {
		return 0, fmt.Errorf("delete stale entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tool_calls WHERE session_id IN (`+stale+`)`, threshold); err != nil {
		return 0, fmt.Errorf("delete stale tool calls: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("delete stale sessions: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit retention tx: %w", err)
	}
	return deleted, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
