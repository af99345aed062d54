// Package journal is the durable record of capture sessions. Live state is
// in memory; the journal keeps each session's open and terminal snapshot so
// closed or failed sessions stay inspectable after they leave the registry
// and across restarts.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"capture-orchestrator/internal/capture"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database was created by another schema version.
var ErrSchemaMismatch = errors.New("journal schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Store is a SQLite-backed session journal.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the journal database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to reset)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// RecordOpen inserts the snapshot of a newly opened session.
func (s *Store) RecordOpen(ctx context.Context, info capture.SessionInfo) error {
	return s.upsert(ctx, info)
}

// RecordOutcome replaces a session's row with its terminal snapshot.
func (s *Store) RecordOutcome(ctx context.Context, info capture.SessionInfo) error {
	return s.upsert(ctx, info)
}

func (s *Store) upsert(ctx context.Context, info capture.SessionInfo) error {
	blob, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode session info: %w", err)
	}
	var closedAt sql.NullString
	if info.ClosedAt != nil {
		closedAt = sql.NullString{String: formatTime(*info.ClosedAt), Valid: true}
	}
	recording := ""
	if info.Recording != nil {
		recording = info.Recording.Path
	}

	return s.execWithRetry(ctx, `INSERT INTO sessions (
            id, owner, state, reason, ungraceful, created_at, closed_at,
            chunks, recording, error, info, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            state = excluded.state,
            reason = excluded.reason,
            ungraceful = excluded.ungraceful,
            closed_at = excluded.closed_at,
            chunks = excluded.chunks,
            recording = excluded.recording,
            error = excluded.error,
            info = excluded.info,
            updated_at = excluded.updated_at`,
		string(info.ID),
		info.Owner,
		string(info.State),
		string(info.Reason),
		boolToInt(info.Ungraceful),
		formatTime(info.CreatedAt),
		closedAt,
		info.Chunks,
		recording,
		info.Error,
		string(blob),
		formatTime(time.Now()),
	)
}

// Lookup returns the journaled snapshot for id.
func (s *Store) Lookup(ctx context.Context, id capture.SessionID) (capture.SessionInfo, bool, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, "SELECT info FROM sessions WHERE id = ?", string(id)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return capture.SessionInfo{}, false, nil
	}
	if err != nil {
		return capture.SessionInfo{}, false, fmt.Errorf("lookup session %s: %w", id, err)
	}
	info, err := decodeInfo(blob)
	if err != nil {
		return capture.SessionInfo{}, false, err
	}
	return info, true, nil
}

// Filter narrows List. Zero values match everything; Limit <= 0 means no limit.
type Filter struct {
	Owner string
	State capture.State
	Limit int
}

// List returns journaled sessions, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]capture.SessionInfo, error) {
	var (
		where []string
		args  []any
	)
	if owner := strings.TrimSpace(f.Owner); owner != "" {
		where = append(where, "owner = ?")
		args = append(args, owner)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}

	query := "SELECT info FROM sessions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []capture.SessionInfo
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info, err := decodeInfo(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// MarkAbandoned moves sessions still recorded as active or closing to failed.
// The server calls it at startup: those sessions belonged to a process that
// exited without finishing teardown. It returns the updated snapshots so the
// caller can bring each session's metadata.json in line.
func (s *Store) MarkAbandoned(ctx context.Context, at time.Time) ([]capture.SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT info FROM sessions WHERE state IN (?, ?)",
		string(capture.StateActive), string(capture.StateClosing))
	if err != nil {
		return nil, fmt.Errorf("find abandoned sessions: %w", err)
	}
	var stale []capture.SessionInfo
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info, err := decodeInfo(blob)
		if err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, info)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	at = at.UTC()
	for i := range stale {
		info := &stale[i]
		info.State = capture.StateFailed
		info.Reason = capture.CloseShutdown
		info.Ungraceful = true
		info.ClosedAt = &at
		if info.Error == "" {
			info.Error = "server stopped before the session was finalized"
		}
		if err := s.upsert(ctx, *info); err != nil {
			return nil, err
		}
	}
	return stale, nil
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func decodeInfo(blob string) (capture.SessionInfo, error) {
	var info capture.SessionInfo
	if err := json.Unmarshal([]byte(blob), &info); err != nil {
		return info, fmt.Errorf("decode session info: %w", err)
	}
	return info, nil
}

// Fixed-width so lexical order in SQL matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
