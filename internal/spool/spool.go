// Package spool keeps notifications that could not be delivered in a local
// SQLite file so they can be inspected and replayed.
package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pesio-ai/be-approval-workflows/internal/notify"
)

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
    id         TEXT PRIMARY KEY,
    sink       TEXT NOT NULL,
    recipient  TEXT NOT NULL,
    payload    TEXT NOT NULL,
    last_error TEXT,
    attempts   INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_created ON dead_letters (created_at);
`

// Entry is one spooled notification.
type Entry struct {
	ID        string
	Sink      string
	Message   notify.Message
	LastError string
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the SQLite-backed spool.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the spool file at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create spool dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// a single connection keeps writers from tripping over SQLITE_BUSY
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply spool schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put records a failed delivery. It satisfies notify.DeadLetters.
func (s *Store) Put(ctx context.Context, sink string, msg notify.Message, cause error) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, sink, recipient, payload, last_error, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		sink,
		msg.Recipient,
		string(payload),
		errorText(cause),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// List returns up to limit entries, oldest first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT id, sink, payload, last_error, attempts, created_at, updated_at
        FROM dead_letters ORDER BY created_at, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                    Entry
			payload              string
			lastError            sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&e.ID, &e.Sink, &payload, &lastError, &e.Attempts, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Message); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", e.ID, err)
		}
		e.LastError = lastError.String
		e.CreatedAt = parseTime(createdAt)
		e.UpdatedAt = parseTime(updatedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of spooled entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// Replay pushes every entry through sink. Delivered entries are removed;
// failures stay with their attempt count bumped.
func (s *Store) Replay(ctx context.Context, sink notify.Sink) (delivered, failed int, err error) {
	entries, err := s.List(ctx, 0)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		if pushErr := sink.Push(ctx, e.Message); pushErr != nil {
			failed++
			_, err := s.db.ExecContext(ctx,
				`UPDATE dead_letters SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
				pushErr.Error(), time.Now().UTC().Format(time.RFC3339Nano), e.ID)
			if err != nil {
				return delivered, failed, fmt.Errorf("update dead letter %s: %w", e.ID, err)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, e.ID); err != nil {
			return delivered, failed, fmt.Errorf("delete dead letter %s: %w", e.ID, err)
		}
		delivered++
	}
	return delivered, failed, nil
}

// Purge deletes every entry and returns how many were removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters`)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return res.RowsAffected()
}

func errorText(err error) sql.NullString {
	if err == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: err.Error(), Valid: true}
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
