// Package storage persists sessions and processed authorization codes in
// SQLite so they survive a restart.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/felixgeelhaar/labgate/internal/auth"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

CREATE TABLE IF NOT EXISTS auth_codes (
	code_hash  TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_auth_codes_expires ON auth_codes(expires_at);
`

// SQLiteStore implements auth.Store on a single SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ auth.Store = (*SQLiteStore)(nil)

// Open opens (creating if needed) the database at path. Use ":memory:"
// for a throwaway store.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns auth.ErrSessionNotFound for unknown or expired sessions.
func (s *SQLiteStore) Load(ctx context.Context, id string) (auth.State, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM sessions WHERE id = ? AND expires_at > ?`,
		id, s.now().UnixNano(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.State{}, auth.ErrSessionNotFound
	}
	if err != nil {
		return auth.State{}, fmt.Errorf("failed to load session: %w", err)
	}

	var st auth.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return auth.State{}, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return st, nil
}

// Save upserts the session.
func (s *SQLiteStore) Save(ctx context.Context, id string, st auth.State, expiresAt time.Time) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, state, updated_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state,
			updated_at = excluded.updated_at, expires_at = excluded.expires_at`,
		id, string(raw), s.now().UnixNano(), expiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Delete removes the session if present.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// List returns every unexpired session.
func (s *SQLiteStore) List(ctx context.Context) ([]auth.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, updated_at, expires_at FROM sessions WHERE expires_at > ? ORDER BY updated_at`,
		s.now().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []auth.Record
	for rows.Next() {
		var (
			rec                auth.Record
			raw                string
			updated, expiresAt int64
		)
		if err := rows.Scan(&rec.ID, &raw, &updated, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &rec.State); err != nil {
			return nil, fmt.Errorf("failed to decode session %s: %w", rec.ID, err)
		}
		rec.UpdatedAt = time.Unix(0, updated)
		rec.ExpiresAt = time.Unix(0, expiresAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkCode claims code. Only the first caller for a code gets true.
func (s *SQLiteStore) MarkCode(ctx context.Context, code string, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO auth_codes (code_hash, expires_at) VALUES (?, ?)`,
		auth.HashCode(code), expiresAt.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark code: %w", err)
	}
	return n == 1, nil
}

// Cleanup removes expired sessions and code markers.
func (s *SQLiteStore) Cleanup(ctx context.Context) (int, error) {
	now := s.now().UnixNano()
	total := 0
	for _, q := range []string{
		`DELETE FROM sessions WHERE expires_at <= ?`,
		`DELETE FROM auth_codes WHERE expires_at <= ?`,
	} {
		res, err := s.db.ExecContext(ctx, q, now)
		if err != nil {
			return total, fmt.Errorf("failed to clean up: %w", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
