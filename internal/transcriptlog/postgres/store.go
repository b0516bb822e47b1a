// Package postgres provides a PostgreSQL-backed [transcriptlog.Store].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.Record(ctx, entry)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ShinnosukeUesaka/house-agent/internal/transcriptlog"
)

// Compile-time interface check.
var _ transcriptlog.Store = (*Store)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlVoiceSessions = `
CREATE TABLE IF NOT EXISTS voice_sessions (
    session_id  TEXT         PRIMARY KEY,
    keyword     TEXT         NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ  NOT NULL,
    ended_at    TIMESTAMPTZ  NOT NULL,
    outcome     TEXT         NOT NULL,
    text        TEXT         NOT NULL DEFAULT '',
    raw_text    TEXT         NOT NULL DEFAULT '',
    error       TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_voice_sessions_started_at
    ON voice_sessions (started_at);

CREATE INDEX IF NOT EXISTS idx_voice_sessions_outcome
    ON voice_sessions (outcome);
`

// Migrate creates the voice_sessions table and its indexes. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlVoiceSessions); err != nil {
		return fmt.Errorf("transcriptlog postgres: migrate: %w", err)
	}
	return nil
}

// Store records sessions in the voice_sessions table.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a pool to dsn, pings it and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("transcriptlog postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("transcriptlog postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcriptlog postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

// Record implements [transcriptlog.Store]. Recording the same session twice
// overwrites the earlier row.
func (s *Store) Record(ctx context.Context, e transcriptlog.Entry) error {
	if e.SessionID == "" {
		return transcriptlog.ErrInvalidEntry
	}
	const q = `
		INSERT INTO voice_sessions
		    (session_id, keyword, started_at, ended_at, outcome, text, raw_text, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE SET
		    keyword = EXCLUDED.keyword,
		    started_at = EXCLUDED.started_at,
		    ended_at = EXCLUDED.ended_at,
		    outcome = EXCLUDED.outcome,
		    text = EXCLUDED.text,
		    raw_text = EXCLUDED.raw_text,
		    error = EXCLUDED.error`

	_, err := s.pool.Exec(ctx, q,
		e.SessionID,
		e.Keyword,
		e.StartedAt,
		e.EndedAt,
		e.Outcome,
		e.Text,
		e.RawText,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("transcriptlog postgres: record: %w", err)
	}
	return nil
}

// Recent implements [transcriptlog.Store].
func (s *Store) Recent(ctx context.Context, limit int) ([]transcriptlog.Entry, error) {
	q := `
		SELECT session_id, keyword, started_at, ended_at, outcome, text, raw_text, error
		FROM   voice_sessions
		ORDER  BY started_at DESC`
	var args []any
	if limit > 0 {
		q += "\n\t\tLIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("transcriptlog postgres: recent: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcriptlog.Entry, error) {
		var e transcriptlog.Entry
		err := row.Scan(&e.SessionID, &e.Keyword, &e.StartedAt, &e.EndedAt,
			&e.Outcome, &e.Text, &e.RawText, &e.Error)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("transcriptlog postgres: scan: %w", err)
	}
	return entries, nil
}

// Ping implements [transcriptlog.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
