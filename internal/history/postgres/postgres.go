// Package postgres stores conversation history in PostgreSQL.
//
// Records live in a single conversations table; the transcript is a JSONB
// array of {role, text, timestamp} objects. Search is pushed down to the
// database with ILIKE over the summary and every transcript line.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxline/internal/history"
	"github.com/MrWong99/voxline/internal/transcript"
)

var (
	_ history.Store    = (*Store)(nil)
	_ history.Searcher = (*Store)(nil)
)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id               TEXT        PRIMARY KEY,
    started_at       TIMESTAMPTZ NOT NULL,
    duration_seconds INTEGER     NOT NULL DEFAULT 0,
    summary          TEXT        NOT NULL DEFAULT '',
    transcript       JSONB       NOT NULL DEFAULT '[]'::jsonb
);

CREATE INDEX IF NOT EXISTS idx_conversations_started_at
    ON conversations (started_at DESC);`

// Migrate creates the conversations table and its index if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlConversations} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres history: migrate: %w", err)
		}
	}
	return nil
}

// Store is a PostgreSQL-backed [history.Store]. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres history: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres history: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres history: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Ping checks database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Save implements [history.Store]. An existing row with the same id is
// replaced.
func (s *Store) Save(ctx context.Context, rec history.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("postgres history: save: empty record id")
	}
	entries := rec.Transcript
	if entries == nil {
		entries = []transcript.Entry{}
	}
	doc, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("postgres history: encode transcript: %w", err)
	}

	const q = `
		INSERT INTO conversations (id, started_at, duration_seconds, summary, transcript)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (id) DO UPDATE
		   SET started_at       = EXCLUDED.started_at,
		       duration_seconds = EXCLUDED.duration_seconds,
		       summary          = EXCLUDED.summary,
		       transcript       = EXCLUDED.transcript`

	if _, err := s.pool.Exec(ctx, q, rec.ID, rec.Date, rec.Duration, rec.Summary, string(doc)); err != nil {
		return fmt.Errorf("postgres history: save %s: %w", rec.ID, err)
	}
	return nil
}

const selectColumns = `SELECT id, started_at, duration_seconds, summary, transcript FROM conversations`

// List implements [history.Store].
func (s *Store) List(ctx context.Context) ([]history.Record, error) {
	rows, err := s.pool.Query(ctx, selectColumns+` ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres history: list: %w", err)
	}
	return collectRecords(rows)
}

// Get implements [history.Store].
func (s *Store) Get(ctx context.Context, id string) (history.Record, error) {
	rows, err := s.pool.Query(ctx, selectColumns+` WHERE id = $1`, id)
	if err != nil {
		return history.Record{}, fmt.Errorf("postgres history: get: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return history.Record{}, fmt.Errorf("%w: %s", history.ErrNotFound, id)
	}
	if err != nil {
		return history.Record{}, fmt.Errorf("postgres history: get: %w", err)
	}
	return rec, nil
}

// Search implements [history.Searcher] with the same case-insensitive
// substring semantics as [history.Filter].
func (s *Store) Search(ctx context.Context, query string) ([]history.Record, error) {
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	const where = `
		WHERE summary ILIKE $1
		   OR EXISTS (
		          SELECT 1 FROM jsonb_array_elements(transcript) AS e
		          WHERE  e->>'text' ILIKE $1)
		ORDER BY started_at DESC, id`

	rows, err := s.pool.Query(ctx, selectColumns+where, pattern)
	if err != nil {
		return nil, fmt.Errorf("postgres history: search: %w", err)
	}
	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]history.Record, error) {
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("postgres history: scan rows: %w", err)
	}
	if records == nil {
		records = []history.Record{}
	}
	return records, nil
}

func scanRecord(row pgx.CollectableRow) (history.Record, error) {
	var (
		rec history.Record
		doc []byte
	)
	if err := row.Scan(&rec.ID, &rec.Date, &rec.Duration, &rec.Summary, &doc); err != nil {
		return history.Record{}, err
	}
	if err := json.Unmarshal(doc, &rec.Transcript); err != nil {
		return history.Record{}, fmt.Errorf("decode transcript of %s: %w", rec.ID, err)
	}
	return rec, nil
}

// escapeLike escapes the LIKE metacharacters of s using the default
// backslash escape.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
