// Package history records one row per update run in a local SQLite
// database. Recording is best-effort and never affects the run outcome.
package history

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Run outcomes.
const (
	OutcomeNoop       = "noop"
	OutcomeUpdated    = "updated"
	OutcomeFailed     = "failed"
	OutcomeRolledBack = "rolled_back"
)

// Entry is one recorded update attempt.
type Entry struct {
	StartedAt    time.Time
	FinishedAt   time.Time
	PreviousTag  string
	CandidateTag string
	Outcome      string
	Error        string
}

// Sink persists run entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
	Close() error
}

// DB implements Sink on SQLite (modernc.org/sqlite driver, CGO-free).
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path and ensures
// the schema.
func Open(ctx context.Context, path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks from readers
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	s := &DB{db: d}
	if err := s.ensureSchema(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS update_runs(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL,
			previous_tag TEXT NOT NULL,
			candidate_tag TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_update_runs_outcome ON update_runs(outcome);`,
		`CREATE INDEX IF NOT EXISTS idx_update_runs_started ON update_runs(started_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Record(ctx context.Context, e Entry) error {
	var errStr sql.NullString
	if e.Error != "" {
		errStr = sql.NullString{String: e.Error, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO update_runs(started_at, finished_at, previous_tag, candidate_tag, outcome, error)
		VALUES(?, ?, ?, ?, ?, ?);`,
		e.StartedAt.UTC(), e.FinishedAt.UTC(), e.PreviousTag, e.CandidateTag, e.Outcome, errStr)
	return err
}

func (s *DB) Close() error { return s.db.Close() }

// Recent returns the latest n entries, newest first. Used by the status
// command.
func (s *DB) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT started_at, finished_at, previous_tag, candidate_tag, outcome, COALESCE(error, '')
		FROM update_runs ORDER BY id DESC LIMIT ?;`, n)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.StartedAt, &e.FinishedAt, &e.PreviousTag, &e.CandidateTag, &e.Outcome, &e.Error); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
