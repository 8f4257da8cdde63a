package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
)

const schema = `
CREATE TABLE IF NOT EXISTS attempts (
	id            TEXT PRIMARY KEY,
	service       TEXT NOT NULL,
	started_at    INTEGER NOT NULL,
	finished_at   INTEGER NOT NULL,
	result        TEXT NOT NULL,
	exit_code     INTEGER NOT NULL,
	local_head    TEXT NOT NULL DEFAULT '',
	remote_head   TEXT NOT NULL DEFAULT '',
	snapshot_id   TEXT NOT NULL DEFAULT '',
	snapshot_path TEXT NOT NULL DEFAULT '',
	rolled_back   INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_attempts_service_started ON attempts(service, started_at);
`

// Entry is one recorded update attempt.
type Entry struct {
	ID           string
	Service      string
	StartedAt    time.Time
	FinishedAt   time.Time
	Result       botdeploy.Result
	ExitCode     int
	LocalHead    string
	RemoteHead   string
	SnapshotID   string
	SnapshotPath string
	RolledBack   bool
	Error        string
}

func (e Entry) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}

// Store is the SQLite journal of update attempts.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the journal at path. ":memory:" works
// for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func EntryFromOutcome(out botdeploy.Outcome) Entry {
	a := out.Attempt
	e := Entry{
		ID:         a.ID,
		Service:    a.Service,
		StartedAt:  a.StartedAt,
		FinishedAt: a.FinishedAt,
		Result:     a.Result,
		ExitCode:   out.ExitCode,
		LocalHead:  a.LocalHead,
		RemoteHead: a.RemoteHead,
		RolledBack: a.RolledBack,
	}
	if a.Snapshot != nil {
		e.SnapshotID = a.Snapshot.ID
		e.SnapshotPath = a.Snapshot.Path
	}
	if a.Err != nil {
		e.Error = a.Err.Error()
	}
	return e
}

// RecordAttempt implements system.AttemptRecorder.
func (s *Store) RecordAttempt(ctx context.Context, out botdeploy.Outcome) error {
	return s.Insert(ctx, EntryFromOutcome(out))
}

func (s *Store) Insert(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (id, service, started_at, finished_at, result, exit_code,
			local_head, remote_head, snapshot_id, snapshot_path, rolled_back, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Service, e.StartedAt.UnixMilli(), e.FinishedAt.UnixMilli(), string(e.Result), e.ExitCode,
		e.LocalHead, e.RemoteHead, e.SnapshotID, e.SnapshotPath, e.RolledBack, e.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt %s: %w", e.ID, err)
	}
	return nil
}

// List returns the newest attempts for service first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, service string, limit int) ([]Entry, error) {
	query := `
		SELECT id, service, started_at, finished_at, result, exit_code,
			local_head, remote_head, snapshot_id, snapshot_path, rolled_back, error
		FROM attempts WHERE service = ? ORDER BY started_at DESC, id DESC`
	args := []any{service}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var started, finished int64
		var result string
		if err := rows.Scan(&e.ID, &e.Service, &started, &finished, &result, &e.ExitCode,
			&e.LocalHead, &e.RemoteHead, &e.SnapshotID, &e.SnapshotPath, &e.RolledBack, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.StartedAt = time.UnixMilli(started)
		e.FinishedAt = time.UnixMilli(finished)
		e.Result = botdeploy.Result(result)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Last returns the most recent attempt, or nil if none is recorded.
func (s *Store) Last(ctx context.Context, service string) (*Entry, error) {
	entries, err := s.List(ctx, service, 1)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}
