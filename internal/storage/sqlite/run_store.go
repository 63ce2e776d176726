// Package sqlite provides a single-file run history store for local
// deployments, built on the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/scrapewatch/internal/scrape"
	"github.com/JakeFAU/scrapewatch/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS scrape_runs (
    handle                  TEXT PRIMARY KEY,
    target_id               INTEGER NOT NULL,
    mode                    TEXT NOT NULL,
    use_private_credentials INTEGER NOT NULL DEFAULT 0,
    record_id               TEXT NOT NULL DEFAULT '',
    phase                   TEXT NOT NULL,
    message                 TEXT NOT NULL DEFAULT '',
    progress                REAL NOT NULL DEFAULT 0,
    followers               INTEGER NOT NULL DEFAULT 0,
    following               INTEGER NOT NULL DEFAULT 0,
    has_counts              INTEGER NOT NULL DEFAULT 0,
    retry_after_seconds     INTEGER NOT NULL DEFAULT 0,
    disposition             TEXT NOT NULL DEFAULT '',
    stream                  TEXT NOT NULL DEFAULT '',
    submitted_at            DATETIME NOT NULL,
    updated_at              DATETIME NOT NULL,
    finished_at             DATETIME
);
CREATE INDEX IF NOT EXISTS idx_scrape_runs_phase ON scrape_runs(phase, submitted_at);
`

const selectRun = `SELECT handle, target_id, mode, use_private_credentials, record_id, phase, message,
       progress, followers, following, has_counts, retry_after_seconds, disposition, stream,
       submitted_at, updated_at, finished_at
  FROM scrape_runs`

// RunStore implements store.RunRepository using SQLite.
type RunStore struct {
	db *sql.DB
}

// New opens (creating if needed) the database at path and applies the schema.
func New(path string) (*RunStore, error) {
	if path == "" {
		return nil, errors.New("storage.sqlite_path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer avoids SQLITE_BUSY between the store sink and API readers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &RunStore{db: db}, nil
}

// Close closes the database.
func (s *RunStore) Close() error {
	return s.db.Close()
}

// SaveRun upserts the run; a terminal row only accepts another terminal phase.
func (s *RunStore) SaveRun(ctx context.Context, run store.Run) error {
	var finished sql.NullTime
	if run.FinishedAt != nil {
		finished = sql.NullTime{Time: run.FinishedAt.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scrape_runs (
    handle, target_id, mode, use_private_credentials, record_id, phase, message, progress,
    followers, following, has_counts, retry_after_seconds, disposition, stream,
    submitted_at, updated_at, finished_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(handle) DO UPDATE SET
    record_id = excluded.record_id,
    phase = excluded.phase,
    message = excluded.message,
    progress = excluded.progress,
    followers = excluded.followers,
    following = excluded.following,
    has_counts = excluded.has_counts,
    retry_after_seconds = excluded.retry_after_seconds,
    disposition = excluded.disposition,
    stream = excluded.stream,
    updated_at = excluded.updated_at,
    finished_at = excluded.finished_at
WHERE scrape_runs.phase NOT IN ('completed', 'failed', 'canceled')
   OR excluded.phase IN ('completed', 'failed', 'canceled')`,
		run.Handle, run.TargetID, string(run.Mode), run.UsePrivateCredentials, run.RecordID,
		string(run.Phase), run.Message, run.Progress, run.Followers, run.Following,
		run.HasCounts, run.RetryAfterSeconds, string(run.Disposition), string(run.Stream),
		run.SubmittedAt.UTC(), run.UpdatedAt.UTC(), finished,
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.Handle, err)
	}
	return nil
}

// GetRun loads one run by handle.
func (s *RunStore) GetRun(ctx context.Context, handle string) (store.Run, error) {
	row := s.db.QueryRowContext(ctx, selectRun+` WHERE handle = ?`, handle)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Run{}, store.ErrNotFound
	}
	if err != nil {
		return store.Run{}, fmt.Errorf("get run %s: %w", handle, err)
	}
	return run, nil
}

// ListRuns returns runs newest first with an optional phase filter.
func (s *RunStore) ListRuns(ctx context.Context, phase *scrape.Phase, limit, offset int) ([]store.Run, error) {
	var filter any
	if phase != nil {
		filter = string(*phase)
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		selectRun+` WHERE (? IS NULL OR phase = ?) ORDER BY submitted_at DESC, handle LIMIT ? OFFSET ?`,
		filter, filter, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (store.Run, error) {
	var run store.Run
	var mode, phase, disposition, stream string
	var finished sql.NullTime
	err := row.Scan(
		&run.Handle, &run.TargetID, &mode, &run.UsePrivateCredentials, &run.RecordID,
		&phase, &run.Message, &run.Progress, &run.Followers, &run.Following,
		&run.HasCounts, &run.RetryAfterSeconds, &disposition, &stream,
		&run.SubmittedAt, &run.UpdatedAt, &finished,
	)
	if err != nil {
		return store.Run{}, err
	}
	run.Mode = scrape.Mode(mode)
	run.Phase = scrape.Phase(phase)
	run.Disposition = scrape.Disposition(disposition)
	run.Stream = scrape.StreamState(stream)
	if finished.Valid {
		at := finished.Time
		run.FinishedAt = &at
	}
	return run, nil
}
