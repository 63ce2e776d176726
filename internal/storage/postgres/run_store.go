// Package postgres provides a Postgres-backed run history store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scrapewatch/internal/scrape"
	"github.com/JakeFAU/scrapewatch/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "scrape_runs"

// Config controls the Postgres connection pool used for run rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RunStore implements store.RunRepository on Postgres.
type RunStore struct {
	pool  pgxPool
	table string
}

// NewRunStore connects a pool using cfg.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewRunStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewRunStoreWithPool wraps an existing pool (primarily for testing).
func NewRunStoreWithPool(pool pgxPool, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunStore{pool: pool, table: table}, nil
}

// Close releases the pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the run table when it is missing.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			handle TEXT PRIMARY KEY,
			target_id BIGINT NOT NULL,
			mode TEXT NOT NULL,
			use_private_credentials BOOLEAN NOT NULL DEFAULT FALSE,
			record_id TEXT NOT NULL DEFAULT '',
			phase TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			progress DOUBLE PRECISION NOT NULL DEFAULT 0,
			followers BIGINT NOT NULL DEFAULT 0,
			following BIGINT NOT NULL DEFAULT 0,
			has_counts BOOLEAN NOT NULL DEFAULT FALSE,
			retry_after_seconds INTEGER NOT NULL DEFAULT 0,
			disposition TEXT NOT NULL DEFAULT '',
			stream TEXT NOT NULL DEFAULT '',
			submitted_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS %[1]s_phase_idx ON %[1]s (phase, submitted_at DESC);`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// SaveRun upserts the run. Rows already in a terminal phase only accept
// another terminal phase.
func (s *RunStore) SaveRun(ctx context.Context, run store.Run) error {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (
			handle, target_id, mode, use_private_credentials, record_id, phase, message,
			progress, followers, following, has_counts, retry_after_seconds, disposition,
			stream, submitted_at, updated_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (handle) DO UPDATE SET
			record_id = EXCLUDED.record_id,
			phase = EXCLUDED.phase,
			message = EXCLUDED.message,
			progress = EXCLUDED.progress,
			followers = EXCLUDED.followers,
			following = EXCLUDED.following,
			has_counts = EXCLUDED.has_counts,
			retry_after_seconds = EXCLUDED.retry_after_seconds,
			disposition = EXCLUDED.disposition,
			stream = EXCLUDED.stream,
			updated_at = EXCLUDED.updated_at,
			finished_at = EXCLUDED.finished_at
		WHERE %[1]s.phase NOT IN ('completed', 'failed', 'canceled')
			OR EXCLUDED.phase IN ('completed', 'failed', 'canceled');`, s.table)
	_, err := s.pool.Exec(ctx, query,
		run.Handle,
		run.TargetID,
		string(run.Mode),
		run.UsePrivateCredentials,
		run.RecordID,
		string(run.Phase),
		run.Message,
		run.Progress,
		run.Followers,
		run.Following,
		run.HasCounts,
		run.RetryAfterSeconds,
		string(run.Disposition),
		string(run.Stream),
		run.SubmittedAt,
		run.UpdatedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.Handle, err)
	}
	return nil
}

func (s *RunStore) selectColumns() string {
	return fmt.Sprintf(`SELECT handle, target_id, mode, use_private_credentials, record_id, phase,
		message, progress, followers, following, has_counts, retry_after_seconds, disposition,
		stream, submitted_at, updated_at, finished_at
		FROM %s`, s.table)
}

// GetRun loads one run by handle.
func (s *RunStore) GetRun(ctx context.Context, handle string) (store.Run, error) {
	row := s.pool.QueryRow(ctx, s.selectColumns()+` WHERE handle = $1;`, handle)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get run %s: %w", handle, err)
	}
	return run, nil
}

// ListRuns returns runs newest first with an optional phase filter.
func (s *RunStore) ListRuns(ctx context.Context, phase *scrape.Phase, limit, offset int) ([]store.Run, error) {
	var filter *string
	if phase != nil {
		p := string(*phase)
		filter = &p
	}
	query := s.selectColumns() + `
		WHERE ($1::text IS NULL OR phase = $1)
		ORDER BY submitted_at DESC, handle
		LIMIT $2 OFFSET $3;`
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var run store.Run
	var mode, phase, disposition, strm string
	err := row.Scan(
		&run.Handle,
		&run.TargetID,
		&mode,
		&run.UsePrivateCredentials,
		&run.RecordID,
		&phase,
		&run.Message,
		&run.Progress,
		&run.Followers,
		&run.Following,
		&run.HasCounts,
		&run.RetryAfterSeconds,
		&disposition,
		&strm,
		&run.SubmittedAt,
		&run.UpdatedAt,
		&run.FinishedAt,
	)
	if err != nil {
		return store.Run{}, err
	}
	run.Mode = scrape.Mode(mode)
	run.Phase = scrape.Phase(phase)
	run.Disposition = scrape.Disposition(disposition)
	run.Stream = scrape.StreamState(strm)
	return run, nil
}
