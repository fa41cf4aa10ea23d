package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"sequencer/internal/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS outreach_jobs (
    id             TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL,
    status         TEXT NOT NULL,
    apify_run_id   TEXT NOT NULL DEFAULT '',
    request_params JSONB NOT NULL,
    results        JSONB,
    error          TEXT,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS outreach_jobs_user_status_idx ON outreach_jobs (user_id, status);
`

type Options struct {
	URL      string
	MaxConns int32
}

// Connect opens a pool, verifies connectivity and applies the jobs schema.
func Connect(ctx context.Context, opts Options) (*pgxpool.Pool, error) {
	log := logger.New("Postgres")

	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := Migrate(connectCtx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	log.LogInfof("connected to postgres (max conns %d)", cfg.MaxConns)
	return pool, nil
}

func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
