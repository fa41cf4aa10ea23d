package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps jobs in the outreach_jobs table. Update is a single
// UPDATE guarded by the expected status.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, j *Job) error {
	if err := validateNew(j); err != nil {
		return err
	}
	params, err := json.Marshal(j.RequestParams)
	if err != nil {
		return fmt.Errorf("marshal request params: %w", err)
	}
	var results []byte
	if j.Results != nil {
		if results, err = json.Marshal(j.Results); err != nil {
			return fmt.Errorf("marshal results: %w", err)
		}
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO outreach_jobs (id, user_id, status, apify_run_id, request_params, results, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		j.ID, j.Owner, string(j.Status), j.ApifyRunID, params, results, j.Error, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job %s: %w", j.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, j.ID)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	var (
		j       Job
		status  string
		params  []byte
		results []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, status, apify_run_id, request_params, results, error, created_at, updated_at
		FROM outreach_jobs WHERE id = $1`, id).
		Scan(&j.ID, &j.Owner, &status, &j.ApifyRunID, &params, &results, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	j.Status = Status(status)
	if err := json.Unmarshal(params, &j.RequestParams); err != nil {
		return nil, fmt.Errorf("decode request params for job %s: %w", id, err)
	}
	if len(results) > 0 {
		var r Results
		if err := json.Unmarshal(results, &r); err != nil {
			return nil, fmt.Errorf("decode results for job %s: %w", id, err)
		}
		j.Results = &r
	}
	return &j, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, expected Status, u Update) error {
	if err := validateUpdate(expected, u); err != nil {
		return err
	}
	var results []byte
	if u.Results != nil {
		var err error
		if results, err = json.Marshal(u.Results); err != nil {
			return fmt.Errorf("marshal results: %w", err)
		}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE outreach_jobs SET
			status       = $3,
			results      = COALESCE($4, results),
			error        = CASE WHEN $5 THEN NULL ELSE COALESCE($6, error) END,
			apify_run_id = CASE WHEN $7 = '' THEN apify_run_id ELSE $7 END,
			updated_at   = $8
		WHERE id = $1 AND status = $2`,
		id, string(expected), string(u.Status), results, u.ClearError, u.Error, u.ApifyRunID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM outreach_jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	return conflict(id, Status(current))
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
