package job

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrAlreadyExists  = errors.New("job already exists")
	ErrStatusConflict = errors.New("job status conflict")
)

// Store persists job records. Update must apply the whole patch in one atomic
// operation and only when the record is currently in the expected status.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, expected Status, u Update) error
	Ping(ctx context.Context) error
}

func validateNew(j *Job) error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.Owner == "" {
		return fmt.Errorf("job owner is required")
	}
	if !j.Status.Valid() {
		return fmt.Errorf("invalid job status %q", j.Status)
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	return nil
}

func validateUpdate(expected Status, u Update) error {
	if !u.Status.Valid() {
		return fmt.Errorf("invalid target status %q", u.Status)
	}
	if !expected.Valid() {
		return fmt.Errorf("invalid expected status %q", expected)
	}
	return nil
}

func conflict(id string, current Status) error {
	return fmt.Errorf("%w: job %s is %s", ErrStatusConflict, id, current)
}
