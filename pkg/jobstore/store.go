// Package jobstore persists annotation jobs and provides the conditional
// write that serializes every lifecycle transition.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/annovault/pkg/job"
	"github.com/3leaps/annovault/pkg/sqldb"
)

var (
	// ErrNotFound indicates the job does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrConditionFailed indicates the job exists but did not match the expected
	// status or version. Callers treat it as "another writer got there first".
	ErrConditionFailed = errors.New("job condition failed")

	// ErrAlreadyExists indicates Create was called for an existing job_id.
	ErrAlreadyExists = errors.New("job already exists")
)

// Store is the job record store.
type Store interface {
	Create(ctx context.Context, j *job.AnnotationJob) error
	Get(ctx context.Context, jobID string) (*job.AnnotationJob, error)

	// CompareAndSet applies u only if the job is currently in expect.Status
	// (and at expect.Version when non-zero). It returns the record as written.
	CompareAndSet(ctx context.Context, jobID string, expect job.Expect, u job.Update) (*job.AnnotationJob, error)

	// ListByUser returns the user's jobs, newest first, optionally filtered by status.
	ListByUser(ctx context.Context, userID string, statuses ...job.Status) ([]job.AnnotationJob, error)
	// ListByStatus returns up to limit jobs in status, least recently updated first.
	ListByStatus(ctx context.Context, status job.Status, limit int) ([]job.AnnotationJob, error)
	FindByThawJobID(ctx context.Context, thawJobID string) (*job.AnnotationJob, error)

	Ping(ctx context.Context) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures a backend.
type Config struct {
	Driver    string
	Path      string
	URL       string
	AuthToken string
}

// Open opens the configured backend and applies its schema.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite, "libsql":
		db, err := sqldb.Open(ctx, sqldb.Config{Path: cfg.Path, URL: cfg.URL, AuthToken: cfg.AuthToken})
		if err != nil {
			return nil, err
		}
		s, err := NewSQLStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.ownsDB = true
		return s, nil
	case DriverPostgres, "postgresql", "pgx":
		return OpenPostgres(ctx, cfg.URL)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func validateNew(j *job.AnnotationJob) error {
	if j == nil {
		return errors.New("job is nil")
	}
	if strings.TrimSpace(j.JobID) == "" {
		return errors.New("job_id is required")
	}
	if strings.TrimSpace(j.UserID) == "" {
		return errors.New("user_id is required")
	}
	if strings.TrimSpace(j.InputKey) == "" {
		return errors.New("input_key is required")
	}
	if !j.Status.Valid() {
		return fmt.Errorf("invalid status %q", j.Status)
	}
	if j.RestoreTier == "" {
		j.RestoreTier = job.RestoreTierNone
	}
	if !j.RestoreTier.Valid() {
		return fmt.Errorf("invalid restore tier %q", j.RestoreTier)
	}
	return nil
}

// conditionError resolves a zero-row conditional write into ErrNotFound or
// ErrConditionFailed, depending on whether the job exists.
func conditionError(jobID string, exists bool, expect job.Expect) error {
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if expect.Version != 0 {
		return fmt.Errorf("%w: %s expected %s@%d", ErrConditionFailed, jobID, expect.Status, expect.Version)
	}
	return fmt.Errorf("%w: %s expected %s", ErrConditionFailed, jobID, expect.Status)
}

// IsNotFound reports whether err indicates a missing job.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConditionFailed reports whether err indicates a lost conditional write.
func IsConditionFailed(err error) bool {
	return errors.Is(err, ErrConditionFailed)
}
