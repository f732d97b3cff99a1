package jobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/3leaps/annovault/pkg/job"
)

const pgUniqueViolation = "23505"

const pgSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	input_key TEXT NOT NULL,
	input_file_name TEXT,
	result_key TEXT,
	log_key TEXT,
	status TEXT NOT NULL,
	submit_time TIMESTAMPTZ NOT NULL,
	complete_time TIMESTAMPTZ,
	archive_id TEXT,
	restore_tier TEXT NOT NULL DEFAULT 'NONE',
	thaw_job_id TEXT,
	version BIGINT NOT NULL DEFAULT 1,
	lease_until TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id, submit_time);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_jobs_thaw ON jobs(thaw_job_id);
`

// PostgresStore is the PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// OpenPostgres connects to databaseURL and ensures the jobs table exists.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("postgres store requires a url")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func (s *PostgresStore) Create(ctx context.Context, j *job.AnnotationJob) error {
	if err := validateNew(j); err != nil {
		return err
	}

	now := s.now().UTC()
	if j.SubmitTime.IsZero() {
		j.SubmitTime = now
	}
	j.Version = 1
	j.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		j.JobID,
		j.UserID,
		j.InputKey,
		nullable(j.InputFileName),
		nullable(j.ResultKey),
		nullable(j.LogKey),
		string(j.Status),
		j.SubmitTime,
		j.CompleteTime,
		nullable(j.ArchiveID),
		string(j.RestoreTier),
		nullable(j.ThawJobID),
		j.Version,
		j.LeaseUntil,
		j.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, j.JobID)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*job.AnnotationJob, error) {
	return s.getOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
}

func (s *PostgresStore) FindByThawJobID(ctx context.Context, thawJobID string) (*job.AnnotationJob, error) {
	if strings.TrimSpace(thawJobID) == "" {
		return nil, fmt.Errorf("%w: empty thaw_job_id", ErrNotFound)
	}
	return s.getOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE thaw_job_id = $1 LIMIT 1`, thawJobID)
}

func (s *PostgresStore) CompareAndSet(ctx context.Context, jobID string, expect job.Expect, u job.Update) (*job.AnnotationJob, error) {
	if err := u.Validate(expect.Status); err != nil {
		return nil, err
	}

	b := &setBuilder{placeholder: dollar, timeArg: func(t time.Time) any { return t.UTC() }}
	query, args := b.build(jobID, expect, u, s.now())
	query += " RETURNING " + jobColumns

	updated, err := scanPGJob(s.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("conditional update: %w", err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = $1)`, jobID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check job: %w", err)
	}
	return nil, conditionError(jobID, exists, expect)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, statuses ...job.Status) ([]job.AnnotationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = $1`
	args := []any{userID}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += ` AND status = ANY($2)`
		args = append(args, names)
	}
	query += ` ORDER BY submit_time DESC, job_id`
	return s.list(ctx, query, args...)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status job.Status, limit int) ([]job.AnnotationJob, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY updated_at, job_id LIMIT $2`, string(status), limit)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) getOne(ctx context.Context, query string, arg string) (*job.AnnotationJob, error) {
	j, err := scanPGJob(s.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]job.AnnotationJob, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []job.AnnotationJob
	for rows.Next() {
		j, err := scanPGJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func scanPGJob(row pgx.Row) (*job.AnnotationJob, error) {
	var (
		j             job.AnnotationJob
		inputFileName *string
		resultKey     *string
		logKey        *string
		status        string
		archiveID     *string
		restoreTier   string
		thawJobID     *string
	)
	if err := row.Scan(
		&j.JobID,
		&j.UserID,
		&j.InputKey,
		&inputFileName,
		&resultKey,
		&logKey,
		&status,
		&j.SubmitTime,
		&j.CompleteTime,
		&archiveID,
		&restoreTier,
		&thawJobID,
		&j.Version,
		&j.LeaseUntil,
		&j.UpdatedAt,
	); err != nil {
		return nil, err
	}

	j.InputFileName = deref(inputFileName)
	j.ResultKey = deref(resultKey)
	j.LogKey = deref(logKey)
	j.Status = job.Status(status)
	j.ArchiveID = deref(archiveID)
	j.RestoreTier = job.RestoreTier(restoreTier)
	j.ThawJobID = deref(thawJobID)
	j.SubmitTime = j.SubmitTime.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
