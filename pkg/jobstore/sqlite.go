package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/annovault/pkg/job"
	"github.com/3leaps/annovault/pkg/sqldb"
)

// SQLStore is the SQLite/libsql backend.
type SQLStore struct {
	db     *sql.DB
	now    func() time.Time
	ownsDB bool
}

// NewSQLStore migrates db and wraps it. The caller keeps ownership of db.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	if err := Migrate(ctx, db); err != nil {
		return nil, fmt.Errorf("migrate job store: %w", err)
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

// DB exposes the underlying handle so other components can share the file.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Create(ctx context.Context, j *job.AnnotationJob) error {
	if err := validateNew(j); err != nil {
		return err
	}

	now := s.now().UTC()
	if j.SubmitTime.IsZero() {
		j.SubmitTime = now
	}
	j.Version = 1
	j.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.JobID,
		j.UserID,
		j.InputKey,
		sqldb.NullString(j.InputFileName),
		sqldb.NullString(j.ResultKey),
		sqldb.NullString(j.LogKey),
		string(j.Status),
		sqldb.UnixNano(j.SubmitTime),
		sqldb.NullUnixNano(j.CompleteTime),
		sqldb.NullString(j.ArchiveID),
		string(j.RestoreTier),
		sqldb.NullString(j.ThawJobID),
		j.Version,
		sqldb.NullUnixNano(j.LeaseUntil),
		sqldb.UnixNano(j.UpdatedAt),
	)
	if err != nil {
		if sqldb.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, j.JobID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, jobID string) (*job.AnnotationJob, error) {
	return s.getOne(ctx, s.db, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
}

func (s *SQLStore) FindByThawJobID(ctx context.Context, thawJobID string) (*job.AnnotationJob, error) {
	if strings.TrimSpace(thawJobID) == "" {
		return nil, fmt.Errorf("%w: empty thaw_job_id", ErrNotFound)
	}
	return s.getOne(ctx, s.db, `SELECT `+jobColumns+` FROM jobs WHERE thaw_job_id = ? LIMIT 1`, thawJobID)
}

func (s *SQLStore) CompareAndSet(ctx context.Context, jobID string, expect job.Expect, u job.Update) (*job.AnnotationJob, error) {
	if err := u.Validate(expect.Status); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	b := &setBuilder{placeholder: questionMark, timeArg: func(t time.Time) any { return sqldb.UnixNano(t) }}
	query, args := b.build(jobID, expect, u, s.now())

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conditional update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE job_id = ?`, jobID).Scan(&one)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("check job: %w", err)
		}
		return nil, conditionError(jobID, err == nil, expect)
	}

	updated, err := s.getOne(ctx, tx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}

func (s *SQLStore) ListByUser(ctx context.Context, userID string, statuses ...job.Status) ([]job.AnnotationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = ?`
	args := []any{userID}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY submit_time DESC, job_id`
	return s.list(ctx, query, args...)
}

func (s *SQLStore) ListByStatus(ctx context.Context, status job.Status, limit int) ([]job.AnnotationJob, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY updated_at, job_id LIMIT ?`, string(status), limit)
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database if the store opened it.
func (s *SQLStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) getOne(ctx context.Context, q queryer, query string, args ...any) (*job.AnnotationJob, error) {
	j, err := scanJob(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, args[0])
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *SQLStore) list(ctx context.Context, query string, args ...any) ([]job.AnnotationJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []job.AnnotationJob
	for rows.Next() {
		j, err := scanJob(rows)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.AnnotationJob, error) {
	var (
		j             job.AnnotationJob
		inputFileName sql.NullString
		resultKey     sql.NullString
		logKey        sql.NullString
		status        string
		submitTime    int64
		completeTime  sql.NullInt64
		archiveID     sql.NullString
		restoreTier   string
		thawJobID     sql.NullString
		leaseUntil    sql.NullInt64
		updatedAt     int64
	)
	if err := row.Scan(
		&j.JobID,
		&j.UserID,
		&j.InputKey,
		&inputFileName,
		&resultKey,
		&logKey,
		&status,
		&submitTime,
		&completeTime,
		&archiveID,
		&restoreTier,
		&thawJobID,
		&j.Version,
		&leaseUntil,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	j.InputFileName = inputFileName.String
	j.ResultKey = resultKey.String
	j.LogKey = logKey.String
	j.Status = job.Status(status)
	j.SubmitTime = sqldb.FromUnixNano(submitTime)
	j.CompleteTime = sqldb.FromNullUnixNano(completeTime)
	j.ArchiveID = archiveID.String
	j.RestoreTier = job.RestoreTier(restoreTier)
	j.ThawJobID = thawJobID.String
	j.LeaseUntil = sqldb.FromNullUnixNano(leaseUntil)
	j.UpdatedAt = sqldb.FromUnixNano(updatedAt)
	return &j, nil
}
