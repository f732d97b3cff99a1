// Package lifecycle is the runner-side contract: submitting a job, marking it
// running and recording its completion.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/annovault/pkg/blobstore"
	"github.com/3leaps/annovault/pkg/bus"
	"github.com/3leaps/annovault/pkg/event"
	"github.com/3leaps/annovault/pkg/job"
	"github.com/3leaps/annovault/pkg/jobstore"
)

// ErrResultMissing indicates a completion whose result object is not in hot storage.
var ErrResultMissing = errors.New("result object not found in hot storage")

// SubmitRequest describes a new annotation job.
type SubmitRequest struct {
	JobID         string `json:"job_id,omitempty" validate:"omitempty,max=128"`
	UserID        string `json:"user_id" validate:"required,max=128"`
	InputKey      string `json:"input_key" validate:"required"`
	InputFileName string `json:"input_file_name,omitempty"`
}

// CompleteRequest describes a finished annotation run.
type CompleteRequest struct {
	ResultKey string `json:"result_key" validate:"required"`
	LogKey    string `json:"log_key,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Service implements the runner's writes.
type Service struct {
	store  jobstore.Store
	hot    blobstore.HotStore
	pub    bus.Publisher
	logger *zap.Logger
	now    func() time.Time
}

// New creates a lifecycle service. logger may be nil.
func New(store jobstore.Store, hot blobstore.HotStore, pub bus.Publisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		hot:    hot,
		pub:    pub,
		logger: logger.With(zap.String("component", "lifecycle")),
		now:    time.Now,
	}
}

// Submit creates a PENDING job.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*job.AnnotationJob, error) {
	if err := requestValidator().Struct(req); err != nil {
		return nil, fmt.Errorf("invalid submit request: %w", err)
	}
	id := strings.TrimSpace(req.JobID)
	if id == "" {
		id = uuid.NewString()
	}
	fileName := req.InputFileName
	if fileName == "" {
		fileName = inputFileName(req.InputKey)
	}

	j := &job.AnnotationJob{
		JobID:         id,
		UserID:        req.UserID,
		InputKey:      req.InputKey,
		InputFileName: fileName,
		Status:        job.StatusPending,
		RestoreTier:   job.RestoreTierNone,
		SubmitTime:    s.now().UTC(),
	}
	if err := s.store.Create(ctx, j); err != nil {
		return nil, err
	}
	s.logger.Info("Job submitted", zap.String("job_id", id), zap.String("user_id", req.UserID))
	return j, nil
}

// Start moves a PENDING job to RUNNING.
func (s *Service) Start(ctx context.Context, jobID string) (*job.AnnotationJob, error) {
	j, err := s.store.CompareAndSet(ctx, jobID,
		job.Expect{Status: job.StatusPending},
		job.Update{Status: job.StatusRunning})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Job running", zap.String("job_id", jobID))
	return j, nil
}

// Complete records a RUNNING job as COMPLETED and publishes job-completed.
// Repeating the call for a job already completed with the same result key
// republishes the event, so a runner that crashed after the write can retry.
func (s *Service) Complete(ctx context.Context, jobID string, req CompleteRequest) (*job.AnnotationJob, error) {
	if err := requestValidator().Struct(req); err != nil {
		return nil, fmt.Errorf("invalid complete request: %w", err)
	}
	ok, err := s.hot.Exists(ctx, req.ResultKey)
	if err != nil {
		return nil, fmt.Errorf("check result object: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResultMissing, req.ResultKey)
	}

	now := s.now().UTC()
	u := job.Update{
		Status:       job.StatusCompleted,
		ResultKey:    &req.ResultKey,
		CompleteTime: &now,
	}
	if req.LogKey != "" {
		u.LogKey = &req.LogKey
	}

	j, err := s.store.CompareAndSet(ctx, jobID, job.Expect{Status: job.StatusRunning}, u)
	if err != nil {
		if !jobstore.IsConditionFailed(err) {
			return nil, err
		}
		cur, gerr := s.store.Get(ctx, jobID)
		if gerr != nil {
			return nil, gerr
		}
		if cur.Status != job.StatusCompleted || cur.ResultKey != req.ResultKey {
			return nil, err
		}
		j = cur
	}

	msg := event.JobCompleted{
		JobID:         j.JobID,
		UserID:        j.UserID,
		ResultKey:     j.ResultKey,
		LogKey:        j.LogKey,
		InputFileName: j.InputFileName,
		CompleteTime:  *j.CompleteTime,
	}
	if err := s.pub.Publish(ctx, event.TopicJobCompleted, msg); err != nil {
		return j, fmt.Errorf("publish job-completed: %w", err)
	}
	s.logger.Info("Job completed", zap.String("job_id", j.JobID), zap.String("result_key", j.ResultKey))
	return j, nil
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, jobID string) (*job.AnnotationJob, error) {
	return s.store.Get(ctx, jobID)
}

// ListByUser returns a user's jobs, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]job.AnnotationJob, error) {
	return s.store.ListByUser(ctx, userID)
}

// inputFileName strips the prefix and any "<id>~" marker from an input key.
func inputFileName(key string) string {
	name := key
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if _, after, found := strings.Cut(name, "~"); found && after != "" {
		return after
	}
	return name
}
