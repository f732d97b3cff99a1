// Package reconcile periodically repairs lifecycle progress that depends on
// lost or never-sent messages.
//
// A sweep publishes thaw-completed for RESTORING jobs whose thaw is ready,
// re-enqueues the archive trigger for ARCHIVING jobs whose claim expired, and
// raises alerts for jobs that have been stuck too long.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/annovault/pkg/blobstore"
	"github.com/3leaps/annovault/pkg/bus"
	"github.com/3leaps/annovault/pkg/event"
	"github.com/3leaps/annovault/pkg/job"
	"github.com/3leaps/annovault/pkg/jobstore"
)

// Config tunes the sweeper.
type Config struct {
	Interval time.Duration // default 1m
	// MaxThawWait is how long a job may stay RESTORING before an alert.
	MaxThawWait time.Duration // default 24h
	// Rate caps cold-store status checks per second. Default 5.
	Rate      float64
	BatchSize int // default 100
	// RequeueAfter spaces archive requeues for one stalled job: the sweep
	// leases the job for this long and delays the requeued trigger until the
	// lease has expired. Default 5m.
	RequeueAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.MaxThawWait <= 0 {
		c.MaxThawWait = 24 * time.Hour
	}
	if c.Rate <= 0 {
		c.Rate = 5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.RequeueAfter <= 0 {
		c.RequeueAfter = 5 * time.Minute
	}
	return c
}

// Recorder receives alert metrics. May be nil.
type Recorder interface {
	RecordStuck(ctx context.Context, status job.Status)
}

// Report summarizes one sweep.
type Report struct {
	ThawsReady       int `json:"thaws_ready"`
	ArchivesRequeued int `json:"archives_requeued"`
	StuckRestoring   int `json:"stuck_restoring"`
}

// Sweeper runs reconciliation sweeps.
type Sweeper struct {
	store    jobstore.Store
	cold     blobstore.ColdStore
	pub      bus.Publisher
	cfg      Config
	limiter  *rate.Limiter
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time
}

// New creates a sweeper. logger and recorder may be nil.
func New(store jobstore.Store, cold blobstore.ColdStore, pub bus.Publisher, cfg Config, logger *zap.Logger, recorder Recorder) *Sweeper {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:    store,
		cold:     cold,
		pub:      pub,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Rate), 1),
		logger:   logger.With(zap.String("component", "reconcile")),
		recorder: recorder,
		now:      time.Now,
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("Sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep performs one pass.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	errRestoring := s.sweepRestoring(ctx, &rep)
	errArchiving := s.sweepArchiving(ctx, &rep)
	err := errors.Join(errRestoring, errArchiving)

	if rep != (Report{}) {
		s.logger.Info("Sweep complete",
			zap.Int("thaws_ready", rep.ThawsReady),
			zap.Int("archives_requeued", rep.ArchivesRequeued),
			zap.Int("stuck_restoring", rep.StuckRestoring))
	}
	return rep, err
}

func (s *Sweeper) sweepRestoring(ctx context.Context, rep *Report) error {
	jobs, err := s.store.ListByStatus(ctx, job.StatusRestoring, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list restoring jobs: %w", err)
	}

	var errs []error
	for _, j := range jobs {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		log := s.logger.With(zap.String("job_id", j.JobID), zap.String("thaw_job_id", j.ThawJobID))

		state, err := s.cold.ThawStatus(ctx, j.ArchiveID, j.ThawJobID)
		if err != nil {
			errs = append(errs, fmt.Errorf("thaw status for %s: %w", j.JobID, err))
			continue
		}
		if state == blobstore.ThawStateReady {
			msg := event.ThawCompleted{ThawJobID: j.ThawJobID, ArchiveID: j.ArchiveID, JobID: j.JobID}
			if err := s.pub.Publish(ctx, event.TopicThawCompleted, msg); err != nil {
				errs = append(errs, fmt.Errorf("publish thaw-completed for %s: %w", j.JobID, err))
				continue
			}
			log.Debug("Thaw ready")
			rep.ThawsReady++
			continue
		}

		if waited := s.now().Sub(j.UpdatedAt); waited > s.cfg.MaxThawWait {
			log.Error("Restore stuck",
				zap.String("thaw_state", string(state)),
				zap.Duration("waited", waited))
			rep.StuckRestoring++
			s.alert(ctx, job.StatusRestoring)
		}
	}
	return errors.Join(errs...)
}

func (s *Sweeper) sweepArchiving(ctx context.Context, rep *Report) error {
	jobs, err := s.store.ListByStatus(ctx, job.StatusArchiving, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list archiving jobs: %w", err)
	}

	var errs []error
	now := s.now()
	for _, j := range jobs {
		if j.LeaseActive(now) {
			continue
		}

		// Hold the job so later sweeps skip it until the requeued trigger
		// is due.
		lease := now.Add(s.cfg.RequeueAfter)
		held, err := s.store.CompareAndSet(ctx, j.JobID,
			job.Expect{Status: job.StatusArchiving, Version: j.Version},
			job.Update{Status: job.StatusArchiving, LeaseUntil: &lease})
		if err != nil {
			if jobstore.IsConditionFailed(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("hold stalled archive %s: %w", j.JobID, err))
			continue
		}

		s.logger.Error("Archival stalled; re-enqueueing",
			zap.String("job_id", j.JobID),
			zap.Timep("lease_until", j.LeaseUntil),
			zap.Duration("after", s.cfg.RequeueAfter))
		s.alert(ctx, job.StatusArchiving)

		msg := event.JobCompleted{JobID: held.JobID, UserID: held.UserID, ResultKey: held.ResultKey, LogKey: held.LogKey}
		if held.CompleteTime != nil {
			msg.CompleteTime = *held.CompleteTime
		}
		if err := s.pub.Enqueue(ctx, event.QueueArchive, event.TopicJobCompleted, msg, bus.WithDelay(s.cfg.RequeueAfter)); err != nil {
			errs = append(errs, fmt.Errorf("re-enqueue archive for %s: %w", j.JobID, err))
			continue
		}
		rep.ArchivesRequeued++
	}
	return errors.Join(errs...)
}

func (s *Sweeper) alert(ctx context.Context, status job.Status) {
	if s.recorder != nil {
		s.recorder.RecordStuck(ctx, status)
	}
}
