package retrieval

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/annovault/pkg/blobstore"
	"github.com/3leaps/annovault/pkg/bus"
	"github.com/3leaps/annovault/pkg/event"
	"github.com/3leaps/annovault/pkg/job"
	"github.com/3leaps/annovault/pkg/jobstore"
)

// Finalizer runs phase 2: placing a thawed object back in hot storage.
type Finalizer struct {
	store    jobstore.Store
	cold     blobstore.ColdStore
	cfg      Config
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time
}

// NewFinalizer creates a phase 2 handler. logger and recorder may be nil.
func NewFinalizer(store jobstore.Store, cold blobstore.ColdStore, cfg Config, logger *zap.Logger, recorder Recorder) *Finalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finalizer{
		store:    store,
		cold:     cold,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(zap.String("component", "restore-finalizer")),
		recorder: recorder,
		now:      time.Now,
	}
}

// Handle is the bus handler for the restore-ready queue.
func (f *Finalizer) Handle(ctx context.Context, d *bus.Delivery) error {
	var ev event.ThawCompleted
	if err := d.Decode(&ev); err != nil {
		return err
	}
	if err := event.Validate(ev); err != nil {
		return bus.Permanent(err)
	}
	return f.Process(ctx, ev)
}

// Process finalizes the restore the notification refers to.
func (f *Finalizer) Process(ctx context.Context, ev event.ThawCompleted) error {
	j, err := f.locate(ctx, ev)
	if err != nil {
		if jobstore.IsNotFound(err) {
			return bus.Permanent(err)
		}
		return fmt.Errorf("load job: %w", err)
	}
	log := f.logger.With(zap.String("job_id", j.JobID), zap.String("thaw_job_id", j.ThawJobID))

	switch j.Status {
	case job.StatusRestoring:
	case job.StatusRestored:
		log.Debug("Already restored")
		return nil
	case job.StatusArchived:
		return fmt.Errorf("job %s not yet marked RESTORING", j.JobID)
	default:
		return bus.Permanent(fmt.Errorf("thaw notification for job %s in status %s", j.JobID, j.Status))
	}

	now := f.now()
	if j.LeaseActive(now) {
		return bus.Defer(nil, retryIn(*j.LeaseUntil, now))
	}
	lease := now.Add(f.cfg.Lease)
	claimed, err := f.store.CompareAndSet(ctx, j.JobID,
		job.Expect{Status: job.StatusRestoring, Version: j.Version},
		job.Update{Status: job.StatusRestoring, LeaseUntil: &lease})
	if err != nil {
		if jobstore.IsConditionFailed(err) {
			// Another worker claimed or finished it; the redelivery settles which.
			return bus.Defer(err, f.cfg.Recheck)
		}
		return fmt.Errorf("claim restore: %w", err)
	}

	archiveID := claimed.ArchiveID
	if archiveID == "" {
		archiveID = ev.ArchiveID
	}
	if err := f.cold.CompleteThaw(ctx, archiveID, claimed.ThawJobID, claimed.ResultKey); err != nil {
		f.release(ctx, claimed, log)
		if blobstore.IsThawNotReady(err) {
			log.Info("Thaw not ready; will recheck", zap.Duration("after", f.cfg.Recheck))
			return bus.Defer(err, f.cfg.Recheck)
		}
		if blobstore.IsPermanent(err) || blobstore.IsNotFound(err) {
			return bus.Permanent(fmt.Errorf("complete thaw for %s: %w", j.JobID, err))
		}
		return fmt.Errorf("complete thaw for %s: %w", j.JobID, err)
	}

	_, err = f.store.CompareAndSet(ctx, j.JobID,
		job.Expect{Status: job.StatusRestoring, Version: claimed.Version},
		job.Update{Status: job.StatusRestored, ClearArchiveID: true, ClearLeaseUntil: true})
	if err != nil {
		if jobstore.IsConditionFailed(err) {
			log.Warn("Restore claim superseded")
			return nil
		}
		return fmt.Errorf("record restore: %w", err)
	}

	if err := f.cold.DeleteArchive(ctx, archiveID); err != nil {
		log.Warn("Failed to delete cold copy", zap.String("archive_id", archiveID), zap.Error(err))
	}

	log.Info("Result restored", zap.String("result_key", claimed.ResultKey))
	if f.recorder != nil {
		f.recorder.RecordRestoreCompleted(ctx)
	}
	return nil
}

func (f *Finalizer) locate(ctx context.Context, ev event.ThawCompleted) (*job.AnnotationJob, error) {
	if ev.JobID != "" {
		j, err := f.store.Get(ctx, ev.JobID)
		if err == nil || !jobstore.IsNotFound(err) || ev.ThawJobID == "" {
			return j, err
		}
	}
	return f.store.FindByThawJobID(ctx, ev.ThawJobID)
}

func (f *Finalizer) release(ctx context.Context, j *job.AnnotationJob, log *zap.Logger) {
	expired := f.now()
	_, err := f.store.CompareAndSet(ctx, j.JobID,
		job.Expect{Status: job.StatusRestoring, Version: j.Version},
		job.Update{Status: job.StatusRestoring, LeaseUntil: &expired})
	if err != nil {
		log.Warn("Could not release restore lease", zap.Error(err))
	}
}

// retryIn returns how long until t, with a floor of one second.
func retryIn(t time.Time, now time.Time) time.Duration {
	if d := t.Sub(now); d > time.Second {
		return d
	}
	return time.Second
}
