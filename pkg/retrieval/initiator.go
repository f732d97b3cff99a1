package retrieval

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/annovault/pkg/backoff"
	"github.com/3leaps/annovault/pkg/blobstore"
	"github.com/3leaps/annovault/pkg/bus"
	"github.com/3leaps/annovault/pkg/event"
	"github.com/3leaps/annovault/pkg/job"
	"github.com/3leaps/annovault/pkg/jobstore"
)

// Initiator runs phase 1: thaw initiation.
type Initiator struct {
	store    jobstore.Store
	cold     blobstore.ColdStore
	cfg      Config
	logger   *zap.Logger
	recorder Recorder
}

// NewInitiator creates a phase 1 handler. logger and recorder may be nil.
func NewInitiator(store jobstore.Store, cold blobstore.ColdStore, cfg Config, logger *zap.Logger, recorder Recorder) *Initiator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Initiator{
		store:    store,
		cold:     cold,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(zap.String("component", "restore-initiator")),
		recorder: recorder,
	}
}

// Handle is the bus handler for the restore-requests queue.
func (in *Initiator) Handle(ctx context.Context, d *bus.Delivery) error {
	var ev event.RestoreRequested
	if err := d.Decode(&ev); err != nil {
		return err
	}
	if err := event.Validate(ev); err != nil {
		return bus.Permanent(err)
	}
	return in.Process(ctx, ev)
}

// Process starts a thaw for one job.
func (in *Initiator) Process(ctx context.Context, ev event.RestoreRequested) error {
	log := in.logger.With(zap.String("job_id", ev.JobID), zap.String("user_id", ev.UserID))

	j, err := in.store.Get(ctx, ev.JobID)
	if err != nil {
		if jobstore.IsNotFound(err) {
			return bus.Permanent(err)
		}
		return fmt.Errorf("load job: %w", err)
	}
	if j.UserID != ev.UserID {
		return bus.Permanent(fmt.Errorf("job %s belongs to %s, request names %s", j.JobID, j.UserID, ev.UserID))
	}

	switch j.Status {
	case job.StatusArchived:
	case job.StatusArchiving:
		// Restore once the in-flight migration lands.
		log.Debug("Job still archiving; restore deferred")
		return bus.Defer(nil, in.cfg.Recheck)
	default:
		log.Debug("Nothing to restore", zap.String("status", j.Status.String()))
		return nil
	}
	if !j.HasArchive() {
		return bus.Permanent(fmt.Errorf("job %s is ARCHIVED without archive_id", j.JobID))
	}

	thawID, restoreTier, err := in.initiate(ctx, j, log)
	if err != nil {
		if blobstore.IsRetryable(err) {
			// Cold-tier outages wait on the bus without using up attempts.
			log.Warn("Thaw request failed; retrying later", zap.Duration("after", in.cfg.Backoff.Max), zap.Error(err))
			return bus.Defer(err, in.cfg.Backoff.Max)
		}
		return err
	}

	_, err = in.store.CompareAndSet(ctx, j.JobID,
		job.Expect{Status: job.StatusArchived, Version: j.Version},
		job.Update{Status: job.StatusRestoring, ThawJobID: &thawID, RestoreTier: &restoreTier})
	if err != nil {
		if jobstore.IsConditionFailed(err) {
			log.Debug("Restore already recorded by another worker")
			return nil
		}
		return fmt.Errorf("record restore: %w", err)
	}

	log.Info("Restore initiated",
		zap.String("thaw_job_id", thawID),
		zap.String("restore_tier", string(restoreTier)),
		zap.String("estimated_wait", EstimatedWait(restoreTier)))
	if in.recorder != nil {
		in.recorder.RecordRestoreInitiated(ctx, restoreTier)
	}
	return nil
}

// initiate requests an expedited thaw and falls back to standard when
// expedited capacity is unavailable.
func (in *Initiator) initiate(ctx context.Context, j *job.AnnotationJob, log *zap.Logger) (string, job.RestoreTier, error) {
	thawID, err := in.cold.InitiateThaw(ctx, j.ArchiveID, blobstore.ThawExpedited, j.JobID)
	if err == nil {
		return thawID, job.RestoreTierExpedited, nil
	}
	if !blobstore.IsInsufficientCapacity(err) {
		return "", "", thawError(j.JobID, err)
	}
	log.Info("Expedited thaw unavailable; using standard", zap.Error(err))

	for attempt := 1; ; attempt++ {
		thawID, err = in.cold.InitiateThaw(ctx, j.ArchiveID, blobstore.ThawStandard, j.JobID)
		if err == nil {
			return thawID, job.RestoreTierStandard, nil
		}
		if blobstore.IsPermanent(err) || blobstore.IsNotFound(err) || attempt >= in.cfg.StandardAttempts {
			return "", "", thawError(j.JobID, err)
		}
		log.Warn("Standard thaw request failed", zap.Int("attempt", attempt), zap.Error(err))
		if werr := backoff.Wait(ctx, attempt, &in.cfg.Backoff); werr != nil {
			return "", "", werr
		}
	}
}

func thawError(jobID string, err error) error {
	err = fmt.Errorf("initiate thaw for %s: %w", jobID, err)
	if blobstore.IsPermanent(err) || blobstore.IsNotFound(err) {
		return bus.Permanent(err)
	}
	return err
}
