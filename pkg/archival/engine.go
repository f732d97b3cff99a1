// Package archival decides whether a completed job's result moves to cold
// storage and performs the migration.
//
// The engine consumes job-completed events after a grace interval, looks up
// the user's tier at decision time and migrates results of free users. A job
// is claimed with a conditional COMPLETED -> ARCHIVING write before any side
// effect, so concurrent or repeated deliveries produce at most one migration.
package archival

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/annovault/pkg/blobstore"
	"github.com/3leaps/annovault/pkg/bus"
	"github.com/3leaps/annovault/pkg/event"
	"github.com/3leaps/annovault/pkg/job"
	"github.com/3leaps/annovault/pkg/jobstore"
	"github.com/3leaps/annovault/pkg/tier"
)

// Skip reasons reported to the Recorder.
const (
	SkipArchived = "already_archived"
	SkipClaimed  = "claimed"
	SkipPremium  = "premium"
	SkipExcluded = "excluded"
	SkipLostRace = "lost_race"
)

const (
	DefaultGraceInterval = 5 * time.Minute
	DefaultLease         = 10 * time.Minute
)

// Config configures the engine.
type Config struct {
	// GraceInterval is how long after completion a free user's result stays
	// hot before migration.
	GraceInterval time.Duration

	// Lease bounds how long a claim on an ARCHIVING job is honoured.
	Lease time.Duration

	// Include restricts migration to result keys matching one of these
	// doublestar patterns. Empty means every key.
	Include []string
}

func (c Config) withDefaults() Config {
	if c.GraceInterval < 0 {
		c.GraceInterval = 0
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	return c
}

// Recorder receives archival metrics. May be nil.
type Recorder interface {
	RecordMigration(ctx context.Context)
	RecordSkip(ctx context.Context, reason string)
}

// Engine is the archival decision engine.
type Engine struct {
	store    jobstore.Store
	cold     blobstore.ColdStore
	tiers    tier.Lookup
	cfg      Config
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time
}

// New creates an engine. logger and recorder may be nil.
func New(store jobstore.Store, cold blobstore.ColdStore, tiers tier.Lookup, cfg Config, logger *zap.Logger, recorder Recorder) (*Engine, error) {
	cfg = cfg.withDefaults()
	for _, p := range cfg.Include {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid include pattern %q", p)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		cold:     cold,
		tiers:    tiers,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "archival")),
		recorder: recorder,
		now:      time.Now,
	}, nil
}

// Handle is the bus handler for the archive queue.
func (e *Engine) Handle(ctx context.Context, d *bus.Delivery) error {
	var ev event.JobCompleted
	if err := d.Decode(&ev); err != nil {
		return err
	}
	if err := event.Validate(ev); err != nil {
		return bus.Permanent(err)
	}
	return e.Process(ctx, ev)
}

// Process applies the archival decision to one job-completed event.
func (e *Engine) Process(ctx context.Context, ev event.JobCompleted) error {
	log := e.logger.With(zap.String("job_id", ev.JobID), zap.String("user_id", ev.UserID))

	j, err := e.store.Get(ctx, ev.JobID)
	if err != nil {
		if jobstore.IsNotFound(err) {
			return bus.Permanent(err)
		}
		return fmt.Errorf("load job: %w", err)
	}
	if j.UserID != ev.UserID {
		return bus.Permanent(fmt.Errorf("job %s belongs to %s, event names %s", j.JobID, j.UserID, ev.UserID))
	}

	now := e.now()
	switch {
	case j.HasArchive(), j.Status == job.StatusArchived, j.Status == job.StatusRestoring, j.Status == job.StatusRestored:
		log.Debug("Already archived", zap.String("status", j.Status.String()))
		e.skip(ctx, SkipArchived)
		return nil
	case j.Status == job.StatusArchiving:
		if j.LeaseActive(now) {
			log.Debug("Archival in progress elsewhere", zap.Timep("lease_until", j.LeaseUntil))
			e.skip(ctx, SkipClaimed)
			return nil
		}
		return e.takeOver(ctx, j, log)
	case j.Status == job.StatusPending, j.Status == job.StatusRunning:
		return fmt.Errorf("job %s is %s; completion not yet recorded", j.JobID, j.Status)
	}

	if remaining := e.graceRemaining(j, ev, now); remaining > 0 {
		return bus.Defer(nil, remaining)
	}

	t, err := e.tiers.Tier(ctx, j.UserID)
	if err != nil {
		if errors.Is(err, tier.ErrUnknownUser) {
			return bus.Permanent(fmt.Errorf("tier lookup for %s: %w", j.UserID, err))
		}
		return fmt.Errorf("tier lookup for %s: %w", j.UserID, err)
	}
	if t == tier.Premium {
		log.Info("Premium user; result stays hot")
		e.skip(ctx, SkipPremium)
		return nil
	}
	if !e.included(j.ResultKey) {
		log.Info("Result key not selected for archival", zap.String("result_key", j.ResultKey))
		e.skip(ctx, SkipExcluded)
		return nil
	}

	lease := now.Add(e.cfg.Lease)
	claimed, err := e.store.CompareAndSet(ctx, j.JobID,
		job.Expect{Status: job.StatusCompleted, Version: j.Version},
		job.Update{Status: job.StatusArchiving, LeaseUntil: &lease})
	if err != nil {
		if jobstore.IsConditionFailed(err) {
			log.Debug("Lost archival claim")
			e.skip(ctx, SkipLostRace)
			return nil
		}
		return fmt.Errorf("claim job: %w", err)
	}
	return e.migrate(ctx, claimed, log)
}

// takeOver claims an ARCHIVING job whose lease expired and resumes it.
func (e *Engine) takeOver(ctx context.Context, j *job.AnnotationJob, log *zap.Logger) error {
	lease := e.now().Add(e.cfg.Lease)
	claimed, err := e.store.CompareAndSet(ctx, j.JobID,
		job.Expect{Status: job.StatusArchiving, Version: j.Version},
		job.Update{Status: job.StatusArchiving, LeaseUntil: &lease})
	if err != nil {
		if jobstore.IsConditionFailed(err) {
			e.skip(ctx, SkipLostRace)
			return nil
		}
		return fmt.Errorf("take over job: %w", err)
	}
	log.Warn("Resuming stalled archival", zap.Int64("version", claimed.Version))
	return e.migrate(ctx, claimed, log)
}

func (e *Engine) migrate(ctx context.Context, j *job.AnnotationJob, log *zap.Logger) error {
	start := e.now()
	archiveID, err := e.cold.Archive(ctx, j.JobID, j.ResultKey)
	if err != nil {
		// The job stays ARCHIVING. Releasing the lease lets the redelivery
		// take over immediately.
		log.Error("Cold migration failed", zap.String("result_key", j.ResultKey), zap.Error(err))
		e.release(ctx, j, log)
		if blobstore.IsPermanent(err) {
			return bus.Permanent(fmt.Errorf("archive %s: %w", j.JobID, err))
		}
		return fmt.Errorf("archive %s: %w", j.JobID, err)
	}

	_, err = e.store.CompareAndSet(ctx, j.JobID,
		job.Expect{Status: job.StatusArchiving, Version: j.Version},
		job.Update{Status: job.StatusArchived, ArchiveID: &archiveID, ClearLeaseUntil: true})
	if err != nil {
		if jobstore.IsConditionFailed(err) {
			// Our lease lapsed and another worker took over; the cold key is
			// per job, so both runs wrote the same archive.
			log.Warn("Archival claim superseded", zap.String("archive_id", archiveID))
			e.skip(ctx, SkipLostRace)
			return nil
		}
		return fmt.Errorf("record archive: %w", err)
	}

	log.Info("Result archived",
		zap.String("archive_id", archiveID),
		zap.Duration("elapsed", e.now().Sub(start)))
	if e.recorder != nil {
		e.recorder.RecordMigration(ctx)
	}
	return nil
}

func (e *Engine) release(ctx context.Context, j *job.AnnotationJob, log *zap.Logger) {
	expired := e.now()
	_, err := e.store.CompareAndSet(ctx, j.JobID,
		job.Expect{Status: job.StatusArchiving, Version: j.Version},
		job.Update{Status: job.StatusArchiving, LeaseUntil: &expired})
	if err != nil {
		log.Warn("Could not release archival lease", zap.Error(err))
	}
}

func (e *Engine) graceRemaining(j *job.AnnotationJob, ev event.JobCompleted, now time.Time) time.Duration {
	completed := ev.CompleteTime
	if j.CompleteTime != nil {
		completed = *j.CompleteTime
	}
	return completed.Add(e.cfg.GraceInterval).Sub(now)
}

func (e *Engine) included(key string) bool {
	if len(e.cfg.Include) == 0 {
		return true
	}
	for _, p := range e.cfg.Include {
		if ok, _ := doublestar.Match(p, key); ok {
			return true
		}
	}
	return false
}

func (e *Engine) skip(ctx context.Context, reason string) {
	if e.recorder != nil {
		e.recorder.RecordSkip(ctx, reason)
	}
}
