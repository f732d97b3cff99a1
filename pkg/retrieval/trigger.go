package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/annovault/pkg/bus"
	"github.com/3leaps/annovault/pkg/event"
	"github.com/3leaps/annovault/pkg/job"
	"github.com/3leaps/annovault/pkg/jobstore"
	"github.com/3leaps/annovault/pkg/tier"
)

// Trigger publishes restore requests when a user upgrades.
type Trigger struct {
	store  jobstore.Store
	pub    bus.Publisher
	tiers  tier.Setter
	logger *zap.Logger
}

// NewTrigger creates a restore trigger. tiers may be nil when tier changes
// are recorded elsewhere.
func NewTrigger(store jobstore.Store, pub bus.Publisher, tiers tier.Setter, logger *zap.Logger) *Trigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trigger{store: store, pub: pub, tiers: tiers, logger: logger.With(zap.String("component", "restore-trigger"))}
}

// Upgrade records the user as premium, when a tier setter is configured, and
// requests restores for their archived jobs.
func (t *Trigger) Upgrade(ctx context.Context, userID string) (int, error) {
	if t.tiers != nil {
		if err := t.tiers.SetTier(ctx, userID, tier.Premium); err != nil {
			return 0, fmt.Errorf("upgrade %s: %w", userID, err)
		}
	}
	return t.UserUpgraded(ctx, userID)
}

// UserUpgraded publishes one RestoreRequested per ARCHIVED or ARCHIVING job of
// userID and returns how many were published.
func (t *Trigger) UserUpgraded(ctx context.Context, userID string) (int, error) {
	jobs, err := t.store.ListByUser(ctx, userID, job.StatusArchived, job.StatusArchiving)
	if err != nil {
		return 0, fmt.Errorf("list archived jobs for %s: %w", userID, err)
	}

	now := time.Now().UTC()
	var errs []error
	published := 0
	for _, j := range jobs {
		msg := event.RestoreRequested{JobID: j.JobID, UserID: userID, RequestedAt: now}
		if err := t.pub.Publish(ctx, event.TopicRestoreRequested, msg); err != nil {
			errs = append(errs, fmt.Errorf("publish restore for %s: %w", j.JobID, err))
			continue
		}
		published++
	}

	t.logger.Info("Restore requests published",
		zap.String("user_id", userID),
		zap.Int("jobs", len(jobs)),
		zap.Int("published", published))
	return published, errors.Join(errs...)
}
