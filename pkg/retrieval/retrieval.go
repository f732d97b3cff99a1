// Package retrieval brings archived results back to hot storage.
//
// Phase 1 (Initiator) requests a thaw for an ARCHIVED job, expedited first and
// standard when expedited capacity is unavailable, then records the thaw
// handle with an ARCHIVED -> RESTORING write. Phase 2 (Finalizer) runs when the
// thaw completes: it claims the RESTORING job, copies the thawed object to the
// job's result key and writes RESTORED. Trigger fans out restore requests for
// every archived job of a user who upgraded.
package retrieval

import (
	"context"
	"time"

	"github.com/3leaps/annovault/pkg/backoff"
	"github.com/3leaps/annovault/pkg/blobstore"
	"github.com/3leaps/annovault/pkg/job"
)

const (
	DefaultLease            = 10 * time.Minute
	DefaultStandardAttempts = 3
	DefaultRecheck          = time.Minute
)

// Config tunes both phases.
type Config struct {
	// Lease bounds a finalization claim.
	Lease time.Duration

	// StandardAttempts is how many standard thaw requests phase 1 makes
	// in-process before handing the retry back to the bus.
	StandardAttempts int
	Backoff          backoff.Config

	// Recheck is the redelivery delay while a job is still being archived or
	// its thaw is not ready yet.
	Recheck time.Duration
}

func (c Config) withDefaults() Config {
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	if c.StandardAttempts <= 0 {
		c.StandardAttempts = DefaultStandardAttempts
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = time.Second
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 30 * time.Second
	}
	if c.Recheck <= 0 {
		c.Recheck = DefaultRecheck
	}
	return c
}

// Recorder receives retrieval metrics. May be nil.
type Recorder interface {
	RecordRestoreInitiated(ctx context.Context, tier job.RestoreTier)
	RecordRestoreCompleted(ctx context.Context)
}

// EstimatedWait is the user-facing message for how long a restore takes.
func EstimatedWait(t job.RestoreTier) string {
	switch t {
	case job.RestoreTierExpedited:
		return "a few minutes"
	case job.RestoreTierStandard:
		return "a few hours"
	}
	return ""
}

func thawTier(t job.RestoreTier) blobstore.ThawTier {
	if t == job.RestoreTierExpedited {
		return blobstore.ThawExpedited
	}
	return blobstore.ThawStandard
}
