// Package blobstore defines the hot and cold object tiers that hold
// annotation results.
//
// The hot tier serves results directly. The cold tier is cheap, slow storage:
// objects moved there must be thawed (an asynchronous, tiered operation)
// before they can be copied back.
package blobstore

import (
	"context"
	"io"
	"strings"
)

// ThawTier selects the speed/cost class of a thaw request.
type ThawTier string

const (
	// ThawExpedited completes in minutes but is subject to capacity limits.
	ThawExpedited ThawTier = "Expedited"
	// ThawStandard completes in hours and is always accepted.
	ThawStandard ThawTier = "Standard"
)

// ThawState is the progress of a thaw request.
type ThawState string

const (
	ThawStateNone       ThawState = "none"
	ThawStateInProgress ThawState = "in_progress"
	ThawStateReady      ThawState = "ready"
)

// HotStore is the directly served result tier.
type HotStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// ColdStore is the archival tier.
//
// Implementations must make every operation safe to repeat: Archive uses a
// key derived from jobID so that a retried migration never creates a second
// copy, and InitiateThaw for an archive with a thaw already underway succeeds.
type ColdStore interface {
	// Archive moves hotKey into the cold tier and returns the archive handle.
	// The hot object is removed once the cold copy exists. When the hot object
	// is already gone but the cold copy exists, Archive succeeds.
	Archive(ctx context.Context, jobID, hotKey string) (archiveID string, err error)

	// InitiateThaw requests that archiveID be made readable. correlationID is
	// carried on the request and echoed by completion notifications.
	// ErrInsufficientCapacity means the tier cannot take the request now.
	InitiateThaw(ctx context.Context, archiveID string, tier ThawTier, correlationID string) (thawJobID string, err error)

	// ThawStatus reports the progress of the thaw for archiveID.
	ThawStatus(ctx context.Context, archiveID, thawJobID string) (ThawState, error)

	// CompleteThaw copies thawed data back to destKey in the hot tier.
	// ErrThawNotReady means the thaw has not finished yet.
	CompleteThaw(ctx context.Context, archiveID, thawJobID, destKey string) error

	// DeleteArchive removes the cold copy. Missing archives are not an error.
	DeleteArchive(ctx context.Context, archiveID string) error
}

// Store is a backend serving both tiers.
type Store interface {
	HotStore
	ColdStore
	Close() error
}

// ColdKey returns the deterministic cold key for a job under prefix.
func ColdKey(prefix, jobID string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return jobID
	}
	return prefix + "/" + jobID
}
