package job

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIllegalTransition indicates a status change the lifecycle does not allow.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrInvalidUpdate indicates an update that would violate a record invariant.
	ErrInvalidUpdate = errors.New("invalid job update")
)

// transitions lists the allowed next statuses for each status.
//
// Self-transitions on ARCHIVING and RESTORING exist only for lease claims.
// There is no path back from RESTORING to ARCHIVED.
var transitions = map[Status][]Status{
	StatusPending:   {StatusRunning},
	StatusRunning:   {StatusCompleted},
	StatusCompleted: {StatusArchiving},
	StatusArchiving: {StatusArchiving, StatusArchived},
	StatusArchived:  {StatusRestoring},
	StatusRestoring: {StatusRestoring, StatusRestored},
	StatusRestored:  nil,
}

// CanTransition reports whether from -> to is an allowed lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Writer identifies the component that owns a set of transitions.
type Writer string

const (
	WriterRunner    Writer = "runner"
	WriterArchival  Writer = "archival"
	WriterRetrieval Writer = "retrieval"
)

// OwnerOf returns the only component allowed to move a job into status s.
func OwnerOf(s Status) Writer {
	switch s {
	case StatusRunning, StatusCompleted:
		return WriterRunner
	case StatusArchiving, StatusArchived:
		return WriterArchival
	case StatusRestoring, StatusRestored:
		return WriterRetrieval
	}
	return ""
}

// Validate checks that applying u to a record currently in status from keeps
// the record invariants.
func (u Update) Validate(from Status) error {
	if !u.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidUpdate, u.Status)
	}
	if !CanTransition(from, u.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, u.Status)
	}
	if u.ArchiveID != nil && u.ClearArchiveID {
		return fmt.Errorf("%w: archive_id both set and cleared", ErrInvalidUpdate)
	}
	if u.ThawJobID != nil && u.ClearThawJobID {
		return fmt.Errorf("%w: thaw_job_id both set and cleared", ErrInvalidUpdate)
	}
	if u.ArchiveID != nil && strings.TrimSpace(*u.ArchiveID) == "" {
		return fmt.Errorf("%w: archive_id must not be empty; clear it instead", ErrInvalidUpdate)
	}
	if u.RestoreTier != nil && !u.RestoreTier.Valid() {
		return fmt.Errorf("%w: unknown restore tier %q", ErrInvalidUpdate, *u.RestoreTier)
	}

	if u.Status == from {
		// Lease claims may only touch the lease.
		if u.ResultKey != nil || u.CompleteTime != nil || u.ArchiveID != nil || u.ClearArchiveID ||
			u.ThawJobID != nil || u.ClearThawJobID || u.RestoreTier != nil {
			return fmt.Errorf("%w: %s self-transition may only change the lease", ErrInvalidUpdate, from)
		}
		return nil
	}

	switch u.Status {
	case StatusCompleted:
		if u.ResultKey == nil || strings.TrimSpace(*u.ResultKey) == "" {
			return fmt.Errorf("%w: COMPLETED requires result_key", ErrInvalidUpdate)
		}
		if u.CompleteTime == nil || u.CompleteTime.IsZero() {
			return fmt.Errorf("%w: COMPLETED requires complete_time", ErrInvalidUpdate)
		}
	case StatusArchived:
		if u.ArchiveID == nil {
			return fmt.Errorf("%w: ARCHIVED requires archive_id", ErrInvalidUpdate)
		}
	case StatusRestoring:
		if u.ThawJobID == nil || strings.TrimSpace(*u.ThawJobID) == "" {
			return fmt.Errorf("%w: RESTORING requires thaw_job_id", ErrInvalidUpdate)
		}
		if u.RestoreTier == nil || *u.RestoreTier == RestoreTierNone {
			return fmt.Errorf("%w: RESTORING requires an expedited or standard restore tier", ErrInvalidUpdate)
		}
	case StatusRestored:
		if !u.ClearArchiveID {
			return fmt.Errorf("%w: RESTORED must clear archive_id", ErrInvalidUpdate)
		}
	}

	if u.CompleteTime != nil && u.Status != StatusCompleted {
		return fmt.Errorf("%w: complete_time is set only on entry to COMPLETED", ErrInvalidUpdate)
	}
	if u.ArchiveID != nil && u.Status != StatusArchived {
		return fmt.Errorf("%w: archive_id is recorded only on entry to ARCHIVED", ErrInvalidUpdate)
	}
	return nil
}
