// Package job defines the annotation job record and its lifecycle state machine.
package job

import "time"

// Status is the lifecycle state of an annotation job.
//
// NOTE: These values are persisted in the job store and are part of the
// stable storage contract.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusArchiving Status = "ARCHIVING"
	StatusArchived  Status = "ARCHIVED"
	StatusRestoring Status = "RESTORING"
	StatusRestored  Status = "RESTORED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusCompleted,
	StatusArchiving,
	StatusArchived,
	StatusRestoring,
	StatusRestored,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// RestoreTier records which thaw path was taken for a restore.
type RestoreTier string

const (
	RestoreTierNone      RestoreTier = "NONE"
	RestoreTierExpedited RestoreTier = "EXPEDITED"
	RestoreTierStandard  RestoreTier = "STANDARD"
)

// Valid reports whether t is a known restore tier.
func (t RestoreTier) Valid() bool {
	switch t {
	case RestoreTierNone, RestoreTierExpedited, RestoreTierStandard:
		return true
	}
	return false
}

// AnnotationJob is the persistent record for a single annotation run.
//
// Optional string fields use the empty string for "absent"; stores persist
// absent values as NULL so that archive_id absence is the dedup signal.
type AnnotationJob struct {
	JobID         string `json:"job_id"`
	UserID        string `json:"user_id"`
	InputKey      string `json:"input_key"`
	InputFileName string `json:"input_file_name,omitempty"`
	ResultKey     string `json:"result_key,omitempty"`
	LogKey        string `json:"log_key,omitempty"`
	Status        Status `json:"status"`

	SubmitTime   time.Time  `json:"submit_time"`
	CompleteTime *time.Time `json:"complete_time,omitempty"`

	ArchiveID   string      `json:"archive_id,omitempty"`
	RestoreTier RestoreTier `json:"restore_tier"`
	ThawJobID   string      `json:"thaw_job_id,omitempty"`

	// Version increments on every successful write.
	Version int64 `json:"version"`
	// LeaseUntil is set while a worker performs a long-running side effect
	// for the current status.
	LeaseUntil *time.Time `json:"lease_until,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// HasArchive reports whether an archive handle is recorded.
func (j *AnnotationJob) HasArchive() bool {
	return j != nil && j.ArchiveID != ""
}

// LeaseActive reports whether a worker claim is still live at now.
func (j *AnnotationJob) LeaseActive(now time.Time) bool {
	return j != nil && j.LeaseUntil != nil && now.Before(*j.LeaseUntil)
}

// Expect is the precondition of a conditional write.
type Expect struct {
	Status Status
	// Version pins the write to an observed record version. Zero means any.
	Version int64
}

// Update describes the fields written by a conditional write.
//
// Nil pointer fields are left unchanged. Clear* flags set the column to NULL.
type Update struct {
	Status Status

	ResultKey    *string
	LogKey       *string
	CompleteTime *time.Time
	ArchiveID    *string
	RestoreTier  *RestoreTier
	ThawJobID    *string
	LeaseUntil   *time.Time

	ClearArchiveID  bool
	ClearThawJobID  bool
	ClearLeaseUntil bool
}

// Apply returns a copy of j with u applied. Version and UpdatedAt are the
// caller's responsibility.
func (u Update) Apply(j AnnotationJob) AnnotationJob {
	j.Status = u.Status
	if u.ResultKey != nil {
		j.ResultKey = *u.ResultKey
	}
	if u.LogKey != nil {
		j.LogKey = *u.LogKey
	}
	if u.CompleteTime != nil {
		t := u.CompleteTime.UTC()
		j.CompleteTime = &t
	}
	if u.ArchiveID != nil {
		j.ArchiveID = *u.ArchiveID
	}
	if u.ClearArchiveID {
		j.ArchiveID = ""
	}
	if u.RestoreTier != nil {
		j.RestoreTier = *u.RestoreTier
	}
	if u.ThawJobID != nil {
		j.ThawJobID = *u.ThawJobID
	}
	if u.ClearThawJobID {
		j.ThawJobID = ""
	}
	if u.LeaseUntil != nil {
		t := u.LeaseUntil.UTC()
		j.LeaseUntil = &t
	}
	if u.ClearLeaseUntil {
		j.LeaseUntil = nil
	}
	return j
}

// Ptr returns a pointer to v. Used to build Update values.
func Ptr[T any](v T) *T {
	return &v
}
