// Package event defines the messages exchanged between lifecycle components
// and the topics and queues that carry them.
package event

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Topics.
const (
	TopicJobCompleted     = "job-completed"
	TopicRestoreRequested = "restore-requested"
	TopicThawCompleted    = "thaw-completed"
)

// Queues.
const (
	// QueueArchive receives job-completed events after the grace interval.
	QueueArchive = "archive-requests"
	// QueueNotify receives job-completed events immediately.
	QueueNotify = "notifications"
	// QueueRestore receives restore requests.
	QueueRestore = "restore-requests"
	// QueueRestoreReady receives thaw-completed notifications.
	QueueRestoreReady = "restore-ready"
)

// JobCompleted is published by the runner when a job's result is in hot storage.
type JobCompleted struct {
	JobID         string    `json:"job_id" validate:"required"`
	UserID        string    `json:"user_id" validate:"required"`
	ResultKey     string    `json:"result_key" validate:"required"`
	LogKey        string    `json:"log_key,omitempty"`
	InputFileName string    `json:"input_file_name,omitempty"`
	CompleteTime  time.Time `json:"complete_time" validate:"required"`
}

// RestoreRequested asks the retrieval orchestrator to thaw one archived job.
type RestoreRequested struct {
	JobID       string    `json:"job_id" validate:"required"`
	UserID      string    `json:"user_id" validate:"required"`
	RequestedAt time.Time `json:"requested_at,omitempty"`
}

// ThawCompleted reports that a thaw finished. JobID is the correlation field
// carried on the thaw request; ThawJobID is the fallback lookup key.
type ThawCompleted struct {
	ThawJobID string `json:"thaw_job_id,omitempty" validate:"required_without=JobID"`
	ArchiveID string `json:"archive_id,omitempty"`
	JobID     string `json:"job_id,omitempty" validate:"required_without=ThawJobID"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks a typed message's required fields.
func Validate(msg any) error {
	if err := structValidator().Struct(msg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid %T: %s", msg, strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid %T: %w", msg, err)
	}
	return nil
}
