// Package notify tells users their annotation results are ready.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/annovault/pkg/bus"
	"github.com/3leaps/annovault/pkg/event"
)

// Notice is one completion message for a user.
type Notice struct {
	UserID        string
	JobID         string
	InputFileName string
	ResultKey     string
	CompleteTime  time.Time
}

// Subject is the one-line summary sent to the user.
func (n Notice) Subject() string {
	name := n.InputFileName
	if name == "" {
		name = n.JobID
	}
	return fmt.Sprintf("Results available for job %s (%s)", n.JobID, name)
}

// Sender delivers a notice.
type Sender interface {
	Send(ctx context.Context, n Notice) error
}

// LogSender writes notices to the log. Used where no mail gateway exists.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger.With(zap.String("component", "notify"))}
}

func (s *LogSender) Send(ctx context.Context, n Notice) error {
	s.logger.Info(n.Subject(),
		zap.String("user_id", n.UserID),
		zap.String("job_id", n.JobID),
		zap.String("result_key", n.ResultKey),
		zap.Time("complete_time", n.CompleteTime))
	return nil
}

// Handler returns the bus handler for the notifications queue.
func Handler(sender Sender) bus.Handler {
	return func(ctx context.Context, d *bus.Delivery) error {
		var ev event.JobCompleted
		if err := d.Decode(&ev); err != nil {
			return err
		}
		if err := event.Validate(ev); err != nil {
			return bus.Permanent(err)
		}
		return sender.Send(ctx, Notice{
			UserID:        ev.UserID,
			JobID:         ev.JobID,
			InputFileName: ev.InputFileName,
			ResultKey:     ev.ResultKey,
			CompleteTime:  ev.CompleteTime,
		})
	}
}
