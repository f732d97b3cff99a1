package jobstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/annovault/pkg/job"
)

// setBuilder renders the SET and WHERE clauses of a conditional write for a
// specific placeholder and time encoding.
type setBuilder struct {
	placeholder func(n int) string
	timeArg     func(t time.Time) any
	args        []any
	sets        []string
}

func (b *setBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return b.placeholder(len(b.args))
}

func (b *setBuilder) set(col string, v any) {
	b.sets = append(b.sets, fmt.Sprintf("%s = %s", col, b.arg(v)))
}

func (b *setBuilder) setNull(col string) {
	b.sets = append(b.sets, col+" = NULL")
}

// build returns "UPDATE jobs SET ... WHERE ..." and its arguments.
func (b *setBuilder) build(jobID string, expect job.Expect, u job.Update, now time.Time) (string, []any) {
	b.set("status", string(u.Status))
	if u.ResultKey != nil {
		b.set("result_key", *u.ResultKey)
	}
	if u.LogKey != nil {
		b.set("log_key", *u.LogKey)
	}
	if u.CompleteTime != nil {
		b.set("complete_time", b.timeArg(*u.CompleteTime))
	}
	switch {
	case u.ArchiveID != nil:
		b.set("archive_id", *u.ArchiveID)
	case u.ClearArchiveID:
		b.setNull("archive_id")
	}
	if u.RestoreTier != nil {
		b.set("restore_tier", string(*u.RestoreTier))
	}
	switch {
	case u.ThawJobID != nil:
		b.set("thaw_job_id", *u.ThawJobID)
	case u.ClearThawJobID:
		b.setNull("thaw_job_id")
	}
	switch {
	case u.LeaseUntil != nil:
		b.set("lease_until", b.timeArg(*u.LeaseUntil))
	case u.ClearLeaseUntil:
		b.setNull("lease_until")
	}
	b.sets = append(b.sets, "version = version + 1")
	b.set("updated_at", b.timeArg(now))

	where := []string{
		"job_id = " + b.arg(jobID),
		"status = " + b.arg(string(expect.Status)),
	}
	if expect.Version != 0 {
		where = append(where, "version = "+b.arg(expect.Version))
	}

	query := "UPDATE jobs SET " + strings.Join(b.sets, ", ") + " WHERE " + strings.Join(where, " AND ")
	return query, b.args
}

func questionMark(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

const jobColumns = `job_id, user_id, input_key, input_file_name, result_key, log_key, status,
	submit_time, complete_time, archive_id, restore_tier, thaw_job_id, version, lease_until, updated_at`
