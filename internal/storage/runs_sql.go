package storage

import (
	"time"

	"github.com/ashita-ai/maintask/internal/model"
)

// RunColumns is the column list every run query selects, in scan order.
const RunColumns = `id, task_name, status, cursor, tick_count, tick_total, time_running,
	started_at, ended_at, error_class, error_message, backtrace, arguments,
	output, job_id, created_at, updated_at`

// RunSetClauses renders the SET assignments for u. bind appends a value to
// the argument list and returns its placeholder; backtrace encodes the
// backtrace column for the dialect.
func RunSetClauses(u model.RunUpdate, now time.Time, bind func(v any) string, backtrace func([]string) any) []string {
	var set []string
	if u.Status != nil {
		set = append(set, "status = "+bind(string(*u.Status)))
	}
	switch {
	case u.ClearCursor:
		set = append(set, "cursor = NULL")
	case u.Cursor != nil:
		set = append(set, "cursor = "+bind(*u.Cursor))
	}
	if u.TickTotal != nil {
		set = append(set, "tick_total = "+bind(*u.TickTotal))
	}
	if u.StartedAt != nil {
		if u.StartedAtIfNull {
			set = append(set, "started_at = COALESCE(started_at, "+bind(*u.StartedAt)+")")
		} else {
			set = append(set, "started_at = "+bind(*u.StartedAt))
		}
	}
	if u.EndedAt != nil {
		set = append(set, "ended_at = "+bind(*u.EndedAt))
	}
	if u.Error != nil {
		set = append(set,
			"error_class = "+bind(u.Error.Class),
			"error_message = "+bind(u.Error.Message),
			"backtrace = "+bind(backtrace(u.Error.Backtrace)),
		)
	}
	if u.JobID != nil {
		set = append(set, "job_id = "+bind(*u.JobID))
	}
	set = append(set, "updated_at = "+bind(now))
	return set
}

// StatusStrings converts statuses for binding.
func StatusStrings(ss []model.RunStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
