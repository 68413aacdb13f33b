// Package model defines the core domain types for maintask.
//
// Types correspond directly to database rows and API payloads. A Run is one
// execution attempt of a registered task; its status moves through the
// validated transition table in this file.
package model

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusEnqueued    RunStatus = "enqueued"
	RunStatusRunning     RunStatus = "running"
	RunStatusPausing     RunStatus = "pausing"
	RunStatusPaused      RunStatus = "paused"
	RunStatusCancelling  RunStatus = "cancelling"
	RunStatusCancelled   RunStatus = "cancelled"
	RunStatusInterrupted RunStatus = "interrupted"
	RunStatusSucceeded   RunStatus = "succeeded"
	RunStatusErrored     RunStatus = "errored"
)

// AllRunStatuses lists every status in declaration order.
var AllRunStatuses = []RunStatus{
	RunStatusEnqueued,
	RunStatusRunning,
	RunStatusPausing,
	RunStatusPaused,
	RunStatusCancelling,
	RunStatusCancelled,
	RunStatusInterrupted,
	RunStatusSucceeded,
	RunStatusErrored,
}

// Status groups.
var (
	StartableStatuses = []RunStatus{RunStatusEnqueued}
	ActiveStatuses    = []RunStatus{RunStatusEnqueued, RunStatusRunning, RunStatusPausing, RunStatusCancelling, RunStatusPaused}
	StoppingStatuses  = []RunStatus{RunStatusPausing, RunStatusCancelling}
	TerminalStatuses  = []RunStatus{RunStatusSucceeded, RunStatusCancelled, RunStatusErrored}
	ResumableStatuses = []RunStatus{RunStatusPaused, RunStatusInterrupted}
)

// transitions is the validated transition table. Anything not listed here is
// rejected by ValidateTransition.
var transitions = map[RunStatus][]RunStatus{
	RunStatusEnqueued:    {RunStatusRunning, RunStatusPaused, RunStatusCancelled},
	RunStatusRunning:     {RunStatusSucceeded, RunStatusPaused, RunStatusCancelled, RunStatusInterrupted, RunStatusErrored},
	RunStatusPaused:      {RunStatusEnqueued},
	RunStatusInterrupted: {RunStatusRunning, RunStatusSucceeded},
}

// ErrInvalidTransition is returned when a status change is not in the table.
var ErrInvalidTransition = errors.New("model: invalid status transition")

// ValidateTransition reports whether a run may move from one status to another
// through the validated path.
func ValidateTransition(from, to RunStatus) error {
	if !from.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if !slices.Contains(transitions[from], to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// AllowedTransitions returns the destinations reachable from s through the
// validated path.
func AllowedTransitions(s RunStatus) []RunStatus {
	return slices.Clone(transitions[s])
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool { return slices.Contains(AllRunStatuses, s) }

// IsStartable reports whether a fresh attempt may begin from s.
func (s RunStatus) IsStartable() bool { return slices.Contains(StartableStatuses, s) }

// IsActive reports whether the run is in flight or waiting to be.
func (s RunStatus) IsActive() bool { return slices.Contains(ActiveStatuses, s) }

// IsStopping reports whether an external pause or cancel has been requested.
func (s RunStatus) IsStopping() bool { return slices.Contains(StoppingStatuses, s) }

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool { return slices.Contains(TerminalStatuses, s) }

// IsResumable reports whether the stored cursor is meaningful.
func (s RunStatus) IsResumable() bool { return slices.Contains(ResumableStatuses, s) }

// Run is one persisted execution attempt of a task.
type Run struct {
	ID           uuid.UUID         `json:"id"`
	TaskName     string            `json:"task_name"`
	Status       RunStatus         `json:"status"`
	Cursor       *string           `json:"cursor,omitempty"`
	TickCount    int64             `json:"tick_count"`
	TickTotal    *int64            `json:"tick_total,omitempty"`
	TimeRunning  float64           `json:"time_running"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
	ErrorClass   *string           `json:"error_class,omitempty"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	Backtrace    []string          `json:"backtrace,omitempty"`
	Arguments    map[string]string `json:"arguments"`
	Output       *string           `json:"output,omitempty"`
	JobID        *string           `json:"job_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Progress returns the completion percentage in [0, 100], or nil when no
// estimate is available. Estimates can be stale, so the value is clamped.
func (r Run) Progress() *float64 {
	if r.Status == RunStatusSucceeded {
		p := 100.0
		return &p
	}
	if r.TickTotal == nil || *r.TickTotal <= 0 {
		return nil
	}
	p := float64(r.TickCount) / float64(*r.TickTotal) * 100
	p = min(max(p, 0), 100)
	return &p
}

// Stuck reports whether a cancelling run has not been touched for longer than
// threshold, which means no attempt is around to observe the request.
func (r Run) Stuck(now time.Time, threshold time.Duration) bool {
	return r.Status == RunStatusCancelling && now.Sub(r.UpdatedAt) > threshold
}

// RunError holds the diagnostic fields persisted when a run fails.
type RunError struct {
	Class     string
	Message   string
	Backtrace []string
}

// RunUpdate is a partial update applied to a run row. Nil fields are left
// untouched.
type RunUpdate struct {
	Status      *RunStatus
	Cursor      *string
	ClearCursor bool
	TickTotal   *int64
	StartedAt   *time.Time
	// StartedAtIfNull only sets started_at when it has never been set.
	StartedAtIfNull bool
	EndedAt         *time.Time
	Error           *RunError
	JobID           *string
}

// CreateRunParams describes a run to insert.
type CreateRunParams struct {
	TaskName  string
	Arguments map[string]string
}

// RunFilter selects runs for history listings. Results are ordered by
// created_at descending.
type RunFilter struct {
	TaskName string
	Statuses []RunStatus
	Limit    int
	Offset   int
}

// Attachment is auxiliary file content attached to a run (e.g. a CSV upload).
type Attachment struct {
	RunID       uuid.UUID `json:"run_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Content     []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// StatusPtr returns a pointer to s. Convenient for building RunUpdates.
func StatusPtr(s RunStatus) *RunStatus { return &s }
