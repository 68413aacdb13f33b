package maintask

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	StatusEnqueued    RunStatus = "enqueued"
	StatusRunning     RunStatus = "running"
	StatusPausing     RunStatus = "pausing"
	StatusPaused      RunStatus = "paused"
	StatusCancelling  RunStatus = "cancelling"
	StatusCancelled   RunStatus = "cancelled"
	StatusInterrupted RunStatus = "interrupted"
	StatusSucceeded   RunStatus = "succeeded"
	StatusErrored     RunStatus = "errored"
)

// Terminal reports whether no further attempts will happen.
func (s RunStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusErrored || s == StatusCancelled
}

// Param declares one task parameter.
type Param struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Required    bool     `json:"required,omitempty"`
	Default     *string  `json:"default,omitempty"`
	Choices     []string `json:"choices,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Task describes a registered task.
type Task struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Collection  string   `json:"collection"`
	Params      []Param  `json:"params"`
	RequiresCSV bool     `json:"requires_csv"`
	Parallel    bool     `json:"parallel"`
	Throttles   []string `json:"throttles"`
}

// Run is one execution of a task.
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
	// Progress is the completion percentage, when the total is known.
	Progress *float64 `json:"progress,omitempty"`
}

// CSVFile is an upload for tasks that iterate a CSV.
type CSVFile struct {
	Filename string
	Content  []byte
}

// CreateRunRequest starts a Run.
type CreateRunRequest struct {
	Arguments map[string]string
	CSV       *CSVFile
}

// ListRunsOptions filters and pages a task's run history.
type ListRunsOptions struct {
	Statuses []RunStatus
	Limit    int
	Offset   int
}

// RunList is one page of runs, newest first.
type RunList struct {
	Runs    []Run
	Total   int
	HasMore bool
	Limit   int
	Offset  int
}

// ControlResult is the outcome of pause, resume and cancel.
type ControlResult struct {
	RunID  uuid.UUID `json:"run_id"`
	Status RunStatus `json:"status"`
}

// Health is the server's health report.
type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Storage  string `json:"storage"`
	Queue    string `json:"queue,omitempty"`
	Tasks    int    `json:"tasks"`
	Uptime   int64  `json:"uptime_seconds"`
	Database string `json:"database_driver"`
}
