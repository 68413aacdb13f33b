// Package maintenance runs registered maintenance tasks as resumable,
// pausable, cancellable Runs. A Runner creates and enqueues Runs, the Job
// performs one attempt of a Run on a worker, and Controls move Runs between
// states on behalf of operators.
package maintenance

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/maintask/internal/model"
)

// Store persists Runs and their attachments. Implemented by storage.DB
// (Postgres) and sqlite.Store.
type Store interface {
	CreateRun(ctx context.Context, p model.CreateRunParams) (model.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	// RunStatus is a fresh read of the status column only.
	RunStatus(ctx context.Context, id uuid.UUID) (model.RunStatus, error)
	// UpdateRun applies u when the current status is one of from (any status
	// when from is empty). Returns storage.ErrStatusConflict when the status
	// guard fails.
	UpdateRun(ctx context.Context, id uuid.UUID, from []model.RunStatus, u model.RunUpdate) (model.Run, error)
	RecordProgress(ctx context.Context, id uuid.UUID, ticks int64, elapsed time.Duration, cursor *string) error
	AppendOutput(ctx context.Context, id uuid.UUID, text string) error
	ListRuns(ctx context.Context, f model.RunFilter) ([]model.Run, int, error)
	PutAttachment(ctx context.Context, a model.Attachment) error
	GetAttachment(ctx context.Context, runID uuid.UUID) (model.Attachment, error)
}

// Enqueuer submits a Run to the queueing substrate and returns the
// substrate's job id.
type Enqueuer interface {
	Enqueue(ctx context.Context, runID uuid.UUID) (string, error)
}

// ReportContext describes the failed Run to a Reporter.
type ReportContext struct {
	RunID     uuid.UUID
	TaskName  string
	StartedAt *time.Time
	EndedAt   *time.Time
}

// Reporter receives attempt failures after they are persisted.
type Reporter interface {
	Report(ctx context.Context, err error, rc ReportContext, item any) error
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(ctx context.Context, err error, rc ReportContext, item any) error

func (f ReporterFunc) Report(ctx context.Context, err error, rc ReportContext, item any) error {
	return f(ctx, err, rc, item)
}
