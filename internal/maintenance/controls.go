package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/maintask/internal/model"
	"github.com/ashita-ai/maintask/internal/storage"
)

// DefaultStuckAfter is how long a Run may sit in cancelling before a second
// cancel forces it to cancelled.
const DefaultStuckAfter = 5 * time.Minute

// Controls applies operator actions to Runs. Actions on queued or paused Runs
// take effect immediately; actions on running Runs are requests the running
// attempt honours at the next unit boundary.
type Controls struct {
	store      Store
	logger     *slog.Logger
	stuckAfter time.Duration
	now        func() time.Time
}

func NewControls(store Store, stuckAfter time.Duration, logger *slog.Logger) *Controls {
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckAfter
	}
	return &Controls{
		store:      store,
		logger:     logger,
		stuckAfter: stuckAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Pause pauses an enqueued or interrupted Run, or asks a running one to
// pause.
func (c *Controls) Pause(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := c.store.GetRun(ctx, id)
	if err != nil {
		return model.Run{}, err
	}
	switch run.Status {
	case model.RunStatusEnqueued:
		return c.apply(ctx, run, model.RunStatusPaused, model.RunUpdate{}, true)
	case model.RunStatusInterrupted:
		// No attempt holds an interrupted Run; a queued one skips it.
		return c.apply(ctx, run, model.RunStatusPaused, model.RunUpdate{}, false)
	case model.RunStatusRunning:
		return c.apply(ctx, run, model.RunStatusPausing, model.RunUpdate{}, false)
	}
	return model.Run{}, fmt.Errorf("%w: cannot pause a %s run", ErrNotControllable, run.Status)
}

// Cancel cancels an enqueued, paused or interrupted Run, or asks a running
// one to cancel.
// Cancelling a Run that has been cancelling for longer than the stuck
// duration forces it to cancelled.
func (c *Controls) Cancel(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := c.store.GetRun(ctx, id)
	if err != nil {
		return model.Run{}, err
	}
	now := c.now()
	switch run.Status {
	case model.RunStatusEnqueued:
		return c.apply(ctx, run, model.RunStatusCancelled, model.RunUpdate{EndedAt: &now}, true)
	case model.RunStatusPaused, model.RunStatusInterrupted:
		return c.apply(ctx, run, model.RunStatusCancelled, model.RunUpdate{EndedAt: &now}, false)
	case model.RunStatusRunning, model.RunStatusPausing:
		return c.apply(ctx, run, model.RunStatusCancelling, model.RunUpdate{}, false)
	case model.RunStatusCancelling:
		if run.Stuck(now, c.stuckAfter) {
			c.logger.Warn("maintenance: force-cancelling stuck run", "run_id", run.ID, "task", run.TaskName,
				"since", run.UpdatedAt)
			return c.apply(ctx, run, model.RunStatusCancelled, model.RunUpdate{EndedAt: &now}, false)
		}
		return run, nil
	}
	return model.Run{}, fmt.Errorf("%w: cannot cancel a %s run", ErrNotControllable, run.Status)
}

// apply moves run to status to, guarded on its current status. validated
// transitions are checked against the state table first.
func (c *Controls) apply(ctx context.Context, run model.Run, to model.RunStatus, u model.RunUpdate, validated bool) (model.Run, error) {
	if validated {
		if err := model.ValidateTransition(run.Status, to); err != nil {
			return model.Run{}, err
		}
	}
	u.Status = &to
	updated, err := c.store.UpdateRun(ctx, run.ID, []model.RunStatus{run.Status}, u)
	if errors.Is(err, storage.ErrStatusConflict) {
		return model.Run{}, fmt.Errorf("%w: run %s changed status concurrently", ErrNotControllable, run.ID)
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("maintenance: update run: %w", err)
	}
	c.logger.Info("maintenance: run status changed", "run_id", run.ID, "task", run.TaskName,
		"from", run.Status, "to", to)
	return updated, nil
}
