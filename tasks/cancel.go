package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/ashita-ai/maintask/internal/iteration"
	"github.com/ashita-ai/maintask/internal/maintenance"
	"github.com/ashita-ai/maintask/internal/model"
	"github.com/ashita-ai/maintask/internal/storage"
)

// maxStuckScan bounds how many cancelling runs one attempt looks at.
const maxStuckScan = 1000

// cancelStuckRuns force-cancels runs stuck in cancelling, typically because
// the worker that owned them died.
type cancelStuckRuns struct {
	d   Deps
	now func() time.Time
}

func (t cancelStuckRuns) Collection(ctx context.Context) (any, error) {
	runs, _, err := t.d.Store.ListRuns(ctx, model.RunFilter{
		Statuses: []model.RunStatus{model.RunStatusCancelling},
		Limit:    maxStuckScan,
	})
	if err != nil {
		return nil, fmt.Errorf("cancel_stuck_runs: list cancelling runs: %w", err)
	}
	now := t.now()
	var stuck []model.Run
	for _, run := range runs {
		if run.Stuck(now, t.d.StuckAfter) {
			stuck = append(stuck, run)
		}
	}
	return stuck, nil
}

func (t cancelStuckRuns) Process(ctx context.Context, item any) error {
	run := item.(model.Run)
	updated, err := t.d.Controls.Cancel(ctx, run.ID)
	if errors.Is(err, maintenance.ErrNotControllable) || errors.Is(err, storage.ErrNotFound) {
		// Finished or removed since the collection was built.
		return nil
	}
	if err != nil {
		return err
	}
	return maintenance.AppendOutput(ctx, fmt.Sprintf("%s %s -> %s\n", run.ID, run.TaskName, updated.Status))
}

func registerCancelStuckRuns(r *maintenance.Registry, d Deps) error {
	_, err := maintenance.Register(r, CancelStuckRuns,
		func(maintenance.Args) (cancelStuckRuns, error) {
			return cancelStuckRuns{d: d, now: func() time.Time { return time.Now().UTC() }}, nil
		},
		maintenance.WithDescription("Cancels runs that have been cancelling for longer than the stuck duration."),
		maintenance.WithCollection(iteration.ArrayCollection{}),
	)
	return err
}

// cancelRunsFromCSV cancels the runs listed in the run_id column of an
// uploaded CSV.
type cancelRunsFromCSV struct {
	d      Deps
	dryRun bool
}

func (t cancelRunsFromCSV) Process(ctx context.Context, item any) error {
	rec := item.(iteration.Record)
	raw := strings.TrimSpace(rec["run_id"])
	id, err := uuid.Parse(raw)
	if err != nil {
		return pkgerrors.Errorf("cancel_runs_from_csv: invalid run_id %q", raw)
	}
	if self, ok := maintenance.RunID(ctx); ok && self == id {
		return maintenance.AppendOutput(ctx, fmt.Sprintf("%s skipped: current run\n", id))
	}
	if t.dryRun {
		run, err := t.d.Store.GetRun(ctx, id)
		if err != nil {
			return t.skip(ctx, id, err)
		}
		return maintenance.AppendOutput(ctx, fmt.Sprintf("%s would cancel (%s)\n", id, run.Status))
	}

	run, err := t.d.Controls.Cancel(ctx, id)
	if err != nil {
		return t.skip(ctx, id, err)
	}
	return maintenance.AppendOutput(ctx, fmt.Sprintf("%s -> %s\n", id, run.Status))
}

// skip records runs that cannot be cancelled; other errors fail the run.
func (t cancelRunsFromCSV) skip(ctx context.Context, id uuid.UUID, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return maintenance.AppendOutput(ctx, fmt.Sprintf("%s skipped: not found\n", id))
	case errors.Is(err, maintenance.ErrNotControllable):
		return maintenance.AppendOutput(ctx, fmt.Sprintf("%s skipped: %v\n", id, err))
	}
	return err
}

func registerCancelRunsFromCSV(r *maintenance.Registry, d Deps) error {
	_, err := maintenance.Register(r, CancelRunsFromCSV,
		func(args maintenance.Args) (cancelRunsFromCSV, error) {
			dry, err := args.Bool("dry_run")
			if err != nil {
				return cancelRunsFromCSV{}, err
			}
			return cancelRunsFromCSV{d: d, dryRun: dry}, nil
		},
		maintenance.WithDescription("Cancels every run listed in the run_id column of the uploaded CSV."),
		maintenance.WithCollection(iteration.CSVCollection{Options: iteration.CSVOptions{TrimLeadingSpace: true}}),
		maintenance.WithParams(model.ParamSpec{
			Name:        "dry_run",
			Type:        model.ParamBool,
			Description: "Report what would be cancelled without changing anything.",
		}),
	)
	return err
}
