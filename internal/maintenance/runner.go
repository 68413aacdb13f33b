package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/ashita-ai/maintask/internal/model"
)

// CSVUpload is a file supplied when starting a Run of a CSV task.
type CSVUpload struct {
	Filename    string
	ContentType string
	Content     []byte
}

// RunRequest asks for a new Run.
type RunRequest struct {
	TaskName  string
	Arguments map[string]string
	CSV       *CSVUpload
}

// Runner creates and enqueues Runs.
type Runner struct {
	store    Store
	registry *Registry
	enqueuer Enqueuer
	logger   *slog.Logger
	now      func() time.Time
}

func NewRunner(store Store, registry *Registry, enqueuer Enqueuer, logger *slog.Logger) *Runner {
	return &Runner{
		store:    store,
		registry: registry,
		enqueuer: enqueuer,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run validates req, creates an enqueued Run and hands it to the queue. When
// enqueueing fails the Run is kept, marked errored, and an *EnqueueError is
// returned.
func (r *Runner) Run(ctx context.Context, req RunRequest) (model.Run, error) {
	def, err := r.registry.Lookup(req.TaskName)
	if err != nil {
		return model.Run{}, err
	}
	args, err := model.ValidateArguments(def.params, req.Arguments)
	if err != nil {
		return model.Run{}, err
	}
	usesFile := def.adapter.Kind().UsesFile()
	switch {
	case usesFile && req.CSV == nil:
		return model.Run{}, fmt.Errorf("%w: %q", ErrCSVRequired, def.name)
	case !usesFile && req.CSV != nil:
		return model.Run{}, fmt.Errorf("%w: %q", ErrCSVUnexpected, def.name)
	}

	run, err := r.store.CreateRun(ctx, model.CreateRunParams{TaskName: def.name, Arguments: args})
	if err != nil {
		return model.Run{}, fmt.Errorf("maintenance: create run: %w", err)
	}

	if req.CSV != nil {
		att := model.Attachment{
			RunID:       run.ID,
			Filename:    AttachmentFilename(r.now(), def.name, run.ID),
			ContentType: req.CSV.ContentType,
			Content:     req.CSV.Content,
		}
		if err := r.store.PutAttachment(ctx, att); err != nil {
			run = r.markErrored(ctx, run, "AttachmentError", err)
			return run, fmt.Errorf("maintenance: store attachment: %w", err)
		}
	}

	r.logger.Info("maintenance: run created", "run_id", run.ID, "task", run.TaskName)
	return r.enqueue(ctx, run)
}

// Resume re-enqueues a paused or interrupted Run. Paused Runs move back to
// enqueued; interrupted Runs keep their status until the next attempt starts.
func (r *Runner) Resume(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := r.store.GetRun(ctx, id)
	if err != nil {
		return model.Run{}, err
	}
	switch run.Status {
	case model.RunStatusPaused:
		if err := model.ValidateTransition(run.Status, model.RunStatusEnqueued); err != nil {
			return model.Run{}, err
		}
		run, err = r.store.UpdateRun(ctx, id, []model.RunStatus{model.RunStatusPaused},
			model.RunUpdate{Status: model.StatusPtr(model.RunStatusEnqueued)})
		if err != nil {
			return model.Run{}, fmt.Errorf("maintenance: resume run: %w", err)
		}
	case model.RunStatusInterrupted:
	default:
		return model.Run{}, fmt.Errorf("%w: cannot resume a %s run", ErrNotControllable, run.Status)
	}

	r.logger.Info("maintenance: run resumed", "run_id", run.ID, "task", run.TaskName)
	return r.enqueue(ctx, run)
}

func (r *Runner) enqueue(ctx context.Context, run model.Run) (model.Run, error) {
	jobID, err := r.enqueuer.Enqueue(ctx, run.ID)
	if err != nil {
		class := "EnqueueError"
		if errors.Is(err, ErrEnqueueRejected) {
			class = "EnqueueRejected"
		}
		run = r.markErrored(ctx, run, class, err)
		return run, &EnqueueError{RunID: run.ID, Err: err}
	}

	updated, err := r.store.UpdateRun(ctx, run.ID, nil, model.RunUpdate{JobID: &jobID})
	if err != nil {
		// The job is already queued; the id is informational.
		r.logger.Warn("maintenance: persist job id", "run_id", run.ID, "error", err)
		run.JobID = &jobID
		return run, nil
	}
	return updated, nil
}

// markErrored records a failure to hand the Run to the queue.
func (r *Runner) markErrored(ctx context.Context, run model.Run, class string, cause error) model.Run {
	now := r.now()
	updated, err := r.store.UpdateRun(ctx, run.ID, nil, model.RunUpdate{
		Status:  model.StatusPtr(model.RunStatusErrored),
		EndedAt: &now,
		Error:   &model.RunError{Class: class, Message: cause.Error()},
	})
	if err != nil {
		r.logger.Error("maintenance: persist run failure", "run_id", run.ID, "error", err)
		return run
	}
	r.logger.Error("maintenance: run not queued", "run_id", run.ID, "task", run.TaskName, "error", cause)
	return updated
}

// AttachmentFilename names a Run's CSV as <UTC timestamp>_<task slug>_<run id>.csv.
func AttachmentFilename(now time.Time, task string, runID uuid.UUID) string {
	return fmt.Sprintf("%s_%s_%s.csv", now.UTC().Format("20060102T150405Z"), slug(task), runID)
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
