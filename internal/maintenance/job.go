package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/maintask/internal/iteration"
	"github.com/ashita-ai/maintask/internal/model"
	"github.com/ashita-ai/maintask/internal/storage"
	"github.com/ashita-ai/maintask/internal/telemetry"
)

// DefaultTickerDelay is the minimum interval between progress writes.
const DefaultTickerDelay = time.Second

// Attempt outcomes, recorded on the attempts counter.
const (
	outcomeSucceeded   = "succeeded"
	outcomePaused      = "paused"
	outcomeCancelled   = "cancelled"
	outcomeInterrupted = "interrupted"
	outcomeErrored     = "errored"
	outcomeSkipped     = "skipped"
)

var tracer = otel.Tracer("maintask/job")

// Job performs attempts of Runs. It is safe for concurrent use; each Perform
// call owns its own attempt state.
type Job struct {
	store    Store
	registry *Registry
	enqueuer Enqueuer
	reporter Reporter
	logger   *slog.Logger

	tickerDelay   time.Duration
	maxRuntime    time.Duration
	parallelLimit int
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error

	attempts metric.Int64Counter
	ticks    metric.Int64Counter
}

// JobOption configures a Job.
type JobOption func(*Job)

// WithReporter sets the failure reporter.
func WithReporter(r Reporter) JobOption { return func(j *Job) { j.reporter = r } }

// WithTickerDelay sets the minimum interval between progress writes.
func WithTickerDelay(d time.Duration) JobOption { return func(j *Job) { j.tickerDelay = d } }

// WithMaxRuntime bounds a single attempt. An attempt that reaches the bound
// stops at the next unit boundary, is marked interrupted and re-enqueued.
func WithMaxRuntime(d time.Duration) JobOption { return func(j *Job) { j.maxRuntime = d } }

// WithParallelLimit caps concurrent calls in parallel mode. Zero means one
// goroutine per batch element.
func WithParallelLimit(n int) JobOption { return func(j *Job) { j.parallelLimit = n } }

// WithJobClock overrides the time source.
func WithJobClock(now func() time.Time) JobOption { return func(j *Job) { j.now = now } }

// WithThrottleSleep overrides how throttled attempts wait.
func WithThrottleSleep(sleep func(ctx context.Context, d time.Duration) error) JobOption {
	return func(j *Job) { j.sleep = sleep }
}

// NewJob creates a Job. enqueuer is used to re-enqueue interrupted attempts
// and may be nil, leaving interrupted Runs for an operator to resume.
func NewJob(store Store, registry *Registry, enqueuer Enqueuer, logger *slog.Logger, opts ...JobOption) *Job {
	j := &Job{
		store:       store,
		registry:    registry,
		enqueuer:    enqueuer,
		logger:      logger,
		tickerDelay: DefaultTickerDelay,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(j)
	}

	meter := telemetry.Meter("maintask/job")
	j.attempts, _ = meter.Int64Counter("maintask.job.attempts",
		metric.WithDescription("Run attempts by task and outcome"),
	)
	j.ticks, _ = meter.Int64Counter("maintask.job.ticks",
		metric.WithDescription("Units processed"),
	)
	return j
}

// Perform runs one attempt of the Run. Failures of the task are persisted on
// the Run; the returned error is non-nil only when the failure could not be
// handed to the reporter, or there is no reporter. Returned errors are never
// retried by the queue.
func (j *Job) Perform(ctx context.Context, runID uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "maintask/job",
		trace.WithAttributes(attribute.String("maintask.run_id", runID.String())),
	)
	defer span.End()

	if j.maxRuntime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.maxRuntime)
		defer cancel()
	}

	run, err := j.store.GetRun(ctx, runID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("job: load run %s: %w: %w", runID, err, asynq.SkipRetry)
		}
		return fmt.Errorf("job: load run %s: %w", runID, err)
	}
	span.SetAttributes(attribute.String("maintask.task", run.TaskName))

	a := &attempt{
		job:    j,
		run:    run,
		status: run.Status,
		cursor: run.Cursor,
		logger: j.logger.With("run_id", runID, "task", run.TaskName),
	}
	outcome, err := a.perform(ctx)

	j.attempts.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("task", run.TaskName),
		attribute.String("outcome", outcome),
	))
	span.SetAttributes(attribute.String("maintask.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// attempt is the state of one Perform call.
type attempt struct {
	job    *Job
	def    *Definition
	task   Task
	ticker *iteration.Ticker
	logger *slog.Logger

	run    model.Run
	status model.RunStatus
	cursor *string
}

func (a *attempt) perform(ctx context.Context) (string, error) {
	pctx := context.WithoutCancel(ctx)

	def, err := a.job.registry.Lookup(a.run.TaskName)
	if err != nil {
		return outcomeErrored, a.fail(pctx, err)
	}
	a.def = def

	if a.status.IsStopping() {
		return a.resolveStop(pctx)
	}
	if a.status != model.RunStatusEnqueued && a.status != model.RunStatusInterrupted {
		a.logger.Info("job: skipping run", "status", a.status)
		return outcomeSkipped, nil
	}

	in, err := a.beforeStart(pctx)
	if errors.Is(err, storage.ErrStatusConflict) {
		return a.reconcile(pctx)
	}
	if err != nil {
		return outcomeErrored, a.fail(pctx, err)
	}

	src, err := a.start(ctx, in)
	if err != nil {
		return outcomeErrored, a.fail(pctx, err)
	}
	return a.iterate(ctx, src)
}

// beforeStart loads the attachment and moves the Run to running.
func (a *attempt) beforeStart(ctx context.Context) (iteration.Input, error) {
	var in iteration.Input
	if a.def.adapter.Kind().UsesFile() {
		att, err := a.job.store.GetAttachment(ctx, a.run.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return in, &ConfigError{Reason: "no CSV file attached to run"}
		}
		if err != nil {
			return in, fmt.Errorf("job: load attachment: %w", err)
		}
		in.File = att.Content
	}

	now := a.job.now()
	run, err := a.job.store.UpdateRun(ctx, a.run.ID,
		[]model.RunStatus{model.RunStatusEnqueued, model.RunStatusInterrupted},
		model.RunUpdate{
			Status:          model.StatusPtr(model.RunStatusRunning),
			StartedAt:       &now,
			StartedAtIfNull: true,
		})
	if err != nil {
		return in, err
	}
	a.run, a.status = run, run.Status
	a.ticker = iteration.NewTicker(a.job.tickerDelay, a.persistProgress, iteration.WithClock(a.job.now))
	a.logger.Info("job: run started", "cursor", derefCursor(a.cursor))
	return in, nil
}

// start builds the task and the gated source, and records the total.
func (a *attempt) start(ctx context.Context, in iteration.Input) (iteration.Source, error) {
	pctx := context.WithoutCancel(ctx)
	task, err := a.def.factory(Args(a.run.Arguments))
	if err != nil {
		return nil, fmt.Errorf("job: build task: %w", err)
	}
	a.task = task
	pctx = withRun(pctx, a.run.ID, a.appendOutput)

	if a.def.adapter.Kind().NeedsCollection() {
		c, ok := task.(Collector)
		if !ok {
			return nil, &ConfigError{Reason: fmt.Sprintf("task %q does not implement Collector", a.def.name)}
		}
		v, err := c.Collection(pctx)
		if err != nil {
			return nil, fmt.Errorf("job: build collection: %w", err)
		}
		in.Collection = v
	}

	var count iteration.Count
	if c, ok := task.(Counter); ok {
		count, err = c.Count(pctx)
	} else {
		count, err = a.def.adapter.Count(pctx, in)
	}
	if err != nil {
		return nil, fmt.Errorf("job: count: %w", err)
	}
	if count.Known() {
		total := int64(count)
		if _, err := a.job.store.UpdateRun(pctx, a.run.ID, nil, model.RunUpdate{TickTotal: &total}); err != nil {
			return nil, fmt.Errorf("job: persist total: %w", err)
		}
	}

	src, err := a.def.adapter.Source(ctx, in, a.cursor)
	if err != nil {
		return nil, err
	}
	gate := iteration.Gate{
		Conditions:    a.def.conditions(),
		StopRequested: a.stopRequested,
		Logger:        a.logger,
		Sleep:         a.job.sleep,
	}
	return gate.Wrap(ctx, src), nil
}

func (a *attempt) iterate(ctx context.Context, src iteration.Source) (string, error) {
	pctx := withRun(context.WithoutCancel(ctx), a.run.ID, a.appendOutput)

	exhausted := true
	for unit, err := range src {
		if err != nil {
			if errors.Is(err, iteration.ErrStopRequested) || ctx.Err() != nil {
				exhausted = false
				break
			}
			return outcomeErrored, a.fail(pctx, err)
		}
		if a.status.IsStopping() || ctx.Err() != nil {
			exhausted = false
			break
		}

		if err := a.process(pctx, unit.Item); err != nil {
			return outcomeErrored, a.fail(pctx, err)
		}
		cursor := unit.Cursor
		a.cursor = &cursor
		if err := a.ticker.Tick(pctx); err != nil {
			a.logger.Warn("job: persist progress", "error", err)
		}
		a.refreshStatus(pctx)
	}
	return a.shutdown(pctx, exhausted)
}

// process runs the task on one unit. Panics are converted to errors.
func (a *attempt) process(ctx context.Context, item any) error {
	if !a.def.parallel {
		if err := safeProcess(ctx, a.task, item); err != nil {
			return &ProcessingError{Item: item, Err: err}
		}
		return nil
	}

	elems, err := batchElements(item)
	if err != nil {
		return err
	}
	if err := iteration.Parallel(ctx, elems, a.job.parallelLimit, a.task.Process); err != nil {
		var ie *iteration.ItemError
		if errors.As(err, &ie) {
			return &ProcessingError{Item: ie.Item, Err: ie.Err}
		}
		return err
	}
	return nil
}

func safeProcess(ctx context.Context, t Task, item any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = iteration.NewPanicError(r)
		}
	}()
	return t.Process(ctx, item)
}

func batchElements(batch any) ([]any, error) {
	v := reflect.ValueOf(batch)
	if v.Kind() != reflect.Slice {
		return nil, &ConfigError{Reason: fmt.Sprintf("parallel mode expects a batch, got %T", batch)}
	}
	out := make([]any, v.Len())
	for i := range out {
		out[i] = v.Index(i).Interface()
	}
	return out, nil
}

func (a *attempt) appendOutput(ctx context.Context, text string) error {
	return a.job.store.AppendOutput(ctx, a.run.ID, text)
}

func (a *attempt) persistProgress(ctx context.Context, ticks int64, elapsed time.Duration) error {
	if err := a.job.store.RecordProgress(ctx, a.run.ID, ticks, elapsed, a.cursor); err != nil {
		return err
	}
	a.job.ticks.Add(ctx, ticks, metric.WithAttributes(attribute.String("task", a.run.TaskName)))
	return nil
}

// refreshStatus re-reads the status. A failed read keeps the last known one.
func (a *attempt) refreshStatus(ctx context.Context) {
	s, err := a.job.store.RunStatus(ctx, a.run.ID)
	if err != nil {
		a.logger.Warn("job: read status", "error", err)
		return
	}
	a.status = s
}

func (a *attempt) stopRequested(ctx context.Context) (bool, error) {
	a.refreshStatus(context.WithoutCancel(ctx))
	return a.status.IsStopping(), nil
}

func (a *attempt) shutdown(ctx context.Context, exhausted bool) (string, error) {
	if err := a.ticker.Flush(ctx); err != nil {
		a.logger.Warn("job: persist progress", "error", err)
	}
	switch {
	case exhausted:
		return a.complete(ctx)
	case a.status.IsStopping():
		return a.resolveStop(ctx)
	default:
		return a.interrupt(ctx)
	}
}

func (a *attempt) complete(ctx context.Context) (string, error) {
	now := a.job.now()
	_, err := a.job.store.UpdateRun(ctx, a.run.ID,
		[]model.RunStatus{model.RunStatusRunning, model.RunStatusPausing, model.RunStatusCancelling},
		model.RunUpdate{
			Status:      model.StatusPtr(model.RunStatusSucceeded),
			EndedAt:     &now,
			ClearCursor: true,
		})
	if errors.Is(err, storage.ErrStatusConflict) {
		return a.reconcile(ctx)
	}
	if err != nil {
		a.logger.Error("job: persist completion", "error", err)
		return outcomeSucceeded, fmt.Errorf("job: complete run: %w: %w", err, asynq.SkipRetry)
	}
	a.logger.Info("job: run succeeded")
	return outcomeSucceeded, nil
}

// resolveStop moves a pausing Run to paused, or a cancelling Run to
// cancelled, persisting the cursor.
func (a *attempt) resolveStop(ctx context.Context) (string, error) {
	for range 3 {
		u := model.RunUpdate{Cursor: a.cursor}
		outcome := outcomePaused
		u.Status = model.StatusPtr(model.RunStatusPaused)
		if a.status == model.RunStatusCancelling {
			outcome = outcomeCancelled
			now := a.job.now()
			u.Status = model.StatusPtr(model.RunStatusCancelled)
			u.EndedAt = &now
		}

		_, err := a.job.store.UpdateRun(ctx, a.run.ID, []model.RunStatus{a.status}, u)
		switch {
		case err == nil:
			a.logger.Info("job: run stopped", "status", *u.Status, "cursor", derefCursor(a.cursor))
			return outcome, nil
		case errors.Is(err, storage.ErrStatusConflict):
			a.refreshStatus(ctx)
			if !a.status.IsStopping() {
				return outcomeSkipped, nil
			}
		default:
			a.logger.Error("job: persist stop", "error", err)
			return outcome, fmt.Errorf("job: stop run: %w: %w", err, asynq.SkipRetry)
		}
	}
	return outcomeSkipped, nil
}

// interrupt records a preempted attempt and re-enqueues the Run.
func (a *attempt) interrupt(ctx context.Context) (string, error) {
	_, err := a.job.store.UpdateRun(ctx, a.run.ID,
		[]model.RunStatus{model.RunStatusRunning},
		model.RunUpdate{Status: model.StatusPtr(model.RunStatusInterrupted), Cursor: a.cursor})
	if errors.Is(err, storage.ErrStatusConflict) {
		return a.reconcile(ctx)
	}
	if err != nil {
		a.logger.Error("job: persist interruption", "error", err)
		return outcomeInterrupted, fmt.Errorf("job: interrupt run: %w: %w", err, asynq.SkipRetry)
	}
	a.logger.Info("job: run interrupted", "cursor", derefCursor(a.cursor))

	if a.job.enqueuer == nil {
		return outcomeInterrupted, nil
	}
	jobID, err := a.job.enqueuer.Enqueue(ctx, a.run.ID)
	if err != nil {
		a.logger.Error("job: re-enqueue interrupted run", "error", err)
		return outcomeInterrupted, nil
	}
	if _, err := a.job.store.UpdateRun(ctx, a.run.ID, nil, model.RunUpdate{JobID: &jobID}); err != nil {
		a.logger.Warn("job: persist job id", "error", err)
	}
	return outcomeInterrupted, nil
}

// reconcile handles a status guard that failed because an operator changed
// the Run concurrently.
func (a *attempt) reconcile(ctx context.Context) (string, error) {
	a.refreshStatus(ctx)
	if a.status.IsStopping() {
		return a.resolveStop(ctx)
	}
	a.logger.Info("job: run changed concurrently", "status", a.status)
	return outcomeSkipped, nil
}

// fail persists err on the Run as errored, then reports it.
func (a *attempt) fail(ctx context.Context, cause error) error {
	if a.ticker != nil {
		if err := a.ticker.Flush(ctx); err != nil {
			a.logger.Warn("job: persist progress", "error", err)
		}
	}

	now := a.job.now()
	run, err := a.job.store.UpdateRun(ctx, a.run.ID, nil, model.RunUpdate{
		Status:  model.StatusPtr(model.RunStatusErrored),
		Cursor:  a.cursor,
		EndedAt: &now,
		Error: &model.RunError{
			Class:     errorClass(cause),
			Message:   errorMessage(cause),
			Backtrace: backtrace(cause),
		},
	})
	if err != nil {
		a.logger.Error("job: persist error", "error", err, "cause", cause)
	} else {
		a.run = run
	}
	a.logger.Error("job: run errored", "error", cause)
	return a.report(ctx, cause)
}

func (a *attempt) report(ctx context.Context, cause error) (err error) {
	if a.job.reporter == nil {
		return fmt.Errorf("job: run %s: %w: %w", a.run.ID, cause, asynq.SkipRetry)
	}

	var item any
	var pe *ProcessingError
	if errors.As(cause, &pe) {
		item = pe.Item
	}
	rc := ReportContext{
		RunID:     a.run.ID,
		TaskName:  a.run.TaskName,
		StartedAt: a.run.StartedAt,
		EndedAt:   a.run.EndedAt,
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job: reporter: %w: %w", iteration.NewPanicError(r), asynq.SkipRetry)
		}
	}()
	if rerr := a.job.reporter.Report(ctx, cause, rc, item); rerr != nil {
		return fmt.Errorf("job: reporter: %w: %w", rerr, asynq.SkipRetry)
	}
	return nil
}

func derefCursor(c *string) string {
	if c == nil {
		return ""
	}
	return *c
}
