package maintenance_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/maintask/internal/iteration"
	"github.com/ashita-ai/maintask/internal/maintenance"
	"github.com/ashita-ai/maintask/internal/model"
)

type ArgumentError struct{ msg string }

func (e *ArgumentError) Error() string { return e.msg }

func TestJobRunsArrayToCompletion(t *testing.T) {
	e := newEnv(t)
	task := &arrayTask{items: []int{1, 2}}
	registerArray(t, e.registry, "array", task)
	run := e.start(t, "array", nil)

	require.NoError(t, e.job().Perform(context.Background(), run.ID))

	got := e.reload(t, run.ID)
	assert.Equal(t, model.RunStatusSucceeded, got.Status)
	assert.Equal(t, int64(2), got.TickCount)
	require.NotNil(t, got.TickTotal)
	assert.Equal(t, int64(2), *got.TickTotal)
	assert.Nil(t, got.Cursor)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.EndedAt)
	assert.Equal(t, []int{1, 2}, task.seen())
	assert.Equal(t, 100.0, *got.Progress())
}

func TestJobPausesAtUnitBoundary(t *testing.T) {
	e := newEnv(t)
	var runID = new(model.Run)
	task := &arrayTask{items: []int{1, 2, 3}}
	task.onProcess = func(_ context.Context, n int) error {
		if n == 1 {
			e.setStatus(t, runID.ID, model.RunStatusPausing)
		}
		return nil
	}
	registerArray(t, e.registry, "pausable", task)
	*runID = e.start(t, "pausable", nil)

	require.NoError(t, e.job().Perform(context.Background(), runID.ID))

	got := e.reload(t, runID.ID)
	assert.Equal(t, model.RunStatusPaused, got.Status)
	require.NotNil(t, got.Cursor)
	assert.Equal(t, "0", *got.Cursor)
	assert.Equal(t, int64(1), got.TickCount)
	assert.Nil(t, got.EndedAt)
	assert.Equal(t, []int{1}, task.seen())
}

func TestJobRecordsProcessingError(t *testing.T) {
	e := newEnv(t)
	task := &arrayTask{items: []int{1, 2}}
	task.onProcess = func(_ context.Context, n int) error {
		if n == 2 {
			return &ArgumentError{msg: "boom"}
		}
		return nil
	}
	registerArray(t, e.registry, "failing", task)
	run := e.start(t, "failing", nil)

	err := e.job().Perform(context.Background(), run.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	var argErr *ArgumentError
	assert.ErrorAs(t, err, &argErr)

	got := e.reload(t, run.ID)
	assert.Equal(t, model.RunStatusErrored, got.Status)
	assert.Equal(t, "ArgumentError", *got.ErrorClass)
	assert.Equal(t, "boom", *got.ErrorMessage)
	assert.Equal(t, int64(1), got.TickCount)
	assert.NotNil(t, got.EndedAt)
	require.NotNil(t, got.Cursor)
	assert.Equal(t, "0", *got.Cursor)
}

func TestJobResumesFromCursor(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	task := &arrayTask{items: []int{1, 2, 3}}
	registerArray(t, e.registry, "resumable", task)
	run := e.start(t, "resumable", nil)

	cursor := "0"
	_, err := e.store.UpdateRun(ctx, run.ID, nil, model.RunUpdate{
		Status: model.StatusPtr(model.RunStatusPaused),
		Cursor: &cursor,
	})
	require.NoError(t, err)

	resumed, err := e.runner.Resume(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusEnqueued, resumed.Status)
	assert.Len(t, e.enqueuer.enqueued(), 2)

	require.NoError(t, e.job().Perform(ctx, run.ID))
	assert.Equal(t, []int{2, 3}, task.seen())
	assert.Equal(t, model.RunStatusSucceeded, e.reload(t, run.ID).Status)
}

func TestJobCancelsAtUnitBoundary(t *testing.T) {
	e := newEnv(t)
	run := new(model.Run)
	task := &arrayTask{items: []int{1, 2, 3}}
	task.onProcess = func(ctx context.Context, n int) error {
		if n == 2 {
			_, err := e.controls.Cancel(ctx, run.ID)
			return err
		}
		return nil
	}
	registerArray(t, e.registry, "cancellable", task)
	*run = e.start(t, "cancellable", nil)

	require.NoError(t, e.job().Perform(context.Background(), run.ID))

	got := e.reload(t, run.ID)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
	assert.NotNil(t, got.EndedAt)
	assert.Equal(t, "1", *got.Cursor)
	assert.Equal(t, []int{1, 2}, task.seen())
}

func TestJobCompletesWhenStopArrivesAfterLastUnit(t *testing.T) {
	e := newEnv(t)
	run := new(model.Run)
	task := &arrayTask{items: []int{1}}
	task.onProcess = func(context.Context, int) error {
		e.setStatus(t, run.ID, model.RunStatusPausing)
		return nil
	}
	registerArray(t, e.registry, "short", task)
	*run = e.start(t, "short", nil)

	require.NoError(t, e.job().Perform(context.Background(), run.ID))
	assert.Equal(t, model.RunStatusSucceeded, e.reload(t, run.ID).Status)
}

func TestJobInterruptedAndReenqueued(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := &arrayTask{items: []int{1, 2, 3}}
	task.onProcess = func(_ context.Context, n int) error {
		if n == 1 {
			cancel()
		}
		return nil
	}
	registerArray(t, e.registry, "preempted", task)
	run := e.start(t, "preempted", nil)

	require.NoError(t, e.job().Perform(ctx, run.ID))

	got := e.reload(t, run.ID)
	assert.Equal(t, model.RunStatusInterrupted, got.Status)
	assert.Equal(t, "0", *got.Cursor)
	assert.Equal(t, []int{1}, task.seen())
	require.Len(t, e.enqueuer.enqueued(), 2)
	assert.Equal(t, "job-2", *got.JobID)

	require.NoError(t, e.job().Perform(context.Background(), run.ID))
	got = e.reload(t, run.ID)
	assert.Equal(t, model.RunStatusSucceeded, got.Status)
	assert.Equal(t, int64(3), got.TickCount)
	assert.Equal(t, []int{1, 2, 3}, task.seen())
}

func TestJobInterruptedWithoutQueueCanBePausedAndResumed(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := &arrayTask{items: []int{1, 2, 3}}
	task.onProcess = func(_ context.Context, n int) error {
		if n == 1 {
			cancel()
		}
		return nil
	}
	registerArray(t, e.registry, "preempted", task)
	run := e.start(t, "preempted", nil)

	e.enqueuer.err = errors.New("redis: connection refused")
	require.NoError(t, e.job().Perform(ctx, run.ID))
	assert.Equal(t, model.RunStatusInterrupted, e.reload(t, run.ID).Status)
	e.enqueuer.err = nil

	got, err := e.controls.Pause(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPaused, got.Status)
	assert.Equal(t, "0", *got.Cursor)

	got, err = e.runner.Resume(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusEnqueued, got.Status)

	require.NoError(t, e.job().Perform(context.Background(), run.ID))
	got = e.reload(t, run.ID)
	assert.Equal(t, model.RunStatusSucceeded, got.Status)
	assert.Equal(t, []int{1, 2, 3}, task.seen())
}

func TestJobMaxRuntimeInterrupts(t *testing.T) {
	e := newEnv(t)
	task := &arrayTask{items: []int{1, 2}}
	task.onProcess = func(context.Context, int) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}
	registerArray(t, e.registry, "slow", task)
	run := e.start(t, "slow", nil)

	require.NoError(t, e.job(maintenance.WithMaxRuntime(50*time.Millisecond)).Perform(context.Background(), run.ID))
	assert.Equal(t, model.RunStatusInterrupted, e.reload(t, run.ID).Status)
	assert.Equal(t, []int{1}, task.seen())
}

func TestJobResolvesStoppingRunsBeforeStart(t *testing.T) {
	e := newEnv(t)
	task := &arrayTask{items: []int{1}}
	registerArray(t, e.registry, "stopping", task)

	paused := e.start(t, "stopping", nil)
	e.setStatus(t, paused.ID, model.RunStatusPausing)
	cancelled := e.start(t, "stopping", nil)
	e.setStatus(t, cancelled.ID, model.RunStatusCancelling)
	done := e.start(t, "stopping", nil)
	e.setStatus(t, done.ID, model.RunStatusSucceeded)

	job := e.job()
	for _, id := range []*model.Run{&paused, &cancelled, &done} {
		require.NoError(t, job.Perform(context.Background(), id.ID))
	}

	assert.Equal(t, model.RunStatusPaused, e.reload(t, paused.ID).Status)
	got := e.reload(t, cancelled.ID)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
	assert.NotNil(t, got.EndedAt)
	assert.Equal(t, model.RunStatusSucceeded, e.reload(t, done.ID).Status)
	assert.Empty(t, task.seen())
}

func TestJobUnknownTask(t *testing.T) {
	e := newEnv(t)
	run, err := e.store.CreateRun(context.Background(), model.CreateRunParams{TaskName: "gone"})
	require.NoError(t, err)

	err = e.job().Perform(context.Background(), run.ID)
	assert.ErrorIs(t, err, maintenance.ErrTaskNotFound)

	got := e.reload(t, run.ID)
	assert.Equal(t, model.RunStatusErrored, got.Status)
	assert.Contains(t, *got.ErrorMessage, "gone")
	require.NotNil(t, got.ErrorClass)
	assert.Equal(t, "TaskNotFoundError", *got.ErrorClass)
}

func TestJobPanicIsRecorded(t *testing.T) {
	e := newEnv(t)
	_, err := maintenance.Register(e.registry, "panicky", func(maintenance.Args) (maintenance.ProcessFunc, error) {
		return func(context.Context, any) error { panic("kaboom") }, nil
	})
	require.NoError(t, err)
	run := e.start(t, "panicky", nil)

	require.Error(t, e.job().Perform(context.Background(), run.ID))

	got := e.reload(t, run.ID)
	assert.Equal(t, model.RunStatusErrored, got.Status)
	assert.Equal(t, "PanicError", *got.ErrorClass)
	assert.Equal(t, "panic: kaboom", *got.ErrorMessage)
	require.NotEmpty(t, got.Backtrace)
	assert.Contains(t, strings.Join(got.Backtrace, "\n"), "maintenance_test.TestJobPanicIsRecorded")
	for _, line := range got.Backtrace {
		assert.NotContains(t, line, "in runtime.")
	}
}

func TestJobReporter(t *testing.T) {
	e := newEnv(t)
	task := &arrayTask{items: []int{1, 2}}
	task.onProcess = func(_ context.Context, n int) error {
		if n == 2 {
			return &ArgumentError{msg: "boom"}
		}
		return nil
	}
	registerArray(t, e.registry, "reported", task)

	t.Run("success", func(t *testing.T) {
		run := e.start(t, "reported", nil)
		var gotItem any
		var gotCtx maintenance.ReportContext
		reporter := maintenance.ReporterFunc(func(_ context.Context, err error, rc maintenance.ReportContext, item any) error {
			gotItem, gotCtx = item, rc
			return nil
		})
		require.NoError(t, e.job(maintenance.WithReporter(reporter)).Perform(context.Background(), run.ID))
		assert.Equal(t, 2, gotItem)
		assert.Equal(t, "reported", gotCtx.TaskName)
		assert.Equal(t, run.ID, gotCtx.RunID)
		assert.NotNil(t, gotCtx.StartedAt)
		assert.NotNil(t, gotCtx.EndedAt)
	})

	t.Run("failure", func(t *testing.T) {
		run := e.start(t, "reported", nil)
		reporter := maintenance.ReporterFunc(func(context.Context, error, maintenance.ReportContext, any) error {
			return errors.New("reporter down")
		})
		err := e.job(maintenance.WithReporter(reporter)).Perform(context.Background(), run.ID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reporter down")
		assert.Equal(t, model.RunStatusErrored, e.reload(t, run.ID).Status)
	})

	t.Run("panic", func(t *testing.T) {
		run := e.start(t, "reported", nil)
		reporter := maintenance.ReporterFunc(func(context.Context, error, maintenance.ReportContext, any) error {
			panic("reporter exploded")
		})
		err := e.job(maintenance.WithReporter(reporter)).Perform(context.Background(), run.ID)
		var pe *iteration.PanicError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, model.RunStatusErrored, e.reload(t, run.ID).Status)
	})
}

type recordTask struct {
	mu   sync.Mutex
	seen []string
	fail map[string]bool
}

func (r *recordTask) Process(_ context.Context, item any) error {
	rec := item.(iteration.Record)
	r.mu.Lock()
	r.seen = append(r.seen, rec["id"])
	r.mu.Unlock()
	if r.fail[rec["id"]] {
		return errors.New("bad row " + rec["id"])
	}
	return nil
}

func TestJobParallelBatchReportsFirstFailure(t *testing.T) {
	e := newEnv(t)
	task := &recordTask{fail: map[string]bool{"3": true, "4": true}}
	_, err := maintenance.Register(e.registry, "import",
		func(maintenance.Args) (*recordTask, error) { return task, nil },
		maintenance.WithCollection(iteration.CSVBatchCollection{BatchSize: 2}),
		maintenance.Parallel(),
	)
	require.NoError(t, err)

	run, err := e.runner.Run(context.Background(), maintenance.RunRequest{
		TaskName: "import",
		CSV:      &maintenance.CSVUpload{Filename: "in.csv", Content: []byte("id\n1\n2\n3\n4\n5\n")},
	})
	require.NoError(t, err)

	var reported any
	reporter := maintenance.ReporterFunc(func(_ context.Context, _ error, _ maintenance.ReportContext, item any) error {
		reported = item
		return nil
	})
	require.NoError(t, e.job(maintenance.WithReporter(reporter)).Perform(context.Background(), run.ID))

	assert.ElementsMatch(t, []string{"1", "2", "3", "4"}, task.seen)
	assert.Equal(t, iteration.Record{"id": "3"}, reported)

	got := e.reload(t, run.ID)
	assert.Equal(t, model.RunStatusErrored, got.Status)
	assert.Equal(t, "bad row 3", *got.ErrorMessage)
	assert.Equal(t, int64(1), got.TickCount)
	assert.Equal(t, int64(3), *got.TickTotal)
}

func TestJobThrottle(t *testing.T) {
	e := newEnv(t)
	checks := 0
	task := &arrayTask{items: []int{1, 2}}
	registerArray(t, e.registry, "throttled", task,
		maintenance.WithThrottle("busy", func(context.Context) bool {
			checks++
			return checks <= 2
		}, time.Minute),
	)
	run := e.start(t, "throttled", nil)

	var slept []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	require.NoError(t, e.job(maintenance.WithThrottleSleep(sleep)).Perform(context.Background(), run.ID))

	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, slept)
	assert.Equal(t, model.RunStatusSucceeded, e.reload(t, run.ID).Status)
}

func TestJobThrottleHonoursPause(t *testing.T) {
	e := newEnv(t)
	task := &arrayTask{items: []int{1, 2}}
	registerArray(t, e.registry, "always-busy", task,
		maintenance.WithThrottle("busy", func(context.Context) bool { return true }, time.Second),
	)
	run := e.start(t, "always-busy", nil)

	sleep := func(context.Context, time.Duration) error {
		e.setStatus(t, run.ID, model.RunStatusPausing)
		return nil
	}
	require.NoError(t, e.job(maintenance.WithThrottleSleep(sleep)).Perform(context.Background(), run.ID))

	got := e.reload(t, run.ID)
	assert.Equal(t, model.RunStatusPaused, got.Status)
	assert.Empty(t, task.seen())
}

type outputTask struct{}

func (outputTask) Process(ctx context.Context, _ any) error {
	id, ok := maintenance.RunID(ctx)
	if !ok {
		return errors.New("no run id")
	}
	return maintenance.AppendOutput(ctx, "processed "+id.String()[:8]+"\n")
}

func (outputTask) Count(context.Context) (iteration.Count, error) { return 7, nil }

func TestJobOutputAndCounter(t *testing.T) {
	e := newEnv(t)
	_, err := maintenance.Register(e.registry, "chatty", func(maintenance.Args) (outputTask, error) { return outputTask{}, nil })
	require.NoError(t, err)
	run := e.start(t, "chatty", nil)

	require.NoError(t, e.job().Perform(context.Background(), run.ID))

	got := e.reload(t, run.ID)
	assert.Equal(t, "processed "+run.ID.String()[:8]+"\n", *got.Output)
	assert.Equal(t, int64(7), *got.TickTotal)
	assert.Equal(t, model.RunStatusSucceeded, got.Status)
}

func TestAppendOutputWithoutRun(t *testing.T) {
	assert.Error(t, maintenance.AppendOutput(context.Background(), "x"))
}
