package tasks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/maintask/internal/maintenance"
	"github.com/ashita-ai/maintask/internal/model"
	"github.com/ashita-ai/maintask/internal/storage"
	"github.com/ashita-ai/maintask/internal/storage/sqlite"
	"github.com/ashita-ai/maintask/internal/testutil"
)

type fakeEnqueuer struct {
	mu sync.Mutex
	n  int
}

func (f *fakeEnqueuer) Enqueue(context.Context, uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("job-%d", f.n), nil
}

type env struct {
	store    *sqlite.Store
	runner   *maintenance.Runner
	controls *maintenance.Controls
	job      *maintenance.Job
}

func newEnv(t *testing.T, stuckAfter time.Duration) *env {
	t.Helper()
	store := testutil.NewSQLiteStore(t)
	logger := testutil.TestLogger()
	registry := maintenance.NewRegistry()
	controls := maintenance.NewControls(store, stuckAfter, logger)
	require.NoError(t, Register(registry, Deps{
		Store:      store,
		Controls:   controls,
		StuckAfter: stuckAfter,
		Logger:     logger,
	}))
	registry.Seal()

	enq := &fakeEnqueuer{}
	return &env{
		store:    store,
		runner:   maintenance.NewRunner(store, registry, enq, logger),
		controls: controls,
		job:      maintenance.NewJob(store, registry, enq, logger, maintenance.WithTickerDelay(0)),
	}
}

// perform starts a run and drives one attempt to completion.
func (e *env) perform(t *testing.T, req maintenance.RunRequest) model.Run {
	t.Helper()
	ctx := context.Background()
	run, err := e.runner.Run(ctx, req)
	require.NoError(t, err)
	_ = e.job.Perform(ctx, run.ID)
	run, err = e.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	return run
}

func csvRequest(dryRun bool, lines ...string) maintenance.RunRequest {
	return maintenance.RunRequest{
		TaskName:  CancelRunsFromCSV,
		Arguments: map[string]string{"dry_run": fmt.Sprint(dryRun)},
		CSV:       &maintenance.CSVUpload{Content: []byte("run_id\n" + strings.Join(lines, "\n") + "\n")},
	}
}

func TestHeartbeat(t *testing.T) {
	e := newEnv(t, 0)

	run := e.perform(t, maintenance.RunRequest{TaskName: Heartbeat})
	require.Equal(t, model.RunStatusSucceeded, run.Status)
	require.NotNil(t, run.Output)
	assert.True(t, strings.HasSuffix(*run.Output, " ok\n"), *run.Output)

	run = e.perform(t, maintenance.RunRequest{TaskName: Heartbeat, Arguments: map[string]string{"message": "still here"}})
	require.NotNil(t, run.Output)
	assert.Contains(t, *run.Output, "still here")
}

func TestCancelStuckRuns(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, time.Millisecond)

	victim, err := e.runner.Run(ctx, maintenance.RunRequest{TaskName: Heartbeat})
	require.NoError(t, err)
	_, err = e.store.UpdateRun(ctx, victim.ID, nil, model.RunUpdate{Status: model.StatusPtr(model.RunStatusCancelling)})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	run := e.perform(t, maintenance.RunRequest{TaskName: CancelStuckRuns})
	require.Equal(t, model.RunStatusSucceeded, run.Status)
	require.NotNil(t, run.TickTotal)
	assert.Equal(t, int64(1), *run.TickTotal)
	require.NotNil(t, run.Output)
	assert.Contains(t, *run.Output, victim.ID.String())

	victim, err = e.store.GetRun(ctx, victim.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, victim.Status)
}

func TestCancelRunsFromCSV(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 0)

	target, err := e.runner.Run(ctx, maintenance.RunRequest{TaskName: Heartbeat})
	require.NoError(t, err)
	missing := uuid.New()

	dry := e.perform(t, csvRequest(true, target.ID.String(), missing.String()))
	require.Equal(t, model.RunStatusSucceeded, dry.Status)
	assert.Contains(t, *dry.Output, target.ID.String()+" would cancel (enqueued)")
	got, err := e.store.GetRun(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusEnqueued, got.Status, "dry run changes nothing")

	run := e.perform(t, csvRequest(false, target.ID.String(), missing.String(), target.ID.String()))
	require.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.Contains(t, *run.Output, target.ID.String()+" -> cancelled")
	assert.Contains(t, *run.Output, missing.String()+" skipped: not found")
	assert.Contains(t, *run.Output, target.ID.String()+" skipped:")

	got, err = e.store.GetRun(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
}

func TestCancelRunsFromCSVBadRow(t *testing.T) {
	e := newEnv(t, 0)

	run := e.perform(t, csvRequest(false, "not-a-uuid"))
	require.Equal(t, model.RunStatusErrored, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, `invalid run_id "not-a-uuid"`)
	assert.Equal(t, "Error", deref(run.ErrorClass))
	require.NotEmpty(t, run.Backtrace)
	assert.Contains(t, run.Backtrace[0], "cancelRunsFromCSV")
}

func TestPurgeAttachments(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 0)

	finished := e.perform(t, csvRequest(true, uuid.NewString()))
	require.Equal(t, model.RunStatusSucceeded, finished.Status)
	pending, err := e.runner.Run(ctx, csvRequest(true, uuid.NewString()))
	require.NoError(t, err)

	// A long retention window keeps everything.
	run := e.perform(t, maintenance.RunRequest{TaskName: PurgeAttachments})
	require.Equal(t, model.RunStatusSucceeded, run.Status)
	_, err = e.store.GetAttachment(ctx, finished.ID)
	require.NoError(t, err)

	run = e.perform(t, maintenance.RunRequest{TaskName: PurgeAttachments, Arguments: map[string]string{"older_than_days": "0"}})
	require.Equal(t, model.RunStatusSucceeded, run.Status)
	require.NotNil(t, run.TickTotal)
	assert.Equal(t, int64(1), *run.TickTotal, "two attachments fit in one batch")

	_, err = e.store.GetAttachment(ctx, finished.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = e.store.GetAttachment(ctx, pending.ID)
	assert.NoError(t, err, "attachments of unfinished runs are kept")
}

func TestPurgeAttachmentsRejectsNegativeWindow(t *testing.T) {
	e := newEnv(t, 0)
	run := e.perform(t, maintenance.RunRequest{TaskName: PurgeAttachments, Arguments: map[string]string{"older_than_days": "-1"}})
	assert.Equal(t, model.RunStatusErrored, run.Status)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func TestRowUUID(t *testing.T) {
	id := uuid.New()
	for _, v := range []any{[16]byte(id), id, id.String(), []byte(id.String())} {
		got, err := rowUUID(v)
		require.NoError(t, err, "%T", v)
		assert.Equal(t, id, got)
	}
	_, err := rowUUID(42)
	assert.Error(t, err)
}
