package maintenance_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/maintask/internal/iteration"
	"github.com/ashita-ai/maintask/internal/maintenance"
	"github.com/ashita-ai/maintask/internal/model"
)

func registerCSV(t *testing.T, r *maintenance.Registry, name string) {
	t.Helper()
	_, err := maintenance.Register(r, name,
		func(maintenance.Args) (maintenance.ProcessFunc, error) {
			return func(context.Context, any) error { return nil }, nil
		},
		maintenance.WithCollection(iteration.CSVCollection{}),
	)
	require.NoError(t, err)
}

func TestRunnerValidatesRequest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	registerArray(t, e.registry, "with-params", &arrayTask{}, maintenance.WithParams(
		model.ParamSpec{Name: "limit", Type: model.ParamInt, Required: true},
	))
	registerCSV(t, e.registry, "csv")

	_, err := e.runner.Run(ctx, maintenance.RunRequest{TaskName: "missing"})
	assert.ErrorIs(t, err, maintenance.ErrTaskNotFound)

	_, err = e.runner.Run(ctx, maintenance.RunRequest{TaskName: "with-params"})
	assert.ErrorIs(t, err, model.ErrInvalidArguments)

	_, err = e.runner.Run(ctx, maintenance.RunRequest{TaskName: "with-params", Arguments: map[string]string{"limit": "ten"}})
	assert.ErrorIs(t, err, model.ErrInvalidArguments)

	_, err = e.runner.Run(ctx, maintenance.RunRequest{TaskName: "csv"})
	assert.ErrorIs(t, err, maintenance.ErrCSVRequired)

	_, err = e.runner.Run(ctx, maintenance.RunRequest{
		TaskName:  "with-params",
		Arguments: map[string]string{"limit": "10"},
		CSV:       &maintenance.CSVUpload{Content: []byte("id\n")},
	})
	assert.ErrorIs(t, err, maintenance.ErrCSVUnexpected)

	runs, total, err := e.store.ListRuns(ctx, model.RunFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, runs)
	assert.Empty(t, e.enqueuer.enqueued())
}

func TestRunnerCreatesAndEnqueues(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	registerCSV(t, e.registry, "Import Users")

	run, err := e.runner.Run(ctx, maintenance.RunRequest{
		TaskName: "Import Users",
		CSV:      &maintenance.CSVUpload{Filename: "users.csv", Content: []byte("id\n1\n")},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusEnqueued, run.Status)
	require.NotNil(t, run.JobID)
	assert.Equal(t, "job-1", *run.JobID)
	assert.Equal(t, []uuid.UUID{run.ID}, e.enqueuer.enqueued())

	att, err := e.store.GetAttachment(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("id\n1\n"), att.Content)
	pattern := `^\d{8}T\d{6}Z_import-users_` + regexp.QuoteMeta(run.ID.String()) + `\.csv$`
	assert.Regexp(t, pattern, att.Filename)
}

func TestAttachmentFilename(t *testing.T) {
	id := uuid.MustParse("0b7e3c9e-5d8f-4c1a-9f3e-2a6b8c1d4e5f")
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.FixedZone("X", 3600))
	assert.Equal(t,
		"20260304T040607Z_purge-old-runs_0b7e3c9e-5d8f-4c1a-9f3e-2a6b8c1d4e5f.csv",
		maintenance.AttachmentFilename(at, "Purge::Old  Runs!", id),
	)
}

func TestRunnerEnqueueFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	registerArray(t, e.registry, "array", &arrayTask{})

	e.enqueuer.err = errors.Join(maintenance.ErrEnqueueRejected, errors.New("duplicate"))
	run, err := e.runner.Run(ctx, maintenance.RunRequest{TaskName: "array"})

	var enqErr *maintenance.EnqueueError
	require.ErrorAs(t, err, &enqErr)
	assert.Equal(t, run.ID, enqErr.RunID)
	assert.ErrorIs(t, err, maintenance.ErrEnqueueRejected)

	got := e.reload(t, run.ID)
	assert.Equal(t, model.RunStatusErrored, got.Status)
	assert.Equal(t, "EnqueueRejected", *got.ErrorClass)
	assert.NotNil(t, got.EndedAt)

	e.enqueuer.err = errors.New("redis down")
	run, err = e.runner.Run(ctx, maintenance.RunRequest{TaskName: "array"})
	require.ErrorAs(t, err, &enqErr)
	assert.Equal(t, "EnqueueError", *e.reload(t, run.ID).ErrorClass)
}

func TestRunnerResume(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	registerArray(t, e.registry, "array", &arrayTask{})
	run := e.start(t, "array", nil)

	_, err := e.runner.Resume(ctx, run.ID)
	assert.ErrorIs(t, err, maintenance.ErrNotControllable)

	e.setStatus(t, run.ID, model.RunStatusInterrupted)
	got, err := e.runner.Resume(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusInterrupted, got.Status)
	assert.Equal(t, "job-2", *got.JobID)

	_, err = e.runner.Resume(ctx, uuid.New())
	assert.Error(t, err)
}
