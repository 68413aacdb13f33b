package maintenance_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/maintask/internal/iteration"
	"github.com/ashita-ai/maintask/internal/maintenance"
	"github.com/ashita-ai/maintask/internal/model"
	"github.com/ashita-ai/maintask/internal/storage/sqlite"
	"github.com/ashita-ai/maintask/internal/testutil"
)

// fakeEnqueuer records enqueued run ids instead of talking to a queue.
type fakeEnqueuer struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, id uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.ids = append(f.ids, id)
	return fmt.Sprintf("job-%d", len(f.ids)), nil
}

func (f *fakeEnqueuer) enqueued() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.ids...)
}

type env struct {
	store    *sqlite.Store
	registry *maintenance.Registry
	enqueuer *fakeEnqueuer
	runner   *maintenance.Runner
	controls *maintenance.Controls
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := testutil.NewSQLiteStore(t)
	registry := maintenance.NewRegistry()
	enq := &fakeEnqueuer{}
	logger := testutil.TestLogger()
	return &env{
		store:    store,
		registry: registry,
		enqueuer: enq,
		runner:   maintenance.NewRunner(store, registry, enq, logger),
		controls: maintenance.NewControls(store, 0, logger),
	}
}

func (e *env) job(opts ...maintenance.JobOption) *maintenance.Job {
	opts = append([]maintenance.JobOption{maintenance.WithTickerDelay(0)}, opts...)
	return maintenance.NewJob(e.store, e.registry, e.enqueuer, testutil.TestLogger(), opts...)
}

func (e *env) start(t *testing.T, task string, args map[string]string) model.Run {
	t.Helper()
	run, err := e.runner.Run(context.Background(), maintenance.RunRequest{TaskName: task, Arguments: args})
	require.NoError(t, err)
	return run
}

func (e *env) reload(t *testing.T, id uuid.UUID) model.Run {
	t.Helper()
	run, err := e.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	return run
}

// setStatus plays the part of an external actor writing the status column.
func (e *env) setStatus(t *testing.T, id uuid.UUID, s model.RunStatus) {
	t.Helper()
	_, err := e.store.UpdateRun(context.Background(), id, nil, model.RunUpdate{Status: model.StatusPtr(s)})
	require.NoError(t, err)
}

// arrayTask iterates a fixed list of ints, recording what it processed.
type arrayTask struct {
	items []int

	mu        sync.Mutex
	processed []int
	onProcess func(ctx context.Context, n int) error
}

func (a *arrayTask) Collection(context.Context) (any, error) { return a.items, nil }

func (a *arrayTask) Process(ctx context.Context, item any) error {
	n := item.(int)
	if a.onProcess != nil {
		if err := a.onProcess(ctx, n); err != nil {
			return err
		}
	}
	a.mu.Lock()
	a.processed = append(a.processed, n)
	a.mu.Unlock()
	return nil
}

func (a *arrayTask) seen() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.processed...)
}

// registerArray registers task under name, returning the same instance from
// every factory call.
func registerArray(t *testing.T, r *maintenance.Registry, name string, task *arrayTask, opts ...maintenance.Option) {
	t.Helper()
	opts = append([]maintenance.Option{maintenance.WithCollection(iteration.ArrayCollection{})}, opts...)
	_, err := maintenance.Register(r, name, func(maintenance.Args) (*arrayTask, error) { return task, nil }, opts...)
	require.NoError(t, err)
}

func noSleep(context.Context, time.Duration) error { return nil }
