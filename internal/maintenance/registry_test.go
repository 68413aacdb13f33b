package maintenance_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/maintask/internal/iteration"
	"github.com/ashita-ai/maintask/internal/maintenance"
	"github.com/ashita-ai/maintask/internal/model"
)

func noop(maintenance.Args) (maintenance.ProcessFunc, error) {
	return func(context.Context, any) error { return nil }, nil
}

func never(context.Context) bool { return false }

func TestRegisterValidation(t *testing.T) {
	r := maintenance.NewRegistry()

	tests := []struct {
		name string
		reg  func() error
	}{
		{"empty name", func() error {
			_, err := maintenance.Register(r, "", noop)
			return err
		}},
		{"parallel without batches", func() error {
			_, err := maintenance.Register(r, "p", noop, maintenance.WithCollection(iteration.CSVCollection{}), maintenance.Parallel())
			return err
		}},
		{"array without collector", func() error {
			_, err := maintenance.Register(r, "a", noop, maintenance.WithCollection(iteration.ArrayCollection{}))
			return err
		}},
		{"invalid adapter", func() error {
			_, err := maintenance.Register(r, "b", noop, maintenance.WithCollection(iteration.CSVBatchCollection{}))
			return err
		}},
		{"duplicate params", func() error {
			_, err := maintenance.Register(r, "d", noop, maintenance.WithParams(
				model.ParamSpec{Name: "x", Type: model.ParamString},
				model.ParamSpec{Name: "x", Type: model.ParamInt},
			))
			return err
		}},
		{"nil throttle", func() error {
			_, err := maintenance.Register(r, "n", noop, maintenance.WithThrottle("x", nil, time.Second))
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.reg()
			var cfgErr *maintenance.ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
	assert.Zero(t, r.Len())
}

func TestRegistryLifecycle(t *testing.T) {
	r := maintenance.NewRegistry()
	_, err := maintenance.Register(r, "one", noop)
	require.NoError(t, err)

	_, err = maintenance.Register(r, "one", noop)
	assert.ErrorIs(t, err, maintenance.ErrDuplicateTask)

	r.Seal()
	_, err = maintenance.Register(r, "two", noop)
	assert.ErrorIs(t, err, maintenance.ErrRegistrySealed)

	d, err := maintenance.Replace(r, "one", noop, maintenance.WithDescription("replaced"))
	require.NoError(t, err)
	got, err := r.Lookup("one")
	require.NoError(t, err)
	assert.Same(t, d, got)

	_, err = r.Lookup("two")
	assert.ErrorIs(t, err, maintenance.ErrTaskNotFound)

	assert.Panics(t, func() { maintenance.MustRegister(r, "three", noop) })
}

func TestExtendsFlattensParentFirst(t *testing.T) {
	r := maintenance.NewRegistry()
	parent := maintenance.MustRegister(r, "base", func(maintenance.Args) (*arrayTask, error) { return &arrayTask{}, nil },
		maintenance.WithCollection(iteration.ArrayCollection{}),
		maintenance.WithThrottle("db-load", never, time.Second),
		maintenance.WithParams(
			model.ParamSpec{Name: "limit", Type: model.ParamInt},
			model.ParamSpec{Name: "dry_run", Type: model.ParamBool},
		),
		maintenance.WithDescription("base task"),
	)

	child := maintenance.MustRegister(r, "child", func(maintenance.Args) (*arrayTask, error) { return &arrayTask{}, nil },
		maintenance.Extends(parent),
		maintenance.WithThrottle("queue-latency", never, time.Second),
		maintenance.WithParams(model.ParamSpec{Name: "limit", Type: model.ParamInt, Required: true}),
	)

	assert.Equal(t, iteration.KindArray, child.Adapter().Kind())
	names := []string{}
	for _, th := range child.Throttles() {
		names = append(names, th.Name)
	}
	assert.Equal(t, []string{"db-load", "queue-latency"}, names)
	assert.Equal(t, []model.ParamSpec{
		{Name: "limit", Type: model.ParamInt, Required: true},
		{Name: "dry_run", Type: model.ParamBool},
	}, child.Params())
	assert.Len(t, parent.Throttles(), 1)
	assert.Equal(t, "base task", child.Info().Description)
}

func TestCatalog(t *testing.T) {
	r := maintenance.NewRegistry()
	maintenance.MustRegister(r, "zeta", noop)
	maintenance.MustRegister(r, "alpha", noop,
		maintenance.WithCollection(iteration.CSVBatchCollection{BatchSize: 10}),
		maintenance.Parallel(),
		maintenance.WithThrottle("busy", never, 0),
	)

	cat := r.Catalog()
	require.Len(t, cat, 2)
	assert.Equal(t, "alpha", cat[0].Name)
	assert.Equal(t, "csv_batches", cat[0].Collection)
	assert.True(t, cat[0].RequiresCSV)
	assert.True(t, cat[0].Parallel)
	assert.Equal(t, []string{"busy"}, cat[0].Throttles)
	assert.Equal(t, "zeta", cat[1].Name)
	assert.False(t, cat[1].RequiresCSV)
}
