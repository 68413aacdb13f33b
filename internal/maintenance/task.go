package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/maintask/internal/iteration"
)

// Task processes the units of a Run. One Task value is built per attempt from
// the Run's arguments.
type Task interface {
	Process(ctx context.Context, item any) error
}

// Collector is implemented by tasks whose adapter iterates a value the task
// supplies (arrays, relation queries).
type Collector interface {
	Collection(ctx context.Context) (any, error)
}

// Counter overrides the adapter's count.
type Counter interface {
	Count(ctx context.Context) (iteration.Count, error)
}

// ProcessFunc adapts a function to the Task interface.
type ProcessFunc func(ctx context.Context, item any) error

func (f ProcessFunc) Process(ctx context.Context, item any) error { return f(ctx, item) }

// Args are the validated, defaulted arguments of a Run.
type Args map[string]string

// String returns the named argument, or "" when absent.
func (a Args) String(name string) string { return a[name] }

// Int parses the named argument. Absent arguments are zero.
func (a Args) Int(name string) (int64, error) {
	v, ok := a[name]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("argument %q: %w", name, err)
	}
	return n, nil
}

// Float parses the named argument. Absent arguments are zero.
func (a Args) Float(name string) (float64, error) {
	v, ok := a[name]
	if !ok || v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("argument %q: %w", name, err)
	}
	return f, nil
}

// Bool parses the named argument. Absent arguments are false.
func (a Args) Bool(name string) (bool, error) {
	v, ok := a[name]
	if !ok || v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("argument %q: %w", name, err)
	}
	return b, nil
}

// Time parses the named RFC 3339 argument. Absent arguments are the zero time.
func (a Args) Time(name string) (time.Time, error) {
	v, ok := a[name]
	if !ok || v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("argument %q: %w", name, err)
	}
	return t, nil
}

type runCtxKey struct{}

type runScope struct {
	id     uuid.UUID
	output func(ctx context.Context, text string) error
}

func withRun(ctx context.Context, id uuid.UUID, output func(context.Context, string) error) context.Context {
	return context.WithValue(ctx, runCtxKey{}, &runScope{id: id, output: output})
}

// RunID returns the id of the Run being processed, if ctx belongs to one.
func RunID(ctx context.Context) (uuid.UUID, bool) {
	s, ok := ctx.Value(runCtxKey{}).(*runScope)
	if !ok {
		return uuid.Nil, false
	}
	return s.id, true
}

// AppendOutput appends text to the output of the Run being processed.
func AppendOutput(ctx context.Context, text string) error {
	s, ok := ctx.Value(runCtxKey{}).(*runScope)
	if !ok {
		return errors.New("maintenance: append output: no run in context")
	}
	return s.output(ctx, text)
}
