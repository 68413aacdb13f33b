package iteration

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ItemError is the failure surfaced by Parallel: the lowest-index item that
// failed. Failures of later items are discarded.
type ItemError struct {
	Index int
	Item  any
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// PanicError wraps a value recovered from a panicking work function.
type PanicError struct {
	Value any
	// PCs is the goroutine stack at the point of recovery.
	PCs []uintptr
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// NewPanicError captures the current stack. Call it from the deferred
// function that recovered v.
func NewPanicError(v any) *PanicError {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(3, pcs)
	return &PanicError{Value: v, PCs: pcs[:n]}
}

// Parallel runs fn once per item concurrently and waits for every call to
// return, whatever the outcome. At most limit calls run at once when limit is
// positive. Items must not share mutable state; each call acquires its own
// resources.
func Parallel[T any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T) error) error {
	errs := make([]error, len(items))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, item := range items {
		g.Go(func() error {
			errs[i] = safeCall(ctx, item, fn)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			return &ItemError{Index: i, Item: items[i], Err: err}
		}
	}
	return nil
}

func safeCall[T any](ctx context.Context, item T, fn func(context.Context, T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewPanicError(r)
		}
	}()
	return fn(ctx, item)
}
