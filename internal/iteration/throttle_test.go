package iteration

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// recordSleep collects requested waits instead of sleeping.
type recordSleep struct{ waits []time.Duration }

func (r *recordSleep) sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func arraySource(t *testing.T, items ...int) Source {
	t.Helper()
	src, err := ArrayCollection{}.Source(context.Background(), Input{Collection: items}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return src
}

func TestGate_NoConditionsPassesThrough(t *testing.T) {
	src := arraySource(t, 1, 2)
	got, _ := collect(t, Gate{}.Wrap(context.Background(), src))
	if !reflect.DeepEqual(got, []any{1, 2}) {
		t.Fatalf("got %v", got)
	}
}

func TestGate_WaitsUntilAllConditionsPass(t *testing.T) {
	var sleeps recordSleep
	aHits, bHits := 2, 1
	g := Gate{
		Conditions: []Condition{
			{Name: "a", When: func(context.Context) bool { aHits--; return aHits >= 0 }, Backoff: Constant(time.Second)},
			{Name: "b", When: func(context.Context) bool { bHits--; return bHits >= 0 }, Backoff: Constant(5 * time.Second)},
		},
		Sleep: sleeps.sleep,
	}

	got, _ := collect(t, g.Wrap(context.Background(), arraySource(t, 1)))
	if !reflect.DeepEqual(got, []any{1}) {
		t.Fatalf("got %v", got)
	}
	// a, a, then b once a is clear; each wait restarts from the first condition.
	want := []time.Duration{time.Second, time.Second, 5 * time.Second}
	if !reflect.DeepEqual(sleeps.waits, want) {
		t.Fatalf("waits = %v, want %v", sleeps.waits, want)
	}
}

func TestGate_BackoffEvaluatedEachTime(t *testing.T) {
	var sleeps recordSleep
	n := 0
	hits := 3
	g := Gate{
		Conditions: []Condition{{
			When:    func(context.Context) bool { hits--; return hits >= 0 },
			Backoff: BackoffFunc(func() time.Duration { n++; return time.Duration(n) * time.Millisecond }),
		}},
		Sleep: sleeps.sleep,
	}
	if err := g.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}
	if !reflect.DeepEqual(sleeps.waits, want) {
		t.Fatalf("waits = %v, want %v", sleeps.waits, want)
	}
}

func TestGate_StopAndNonPositiveFallBack(t *testing.T) {
	var sleeps recordSleep
	hits := 2
	g := Gate{
		Conditions: []Condition{{
			When:    func(context.Context) bool { hits--; return hits >= 0 },
			Backoff: BackoffFunc(func() time.Duration { return backoff.Stop }),
		}},
		Sleep: sleeps.sleep,
	}
	if err := g.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, w := range sleeps.waits {
		if w != DefaultThrottleBackoff {
			t.Fatalf("wait = %v, want %v", w, DefaultThrottleBackoff)
		}
	}
}

func TestGate_StopRequestedEndsWait(t *testing.T) {
	var sleeps recordSleep
	g := Gate{
		Conditions:    []Condition{{When: func(context.Context) bool { return true }, Backoff: Constant(time.Second)}},
		StopRequested: func(context.Context) (bool, error) { return true, nil },
		Sleep:         sleeps.sleep,
	}
	var gotErr error
	for _, err := range g.Wrap(context.Background(), arraySource(t, 1, 2)) {
		gotErr = err
	}
	if !errors.Is(gotErr, ErrStopRequested) {
		t.Fatalf("expected ErrStopRequested, got %v", gotErr)
	}
	if len(sleeps.waits) != 1 {
		t.Fatalf("expected one wait before stopping, got %d", len(sleeps.waits))
	}
}

func TestGate_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := Gate{Conditions: []Condition{{When: func(context.Context) bool { return true }, Backoff: Constant(time.Hour)}}}
	if err := g.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
