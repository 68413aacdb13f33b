package iteration

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultThrottleBackoff is used when a condition's backoff yields
// backoff.Stop or a non-positive duration.
const DefaultThrottleBackoff = 30 * time.Second

// Condition is a throttle predicate paired with the backoff to wait while it
// holds. Backoff is consulted afresh for every wait, so it may be dynamic.
type Condition struct {
	Name    string
	When    func(ctx context.Context) bool
	Backoff backoff.BackOff
}

// BackoffFunc adapts a function to backoff.BackOff. Use it for waits that
// depend on live state.
type BackoffFunc func() time.Duration

func (f BackoffFunc) NextBackOff() time.Duration { return f() }
func (f BackoffFunc) Reset()                     {}

// Constant returns a fixed backoff.
func Constant(d time.Duration) backoff.BackOff {
	return backoff.NewConstantBackOff(d)
}

// Gate holds units back while any throttle condition is true.
type Gate struct {
	Conditions []Condition
	// StopRequested, when set, is checked after every wait. Returning true
	// ends the source with ErrStopRequested.
	StopRequested func(ctx context.Context) (bool, error)
	Logger        *slog.Logger
	// Sleep waits for d or until ctx is done. Defaults to a timer-based wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Wrap returns a source that yields src's units only after a full pass over
// the conditions finds every one of them false.
func (g Gate) Wrap(ctx context.Context, src Source) Source {
	if len(g.Conditions) == 0 {
		return src
	}
	return func(yield func(Unit, error) bool) {
		for u, err := range src {
			if err != nil {
				yield(u, err)
				return
			}
			if werr := g.Wait(ctx); werr != nil {
				yield(Unit{}, werr)
				return
			}
			if !yield(u, nil) {
				return
			}
		}
	}
}

// Wait blocks until every condition is false in a single pass, restarting
// from the first condition after each backoff.
func (g Gate) Wait(ctx context.Context) error {
	sleep := g.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	for {
		throttled := false
		for _, c := range g.Conditions {
			if c.When == nil || !c.When(ctx) {
				continue
			}
			throttled = true
			d := nextBackoff(c.Backoff)
			if g.Logger != nil {
				g.Logger.Debug("iteration: throttled", "condition", c.Name, "backoff", d)
			}
			if err := sleep(ctx, d); err != nil {
				return err
			}
			if g.StopRequested != nil {
				stop, err := g.StopRequested(ctx)
				if err != nil {
					return err
				}
				if stop {
					return ErrStopRequested
				}
			}
			break
		}
		if !throttled {
			for _, c := range g.Conditions {
				if c.Backoff != nil {
					c.Backoff.Reset()
				}
			}
			return nil
		}
	}
}

func nextBackoff(b backoff.BackOff) time.Duration {
	if b == nil {
		return DefaultThrottleBackoff
	}
	d := b.NextBackOff()
	if d == backoff.Stop || d <= 0 {
		return DefaultThrottleBackoff
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
