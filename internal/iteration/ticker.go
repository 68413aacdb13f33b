package iteration

import (
	"context"
	"time"
)

// PersistFunc writes accumulated ticks. elapsed is the wall time since the
// previous persist (or since the ticker was built).
type PersistFunc func(ctx context.Context, ticks int64, elapsed time.Duration) error

// Ticker counts processed units and persists them at most once per throttle
// window. It is not safe for concurrent use; one attempt owns one ticker.
type Ticker struct {
	throttle time.Duration
	persist  PersistFunc
	now      func() time.Time

	ticks int64
	last  time.Time
}

// TickerOption configures a Ticker.
type TickerOption func(*Ticker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) TickerOption {
	return func(t *Ticker) { t.now = now }
}

// NewTicker returns a ticker whose window starts now.
func NewTicker(throttle time.Duration, persist PersistFunc, opts ...TickerOption) *Ticker {
	t := &Ticker{throttle: throttle, persist: persist, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	t.last = t.now()
	return t
}

// Tick records one unit, persisting when the throttle window has elapsed.
func (t *Ticker) Tick(ctx context.Context) error {
	t.ticks++
	if t.now().Sub(t.last) >= t.throttle {
		return t.Flush(ctx)
	}
	return nil
}

// Flush persists any unpersisted ticks. It never calls persist with zero.
func (t *Ticker) Flush(ctx context.Context) error {
	if t.ticks == 0 {
		return nil
	}
	now := t.now()
	n, elapsed := t.ticks, now.Sub(t.last)
	if err := t.persist(ctx, n, elapsed); err != nil {
		return err
	}
	t.ticks = 0
	t.last = now
	return nil
}

// Pending returns the number of unpersisted ticks.
func (t *Ticker) Pending() int64 { return t.ticks }
