// Package iteration turns task collections into checkpointed sequences of
// work units.
//
// Every adapter produces a Source: an iter.Seq2 of Units, each carrying the
// cursor that resumes iteration immediately after it. Sources are lazy and
// single-use; building a new one from a stored cursor continues exactly where
// the previous one stopped.
package iteration

import (
	"errors"
	"fmt"
	"iter"
	"strconv"
)

// Unit is one checkpointed piece of work.
type Unit struct {
	// Item is handed to the task's Process method: nil for no-collection
	// tasks, a slice element, a Row, a Record, or a batch of those.
	Item any
	// Cursor resumes iteration just past this unit.
	Cursor string
}

// Source yields units in order. A non-nil error ends the sequence.
type Source = iter.Seq2[Unit, error]

// Count is a total-units estimate. Unknown means no estimate is available.
type Count int64

// Unknown is the count sentinel for "no estimate available".
const Unknown Count = -1

// Known reports whether c carries an estimate.
func (c Count) Known() bool { return c >= 0 }

// ErrStopRequested ends a source early because the run was asked to stop.
var ErrStopRequested = errors.New("iteration: stop requested")

// ConfigError reports a collection or option mismatch detected before any
// unit is processed. It is never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "configuration error: " + e.Reason }

func configErrorf(format string, args ...any) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// Input carries what an adapter needs to build a source.
type Input struct {
	// Collection is the value returned by the task's Collector.
	Collection any
	// File is the attachment content for CSV adapters.
	File []byte
}

// Empty returns a source that yields nothing.
func Empty() Source {
	return func(func(Unit, error) bool) {}
}

// Fail returns a source that yields a single error.
func Fail(err error) Source {
	return func(yield func(Unit, error) bool) {
		yield(Unit{}, err)
	}
}

// parseIndexCursor decodes a numeric cursor. A nil cursor yields -1 so that
// resumption always starts at cursor+1.
func parseIndexCursor(cursor *string) (int, error) {
	if cursor == nil || *cursor == "" {
		return -1, nil
	}
	n, err := strconv.Atoi(*cursor)
	if err != nil || n < 0 {
		return 0, configErrorf("invalid index cursor %q", *cursor)
	}
	return n, nil
}
