package iteration

import (
	"context"
	"reflect"
	"strconv"
)

// Kind identifies an adapter variant.
type Kind int

const (
	KindNone Kind = iota
	KindArray
	KindRows
	KindRowBatches
	KindCSV
	KindCSVBatches
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindArray:
		return "array"
	case KindRows:
		return "rows"
	case KindRowBatches:
		return "row_batches"
	case KindCSV:
		return "csv"
	case KindCSVBatches:
		return "csv_batches"
	default:
		return "unknown"
	}
}

// Batched reports whether units of this kind are batches of items, which is
// a prerequisite for parallel processing.
func (k Kind) Batched() bool { return k == KindRowBatches || k == KindCSVBatches }

// UsesFile reports whether adapters of this kind read an attachment.
func (k Kind) UsesFile() bool { return k == KindCSV || k == KindCSVBatches }

// NeedsCollection reports whether adapters of this kind require a collection
// value from the task.
func (k Kind) NeedsCollection() bool {
	return k == KindArray || k == KindRows || k == KindRowBatches
}

// Adapter converts a task's declared collection into a checkpointed Source
// and a count estimate. The set of implementations is closed; switch over
// Kind to handle each one.
type Adapter interface {
	Kind() Kind
	// Validate checks adapter options. It runs at registration.
	Validate() error
	// Source builds the unit sequence, resuming just past cursor when non-nil.
	Source(ctx context.Context, in Input, cursor *string) (Source, error)
	// Count estimates the number of units, or returns Unknown.
	Count(ctx context.Context, in Input) (Count, error)

	sealed()
}

// NoCollection runs the task exactly once with a nil item.
type NoCollection struct{}

func (NoCollection) Kind() Kind      { return KindNone }
func (NoCollection) Validate() error { return nil }
func (NoCollection) sealed()         {}

func (NoCollection) Source(_ context.Context, _ Input, cursor *string) (Source, error) {
	if cursor != nil && *cursor != "" {
		return Empty(), nil
	}
	return func(yield func(Unit, error) bool) {
		yield(Unit{Item: nil, Cursor: "0"}, nil)
	}, nil
}

func (NoCollection) Count(context.Context, Input) (Count, error) { return 1, nil }

// ArrayCollection iterates an in-memory slice. The collection value may be
// any slice type. The cursor is the last processed index.
type ArrayCollection struct{}

func (ArrayCollection) Kind() Kind      { return KindArray }
func (ArrayCollection) Validate() error { return nil }
func (ArrayCollection) sealed()         {}

func (ArrayCollection) Source(_ context.Context, in Input, cursor *string) (Source, error) {
	v, err := sliceValue(in.Collection)
	if err != nil {
		return nil, err
	}
	last, err := parseIndexCursor(cursor)
	if err != nil {
		return nil, err
	}
	return func(yield func(Unit, error) bool) {
		for i := last + 1; i < v.Len(); i++ {
			if !yield(Unit{Item: v.Index(i).Interface(), Cursor: strconv.Itoa(i)}, nil) {
				return
			}
		}
	}, nil
}

func (ArrayCollection) Count(_ context.Context, in Input) (Count, error) {
	v, err := sliceValue(in.Collection)
	if err != nil {
		return Unknown, err
	}
	return Count(v.Len()), nil
}

func sliceValue(c any) (reflect.Value, error) {
	if c == nil {
		return reflect.Value{}, configErrorf("array collection: collection is nil")
	}
	v := reflect.ValueOf(c)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return reflect.Value{}, configErrorf("array collection: expected a slice, got %T", c)
	}
	return v, nil
}
