package iteration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
)

// DefaultPageSize is used by RowCollection when PageSize is zero.
const DefaultPageSize = 100

// Row is one relational row keyed by column name.
type Row = map[string]any

// Pager executes keyset-paginated reads for a Query. Implementations must
// return rows ordered by the query key ascending, restricted to keys greater
// than after (when non-nil) and to the inclusive Start/Finish bounds.
type Pager interface {
	Page(ctx context.Context, q Query, after any, limit int) ([]Row, error)
	Count(ctx context.Context, q Query) (int64, error)
}

// Query describes a relational collection. It is bound to the Pager that
// executes it.
type Query struct {
	Pager   Pager
	Table   string
	Key     string // defaults to "id"
	Columns []string
	// Filters are equality predicates ANDed together.
	Filters map[string]any
	// Start and Finish are optional inclusive key bounds.
	Start, Finish any
	// SkipCount disables the COUNT query; the estimate becomes Unknown.
	SkipCount bool
}

// KeyColumn returns the ordering key column.
func (q Query) KeyColumn() string {
	if q.Key == "" {
		return "id"
	}
	return q.Key
}

func asQuery(c any, what string) (Query, error) {
	var q Query
	switch v := c.(type) {
	case Query:
		q = v
	case *Query:
		if v == nil {
			return Query{}, configErrorf("%s: collection is a nil *Query", what)
		}
		q = *v
	default:
		return Query{}, configErrorf("%s: expected iteration.Query, got %T", what, c)
	}
	if q.Pager == nil {
		return Query{}, configErrorf("%s: query on %q has no pager", what, q.Table)
	}
	if q.Table == "" {
		return Query{}, configErrorf("%s: query has no table", what)
	}
	return q, nil
}

// RowCollection yields one Row per unit. The cursor is the JSON-encoded key
// of the last processed row.
type RowCollection struct {
	PageSize int
}

func (RowCollection) Kind() Kind { return KindRows }
func (RowCollection) sealed()    {}

func (a RowCollection) Validate() error {
	if a.PageSize < 0 {
		return configErrorf("row collection: page size must not be negative")
	}
	return nil
}

func (a RowCollection) Source(ctx context.Context, in Input, cursor *string) (Source, error) {
	q, err := asQuery(in.Collection, "row collection")
	if err != nil {
		return nil, err
	}
	after, err := DecodeKeyCursor(cursor)
	if err != nil {
		return nil, err
	}
	size := a.PageSize
	if size == 0 {
		size = DefaultPageSize
	}
	return func(yield func(Unit, error) bool) {
		for page := range pages(ctx, q, after, size) {
			if page.err != nil {
				yield(Unit{}, page.err)
				return
			}
			for i, row := range page.rows {
				if !yield(Unit{Item: row, Cursor: page.cursors[i]}, nil) {
					return
				}
			}
		}
	}, nil
}

func (a RowCollection) Count(ctx context.Context, in Input) (Count, error) {
	q, err := asQuery(in.Collection, "row collection")
	if err != nil {
		return Unknown, err
	}
	if q.SkipCount {
		return Unknown, nil
	}
	n, err := q.Pager.Count(ctx, q)
	if err != nil {
		return Unknown, fmt.Errorf("iteration: count rows: %w", err)
	}
	return Count(n), nil
}

// RowBatchCollection yields one []Row per unit. The cursor is the key of the
// last row in the batch. Start/Finish bounds are rejected.
type RowBatchCollection struct {
	BatchSize int
}

func (RowBatchCollection) Kind() Kind { return KindRowBatches }
func (RowBatchCollection) sealed()    {}

func (a RowBatchCollection) Validate() error {
	if a.BatchSize <= 0 {
		return configErrorf("row batch collection: batch size must be positive, got %d", a.BatchSize)
	}
	return nil
}

func (a RowBatchCollection) query(c any) (Query, error) {
	q, err := asQuery(c, "row batch collection")
	if err != nil {
		return Query{}, err
	}
	if q.Start != nil || q.Finish != nil {
		return Query{}, configErrorf("row batch collection: start/finish bounds are not supported with batches")
	}
	return q, nil
}

func (a RowBatchCollection) Source(ctx context.Context, in Input, cursor *string) (Source, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	q, err := a.query(in.Collection)
	if err != nil {
		return nil, err
	}
	after, err := DecodeKeyCursor(cursor)
	if err != nil {
		return nil, err
	}
	return func(yield func(Unit, error) bool) {
		for page := range pages(ctx, q, after, a.BatchSize) {
			if page.err != nil {
				yield(Unit{}, page.err)
				return
			}
			if !yield(Unit{Item: page.rows, Cursor: page.cursors[len(page.cursors)-1]}, nil) {
				return
			}
		}
	}, nil
}

func (a RowBatchCollection) Count(ctx context.Context, in Input) (Count, error) {
	q, err := a.query(in.Collection)
	if err != nil {
		return Unknown, err
	}
	if q.SkipCount || a.BatchSize <= 0 {
		return Unknown, nil
	}
	n, err := q.Pager.Count(ctx, q)
	if err != nil {
		return Unknown, fmt.Errorf("iteration: count rows: %w", err)
	}
	return Count(ceilDiv(n, int64(a.BatchSize))), nil
}

type rowPage struct {
	rows    []Row
	cursors []string
	err     error
}

// pages walks q in key order, one page at a time, stopping after the first
// short page.
func pages(ctx context.Context, q Query, after any, size int) iter.Seq[rowPage] {
	key := q.KeyColumn()
	return func(yield func(rowPage) bool) {
		for {
			rows, err := q.Pager.Page(ctx, q, after, size)
			if err != nil {
				yield(rowPage{err: fmt.Errorf("iteration: fetch page of %s: %w", q.Table, err)})
				return
			}
			if len(rows) == 0 {
				return
			}
			cursors := make([]string, len(rows))
			for i, row := range rows {
				k, ok := row[key]
				if !ok {
					yield(rowPage{err: configErrorf("row collection: key column %q missing from row", key)})
					return
				}
				c, err := EncodeKeyCursor(k)
				if err != nil {
					yield(rowPage{err: err})
					return
				}
				cursors[i] = c
				after = k
			}
			if !yield(rowPage{rows: rows, cursors: cursors}) {
				return
			}
			if len(rows) < size {
				return
			}
		}
	}
}

// EncodeKeyCursor serializes a row key.
func EncodeKeyCursor(key any) (string, error) {
	b, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("iteration: encode key cursor: %w", err)
	}
	return string(b), nil
}

// DecodeKeyCursor reverses EncodeKeyCursor. Integers decode as int64 and
// other numbers as float64; a nil cursor decodes to nil.
func DecodeKeyCursor(cursor *string) (any, error) {
	if cursor == nil || *cursor == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(*cursor)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, configErrorf("invalid key cursor %q", *cursor)
	}
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return nil, configErrorf("invalid key cursor %q", *cursor)
		}
		return f, nil
	}
	return v, nil
}

func ceilDiv(n, d int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}
