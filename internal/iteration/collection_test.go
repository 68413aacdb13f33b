package iteration

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

// collect drains src, returning items and cursors.
func collect(t *testing.T, src Source) ([]any, []string) {
	t.Helper()
	var items []any
	var cursors []string
	for u, err := range src {
		if err != nil {
			t.Fatalf("source error: %v", err)
		}
		items = append(items, u.Item)
		cursors = append(cursors, u.Cursor)
	}
	return items, cursors
}

func strp(s string) *string { return &s }

// memPager serves rows from a slice sorted by "id".
type memPager struct {
	rows  []Row
	calls int
}

func newMemPager(n int) *memPager {
	p := &memPager{}
	for i := 1; i <= n; i++ {
		p.rows = append(p.rows, Row{"id": int64(i * 10), "name": "row"})
	}
	return p
}

func (p *memPager) Page(_ context.Context, q Query, after any, limit int) ([]Row, error) {
	p.calls++
	var out []Row
	for _, r := range p.rows {
		id := r["id"].(int64)
		if after != nil && id <= after.(int64) {
			continue
		}
		if q.Start != nil && id < q.Start.(int64) {
			continue
		}
		if q.Finish != nil && id > q.Finish.(int64) {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (p *memPager) Count(_ context.Context, q Query) (int64, error) {
	return int64(len(p.rows)), nil
}

func TestNoCollection(t *testing.T) {
	ctx := context.Background()
	a := NoCollection{}

	src, err := a.Source(ctx, Input{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	items, cursors := collect(t, src)
	if len(items) != 1 || items[0] != nil {
		t.Fatalf("expected one nil item, got %v", items)
	}

	src, err = a.Source(ctx, Input{}, strp(cursors[0]))
	if err != nil {
		t.Fatal(err)
	}
	if items, _ := collect(t, src); len(items) != 0 {
		t.Fatalf("resumed no-collection source should be empty, got %v", items)
	}

	if n, _ := a.Count(ctx, Input{}); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestArrayCollection_ResumeFromEveryCursor(t *testing.T) {
	ctx := context.Background()
	in := Input{Collection: []string{"a", "b", "c", "d"}}
	a := ArrayCollection{}

	src, err := a.Source(ctx, in, nil)
	if err != nil {
		t.Fatal(err)
	}
	all, cursors := collect(t, src)
	if !reflect.DeepEqual(all, []any{"a", "b", "c", "d"}) {
		t.Fatalf("unexpected items %v", all)
	}

	for i, c := range cursors {
		for range 2 { // resuming twice from the same cursor yields the same tail
			src, err := a.Source(ctx, in, strp(c))
			if err != nil {
				t.Fatal(err)
			}
			got, _ := collect(t, src)
			want := all[i+1:]
			if len(want) == 0 {
				want = nil
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("resume after %s: got %v, want %v", c, got, want)
			}
		}
	}
}

func TestArrayCollection_PositionOneResumesAtTwo(t *testing.T) {
	src, err := ArrayCollection{}.Source(context.Background(), Input{Collection: []int{1, 2, 3}}, strp("0"))
	if err != nil {
		t.Fatal(err)
	}
	got, _ := collect(t, src)
	if !reflect.DeepEqual(got, []any{2, 3}) {
		t.Fatalf("got %v, want [2 3]", got)
	}
}

func TestArrayCollection_WrongShape(t *testing.T) {
	_, err := ArrayCollection{}.Source(context.Background(), Input{Collection: "nope"}, nil)
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	_, err = ArrayCollection{}.Count(context.Background(), Input{})
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError for nil collection, got %v", err)
	}
}

func TestArrayCollection_BadCursor(t *testing.T) {
	_, err := ArrayCollection{}.Source(context.Background(), Input{Collection: []int{1}}, strp("x"))
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestRowCollection_PagesAndResumes(t *testing.T) {
	ctx := context.Background()
	p := newMemPager(5)
	in := Input{Collection: Query{Pager: p, Table: "widgets"}}
	a := RowCollection{PageSize: 2}

	src, err := a.Source(ctx, in, nil)
	if err != nil {
		t.Fatal(err)
	}
	items, cursors := collect(t, src)
	if len(items) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(items))
	}
	if cursors[2] != "30" {
		t.Fatalf("cursor after third row = %q, want 30", cursors[2])
	}
	if p.calls != 3 {
		t.Fatalf("expected 3 page fetches (2+2+1), got %d", p.calls)
	}

	src, err = a.Source(ctx, in, strp(cursors[2]))
	if err != nil {
		t.Fatal(err)
	}
	rest, _ := collect(t, src)
	if !reflect.DeepEqual(rest, items[3:]) {
		t.Fatalf("resumed rows = %v, want %v", rest, items[3:])
	}

	n, err := a.Count(ctx, in)
	if err != nil || n != 5 {
		t.Fatalf("count = %d, %v", n, err)
	}
}

func TestRowCollection_Bounds(t *testing.T) {
	p := newMemPager(5)
	in := Input{Collection: Query{Pager: p, Table: "widgets", Start: int64(20), Finish: int64(40)}}
	src, err := RowCollection{}.Source(context.Background(), in, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, cursors := collect(t, src)
	if !reflect.DeepEqual(cursors, []string{"20", "30", "40"}) {
		t.Fatalf("cursors = %v", cursors)
	}
}

func TestRowCollection_SkipCount(t *testing.T) {
	in := Input{Collection: &Query{Pager: newMemPager(3), Table: "widgets", SkipCount: true}}
	n, err := RowCollection{}.Count(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if n.Known() {
		t.Fatalf("expected Unknown, got %d", n)
	}
}

func TestRowCollection_WrongShape(t *testing.T) {
	var ce *ConfigError
	_, err := RowCollection{}.Source(context.Background(), Input{Collection: []int{1}}, nil)
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	_, err = RowCollection{}.Source(context.Background(), Input{Collection: Query{Table: "t"}}, nil)
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError for missing pager, got %v", err)
	}
}

func TestRowBatchCollection(t *testing.T) {
	ctx := context.Background()
	in := Input{Collection: Query{Pager: newMemPager(5), Table: "widgets"}}
	a := RowBatchCollection{BatchSize: 2}

	src, err := a.Source(ctx, in, nil)
	if err != nil {
		t.Fatal(err)
	}
	items, cursors := collect(t, src)
	if len(items) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(items))
	}
	if got := len(items[2].([]Row)); got != 1 {
		t.Fatalf("last batch size = %d, want 1", got)
	}
	if !reflect.DeepEqual(cursors, []string{"20", "40", "50"}) {
		t.Fatalf("cursors = %v", cursors)
	}

	src, err = a.Source(ctx, in, strp("20"))
	if err != nil {
		t.Fatal(err)
	}
	rest, _ := collect(t, src)
	if !reflect.DeepEqual(rest, items[1:]) {
		t.Fatalf("resumed batches = %v, want %v", rest, items[1:])
	}

	n, err := a.Count(ctx, in)
	if err != nil || n != 3 {
		t.Fatalf("count = %d, %v", n, err)
	}
}

func TestRowBatchCollection_RejectsBounds(t *testing.T) {
	in := Input{Collection: Query{Pager: newMemPager(5), Table: "widgets", Start: int64(10)}}
	_, err := RowBatchCollection{BatchSize: 2}.Source(context.Background(), in, nil)
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if err := (RowBatchCollection{}).Validate(); !errors.As(err, &ce) {
		t.Fatalf("zero batch size should be rejected, got %v", err)
	}
}

func TestKeyCursorRoundTrip(t *testing.T) {
	for _, key := range []any{int64(42), "abc-123", 1.5} {
		c, err := EncodeKeyCursor(key)
		if err != nil {
			t.Fatal(err)
		}
		got, err := DecodeKeyCursor(&c)
		if err != nil {
			t.Fatal(err)
		}
		if got != key {
			t.Fatalf("round trip %v (%T) -> %v (%T)", key, key, got, got)
		}
	}
	if v, err := DecodeKeyCursor(nil); v != nil || err != nil {
		t.Fatalf("nil cursor decoded to %v, %v", v, err)
	}
}

func TestKindProperties(t *testing.T) {
	adapters := []Adapter{NoCollection{}, ArrayCollection{}, RowCollection{}, RowBatchCollection{}, CSVCollection{}, CSVBatchCollection{}}
	batched := map[Kind]bool{KindRowBatches: true, KindCSVBatches: true}
	file := map[Kind]bool{KindCSV: true, KindCSVBatches: true}
	for _, a := range adapters {
		k := a.Kind()
		if k.Batched() != batched[k] {
			t.Errorf("%s: Batched() = %v", k, k.Batched())
		}
		if k.UsesFile() != file[k] {
			t.Errorf("%s: UsesFile() = %v", k, k.UsesFile())
		}
	}
}
