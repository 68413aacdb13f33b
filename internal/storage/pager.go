package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/maintask/internal/iteration"
)

// Placeholder renders the n-th (1-based) bind parameter for a SQL dialect.
type Placeholder func(n int) string

// Dollar renders Postgres-style placeholders.
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

// QuoteIdent quotes a possibly schema-qualified identifier.
func QuoteIdent(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

// where builds the shared WHERE clause for a keyset query: equality filters
// in sorted column order, then inclusive bounds, then the resume key.
func where(q iteration.Query, after any, ph Placeholder) (string, []any) {
	key := QuoteIdent(q.KeyColumn())
	var conds []string
	var args []any
	add := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, ph(len(args))))
	}
	for _, col := range slices.Sorted(maps.Keys(q.Filters)) {
		add(QuoteIdent(col)+" = %s", q.Filters[col])
	}
	if q.Start != nil {
		add(key+" >= %s", q.Start)
	}
	if q.Finish != nil {
		add(key+" <= %s", q.Finish)
	}
	if after != nil {
		add(key+" > %s", after)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// PageSQL builds the keyset page query for q.
func PageSQL(q iteration.Query, after any, limit int, ph Placeholder) (string, []any) {
	cols := "*"
	if len(q.Columns) > 0 {
		quoted := make([]string, len(q.Columns))
		for i, c := range q.Columns {
			quoted[i] = QuoteIdent(c)
		}
		if !slices.Contains(q.Columns, q.KeyColumn()) {
			quoted = append(quoted, QuoteIdent(q.KeyColumn()))
		}
		cols = strings.Join(quoted, ", ")
	}
	w, args := where(q, after, ph)
	args = append(args, limit)
	sql := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s ASC LIMIT %s",
		cols, QuoteIdent(q.Table), w, QuoteIdent(q.KeyColumn()), ph(len(args)))
	return sql, args
}

// CountSQL builds the COUNT query for q.
func CountSQL(q iteration.Query, ph Placeholder) (string, []any) {
	w, args := where(q, nil, ph)
	return fmt.Sprintf("SELECT COUNT(*) FROM %s%s", QuoteIdent(q.Table), w), args
}

// Pager returns an iteration.Pager reading from this database.
func (db *DB) Pager() iteration.Pager { return pgPager{db: db} }

// Collection returns a row collection over table, ordered by id.
func (db *DB) Collection(table string) iteration.Query {
	return iteration.Query{Pager: db.Pager(), Table: table}
}

// Attachments returns a row collection over stored attachments in upload
// order. Rows carry run_id and seq only.
func (db *DB) Attachments() iteration.Query {
	return iteration.Query{Pager: db.Pager(), Table: "maintenance_run_attachments", Key: "seq", Columns: []string{"run_id"}}
}

type pgPager struct{ db *DB }

func (p pgPager) Page(ctx context.Context, q iteration.Query, after any, limit int) ([]iteration.Row, error) {
	sql, args := PageSQL(q, after, limit, Dollar)
	rows, err := p.db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: page %s: %w", q.Table, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("storage: scan page %s: %w", q.Table, err)
	}
	return out, nil
}

func (p pgPager) Count(ctx context.Context, q iteration.Query) (int64, error) {
	sql, args := CountSQL(q, Dollar)
	var n int64
	if err := p.db.pool.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count %s: %w", q.Table, err)
	}
	return n, nil
}
