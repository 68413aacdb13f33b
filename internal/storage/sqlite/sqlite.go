// Package sqlite is an embedded maintask store backed by modernc.org/sqlite.
// It suits single-process deployments, development and tests. Timestamps are
// stored as fixed-width UTC text so they sort lexically.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/maintask/internal/iteration"
	"github.com/ashita-ai/maintask/internal/model"
	"github.com/ashita-ai/maintask/internal/storage"
)

const timeFormat = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS maintenance_runs (
	id            TEXT PRIMARY KEY,
	task_name     TEXT NOT NULL,
	status        TEXT NOT NULL,
	cursor        TEXT,
	tick_count    INTEGER NOT NULL DEFAULT 0 CHECK (tick_count >= 0),
	tick_total    INTEGER,
	time_running  REAL NOT NULL DEFAULT 0,
	started_at    TEXT,
	ended_at      TEXT,
	error_class   TEXT,
	error_message TEXT,
	backtrace     TEXT,
	arguments     TEXT NOT NULL DEFAULT '{}',
	output        TEXT,
	job_id        TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_maintenance_runs_task_created
	ON maintenance_runs (task_name, created_at DESC);

CREATE TABLE IF NOT EXISTS maintenance_run_attachments (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL UNIQUE REFERENCES maintenance_runs (id),
	filename     TEXT NOT NULL,
	content_type TEXT NOT NULL,
	content      BLOB NOT NULL,
	created_at   TEXT NOT NULL
);
`

// Store is a SQLite-backed run store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at dsn and applies the schema.
// dsn is a modernc.org/sqlite data source such as "file:maintask.db" or
// "file:test?mode=memory&cache=shared".
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// DB exposes the underlying handle, e.g. for tasks that iterate local tables.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity to the database.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// CreateRun inserts a new run in the enqueued state and returns it.
func (s *Store) CreateRun(ctx context.Context, p model.CreateRunParams) (model.Run, error) {
	now := time.Now().UTC()
	run := model.Run{
		ID:        uuid.New(),
		TaskName:  p.TaskName,
		Status:    model.RunStatusEnqueued,
		Arguments: p.Arguments,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if run.Arguments == nil {
		run.Arguments = map[string]string{}
	}
	args, err := json.Marshal(run.Arguments)
	if err != nil {
		return model.Run{}, fmt.Errorf("sqlite: encode arguments: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO maintenance_runs (id, task_name, status, arguments, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.TaskName, string(run.Status), string(args), formatTime(now), formatTime(now),
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("sqlite: create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+storage.RunColumns+` FROM maintenance_runs WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, fmt.Errorf("sqlite: run %s: %w", id, storage.ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("sqlite: get run: %w", err)
	}
	return run, nil
}

// RunStatus reads only the status column.
func (s *Store) RunStatus(ctx context.Context, id uuid.UUID) (model.RunStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM maintenance_runs WHERE id = ?`, id.String()).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("sqlite: run %s: %w", id, storage.ErrNotFound)
		}
		return "", fmt.Errorf("sqlite: read run status: %w", err)
	}
	return model.RunStatus(status), nil
}

// UpdateRun applies u when the run's status is one of from (any status when
// from is empty) and returns the updated row.
func (s *Store) UpdateRun(ctx context.Context, id uuid.UUID, from []model.RunStatus, u model.RunUpdate) (model.Run, error) {
	var args []any
	bind := func(v any) string {
		if t, ok := v.(time.Time); ok {
			v = formatTime(t)
		}
		args = append(args, v)
		return "?"
	}
	set := storage.RunSetClauses(u, time.Now().UTC(), bind, encodeBacktrace)

	q := `UPDATE maintenance_runs SET ` + strings.Join(set, ", ") + ` WHERE id = ` + bind(id.String())
	if len(from) > 0 {
		ph := make([]string, len(from))
		for i, st := range from {
			ph[i] = bind(string(st))
		}
		q += ` AND status IN (` + strings.Join(ph, ", ") + `)`
	}
	q += ` RETURNING ` + storage.RunColumns

	run, err := scanRun(s.db.QueryRowContext(ctx, q, args...))
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, fmt.Errorf("sqlite: update run: %w", err)
	}
	current, serr := s.RunStatus(ctx, id)
	if serr != nil {
		return model.Run{}, serr
	}
	return model.Run{}, fmt.Errorf("sqlite: run %s is %s, want one of %v: %w", id, current, from, storage.ErrStatusConflict)
}

// RecordProgress adds ticks and elapsed running time, storing cursor when
// non-nil.
func (s *Store) RecordProgress(ctx context.Context, id uuid.UUID, ticks int64, elapsed time.Duration, cursor *string) error {
	if ticks < 0 {
		return fmt.Errorf("sqlite: record progress: negative tick count %d", ticks)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE maintenance_runs
		 SET tick_count = tick_count + ?, time_running = time_running + ?,
		     cursor = COALESCE(?, cursor), updated_at = ?
		 WHERE id = ?`,
		ticks, elapsed.Seconds(), cursor, formatTime(time.Now().UTC()), id.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: record progress: %w", err)
	}
	return requireRow(res, id)
}

// AppendOutput appends text to the run's output log.
func (s *Store) AppendOutput(ctx context.Context, id uuid.UUID, text string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE maintenance_runs SET output = COALESCE(output, '') || ?, updated_at = ? WHERE id = ?`,
		text, formatTime(time.Now().UTC()), id.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append output: %w", err)
	}
	return requireRow(res, id)
}

// ListRuns returns runs matching f ordered by created_at DESC plus the total.
func (s *Store) ListRuns(ctx context.Context, f model.RunFilter) ([]model.Run, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	var conds []string
	var args []any
	if f.TaskName != "" {
		conds = append(conds, "task_name = ?")
		args = append(args, f.TaskName)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ", ")+")")
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM maintenance_runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count runs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+storage.RunColumns+` FROM maintenance_runs`+where+
			` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("sqlite: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// PutAttachment stores (or replaces) the attachment for a run.
func (s *Store) PutAttachment(ctx context.Context, a model.Attachment) error {
	if a.ContentType == "" {
		a.ContentType = "text/csv"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO maintenance_run_attachments (run_id, filename, content_type, content, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE
		 SET filename = excluded.filename, content_type = excluded.content_type, content = excluded.content`,
		a.RunID.String(), a.Filename, a.ContentType, a.Content, formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("sqlite: put attachment: %w", err)
	}
	return nil
}

// GetAttachment loads a run's attachment.
func (s *Store) GetAttachment(ctx context.Context, runID uuid.UUID) (model.Attachment, error) {
	var a model.Attachment
	var id, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, filename, content_type, content, created_at
		 FROM maintenance_run_attachments WHERE run_id = ?`, runID.String(),
	).Scan(&id, &a.Filename, &a.ContentType, &a.Content, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Attachment{}, fmt.Errorf("sqlite: attachment for run %s: %w", runID, storage.ErrNotFound)
		}
		return model.Attachment{}, fmt.Errorf("sqlite: get attachment: %w", err)
	}
	if a.RunID, err = uuid.Parse(id); err != nil {
		return model.Attachment{}, fmt.Errorf("sqlite: attachment run id: %w", err)
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return model.Attachment{}, err
	}
	return a, nil
}

// DeleteAttachment removes a run's attachment. Deleting a missing attachment
// is not an error.
func (s *Store) DeleteAttachment(ctx context.Context, runID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM maintenance_run_attachments WHERE run_id = ?`, runID.String()); err != nil {
		return fmt.Errorf("sqlite: delete attachment: %w", err)
	}
	return nil
}

// Attachments returns a row collection over stored attachments in upload
// order. Rows carry run_id and seq only.
func (s *Store) Attachments() iteration.Query {
	return iteration.Query{Pager: s.Pager(), Table: "maintenance_run_attachments", Key: "seq", Columns: []string{"run_id"}}
}

// Pager returns an iteration.Pager reading from this database.
func (s *Store) Pager() iteration.Pager { return pager{db: s.db} }

// Collection returns a row collection over table, ordered by id.
func (s *Store) Collection(table string) iteration.Query {
	return iteration.Query{Pager: s.Pager(), Table: table}
}

type pager struct{ db *sql.DB }

func question(int) string { return "?" }

func (p pager) Page(ctx context.Context, q iteration.Query, after any, limit int) ([]iteration.Row, error) {
	query, args := storage.PageSQL(q, after, limit, question)
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: page %s: %w", q.Table, err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sqlite: page %s: %w", q.Table, err)
	}
	var out []iteration.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sqlite: scan page %s: %w", q.Table, err)
		}
		row := make(iteration.Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (p pager) Count(ctx context.Context, q iteration.Query) (int64, error) {
	query, args := storage.CountSQL(q, question)
	var n int64
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count %s: %w", q.Table, err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (model.Run, error) {
	var (
		r                                  model.Run
		id, status, args, created, updated string
		started, ended, backtrace          sql.NullString
	)
	err := row.Scan(
		&id, &r.TaskName, &status, &r.Cursor, &r.TickCount, &r.TickTotal, &r.TimeRunning,
		&started, &ended, &r.ErrorClass, &r.ErrorMessage, &backtrace, &args,
		&r.Output, &r.JobID, &created, &updated,
	)
	if err != nil {
		return model.Run{}, err
	}
	if r.ID, err = uuid.Parse(id); err != nil {
		return model.Run{}, fmt.Errorf("parse run id: %w", err)
	}
	r.Status = model.RunStatus(status)
	if r.StartedAt, err = parseNullTime(started); err != nil {
		return model.Run{}, err
	}
	if r.EndedAt, err = parseNullTime(ended); err != nil {
		return model.Run{}, err
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return model.Run{}, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return model.Run{}, err
	}
	if backtrace.Valid && backtrace.String != "" {
		if err := json.Unmarshal([]byte(backtrace.String), &r.Backtrace); err != nil {
			return model.Run{}, fmt.Errorf("decode backtrace: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(args), &r.Arguments); err != nil {
		return model.Run{}, fmt.Errorf("decode arguments: %w", err)
	}
	if r.Arguments == nil {
		r.Arguments = map[string]string{}
	}
	return r, nil
}

func encodeBacktrace(bt []string) any {
	if bt == nil {
		return nil
	}
	b, _ := json.Marshal(bt)
	return string(b)
}

func requireRow(res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: run %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
