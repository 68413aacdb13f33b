package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/maintask/internal/model"
)

// CreateRun inserts a new run in the enqueued state and returns it.
func (db *DB) CreateRun(ctx context.Context, p model.CreateRunParams) (model.Run, error) {
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
		return model.Run{}, fmt.Errorf("storage: encode arguments: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO maintenance_runs (id, task_name, status, arguments, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.TaskName, string(run.Status), args, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+RunColumns+` FROM maintenance_runs WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// RunStatus reads only the status column, always from the primary.
func (db *DB) RunStatus(ctx context.Context, id uuid.UUID) (model.RunStatus, error) {
	var status string
	err := db.pool.QueryRow(ctx, `SELECT status FROM maintenance_runs WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return "", fmt.Errorf("storage: read run status: %w", err)
	}
	return model.RunStatus(status), nil
}

// UpdateRun applies u to the run when its current status is one of from (any
// status when from is empty) and returns the updated row.
func (db *DB) UpdateRun(ctx context.Context, id uuid.UUID, from []model.RunStatus, u model.RunUpdate) (model.Run, error) {
	args := []any{id}
	bind := func(v any) string {
		args = append(args, v)
		return Dollar(len(args))
	}
	set := RunSetClauses(u, time.Now().UTC(), bind, func(bt []string) any { return bt })

	sql := `UPDATE maintenance_runs SET ` + strings.Join(set, ", ") + ` WHERE id = $1`
	if len(from) > 0 {
		sql += ` AND status = ANY(` + bind(StatusStrings(from)) + `)`
	}
	sql += ` RETURNING ` + RunColumns

	var run model.Run
	err := WithRetry(ctx, 3, 20*time.Millisecond, func() error {
		var err error
		run, err = scanRun(db.pool.QueryRow(ctx, sql, args...))
		return err
	})
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, fmt.Errorf("storage: update run: %w", err)
	}
	current, serr := db.RunStatus(ctx, id)
	if serr != nil {
		return model.Run{}, serr
	}
	return model.Run{}, fmt.Errorf("storage: run %s is %s, want one of %v: %w", id, current, from, ErrStatusConflict)
}

// RecordProgress adds ticks and elapsed running time to the run and stores
// cursor when non-nil. Tick counts only ever grow.
func (db *DB) RecordProgress(ctx context.Context, id uuid.UUID, ticks int64, elapsed time.Duration, cursor *string) error {
	if ticks < 0 {
		return fmt.Errorf("storage: record progress: negative tick count %d", ticks)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE maintenance_runs
		 SET tick_count = tick_count + $2,
		     time_running = time_running + $3,
		     cursor = COALESCE($4, cursor),
		     updated_at = $5
		 WHERE id = $1`,
		id, ticks, elapsed.Seconds(), cursor, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: record progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendOutput appends text to the run's output log.
func (db *DB) AppendOutput(ctx context.Context, id uuid.UUID, text string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE maintenance_runs SET output = COALESCE(output, '') || $2, updated_at = $3 WHERE id = $1`,
		id, text, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: append output: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListRuns returns runs matching f ordered by created_at DESC, with the total
// number of matching rows.
func (db *DB) ListRuns(ctx context.Context, f model.RunFilter) ([]model.Run, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	var conds []string
	var args []any
	if f.TaskName != "" {
		args = append(args, f.TaskName)
		conds = append(conds, fmt.Sprintf("task_name = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		args = append(args, StatusStrings(f.Statuses))
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM maintenance_runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	rows, err := db.pool.Query(ctx,
		`SELECT `+RunColumns+` FROM maintenance_runs`+where+
			fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// PutAttachment stores (or replaces) the attachment for a run.
func (db *DB) PutAttachment(ctx context.Context, a model.Attachment) error {
	if a.ContentType == "" {
		a.ContentType = "text/csv"
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO maintenance_run_attachments (run_id, filename, content_type, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (run_id) DO UPDATE
		 SET filename = EXCLUDED.filename, content_type = EXCLUDED.content_type, content = EXCLUDED.content`,
		a.RunID, a.Filename, a.ContentType, a.Content, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: put attachment: %w", err)
	}
	return nil
}

// GetAttachment loads a run's attachment, content included.
func (db *DB) GetAttachment(ctx context.Context, runID uuid.UUID) (model.Attachment, error) {
	var a model.Attachment
	err := db.pool.QueryRow(ctx,
		`SELECT run_id, filename, content_type, content, created_at
		 FROM maintenance_run_attachments WHERE run_id = $1`, runID,
	).Scan(&a.RunID, &a.Filename, &a.ContentType, &a.Content, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Attachment{}, fmt.Errorf("storage: attachment for run %s: %w", runID, ErrNotFound)
		}
		return model.Attachment{}, fmt.Errorf("storage: get attachment: %w", err)
	}
	return a, nil
}

// DeleteAttachment removes a run's attachment. Deleting a missing attachment
// is not an error.
func (db *DB) DeleteAttachment(ctx context.Context, runID uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM maintenance_run_attachments WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("storage: delete attachment: %w", err)
	}
	return nil
}

func scanRun(row pgx.Row) (model.Run, error) {
	var r model.Run
	var status string
	var args []byte
	err := row.Scan(
		&r.ID, &r.TaskName, &status, &r.Cursor, &r.TickCount, &r.TickTotal, &r.TimeRunning,
		&r.StartedAt, &r.EndedAt, &r.ErrorClass, &r.ErrorMessage, &r.Backtrace, &args,
		&r.Output, &r.JobID, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return model.Run{}, err
	}
	r.Status = model.RunStatus(status)
	if len(args) > 0 {
		if err := json.Unmarshal(args, &r.Arguments); err != nil {
			return model.Run{}, fmt.Errorf("decode arguments: %w", err)
		}
	}
	if r.Arguments == nil {
		r.Arguments = map[string]string{}
	}
	return r, nil
}
