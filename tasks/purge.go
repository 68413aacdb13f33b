package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/maintask/internal/iteration"
	"github.com/ashita-ai/maintask/internal/maintenance"
	"github.com/ashita-ai/maintask/internal/model"
	"github.com/ashita-ai/maintask/internal/queue"
)

const purgeBatchSize = 100

// purgeAttachments deletes uploaded files of runs that finished more than
// older_than_days ago. Batches are processed in parallel.
type purgeAttachments struct {
	d      Deps
	cutoff time.Time
}

func (t purgeAttachments) Collection(context.Context) (any, error) {
	return t.d.Store.Attachments(), nil
}

func (t purgeAttachments) Process(ctx context.Context, item any) error {
	row := item.(iteration.Row)
	id, err := rowUUID(row["run_id"])
	if err != nil {
		return fmt.Errorf("purge_attachments: %w", err)
	}
	run, err := t.d.Store.GetRun(ctx, id)
	if err != nil {
		return fmt.Errorf("purge_attachments: load run %s: %w", id, err)
	}
	if !run.Status.IsTerminal() || run.EndedAt == nil || !run.EndedAt.Before(t.cutoff) {
		return nil
	}
	return t.d.Store.DeleteAttachment(ctx, id)
}

// rowUUID reads a uuid column as returned by either store driver.
func rowUUID(v any) (uuid.UUID, error) {
	switch id := v.(type) {
	case [16]byte:
		return uuid.UUID(id), nil
	case uuid.UUID:
		return id, nil
	case string:
		return uuid.Parse(id)
	case []byte:
		return uuid.ParseBytes(id)
	}
	return uuid.Nil, fmt.Errorf("unexpected run_id type %T", v)
}

func registerPurgeAttachments(r *maintenance.Registry, d Deps) error {
	days := "30"
	opts := []maintenance.Option{
		maintenance.WithDescription("Deletes CSV uploads of runs that finished before the retention window."),
		maintenance.WithCollection(iteration.RowBatchCollection{BatchSize: purgeBatchSize}),
		maintenance.Parallel(),
		maintenance.WithParams(model.ParamSpec{
			Name:        "older_than_days",
			Type:        model.ParamInt,
			Default:     &days,
			Description: "Retention window in days.",
		}),
	}
	if d.Inspector != nil {
		opts = append(opts, maintenance.WithThrottle("queue_latency",
			queue.LatencyAbove(d.Inspector, d.Queue, d.QueueLatency), 0))
	}

	_, err := maintenance.Register(r, PurgeAttachments,
		func(args maintenance.Args) (purgeAttachments, error) {
			n, err := args.Int("older_than_days")
			if err != nil {
				return purgeAttachments{}, err
			}
			if n < 0 {
				return purgeAttachments{}, fmt.Errorf("older_than_days must not be negative")
			}
			cutoff := time.Now().UTC().Add(-time.Duration(n) * 24 * time.Hour)
			return purgeAttachments{d: d, cutoff: cutoff}, nil
		},
		opts...,
	)
	return err
}
