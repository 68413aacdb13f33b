// Package tasks holds the maintenance tasks shipped with maintask. They keep
// the run store itself healthy and double as worked examples of each
// collection kind.
package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/ashita-ai/maintask/internal/iteration"
	"github.com/ashita-ai/maintask/internal/maintenance"
)

// Task names.
const (
	Heartbeat           = "heartbeat"
	CancelStuckRuns     = "cancel_stuck_runs"
	CancelRunsFromCSV   = "cancel_runs_from_csv"
	PurgeAttachments    = "purge_attachments"
	DefaultQueueLatency = 5 * time.Second
)

// Store is the run store as seen by the built-in tasks.
type Store interface {
	maintenance.Store
	DeleteAttachment(ctx context.Context, runID uuid.UUID) error
	Attachments() iteration.Query
}

// Deps are the services the built-in tasks act on.
type Deps struct {
	Store      Store
	Controls   *maintenance.Controls
	StuckAfter time.Duration
	Logger     *slog.Logger

	// Inspector and Queue enable the queue-latency throttle on
	// purge_attachments. Inspector may be nil.
	Inspector    *asynq.Inspector
	Queue        string
	QueueLatency time.Duration
}

// Register adds every built-in task to r.
func Register(r *maintenance.Registry, d Deps) error {
	if d.StuckAfter <= 0 {
		d.StuckAfter = maintenance.DefaultStuckAfter
	}
	if d.QueueLatency <= 0 {
		d.QueueLatency = DefaultQueueLatency
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	for _, register := range []func(*maintenance.Registry, Deps) error{
		registerHeartbeat,
		registerCancelStuckRuns,
		registerCancelRunsFromCSV,
		registerPurgeAttachments,
	} {
		if err := register(r, d); err != nil {
			return err
		}
	}
	return nil
}
