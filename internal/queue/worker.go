package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ashita-ai/maintask/internal/maintenance"
)

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Queue           string
	Concurrency     int
	ShutdownTimeout time.Duration
}

// Worker performs Run attempts delivered by asynq. Shutting it down cancels
// the context of in-flight attempts so they stop at the next unit boundary
// and re-enqueue themselves.
type Worker struct {
	server *asynq.Server
	job    *maintenance.Job
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewWorker(opt asynq.RedisConnOpt, job *maintenance.Job, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{job: job, logger: logger, ctx: ctx, cancel: cancel}
	w.server = asynq.NewServer(opt, asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          map[string]int{cfg.Queue: 1},
		BaseContext:     func() context.Context { return w.ctx },
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          slogAdapter{logger: logger},
		LogLevel:        asynq.WarnLevel,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			id, _ := asynq.GetTaskID(ctx)
			logger.Error("queue: attempt failed", "task_id", id, "type", task.Type(), "error", err)
		}),
	})
	return w
}

// Handler routes asynq tasks to the Job.
func (w *Worker) Handler() asynq.Handler {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypePerform, w.perform)
	return mux
}

func (w *Worker) perform(ctx context.Context, task *asynq.Task) error {
	var p payload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("queue: decode payload: %w: %w", err, asynq.SkipRetry)
	}
	return w.job.Perform(ctx, p.RunID)
}

// Start begins processing in the background.
func (w *Worker) Start() error {
	if err := w.server.Start(w.Handler()); err != nil {
		return fmt.Errorf("queue: start worker: %w", err)
	}
	w.logger.Info("queue: worker started")
	return nil
}

// Shutdown preempts in-flight attempts and waits for them to return.
func (w *Worker) Shutdown() {
	w.cancel()
	w.server.Shutdown()
	w.logger.Info("queue: worker stopped")
}

// slogAdapter satisfies asynq.Logger.
type slogAdapter struct{ logger *slog.Logger }

func (a slogAdapter) Debug(args ...any) { a.logger.Debug("asynq: " + fmt.Sprint(args...)) }
func (a slogAdapter) Info(args ...any)  { a.logger.Info("asynq: " + fmt.Sprint(args...)) }
func (a slogAdapter) Warn(args ...any)  { a.logger.Warn("asynq: " + fmt.Sprint(args...)) }
func (a slogAdapter) Error(args ...any) { a.logger.Error("asynq: " + fmt.Sprint(args...)) }
func (a slogAdapter) Fatal(args ...any) {
	a.logger.Error("asynq: " + fmt.Sprint(args...))
	os.Exit(1)
}
