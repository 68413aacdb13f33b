// Package maintask is the public API for embedding the maintask server.
//
// Applications register their own maintenance tasks next to the built-in ones
// and run the HTTP control API, the queue worker, or both:
//
//	app, err := maintask.New(
//	    maintask.WithVersion(version),
//	    maintask.WithLogger(logger),
//	    maintask.WithTasks(registerBackfills),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the other way around. Types the
// caller needs (Registry, Args, Run, ...) are re-exported in types.go.
package maintask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/maintask/internal/config"
	"github.com/ashita-ai/maintask/internal/iteration"
	"github.com/ashita-ai/maintask/internal/maintenance"
	"github.com/ashita-ai/maintask/internal/queue"
	"github.com/ashita-ai/maintask/internal/ratelimit"
	"github.com/ashita-ai/maintask/internal/server"
	"github.com/ashita-ai/maintask/internal/storage"
	"github.com/ashita-ai/maintask/internal/storage/sqlite"
	"github.com/ashita-ai/maintask/internal/telemetry"
	"github.com/ashita-ai/maintask/migrations"
	"github.com/ashita-ai/maintask/tasks"
)

// runStore is what both store drivers provide.
type runStore interface {
	tasks.Store
	Ping(ctx context.Context) error
	Pager() iteration.Pager
	Collection(table string) iteration.Query
}

// App is the maintask lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	role         Role
	store        runStore
	closeStore   func()
	driver       string
	client       *queue.Client
	inspector    *asynq.Inspector
	worker       *queue.Worker
	registry     *maintenance.Registry
	runner       *maintenance.Runner
	controls     *maintenance.Controls
	srv          *server.Server
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises maintask. It connects to the run store and Redis, applies
// migrations, registers tasks, and returns a ready-to-run App. It does NOT
// start any goroutines or accept connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{role: RoleAll}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("maintask starting", "version", version, "role", o.role, "port", cfg.Port)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
		Role:        string(o.role),
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &App{
		cfg:          cfg,
		role:         o.role,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}
	if err := a.openStore(ctx); err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}

	redisOpt, err := queue.ParseRedisURL(cfg.RedisURL)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.client = queue.NewClient(redisOpt, cfg.Queue)
	a.inspector = asynq.NewInspector(redisOpt)

	a.controls = maintenance.NewControls(a.store, cfg.StuckTaskDuration, logger)
	a.registry = maintenance.NewRegistry()
	if err := tasks.Register(a.registry, tasks.Deps{
		Store:      a.store,
		Controls:   a.controls,
		StuckAfter: cfg.StuckTaskDuration,
		Logger:     logger,
		Inspector:  a.inspector,
		Queue:      a.client.Queue(),
	}); err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("built-in tasks: %w", err)
	}
	env := TaskEnv{store: a.store, Logger: logger}
	for i, register := range o.taskRegistrars {
		if err := register(a.registry, env); err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("tasks[%d]: %w", i, err)
		}
	}
	a.registry.Seal()
	logger.Info("tasks registered", "count", a.registry.Len())

	a.runner = maintenance.NewRunner(a.store, a.registry, a.client, logger)

	jobOpts := []maintenance.JobOption{
		maintenance.WithTickerDelay(cfg.TickerDelay),
		maintenance.WithMaxRuntime(cfg.MaxRuntime),
		maintenance.WithParallelLimit(cfg.ParallelLimit),
	}
	if o.reporter != nil {
		jobOpts = append(jobOpts, maintenance.WithReporter(o.reporter))
	}
	job := maintenance.NewJob(a.store, a.registry, a.client, logger, jobOpts...)

	if a.role.runsWorker() {
		a.worker = queue.NewWorker(redisOpt, job, queue.WorkerConfig{
			Queue:           cfg.Queue,
			Concurrency:     cfg.Concurrency,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, logger)
	}
	if a.role.runsServer() {
		a.limiter = newLimiter(cfg, redisOpt)
		a.srv = server.New(server.ServerConfig{
			Store:               a.store,
			Registry:            a.registry,
			Runner:              a.runner,
			Controls:            a.controls,
			Logger:              logger,
			Queue:               queue.NewHealth(a.inspector),
			RateLimiter:         a.limiter,
			Port:                cfg.Port,
			ReadTimeout:         cfg.ReadTimeout,
			WriteTimeout:        cfg.WriteTimeout,
			Version:             version,
			Driver:              a.driver,
			MaxRequestBodyBytes: cfg.MaxRequestBodySize,
			MaxUploadBytes:      cfg.MaxUploadBytes,
		})
	}
	return a, nil
}

// openStore selects the embedded SQLite store for sqlite: URLs and Postgres
// otherwise.
func (a *App) openStore(ctx context.Context) error {
	if path, ok := a.cfg.SQLitePath(); ok {
		s, err := sqlite.Open(ctx, "file:"+path, a.logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.store, a.driver = s, "sqlite"
		a.closeStore = func() { _ = s.Close() }
		return nil
	}

	db, err := storage.New(ctx, a.cfg.DatabaseURL, a.logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		return fmt.Errorf("migrations: %w", err)
	}
	a.store, a.driver = db, "postgres"
	a.closeStore = db.Close
	return nil
}

// newLimiter picks the rate limiter for mutating API requests. The Redis
// backend shares the queue's Redis so limits hold across API instances.
func newLimiter(cfg config.Config, redisOpt asynq.RedisConnOpt) ratelimit.Limiter {
	if cfg.RateLimit == 0 {
		return ratelimit.NoopLimiter{}
	}
	if cfg.RateLimitBackend == "redis" {
		if client, ok := redisOpt.MakeRedisClient().(redis.UniversalClient); ok {
			return ratelimit.NewRedisLimiter(client, "", cfg.RateLimit, time.Minute)
		}
	}
	return ratelimit.NewMemoryLimiter(float64(cfg.RateLimit)/60, cfg.RateLimit)
}

// Run starts the worker and the HTTP server according to the App's role,
// then blocks until ctx is cancelled or a fatal error occurs. On return,
// Shutdown has been called.
func (a *App) Run(ctx context.Context) error {
	if a.worker == nil && a.srv == nil {
		return fmt.Errorf("maintask: role %q runs nothing", a.role)
	}

	if a.worker != nil {
		if err := a.worker.Start(); err != nil {
			_ = a.Shutdown(context.Background())
			return err
		}
	}

	errCh := make(chan error, 1)
	if a.srv != nil {
		go func() {
			if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown performs a two-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight ones,
// (2) preempt in-flight attempts, which checkpoint and re-enqueue themselves.
// It then closes the queue client, the store, and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("maintask shutting down")

	// Phase 1: HTTP drain.
	if a.srv != nil {
		httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
		if err := a.srv.Shutdown(httpCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
		}
		httpCancel()
	}

	// Phase 2: worker drain. Attempts need the queue client to re-enqueue.
	if a.worker != nil {
		a.worker.Shutdown()
	}

	a.close(ctx)
	a.logger.Info("maintask stopped")
	return nil
}

// Close releases connections without running the shutdown phases. Use it
// for Apps that were never Run, such as one-shot CLI commands.
func (a *App) Close() {
	a.close(context.Background())
}

func (a *App) close(ctx context.Context) {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.inspector != nil {
		_ = a.inspector.Close()
	}
	if a.client != nil {
		_ = a.client.Close()
	}
	if a.closeStore != nil {
		a.closeStore()
	}
	if err := a.otelShutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown", "error", err)
	}
}

// Tasks returns the catalog of registered tasks, sorted by name.
func (a *App) Tasks() []TaskInfo { return a.registry.Catalog() }

// Task returns one task's description.
func (a *App) Task(name string) (TaskInfo, error) {
	def, err := a.registry.Lookup(name)
	if err != nil {
		return TaskInfo{}, err
	}
	return def.Info(), nil
}

// StartRun creates a Run and enqueues its first attempt.
func (a *App) StartRun(ctx context.Context, req RunRequest) (Run, error) {
	return a.runner.Run(ctx, req)
}

// GetRun loads a Run by id.
func (a *App) GetRun(ctx context.Context, id uuid.UUID) (Run, error) {
	return a.store.GetRun(ctx, id)
}

// ListRuns returns one page of a task's run history and the total count.
// Runs of tasks that are no longer registered are included.
func (a *App) ListRuns(ctx context.Context, f RunFilter) ([]Run, int, error) {
	return a.store.ListRuns(ctx, f)
}

// PauseRun pauses a Run, or asks its running attempt to pause.
func (a *App) PauseRun(ctx context.Context, id uuid.UUID) (Run, error) {
	return a.controls.Pause(ctx, id)
}

// ResumeRun moves a paused Run back onto the queue.
func (a *App) ResumeRun(ctx context.Context, id uuid.UUID) (Run, error) {
	return a.runner.Resume(ctx, id)
}

// CancelRun cancels a Run, or asks its running attempt to cancel.
func (a *App) CancelRun(ctx context.Context, id uuid.UUID) (Run, error) {
	return a.controls.Cancel(ctx, id)
}

// Handler returns the HTTP handler, or nil when the role serves no API.
func (a *App) Handler() http.Handler {
	if a.srv == nil {
		return nil
	}
	return a.srv.Handler()
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
