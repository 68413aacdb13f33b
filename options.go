package maintask

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port           int
	databaseURL    string
	redisURL       string
	logger         *slog.Logger
	version        string
	role           Role
	reporter       Reporter
	taskRegistrars []TaskRegistrar
}

// TaskRegistrar registers application tasks on the shared Registry.
type TaskRegistrar func(r *Registry, env TaskEnv) error

// WithPort overrides the TCP port from config (MAINTASK_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the run store from config (DATABASE_URL env var).
// A sqlite:<path> URL selects the embedded store.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithRedisURL overrides the queue connection from config (REDIS_URL env var).
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithRole limits Run to the HTTP API or the queue worker. Defaults to RoleAll.
func WithRole(role Role) Option {
	return func(o *resolvedOptions) { o.role = role }
}

// WithReporter receives attempt failures after they are persisted on the Run.
// Only the last call wins.
func WithReporter(r Reporter) Option {
	return func(o *resolvedOptions) { o.reporter = r }
}

// WithTasks registers application tasks. Multiple registrars may be given;
// they run in order after the built-in tasks, before the registry is sealed.
func WithTasks(fn TaskRegistrar) Option {
	return func(o *resolvedOptions) { o.taskRegistrars = append(o.taskRegistrars, fn) }
}
