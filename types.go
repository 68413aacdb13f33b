package maintask

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/maintask/internal/iteration"
	"github.com/ashita-ai/maintask/internal/maintenance"
	"github.com/ashita-ai/maintask/internal/model"
)

// Task building blocks. These alias the engine's types so embedders can
// register tasks without importing internal packages.
type (
	Task       = maintenance.Task
	Collector  = maintenance.Collector
	Counter    = maintenance.Counter
	Args       = maintenance.Args
	Registry   = maintenance.Registry
	Definition = maintenance.Definition
	TaskOption = maintenance.Option
	Reporter   = maintenance.Reporter
	RunRequest = maintenance.RunRequest
	CSVUpload  = maintenance.CSVUpload
)

// Collections.
type (
	NoCollection       = iteration.NoCollection
	ArrayCollection    = iteration.ArrayCollection
	RowCollection      = iteration.RowCollection
	RowBatchCollection = iteration.RowBatchCollection
	CSVCollection      = iteration.CSVCollection
	CSVBatchCollection = iteration.CSVBatchCollection
	CSVOptions         = iteration.CSVOptions
	Query              = iteration.Query
	Row                = iteration.Row
	Record             = iteration.Record
)

// Runs and the task catalog.
type (
	Run       = model.Run
	RunStatus = model.RunStatus
	RunFilter = model.RunFilter
	TaskInfo  = model.TaskInfo
	ParamSpec = model.ParamSpec
	ParamType = model.ParamType
)

const (
	ParamString = model.ParamString
	ParamInt    = model.ParamInt
	ParamFloat  = model.ParamFloat
	ParamBool   = model.ParamBool
	ParamTime   = model.ParamTime
	ParamEnum   = model.ParamEnum
)

// Register adds a task to r. factory builds one Task per attempt from the
// Run's validated arguments.
func Register[T Task](r *Registry, name string, factory func(Args) (T, error), opts ...TaskOption) (*Definition, error) {
	return maintenance.Register(r, name, factory, opts...)
}

// Task options.
var (
	WithCollection  = maintenance.WithCollection
	WithParams      = maintenance.WithParams
	WithDescription = maintenance.WithDescription
	WithThrottle    = maintenance.WithThrottle
	Parallel        = maintenance.Parallel
	Extends         = maintenance.Extends
)

// AppendOutput appends text to the output of the Run being processed.
func AppendOutput(ctx context.Context, text string) error {
	return maintenance.AppendOutput(ctx, text)
}

// TaskEnv is handed to task registrars. It exposes the run store's
// relations so tasks can iterate tables in the same database.
type TaskEnv struct {
	store  runStore
	Logger *slog.Logger
}

// Table returns a keyset query over table, ordered by key.
func (e TaskEnv) Table(table, key string) Query {
	q := e.store.Collection(table)
	if key != "" {
		q.Key = key
	}
	return q
}

// Role selects which processes an App runs.
type Role string

const (
	RoleAll    Role = "all"
	RoleServer Role = "server"
	RoleWorker Role = "worker"
)

func (r Role) runsServer() bool { return r == RoleAll || r == RoleServer }
func (r Role) runsWorker() bool { return r == RoleAll || r == RoleWorker }

// ParseRole validates a role name; the empty string means RoleAll.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case "", RoleAll:
		return RoleAll, nil
	case RoleServer, RoleWorker:
		return Role(s), nil
	}
	return "", fmt.Errorf("maintask: unknown role %q (want all, server or worker)", s)
}
