package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/maintask"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	databaseURL string
	redisURL    string
	rootCmd     = &cobra.Command{
		Use:   "maintask",
		Short: "Resumable maintenance task runner",
		Long: `maintask runs registered maintenance tasks as resumable Runs on an asynq
queue. "serve" starts the HTTP control API and the worker; the other
commands inspect and control Runs directly against the run store.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "run store URL (overrides DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", "", "Redis URL (overrides REDIS_URL)")
}

func main() {
	os.Exit(run0())
}

func run0() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// newLogger writes JSON logs to w. MAINTASK_LOG_LEVEL=debug lowers the level;
// operator commands only log warnings so their stdout stays parseable.
func newLogger(serving bool) *slog.Logger {
	level := slog.LevelInfo
	if !serving {
		level = slog.LevelWarn
	}
	if os.Getenv("MAINTASK_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	w := os.Stdout
	if !serving {
		w = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// newApp builds an App for the given role with the command-line overrides.
func newApp(role maintask.Role, serving bool) (*maintask.App, error) {
	return maintask.New(
		maintask.WithVersion(version),
		maintask.WithLogger(newLogger(serving)),
		maintask.WithRole(role),
		maintask.WithDatabaseURL(databaseURL),
		maintask.WithRedisURL(redisURL),
	)
}
