package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/maintask"
)

var (
	serveRole   string
	runArgs     []string
	runCSV      string
	runsStatus  []string
	runsLimit   int
	runsOffset  int
	showVersion bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control API and the queue worker",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&serveRole, "role", "all", "processes to run: all, server or worker")
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "tasks",
		Short: "List registered tasks",
		Args:  cobra.NoArgs,
		RunE:  runTasks,
	})

	runCmd := &cobra.Command{
		Use:   "run TASK",
		Short: "Start a Run of a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringArrayVar(&runArgs, "arg", nil, "task argument as name=value (repeatable)")
	runCmd.Flags().StringVar(&runCSV, "csv", "", "CSV file for tasks that iterate an upload")
	rootCmd.AddCommand(runCmd)

	runsCmd := &cobra.Command{
		Use:   "runs TASK",
		Short: "List Runs of a task, newest first",
		Args:  cobra.ExactArgs(1),
		RunE:  runRuns,
	}
	runsCmd.Flags().StringSliceVar(&runsStatus, "status", nil, "filter by status (comma-separated)")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs")
	runsCmd.Flags().IntVar(&runsOffset, "offset", 0, "number of runs to skip")
	rootCmd.AddCommand(runsCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a Run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	})

	for _, c := range []struct {
		use, short string
		action     controlAction
	}{
		{"pause", "Pause a Run", (*maintask.App).PauseRun},
		{"resume", "Resume a paused or interrupted Run", (*maintask.App).ResumeRun},
		{"cancel", "Cancel a Run", (*maintask.App).CancelRun},
	} {
		rootCmd.AddCommand(&cobra.Command{
			Use:   c.use + " RUN_ID",
			Short: c.short,
			Args:  cobra.ExactArgs(1),
			RunE:  controlCommand(c.action),
		})
	}

	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print the version and exit")
	rootCmd.RunE = func(cmd *cobra.Command, _ []string) error {
		if showVersion {
			fmt.Println(version)
			return nil
		}
		return cmd.Help()
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	role, err := maintask.ParseRole(serveRole)
	if err != nil {
		return err
	}
	app, err := newApp(role, true)
	if err != nil {
		return err
	}
	return app.Run(cmd.Context())
}

// withApp opens an App that is never Run and closes it afterwards.
func withApp(fn func(app *maintask.App) error) error {
	app, err := newApp(maintask.RoleServer, false)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}

func runTasks(_ *cobra.Command, _ []string) error {
	return withApp(func(app *maintask.App) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCOLLECTION\tPARALLEL\tPARAMS\tDESCRIPTION")
		for _, t := range app.Tasks() {
			params := make([]string, 0, len(t.Params))
			for _, p := range t.Params {
				params = append(params, p.Name+":"+string(p.Type))
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", t.Name, t.Collection, t.Parallel, strings.Join(params, ","), t.Description)
		}
		return w.Flush()
	})
}

func runRun(cmd *cobra.Command, args []string) error {
	req := maintask.RunRequest{TaskName: args[0], Arguments: map[string]string{}}
	for _, kv := range runArgs {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return fmt.Errorf("--arg %q: want name=value", kv)
		}
		req.Arguments[name] = value
	}
	if runCSV != "" {
		content, err := os.ReadFile(runCSV)
		if err != nil {
			return fmt.Errorf("read csv: %w", err)
		}
		req.CSV = &maintask.CSVUpload{Filename: filepath.Base(runCSV), ContentType: "text/csv", Content: content}
	}

	return withApp(func(app *maintask.App) error {
		run, err := app.StartRun(cmd.Context(), req)
		if err != nil {
			return err
		}
		return printJSON(run)
	})
}

func runRuns(cmd *cobra.Command, args []string) error {
	filter := maintask.RunFilter{TaskName: args[0], Limit: runsLimit, Offset: runsOffset}
	for _, s := range runsStatus {
		filter.Statuses = append(filter.Statuses, maintask.RunStatus(strings.TrimSpace(s)))
	}

	return withApp(func(app *maintask.App) error {
		runs, total, err := app.ListRuns(cmd.Context(), filter)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tTICKS\tCREATED")
		for _, r := range runs {
			ticks := fmt.Sprint(r.TickCount)
			if r.TickTotal != nil {
				ticks += "/" + fmt.Sprint(*r.TickTotal)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Status, ticks, r.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("%d of %d runs\n", len(runs), total)
		return nil
	})
}

func runShow(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid run id %q", args[0])
	}
	return withApp(func(app *maintask.App) error {
		run, err := app.GetRun(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(run)
	})
}

type controlAction func(app *maintask.App, ctx context.Context, id uuid.UUID) (maintask.Run, error)

func controlCommand(action controlAction) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid run id %q", args[0])
		}
		return withApp(func(app *maintask.App) error {
			run, err := action(app, cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", run.ID, run.Status)
			return nil
		})
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
