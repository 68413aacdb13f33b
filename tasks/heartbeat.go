package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/maintask/internal/maintenance"
	"github.com/ashita-ai/maintask/internal/model"
)

// heartbeat proves the worker pipeline end to end: it has a single unit that
// writes a line to the run output.
type heartbeat struct {
	message string
	now     func() time.Time
}

func (h heartbeat) Process(ctx context.Context, _ any) error {
	return maintenance.AppendOutput(ctx, fmt.Sprintf("%s %s\n", h.now().UTC().Format(time.RFC3339), h.message))
}

func registerHeartbeat(r *maintenance.Registry, _ Deps) error {
	msg := "ok"
	_, err := maintenance.Register(r, Heartbeat,
		func(args maintenance.Args) (heartbeat, error) {
			return heartbeat{message: args.String("message"), now: time.Now}, nil
		},
		maintenance.WithDescription("Writes a timestamped line to the run output."),
		maintenance.WithParams(model.ParamSpec{
			Name:    "message",
			Type:    model.ParamString,
			Default: &msg,
		}),
	)
	return err
}
