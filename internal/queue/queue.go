// Package queue connects Runs to the asynq queueing substrate: a Client that
// enqueues Run attempts and a Worker that performs them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/ashita-ai/maintask/internal/maintenance"
)

// TypePerform is the asynq task type for Run attempts.
const TypePerform = "maintask:perform"

// DefaultQueue is used when no queue name is configured.
const DefaultQueue = "maintenance"

type payload struct {
	RunID uuid.UUID `json:"run_id"`
}

// ParseRedisURL parses a redis:// or rediss:// URL into connection options.
func ParseRedisURL(url string) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(url)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	return opt, nil
}

// Client enqueues Run attempts. It implements maintenance.Enqueuer.
type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(opt asynq.RedisConnOpt, queue string) *Client {
	if queue == "" {
		queue = DefaultQueue
	}
	return &Client{client: asynq.NewClient(opt), queue: queue}
}

// Enqueue submits one attempt of the Run. Attempts are never retried by the
// queue; failures are recorded on the Run instead.
func (c *Client) Enqueue(ctx context.Context, runID uuid.UUID) (string, error) {
	b, err := json.Marshal(payload{RunID: runID})
	if err != nil {
		return "", fmt.Errorf("queue: encode payload: %w", err)
	}
	task := asynq.NewTask(TypePerform, b)
	info, err := c.client.EnqueueContext(ctx, task, asynq.Queue(c.queue), asynq.MaxRetry(0))
	if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
		return "", fmt.Errorf("%w: %w", maintenance.ErrEnqueueRejected, err)
	}
	if err != nil {
		return "", fmt.Errorf("queue: enqueue run %s: %w", runID, err)
	}
	return info.ID, nil
}

// Queue is the queue attempts are sent to.
func (c *Client) Queue() string { return c.queue }

func (c *Client) Close() error { return c.client.Close() }

// LatencyAbove returns a throttle condition that holds while the oldest
// pending task of queue has waited longer than d. Inspection errors never
// throttle.
func LatencyAbove(inspector *asynq.Inspector, queue string, d time.Duration) func(ctx context.Context) bool {
	return func(context.Context) bool {
		info, err := inspector.GetQueueInfo(queue)
		if err != nil {
			return false
		}
		return info.Latency > d
	}
}

// Health reports queue reachability for health checks.
type Health struct {
	inspector *asynq.Inspector
}

func NewHealth(inspector *asynq.Inspector) Health { return Health{inspector: inspector} }

// Ping lists queues, which round-trips to Redis.
func (h Health) Ping(context.Context) error {
	if _, err := h.inspector.Queues(); err != nil {
		return fmt.Errorf("queue: ping: %w", err)
	}
	return nil
}
