// Package tasks is the client side of the asynchronous worker queue. The
// consumer enqueues one task per dispatched envelope; execution, retry, and
// failure policy belong to the worker subsystem. Handlers must be idempotent
// on event_id because redelivery can enqueue the same envelope twice.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Task is one unit of work bound for the automation workers.
type Task struct {
	Name    string
	EventID uuid.UUID
	Args    map[string]any
}

// Enqueuer hands tasks to the worker queue. An error means the task was not
// durably enqueued and the triggering message must stay unacknowledged.
type Enqueuer interface {
	Enqueue(ctx context.Context, t Task) error
}

// RedisQueue enqueues tasks onto a Redis stream consumed by the worker fleet.
type RedisQueue struct {
	client redis.Cmdable
	stream string
}

// NewRedisQueue creates a queue client for the given stream.
func NewRedisQueue(client redis.Cmdable, stream string) *RedisQueue {
	return &RedisQueue{client: client, stream: stream}
}

// Enqueue appends the task to the stream. XADD is atomic, so a nil return
// means the task is durably queued and the broker message may be acknowledged.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	args, err := json.Marshal(t.Args)
	if err != nil {
		return fmt.Errorf("marshal task args: %w", err)
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{
			"task":        t.Name,
			"event_id":    t.EventID.String(),
			"args":        args,
			"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", t.Name, err)
	}
	return nil
}
