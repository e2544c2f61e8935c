// Package journal streams task status transitions to Redis for external
// observability and replay tooling. It is a fire-and-forget outbound feed;
// the broker never reads it back.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/edenvr/genq/internal/task"
)

// Stream is the Redis stream the journal appends to.
const Stream = "genq:task-log"

type Journal struct {
	client *redis.Client
	ctx    context.Context
}

func New(redisAddr string) (*Journal, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Journal{
		client: client,
		ctx:    ctx,
	}, nil
}

// StatusLogged implements task.LogObserver. Publish failures are logged and
// never propagate into the scheduling path.
func (j *Journal) StatusLogged(taskID string, entry task.LogEntry) {
	values := map[string]any{
		"task_id": taskID,
		"status":  entry.Status.String(),
		"time":    entry.Time.UnixMilli(),
	}
	if len(entry.Payload) > 0 {
		payload, err := json.Marshal(entry.Payload)
		if err == nil {
			values["payload"] = string(payload)
		}
	}

	if err := j.client.XAdd(j.ctx, &redis.XAddArgs{
		Stream: Stream,
		Values: values,
	}).Err(); err != nil {
		log.Printf("journal: failed to publish status for task %s: %v", taskID, err)
	}
}

func (j *Journal) Close() error {
	return j.client.Close()
}
