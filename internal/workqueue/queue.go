// Package workqueue implements the Redis-backed task queue that chains
// silver runs behind bronze extractions, plus the worker pool that
// drains it through the job guard.
package workqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "pipeline:queue:"

// Task is one unit of queued work.
type Task struct {
	JobName    string    `json:"job_name"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is a reliable Redis list queue. Dequeue moves a task into a
// per-consumer processing list so a crashed worker leaves its in-flight
// tasks recoverable via Reclaim instead of losing them.
type Queue struct {
	client   redis.UniversalClient
	name     string
	consumer string
	now      func() time.Time
}

// QueueOptions configures a Queue.
type QueueOptions struct {
	Client redis.UniversalClient
	// Name identifies the queue; every producer and consumer of the same
	// logical queue must agree on it.
	Name string
	// Consumer identifies this process's processing list. Required for
	// Dequeue/Ack/Reclaim, unused by pure producers.
	Consumer string
	// Now may be nil for the system clock.
	Now func() time.Time
}

// NewQueue creates a Queue from options.
func NewQueue(opts QueueOptions) (*Queue, error) {
	if opts.Client == nil {
		return nil, errors.New("workqueue: redis client is required")
	}
	if strings.TrimSpace(opts.Name) == "" {
		return nil, errors.New("workqueue: queue name is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Queue{
		client:   opts.Client,
		name:     opts.Name,
		consumer: opts.Consumer,
		now:      now,
	}, nil
}

func (q *Queue) pendingKey() string {
	return keyPrefix + q.name
}

func (q *Queue) processingKey() string {
	return keyPrefix + q.name + ":processing:" + q.consumer
}

// Enqueue pushes a task for jobName onto the queue.
func (q *Queue) Enqueue(ctx context.Context, jobName string) error {
	if strings.TrimSpace(jobName) == "" {
		return errors.New("job name cannot be empty")
	}

	payload, err := json.Marshal(Task{JobName: jobName, EnqueuedAt: q.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.client.LPush(ctx, q.pendingKey(), payload).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for a task, moving it atomically into
// this consumer's processing list. Returns the task plus the raw token
// to Ack with, or (nil, "") when the timeout elapsed empty.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, string, error) {
	if q.consumer == "" {
		return nil, "", errors.New("queue has no consumer identity")
	}

	raw, err := q.client.BLMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("redis blmove: %w", err)
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// A poisoned entry would otherwise wedge the processing list.
		if remErr := q.client.LRem(ctx, q.processingKey(), 1, raw).Err(); remErr != nil {
			return nil, "", fmt.Errorf("redis lrem poisoned entry: %w", remErr)
		}
		return nil, "", fmt.Errorf("decode task: %w", err)
	}
	return &task, raw, nil
}

// Ack removes a completed task from the processing list.
func (q *Queue) Ack(ctx context.Context, token string) error {
	if err := q.client.LRem(ctx, q.processingKey(), 1, token).Err(); err != nil {
		return fmt.Errorf("redis lrem: %w", err)
	}
	return nil
}

// Reclaim moves every task left in this consumer's processing list back
// onto the pending queue. Call it on startup so tasks orphaned by a
// crash of the same consumer identity get re-delivered.
func (q *Queue) Reclaim(ctx context.Context) (int, error) {
	if q.consumer == "" {
		return 0, errors.New("queue has no consumer identity")
	}

	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.processingKey(), q.pendingKey(), "RIGHT", "LEFT").Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return moved, nil
			}
			return moved, fmt.Errorf("redis lmove: %w", err)
		}
		moved++
	}
}

// Depth reports the number of pending tasks.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	depth, err := q.client.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen: %w", err)
	}
	return depth, nil
}
