package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const queueKey = "webhook_delivery_queue"

// Task is one unit of work for the pool: deliver one delivery. Attempt
// counts the task runtime's own invocations, which is independent of the
// delivery's retry_count (that one tracks scheduled delivery retries).
type Task struct {
	DeliveryID string `json:"delivery_id"`
	Attempt    int    `json:"attempt"`
}

// Queue is a Redis-backed delayed task queue. Tasks live in a sorted set
// scored by ready time, so delayed re-enqueues and immediate work share one
// structure. Claiming is atomic: whoever ZRems the member owns the task.
type Queue struct {
	client *redis.Client
}

func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Enqueue schedules the first runtime attempt for a delivery.
func (q *Queue) Enqueue(ctx context.Context, deliveryID string, readyAt time.Time) error {
	return q.push(ctx, Task{DeliveryID: deliveryID, Attempt: 1}, readyAt)
}

// Requeue schedules a further runtime attempt, keeping the task's attempt
// counter.
func (q *Queue) Requeue(ctx context.Context, task Task, readyAt time.Time) error {
	return q.push(ctx, task, readyAt)
}

func (q *Queue) push(ctx context.Context, task Task, readyAt time.Time) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshaling task: %w", err)
	}
	err = q.client.ZAdd(ctx, queueKey, redis.Z{
		Score:  float64(readyAt.UnixMicro()),
		Member: string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("queuing task: %w", err)
	}
	return nil
}

// Claim fetches up to limit ready tasks and atomically removes them from the
// queue. Tasks another consumer removed first are skipped.
func (q *Queue) Claim(ctx context.Context, limit int64) ([]Task, error) {
	now := float64(time.Now().UnixMicro())

	members, err := q.client.ZRangeByScore(ctx, queueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(now, 'f', -1, 64),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("polling task queue: %w", err)
	}

	tasks := []Task{}
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, queueKey, member).Result()
		if err != nil {
			return nil, fmt.Errorf("claiming task: %w", err)
		}
		if removed == 0 {
			continue
		}

		var task Task
		if err := json.Unmarshal([]byte(member), &task); err != nil {
			// Poison member is already removed; skip it
			continue
		}
		tasks = append(tasks, task)
	}

	return tasks, nil
}

// Depth returns the number of tasks waiting in the queue, ready or delayed.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, queueKey).Result()
}
