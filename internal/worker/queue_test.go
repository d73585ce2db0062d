package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewQueue(client), mr
}

func TestQueueEnqueueClaim(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "d-1", time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "d-2", time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	tasks, err := q.Claim(ctx, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}

	seen := map[string]bool{}
	for _, task := range tasks {
		seen[task.DeliveryID] = true
		if task.Attempt != 1 {
			t.Errorf("task %s attempt = %d, want 1", task.DeliveryID, task.Attempt)
		}
	}
	if !seen["d-1"] || !seen["d-2"] {
		t.Errorf("claimed tasks = %v", seen)
	}

	// Claimed tasks are gone
	again, err := q.Claim(ctx, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected empty queue, got %d tasks", len(again))
	}
}

func TestQueueDelayedTaskNotReady(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "d-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	tasks, err := q.Claim(ctx, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("delayed task should not be claimable yet, got %d", len(tasks))
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("depth = %d, want 1", depth)
	}
}

func TestQueueDelayedTaskBecomesReady(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "d-1", time.Now().Add(50*time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	tasks, err := q.Claim(ctx, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 ready task, got %d", len(tasks))
	}
	if tasks[0].DeliveryID != "d-1" {
		t.Errorf("delivery id = %q", tasks[0].DeliveryID)
	}
}

func TestQueueRequeueKeepsAttempt(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Requeue(ctx, Task{DeliveryID: "d-1", Attempt: 3}, time.Now()); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	tasks, err := q.Claim(ctx, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if tasks[0].Attempt != 3 {
		t.Errorf("attempt = %d, want 3", tasks[0].Attempt)
	}
}

func TestQueueClaimRespectsLimit(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"d-1", "d-2", "d-3", "d-4", "d-5"} {
		if err := q.Enqueue(ctx, id, time.Now()); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	tasks, err := q.Claim(ctx, 2)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("expected 2 tasks, got %d", len(tasks))
	}

	depth, _ := q.Depth(ctx)
	if depth != 3 {
		t.Errorf("remaining depth = %d, want 3", depth)
	}
}

func TestQueueSkipsPoisonMembers(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	mr.ZAdd(queueKey, 0, "not json")
	if err := q.Enqueue(ctx, "d-1", time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	tasks, err := q.Claim(ctx, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(tasks) != 1 || tasks[0].DeliveryID != "d-1" {
		t.Errorf("tasks = %v", tasks)
	}

	// Poison member was removed, not left to loop forever
	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Errorf("depth = %d, want 0", depth)
	}
}
