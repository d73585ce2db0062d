package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/metabrainz/webhook-engine/internal/engine"
)

type fakeDeliverer struct {
	mu     sync.Mutex
	result *engine.Result
	err    error
	calls  int
}

func (f *fakeDeliverer) Deliver(ctx context.Context, deliveryID string) (*engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func (f *fakeDeliverer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeReconcileStore struct {
	reconciled []string
	lastMsg    string
	err        error
}

func (f *fakeReconcileStore) ReconcileFailure(ctx context.Context, id, errMsg string, maxRetries int) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.reconciled = append(f.reconciled, id)
	f.lastMsg = errMsg
	return true, nil
}

func newTestRunner(t *testing.T, deliverer *fakeDeliverer, store *fakeReconcileStore) (*Runner, *Queue) {
	t.Helper()
	q, _ := newTestQueue(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRunner(deliverer, q, store, logger, 5), q
}

func TestRunnerCleanResultNotRetried(t *testing.T) {
	// A clean failure result means the engine already scheduled the next
	// delivery retry on the row; the runtime must not re-enqueue.
	deliverer := &fakeDeliverer{result: &engine.Result{DeliveryID: "d-1", WillRetry: true}}
	store := &fakeReconcileStore{}
	r, q := newTestRunner(t, deliverer, store)

	r.Run(context.Background(), Task{DeliveryID: "d-1", Attempt: 1})

	depth, _ := q.Depth(context.Background())
	if depth != 0 {
		t.Errorf("clean result must not be re-enqueued, depth = %d", depth)
	}
	if len(store.reconciled) != 0 {
		t.Error("clean result must not be reconciled")
	}
}

func TestRunnerDropsNotFound(t *testing.T) {
	for _, cause := range []error{engine.ErrDeliveryNotFound, engine.ErrSubscriptionNotFound} {
		deliverer := &fakeDeliverer{err: fmt.Errorf("loading: %w", cause)}
		store := &fakeReconcileStore{}
		r, q := newTestRunner(t, deliverer, store)

		r.Run(context.Background(), Task{DeliveryID: "d-1", Attempt: 1})

		depth, _ := q.Depth(context.Background())
		if depth != 0 {
			t.Errorf("%v: task must be dropped, depth = %d", cause, depth)
		}
		if len(store.reconciled) != 0 {
			t.Errorf("%v: task must not be reconciled", cause)
		}
	}
}

func TestRunnerRateLimitedRequeued(t *testing.T) {
	deliverer := &fakeDeliverer{err: engine.ErrRateLimited}
	store := &fakeReconcileStore{}
	r, q := newTestRunner(t, deliverer, store)

	r.Run(context.Background(), Task{DeliveryID: "d-1", Attempt: 1})

	depth, _ := q.Depth(context.Background())
	if depth != 1 {
		t.Fatalf("rate limited task should be requeued, depth = %d", depth)
	}

	// The requeued task carries the incremented attempt and becomes ready
	// after about a second.
	time.Sleep(1100 * time.Millisecond)
	tasks, err := q.Claim(context.Background(), 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 ready task, got %d", len(tasks))
	}
	if tasks[0].Attempt != 2 {
		t.Errorf("attempt = %d, want 2", tasks[0].Attempt)
	}
}

func TestRunnerInfraErrorRequeued(t *testing.T) {
	deliverer := &fakeDeliverer{err: errors.New("database is down")}
	store := &fakeReconcileStore{}
	r, q := newTestRunner(t, deliverer, store)

	r.Run(context.Background(), Task{DeliveryID: "d-1", Attempt: 1})

	depth, _ := q.Depth(context.Background())
	if depth != 1 {
		t.Errorf("infra error should requeue, depth = %d", depth)
	}

	// The delay is at least infraRetryBase, so it is not claimable now.
	tasks, _ := q.Claim(context.Background(), 10)
	if len(tasks) != 0 {
		t.Error("infra retry must be delayed, not immediately ready")
	}
}

func TestRunnerReconcilesAfterMaxAttempts(t *testing.T) {
	deliverer := &fakeDeliverer{err: errors.New("database is down")}
	store := &fakeReconcileStore{}
	r, q := newTestRunner(t, deliverer, store)

	r.Run(context.Background(), Task{DeliveryID: "d-1", Attempt: 3})

	depth, _ := q.Depth(context.Background())
	if depth != 0 {
		t.Errorf("exhausted task must not be requeued, depth = %d", depth)
	}
	if len(store.reconciled) != 1 || store.reconciled[0] != "d-1" {
		t.Fatalf("reconciled = %v", store.reconciled)
	}
	if store.lastMsg != "Unexpected error: database is down" {
		t.Errorf("reconcile message = %q", store.lastMsg)
	}
}

func TestRunnerRetriesInProgressThenReconciles(t *testing.T) {
	// A row stuck in processing is retried with a delay so a live worker
	// can finish; when the task attempts run out it is reconciled, never
	// silently dropped.
	deliverer := &fakeDeliverer{err: fmt.Errorf("delivery d-1: %w", engine.ErrDeliveryInProgress)}
	store := &fakeReconcileStore{}
	r, q := newTestRunner(t, deliverer, store)

	r.Run(context.Background(), Task{DeliveryID: "d-1", Attempt: 1})

	depth, _ := q.Depth(context.Background())
	if depth != 1 {
		t.Fatalf("in-progress task should be requeued, depth = %d", depth)
	}
	tasks, _ := q.Claim(context.Background(), 10)
	if len(tasks) != 0 {
		t.Error("in-progress retry must be delayed, not immediately ready")
	}
	if len(store.reconciled) != 0 {
		t.Error("first attempt must not reconcile")
	}

	r.Run(context.Background(), Task{DeliveryID: "d-1", Attempt: 3})

	if len(store.reconciled) != 1 || store.reconciled[0] != "d-1" {
		t.Fatalf("reconciled = %v", store.reconciled)
	}
	if store.lastMsg != "Unexpected error: delivery d-1: delivery already in progress" {
		t.Errorf("reconcile message = %q", store.lastMsg)
	}
}

func TestRunnerSkippedResultIsQuiet(t *testing.T) {
	deliverer := &fakeDeliverer{result: &engine.Result{DeliveryID: "d-1", Skipped: true}}
	store := &fakeReconcileStore{}
	r, q := newTestRunner(t, deliverer, store)

	r.Run(context.Background(), Task{DeliveryID: "d-1", Attempt: 1})

	depth, _ := q.Depth(context.Background())
	if depth != 0 || len(store.reconciled) != 0 {
		t.Error("skipped result must not requeue or reconcile")
	}
}
