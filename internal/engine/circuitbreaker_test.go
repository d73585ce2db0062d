package engine

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

// fakeClock lets tests advance breaker time without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, recovery time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return newCircuitBreaker(threshold, recovery, clock.now), clock
}

func TestBreakerStartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(5, time.Minute)

	if !cb.CanExecute() {
		t.Error("new breaker should allow execution")
	}
	if got := cb.Stats().State; got != StateClosed {
		t.Errorf("expected state %q, got %q", StateClosed, got)
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
		if !cb.CanExecute() {
			t.Fatalf("breaker opened after %d failures, threshold is 5", i+1)
		}
	}

	cb.RecordFailure()
	if cb.CanExecute() {
		t.Error("breaker should be open after 5 failures")
	}
	if got := cb.Stats().State; got != StateOpen {
		t.Errorf("expected state %q, got %q", StateOpen, got)
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	cb, _ := newTestBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	cb.RecordSuccess()

	// Counter restarted, so four more failures still don't open it
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	if !cb.CanExecute() {
		t.Error("breaker should still be closed after success reset the count")
	}
}

func TestBreakerHalfOpenAfterRecoveryTimeout(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.CanExecute() {
		t.Fatal("breaker should be open")
	}

	clock.advance(59 * time.Second)
	if cb.CanExecute() {
		t.Error("breaker should stay open before recovery timeout")
	}

	clock.advance(2 * time.Second)
	if !cb.CanExecute() {
		t.Fatal("breaker should admit a probe after recovery timeout")
	}
	if got := cb.Stats().State; got != StateHalfOpen {
		t.Errorf("expected state %q, got %q", StateHalfOpen, got)
	}
}

func TestBreakerHalfOpenProbeSuccessCloses(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	clock.advance(2 * time.Minute)

	if !cb.CanExecute() {
		t.Fatal("probe should be admitted")
	}
	cb.RecordSuccess()

	if got := cb.Stats().State; got != StateClosed {
		t.Errorf("expected state %q, got %q", StateClosed, got)
	}
	if got := cb.Stats().FailureCount; got != 0 {
		t.Errorf("expected failure count 0, got %d", got)
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	clock.advance(2 * time.Minute)

	if !cb.CanExecute() {
		t.Fatal("probe should be admitted")
	}
	cb.RecordFailure()

	if got := cb.Stats().State; got != StateOpen {
		t.Errorf("expected state %q, got %q", StateOpen, got)
	}
	if cb.CanExecute() {
		t.Error("breaker should reject after failed probe")
	}
}

func TestBreakerReset(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.Reset()

	if !cb.CanExecute() {
		t.Error("reset breaker should allow execution")
	}
	stats := cb.Stats()
	if stats.State != StateClosed || stats.FailureCount != 0 {
		t.Errorf("expected closed breaker with zero failures, got %+v", stats)
	}
	if stats.LastFailureAt != nil {
		t.Error("reset should clear last failure time")
	}
}

func TestBreakerStatsTimeUntilRetry(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Minute)

	cb.RecordFailure()
	clock.advance(20 * time.Second)

	stats := cb.Stats()
	if stats.State != StateOpen {
		t.Fatalf("expected open breaker, got %q", stats.State)
	}
	if stats.TimeUntilRetrySecs < 39 || stats.TimeUntilRetrySecs > 41 {
		t.Errorf("expected ~40s until retry, got %v", stats.TimeUntilRetrySecs)
	}
	if stats.LastFailureAt == nil {
		t.Error("expected last failure time to be set")
	}
}

func TestBreakerRegistryIsolatesSubscriptions(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := NewBreakerRegistry(1, time.Minute, logger)

	reg.Get(1).RecordFailure()

	if reg.Get(1).CanExecute() {
		t.Error("breaker for subscription 1 should be open")
	}
	if !reg.Get(2).CanExecute() {
		t.Error("breaker for subscription 2 should be unaffected")
	}

	reg.Reset(1)
	if !reg.Get(1).CanExecute() {
		t.Error("breaker for subscription 1 should be closed after reset")
	}
}
