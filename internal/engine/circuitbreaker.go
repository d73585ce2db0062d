package engine

import (
	"log/slog"
	"sync"
	"time"
)

// Circuit breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// CircuitBreaker tracks consecutive failures for one subscription.
// State transitions: closed → open → half_open → closed.
//
// - Closed: normal operation, failures are counted.
// - Open: all deliveries are rejected until the recovery timeout elapses.
// - HalfOpen: one probe is admitted; success closes, failure re-opens.
//
// State lives in process memory only. Every process starts closed; failures
// observed anywhere are persisted on the delivery rows, so retries from any
// process converge on the same outcome.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            string
	failureCount     int
	lastFailureAt    time.Time
	failureThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time
}

// BreakerStats is a point-in-time snapshot for the admin surface and CLI.
type BreakerStats struct {
	State              string  `json:"state"`
	FailureCount       int     `json:"failure_count"`
	LastFailureAt      *string `json:"last_failure_at,omitempty"`
	TimeUntilRetrySecs float64 `json:"time_until_retry_seconds"`
}

func newCircuitBreaker(threshold int, recovery time.Duration, now func() time.Time) *CircuitBreaker {
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: threshold,
		recoveryTimeout:  recovery,
		now:              now,
	}
}

// CanExecute reports whether a delivery attempt may proceed. An open breaker
// whose recovery timeout has elapsed transitions to half_open and admits the
// call as its probe.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailureAt) >= cb.recoveryTimeout {
			cb.state = StateHalfOpen
			return true
		}
		return false
	default: // closed or half_open
		return true
	}
}

// RecordSuccess resets the failure count. A successful half_open probe
// closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	if cb.state == StateHalfOpen {
		cb.state = StateClosed
	}
}

// RecordFailure counts a failed attempt. A failed half_open probe re-opens
// the circuit; reaching the threshold opens it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureAt = cb.now()

	if cb.state == StateHalfOpen {
		cb.state = StateOpen
	} else if cb.failureCount >= cb.failureThreshold {
		cb.state = StateOpen
	}
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failureCount = 0
	cb.lastFailureAt = time.Time{}
}

func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := BreakerStats{
		State:        cb.state,
		FailureCount: cb.failureCount,
	}
	if !cb.lastFailureAt.IsZero() {
		ts := cb.lastFailureAt.UTC().Format(time.RFC3339)
		stats.LastFailureAt = &ts
		if remaining := cb.recoveryTimeout - cb.now().Sub(cb.lastFailureAt); remaining > 0 && cb.state == StateOpen {
			stats.TimeUntilRetrySecs = remaining.Seconds()
		}
	}
	return stats
}

// BreakerRegistry lazily creates one breaker per subscription id.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[int64]*CircuitBreaker

	failureThreshold int
	recoveryTimeout  time.Duration
	logger           *slog.Logger
	now              func() time.Time
}

func NewBreakerRegistry(threshold int, recovery time.Duration, logger *slog.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		breakers:         make(map[int64]*CircuitBreaker),
		failureThreshold: threshold,
		recoveryTimeout:  recovery,
		logger:           logger,
		now:              time.Now,
	}
}

// Get returns the breaker for a subscription, creating it closed on first use.
func (r *BreakerRegistry) Get(subscriptionID int64) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[subscriptionID]
	if !ok {
		cb = newCircuitBreaker(r.failureThreshold, r.recoveryTimeout, r.now)
		r.breakers[subscriptionID] = cb
	}
	return cb
}

// Reset closes the breaker for a subscription.
func (r *BreakerRegistry) Reset(subscriptionID int64) {
	r.Get(subscriptionID).Reset()
	r.logger.Info("circuit breaker reset", "subscription_id", subscriptionID)
}

// Stats returns a snapshot of the breaker for a subscription.
func (r *BreakerRegistry) Stats(subscriptionID int64) BreakerStats {
	return r.Get(subscriptionID).Stats()
}
