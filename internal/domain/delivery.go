package domain

import (
	"encoding/json"
	"math/rand"
	"time"
)

// Delivery statuses. A delivery is terminal when delivered, or when failed
// with no retry scheduled.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
)

// Truncation limits applied before persisting HTTP exchange metadata.
const (
	MaxResponseBodyBytes = 10000
	MaxErrorMessageChars = 1000
)

const maxBackoff = 24 * time.Hour

// Delivery is one persisted attempt to send one event to one subscription,
// including the metadata of the last HTTP exchange. The payload bytes are
// captured at creation and are exactly the bytes that get signed and sent.
type Delivery struct {
	ID              string          `json:"id"`
	SubscriptionID  int64           `json:"subscription_id"`
	EventType       string          `json:"event_type"`
	Payload         json.RawMessage `json:"payload"`
	Status          string          `json:"status"`
	ResponseStatus  *int            `json:"response_status,omitempty"`
	ResponseHeaders json.RawMessage `json:"response_headers,omitempty"`
	ResponseBody    *string         `json:"response_body,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	RetryCount      int             `json:"retry_count"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ScheduleRetry increments the retry count and stamps the next retry time,
// or clears it when retries are exhausted.
func (d *Delivery) ScheduleRetry(maxRetries int) {
	if d.RetryCount < maxRetries {
		d.RetryCount++
		next := time.Now().UTC().Add(RetryDelay(d.RetryCount))
		d.NextRetryAt = &next
	} else {
		d.NextRetryAt = nil
	}
}

// RetryDelay returns the backoff before attempt retryCount, plus jitter.
// The base delay doubles on every other attempt: 30 s, 2 m, 8 m, 32 m, ~2 h,
// capped at 24 h. Jitter is uniform in [0, delay/10].
func RetryDelay(retryCount int) time.Duration {
	backoff := 30 * time.Second << ((retryCount - 1) * 2)
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(backoff)/10 + 1))
	return backoff + jitter
}

// TruncateError bounds an error message to the persisted limit.
func TruncateError(msg string) string {
	if len(msg) > MaxErrorMessageChars {
		return msg[:MaxErrorMessageChars]
	}
	return msg
}
