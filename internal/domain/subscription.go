package domain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Event types that subscriptions can receive. The set is closed: emitting
// or subscribing to anything else is rejected.
const (
	EventUserCreated  = "user.created"
	EventUserUpdated  = "user.updated"
	EventUserVerified = "user.verified"
	EventUserDeleted  = "user.deleted"
)

// SecretPrefix is prepended to every auto-generated subscription secret.
const SecretPrefix = "mebw_"

// EventTypes returns all valid event types.
func EventTypes() []string {
	return []string{EventUserCreated, EventUserUpdated, EventUserVerified, EventUserDeleted}
}

// IsValidEventType reports whether s is a member of the event enumeration.
func IsValidEventType(s string) bool {
	switch s {
	case EventUserCreated, EventUserUpdated, EventUserVerified, EventUserDeleted:
		return true
	}
	return false
}

// Subscription is a configured subscriber endpoint together with the event
// types it wants and the HMAC secret used to sign deliveries. The secret is
// never serialized; it is returned to the operator exactly once at creation.
type Subscription struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SignPayload computes the lowercase hex HMAC-SHA256 of payload under the
// subscription secret. The caller must pass the exact bytes that go on the
// wire.
func (s *Subscription) SignPayload(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// HasEvent reports whether the subscription is subscribed to eventType.
func (s *Subscription) HasEvent(eventType string) bool {
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

type CreateSubscriptionRequest struct {
	Name   string   `json:"name"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type UpdateSubscriptionRequest struct {
	Name     *string   `json:"name,omitempty"`
	URL      *string   `json:"url,omitempty"`
	Events   *[]string `json:"events,omitempty"`
	IsActive *bool     `json:"is_active,omitempty"`
}

// CreateSubscriptionResponse is the only place the secret is ever emitted.
type CreateSubscriptionResponse struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Secret string `json:"secret"`
}

// ValidateEndpointURL enforces the scheme rules for subscription endpoints:
// absolute http(s) URLs only, and plain http only for loopback or RFC1918
// hosts.
func ValidateEndpointURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" {
		return fmt.Errorf("URL must include a protocol (http:// or https://)")
	}
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("invalid URL protocol %q: only http and https are allowed", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return fmt.Errorf("URL must include a hostname")
	}
	if scheme == "http" && !isPrivateHost(parsed.Hostname()) {
		return fmt.Errorf("non-private URLs must use https")
	}
	return nil
}

func isPrivateHost(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	ip := net.ParseIP(hostname)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

// ValidateEvents checks that events is a non-empty subset of the event
// enumeration.
func ValidateEvents(events []string) error {
	if len(events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	for _, e := range events {
		if !IsValidEventType(e) {
			return fmt.Errorf("unknown event type %q", e)
		}
	}
	return nil
}
