package engine

import (
	"net/http"
	"time"
)

// NewHTTPClient builds the process-wide pooled client used for all webhook
// POSTs. Redirects are never followed: a 3xx is recorded as a failed attempt.
// Retries are the scheduler's job, so the client performs none of its own.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
