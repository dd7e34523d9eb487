package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoHealthyProvider is returned when no adapter can serve a model,
// whether because nothing routes to it or the routed provider is down.
var ErrNoHealthyProvider = errors.New("provider: no healthy provider for model")

// RateLimitedError is returned when a provider's budget is exhausted,
// either locally (token bucket) or upstream (HTTP 429).
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("provider: %s rate limited, retry after %s", e.Provider, e.RetryAfter)
}

// UpstreamError is a non-2xx response from a provider API.
type UpstreamError struct {
	Provider string
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("provider: %s returned status %d: %s", e.Provider, e.Status, e.Body)
}

// Retryable reports whether the failure is worth retrying.
func (e *UpstreamError) Retryable() bool {
	return e.Status >= 500
}
