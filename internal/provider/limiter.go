package provider

import (
	"strconv"
	"sync"
	"time"
)

// Limiter tracks a provider's per-minute request and token budget. It is
// seeded from config and corrected from response headers whenever the
// provider reports authoritative remaining counts.
type Limiter struct {
	mu sync.Mutex

	rpm int // requests per minute; 0 disables request accounting
	tpm int // tokens per minute; 0 disables token accounting

	requestsLeft int
	tokensLeft   int
	resetAt      time.Time

	now func() time.Time
}

// NewLimiter creates a limiter with full budgets.
func NewLimiter(requestsPerMinute, tokensPerMinute int) *Limiter {
	l := &Limiter{rpm: requestsPerMinute, tpm: tokensPerMinute, now: time.Now}
	l.refillLocked(l.now())
	return l
}

func (l *Limiter) refillLocked(now time.Time) {
	l.requestsLeft = l.rpm
	l.tokensLeft = l.tpm
	l.resetAt = now.Add(time.Minute)
}

// Reserve consumes one request and the estimated tokens, returning
// RateLimitedError when the minute's budget is exhausted.
func (l *Limiter) Reserve(providerName string, tokens int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if !now.Before(l.resetAt) {
		l.refillLocked(now)
	}

	if (l.rpm > 0 && l.requestsLeft <= 0) || (l.tpm > 0 && l.tokensLeft < tokens) {
		return &RateLimitedError{Provider: providerName, RetryAfter: l.resetAt.Sub(now)}
	}
	if l.rpm > 0 {
		l.requestsLeft--
	}
	if l.tpm > 0 {
		l.tokensLeft -= tokens
	}
	return nil
}

// Observe replaces local accounting with the provider's reported remaining
// counts. Negative values leave the corresponding budget untouched.
func (l *Limiter) Observe(requestsRemaining, tokensRemaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rpm > 0 && requestsRemaining >= 0 {
		l.requestsLeft = requestsRemaining
	}
	if l.tpm > 0 && tokensRemaining >= 0 {
		l.tokensLeft = tokensRemaining
	}
	if !resetAt.IsZero() {
		l.resetAt = resetAt
	}
}

// Status returns the current remaining budget.
func (l *Limiter) Status() RateLimitStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.now().Before(l.resetAt) {
		l.refillLocked(l.now())
	}
	return RateLimitStatus{
		RequestsRemaining: l.requestsLeft,
		TokensRemaining:   l.tokensLeft,
		ResetAt:           l.resetAt,
	}
}

// headerInt parses a numeric rate-limit header, returning -1 when absent
// or malformed so Observe skips it.
func headerInt(value string) int {
	if value == "" {
		return -1
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return -1
	}
	return n
}
