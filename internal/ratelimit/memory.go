package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket is a single token bucket for one rate-limit key.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter implements Limiter using an in-memory token bucket per key.
//
// Each key gets an independent bucket refilled at the per-minute quota
// rate, with burst capacity equal to the quota. A background goroutine
// evicts stale entries every minute to bound memory.
type MemoryLimiter struct {
	perMinute int
	rate      float64 // tokens added per second
	burst     float64 // maximum tokens (bucket capacity)
	now       func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter allowing perMinute
// requests per key, with bursts up to the full quota.
//
// A background goroutine evicts keys not accessed in the last 10 minutes.
// Call Close to stop it.
func NewMemoryLimiter(perMinute int) *MemoryLimiter {
	m := &MemoryLimiter{
		perMinute: perMinute,
		rate:      float64(perMinute) / 60,
		burst:     float64(perMinute),
		now:       time.Now,
		buckets:   make(map[string]*bucket),
		done:      make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow consumes one token from the bucket for key.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		// First request for this key: start with a full bucket minus one token.
		b = &bucket{tokens: m.burst - 1, lastAccess: now}
		m.buckets[key] = b
		return m.result(true, b, now), nil
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastAccess).Seconds()
	b.tokens += elapsed * m.rate
	if b.tokens > m.burst {
		b.tokens = m.burst
	}
	b.lastAccess = now

	if b.tokens < 1 {
		return m.result(false, b, now), nil
	}
	b.tokens--
	return m.result(true, b, now), nil
}

func (m *MemoryLimiter) result(allowed bool, b *bucket, now time.Time) Result {
	r := Result{
		Allowed:   allowed,
		Limit:     m.perMinute,
		Remaining: int(b.tokens),
		ResetAt:   now,
	}
	if b.tokens < 1 && m.rate > 0 {
		// Seconds until one whole token is available again.
		r.ResetAt = now.Add(time.Duration((1 - b.tokens) / m.rate * float64(time.Second)))
	}
	return r
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts buckets that haven't been accessed recently.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
