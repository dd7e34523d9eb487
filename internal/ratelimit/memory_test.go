package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-ai/aegis/internal/model"
)

func testLimiter(t *testing.T, perMinute int) (*MemoryLimiter, *time.Time) {
	t.Helper()
	m := NewMemoryLimiter(perMinute)
	t.Cleanup(func() { _ = m.Close() })

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestAllowWithinBurst(t *testing.T) {
	ctx := context.Background()
	m, _ := testLimiter(t, 3)

	for i := range 3 {
		r, err := m.Allow(ctx, "org:acme")
		require.NoError(t, err)
		assert.True(t, r.Allowed, "request %d is within the burst", i)
		assert.Equal(t, 3, r.Limit)
	}

	r, err := m.Allow(ctx, "org:acme")
	require.NoError(t, err)
	assert.False(t, r.Allowed)
	assert.Zero(t, r.Remaining)
	assert.True(t, r.ResetAt.After(m.now()), "reset points at the next token")
}

func TestRefillOverTime(t *testing.T) {
	ctx := context.Background()
	m, now := testLimiter(t, 60) // one token per second

	for range 60 {
		_, err := m.Allow(ctx, "org:acme")
		require.NoError(t, err)
	}
	r, err := m.Allow(ctx, "org:acme")
	require.NoError(t, err)
	assert.False(t, r.Allowed)

	*now = now.Add(2 * time.Second)
	r, err = m.Allow(ctx, "org:acme")
	require.NoError(t, err)
	assert.True(t, r.Allowed, "two seconds refill two tokens at 60/min")
}

func TestKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	m, _ := testLimiter(t, 1)

	r, err := m.Allow(ctx, "org:a")
	require.NoError(t, err)
	assert.True(t, r.Allowed)

	r, err = m.Allow(ctx, "org:a")
	require.NoError(t, err)
	assert.False(t, r.Allowed)

	r, err = m.Allow(ctx, "org:b")
	require.NoError(t, err)
	assert.True(t, r.Allowed, "another tenant has its own bucket")
}

func TestEvictStale(t *testing.T) {
	ctx := context.Background()
	m, now := testLimiter(t, 5)

	_, err := m.Allow(ctx, "org:old")
	require.NoError(t, err)

	*now = now.Add(staleThreshold + time.Minute)
	_, err = m.Allow(ctx, "org:new")
	require.NoError(t, err)
	m.evictStale()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "org:old")
	assert.Contains(t, m.buckets, "org:new")
}

func TestMiddleware(t *testing.T) {
	m, _ := testLimiter(t, 1)
	var served int
	handler := Middleware(m,
		func(r *http.Request) string { return r.Header.Get("X-Org") },
		func(*http.Request) string { return "req-test" },
	)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		w.WriteHeader(http.StatusOK)
	}))

	do := func(org string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		if org != "" {
			req.Header.Set("X-Org", org)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := do("acme")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = do("acme")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	var envelope model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, model.ErrCodeRateLimited, envelope.Error.Code)
	assert.Equal(t, "req-test", envelope.Meta.RequestID)

	// Requests without a key skip the limiter.
	rec = do("")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, served)
}

func TestNoopLimiter(t *testing.T) {
	r, err := NoopLimiter{}.Allow(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, r.Allowed)
	require.NoError(t, NoopLimiter{}.Close())
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	assert.Equal(t, "203.0.113.7", IPKeyFunc(req))
}
