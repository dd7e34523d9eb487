// Package resilience carries the gateway's response cache, in-flight
// deduplication, and per-provider circuit breakers.
package resilience

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegis-ai/aegis/internal/model"
)

// DefaultCacheTTL is how long completed responses stay cacheable.
const DefaultCacheTTL = time.Hour

// ErrCacheMiss is returned by backends for absent or expired keys.
var ErrCacheMiss = errors.New("resilience: cache miss")

// CacheBackend stores serialized responses with a TTL. Redis in
// production, in-memory otherwise.
type CacheBackend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// cacheKeyPayload is the canonical identity of a completion: anything not
// in here must not affect the upstream result.
type cacheKeyPayload struct {
	OrgID       string              `json:"orgId"`
	Model       string              `json:"model"`
	Messages    []model.ChatMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens"`
}

// CacheKey derives the deterministic cache key for a request. Defaults are
// baked in so explicitly passing temperature 0.7 and omitting it collide,
// as they should.
func CacheKey(orgID string, req *model.ChatRequest) string {
	payload, _ := json.Marshal(cacheKeyPayload{
		OrgID:       orgID,
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.EffectiveTemperature(),
		MaxTokens:   req.EffectiveMaxTokens(),
	})
	sum := sha256.Sum256(payload)
	return "cache:" + hex.EncodeToString(sum[:])
}

// Cacheable reports whether a request may be served from or written to the
// cache. Streams are never cached; neither are high-temperature requests,
// whose sampling variance is the caller's point.
func Cacheable(req *model.ChatRequest) bool {
	return !req.Stream && req.EffectiveTemperature() <= 1.0
}

// ResponseCache memoizes completed chat responses.
type ResponseCache struct {
	backend CacheBackend
	ttl     time.Duration
	logger  *slog.Logger
}

// NewResponseCache creates a cache with the given backend. ttl <= 0 takes
// the default hour.
func NewResponseCache(backend CacheBackend, ttl time.Duration, logger *slog.Logger) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ResponseCache{backend: backend, ttl: ttl, logger: logger}
}

// Lookup returns the cached response for a request, or nil on miss. Backend
// failures degrade to a miss.
func (c *ResponseCache) Lookup(ctx context.Context, orgID string, req *model.ChatRequest) *model.ChatResponse {
	if !Cacheable(req) {
		return nil
	}
	raw, err := c.backend.Get(ctx, CacheKey(orgID, req))
	if errors.Is(err, ErrCacheMiss) {
		return nil
	}
	if err != nil {
		c.logger.Warn("resilience: cache lookup failed", "error", err)
		return nil
	}
	var resp model.ChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.logger.Warn("resilience: undecodable cache entry", "error", err)
		return nil
	}
	return &resp
}

// Store writes a response for future lookups. Best-effort: failures log
// and move on.
func (c *ResponseCache) Store(ctx context.Context, orgID string, req *model.ChatRequest, resp *model.ChatResponse) {
	if !Cacheable(req) {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		c.logger.Warn("resilience: cache encode failed", "error", err)
		return
	}
	if err := c.backend.Set(ctx, CacheKey(orgID, req), raw, c.ttl); err != nil {
		c.logger.Warn("resilience: cache store failed", "error", err)
	}
}

// MemoryCache is an in-process CacheBackend with lazy expiry.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryCacheEntry
	now     func() time.Time
}

type memoryCacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache creates an empty in-memory cache backend.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryCacheEntry), now: time.Now}
}

// Get returns the value for key, or ErrCacheMiss.
func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	if m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil, ErrCacheMiss
	}
	return e.value, nil
}

// Set stores value under key for ttl.
func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	m.entries[key] = memoryCacheEntry{value: value, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// Prune drops expired entries. Called from a background loop so the map
// does not grow unbounded between lookups.
func (m *MemoryCache) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	dropped := 0
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
			dropped++
		}
	}
	return dropped
}

// RedisCache is a CacheBackend on a shared Redis, letting gateway replicas
// serve each other's cached completions.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps a connected Redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get returns the value for key, or ErrCacheMiss.
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("resilience: redis get: %w", err)
	}
	return v, nil
}

// Set stores value under key with ttl.
func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("resilience: redis set: %w", err)
	}
	return nil
}
