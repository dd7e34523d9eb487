package embedding

import (
	"container/list"
	"context"
	"encoding/base64"
	"sync"
)

// cacheKeyLen bounds cache keys: long texts hash down to their prefix,
// which keeps memory flat and is collision-safe enough for a memo cache.
const cacheKeyLen = 64

// DefaultCacheSize is the entry cap for the embed memo cache.
const DefaultCacheSize = 10_000

// Cached wraps a Provider with a concurrent LRU memoizing per-text vectors,
// so re-ingesting a document or repeating a query skips the API round trip.
type Cached struct {
	inner Provider

	mu      sync.Mutex
	maxSize int
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

type cacheEntry struct {
	key string
	vec []float32
}

// NewCached wraps inner with an LRU of maxSize entries.
func NewCached(inner Provider, maxSize int) *Cached {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &Cached{
		inner:   inner,
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Dimensions returns the inner provider's vector size.
func (c *Cached) Dimensions() int {
	return c.inner.Dimensions()
}

func cacheKey(text string) string {
	k := base64.StdEncoding.EncodeToString([]byte(text))
	if len(k) > cacheKeyLen {
		k = k[:cacheKeyLen]
	}
	return k
}

func (c *Cached) lookup(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).vec, true
}

func (c *Cached) insert(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).vec = vec
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, vec: vec})
	if c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Len reports the current number of cached vectors.
func (c *Cached) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Embed returns the cached vector for text, or delegates and memoizes.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch serves what it can from cache and delegates only the misses,
// preserving input order in the result.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int
	for i, t := range texts {
		if vec, ok := c.lookup(cacheKey(t)); ok {
			out[i] = vec
			continue
		}
		missTexts = append(missTexts, t)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		i := missIdx[j]
		out[i] = vec
		c.insert(cacheKey(texts[i]), vec)
	}
	return out, nil
}
