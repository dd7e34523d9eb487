package store

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store for tests and single-node dev deployments.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get returns the value for key, or ErrNotFound.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set stores value under key.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.mu.Lock()
	m.data[key] = cp
	m.mu.Unlock()
	return nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// ScanByPrefix returns all pairs under prefix, sorted by key.
func (m *Memory) ScanByPrefix(_ context.Context, prefix string) ([]KV, error) {
	m.mu.RLock()
	var out []KV
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			cp := make([]byte, len(v))
			copy(cp, v)
			out = append(out, KV{Key: k, Value: cp})
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// MemoryVector is an exact-cosine in-process VectorStore. Fine for tens of
// thousands of chunks; larger corpora should use the Qdrant index.
type MemoryVector struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]VectorPoint
}

// NewMemoryVector creates an empty in-memory vector store.
func NewMemoryVector() *MemoryVector {
	return &MemoryVector{namespaces: make(map[string]map[string]VectorPoint)}
}

// Upsert inserts or replaces points in a namespace.
func (m *MemoryVector) Upsert(_ context.Context, namespace string, points []VectorPoint) error {
	m.mu.Lock()
	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = make(map[string]VectorPoint)
		m.namespaces[namespace] = ns
	}
	for _, p := range points {
		ns[p.Key] = p
	}
	m.mu.Unlock()
	return nil
}

// Delete removes the points with the given keys from a namespace.
func (m *MemoryVector) Delete(_ context.Context, namespace string, keys []string) error {
	m.mu.Lock()
	if ns, ok := m.namespaces[namespace]; ok {
		for _, k := range keys {
			delete(ns, k)
		}
		if len(ns) == 0 {
			delete(m.namespaces, namespace)
		}
	}
	m.mu.Unlock()
	return nil
}

// SearchByVector scans every point in the namespace and returns the limit
// best cosine matches, descending.
func (m *MemoryVector) SearchByVector(_ context.Context, namespace string, vector []float32, limit int) ([]VectorMatch, error) {
	if limit <= 0 {
		limit = 10
	}

	m.mu.RLock()
	ns := m.namespaces[namespace]
	matches := make([]VectorMatch, 0, len(ns))
	for k, p := range ns {
		matches = append(matches, VectorMatch{
			Key:     k,
			Score:   CosineSimilarity(vector, p.Vector),
			Payload: p.Payload,
		})
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Key < matches[j].Key
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Returns 0 for mismatched lengths or zero-magnitude vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
