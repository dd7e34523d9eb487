// Package store provides the persistence collaborators for the gateway.
//
// The core never talks to a database directly: policies, webhook endpoints,
// alert rules, audit chains, and document metadata go through the Store
// key/value contract, and chunk embeddings go through VectorStore. Four
// Store implementations ship here — in-memory (tests and dev), Redis,
// Postgres, and embedded sqlite — plus in-memory and Qdrant vector stores.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("store: key not found")

// KV is one key/value pair from a prefix scan.
type KV struct {
	Key   string
	Value []byte
}

// Store is the injected persistence contract. Keys are opaque strings;
// callers namespace them ("policy:<org>:<id>", "audit:<org>:<seq>", ...).
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, overwriting any existing value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// ScanByPrefix returns all pairs whose key starts with prefix,
	// sorted ascending by key.
	ScanByPrefix(ctx context.Context, prefix string) ([]KV, error)
}

// VectorPoint is one embedded item in a VectorStore.
type VectorPoint struct {
	Key     string
	Vector  []float32
	Payload []byte
}

// VectorMatch is a similarity search hit.
type VectorMatch struct {
	Key     string
	Score   float64
	Payload []byte
}

// VectorStore is the Store contract extended with vector similarity
// search. Points are namespaced per tenant; namespaces are independent
// (no cross-tenant search).
type VectorStore interface {
	// Upsert inserts or replaces points in a namespace.
	Upsert(ctx context.Context, namespace string, points []VectorPoint) error

	// Delete removes the points with the given keys from a namespace.
	// Missing keys are ignored.
	Delete(ctx context.Context, namespace string, keys []string) error

	// SearchByVector returns up to limit points in the namespace ordered
	// by descending cosine similarity to the query vector.
	SearchByVector(ctx context.Context, namespace string, vector []float32, limit int) ([]VectorMatch, error)
}
