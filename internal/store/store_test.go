package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeContract runs the Store contract against any implementation.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "policy:org1:a", []byte("A")))
	require.NoError(t, s.Set(ctx, "policy:org1:b", []byte("B")))
	require.NoError(t, s.Set(ctx, "policy:org2:c", []byte("C")))

	v, err := s.Get(ctx, "policy:org1:a")
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), v)

	// Overwrite.
	require.NoError(t, s.Set(ctx, "policy:org1:a", []byte("A2")))
	v, err = s.Get(ctx, "policy:org1:a")
	require.NoError(t, err)
	assert.Equal(t, []byte("A2"), v)

	// Prefix scan is tenant-scoped and sorted.
	kvs, err := s.ScanByPrefix(ctx, "policy:org1:")
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	assert.Equal(t, "policy:org1:a", kvs[0].Key)
	assert.Equal(t, "policy:org1:b", kvs[1].Key)

	kvs, err = s.ScanByPrefix(ctx, "policy:org3:")
	require.NoError(t, err)
	assert.Empty(t, kvs)

	// Delete is idempotent.
	require.NoError(t, s.Delete(ctx, "policy:org1:a"))
	require.NoError(t, s.Delete(ctx, "policy:org1:a"))
	_, err = s.Get(ctx, "policy:org1:a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemory())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	src := []byte("original")
	require.NoError(t, m.Set(ctx, "k", src))
	src[0] = 'X'

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)

	got[0] = 'Y'
	again, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	storeContract(t, NewRedisFromClient(client))
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	storeContract(t, s)
}

func TestMemoryVectorSearch(t *testing.T) {
	ctx := context.Background()
	vs := NewMemoryVector()

	points := []VectorPoint{
		{Key: "chunk:doc1:0", Vector: []float32{1, 0, 0}, Payload: []byte(`{"doc":"doc1"}`)},
		{Key: "chunk:doc2:0", Vector: []float32{0.9, 0.1, 0}},
		{Key: "chunk:doc3:0", Vector: []float32{0, 1, 0}},
	}
	require.NoError(t, vs.Upsert(ctx, "org1", points))
	require.NoError(t, vs.Upsert(ctx, "org2", []VectorPoint{
		{Key: "chunk:other:0", Vector: []float32{1, 0, 0}},
	}))

	matches, err := vs.SearchByVector(ctx, "org1", []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "chunk:doc1:0", matches[0].Key)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
	assert.Equal(t, "chunk:doc2:0", matches[1].Key)
	assert.Greater(t, matches[0].Score, matches[1].Score)
	assert.Equal(t, []byte(`{"doc":"doc1"}`), matches[0].Payload)

	// Tenant isolation: org2's point never shows up in org1 searches.
	for _, m := range matches {
		assert.NotEqual(t, "chunk:other:0", m.Key)
	}

	require.NoError(t, vs.Delete(ctx, "org1", []string{"chunk:doc1:0"}))
	matches, err = vs.SearchByVector(ctx, "org1", []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "chunk:doc2:0", matches[0].Key)
}

func TestMemoryVectorDeterministicTieBreak(t *testing.T) {
	ctx := context.Background()
	vs := NewMemoryVector()

	require.NoError(t, vs.Upsert(ctx, "org1", []VectorPoint{
		{Key: "b", Vector: []float32{1, 0}},
		{Key: "a", Vector: []float32{1, 0}},
	}))

	matches, err := vs.SearchByVector(ctx, "org1", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].Key)
	assert.Equal(t, "b", matches[1].Key)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)

	// Degenerate inputs collapse to zero rather than NaN.
	assert.Zero(t, CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}))
	assert.Zero(t, CosineSimilarity(nil, nil))
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestParseQdrantURL(t *testing.T) {
	host, port, tls, err := parseQdrantURL("https://xyz.cloud.qdrant.io:6333")
	require.NoError(t, err)
	assert.Equal(t, "xyz.cloud.qdrant.io", host)
	assert.Equal(t, 6334, port) // REST port rewritten to gRPC
	assert.True(t, tls)

	host, port, tls, err = parseQdrantURL("http://localhost:6334")
	require.NoError(t, err)
	assert.Equal(t, "localhost", host)
	assert.Equal(t, 6334, port)
	assert.False(t, tls)

	_, _, _, err = parseQdrantURL("://nope")
	assert.Error(t, err)
}
