package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIEmbedBatch(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embeddings", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel = req.Model

		// Respond out of order to verify index-based reassembly.
		resp := map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{0, 1, 0}},
				{"index": 0, "embedding": []float32{1, 0, 0}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewOpenAI("sk-test", "text-embedding-3-small", 3)
	p.SetBaseURL(srv.URL)

	vecs, err := p.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 0, 0}, vecs[0])
	assert.Equal(t, []float32{0, 1, 0}, vecs[1])
	assert.Equal(t, "text-embedding-3-small", gotModel)
}

func TestOpenAIErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	p := NewOpenAI("sk-bad", "text-embedding-3-small", 3)
	p.SetBaseURL(srv.URL)

	_, err := p.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_request_error")
}

func TestPseudoDeterministic(t *testing.T) {
	p := NewPseudo(64)
	ctx := context.Background()

	a1, err := p.Embed(ctx, "the quick brown fox")
	require.NoError(t, err)
	a2, err := p.Embed(ctx, "the quick brown fox")
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	b, err := p.Embed(ctx, "fox brown quick the")
	require.NoError(t, err)
	assert.NotEqual(t, a1, b)
}

func TestPseudoUnitMagnitude(t *testing.T) {
	p := NewPseudo(32)
	for _, text := range []string{"", "x", "a longer piece of text with punctuation!"} {
		vec, err := p.Embed(context.Background(), text)
		require.NoError(t, err)
		require.Len(t, vec, 32)

		var mag float64
		for _, v := range vec {
			mag += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, math.Sqrt(mag), 1e-5, "text %q", text)
	}
}

// countingProvider records how many texts reached the inner provider.
type countingProvider struct {
	inner Provider
	calls int
	texts int
	fail  bool
}

func (c *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *countingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls++
	c.texts += len(texts)
	if c.fail {
		return nil, errors.New("upstream down")
	}
	return c.inner.EmbedBatch(ctx, texts)
}

func (c *countingProvider) Dimensions() int { return c.inner.Dimensions() }

func TestCachedMemoizes(t *testing.T) {
	ctx := context.Background()
	counter := &countingProvider{inner: NewPseudo(16)}
	cached := NewCached(counter, 100)

	v1, err := cached.Embed(ctx, "hello")
	require.NoError(t, err)
	v2, err := cached.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, counter.texts, "second call must be served from cache")

	// Batch with one hit and one miss delegates only the miss.
	vecs, err := cached.EmbedBatch(ctx, []string{"hello", "world"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, v1, vecs[0])
	assert.Equal(t, 2, counter.texts)
}

func TestCachedEvictsOldest(t *testing.T) {
	ctx := context.Background()
	counter := &countingProvider{inner: NewPseudo(8)}
	cached := NewCached(counter, 2)

	_, err := cached.Embed(ctx, "a")
	require.NoError(t, err)
	_, err = cached.Embed(ctx, "b")
	require.NoError(t, err)
	_, err = cached.Embed(ctx, "c") // evicts "a"
	require.NoError(t, err)
	assert.Equal(t, 2, cached.Len())

	counter.fail = true
	_, err = cached.Embed(ctx, "b") // still cached
	require.NoError(t, err)
	_, err = cached.Embed(ctx, "a") // evicted, hits failing upstream
	assert.Error(t, err)
}

func TestCacheKeyTruncation(t *testing.T) {
	long := make([]byte, 4096)
	for i := range long {
		long[i] = byte('a' + i%26)
	}
	k := cacheKey(string(long))
	assert.Len(t, k, cacheKeyLen)
	assert.Equal(t, k, cacheKey(string(long)))
}
