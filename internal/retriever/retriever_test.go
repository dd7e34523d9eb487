package retriever

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-ai/aegis/internal/embedding"
	"github.com/aegis-ai/aegis/internal/model"
	"github.com/aegis-ai/aegis/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// flakyProvider fails until healed, then behaves like the pseudo provider.
type flakyProvider struct {
	inner embedding.Provider
	down  bool
}

func (f *flakyProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.down {
		return nil, errors.New("connection refused")
	}
	return f.inner.Embed(ctx, text)
}

func (f *flakyProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.down {
		return nil, errors.New("connection refused")
	}
	return f.inner.EmbedBatch(ctx, texts)
}

func (f *flakyProvider) Dimensions() int { return f.inner.Dimensions() }

func newTestRetriever() *Retriever {
	return New(store.NewMemory(), store.NewMemoryVector(), embedding.NewPseudo(64), testLogger())
}

func TestChunkContent(t *testing.T) {
	t.Run("empty input is one chunk", func(t *testing.T) {
		chunks := chunkContent("")
		require.Len(t, chunks, 1)
		assert.Equal(t, "", chunks[0])
	})

	t.Run("no terminators is one chunk", func(t *testing.T) {
		chunks := chunkContent("just a fragment with no sentence end")
		require.Len(t, chunks, 1)
	})

	t.Run("packs sentences up to the limit", func(t *testing.T) {
		sentence := strings.Repeat("word ", 79) + "end. " // ~400 chars
		content := strings.Repeat(sentence, 6)
		chunks := chunkContent(content)

		require.Greater(t, len(chunks), 1)
		for i, c := range chunks {
			if len(c) > maxChunkChars {
				t.Fatalf("chunk %d exceeds limit: %d chars", i, len(c))
			}
		}
		// Concatenation reproduces the input exactly.
		assert.Equal(t, content, strings.Join(chunks, ""))
	})

	t.Run("oversize sentence stays whole", func(t *testing.T) {
		long := strings.Repeat("a", 1500) + "."
		chunks := chunkContent(long + " Short one.")
		require.Len(t, chunks, 2)
		assert.Equal(t, long+" ", chunks[0])
	})
}

func TestAddAndSearchDocument(t *testing.T) {
	ctx := context.Background()
	r := newTestRetriever()

	doc, err := r.AddDocument(ctx, "org1", model.DocumentInput{
		ID:       "handbook",
		Content:  "Employees accrue vacation monthly. Unused days roll over once.",
		Filename: "handbook.md",
	})
	require.NoError(t, err)
	assert.Equal(t, "org1", doc.OrgID)
	assert.Equal(t, model.SensitivityInternal, doc.Sensitivity, "sensitivity defaults to internal")
	assert.Equal(t, 1, doc.ChunkCount)

	// Identical text matches itself at similarity 1 with the deterministic
	// provider, so a high threshold still returns it.
	hits, err := r.Search(ctx, "org1", "Employees accrue vacation monthly. Unused days roll over once.", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "handbook", hits[0].Document.ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
	assert.False(t, hits[0].LowConfidence)

	// Other tenants see nothing.
	hits, err = r.Search(ctx, "org2", "vacation", SearchOptions{Threshold: -1})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestReingestReplacesChunks(t *testing.T) {
	ctx := context.Background()
	r := newTestRetriever()

	long := strings.Repeat("This is a padded sentence for chunk testing purposes. ", 40)
	_, err := r.AddDocument(ctx, "org1", model.DocumentInput{ID: "d1", Content: long, Filename: "d1.txt"})
	require.NoError(t, err)

	doc, err := r.AddDocument(ctx, "org1", model.DocumentInput{ID: "d1", Content: "Tiny now.", Filename: "d1.txt"})
	require.NoError(t, err)
	assert.Equal(t, 1, doc.ChunkCount)

	// No stale tail chunks survive in the kv store.
	kvs, err := r.store.ScanByPrefix(ctx, "chunk:org1:d1:")
	require.NoError(t, err)
	assert.Len(t, kvs, 1)

	// And none survive in the index: everything matchable maps to the new content.
	hits, err := r.Search(ctx, "org1", "Tiny now.", SearchOptions{Threshold: -1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Tiny now.", hits[0].Chunk.Content)
}

func TestRemoveDocument(t *testing.T) {
	ctx := context.Background()
	r := newTestRetriever()

	_, err := r.AddDocument(ctx, "org1", model.DocumentInput{ID: "d1", Content: "Some content.", Filename: "d1.txt"})
	require.NoError(t, err)

	require.NoError(t, r.RemoveDocument(ctx, "org1", "d1"))
	assert.ErrorIs(t, r.RemoveDocument(ctx, "org1", "d1"), ErrNotFound)

	hits, err := r.Search(ctx, "org1", "Some content.", SearchOptions{Threshold: -1})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestUpdateRequiresExisting(t *testing.T) {
	ctx := context.Background()
	r := newTestRetriever()

	_, err := r.UpdateDocument(ctx, "org1", model.DocumentInput{ID: "ghost", Content: "X.", Filename: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearchFilters(t *testing.T) {
	ctx := context.Background()
	r := newTestRetriever()

	_, err := r.AddDocument(ctx, "org1", model.DocumentInput{
		ID: "eng", Content: "Deployment runbook for the payments service.",
		Filename: "runbook.md", Department: "engineering",
	})
	require.NoError(t, err)
	_, err = r.AddDocument(ctx, "org1", model.DocumentInput{
		ID: "hr", Content: "Deployment of the new vacation policy.",
		Filename: "policy.md", Department: "hr", Sensitivity: model.SensitivityConfidential,
	})
	require.NoError(t, err)

	hits, err := r.Search(ctx, "org1", "deployment", SearchOptions{
		Threshold: -1,
		Filters:   model.SearchFilters{Department: "engineering"},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "eng", hits[0].Document.ID)

	hits, err = r.Search(ctx, "org1", "deployment", SearchOptions{
		Threshold: -1,
		Filters:   model.SearchFilters{Sensitivity: model.SensitivityConfidential},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "hr", hits[0].Document.ID)

	past := time.Now().Add(-time.Hour)
	hits, err = r.Search(ctx, "org1", "deployment", SearchOptions{
		Threshold: -1,
		Filters:   model.SearchFilters{DateRange: &model.DateRange{End: past}},
	})
	require.NoError(t, err)
	assert.Empty(t, hits, "documents ingested now fall outside a past-only range")
}

func TestEmbeddingOutageSemantics(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyProvider{inner: embedding.NewPseudo(64)}
	r := New(store.NewMemory(), store.NewMemoryVector(), flaky, testLogger())

	_, err := r.AddDocument(ctx, "org1", model.DocumentInput{ID: "d1", Content: "Stable content here.", Filename: "d1"})
	require.NoError(t, err)

	flaky.down = true

	// Ingestion surfaces the outage.
	_, err = r.AddDocument(ctx, "org1", model.DocumentInput{ID: "d2", Content: "More content.", Filename: "d2"})
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)

	// Search degrades to the pseudo fallback and flags low confidence. The
	// primary here embeds exactly like the fallback, so the same query still
	// matches its own document at similarity 1.
	hits, err := r.Search(ctx, "org1", "Stable content here.", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.True(t, hits[0].LowConfidence)
}

func TestSimilarDocuments(t *testing.T) {
	ctx := context.Background()
	r := newTestRetriever()

	for _, d := range []struct{ id, content string }{
		{"a", "Kubernetes deployment guide for services."},
		{"b", "Kubernetes deployment guide for service."},
		{"c", "Quarterly financial results summary."},
	} {
		_, err := r.AddDocument(ctx, "org1", model.DocumentInput{ID: d.id, Content: d.content, Filename: d.id})
		require.NoError(t, err)
	}

	hits, err := r.SimilarDocuments(ctx, "org1", "a", 2)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.NotEqual(t, "a", h.Document.ID, "source document is excluded")
	}
	assert.Equal(t, "b", hits[0].Document.ID, "near-duplicate ranks first")

	_, err = r.SimilarDocuments(ctx, "org1", "missing", 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	r := newTestRetriever()

	_, err := r.AddDocument(ctx, "org1", model.DocumentInput{ID: "a", Content: "One.", Filename: "a", Department: "eng"})
	require.NoError(t, err)
	_, err = r.AddDocument(ctx, "org1", model.DocumentInput{
		ID: "b", Content: "Two.", Filename: "b", Sensitivity: model.SensitivityPublic,
	})
	require.NoError(t, err)

	stats, err := r.Stats(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Documents)
	assert.Equal(t, 2, stats.Chunks)
	assert.Equal(t, 1, stats.BySensitivity["internal"])
	assert.Equal(t, 1, stats.BySensitivity["public"])
	assert.Equal(t, 1, stats.ByDepartment["eng"])

	empty, err := r.Stats(ctx, "org2")
	require.NoError(t, err)
	assert.Zero(t, empty.Documents)
}
