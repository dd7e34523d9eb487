// Package retriever ingests tenant documents into embedded chunks and
// serves cosine-similarity context search over them.
//
// Documents and chunks persist through the key/value store; vectors live in
// the vector store under the tenant's namespace, so no search can cross
// org boundaries.
package retriever

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aegis-ai/aegis/internal/embedding"
	"github.com/aegis-ai/aegis/internal/model"
	"github.com/aegis-ai/aegis/internal/store"
)

// ErrNotFound is returned when a document id does not exist for the org.
var ErrNotFound = errors.New("retriever: document not found")

// ErrEmbeddingUnavailable is returned by ingestion when the embedding
// provider cannot be reached. Search never returns it; queries degrade to
// the pseudo provider instead.
var ErrEmbeddingUnavailable = errors.New("retriever: embedding provider unavailable")

const (
	defaultSearchLimit     = 10
	defaultSearchThreshold = 0.7

	// searchOverfetch compensates for post-filtering and per-document
	// grouping collapsing multiple chunk hits into one.
	searchOverfetch = 5
)

// SearchOptions tune a context search. Zero values take defaults.
type SearchOptions struct {
	Limit     int
	Threshold float64
	Filters   model.SearchFilters
}

// Stats summarizes a tenant's corpus.
type Stats struct {
	Documents     int            `json:"documents"`
	Chunks        int            `json:"chunks"`
	BySensitivity map[string]int `json:"bySensitivity"`
	ByDepartment  map[string]int `json:"byDepartment,omitempty"`
}

// Retriever is the embedding-backed context search service.
type Retriever struct {
	store   store.Store
	vectors store.VectorStore
	embed   embedding.Provider // primary, typically LRU-cached OpenAI
	pseudo  embedding.Provider // deterministic offline fallback
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Retriever. The pseudo fallback is derived from the primary
// provider's dimensions.
func New(kv store.Store, vectors store.VectorStore, embed embedding.Provider, logger *slog.Logger) *Retriever {
	return &Retriever{
		store:   kv,
		vectors: vectors,
		embed:   embed,
		pseudo:  embedding.NewPseudo(embed.Dimensions()),
		logger:  logger,
		now:     time.Now,
	}
}

func docKey(orgID, docID string) string {
	return fmt.Sprintf("doc:%s:%s", orgID, docID)
}

func chunkKey(orgID, docID string, index int) string {
	return fmt.Sprintf("chunk:%s:%s:%06d", orgID, docID, index)
}

func chunkPrefix(orgID, docID string) string {
	return fmt.Sprintf("chunk:%s:%s:", orgID, docID)
}

// vectorKey identifies a chunk inside the org namespace of the vector store.
func vectorKey(docID string, index int) string {
	return fmt.Sprintf("%s:%06d", docID, index)
}

// AddDocument chunks, embeds, and stores a document. Re-ingesting an
// existing id replaces its entire chunk set.
func (r *Retriever) AddDocument(ctx context.Context, orgID string, input model.DocumentInput) (model.Document, error) {
	if err := input.Validate(); err != nil {
		return model.Document{}, fmt.Errorf("retriever: %w", err)
	}
	if input.Sensitivity == "" {
		input.Sensitivity = model.SensitivityInternal
	}

	contents := chunkContent(input.Content)
	vecs, err := r.embed.EmbedBatch(ctx, contents)
	if err != nil {
		return model.Document{}, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}

	// Drop any previous chunk set before writing the new one, so a shrink
	// leaves no stale tail chunks.
	if err := r.deleteChunks(ctx, orgID, input.ID); err != nil {
		return model.Document{}, err
	}

	doc := model.Document{
		ID:          input.ID,
		OrgID:       orgID,
		Filename:    input.Filename,
		Department:  input.Department,
		Sensitivity: input.Sensitivity,
		LastUpdated: r.now().UTC(),
		ChunkCount:  len(contents),
	}

	points := make([]store.VectorPoint, len(contents))
	for i, content := range contents {
		chunk := model.Chunk{
			ChunkID:    vectorKey(input.ID, i),
			DocumentID: input.ID,
			ChunkIndex: i,
			Content:    content,
			Vector:     vecs[i],
		}
		raw, err := json.Marshal(chunk)
		if err != nil {
			return model.Document{}, fmt.Errorf("retriever: marshal chunk: %w", err)
		}
		if err := r.store.Set(ctx, chunkKey(orgID, input.ID, i), raw); err != nil {
			return model.Document{}, fmt.Errorf("retriever: store chunk: %w", err)
		}

		chunk.Vector = nil // vector lives in the point itself
		payload, err := json.Marshal(chunk)
		if err != nil {
			return model.Document{}, fmt.Errorf("retriever: marshal chunk payload: %w", err)
		}
		points[i] = store.VectorPoint{
			Key:     vectorKey(input.ID, i),
			Vector:  vecs[i],
			Payload: payload,
		}
	}

	if err := r.vectors.Upsert(ctx, orgID, points); err != nil {
		return model.Document{}, fmt.Errorf("retriever: index chunks: %w", err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return model.Document{}, fmt.Errorf("retriever: marshal document: %w", err)
	}
	if err := r.store.Set(ctx, docKey(orgID, input.ID), raw); err != nil {
		return model.Document{}, fmt.Errorf("retriever: store document: %w", err)
	}

	r.logger.Info("retriever: document ingested",
		"org_id", orgID, "document_id", input.ID, "chunks", len(contents))
	return doc, nil
}

// UpdateDocument re-ingests an existing document. The id must already exist.
func (r *Retriever) UpdateDocument(ctx context.Context, orgID string, input model.DocumentInput) (model.Document, error) {
	if _, err := r.GetDocument(ctx, orgID, input.ID); err != nil {
		return model.Document{}, err
	}
	return r.AddDocument(ctx, orgID, input)
}

// GetDocument returns a document's metadata.
func (r *Retriever) GetDocument(ctx context.Context, orgID, docID string) (model.Document, error) {
	raw, err := r.store.Get(ctx, docKey(orgID, docID))
	if errors.Is(err, store.ErrNotFound) {
		return model.Document{}, ErrNotFound
	}
	if err != nil {
		return model.Document{}, fmt.Errorf("retriever: load document: %w", err)
	}
	var doc model.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.Document{}, fmt.Errorf("retriever: decode document: %w", err)
	}
	return doc, nil
}

// ListDocuments returns all document metadata for an org, sorted by id.
func (r *Retriever) ListDocuments(ctx context.Context, orgID string) ([]model.Document, error) {
	kvs, err := r.store.ScanByPrefix(ctx, fmt.Sprintf("doc:%s:", orgID))
	if err != nil {
		return nil, fmt.Errorf("retriever: scan documents: %w", err)
	}
	docs := make([]model.Document, 0, len(kvs))
	for _, kv := range kvs {
		var doc model.Document
		if err := json.Unmarshal(kv.Value, &doc); err != nil {
			return nil, fmt.Errorf("retriever: decode document %q: %w", kv.Key, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// RemoveDocument deletes a document, its chunks, and its vectors.
func (r *Retriever) RemoveDocument(ctx context.Context, orgID, docID string) error {
	if _, err := r.GetDocument(ctx, orgID, docID); err != nil {
		return err
	}
	if err := r.deleteChunks(ctx, orgID, docID); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, docKey(orgID, docID)); err != nil {
		return fmt.Errorf("retriever: delete document: %w", err)
	}
	r.logger.Info("retriever: document removed", "org_id", orgID, "document_id", docID)
	return nil
}

func (r *Retriever) deleteChunks(ctx context.Context, orgID, docID string) error {
	kvs, err := r.store.ScanByPrefix(ctx, chunkPrefix(orgID, docID))
	if err != nil {
		return fmt.Errorf("retriever: scan chunks: %w", err)
	}
	if len(kvs) == 0 {
		return nil
	}

	vectorKeys := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		var chunk model.Chunk
		if err := json.Unmarshal(kv.Value, &chunk); err != nil {
			return fmt.Errorf("retriever: decode chunk %q: %w", kv.Key, err)
		}
		vectorKeys = append(vectorKeys, vectorKey(chunk.DocumentID, chunk.ChunkIndex))
		if err := r.store.Delete(ctx, kv.Key); err != nil {
			return fmt.Errorf("retriever: delete chunk: %w", err)
		}
	}
	if err := r.vectors.Delete(ctx, orgID, vectorKeys); err != nil {
		return fmt.Errorf("retriever: unindex chunks: %w", err)
	}
	return nil
}

// Search embeds the query and returns document-granular hits above the
// similarity threshold, strongest first. It never fails on embedding or
// index errors: degraded searches log and return what they can.
func (r *Retriever) Search(ctx context.Context, orgID, query string, opts SearchOptions) ([]model.SearchHit, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = defaultSearchThreshold
	}

	lowConfidence := false
	queryVec, err := r.embed.Embed(ctx, query)
	if err != nil {
		r.logger.Warn("retriever: embedding provider down, using pseudo fallback",
			"org_id", orgID, "error", err)
		lowConfidence = true
		if queryVec, err = r.pseudo.Embed(ctx, query); err != nil {
			return nil, fmt.Errorf("retriever: pseudo embed: %w", err)
		}
	}

	matches, err := r.vectors.SearchByVector(ctx, orgID, queryVec, limit*searchOverfetch)
	if err != nil {
		r.logger.Warn("retriever: vector search failed", "org_id", orgID, "error", err)
		return nil, nil
	}

	return r.collectHits(ctx, orgID, matches, threshold, limit, opts.Filters, lowConfidence, "")
}

// SimilarDocuments returns documents similar to an existing document,
// excluding the document itself. Similarity is taken from the document's
// first chunk vector.
func (r *Retriever) SimilarDocuments(ctx context.Context, orgID, docID string, limit int) ([]model.SearchHit, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if _, err := r.GetDocument(ctx, orgID, docID); err != nil {
		return nil, err
	}

	raw, err := r.store.Get(ctx, chunkKey(orgID, docID, 0))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("retriever: load chunk: %w", err)
	}
	var anchor model.Chunk
	if err := json.Unmarshal(raw, &anchor); err != nil {
		return nil, fmt.Errorf("retriever: decode chunk: %w", err)
	}

	matches, err := r.vectors.SearchByVector(ctx, orgID, anchor.Vector, (limit+1)*searchOverfetch)
	if err != nil {
		return nil, fmt.Errorf("retriever: vector search: %w", err)
	}

	// No threshold here: "most similar" is relative, not absolute.
	return r.collectHits(ctx, orgID, matches, -1, limit, model.SearchFilters{}, false, docID)
}

// collectHits groups chunk matches per document (best chunk wins), applies
// metadata filters and the threshold, and returns the top hits.
func (r *Retriever) collectHits(ctx context.Context, orgID string, matches []store.VectorMatch, threshold float64, limit int, filters model.SearchFilters, lowConfidence bool, excludeDocID string) ([]model.SearchHit, error) {
	type best struct {
		chunk model.Chunk
		score float64
	}
	bestPerDoc := make(map[string]best)
	order := make([]string, 0, len(matches))

	for _, m := range matches {
		if m.Score < threshold {
			continue
		}
		var chunk model.Chunk
		if err := json.Unmarshal(m.Payload, &chunk); err != nil {
			r.logger.Warn("retriever: undecodable chunk payload", "key", m.Key, "error", err)
			continue
		}
		if chunk.DocumentID == excludeDocID {
			continue
		}
		cur, seen := bestPerDoc[chunk.DocumentID]
		if !seen {
			order = append(order, chunk.DocumentID)
		}
		if !seen || m.Score > cur.score {
			bestPerDoc[chunk.DocumentID] = best{chunk: chunk, score: m.Score}
		}
	}

	hits := make([]model.SearchHit, 0, len(order))
	for _, docID := range order {
		b := bestPerDoc[docID]
		doc, err := r.GetDocument(ctx, orgID, docID)
		if errors.Is(err, ErrNotFound) {
			continue // Document deleted between index and lookup.
		}
		if err != nil {
			return nil, err
		}
		if !matchesFilters(doc, filters) {
			continue
		}
		hits = append(hits, model.SearchHit{
			Document:      doc,
			Chunk:         b.chunk,
			Similarity:    b.score,
			LowConfidence: lowConfidence,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func matchesFilters(doc model.Document, f model.SearchFilters) bool {
	if f.Department != "" && doc.Department != f.Department {
		return false
	}
	if f.Sensitivity != "" && doc.Sensitivity != f.Sensitivity {
		return false
	}
	if f.DateRange != nil && !f.DateRange.Contains(doc.LastUpdated) {
		return false
	}
	return true
}

// Stats summarizes the org's corpus.
func (r *Retriever) Stats(ctx context.Context, orgID string) (Stats, error) {
	docs, err := r.ListDocuments(ctx, orgID)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Documents:     len(docs),
		BySensitivity: make(map[string]int),
		ByDepartment:  make(map[string]int),
	}
	for _, doc := range docs {
		stats.Chunks += doc.ChunkCount
		stats.BySensitivity[string(doc.Sensitivity)]++
		if doc.Department != "" {
			stats.ByDepartment[doc.Department]++
		}
	}
	return stats, nil
}
