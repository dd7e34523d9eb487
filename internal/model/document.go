package model

import (
	"fmt"
	"strings"
	"time"
)

// Sensitivity classifies a context document. Chunks inherit the document's
// sensitivity.
type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "public"
	SensitivityInternal     Sensitivity = "internal"
	SensitivityConfidential Sensitivity = "confidential"
	SensitivityRestricted   Sensitivity = "restricted"
)

// MaxDocumentContent bounds the content of a single context document.
const MaxDocumentContent = 1 * 1024 * 1024 // 1 MB

// Document is tenant-scoped source material for the context retriever.
// Content itself lives in chunks; the document row carries metadata only.
type Document struct {
	ID          string      `json:"id"`
	OrgID       string      `json:"orgId"`
	Filename    string      `json:"filename"`
	Department  string      `json:"department,omitempty"`
	Sensitivity Sensitivity `json:"sensitivity"`
	LastUpdated time.Time   `json:"lastUpdated"`
	ChunkCount  int         `json:"chunkCount"`
}

// Chunk is an immutable slice of a document with its embedding vector.
// Re-ingesting a document replaces its whole chunk set.
type Chunk struct {
	ChunkID    string    `json:"chunkId"`
	DocumentID string    `json:"documentId"`
	ChunkIndex int       `json:"chunkIndex"`
	Content    string    `json:"content"`
	Vector     []float32 `json:"vector,omitempty"`
}

// DocumentInput is the ingestion payload for a context document.
type DocumentInput struct {
	ID          string      `json:"id"`
	Content     string      `json:"content"`
	Filename    string      `json:"filename"`
	Department  string      `json:"department,omitempty"`
	Sensitivity Sensitivity `json:"sensitivity"`
}

// Validate checks ingestion invariants.
func (d DocumentInput) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("document id is required")
	}
	if strings.TrimSpace(d.Content) == "" {
		return fmt.Errorf("document content is required")
	}
	if len(d.Content) > MaxDocumentContent {
		return fmt.Errorf("document content exceeds maximum of %d bytes", MaxDocumentContent)
	}
	switch d.Sensitivity {
	case SensitivityPublic, SensitivityInternal, SensitivityConfidential, SensitivityRestricted:
	case "":
		// Defaulted to internal by the retriever.
	default:
		return fmt.Errorf("sensitivity must be public, internal, confidential, or restricted (got %q)", d.Sensitivity)
	}
	return nil
}

// SearchFilters narrows a retriever search.
type SearchFilters struct {
	Department  string      `json:"department,omitempty"`
	Sensitivity Sensitivity `json:"sensitivity,omitempty"`
	DateRange   *DateRange  `json:"dateRange,omitempty"`
}

// DateRange is an inclusive time window.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls within the range. Zero bounds are open.
func (r DateRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// SearchHit is a document-granular retrieval result: the document at its
// best-matching chunk.
type SearchHit struct {
	Document      Document `json:"document"`
	Chunk         Chunk    `json:"chunk"`
	Similarity    float64  `json:"similarity"`
	LowConfidence bool     `json:"lowConfidence,omitempty"`
}
