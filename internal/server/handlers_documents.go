package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/aegis-ai/aegis/internal/model"
	"github.com/aegis-ai/aegis/internal/retriever"
)

// HandleAddDocument handles POST /v1/documents. Accepts either a JSON
// DocumentInput or multipart/form-data with a "file" part plus id,
// department, and sensitivity fields.
func (h *Handlers) HandleAddDocument(w http.ResponseWriter, r *http.Request) {
	if h.retriever == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal, "document retrieval is not configured")
		return
	}
	id := IdentityFromContext(r.Context())

	input, ok := h.decodeDocumentInput(w, r)
	if !ok {
		return
	}

	doc, err := h.retriever.AddDocument(r.Context(), id.OrgID, input)
	if err != nil {
		h.writeRetrieverError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, doc)
}

// HandleUpdateDocument handles PUT /v1/documents/{id}: full re-ingestion.
func (h *Handlers) HandleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	if h.retriever == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal, "document retrieval is not configured")
		return
	}
	id := IdentityFromContext(r.Context())

	input, ok := h.decodeDocumentInput(w, r)
	if !ok {
		return
	}
	input.ID = r.PathValue("id")

	doc, err := h.retriever.UpdateDocument(r.Context(), id.OrgID, input)
	if err != nil {
		h.writeRetrieverError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, doc)
}

// decodeDocumentInput reads a document from either JSON or multipart form.
func (h *Handlers) decodeDocumentInput(w http.ResponseWriter, r *http.Request) (model.DocumentInput, bool) {
	var input model.DocumentInput

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(h.maxBody); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid multipart form: "+err.Error())
			return input, false
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "multipart form requires a file part")
			return input, false
		}
		defer file.Close()

		content, err := io.ReadAll(io.LimitReader(file, int64(model.MaxDocumentContent)+1))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "read file part: "+err.Error())
			return input, false
		}
		input = model.DocumentInput{
			ID:          r.FormValue("id"),
			Content:     string(content),
			Filename:    header.Filename,
			Department:  r.FormValue("department"),
			Sensitivity: model.Sensitivity(r.FormValue("sensitivity")),
		}
		return input, true
	}

	if err := decodeJSON(w, r, &input, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return input, false
	}
	return input, true
}

// HandleGetDocument handles GET /v1/documents/{id}.
func (h *Handlers) HandleGetDocument(w http.ResponseWriter, r *http.Request) {
	if h.retriever == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal, "document retrieval is not configured")
		return
	}
	id := IdentityFromContext(r.Context())

	doc, err := h.retriever.GetDocument(r.Context(), id.OrgID, r.PathValue("id"))
	if err != nil {
		h.writeRetrieverError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, doc)
}

// HandleListDocuments handles GET /v1/documents.
func (h *Handlers) HandleListDocuments(w http.ResponseWriter, r *http.Request) {
	if h.retriever == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal, "document retrieval is not configured")
		return
	}
	id := IdentityFromContext(r.Context())

	docs, err := h.retriever.ListDocuments(r.Context(), id.OrgID)
	if err != nil {
		h.writeRetrieverError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, docs)
}

// HandleDeleteDocument handles DELETE /v1/documents/{id}.
func (h *Handlers) HandleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if h.retriever == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal, "document retrieval is not configured")
		return
	}
	id := IdentityFromContext(r.Context())

	if err := h.retriever.RemoveDocument(r.Context(), id.OrgID, r.PathValue("id")); err != nil {
		h.writeRetrieverError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"deleted": true})
}

// searchDocumentsRequest is the body for POST /v1/documents/search.
type searchDocumentsRequest struct {
	Query     string              `json:"query"`
	Limit     int                 `json:"limit,omitempty"`
	Threshold float64             `json:"threshold,omitempty"`
	Filters   model.SearchFilters `json:"filters,omitempty"`
}

// HandleSearchDocuments handles POST /v1/documents/search.
func (h *Handlers) HandleSearchDocuments(w http.ResponseWriter, r *http.Request) {
	if h.retriever == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal, "document retrieval is not configured")
		return
	}
	id := IdentityFromContext(r.Context())

	var req searchDocumentsRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "query is required")
		return
	}

	hits, err := h.retriever.Search(r.Context(), id.OrgID, req.Query, retriever.SearchOptions{
		Limit:     req.Limit,
		Threshold: req.Threshold,
		Filters:   req.Filters,
	})
	if err != nil {
		h.writeRetrieverError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, hits)
}

// HandleSimilarDocuments handles GET /v1/documents/{id}/similar.
func (h *Handlers) HandleSimilarDocuments(w http.ResponseWriter, r *http.Request) {
	if h.retriever == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal, "document retrieval is not configured")
		return
	}
	id := IdentityFromContext(r.Context())

	hits, err := h.retriever.SimilarDocuments(r.Context(), id.OrgID, r.PathValue("id"), queryLimit(r, 10))
	if err != nil {
		h.writeRetrieverError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, hits)
}

// HandleDocumentStats handles GET /v1/documents/stats.
func (h *Handlers) HandleDocumentStats(w http.ResponseWriter, r *http.Request) {
	if h.retriever == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal, "document retrieval is not configured")
		return
	}
	id := IdentityFromContext(r.Context())

	stats, err := h.retriever.Stats(r.Context(), id.OrgID)
	if err != nil {
		h.writeRetrieverError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

func (h *Handlers) writeRetrieverError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, retriever.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "document not found")
	case errors.Is(err, retriever.ErrEmbeddingUnavailable):
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstreamFailed, "embedding provider unavailable")
	case strings.Contains(err.Error(), "required"), strings.Contains(err.Error(), "must be"),
		strings.Contains(err.Error(), "exceeds"):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, err.Error())
	default:
		h.logger.Error("document operation failed",
			"error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal server error")
	}
}
