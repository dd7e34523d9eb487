package server

import (
	"fmt"
	"net/http"

	"github.com/aegis-ai/aegis/internal/audit"
	"github.com/aegis-ai/aegis/internal/model"
)

// HandleAuditTrail handles GET /v1/audit. Supports startDate, endDate,
// requestId, type, and limit query parameters. With format=csv|json the
// whole trail is exported as a download instead.
func (h *Handlers) HandleAuditTrail(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())

	if format := r.URL.Query().Get("format"); format != "" {
		h.exportAudit(w, r, id.OrgID, format)
		return
	}

	q := model.AuditQuery{
		RequestID: r.URL.Query().Get("requestId"),
		Type:      model.AuditEntryType(r.URL.Query().Get("type")),
		Limit:     queryLimit(r, audit.DefaultTrailLimit),
	}
	var err error
	if q.StartDate, err = queryTime(r, "startDate"); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, err.Error())
		return
	}
	if q.EndDate, err = queryTime(r, "endDate"); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, err.Error())
		return
	}

	entries, err := h.auditLog.Trail(r.Context(), id.OrgID, q)
	if err != nil {
		h.writeAuditError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, entries)
}

func (h *Handlers) exportAudit(w http.ResponseWriter, r *http.Request, orgID, format string) {
	data, err := h.auditLog.Export(r.Context(), orgID, format)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, err.Error())
		return
	}

	contentType := "application/json"
	if format == "csv" {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "audit-"+orgID+"."+format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// HandleAuditSearch handles POST /v1/audit/search.
func (h *Handlers) HandleAuditSearch(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())

	var q model.AuditSearch
	if err := decodeJSON(w, r, &q, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	entries, err := h.auditLog.Search(r.Context(), id.OrgID, q)
	if err != nil {
		h.writeAuditError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, entries)
}

// HandleAuditStats handles GET /v1/audit/stats.
func (h *Handlers) HandleAuditStats(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())

	stats, err := h.auditLog.Statistics(r.Context(), id.OrgID)
	if err != nil {
		h.writeAuditError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// HandleAuditVerify handles GET /v1/audit/verify: replays the tenant
// chain and reports the first bad link, if any.
func (h *Handlers) HandleAuditVerify(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())

	result, err := h.auditLog.VerifyChain(r.Context(), id.OrgID)
	if err != nil {
		h.writeAuditError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// archiveRequest is the body for POST /v1/audit/archive.
type archiveRequest struct {
	OlderThanDays int `json:"olderThanDays"`
}

// HandleAuditArchive handles POST /v1/audit/archive (admin-only).
func (h *Handlers) HandleAuditArchive(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())

	var req archiveRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	archived, err := h.auditLog.Archive(r.Context(), id.OrgID, req.OlderThanDays)
	if err != nil {
		h.writeAuditError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]int{"archived": archived})
}

func (h *Handlers) writeAuditError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("audit operation failed",
		"error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal server error")
}
