package server

import (
	"errors"
	"net/http"

	"github.com/aegis-ai/aegis/internal/alerting"
	"github.com/aegis-ai/aegis/internal/model"
)

// HandleListAlertRules handles GET /v1/alerts/rules.
func (h *Handlers) HandleListAlertRules(w http.ResponseWriter, r *http.Request) {
	if !h.requireAlerts(w, r) {
		return
	}
	id := IdentityFromContext(r.Context())

	rules, err := h.alerts.ListRules(r.Context(), id.OrgID)
	if err != nil {
		h.writeAlertError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rules)
}

// HandleCreateAlertRule handles POST /v1/alerts/rules.
func (h *Handlers) HandleCreateAlertRule(w http.ResponseWriter, r *http.Request) {
	if !h.requireAlerts(w, r) {
		return
	}
	id := IdentityFromContext(r.Context())

	var rule model.AlertRule
	if err := decodeJSON(w, r, &rule, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := rule.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, err.Error())
		return
	}

	created, err := h.alerts.CreateRule(r.Context(), id.OrgID, rule)
	if err != nil {
		h.writeAlertError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleGetAlertRule handles GET /v1/alerts/rules/{id}.
func (h *Handlers) HandleGetAlertRule(w http.ResponseWriter, r *http.Request) {
	if !h.requireAlerts(w, r) {
		return
	}
	id := IdentityFromContext(r.Context())

	rule, err := h.alerts.GetRule(r.Context(), id.OrgID, r.PathValue("id"))
	if err != nil {
		h.writeAlertError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rule)
}

// HandleUpdateAlertRule handles PUT /v1/alerts/rules/{id}.
func (h *Handlers) HandleUpdateAlertRule(w http.ResponseWriter, r *http.Request) {
	if !h.requireAlerts(w, r) {
		return
	}
	id := IdentityFromContext(r.Context())

	var rule model.AlertRule
	if err := decodeJSON(w, r, &rule, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	rule.ID = r.PathValue("id")
	if err := rule.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, err.Error())
		return
	}

	updated, err := h.alerts.UpdateRule(r.Context(), id.OrgID, rule)
	if err != nil {
		h.writeAlertError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

// HandleDeleteAlertRule handles DELETE /v1/alerts/rules/{id}.
func (h *Handlers) HandleDeleteAlertRule(w http.ResponseWriter, r *http.Request) {
	if !h.requireAlerts(w, r) {
		return
	}
	id := IdentityFromContext(r.Context())

	if err := h.alerts.DeleteRule(r.Context(), id.OrgID, r.PathValue("id")); err != nil {
		h.writeAlertError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"deleted": true})
}

// HandleListAlerts handles GET /v1/alerts?includeResolved=true.
func (h *Handlers) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	if !h.requireAlerts(w, r) {
		return
	}
	id := IdentityFromContext(r.Context())

	includeResolved := r.URL.Query().Get("includeResolved") == "true"
	alerts, err := h.alerts.Alerts(r.Context(), id.OrgID, includeResolved)
	if err != nil {
		h.writeAlertError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, alerts)
}

// HandleResolveAlert handles POST /v1/alerts/{id}/resolve. Alerts are
// append-only: resolving flags them, nothing is deleted.
func (h *Handlers) HandleResolveAlert(w http.ResponseWriter, r *http.Request) {
	if !h.requireAlerts(w, r) {
		return
	}
	id := IdentityFromContext(r.Context())

	if err := h.alerts.Resolve(r.Context(), id.OrgID, r.PathValue("id")); err != nil {
		h.writeAlertError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"resolved": true})
}

func (h *Handlers) requireAlerts(w http.ResponseWriter, r *http.Request) bool {
	if h.alerts == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal, "alerting is not configured")
		return false
	}
	return true
}

func (h *Handlers) writeAlertError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, alerting.ErrRuleNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "alert rule not found")
	case errors.Is(err, alerting.ErrAlertNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "alert not found")
	default:
		h.logger.Error("alert operation failed",
			"error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal server error")
	}
}
