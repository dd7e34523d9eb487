package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aegis-ai/aegis/internal/model"
	"github.com/aegis-ai/aegis/internal/policy"
)

// HandleListPolicyRules handles GET /v1/policies/rules.
func (h *Handlers) HandleListPolicyRules(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())

	rules, err := h.policies.ListRules(r.Context(), id.OrgID)
	if err != nil {
		h.writePolicyError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rules)
}

// HandleCreatePolicyRule handles POST /v1/policies/rules.
func (h *Handlers) HandleCreatePolicyRule(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())

	var rule model.PolicyRule
	if err := decodeJSON(w, r, &rule, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := rule.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, err.Error())
		return
	}

	created, err := h.policies.CreateRule(r.Context(), id.OrgID, rule)
	if err != nil {
		h.writePolicyError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleGetPolicyRule handles GET /v1/policies/rules/{id}.
func (h *Handlers) HandleGetPolicyRule(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())

	rule, err := h.policies.GetRule(r.Context(), id.OrgID, r.PathValue("id"))
	if err != nil {
		h.writePolicyError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rule)
}

// HandleUpdatePolicyRule handles PUT /v1/policies/rules/{id}.
func (h *Handlers) HandleUpdatePolicyRule(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())

	var rule model.PolicyRule
	if err := decodeJSON(w, r, &rule, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	rule.ID = r.PathValue("id")
	if err := rule.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, err.Error())
		return
	}

	updated, err := h.policies.UpdateRule(r.Context(), id.OrgID, rule)
	if err != nil {
		h.writePolicyError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

// HandleDeletePolicyRule handles DELETE /v1/policies/rules/{id}.
func (h *Handlers) HandleDeletePolicyRule(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())

	if err := h.policies.DeleteRule(r.Context(), id.OrgID, r.PathValue("id")); err != nil {
		h.writePolicyError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"deleted": true})
}

// HandleExportPolicyTemplate handles GET /v1/policies/templates/{name}:
// exports the org's rule set as a named, portable template.
func (h *Handlers) HandleExportPolicyTemplate(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())

	tpl, err := h.policies.ExportTemplate(r.Context(), id.OrgID, r.PathValue("name"))
	if err != nil {
		h.writePolicyError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tpl)
}

// HandleImportPolicyTemplate handles POST /v1/policies/templates: imports
// a template's rules as fresh rules for the org.
func (h *Handlers) HandleImportPolicyTemplate(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())

	var tpl policy.Template
	if err := decodeJSON(w, r, &tpl, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	for i, rule := range tpl.Rules {
		if err := rule.Validate(); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest,
				fmt.Sprintf("template rule %d: %s", i, err))
			return
		}
	}

	imported, err := h.policies.ImportTemplate(r.Context(), id.OrgID, tpl)
	if err != nil {
		h.writePolicyError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, imported)
}

func (h *Handlers) writePolicyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, policy.ErrRuleNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "policy rule not found")
	default:
		h.logger.Error("policy operation failed",
			"error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal server error")
	}
}
