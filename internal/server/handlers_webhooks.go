package server

import (
	"errors"
	"net/http"

	"github.com/aegis-ai/aegis/internal/model"
	"github.com/aegis-ai/aegis/internal/webhook"
)

// webhookEndpointRequest carries the secret explicitly, since the model
// type never serializes it.
type webhookEndpointRequest struct {
	URL         string                   `json:"url"`
	Secret      string                   `json:"secret,omitempty"`
	Events      []model.WebhookEventType `json:"events,omitempty"`
	Enabled     *bool                    `json:"enabled,omitempty"`
	RetryConfig *model.RetryConfig       `json:"retryConfig,omitempty"`
	Headers     map[string]string        `json:"headers,omitempty"`
}

func (req webhookEndpointRequest) endpoint(id string) model.WebhookEndpoint {
	ep := model.WebhookEndpoint{
		ID:      id,
		URL:     req.URL,
		Secret:  req.Secret,
		Events:  req.Events,
		Enabled: true,
		Headers: req.Headers,
	}
	if req.Enabled != nil {
		ep.Enabled = *req.Enabled
	}
	if req.RetryConfig != nil {
		ep.RetryConfig = *req.RetryConfig
	}
	return ep
}

// HandleListWebhooks handles GET /v1/webhooks. Secrets never appear in
// responses.
func (h *Handlers) HandleListWebhooks(w http.ResponseWriter, r *http.Request) {
	if !h.requireWebhooks(w, r) {
		return
	}
	id := IdentityFromContext(r.Context())

	eps, err := h.webhooks.ListEndpoints(r.Context(), id.OrgID)
	if err != nil {
		h.writeWebhookError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, eps)
}

// HandleCreateWebhook handles POST /v1/webhooks.
func (h *Handlers) HandleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.requireWebhooks(w, r) {
		return
	}
	id := IdentityFromContext(r.Context())

	var req webhookEndpointRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	ep := req.endpoint("")
	if err := ep.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, err.Error())
		return
	}

	created, err := h.webhooks.CreateEndpoint(r.Context(), id.OrgID, ep)
	if err != nil {
		h.writeWebhookError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleGetWebhook handles GET /v1/webhooks/{id}.
func (h *Handlers) HandleGetWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.requireWebhooks(w, r) {
		return
	}
	id := IdentityFromContext(r.Context())

	ep, err := h.webhooks.GetEndpoint(r.Context(), id.OrgID, r.PathValue("id"))
	if err != nil {
		h.writeWebhookError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ep)
}

// HandleUpdateWebhook handles PUT /v1/webhooks/{id}. An empty secret
// keeps the stored one.
func (h *Handlers) HandleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.requireWebhooks(w, r) {
		return
	}
	id := IdentityFromContext(r.Context())

	var req webhookEndpointRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	updated, err := h.webhooks.UpdateEndpoint(r.Context(), id.OrgID, req.endpoint(r.PathValue("id")))
	if err != nil {
		h.writeWebhookError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

// HandleDeleteWebhook handles DELETE /v1/webhooks/{id}.
func (h *Handlers) HandleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.requireWebhooks(w, r) {
		return
	}
	id := IdentityFromContext(r.Context())

	if err := h.webhooks.DeleteEndpoint(r.Context(), id.OrgID, r.PathValue("id")); err != nil {
		h.writeWebhookError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"deleted": true})
}

// HandleTestWebhook handles POST /v1/webhooks/{id}/test: sends a
// synthetic evaluation.completed event, bypassing the retry queue.
func (h *Handlers) HandleTestWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.requireWebhooks(w, r) {
		return
	}
	id := IdentityFromContext(r.Context())

	if err := h.webhooks.SendTest(r.Context(), id.OrgID, r.PathValue("id")); err != nil {
		h.writeDeliveryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"delivered": true})
}

// HandleFailedDeliveries handles GET /v1/webhooks/failed.
func (h *Handlers) HandleFailedDeliveries(w http.ResponseWriter, r *http.Request) {
	if !h.requireWebhooks(w, r) {
		return
	}
	id := IdentityFromContext(r.Context())

	deliveries, err := h.webhooks.FailedDeliveries(r.Context(), id.OrgID)
	if err != nil {
		h.writeWebhookError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, deliveries)
}

// HandleReplayDelivery handles POST /v1/webhooks/failed/{id}/replay.
func (h *Handlers) HandleReplayDelivery(w http.ResponseWriter, r *http.Request) {
	if !h.requireWebhooks(w, r) {
		return
	}
	id := IdentityFromContext(r.Context())

	if err := h.webhooks.Replay(r.Context(), id.OrgID, r.PathValue("id")); err != nil {
		h.writeDeliveryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"delivered": true})
}

// writeDeliveryError maps a test or replay failure: a refusing endpoint
// is the receiver's fault, not ours.
func (h *Handlers) writeDeliveryError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, webhook.ErrEndpointNotFound) || errors.Is(err, webhook.ErrDeliveryNotFound) {
		h.writeWebhookError(w, r, err)
		return
	}
	writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstreamFailed, err.Error())
}

func (h *Handlers) requireWebhooks(w http.ResponseWriter, r *http.Request) bool {
	if h.webhooks == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal, "webhooks are not configured")
		return false
	}
	return true
}

func (h *Handlers) writeWebhookError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, webhook.ErrEndpointNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "webhook endpoint not found")
	case errors.Is(err, webhook.ErrDeliveryNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "delivery not found")
	default:
		h.logger.Error("webhook operation failed",
			"error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal server error")
	}
}
