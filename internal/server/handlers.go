package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aegis-ai/aegis/internal/alerting"
	"github.com/aegis-ai/aegis/internal/audit"
	"github.com/aegis-ai/aegis/internal/gateway"
	"github.com/aegis-ai/aegis/internal/model"
	"github.com/aegis-ai/aegis/internal/policy"
	"github.com/aegis-ai/aegis/internal/provider"
	"github.com/aegis-ai/aegis/internal/retriever"
	"github.com/aegis-ai/aegis/internal/webhook"
)

// defaultMaxBodyBytes bounds request bodies when no limit is configured.
// Documents can be up to 1 MB of content plus JSON overhead.
const defaultMaxBodyBytes = 2 * 1024 * 1024

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	gateway   *gateway.Gateway
	auditLog  *audit.Log
	policies  *policy.Engine
	retriever *retriever.Retriever
	webhooks  *webhook.Manager
	alerts    *alerting.Engine
	logger    *slog.Logger
	startedAt time.Time
	version   string
	maxBody   int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Retriever, Webhooks, Alerts.
type HandlersDeps struct {
	Gateway             *gateway.Gateway
	Audit               *audit.Log
	Policies            *policy.Engine
	Retriever           *retriever.Retriever
	Webhooks            *webhook.Manager
	Alerts              *alerting.Engine
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Handlers{
		gateway:   d.Gateway,
		auditLog:  d.Audit,
		policies:  d.Policies,
		retriever: d.Retriever,
		webhooks:  d.Webhooks,
		alerts:    d.Alerts,
		logger:    d.Logger,
		startedAt: time.Now(),
		version:   d.Version,
		maxBody:   maxBody,
	}
}

// HandleChatCompletions handles POST /v1/chat/completions.
//
// The response is the bare OpenAI-compatible shape, not the admin
// envelope, so existing SDK clients work unmodified. audit_info is
// stripped unless the caller sent X-Return-Audit: 1.
func (h *Handlers) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())

	// Lenient decode: OpenAI SDKs send fields we do not model (top_p, n,
	// stop, ...) and they must not be rejected.
	var req model.ChatRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, err.Error())
		return
	}

	resp, err := h.gateway.Complete(r.Context(), *id, req)
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}

	if r.Header.Get("X-Return-Audit") != "1" {
		resp.AuditInfo = nil
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// writeGatewayError maps pipeline errors onto the HTTP taxonomy.
func (h *Handlers) writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		rateErr     *provider.RateLimitedError
		upstreamErr *provider.UpstreamError
	)
	switch {
	case errors.Is(err, gateway.ErrServerBusy):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServerBusy, "server is at capacity, retry shortly")
	case errors.Is(err, gateway.ErrAuditFailure):
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeAuditFailure, "audit trail unavailable, request refused")
	case errors.Is(err, provider.ErrNoHealthyProvider):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeNoHealthyProvider, err.Error())
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())))
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, err.Error())
	case errors.As(err, &upstreamErr):
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstreamFailed, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusRequestTimeout, model.ErrCodeDeadline, "request deadline exceeded")
	default:
		h.logger.Error("chat completion failed",
			"error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal server error")
	}
}

// HandleHealthz handles GET /healthz: process liveness only.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.version,
		"uptime":  int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleReadyz handles GET /readyz: provider reachability and breaker
// states. Reports 503 when no provider is reachable.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	health := h.gateway.Health(r.Context())

	status := http.StatusOK
	if providers, ok := health["providers"].(map[string]bool); ok && len(providers) > 0 {
		anyUp := false
		for _, up := range providers {
			if up {
				anyUp = true
				break
			}
		}
		if !anyUp {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, r, status, health)
}

// --- Shared helpers ---

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, errors.New("invalid " + key + ": expected RFC3339 format (e.g. 2024-01-01T00:00:00Z)")
	}
	return &t, nil
}
