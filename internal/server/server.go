package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aegis-ai/aegis/internal/alerting"
	"github.com/aegis-ai/aegis/internal/audit"
	"github.com/aegis-ai/aegis/internal/auth"
	"github.com/aegis-ai/aegis/internal/gateway"
	"github.com/aegis-ai/aegis/internal/policy"
	"github.com/aegis-ai/aegis/internal/ratelimit"
	"github.com/aegis-ai/aegis/internal/retriever"
	"github.com/aegis-ai/aegis/internal/webhook"
)

// Server is the governance gateway HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Retriever, Webhooks, Alerts, Limiter.
type Config struct {
	// Required dependencies.
	Gateway  *gateway.Gateway
	Audit    *audit.Log
	Policies *policy.Engine
	Auth     auth.Authenticator
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Retriever *retriever.Retriever
	Webhooks  *webhook.Manager
	Alerts    *alerting.Engine
	Limiter   ratelimit.Limiter

	// HTTP server settings.
	BindAddr            string // Interface to bind; empty means all.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Gateway:             cfg.Gateway,
		Audit:               cfg.Audit,
		Policies:            cfg.Policies,
		Retriever:           cfg.Retriever,
		Webhooks:            cfg.Webhooks,
		Alerts:              cfg.Alerts,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Per-tenant rate limiting keyed by the authenticated org. Admins
	// are exempt; unauthenticated requests never reach these routes.
	rl := ratelimit.Middleware(cfg.Limiter, orgKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Chat completions (the hot path).
	mux.Handle("POST /v1/chat/completions", rl(http.HandlerFunc(h.HandleChatCompletions)))

	// Context documents.
	mux.Handle("POST /v1/documents", rl(http.HandlerFunc(h.HandleAddDocument)))
	mux.Handle("GET /v1/documents", rl(http.HandlerFunc(h.HandleListDocuments)))
	mux.Handle("GET /v1/documents/stats", rl(http.HandlerFunc(h.HandleDocumentStats)))
	mux.Handle("GET /v1/documents/{id}", rl(http.HandlerFunc(h.HandleGetDocument)))
	mux.Handle("PUT /v1/documents/{id}", rl(http.HandlerFunc(h.HandleUpdateDocument)))
	mux.Handle("DELETE /v1/documents/{id}", rl(http.HandlerFunc(h.HandleDeleteDocument)))
	mux.Handle("GET /v1/documents/{id}/similar", rl(http.HandlerFunc(h.HandleSimilarDocuments)))
	mux.Handle("POST /v1/documents/search", rl(http.HandlerFunc(h.HandleSearchDocuments)))

	// Audit trail. Archive rewrites the chain head, so it is admin-only.
	adminOnly := requireRole(auth.RoleAdmin)
	mux.Handle("GET /v1/audit", rl(http.HandlerFunc(h.HandleAuditTrail)))
	mux.Handle("POST /v1/audit/search", rl(http.HandlerFunc(h.HandleAuditSearch)))
	mux.Handle("GET /v1/audit/stats", rl(http.HandlerFunc(h.HandleAuditStats)))
	mux.Handle("GET /v1/audit/verify", rl(http.HandlerFunc(h.HandleAuditVerify)))
	mux.Handle("POST /v1/audit/archive", adminOnly(http.HandlerFunc(h.HandleAuditArchive)))

	// Policy rules and templates.
	mux.Handle("GET /v1/policies/rules", rl(http.HandlerFunc(h.HandleListPolicyRules)))
	mux.Handle("POST /v1/policies/rules", rl(http.HandlerFunc(h.HandleCreatePolicyRule)))
	mux.Handle("GET /v1/policies/rules/{id}", rl(http.HandlerFunc(h.HandleGetPolicyRule)))
	mux.Handle("PUT /v1/policies/rules/{id}", rl(http.HandlerFunc(h.HandleUpdatePolicyRule)))
	mux.Handle("DELETE /v1/policies/rules/{id}", rl(http.HandlerFunc(h.HandleDeletePolicyRule)))
	mux.Handle("GET /v1/policies/templates/{name}", rl(http.HandlerFunc(h.HandleExportPolicyTemplate)))
	mux.Handle("POST /v1/policies/templates", rl(http.HandlerFunc(h.HandleImportPolicyTemplate)))

	// Webhook endpoints.
	mux.Handle("GET /v1/webhooks", rl(http.HandlerFunc(h.HandleListWebhooks)))
	mux.Handle("POST /v1/webhooks", rl(http.HandlerFunc(h.HandleCreateWebhook)))
	mux.Handle("GET /v1/webhooks/failed", rl(http.HandlerFunc(h.HandleFailedDeliveries)))
	mux.Handle("POST /v1/webhooks/failed/{id}/replay", rl(http.HandlerFunc(h.HandleReplayDelivery)))
	mux.Handle("GET /v1/webhooks/{id}", rl(http.HandlerFunc(h.HandleGetWebhook)))
	mux.Handle("PUT /v1/webhooks/{id}", rl(http.HandlerFunc(h.HandleUpdateWebhook)))
	mux.Handle("DELETE /v1/webhooks/{id}", rl(http.HandlerFunc(h.HandleDeleteWebhook)))
	mux.Handle("POST /v1/webhooks/{id}/test", rl(http.HandlerFunc(h.HandleTestWebhook)))

	// Alert rules and triggered alerts.
	mux.Handle("GET /v1/alerts/rules", rl(http.HandlerFunc(h.HandleListAlertRules)))
	mux.Handle("POST /v1/alerts/rules", rl(http.HandlerFunc(h.HandleCreateAlertRule)))
	mux.Handle("GET /v1/alerts/rules/{id}", rl(http.HandlerFunc(h.HandleGetAlertRule)))
	mux.Handle("PUT /v1/alerts/rules/{id}", rl(http.HandlerFunc(h.HandleUpdateAlertRule)))
	mux.Handle("DELETE /v1/alerts/rules/{id}", rl(http.HandlerFunc(h.HandleDeleteAlertRule)))
	mux.Handle("GET /v1/alerts", rl(http.HandlerFunc(h.HandleListAlerts)))
	mux.Handle("POST /v1/alerts/{id}/resolve", rl(http.HandlerFunc(h.HandleResolveAlert)))

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Auth, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// orgKeyFunc extracts the org ID from the request context for rate
// limiting. Returns empty string for admins (exempt from rate limits).
func orgKeyFunc(r *http.Request) string {
	id := IdentityFromContext(r.Context())
	if id == nil {
		return ""
	}
	if id.Role == auth.RoleAdmin {
		return ""
	}
	return id.OrgID
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
