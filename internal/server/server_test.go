package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-ai/aegis/internal/alerting"
	"github.com/aegis-ai/aegis/internal/audit"
	"github.com/aegis-ai/aegis/internal/auth"
	"github.com/aegis-ai/aegis/internal/embedding"
	"github.com/aegis-ai/aegis/internal/evaluator"
	"github.com/aegis-ai/aegis/internal/gateway"
	"github.com/aegis-ai/aegis/internal/model"
	"github.com/aegis-ai/aegis/internal/policy"
	"github.com/aegis-ai/aegis/internal/provider"
	"github.com/aegis-ai/aegis/internal/ratelimit"
	"github.com/aegis-ai/aegis/internal/resilience"
	"github.com/aegis-ai/aegis/internal/retriever"
	"github.com/aegis-ai/aegis/internal/store"
	"github.com/aegis-ai/aegis/internal/webhook"
)

type stubAdapter struct {
	reply string
}

func (s *stubAdapter) Name() string { return "openai" }

func (s *stubAdapter) Call(_ context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	return &model.ChatResponse{
		ID:     "chatcmpl-stub",
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []model.ChatChoice{{
			Message:      model.ChatMessage{Role: model.RoleAssistant, Content: s.reply},
			FinishReason: model.FinishStop,
		}},
	}, nil
}

func (s *stubAdapter) HealthCheck(context.Context) bool { return true }
func (s *stubAdapter) RateLimitStatus() provider.RateLimitStatus {
	return provider.RateLimitStatus{}
}

type testServer struct {
	srv   *Server
	authn *auth.TokenAuthenticator
}

func newTestServer(t *testing.T, limiter ratelimit.Limiter) *testServer {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	kv := store.NewMemory()

	registry := provider.NewRegistry()
	registry.Register(&stubAdapter{reply: "Our refund window is 30 days."})

	auditLog, err := audit.New(kv, []byte("0123456789abcdef0123456789abcdef"), logger)
	require.NoError(t, err)

	policies := policy.New(kv, logger)
	webhooks := webhook.New(kv, logger)
	alerts := alerting.New(kv, webhooks, logger)
	retr := retriever.New(kv, store.NewMemoryVector(), embedding.NewPseudo(64), logger)

	gw := gateway.New(gateway.Config{
		Registry:  registry,
		Cache:     resilience.NewResponseCache(resilience.NewMemoryCache(), time.Hour, logger),
		Deduper:   resilience.NewDeduper(),
		Breakers:  resilience.NewBreakerSet(5, 30*time.Second, logger),
		Mesh:      evaluator.NewMesh(evaluator.Builtins(), logger),
		Policies:  policies,
		Audit:     auditLog,
		Retriever: retr,
		Webhooks:  webhooks,
		Alerts:    alerts,
		Logger:    logger,
	})

	authn := auth.NewTokenAuthenticator("test-signing-secret", time.Hour, nil)

	srv := New(Config{
		Gateway:   gw,
		Audit:     auditLog,
		Policies:  policies,
		Auth:      authn,
		Retriever: retr,
		Webhooks:  webhooks,
		Alerts:    alerts,
		Limiter:   limiter,
		Logger:    logger,
		Version:   "test",
	})
	return &testServer{srv: srv, authn: authn}
}

func (ts *testServer) token(t *testing.T, id auth.Identity) string {
	t.Helper()
	token, _, err := ts.authn.IssueToken(id)
	require.NoError(t, err)
	return token
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var envelope struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Data
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) model.APIError {
	t.Helper()
	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	return apiErr
}

func user() auth.Identity {
	return auth.Identity{UserID: "user-1", OrgID: "org1", Role: auth.RoleUser}
}

func admin() auth.Identity {
	return auth.Identity{UserID: "root", OrgID: "org1", Role: auth.RoleAdmin}
}

func chatBody(prompt string) model.ChatRequest {
	return model.ChatRequest{
		Model:    "gpt-4o",
		Messages: []model.ChatMessage{{Role: model.RoleUser, Content: prompt}},
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/v1/policies/rules", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, model.ErrCodeUnauthorized, decodeAPIError(t, rec).Error.Code)

	rec = ts.do(t, http.MethodGet, "/v1/policies/rules", "not-a-jwt", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays open.
	rec = ts.do(t, http.MethodGet, "/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDEcho(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/healthz", "", nil, map[string]string{"X-Request-ID": "req-abc"})
	assert.Equal(t, "req-abc", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestChatCompletions(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.token(t, user())

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", token, chatBody("what is the refund policy?"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp model.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Our refund window is 30 days.", resp.FirstContent())
	assert.Nil(t, resp.AuditInfo, "audit info is stripped by default")
}

func TestChatCompletionsReturnAudit(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.token(t, user())

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", token, chatBody("hello"),
		map[string]string{"X-Return-Audit": "1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.AuditInfo)
	assert.NotEmpty(t, resp.AuditInfo.RequestID)
}

func TestChatCompletionsToleratesUnknownFields(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.token(t, user())

	body := map[string]any{
		"model":    "gpt-4o",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
		"top_p":    0.9,
		"n":        1,
	}
	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", token, body, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestChatCompletionsValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.token(t, user())

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", token,
		model.ChatRequest{Model: "gpt-4o"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeBadRequest, decodeAPIError(t, rec).Error.Code)
}

func TestChatCompletionsUnroutableModel(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.token(t, user())

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", token, chatBody("hi"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := chatBody("hi")
	body.Model = "claude-sonnet-4"
	rec = ts.do(t, http.MethodPost, "/v1/chat/completions", token, body, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, model.ErrCodeNoHealthyProvider, decodeAPIError(t, rec).Error.Code)
}

func TestPolicyRuleLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.token(t, user())

	created := decodeEnvelope[model.PolicyRule](t, mustCode(t, http.StatusCreated,
		ts.do(t, http.MethodPost, "/v1/policies/rules", token, model.PolicyRule{
			Name:      "no flagged content",
			Condition: "toxicity < 0.5",
			Action:    model.ActionBlock,
			Enabled:   true,
		}, nil)))
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "org1", created.OrgID)

	got := decodeEnvelope[model.PolicyRule](t, mustCode(t, http.StatusOK,
		ts.do(t, http.MethodGet, "/v1/policies/rules/"+created.ID, token, nil, nil)))
	assert.Equal(t, created.Name, got.Name)

	created.Name = "renamed"
	updated := decodeEnvelope[model.PolicyRule](t, mustCode(t, http.StatusOK,
		ts.do(t, http.MethodPut, "/v1/policies/rules/"+created.ID, token, created, nil)))
	assert.Equal(t, "renamed", updated.Name)

	list := decodeEnvelope[[]model.PolicyRule](t, mustCode(t, http.StatusOK,
		ts.do(t, http.MethodGet, "/v1/policies/rules", token, nil, nil)))
	require.Len(t, list, 1)

	mustCode(t, http.StatusOK, ts.do(t, http.MethodDelete, "/v1/policies/rules/"+created.ID, token, nil, nil))
	rec := ts.do(t, http.MethodGet, "/v1/policies/rules/"+created.ID, token, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPolicyRuleValidationRejected(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.token(t, user())

	rec := ts.do(t, http.MethodPost, "/v1/policies/rules", token, model.PolicyRule{
		Name:      "bad action",
		Condition: "toxicity < 0.5",
		Action:    "EXPLODE",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPolicyTemplateRoundTrip(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.token(t, user())

	mustCode(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/policies/rules", token, model.PolicyRule{
		Name: "r1", Condition: "overall < 0.5", Action: model.ActionFlag, Enabled: true,
	}, nil))

	tpl := decodeEnvelope[policy.Template](t, mustCode(t, http.StatusOK,
		ts.do(t, http.MethodGet, "/v1/policies/templates/baseline", token, nil, nil)))
	assert.Equal(t, "baseline", tpl.Name)
	require.Len(t, tpl.Rules, 1)
	assert.Empty(t, tpl.Rules[0].ID)

	// Import into another org.
	otherToken := ts.token(t, auth.Identity{UserID: "u2", OrgID: "org2", Role: auth.RoleUser})
	imported := decodeEnvelope[[]model.PolicyRule](t, mustCode(t, http.StatusCreated,
		ts.do(t, http.MethodPost, "/v1/policies/templates", otherToken, tpl, nil)))
	require.Len(t, imported, 1)
	assert.Equal(t, "org2", imported[0].OrgID)
	assert.NotEmpty(t, imported[0].ID)
}

func TestAuditTrailAndExport(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.token(t, user())

	mustCode(t, http.StatusOK, ts.do(t, http.MethodPost, "/v1/chat/completions", token, chatBody("hello"), nil))

	entries := decodeEnvelope[[]model.AuditEntry](t, mustCode(t, http.StatusOK,
		ts.do(t, http.MethodGet, "/v1/audit", token, nil, nil)))
	require.Len(t, entries, 2)
	assert.Equal(t, model.AuditPass, entries[0].Type)
	assert.Equal(t, model.AuditRequest, entries[1].Type)

	// Type filter.
	entries = decodeEnvelope[[]model.AuditEntry](t, mustCode(t, http.StatusOK,
		ts.do(t, http.MethodGet, "/v1/audit?type=REQUEST", token, nil, nil)))
	require.Len(t, entries, 1)

	// CSV export.
	rec := ts.do(t, http.MethodGet, "/v1/audit?format=csv", token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "id,timestamp,"))

	// Verify reports a clean chain.
	verification := decodeEnvelope[model.ChainVerification](t, mustCode(t, http.StatusOK,
		ts.do(t, http.MethodGet, "/v1/audit/verify", token, nil, nil)))
	assert.True(t, verification.OK)
	assert.Equal(t, 2, verification.Entries)

	stats := decodeEnvelope[model.AuditStatistics](t, mustCode(t, http.StatusOK,
		ts.do(t, http.MethodGet, "/v1/audit/stats", token, nil, nil)))
	assert.Equal(t, 2, stats.TotalEntries)
}

func TestAuditArchiveAdminOnly(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/v1/audit/archive", ts.token(t, user()),
		archiveRequest{OlderThanDays: 30}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	archived := decodeEnvelope[map[string]int](t, mustCode(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/v1/audit/archive", ts.token(t, admin()),
			archiveRequest{OlderThanDays: 30}, nil)))
	assert.Equal(t, 0, archived["archived"])
}

func TestDocumentLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.token(t, user())

	doc := decodeEnvelope[model.Document](t, mustCode(t, http.StatusCreated,
		ts.do(t, http.MethodPost, "/v1/documents", token, model.DocumentInput{
			ID:       "refunds",
			Content:  "Refunds are processed within 30 days of purchase.",
			Filename: "refunds.md",
		}, nil)))
	assert.Equal(t, "org1", doc.OrgID)
	assert.Positive(t, doc.ChunkCount)

	docs := decodeEnvelope[[]model.Document](t, mustCode(t, http.StatusOK,
		ts.do(t, http.MethodGet, "/v1/documents", token, nil, nil)))
	require.Len(t, docs, 1)

	hits := decodeEnvelope[[]model.SearchHit](t, mustCode(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/v1/documents/search", token,
			searchDocumentsRequest{Query: "refund processing", Threshold: -1}, nil)))
	_ = hits // pseudo embeddings give no similarity guarantees, only shape

	stats := decodeEnvelope[retriever.Stats](t, mustCode(t, http.StatusOK,
		ts.do(t, http.MethodGet, "/v1/documents/stats", token, nil, nil)))
	assert.Equal(t, 1, stats.Documents)

	mustCode(t, http.StatusOK, ts.do(t, http.MethodDelete, "/v1/documents/refunds", token, nil, nil))
	rec := ts.do(t, http.MethodGet, "/v1/documents/refunds", token, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDocumentTenantIsolation(t *testing.T) {
	ts := newTestServer(t, nil)

	mustCode(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/documents",
		ts.token(t, user()), model.DocumentInput{ID: "d1", Content: "secret plans", Filename: "p.md"}, nil))

	otherToken := ts.token(t, auth.Identity{UserID: "u2", OrgID: "org2", Role: auth.RoleUser})
	rec := ts.do(t, http.MethodGet, "/v1/documents/d1", otherToken, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookEndpointValidationAndSecrets(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.token(t, user())

	rec := ts.do(t, http.MethodPost, "/v1/webhooks", token,
		webhookEndpointRequest{URL: "ftp://example.com", Secret: "s3cret"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/webhooks", token,
		webhookEndpointRequest{URL: "https://example.com/hook", Secret: "s3cret"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotContains(t, rec.Body.String(), "s3cret", "secrets never leave the server")

	created := decodeEnvelope[model.WebhookEndpoint](t, rec)
	require.NotEmpty(t, created.ID)

	list := decodeEnvelope[[]model.WebhookEndpoint](t, mustCode(t, http.StatusOK,
		ts.do(t, http.MethodGet, "/v1/webhooks", token, nil, nil)))
	require.Len(t, list, 1)

	mustCode(t, http.StatusOK, ts.do(t, http.MethodDelete, "/v1/webhooks/"+created.ID, token, nil, nil))
}

func TestWebhookTestDelivery(t *testing.T) {
	received := make(chan *http.Request, 1)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Clone(context.Background())
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	ts := newTestServer(t, nil)
	token := ts.token(t, user())

	created := decodeEnvelope[model.WebhookEndpoint](t, mustCode(t, http.StatusCreated,
		ts.do(t, http.MethodPost, "/v1/webhooks", token,
			webhookEndpointRequest{URL: receiver.URL, Secret: "s3cret"}, nil)))

	mustCode(t, http.StatusOK, ts.do(t, http.MethodPost, "/v1/webhooks/"+created.ID+"/test", token, nil, nil))

	select {
	case r := <-received:
		assert.Equal(t, string(model.EventEvaluationCompleted), r.Header.Get("X-Event"))
		assert.NotEmpty(t, r.Header.Get("X-Signature"))
	default:
		t.Fatal("no delivery received")
	}
}

func TestAlertRuleLifecycleAndResolve(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.token(t, user())

	created := decodeEnvelope[model.AlertRule](t, mustCode(t, http.StatusCreated,
		ts.do(t, http.MethodPost, "/v1/alerts/rules", token, model.AlertRule{
			Name:    "too many blocks",
			Enabled: true,
			Conditions: []model.AlertCondition{{
				Metric:            model.MetricBlockedCount,
				Operator:          ">",
				Value:             10,
				TimeWindowMinutes: 5,
				Aggregation:       model.AggSum,
			}},
			Actions: []string{model.ChannelDashboard},
		}, nil)))
	require.NotEmpty(t, created.ID)

	rules := decodeEnvelope[[]model.AlertRule](t, mustCode(t, http.StatusOK,
		ts.do(t, http.MethodGet, "/v1/alerts/rules", token, nil, nil)))
	require.Len(t, rules, 1)

	alerts := decodeEnvelope[[]model.Alert](t, mustCode(t, http.StatusOK,
		ts.do(t, http.MethodGet, "/v1/alerts", token, nil, nil)))
	assert.Empty(t, alerts)

	rec := ts.do(t, http.MethodPost, "/v1/alerts/nonexistent/resolve", token, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	mustCode(t, http.StatusOK, ts.do(t, http.MethodDelete, "/v1/alerts/rules/"+created.ID, token, nil, nil))
}

func TestRateLimitEnforced(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1)
	t.Cleanup(func() { _ = limiter.Close() })

	ts := newTestServer(t, limiter)
	token := ts.token(t, user())

	rec := ts.do(t, http.MethodGet, "/v1/policies/rules", token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = ts.do(t, http.MethodGet, "/v1/policies/rules", token, nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, model.ErrCodeRateLimited, decodeAPIError(t, rec).Error.Code)

	// Admins are exempt.
	adminToken := ts.token(t, admin())
	rec = ts.do(t, http.MethodGet, "/v1/policies/rules", adminToken, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyz(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/readyz", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	health := decodeEnvelope[map[string]any](t, rec)
	assert.Contains(t, health, "providers")
	assert.Contains(t, health, "breakers")
}

func mustCode(t *testing.T, want int, rec *httptest.ResponseRecorder) *httptest.ResponseRecorder {
	t.Helper()
	require.Equal(t, want, rec.Code, rec.Body.String())
	return rec
}
