package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-ai/aegis/internal/alerting"
	"github.com/aegis-ai/aegis/internal/audit"
	"github.com/aegis-ai/aegis/internal/auth"
	"github.com/aegis-ai/aegis/internal/evaluator"
	"github.com/aegis-ai/aegis/internal/model"
	"github.com/aegis-ai/aegis/internal/policy"
	"github.com/aegis-ai/aegis/internal/provider"
	"github.com/aegis-ai/aegis/internal/resilience"
	"github.com/aegis-ai/aegis/internal/store"
)

// fakeAdapter is a scriptable provider.
type fakeAdapter struct {
	name    string
	mu      sync.Mutex
	calls   atomic.Int64
	reply   string
	err     error
	latency time.Duration
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Call(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	f.calls.Add(1)
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	reply, err := f.reply, f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &model.ChatResponse{
		ID:     "chatcmpl-fake",
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []model.ChatChoice{{
			Message:      model.ChatMessage{Role: model.RoleAssistant, Content: reply},
			FinishReason: model.FinishStop,
		}},
		Usage: model.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}, nil
}

func (f *fakeAdapter) HealthCheck(context.Context) bool { return true }
func (f *fakeAdapter) RateLimitStatus() provider.RateLimitStatus {
	return provider.RateLimitStatus{}
}

func (f *fakeAdapter) set(reply string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply, f.err = reply, err
}

type fixture struct {
	gw      *Gateway
	adapter *fakeAdapter
	kv      *store.Memory
	audit   *audit.Log
	policy  *policy.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	kv := store.NewMemory()

	adapter := &fakeAdapter{name: "openai", reply: "Our refund window is 30 days."}
	registry := provider.NewRegistry()
	registry.Register(adapter)

	auditLog, err := audit.New(kv, []byte("0123456789abcdef0123456789abcdef"), logger)
	require.NoError(t, err)

	policies := policy.New(kv, logger)

	gw := New(Config{
		Registry: registry,
		Cache:    resilience.NewResponseCache(resilience.NewMemoryCache(), time.Hour, logger),
		Deduper:  resilience.NewDeduper(),
		Breakers: resilience.NewBreakerSet(5, 30*time.Second, logger),
		Mesh:     evaluator.NewMesh(evaluator.Builtins(), logger),
		Policies: policies,
		Audit:    auditLog,
		Alerts:   alerting.New(kv, nil, logger),
		Logger:   logger,
	})
	// Pin the clock outside business hours so the time-of-day policy
	// overrides never fire depending on when the tests run.
	gw.now = func() time.Time { return time.Date(2026, 8, 30, 3, 0, 0, 0, time.UTC) }
	return &fixture{gw: gw, adapter: adapter, kv: kv, audit: auditLog, policy: policies}
}

func caller() auth.Identity {
	return auth.Identity{UserID: "user-1", OrgID: "org1", Role: auth.RoleUser}
}

func chatReq(prompt string) model.ChatRequest {
	return model.ChatRequest{
		Model:    "gpt-4o",
		Messages: []model.ChatMessage{{Role: model.RoleUser, Content: prompt}},
	}
}

func TestCleanRequestPasses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp, err := f.gw.Complete(ctx, caller(), chatReq("what is the refund policy?"))
	require.NoError(t, err)
	assert.Equal(t, "Our refund window is 30 days.", resp.FirstContent())
	assert.Equal(t, model.FinishStop, resp.Choices[0].FinishReason)

	require.NotNil(t, resp.AuditInfo)
	assert.Equal(t, model.ActionPass, resp.AuditInfo.Action)
	assert.False(t, resp.AuditInfo.Cached)
	assert.NotEmpty(t, resp.AuditInfo.RequestID)

	// REQUEST and PASS entries landed on the chain.
	trail, err := f.audit.Trail(ctx, "org1", model.AuditQuery{})
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, model.AuditPass, trail[0].Type)
	assert.Equal(t, model.AuditRequest, trail[1].Type)
}

func TestPolicyBlockStripsContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.policy.CreateRule(ctx, "org1", model.PolicyRule{
		Name:      "block everything flagged",
		Condition: "toxicity < 0.9",
		Action:    model.ActionBlock,
		Enabled:   true,
	})
	require.NoError(t, err)

	f.adapter.set("you absolute idiot, figure it out yourself", nil)
	resp, err := f.gw.Complete(ctx, caller(), chatReq("help me"))
	require.NoError(t, err)

	assert.Empty(t, resp.FirstContent(), "a blocked response carries no content")
	assert.Equal(t, model.FinishContentFilter, resp.Choices[0].FinishReason)
	assert.Equal(t, model.ActionBlock, resp.AuditInfo.Action)

	trail, err := f.audit.Trail(ctx, "org1", model.AuditQuery{Type: model.AuditBlock})
	require.NoError(t, err)
	assert.Len(t, trail, 1)
}

func TestCacheHitSkipsProvider(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := chatReq("what is the refund policy?")
	first, err := f.gw.Complete(ctx, caller(), req)
	require.NoError(t, err)
	assert.False(t, first.AuditInfo.Cached)
	assert.Equal(t, int64(1), f.adapter.calls.Load())

	second, err := f.gw.Complete(ctx, caller(), req)
	require.NoError(t, err)
	assert.True(t, second.AuditInfo.Cached)
	assert.Equal(t, first.FirstContent(), second.FirstContent())
	assert.Equal(t, int64(1), f.adapter.calls.Load(), "cache hit never reaches the provider")

	// A different tenant misses the cache.
	other := caller()
	other.OrgID = "org2"
	_, err = f.gw.Complete(ctx, other, req)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.adapter.calls.Load())
}

func TestStreamingBypassesCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := chatReq("hello")
	req.Stream = true
	for range 2 {
		_, err := f.gw.Complete(ctx, caller(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(2), f.adapter.calls.Load())
}

func TestConcurrentIdenticalRequestsCollapse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.adapter.latency = 50 * time.Millisecond

	req := chatReq("dedup me")
	req.Stream = true // keep the cache out of the picture

	var wg sync.WaitGroup
	responses := make([]*model.ChatResponse, 5)
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.gw.Complete(ctx, caller(), req)
			assert.NoError(t, err)
			responses[i] = resp
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), f.adapter.calls.Load(), "identical in-flight requests share one upstream call")
	for _, resp := range responses {
		require.NotNil(t, resp)
		assert.Equal(t, "Our refund window is 30 days.", resp.FirstContent())
	}
}

func TestProviderErrorIsAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.adapter.set("", &provider.UpstreamError{Provider: "openai", Status: 500, Body: "boom"})
	_, err := f.gw.Complete(ctx, caller(), chatReq("hello"))
	require.Error(t, err)

	trail, err := f.audit.Trail(ctx, "org1", model.AuditQuery{Type: model.AuditError})
	require.NoError(t, err)
	assert.Len(t, trail, 1)
}

func TestUnroutableModel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := chatReq("hello")
	req.Model = "claude-sonnet-4"
	_, err := f.gw.Complete(ctx, caller(), req)
	assert.ErrorIs(t, err, provider.ErrNoHealthyProvider, "no anthropic adapter is registered")
}

func TestInvalidRequestRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.gw.Complete(ctx, caller(), model.ChatRequest{Model: "gpt-4o"})
	require.Error(t, err)
	assert.Equal(t, int64(0), f.adapter.calls.Load())
}

func TestServerBusy(t *testing.T) {
	f := newFixture(t)
	f.gw.inflight = make(chan struct{}, 1)
	f.gw.inflight <- struct{}{}

	_, err := f.gw.Complete(context.Background(), caller(), chatReq("hello"))
	assert.ErrorIs(t, err, ErrServerBusy)
}

// failingStore rejects every write, simulating a dead backing store.
type failingStore struct {
	store.Store
	err error
}

func (f *failingStore) Set(context.Context, string, []byte) error { return f.err }

func TestAuditFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	kv := &failingStore{Store: store.NewMemory(), err: errors.New("disk full")}
	auditLog, err := audit.New(kv, []byte("0123456789abcdef0123456789abcdef"), logger)
	require.NoError(t, err)

	adapter := &fakeAdapter{name: "openai", reply: "hi"}
	registry := provider.NewRegistry()
	registry.Register(adapter)

	gw := New(Config{
		Registry: registry,
		Cache:    resilience.NewResponseCache(resilience.NewMemoryCache(), time.Hour, logger),
		Deduper:  resilience.NewDeduper(),
		Breakers: resilience.NewBreakerSet(5, 30*time.Second, logger),
		Mesh:     evaluator.NewMesh(evaluator.Builtins(), logger),
		Policies: policy.New(kv, logger),
		Audit:    auditLog,
		Logger:   logger,
	})

	_, err = gw.Complete(ctx, caller(), chatReq("hello"))
	assert.ErrorIs(t, err, ErrAuditFailure)
	assert.Equal(t, int64(0), adapter.calls.Load(), "nothing proceeds unaudited")
}

func TestEventDerivationFollowsAction(t *testing.T) {
	violations := []model.Violation{{Type: "toxic_content"}}
	cases := []struct {
		action model.Action
		want   []model.WebhookEventType
	}{
		{model.ActionPass, []model.WebhookEventType{model.EventEvaluationCompleted}},
		{model.ActionFlag, []model.WebhookEventType{model.EventPolicyViolation}},
		{model.ActionBlock, []model.WebhookEventType{model.EventContentBlocked}},
		{model.ActionRewrite, []model.WebhookEventType{model.EventContentRewritten}},
	}
	for _, tc := range cases {
		t.Run(string(tc.action), func(t *testing.T) {
			// Violations alone never add events; only the action decides.
			got := deriveEvents(model.Evaluation{Action: tc.action, Violations: violations})
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRewriteReplacesFirstChoice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.policy.CreateRule(ctx, "org1", model.PolicyRule{
		Name:            "soften everything",
		Condition:       "overall <= 1.0",
		Action:          model.ActionRewrite,
		RewriteTemplate: "Reviewed by {rule_name}.",
		Enabled:         true,
	})
	require.NoError(t, err)

	resp, err := f.gw.Complete(ctx, caller(), chatReq("hello"))
	require.NoError(t, err)
	assert.Equal(t, "Reviewed by soften everything.", resp.FirstContent())
	assert.Equal(t, model.ActionRewrite, resp.AuditInfo.Action)
}
