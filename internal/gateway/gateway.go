// Package gateway orchestrates the governance pipeline: audit the
// request, consult the cache, retrieve tenant context, call the provider
// through dedup and circuit breakers, evaluate the response, apply
// policy, audit the outcome, and fan out webhooks.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-ai/aegis/internal/alerting"
	"github.com/aegis-ai/aegis/internal/audit"
	"github.com/aegis-ai/aegis/internal/auth"
	"github.com/aegis-ai/aegis/internal/evaluator"
	"github.com/aegis-ai/aegis/internal/model"
	"github.com/aegis-ai/aegis/internal/policy"
	"github.com/aegis-ai/aegis/internal/provider"
	"github.com/aegis-ai/aegis/internal/resilience"
	"github.com/aegis-ai/aegis/internal/retriever"
	"github.com/aegis-ai/aegis/internal/webhook"
)

// DefaultRequestDeadline bounds the whole pipeline for one request.
const DefaultRequestDeadline = 60 * time.Second

// ErrServerBusy is returned when the in-flight request cap is reached.
var ErrServerBusy = errors.New("gateway: server busy")

// ErrAuditFailure means the audit chain could not be written. Requests
// never proceed, and responses never leave, unaudited.
var ErrAuditFailure = errors.New("gateway: audit write failed")

// Config wires the gateway's collaborators.
type Config struct {
	Registry  *provider.Registry
	Cache     *resilience.ResponseCache
	Deduper   *resilience.Deduper
	Breakers  *resilience.BreakerSet
	Mesh      *evaluator.Mesh
	Policies  *policy.Engine
	Audit     *audit.Log
	Retriever *retriever.Retriever
	Webhooks  *webhook.Manager
	Alerts    *alerting.Engine
	Logger    *slog.Logger

	RequestDeadline time.Duration
	MaxConcurrent   int
}

// Gateway runs the pipeline.
type Gateway struct {
	registry  *provider.Registry
	cache     *resilience.ResponseCache
	deduper   *resilience.Deduper
	breakers  *resilience.BreakerSet
	mesh      *evaluator.Mesh
	policies  *policy.Engine
	audit     *audit.Log
	retriever *retriever.Retriever
	webhooks  *webhook.Manager
	alerts    *alerting.Engine
	logger    *slog.Logger
	now       func() time.Time

	deadline time.Duration
	inflight chan struct{}
}

// New builds a gateway from its collaborators.
func New(cfg Config) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = DefaultRequestDeadline
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 512
	}
	return &Gateway{
		registry:  cfg.Registry,
		cache:     cfg.Cache,
		deduper:   cfg.Deduper,
		breakers:  cfg.Breakers,
		mesh:      cfg.Mesh,
		policies:  cfg.Policies,
		audit:     cfg.Audit,
		retriever: cfg.Retriever,
		webhooks:  cfg.Webhooks,
		alerts:    cfg.Alerts,
		logger:    cfg.Logger,
		now:       time.Now,
		deadline:  cfg.RequestDeadline,
		inflight:  make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Complete runs one chat request through the full pipeline. The returned
// response always carries AuditInfo; the HTTP layer strips it unless the
// caller asked for it.
func (g *Gateway) Complete(ctx context.Context, id auth.Identity, req model.ChatRequest) (*model.ChatResponse, error) {
	select {
	case g.inflight <- struct{}{}:
		defer func() { <-g.inflight }()
	default:
		return nil, ErrServerBusy
	}

	ctx, cancel := context.WithTimeout(ctx, g.deadline)
	defer cancel()

	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("gateway: invalid request: %w", err)
	}

	start := g.now()
	requestID := "req_" + uuid.NewString()
	log := g.logger.With("request_id", requestID, "org_id", id.OrgID, "model", req.Model)

	// Nothing proceeds unaudited.
	if _, err := g.audit.LogRequest(ctx, requestID, id.OrgID, id.UserID, req); err != nil {
		log.Error("gateway: audit request entry failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrAuditFailure, err)
	}

	if resilience.Cacheable(&req) {
		if cached := g.cache.Lookup(ctx, id.OrgID, &req); cached != nil {
			return g.finishCached(ctx, log, requestID, id, cached, start)
		}
	}

	// Context retrieval is best-effort: an unhappy vector index degrades
	// evaluation quality, it does not fail the request.
	var hits []model.SearchHit
	if g.retriever != nil {
		var err error
		hits, err = g.retriever.Search(ctx, id.OrgID, req.LastUserContent(), retriever.SearchOptions{})
		if err != nil {
			log.Warn("gateway: context retrieval failed", "error", err)
			hits = nil
		}
	}

	resp, err := g.callProvider(ctx, id.OrgID, &req)
	if err != nil {
		if _, aerr := g.audit.LogError(ctx, requestID, id.OrgID, id.UserID, err.Error()); aerr != nil {
			log.Error("gateway: audit error entry failed", "error", aerr)
		}
		g.record(id.OrgID, model.MetricRequestLatencyMS, g.sinceMS(start))
		return nil, err
	}
	providerLatency := g.sinceMS(start)
	g.record(id.OrgID, model.MetricProviderLatencyMS, providerLatency)

	original := resp.FirstContent()
	eval := g.mesh.Evaluate(ctx, evaluator.Input{
		Prompt:   req.LastUserContent(),
		Response: original,
		OrgID:    id.OrgID,
		UserRole: id.Role,
		Now:      g.now(),
		Context:  hits,
	})

	eval, err = g.policies.Decide(ctx, original, eval, model.PolicyContext{
		OrgID:    id.OrgID,
		UserID:   id.UserID,
		UserRole: id.Role,
		Now:      g.now(),
	})
	if err != nil {
		// Degraded mode: the mesh preview action still applies.
		log.Error("gateway: policy decision failed, using mesh verdict", "error", err)
	}

	final := applyAction(resp, eval)
	latency := g.sinceMS(start)

	if resilience.Cacheable(&req) && eval.Action != model.ActionBlock {
		g.cache.Store(ctx, id.OrgID, &req, final)
	}

	// The completion entry must be durable before any webhook fires.
	completion := audit.Completion{
		RequestID:        requestID,
		OrgID:            id.OrgID,
		UserID:           id.UserID,
		OriginalResponse: original,
		FinalResponse:    final.FirstContent(),
		Evaluation:       eval,
		LatencyMs:        int64(latency),
		DocumentsUsed:    eval.DocumentsUsed,
	}
	if _, err := g.audit.LogComplete(ctx, completion); err != nil {
		log.Error("gateway: audit completion entry failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrAuditFailure, err)
	}

	g.dispatchEvents(ctx, requestID, id.OrgID, req.Model, eval)
	g.recordOutcome(id.OrgID, eval, latency)

	final.AuditInfo = &model.AuditInfo{
		RequestID:     requestID,
		Action:        eval.Action,
		Score:         eval.Scores.Overall,
		Confidence:    eval.Confidence,
		AppliedRules:  eval.AppliedRules,
		DocumentsUsed: eval.DocumentsUsed,
	}
	log.Info("gateway: request complete",
		"action", eval.Action, "score", eval.Scores.Overall, "latency_ms", latency)
	return final, nil
}

// callProvider routes the model, then runs the call behind the deduper
// and the provider's circuit breaker.
func (g *Gateway) callProvider(ctx context.Context, orgID string, req *model.ChatRequest) (*model.ChatResponse, error) {
	adapter, err := g.registry.ForModel(req.Model)
	if err != nil {
		return nil, err
	}
	resp, shared, err := g.deduper.Do(ctx, resilience.CacheKey(orgID, req), func() (*model.ChatResponse, error) {
		return g.breakers.Execute(ctx, adapter.Name(), func() (*model.ChatResponse, error) {
			return adapter.Call(ctx, req)
		})
	})
	if err != nil {
		return nil, err
	}
	if shared {
		g.logger.Debug("gateway: joined in-flight identical request", "provider", adapter.Name())
	}
	return resp, nil
}

// finishCached completes the pipeline for a cache hit: no provider call,
// no re-evaluation, but the trail still records the serve.
func (g *Gateway) finishCached(ctx context.Context, log *slog.Logger, requestID string, id auth.Identity, cached *model.ChatResponse, start time.Time) (*model.ChatResponse, error) {
	latency := g.sinceMS(start)
	completion := audit.Completion{
		RequestID:        requestID,
		OrgID:            id.OrgID,
		UserID:           id.UserID,
		OriginalResponse: cached.FirstContent(),
		FinalResponse:    cached.FirstContent(),
		Evaluation:       model.Evaluation{Action: model.ActionPass, Confidence: 1},
		LatencyMs:        int64(latency),
	}
	if _, err := g.audit.LogComplete(ctx, completion); err != nil {
		log.Error("gateway: audit completion entry failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrAuditFailure, err)
	}
	g.record(id.OrgID, model.MetricRequestLatencyMS, latency)

	cached.AuditInfo = &model.AuditInfo{
		RequestID:  requestID,
		Action:     model.ActionPass,
		Confidence: 1,
		Cached:     true,
	}
	log.Info("gateway: served from cache", "latency_ms", latency)
	return cached, nil
}

// applyAction produces the final response per the policy verdict.
func applyAction(resp *model.ChatResponse, eval model.Evaluation) *model.ChatResponse {
	out := *resp
	out.Choices = make([]model.ChatChoice, len(resp.Choices))
	copy(out.Choices, resp.Choices)

	switch eval.Action {
	case model.ActionBlock:
		// A block strips the content entirely; the finish reason is the
		// only signal the caller gets.
		for i := range out.Choices {
			out.Choices[i].Message.Content = ""
			out.Choices[i].FinishReason = model.FinishContentFilter
		}
	case model.ActionRewrite:
		if eval.Rewrite != "" && len(out.Choices) > 0 {
			out.Choices[0].Message.Content = eval.Rewrite
		}
	}
	return &out
}

// deriveEvents maps the final action to the webhook events it produces:
// BLOCK and REWRITE announce the intervention, FLAG surfaces the
// violations, and a clean PASS announces completion.
func deriveEvents(eval model.Evaluation) []model.WebhookEventType {
	switch eval.Action {
	case model.ActionBlock:
		return []model.WebhookEventType{model.EventContentBlocked}
	case model.ActionRewrite:
		return []model.WebhookEventType{model.EventContentRewritten}
	case model.ActionFlag:
		return []model.WebhookEventType{model.EventPolicyViolation}
	case model.ActionPass:
		return []model.WebhookEventType{model.EventEvaluationCompleted}
	}
	return nil
}

// dispatchEvents fans the request outcome out to webhooks, detached from
// the request context so a closing response does not cancel delivery.
func (g *Gateway) dispatchEvents(ctx context.Context, requestID, orgID, modelName string, eval model.Evaluation) {
	if g.webhooks == nil {
		return
	}
	base := map[string]any{
		"requestId":  requestID,
		"model":      modelName,
		"action":     string(eval.Action),
		"score":      eval.Scores.Overall,
		"confidence": eval.Confidence,
	}

	detached := context.WithoutCancel(ctx)
	go func() {
		for _, typ := range deriveEvents(eval) {
			data := base
			if typ == model.EventPolicyViolation {
				data = make(map[string]any, len(base)+1)
				for k, v := range base {
					data[k] = v
				}
				types := make([]string, 0, len(eval.Violations))
				for _, v := range eval.Violations {
					types = append(types, v.Type)
				}
				data["violations"] = types
			}
			g.webhooks.Dispatch(detached, g.webhooks.NewEvent(orgID, typ, data))
		}
	}()
}

func (g *Gateway) recordOutcome(orgID string, eval model.Evaluation, latencyMS float64) {
	g.record(orgID, model.MetricRequestLatencyMS, latencyMS)
	if eval.Action == model.ActionBlock {
		g.record(orgID, model.MetricBlockedCount, 1)
	}
	if len(eval.Violations) > 0 {
		g.record(orgID, model.MetricViolationRate, 1)
	} else {
		g.record(orgID, model.MetricViolationRate, 0)
	}
	failed := 0.0
	for _, v := range eval.Violations {
		if v.Type == "evaluation_error" {
			failed = 1
			break
		}
	}
	g.record(orgID, model.MetricEvalFailureRate, failed)
}

func (g *Gateway) record(orgID, metric string, value float64) {
	if g.alerts != nil {
		g.alerts.Record(orgID, metric, value)
	}
}

func (g *Gateway) sinceMS(start time.Time) float64 {
	return float64(g.now().Sub(start).Milliseconds())
}

// Health reports provider reachability and breaker states for readiness.
func (g *Gateway) Health(ctx context.Context) map[string]any {
	return map[string]any{
		"providers": g.registry.HealthSnapshot(ctx),
		"breakers":  g.breakers.State(),
	}
}
