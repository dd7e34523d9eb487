// Package aegis embeds the AI governance gateway as a library: one App
// owns the store, the provider registry, the evaluation mesh, the policy
// engine, the audit chain, and the HTTP server. Binaries call New and
// Run; hosts that want to mount the gateway inside a larger process use
// Handler instead.
package aegis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/aegis-ai/aegis/internal/alerting"
	"github.com/aegis-ai/aegis/internal/audit"
	"github.com/aegis-ai/aegis/internal/auth"
	"github.com/aegis-ai/aegis/internal/config"
	"github.com/aegis-ai/aegis/internal/embedding"
	"github.com/aegis-ai/aegis/internal/evaluator"
	"github.com/aegis-ai/aegis/internal/evaluator/plugin"
	"github.com/aegis-ai/aegis/internal/gateway"
	"github.com/aegis-ai/aegis/internal/policy"
	"github.com/aegis-ai/aegis/internal/provider"
	"github.com/aegis-ai/aegis/internal/ratelimit"
	"github.com/aegis-ai/aegis/internal/resilience"
	"github.com/aegis-ai/aegis/internal/retriever"
	"github.com/aegis-ai/aegis/internal/server"
	"github.com/aegis-ai/aegis/internal/store"
	"github.com/aegis-ai/aegis/internal/telemetry"
	"github.com/aegis-ai/aegis/internal/webhook"
)

// Background loop cadences. Webhook redeliveries are due on the minute
// scale, so a 30s sweep keeps attempt times within spec of their backoff.
const (
	webhookRetryInterval = 30 * time.Second
	cachePruneInterval   = time.Minute
)

// App is a fully wired governance gateway.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	version string

	kv           store.Store
	closeKV      func() error
	closeVectors func() error
	redis        *redis.Client
	memCache     *resilience.MemoryCache

	authn    *auth.TokenAuthenticator
	registry *provider.Registry
	webhooks *webhook.Manager
	alerts   *alerting.Engine
	gateway  *gateway.Gateway
	limiter  ratelimit.Limiter
	plugins  []*plugin.Plugin
	server   *server.Server

	otelShutdown telemetry.Shutdown

	shutdownOnce sync.Once
	shutdownErr  error
}

// New loads configuration from the environment (plus .env when present),
// connects the backing services, and wires the full pipeline. The
// returned App is not serving yet; call Run.
func New(ctx context.Context, opts ...Option) (*App, error) {
	// Non-fatal; production deployments configure through real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("aegis: %w", err)
	}

	resolved := resolveOptions(opts)
	if resolved.port > 0 {
		cfg.Port = resolved.port
	}

	logger := resolved.logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(cfg.LogLevel),
		}))
	}

	// Cleanup stack for construction failures; successful construction
	// hands ownership to Shutdown instead.
	var cleanups []func()
	fail := func(err error) (*App, error) {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		return nil, err
	}

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, resolved.version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("aegis: telemetry: %w", err)
	}
	cleanups = append(cleanups, func() { _ = otelShutdown(context.Background()) })

	// Shared KV store: Postgres for multi-node deployments, embedded
	// SQLite by default, memory for tests and throwaway runs.
	var kv store.Store
	var closeKV func() error
	switch {
	case cfg.DatabaseURL != "":
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fail(fmt.Errorf("aegis: %w", err))
		}
		kv, closeKV = pg, func() error { pg.Close(); return nil }
		logger.Info("store: postgres")
	case cfg.SQLitePath != "" && cfg.SQLitePath != "memory":
		sq, err := store.NewSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return fail(fmt.Errorf("aegis: %w", err))
		}
		kv, closeKV = sq, sq.Close
		logger.Info("store: sqlite", "path", cfg.SQLitePath)
	default:
		kv = store.NewMemory()
		logger.Info("store: memory (non-durable)")
	}
	if closeKV != nil {
		ck := closeKV
		cleanups = append(cleanups, func() { _ = ck() })
	}

	// Response cache backend: Redis when configured, so replicas share
	// hits; per-process memory otherwise.
	var cacheBackend resilience.CacheBackend
	var memCache *resilience.MemoryCache
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("aegis: parse REDIS_URL: %w", err))
		}
		redisClient = redis.NewClient(ropts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			return fail(fmt.Errorf("aegis: ping redis: %w", err))
		}
		cleanups = append(cleanups, func() { _ = redisClient.Close() })
		cacheBackend = resilience.NewRedisCache(redisClient)
		logger.Info("response cache: redis")
	} else {
		memCache = resilience.NewMemoryCache()
		cacheBackend = memCache
	}

	// Vector index: Qdrant for corpora beyond the in-memory exact scan.
	var vectors store.VectorStore
	var closeVectors func() error
	if cfg.QdrantURL != "" {
		qv, err := store.NewQdrantVector(store.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("aegis: %w", err))
		}
		cleanups = append(cleanups, func() { _ = qv.Close() })
		if err := qv.EnsureCollection(ctx); err != nil {
			return fail(fmt.Errorf("aegis: %w", err))
		}
		vectors, closeVectors = qv, qv.Close
		logger.Info("vector index: qdrant", "collection", cfg.QdrantCollection)
	} else {
		vectors = store.NewMemoryVector()
	}

	embedder := newEmbedder(cfg, resolved, logger)

	// Provider adapters share one token-bucket limiter seeded from config;
	// response headers tighten it per provider at runtime.
	registry := provider.NewRegistry()
	providerLimiter := provider.NewLimiter(cfg.ProviderRequestsPerMinute, cfg.ProviderTokensPerMinute)
	if cfg.OpenAIAPIKey != "" {
		registry.Register(provider.NewOpenAI(cfg.OpenAIAPIKey, providerLimiter))
	}
	if cfg.AnthropicAPIKey != "" {
		registry.Register(provider.NewAnthropic(cfg.AnthropicAPIKey, providerLimiter))
	}
	if cfg.GoogleAPIKey != "" {
		registry.Register(provider.NewGoogleAI(cfg.GoogleAPIKey, providerLimiter))
	}
	if cfg.CohereAPIKey != "" {
		registry.Register(provider.NewCohere(cfg.CohereAPIKey, providerLimiter))
	}
	if cfg.AzureOpenAIAPIKey != "" && cfg.AzureOpenAIEndpoint != "" && cfg.AzureOpenAIDeployment != "" {
		registry.Register(provider.NewAzureOpenAI(
			cfg.AzureOpenAIAPIKey, cfg.AzureOpenAIEndpoint, cfg.AzureOpenAIDeployment, providerLimiter))
	}
	for prefix, name := range resolved.routes {
		registry.AddRoute(prefix, name)
	}
	if len(registry.Names()) == 0 {
		logger.Warn("no provider API keys configured; every completion will fail routing")
	}

	evaluators := []evaluator.Evaluator{
		evaluator.Toxicity{},
		evaluator.Compliance{},
		evaluator.Accuracy{},
		evaluator.Brand{},
	}
	plugins, pluginEvals, err := loadPlugins(ctx, cfg.PluginDir, logger)
	if err != nil {
		return fail(fmt.Errorf("aegis: %w", err))
	}
	for _, p := range plugins {
		pc := p
		cleanups = append(cleanups, func() { _ = pc.Close() })
	}
	evaluators = append(evaluators, pluginEvals...)
	mesh := evaluator.NewMesh(evaluators, logger)

	auditLog, err := audit.New(kv, []byte(cfg.AuditIntegrationKey), logger)
	if err != nil {
		return fail(fmt.Errorf("aegis: %w", err))
	}

	policies := policy.New(kv, logger)
	webhooks := webhook.New(kv, logger, webhook.WithWorkers(cfg.WebhookWorkers))
	alerts := alerting.New(kv, webhooks, logger,
		alerting.WithTickInterval(cfg.AlertTickInterval),
		alerting.WithSampleRetention(cfg.MetricRetention),
		alerting.WithPruneInterval(cfg.MetricPruneEvery))
	docs := retriever.New(kv, vectors, embedder, logger)

	gw := gateway.New(gateway.Config{
		Registry:        registry,
		Cache:           resilience.NewResponseCache(cacheBackend, cfg.CacheTTL, logger),
		Deduper:         resilience.NewDeduper(),
		Breakers:        resilience.NewBreakerSet(cfg.BreakerThreshold, cfg.BreakerReset, logger),
		Mesh:            mesh,
		Policies:        policies,
		Audit:           auditLog,
		Retriever:       docs,
		Webhooks:        webhooks,
		Alerts:          alerts,
		Logger:          logger,
		RequestDeadline: cfg.RequestDeadline,
		MaxConcurrent:   cfg.MaxConcurrent,
	})

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitPerMinute)
		logger.Info("rate limiting: memory token bucket", "per_minute", cfg.RateLimitPerMinute)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}
	cleanups = append(cleanups, func() { _ = limiter.Close() })

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is empty; bearer tokens are signed with an empty key")
	}
	var keys auth.KeyStore
	if resolved.apiKeys != nil {
		keys = keyDirectoryAdapter{dir: resolved.apiKeys}
	}
	authn := auth.NewTokenAuthenticator(cfg.JWTSecret, cfg.JWTExpiration, keys)

	srv := server.New(server.Config{
		Gateway:             gw,
		Audit:               auditLog,
		Policies:            policies,
		Auth:                authn,
		Logger:              logger,
		Retriever:           docs,
		Webhooks:            webhooks,
		Alerts:              alerts,
		Limiter:             limiter,
		BindAddr:            cfg.BindAddr,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             resolved.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		logger:       logger,
		version:      resolved.version,
		kv:           kv,
		closeKV:      closeKV,
		closeVectors: closeVectors,
		redis:        redisClient,
		memCache:     memCache,
		authn:        authn,
		registry:     registry,
		webhooks:     webhooks,
		alerts:       alerts,
		gateway:      gw,
		limiter:      limiter,
		plugins:      plugins,
		server:       srv,
		otelShutdown: otelShutdown,
	}, nil
}

// Run starts the background loops and the HTTP server, then blocks until
// ctx is canceled or the server fails. Shutdown runs either way.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.alerts.Run(ctx)
	go a.webhookRetryLoop(ctx)
	if a.memCache != nil {
		go a.cachePruneLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.logger.Info("aegis started",
		"version", a.version, "port", a.cfg.Port, "providers", a.registry.Names())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return fmt.Errorf("aegis: http server: %w", err)
	}
	return a.Shutdown(context.Background())
}

// Handler returns the root HTTP handler for hosts that mount the gateway
// inside their own server instead of calling Run.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// IssueToken signs a bearer JWT for the given identity. Used by
// deployments without an external identity provider.
func (a *App) IssueToken(id Identity) (string, time.Time, error) {
	return a.authn.IssueToken(auth.Identity{UserID: id.UserID, OrgID: id.OrgID, Role: id.Role})
}

// Shutdown drains and releases everything. Safe to call more than once;
// later calls return the first result. Each phase gets its own timeout so
// early completion does not steal budget from later phases.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() { a.shutdownErr = a.shutdown(ctx) })
	return a.shutdownErr
}

func (a *App) shutdown(ctx context.Context) error {
	a.logger.Info("aegis shutting down")

	// Phase 1: stop accepting HTTP requests and drain in-flight ones.
	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := a.server.Shutdown(httpCtx)
	cancel()

	// Phase 2: one last redelivery sweep. The retry queue is in-memory,
	// so whatever is still pending afterwards is parked or lost.
	retryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	a.webhooks.ProcessRetries(retryCtx)
	cancel()
	if n := a.webhooks.PendingRetries(); n > 0 {
		a.logger.Warn("webhook retries abandoned at shutdown", "count", n)
	}

	// Phase 3: release resources.
	for _, p := range a.plugins {
		if cerr := p.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if cerr := a.limiter.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if a.closeVectors != nil {
		if cerr := a.closeVectors(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if a.redis != nil {
		if cerr := a.redis.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if a.closeKV != nil {
		if cerr := a.closeKV(); cerr != nil && err == nil {
			err = cerr
		}
	}

	otelCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if cerr := a.otelShutdown(otelCtx); cerr != nil && err == nil {
		err = cerr
	}
	cancel()

	a.logger.Info("aegis stopped")
	return err
}

func (a *App) webhookRetryLoop(ctx context.Context) {
	ticker := time.NewTicker(webhookRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.webhooks.ProcessRetries(ctx)
		}
	}
}

func (a *App) cachePruneLoop(ctx context.Context) {
	ticker := time.NewTicker(cachePruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.memCache.Prune(); n > 0 {
				a.logger.Debug("response cache pruned", "expired", n)
			}
		}
	}
}

// newEmbedder picks the embedding provider: an injected one, OpenAI with
// an LRU in front when a key is present, or the deterministic fallback.
func newEmbedder(cfg config.Config, resolved resolvedOptions, logger *slog.Logger) embedding.Provider {
	if resolved.embedder != nil {
		logger.Info("embedding provider: custom", "dimensions", resolved.embedder.Dimensions())
		return resolved.embedder
	}
	if cfg.EmbeddingProvider == "openai" && cfg.OpenAIAPIKey != "" {
		logger.Info("embedding provider: openai",
			"model", cfg.EmbeddingModel, "dimensions", cfg.EmbeddingDimensions)
		return embedding.NewCached(
			embedding.NewOpenAI(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions), 4096)
	}
	logger.Warn("embedding provider: deterministic fallback (retrieval quality degraded)")
	return embedding.NewPseudo(cfg.EmbeddingDimensions)
}

// loadPlugins scans dir for evaluator packs: each subdirectory must hold
// a manifest.json and a "plugin" executable. A broken pack fails startup
// rather than silently weakening the mesh.
func loadPlugins(ctx context.Context, dir string, logger *slog.Logger) ([]*plugin.Plugin, []evaluator.Evaluator, error) {
	if dir == "" {
		return nil, nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read plugin dir: %w", err)
	}

	var plugins []*plugin.Plugin
	var evals []evaluator.Evaluator
	closeAll := func() {
		for _, p := range plugins {
			_ = p.Close()
		}
	}

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		base := filepath.Join(dir, entry.Name())

		raw, err := os.ReadFile(filepath.Join(base, "manifest.json"))
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("plugin %s: %w", entry.Name(), err)
		}
		var manifest plugin.Manifest
		if err := json.Unmarshal(raw, &manifest); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("plugin %s: parse manifest: %w", entry.Name(), err)
		}

		p, err := plugin.Load(ctx, manifest, filepath.Join(base, "plugin"))
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		plugins = append(plugins, p)
		evals = append(evals, p.Evaluators()...)
		logger.Info("evaluator plugin loaded",
			"id", manifest.ID, "version", manifest.Version, "evaluators", len(manifest.Evaluators))
	}
	return plugins, evals, nil
}

// keyDirectoryAdapter bridges the public APIKeyDirectory onto the
// internal auth.KeyStore.
type keyDirectoryAdapter struct {
	dir APIKeyDirectory
}

func (k keyDirectoryAdapter) ListAPIKeys(ctx context.Context) ([]auth.APIKeyRecord, error) {
	keys, err := k.dir.ListAPIKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]auth.APIKeyRecord, len(keys))
	for i, key := range keys {
		out[i] = auth.APIKeyRecord{
			KeyHash: key.KeyHash,
			UserID:  key.UserID,
			OrgID:   key.OrgID,
			Role:    key.Role,
		}
	}
	return out, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
