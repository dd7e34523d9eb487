// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	BindAddr            string
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	RequestDeadline     time.Duration // Hard per-request pipeline deadline.
	MaxConcurrent       int           // In-flight request cap; excess is rejected as server_busy.
	MaxRequestBodyBytes int64

	// Store settings.
	DatabaseURL string // Postgres; empty falls back to embedded sqlite or memory.
	SQLitePath  string // Embedded fallback store location.
	RedisURL    string // Optional; enables the Redis response cache and store.

	// Auth settings.
	JWTSecret     string
	JWTExpiration time.Duration

	// Audit settings.
	AuditIntegrationKey string // HMAC key sealing the audit chain. Required.

	// Provider API keys.
	OpenAIAPIKey        string
	AnthropicAPIKey     string
	GoogleAPIKey        string
	CohereAPIKey        string
	AzureOpenAIAPIKey     string
	AzureOpenAIEndpoint   string
	AzureOpenAIDeployment string

	// Provider limits (token-bucket seed when response headers are absent).
	ProviderRequestsPerMinute int
	ProviderTokensPerMinute   int

	// Resilience settings.
	CacheTTL         time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration

	// Embedding settings.
	EmbeddingProvider   string // "openai" or "fallback"
	EmbeddingModel      string
	EmbeddingDimensions int

	// Vector index settings (optional external ANN index).
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	// Webhook / alerting settings.
	WebhookWorkers    int
	AlertTickInterval time.Duration
	MetricRetention   time.Duration
	MetricPruneEvery  time.Duration

	// Tenant rate limiting.
	RateLimitEnabled   bool
	RateLimitPerMinute int // Token-bucket refill rate; burst equals the same value.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Evaluator plugins. Each subdirectory holding a manifest.json and a
	// "plugin" executable is loaded as an out-of-process evaluator pack.
	PluginDir string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                      envInt("AEGIS_PORT", 8080),
		BindAddr:                  envStr("AEGIS_BIND_ADDR", ""),
		ReadTimeout:               envDuration("AEGIS_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:              envDuration("AEGIS_WRITE_TIMEOUT", 90*time.Second),
		RequestDeadline:           envDuration("AEGIS_REQUEST_DEADLINE", 60*time.Second),
		MaxConcurrent:             envInt("AEGIS_MAX_CONCURRENT", 512),
		MaxRequestBodyBytes:       int64(envInt("AEGIS_MAX_REQUEST_BODY_BYTES", 2*1024*1024)),
		DatabaseURL:               envStr("DATABASE_URL", ""),
		SQLitePath:                envStr("AEGIS_SQLITE_PATH", "aegis.db"),
		RedisURL:                  envStr("REDIS_URL", ""),
		JWTSecret:                 envStr("JWT_SECRET", ""),
		JWTExpiration:             envDuration("AEGIS_JWT_EXPIRATION", 24*time.Hour),
		AuditIntegrationKey:       envStr("AUDIT_INTEGRATION_KEY", ""),
		OpenAIAPIKey:              envStr("OPENAI_API_KEY", ""),
		AnthropicAPIKey:           envStr("ANTHROPIC_API_KEY", ""),
		GoogleAPIKey:              envStr("GOOGLE_API_KEY", ""),
		CohereAPIKey:              envStr("COHERE_API_KEY", ""),
		AzureOpenAIAPIKey:         envStr("AZURE_OPENAI_API_KEY", ""),
		AzureOpenAIEndpoint:       envStr("AZURE_OPENAI_ENDPOINT", ""),
		AzureOpenAIDeployment:     envStr("AZURE_OPENAI_DEPLOYMENT", ""),
		ProviderRequestsPerMinute: envInt("AEGIS_PROVIDER_RPM", 500),
		ProviderTokensPerMinute:   envInt("AEGIS_PROVIDER_TPM", 150000),
		CacheTTL:                  envDuration("AEGIS_CACHE_TTL", time.Hour),
		BreakerThreshold:          envInt("AEGIS_BREAKER_THRESHOLD", 5),
		BreakerReset:              envDuration("AEGIS_BREAKER_RESET", 30*time.Second),
		EmbeddingProvider:         envStr("EMBEDDING_PROVIDER", "openai"),
		EmbeddingModel:            envStr("AEGIS_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions:       envInt("AEGIS_EMBEDDING_DIMENSIONS", 1536),
		QdrantURL:                 envStr("QDRANT_URL", ""),
		QdrantAPIKey:              envStr("QDRANT_API_KEY", ""),
		QdrantCollection:          envStr("QDRANT_COLLECTION", "aegis_chunks"),
		WebhookWorkers:            envInt("AEGIS_WEBHOOK_WORKERS", 4),
		AlertTickInterval:         envDuration("AEGIS_ALERT_TICK", time.Minute),
		MetricRetention:           envDuration("AEGIS_METRIC_RETENTION", time.Hour),
		MetricPruneEvery:          envDuration("AEGIS_METRIC_PRUNE_EVERY", 5*time.Minute),
		RateLimitEnabled:          envBool("AEGIS_RATE_LIMIT_ENABLED", true),
		RateLimitPerMinute:        envInt("AEGIS_RATE_LIMIT_PER_MINUTE", 600),
		OTELEndpoint:              envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:              envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:               envStr("OTEL_SERVICE_NAME", "aegis"),
		PluginDir:                 envStr("AEGIS_PLUGIN_DIR", ""),
		LogLevel:                  envStr("AEGIS_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ErrAuditKeyMissing distinguishes the missing-audit-key startup failure,
// which exits with its own code so operators can tell it apart from a
// generic config error.
type ErrAuditKeyMissing struct{}

func (ErrAuditKeyMissing) Error() string {
	return "config: AUDIT_INTEGRATION_KEY is required (audit chain cannot be signed without it)"
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.AuditIntegrationKey == "" {
		return ErrAuditKeyMissing{}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: AEGIS_PORT must be in (0, 65535]")
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: AEGIS_EMBEDDING_DIMENSIONS must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: AEGIS_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.RequestDeadline <= 0 {
		return fmt.Errorf("config: AEGIS_REQUEST_DEADLINE must be positive")
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("config: AEGIS_BREAKER_THRESHOLD must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
