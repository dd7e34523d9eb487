package aegis

import "log/slog"

// Option configures App construction. Options override environment
// configuration where both specify the same setting.
type Option func(*resolvedOptions)

type resolvedOptions struct {
	port     int // 0 = from environment
	logger   *slog.Logger
	version  string
	embedder EmbeddingProvider
	apiKeys  APIKeyDirectory
	routes   map[string]string // model-name prefix -> provider name
}

func resolveOptions(opts []Option) resolvedOptions {
	resolved := resolvedOptions{
		version: "dev",
		routes:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(&resolved)
	}
	return resolved
}

// WithPort overrides the HTTP listen port (default: AEGIS_PORT or 8080).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithLogger sets the structured logger. Defaults to a JSON logger on
// stdout at the level named by AEGIS_LOG_LEVEL.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the reported version string (default "dev").
// Binaries set this from -ldflags.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider
// used for context retrieval.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embedder = p }
}

// WithAPIKeyDirectory enables X-Api-Key authentication against the given
// directory. Without it only Bearer JWTs are accepted.
func WithAPIKeyDirectory(d APIKeyDirectory) Option {
	return func(o *resolvedOptions) { o.apiKeys = d }
}

// WithModelRoute maps a model-name prefix to a provider, overriding or
// extending the default routing table. Longest prefix wins.
func WithModelRoute(prefix, providerName string) Option {
	return func(o *resolvedOptions) { o.routes[prefix] = providerName }
}
