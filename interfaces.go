package aegis

import "context"

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces the auto-detected
// OpenAI/pseudo provider. Uses []float32 so external consumers never
// depend on internal types.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// APIKey is one stored API key: an Argon2id hash plus the identity it
// resolves to.
type APIKey struct {
	KeyHash string
	UserID  string
	OrgID   string
	Role    string
}

// APIKeyDirectory looks up API key records for X-Api-Key authentication.
// When absent, only Bearer JWTs are accepted. Implementations must be
// safe for concurrent use.
type APIKeyDirectory interface {
	ListAPIKeys(ctx context.Context) ([]APIKey, error)
}

// Identity is the authenticated caller handed to IssueToken.
type Identity struct {
	UserID string
	OrgID  string
	Role   string
}
