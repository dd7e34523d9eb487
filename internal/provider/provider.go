// Package provider adapts the canonical chat request onto each upstream
// LLM API (OpenAI, Anthropic, Google, Cohere, Azure OpenAI) and back,
// normalizing finish reasons and rate-limit accounting along the way.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aegis-ai/aegis/internal/model"
)

// RateLimitStatus reports a provider's remaining budget.
type RateLimitStatus struct {
	RequestsRemaining int       `json:"requestsRemaining"`
	TokensRemaining   int       `json:"tokensRemaining"`
	ResetAt           time.Time `json:"resetAt"`
}

// Adapter is one upstream LLM provider.
type Adapter interface {
	// Name identifies the provider ("openai", "anthropic", ...). Used as
	// the circuit-breaker key and in audit data.
	Name() string

	// Call translates the canonical request to the provider's native
	// shape, executes it, and translates the response back.
	Call(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error)

	// HealthCheck reports whether the provider looks reachable.
	HealthCheck(ctx context.Context) bool

	// RateLimitStatus returns the current remaining budget.
	RateLimitStatus() RateLimitStatus
}

const (
	callMaxRetries  = 3
	retryBaseDelay  = 500 * time.Millisecond
	healthTimeout   = 5 * time.Second
	defaultHTTPWait = 60 * time.Second
)

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultHTTPWait}
}

// estimateTokens approximates token usage for bucket accounting before the
// provider reports the real count. Four characters per token is the usual
// rule of thumb for English text.
func estimateTokens(req *model.ChatRequest) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	return chars/4 + req.EffectiveMaxTokens()
}

// withRetry runs call with exponential backoff on transient failures.
// Permanent errors (4xx translated by the adapters) are returned as-is.
func withRetry(ctx context.Context, call func() (*model.ChatResponse, error)) (*model.ChatResponse, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(retryBaseDelay)),
		callMaxRetries,
	), ctx)

	var resp *model.ChatResponse
	op := func() error {
		var err error
		resp, err = call()
		return err
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

// doJSON posts a JSON body and returns the raw response. The caller owns
// status handling; the body is fully read so the connection can be reused.
func doJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, payload any) (int, http.Header, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("provider: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("provider: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("provider: send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("provider: read response: %w", err)
	}
	return resp.StatusCode, resp.Header, raw, nil
}

// classifyStatus converts a non-2xx upstream status into the right error
// kind: 429 becomes RateLimited (terminal), other 4xx are permanent, and
// 5xx stay retryable.
func classifyStatus(name string, status int, header http.Header, body []byte) error {
	switch {
	case status == http.StatusTooManyRequests:
		return backoff.Permanent(&RateLimitedError{
			Provider:   name,
			RetryAfter: parseRetryAfter(header),
		})
	case status >= 400 && status < 500:
		return backoff.Permanent(&UpstreamError{Provider: name, Status: status, Body: truncate(body, 512)})
	default:
		return &UpstreamError{Provider: name, Status: status, Body: truncate(body, 512)}
	}
}

func parseRetryAfter(header http.Header) time.Duration {
	if s := header.Get("Retry-After"); s != "" {
		if d, err := time.ParseDuration(s + "s"); err == nil {
			return d
		}
	}
	return 30 * time.Second
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
