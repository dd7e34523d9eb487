package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aegis-ai/aegis/internal/model"
)

// OpenAI is the chat completions adapter for api.openai.com.
type OpenAI struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *Limiter
}

// NewOpenAI creates an OpenAI adapter.
func NewOpenAI(apiKey string, limiter *Limiter) *OpenAI {
	return &OpenAI{
		apiKey:     apiKey,
		baseURL:    "https://api.openai.com/v1",
		httpClient: newHTTPClient(),
		limiter:    limiter,
	}
}

// SetBaseURL overrides the API endpoint (tests point this at httptest servers).
func (p *OpenAI) SetBaseURL(url string) { p.baseURL = url }

// Name implements Adapter.
func (p *OpenAI) Name() string { return "openai" }

// RateLimitStatus implements Adapter.
func (p *OpenAI) RateLimitStatus() RateLimitStatus { return p.limiter.Status() }

// The canonical request is already OpenAI-shaped, so translation is a
// passthrough minus gateway-only fields.
type openAIChatRequest struct {
	Model       string              `json:"model"`
	Messages    []model.ChatMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens"`
	User        string              `json:"user,omitempty"`
}

// Call implements Adapter.
func (p *OpenAI) Call(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	if err := p.limiter.Reserve(p.Name(), estimateTokens(req)); err != nil {
		return nil, err
	}

	payload := openAIChatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.EffectiveTemperature(),
		MaxTokens:   req.EffectiveMaxTokens(),
		User:        req.User,
	}

	return withRetry(ctx, func() (*model.ChatResponse, error) {
		status, header, raw, err := doJSON(ctx, p.httpClient, http.MethodPost, p.baseURL+"/chat/completions",
			map[string]string{"Authorization": "Bearer " + p.apiKey}, payload)
		if err != nil {
			return nil, err
		}
		p.observeHeaders(header)
		if status != http.StatusOK {
			return nil, classifyStatus(p.Name(), status, header, raw)
		}

		var resp model.ChatResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("provider: openai decode response: %w", err)
		}
		for i := range resp.Choices {
			resp.Choices[i].FinishReason = model.NormalizeFinishReason(resp.Choices[i].FinishReason)
		}
		return &resp, nil
	})
}

func (p *OpenAI) observeHeaders(h http.Header) {
	p.limiter.Observe(
		headerInt(h.Get("x-ratelimit-remaining-requests")),
		headerInt(h.Get("x-ratelimit-remaining-tokens")),
		// Reset headers come as durations ("6m0s"); the bucket's own
		// minute window is close enough.
		time.Time{},
	)
}

// HealthCheck implements Adapter with a cheap model-list call.
func (p *OpenAI) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
