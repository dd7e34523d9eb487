package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aegis-ai/aegis/internal/model"
)

const azureAPIVersion = "2024-06-01"

// AzureOpenAI serves OpenAI-shaped completions from an Azure deployment.
// The wire format matches OpenAI; only the URL scheme and auth header
// differ, and the deployment name stands in for the model.
type AzureOpenAI struct {
	apiKey     string
	endpoint   string // https://<resource>.openai.azure.com
	deployment string
	httpClient *http.Client
	limiter    *Limiter
}

// NewAzureOpenAI creates an Azure OpenAI adapter for one deployment.
func NewAzureOpenAI(apiKey, endpoint, deployment string, limiter *Limiter) *AzureOpenAI {
	return &AzureOpenAI{
		apiKey:     apiKey,
		endpoint:   endpoint,
		deployment: deployment,
		httpClient: newHTTPClient(),
		limiter:    limiter,
	}
}

// Name implements Adapter.
func (p *AzureOpenAI) Name() string { return "azure" }

// RateLimitStatus implements Adapter.
func (p *AzureOpenAI) RateLimitStatus() RateLimitStatus { return p.limiter.Status() }

func (p *AzureOpenAI) chatURL() string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		p.endpoint, p.deployment, azureAPIVersion)
}

// Call implements Adapter.
func (p *AzureOpenAI) Call(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	if err := p.limiter.Reserve(p.Name(), estimateTokens(req)); err != nil {
		return nil, err
	}

	payload := openAIChatRequest{
		Messages:    req.Messages,
		Temperature: req.EffectiveTemperature(),
		MaxTokens:   req.EffectiveMaxTokens(),
		User:        req.User,
	}

	return withRetry(ctx, func() (*model.ChatResponse, error) {
		status, header, raw, err := doJSON(ctx, p.httpClient, http.MethodPost, p.chatURL(),
			map[string]string{"api-key": p.apiKey}, payload)
		if err != nil {
			return nil, err
		}
		p.limiter.Observe(
			headerInt(header.Get("x-ratelimit-remaining-requests")),
			headerInt(header.Get("x-ratelimit-remaining-tokens")),
			time.Time{},
		)
		if status != http.StatusOK {
			return nil, classifyStatus(p.Name(), status, header, raw)
		}

		var resp model.ChatResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("provider: azure decode response: %w", err)
		}
		for i := range resp.Choices {
			resp.Choices[i].FinishReason = model.NormalizeFinishReason(resp.Choices[i].FinishReason)
		}
		return &resp, nil
	})
}

// HealthCheck implements Adapter by probing the deployment endpoint.
func (p *AzureOpenAI) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.chatURL(), nil)
	if err != nil {
		return false
	}
	req.Header.Set("api-key", p.apiKey)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
