package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-ai/aegis/internal/model"
)

const anthropicVersion = "2023-06-01"

// Anthropic is the messages API adapter for api.anthropic.com.
type Anthropic struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *Limiter
}

// NewAnthropic creates an Anthropic adapter.
func NewAnthropic(apiKey string, limiter *Limiter) *Anthropic {
	return &Anthropic{
		apiKey:     apiKey,
		baseURL:    "https://api.anthropic.com/v1",
		httpClient: newHTTPClient(),
		limiter:    limiter,
	}
}

// SetBaseURL overrides the API endpoint (tests point this at httptest servers).
func (p *Anthropic) SetBaseURL(url string) { p.baseURL = url }

// Name implements Adapter.
func (p *Anthropic) Name() string { return "anthropic" }

// RateLimitStatus implements Adapter.
func (p *Anthropic) RateLimitStatus() RateLimitStatus { return p.limiter.Status() }

type anthropicRequest struct {
	Model       string              `json:"model"`
	System      string              `json:"system,omitempty"`
	Messages    []model.ChatMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Call implements Adapter. System messages collapse into the top-level
// system field; the rest of the transcript passes through.
func (p *Anthropic) Call(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	if err := p.limiter.Reserve(p.Name(), estimateTokens(req)); err != nil {
		return nil, err
	}

	payload := anthropicRequest{
		Model:       req.Model,
		Temperature: req.EffectiveTemperature(),
		MaxTokens:   req.EffectiveMaxTokens(),
	}
	for _, m := range req.Messages {
		if m.Role == model.RoleSystem {
			if payload.System != "" {
				payload.System += "\n"
			}
			payload.System += m.Content
			continue
		}
		payload.Messages = append(payload.Messages, m)
	}

	return withRetry(ctx, func() (*model.ChatResponse, error) {
		status, header, raw, err := doJSON(ctx, p.httpClient, http.MethodPost, p.baseURL+"/messages",
			map[string]string{
				"x-api-key":         p.apiKey,
				"anthropic-version": anthropicVersion,
			}, payload)
		if err != nil {
			return nil, err
		}
		p.observeHeaders(header)
		if status != http.StatusOK {
			return nil, classifyStatus(p.Name(), status, header, raw)
		}

		var ar anthropicResponse
		if err := json.Unmarshal(raw, &ar); err != nil {
			return nil, fmt.Errorf("provider: anthropic decode response: %w", err)
		}

		content := ""
		for _, block := range ar.Content {
			if block.Type == "text" {
				content += block.Text
			}
		}

		return &model.ChatResponse{
			ID:      responseID(ar.ID),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   ar.Model,
			Choices: []model.ChatChoice{{
				Index:        0,
				Message:      model.ChatMessage{Role: model.RoleAssistant, Content: content},
				FinishReason: model.NormalizeFinishReason(ar.StopReason),
			}},
			Usage: model.Usage{
				PromptTokens:     ar.Usage.InputTokens,
				CompletionTokens: ar.Usage.OutputTokens,
				TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
			},
		}, nil
	})
}

func (p *Anthropic) observeHeaders(h http.Header) {
	var resetAt time.Time
	if s := h.Get("anthropic-ratelimit-requests-reset"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			resetAt = t
		}
	}
	p.limiter.Observe(
		headerInt(h.Get("anthropic-ratelimit-requests-remaining")),
		headerInt(h.Get("anthropic-ratelimit-tokens-remaining")),
		resetAt,
	)
}

// HealthCheck implements Adapter. Anthropic has no cheap unauthenticated
// probe, so a HEAD against the API root settles for reachability.
func (p *Anthropic) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.baseURL+"/messages", nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// responseID keeps the upstream id when present, otherwise mints one so
// the response always has a stable identifier.
func responseID(upstream string) string {
	if upstream != "" {
		return upstream
	}
	return "chatcmpl-" + uuid.NewString()
}
