package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aegis-ai/aegis/internal/model"
)

// Cohere is the chat adapter for api.cohere.com. Cohere separates the
// current message from prior history and uses USER/CHATBOT role labels.
type Cohere struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *Limiter
}

// NewCohere creates a Cohere adapter.
func NewCohere(apiKey string, limiter *Limiter) *Cohere {
	return &Cohere{
		apiKey:     apiKey,
		baseURL:    "https://api.cohere.com/v1",
		httpClient: newHTTPClient(),
		limiter:    limiter,
	}
}

// SetBaseURL overrides the API endpoint (tests point this at httptest servers).
func (p *Cohere) SetBaseURL(url string) { p.baseURL = url }

// Name implements Adapter.
func (p *Cohere) Name() string { return "cohere" }

// RateLimitStatus implements Adapter.
func (p *Cohere) RateLimitStatus() RateLimitStatus { return p.limiter.Status() }

type cohereChatTurn struct {
	Role    string `json:"role"` // USER or CHATBOT
	Message string `json:"message"`
}

type cohereRequest struct {
	Model       string           `json:"model"`
	Message     string           `json:"message"`
	ChatHistory []cohereChatTurn `json:"chat_history,omitempty"`
	Preamble    string           `json:"preamble,omitempty"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
}

type cohereResponse struct {
	GenerationID string `json:"generation_id"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
	Meta         struct {
		BilledUnits struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"billed_units"`
	} `json:"meta"`
}

// Call implements Adapter. The last user message becomes the live message;
// everything before it becomes chat_history; system messages become the
// preamble.
func (p *Cohere) Call(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	if err := p.limiter.Reserve(p.Name(), estimateTokens(req)); err != nil {
		return nil, err
	}

	lastUser := -1
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == model.RoleUser {
			lastUser = i
			break
		}
	}

	payload := cohereRequest{
		Model:       req.Model,
		Temperature: req.EffectiveTemperature(),
		MaxTokens:   req.EffectiveMaxTokens(),
	}
	for i, m := range req.Messages {
		switch {
		case m.Role == model.RoleSystem:
			if payload.Preamble != "" {
				payload.Preamble += "\n"
			}
			payload.Preamble += m.Content
		case i == lastUser:
			payload.Message = m.Content
		case m.Role == model.RoleAssistant:
			payload.ChatHistory = append(payload.ChatHistory, cohereChatTurn{Role: "CHATBOT", Message: m.Content})
		default:
			payload.ChatHistory = append(payload.ChatHistory, cohereChatTurn{Role: "USER", Message: m.Content})
		}
	}

	return withRetry(ctx, func() (*model.ChatResponse, error) {
		status, header, raw, err := doJSON(ctx, p.httpClient, http.MethodPost, p.baseURL+"/chat",
			map[string]string{"Authorization": "Bearer " + p.apiKey}, payload)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, classifyStatus(p.Name(), status, header, raw)
		}

		var cr cohereResponse
		if err := json.Unmarshal(raw, &cr); err != nil {
			return nil, fmt.Errorf("provider: cohere decode response: %w", err)
		}

		in := cr.Meta.BilledUnits.InputTokens
		out := cr.Meta.BilledUnits.OutputTokens
		return &model.ChatResponse{
			ID:      responseID(cr.GenerationID),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []model.ChatChoice{{
				Index:        0,
				Message:      model.ChatMessage{Role: model.RoleAssistant, Content: cr.Text},
				FinishReason: model.NormalizeFinishReason(cr.FinishReason),
			}},
			Usage: model.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
		}, nil
	})
}

// HealthCheck implements Adapter with the models listing endpoint.
func (p *Cohere) HealthCheck(ctx context.Context) bool {
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
