package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aegis-ai/aegis/internal/model"
)

// GoogleAI is the generateContent adapter for the Gemini API.
type GoogleAI struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *Limiter
}

// NewGoogleAI creates a Gemini adapter.
func NewGoogleAI(apiKey string, limiter *Limiter) *GoogleAI {
	return &GoogleAI{
		apiKey:     apiKey,
		baseURL:    "https://generativelanguage.googleapis.com/v1beta",
		httpClient: newHTTPClient(),
		limiter:    limiter,
	}
}

// SetBaseURL overrides the API endpoint (tests point this at httptest servers).
func (p *GoogleAI) SetBaseURL(url string) { p.baseURL = url }

// Name implements Adapter.
func (p *GoogleAI) Name() string { return "google" }

// RateLimitStatus implements Adapter.
func (p *GoogleAI) RateLimitStatus() RateLimitStatus { return p.limiter.Status() }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// Call implements Adapter. Gemini splits system instructions out of the
// transcript and names the assistant role "model".
func (p *GoogleAI) Call(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	if err := p.limiter.Reserve(p.Name(), estimateTokens(req)); err != nil {
		return nil, err
	}

	var payload geminiRequest
	payload.GenerationConfig.Temperature = req.EffectiveTemperature()
	payload.GenerationConfig.MaxOutputTokens = req.EffectiveMaxTokens()
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			if payload.SystemInstruction == nil {
				payload.SystemInstruction = &geminiContent{}
			}
			payload.SystemInstruction.Parts = append(payload.SystemInstruction.Parts, geminiPart{Text: m.Content})
		case model.RoleAssistant:
			payload.Contents = append(payload.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			payload.Contents = append(payload.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, req.Model, p.apiKey)
	return withRetry(ctx, func() (*model.ChatResponse, error) {
		status, header, raw, err := doJSON(ctx, p.httpClient, http.MethodPost, url, nil, payload)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, classifyStatus(p.Name(), status, header, raw)
		}

		var gr geminiResponse
		if err := json.Unmarshal(raw, &gr); err != nil {
			return nil, fmt.Errorf("provider: google decode response: %w", err)
		}
		if len(gr.Candidates) == 0 {
			return nil, fmt.Errorf("provider: google returned no candidates")
		}

		content := ""
		for _, part := range gr.Candidates[0].Content.Parts {
			content += part.Text
		}

		return &model.ChatResponse{
			ID:      responseID(""),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []model.ChatChoice{{
				Index:        0,
				Message:      model.ChatMessage{Role: model.RoleAssistant, Content: content},
				FinishReason: model.NormalizeFinishReason(gr.Candidates[0].FinishReason),
			}},
			Usage: model.Usage{
				PromptTokens:     gr.UsageMetadata.PromptTokenCount,
				CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      gr.UsageMetadata.TotalTokenCount,
			},
		}, nil
	})
}

// HealthCheck implements Adapter with a model metadata probe.
func (p *GoogleAI) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/models?key=%s&pageSize=1", p.baseURL, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
