package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-ai/aegis/internal/model"
)

func chatRequest(content string) *model.ChatRequest {
	return &model.ChatRequest{
		Model: "gpt-4",
		Messages: []model.ChatMessage{
			{Role: model.RoleSystem, Content: "Be helpful."},
			{Role: model.RoleUser, Content: content},
		},
	}
}

func openLimiter() *Limiter { return NewLimiter(0, 0) }

func TestOpenAICall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4", req.Model)
		assert.InDelta(t, 0.7, req.Temperature, 1e-9, "default temperature applied")
		assert.Equal(t, 1000, req.MaxTokens, "default max_tokens applied")

		w.Header().Set("x-ratelimit-remaining-requests", "99")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1700000000,
			"model": "gpt-4",
			"choices": [{"index":0,"message":{"role":"assistant","content":"Hi"},"finish_reason":"stop"}],
			"usage": {"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}
		}`)
	}))
	defer srv.Close()

	p := NewOpenAI("sk-test", NewLimiter(100, 100000))
	p.SetBaseURL(srv.URL)

	resp, err := p.Call(context.Background(), chatRequest("Hello"))
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, "Hi", resp.FirstContent())
	assert.Equal(t, model.FinishStop, resp.Choices[0].FinishReason)
	assert.Equal(t, 12, resp.Usage.TotalTokens)

	// Header accounting became authoritative.
	assert.Equal(t, 99, p.RateLimitStatus().RequestsRemaining)
}

func TestOpenAIRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{}}`)
	}))
	defer srv.Close()

	p := NewOpenAI("sk", openLimiter())
	p.SetBaseURL(srv.URL)

	resp, err := p.Call(context.Background(), chatRequest("Hello"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.FirstContent())
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAIDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad"}}`)
	}))
	defer srv.Close()

	p := NewOpenAI("sk", openLimiter())
	p.SetBaseURL(srv.URL)

	_, err := p.Call(context.Background(), chatRequest("Hello"))
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusBadRequest, ue.Status)
	assert.False(t, ue.Retryable())
	assert.Equal(t, int32(1), calls.Load())
}

func TestUpstream429BecomesRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAI("sk", openLimiter())
	p.SetBaseURL(srv.URL)

	_, err := p.Call(context.Background(), chatRequest("Hello"))
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 12*time.Second, rl.RetryAfter)
}

func TestAnthropicCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages", r.URL.Path)
		require.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		require.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Be helpful.", req.System, "system messages hoisted out of the transcript")
		require.Len(t, req.Messages, 1)
		assert.Equal(t, model.RoleUser, req.Messages[0].Role)

		fmt.Fprint(w, `{
			"id": "msg_1", "model": "claude-sonnet-4-5",
			"content": [{"type":"text","text":"Hello there"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens":11,"output_tokens":3}
		}`)
	}))
	defer srv.Close()

	p := NewAnthropic("sk-ant", openLimiter())
	p.SetBaseURL(srv.URL)

	req := chatRequest("Hello")
	req.Model = "claude-sonnet-4-5"
	resp, err := p.Call(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "msg_1", resp.ID)
	assert.Equal(t, "Hello there", resp.FirstContent())
	assert.Equal(t, model.FinishStop, resp.Choices[0].FinishReason)
	assert.Equal(t, 14, resp.Usage.TotalTokens)
}

func TestGoogleAICall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "/models/gemini-2.0-flash:generateContent")
		require.Equal(t, "g-key", r.URL.Query().Get("key"))

		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.SystemInstruction)
		require.Len(t, req.Contents, 1)
		assert.Equal(t, "user", req.Contents[0].Role)

		fmt.Fprint(w, `{
			"candidates": [{"content":{"role":"model","parts":[{"text":"Hej"}]},"finishReason":"MAX_TOKENS"}],
			"usageMetadata": {"promptTokenCount":7,"candidatesTokenCount":1,"totalTokenCount":8}
		}`)
	}))
	defer srv.Close()

	p := NewGoogleAI("g-key", openLimiter())
	p.SetBaseURL(srv.URL)

	req := chatRequest("Hello")
	req.Model = "gemini-2.0-flash"
	resp, err := p.Call(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Hej", resp.FirstContent())
	assert.Equal(t, model.FinishLength, resp.Choices[0].FinishReason)
	assert.Equal(t, 8, resp.Usage.TotalTokens)
}

func TestCohereCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat", r.URL.Path)

		var req cohereRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Third question", req.Message, "last user message is the live message")
		assert.Equal(t, "Be helpful.", req.Preamble)
		require.Len(t, req.ChatHistory, 2)
		assert.Equal(t, "USER", req.ChatHistory[0].Role)
		assert.Equal(t, "CHATBOT", req.ChatHistory[1].Role)

		fmt.Fprint(w, `{
			"generation_id": "gen-1", "text": "Answer",
			"finish_reason": "COMPLETE",
			"meta": {"billed_units": {"input_tokens": 9, "output_tokens": 1}}
		}`)
	}))
	defer srv.Close()

	p := NewCohere("co-key", openLimiter())
	p.SetBaseURL(srv.URL)

	req := &model.ChatRequest{
		Model: "command-r-plus",
		Messages: []model.ChatMessage{
			{Role: model.RoleSystem, Content: "Be helpful."},
			{Role: model.RoleUser, Content: "First question"},
			{Role: model.RoleAssistant, Content: "First answer"},
			{Role: model.RoleUser, Content: "Third question"},
		},
	}
	resp, err := p.Call(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "gen-1", resp.ID)
	assert.Equal(t, "Answer", resp.FirstContent())
	assert.Equal(t, model.FinishStop, resp.Choices[0].FinishReason)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
}

func TestLocalBucketExhaustion(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{}}`)
	}))
	defer srv.Close()

	p := NewOpenAI("sk", NewLimiter(1, 0))
	p.SetBaseURL(srv.URL)

	_, err := p.Call(context.Background(), chatRequest("one"))
	require.NoError(t, err)

	_, err = p.Call(context.Background(), chatRequest("two"))
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Positive(t, rl.RetryAfter)
	assert.Equal(t, int32(1), calls.Load(), "exhausted bucket never reaches upstream")
}

func TestLimiterRefillsAfterWindow(t *testing.T) {
	l := NewLimiter(2, 100)
	fake := time.Now()
	l.now = func() time.Time { return fake }
	l.refillLocked(fake)

	require.NoError(t, l.Reserve("openai", 10))
	require.NoError(t, l.Reserve("openai", 10))
	require.Error(t, l.Reserve("openai", 10))

	fake = fake.Add(61 * time.Second)
	require.NoError(t, l.Reserve("openai", 10))

	st := l.Status()
	assert.Equal(t, 1, st.RequestsRemaining)
	assert.Equal(t, 90, st.TokensRemaining)
}

func TestRegistryRouting(t *testing.T) {
	r := NewRegistry()
	openai := NewOpenAI("sk", openLimiter())
	anthropic := NewAnthropic("sk", openLimiter())
	r.Register(openai)
	r.Register(anthropic)

	a, err := r.ForModel("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "openai", a.Name())

	a, err = r.ForModel("Claude-Sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", a.Name(), "routing is case-insensitive")

	// Known prefix but unregistered provider.
	_, err = r.ForModel("gemini-2.0-flash")
	assert.ErrorIs(t, err, ErrNoHealthyProvider)

	// Unknown model family.
	_, err = r.ForModel("llama-3-70b")
	assert.ErrorIs(t, err, ErrNoHealthyProvider)

	// Custom routes extend the table.
	r.AddRoute("llama", "openai")
	a, err = r.ForModel("llama-3-70b")
	require.NoError(t, err)
	assert.Equal(t, "openai", a.Name())

	assert.Equal(t, []string{"anthropic", "openai"}, r.Names())
}

func TestClassifyStatusRetryability(t *testing.T) {
	err := classifyStatus("openai", http.StatusServiceUnavailable, http.Header{}, []byte("overloaded"))
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.True(t, ue.Retryable())

	err = classifyStatus("openai", http.StatusForbidden, http.Header{}, nil)
	require.ErrorAs(t, err, &ue)
	assert.False(t, ue.Retryable())

	err = classifyStatus("openai", http.StatusTooManyRequests, http.Header{}, nil)
	var rl *RateLimitedError
	assert.ErrorAs(t, err, &rl)

	// Errors wrapped as permanent still unwrap to their cause.
	assert.False(t, errors.Is(err, ErrNoHealthyProvider))
}
