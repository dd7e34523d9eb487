// Package model defines the core domain types for the Aegis gateway:
// LLM requests and responses, evaluation results, policy rules, context
// documents, audit entries, webhook endpoints, and alert rules.
//
// Types here are plain structs with no dependencies on other internal
// packages so every subsystem can share them without import cycles.
package model

import (
	"fmt"
	"strings"
)

// Message roles accepted in an LLM request.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Field limits for inbound chat requests. These bound the cost of the
// evaluation pipeline and keep audit content hashes over caller-controlled
// data cheap to compute.
const (
	MaxMessages       = 100
	MaxMessageContent = 128 * 1024 // 128 KB
	MaxModelNameLen   = 100
)

// ChatMessage is a single turn in a conversation, oldest-first.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the canonical LLM invocation shape, OpenAI-compatible.
type ChatRequest struct {
	Model       string         `json:"model"`
	Messages    []ChatMessage  `json:"messages"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
	User        string         `json:"user,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// EffectiveTemperature returns the request temperature or the 0.7 default.
func (r ChatRequest) EffectiveTemperature() float64 {
	if r.Temperature != nil {
		return *r.Temperature
	}
	return 0.7
}

// EffectiveMaxTokens returns the request max_tokens or the 1000 default.
func (r ChatRequest) EffectiveMaxTokens() int {
	if r.MaxTokens != nil {
		return *r.MaxTokens
	}
	return 1000
}

// LastUserContent returns the content of the most recent user message,
// which the pipeline treats as the prompt for evaluation and retrieval.
func (r ChatRequest) LastUserContent() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Validate checks the chat request invariants: at least one user message,
// known roles, temperature in [0,2], positive max_tokens.
func (r ChatRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Model) > MaxModelNameLen {
		return fmt.Errorf("model exceeds maximum length of %d characters", MaxModelNameLen)
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	if len(r.Messages) > MaxMessages {
		return fmt.Errorf("messages exceeds maximum count of %d", MaxMessages)
	}
	hasUser := false
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("messages[%d].role must be system, user, or assistant (got %q)", i, m.Role)
		}
		if len(m.Content) > MaxMessageContent {
			return fmt.Errorf("messages[%d].content exceeds maximum length of %d bytes", i, MaxMessageContent)
		}
		if m.Role == RoleUser {
			hasUser = true
		}
	}
	if !hasUser {
		return fmt.Errorf("messages must contain at least one user message")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("temperature must be in [0, 2]")
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive")
	}
	return nil
}
