package model

// Finish reasons normalized across providers.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishError         = "error"
	FinishContentFilter = "content_filter"
)

// ChatChoice is a single completion alternative.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage reports token consumption for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AuditInfo is appended to a response when the caller asks for it
// (X-Return-Audit: 1). It surfaces the governance verdict without
// exposing evaluator internals.
type AuditInfo struct {
	RequestID     string   `json:"request_id"`
	Action        Action   `json:"action"`
	Score         float64  `json:"score"`
	Confidence    float64  `json:"confidence"`
	AppliedRules  []string `json:"applied_rules,omitempty"`
	DocumentsUsed []string `json:"documents_used,omitempty"`
	Cached        bool     `json:"cached,omitempty"`
}

// ChatResponse is the OpenAI-shaped completion response returned to callers.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`

	AuditInfo *AuditInfo `json:"audit_info,omitempty"`
}

// FirstContent returns the content of the first choice, or "" if none.
func (r ChatResponse) FirstContent() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// NormalizeFinishReason maps provider-native stop reasons onto the four
// canonical values. Unknown reasons map to "stop" — providers invent new
// labels faster than we can enumerate them, and treating an unknown label
// as an error would fail otherwise-good completions.
func NormalizeFinishReason(raw string) string {
	switch raw {
	case "stop", "end_turn", "stop_sequence", "COMPLETE", "STOP":
		return FinishStop
	case "length", "max_tokens", "MAX_TOKENS":
		return FinishLength
	case "content_filter", "refusal", "SAFETY", "TOXICITY":
		return FinishContentFilter
	case "error", "ERROR":
		return FinishError
	default:
		return FinishStop
	}
}
