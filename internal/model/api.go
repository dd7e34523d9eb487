package model

import "time"

// Error codes returned in API error envelopes. These mirror the error
// taxonomy: each code maps to exactly one HTTP status.
const (
	ErrCodeBadRequest        = "bad_request"         // 400
	ErrCodeUnauthorized      = "unauthorized"        // 401
	ErrCodeForbidden         = "forbidden"           // 403
	ErrCodeNotFound          = "not_found"           // 404
	ErrCodeDeadline          = "deadline_exceeded"   // 408
	ErrCodeRateLimited       = "rate_limited"        // 429
	ErrCodeInternal          = "internal_error"      // 500
	ErrCodeAuditFailure      = "audit_failure"       // 500
	ErrCodeUpstreamFailed    = "upstream_failed"     // 502
	ErrCodeNoHealthyProvider = "no_healthy_provider" // 503
	ErrCodeServerBusy        = "server_busy"         // 503
)

// ResponseMeta is attached to every API response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// APIResponse is the standard envelope for admin API responses.
// The chat completions endpoint returns the bare OpenAI shape instead.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ErrorDetail is the inner error object.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}
