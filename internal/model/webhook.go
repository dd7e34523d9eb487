package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// WebhookEventType enumerates the outbound event kinds.
type WebhookEventType string

const (
	EventContentBlocked      WebhookEventType = "content.blocked"
	EventContentRewritten    WebhookEventType = "content.rewritten"
	EventPolicyViolation     WebhookEventType = "policy.violation"
	EventThresholdExceeded   WebhookEventType = "threshold.exceeded"
	EventEvaluationCompleted WebhookEventType = "evaluation.completed"
)

// RetryConfig controls webhook redelivery. Delay for attempt n is
// min(BackoffMultiplier^n * 60s, MaxBackoffSeconds).
type RetryConfig struct {
	MaxRetries        int     `json:"maxRetries"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	MaxBackoffSeconds int     `json:"maxBackoffSeconds"`
}

// DefaultRetryConfig is applied to endpoints created without one.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 5, BackoffMultiplier: 2, MaxBackoffSeconds: 3600}
}

// WebhookEndpoint is a tenant's delivery target.
type WebhookEndpoint struct {
	ID          string             `json:"id"`
	OrgID       string             `json:"orgId"`
	URL         string             `json:"url"`
	Secret      string             `json:"-"`
	Events      []WebhookEventType `json:"events"`
	Enabled     bool               `json:"enabled"`
	RetryConfig RetryConfig        `json:"retryConfig"`
	Headers     map[string]string  `json:"headers,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// SubscribedTo reports whether the endpoint wants this event type.
// An empty Events list subscribes to everything.
func (e WebhookEndpoint) SubscribedTo(t WebhookEventType) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, ev := range e.Events {
		if ev == t {
			return true
		}
	}
	return false
}

// Validate checks endpoint fields before persistence.
func (e WebhookEndpoint) Validate() error {
	u, err := url.Parse(e.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url must use http or https scheme (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url must include a host")
	}
	if strings.TrimSpace(e.Secret) == "" {
		return fmt.Errorf("secret is required")
	}
	return nil
}

// WebhookEvent is the canonical payload delivered to endpoints.
type WebhookEvent struct {
	ID             string           `json:"id"`
	Type           WebhookEventType `json:"type"`
	Timestamp      time.Time        `json:"timestamp"`
	OrganizationID string           `json:"organizationId"`
	Data           map[string]any   `json:"data"`
}

// DeliveryStatus tracks the lifecycle of one event→endpoint delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Delivery records attempts for one event against one endpoint. Failed
// deliveries are retained for manual replay.
type Delivery struct {
	ID          string         `json:"id"`
	EndpointID  string         `json:"endpointId"`
	Event       WebhookEvent   `json:"event"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"lastError,omitempty"`
	NextAttempt time.Time      `json:"nextAttempt"`
}
