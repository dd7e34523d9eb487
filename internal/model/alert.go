package model

import (
	"fmt"
	"time"
)

// Metric names recorded by the pipeline for alert evaluation.
const (
	MetricViolationRate     = "violation_rate"
	MetricBlockedCount      = "blocked_content_count"
	MetricEvalFailureRate   = "evaluation_failure_rate"
	MetricRequestLatencyMS  = "request_latency_ms"
	MetricProviderLatencyMS = "provider_latency_ms"
)

// Aggregations supported by alert conditions.
const (
	AggAvg   = "avg"
	AggSum   = "sum"
	AggCount = "count"
	AggMax   = "max"
	AggMin   = "min"
)

// AlertCondition compares an aggregated metric window against a threshold.
type AlertCondition struct {
	Metric            string  `json:"metric"`
	Operator          string  `json:"operator"` // >, >=, <, <=, ==, !=
	Value             float64 `json:"value"`
	TimeWindowMinutes int     `json:"timeWindowMinutes"`
	Aggregation       string  `json:"aggregation"`
}

// Validate checks a condition's enums.
func (c AlertCondition) Validate() error {
	switch c.Operator {
	case ">", ">=", "<", "<=", "==", "!=":
	default:
		return fmt.Errorf("operator must be one of > >= < <= == != (got %q)", c.Operator)
	}
	switch c.Aggregation {
	case AggAvg, AggSum, AggCount, AggMax, AggMin:
	default:
		return fmt.Errorf("aggregation must be avg, sum, count, max, or min (got %q)", c.Aggregation)
	}
	if c.TimeWindowMinutes <= 0 {
		return fmt.Errorf("timeWindowMinutes must be positive")
	}
	if c.Metric == "" {
		return fmt.Errorf("metric is required")
	}
	return nil
}

// Alert channels.
const (
	ChannelEmail     = "email"
	ChannelSlack     = "slack"
	ChannelWebhook   = "webhook"
	ChannelSMS       = "sms"
	ChannelDashboard = "dashboard"
)

// AlertRule triggers an Alert when every condition holds over its window.
type AlertRule struct {
	ID              string           `json:"id"`
	OrgID           string           `json:"orgId"`
	Name            string           `json:"name"`
	Enabled         bool             `json:"enabled"`
	Conditions      []AlertCondition `json:"conditions"`
	Actions         []string         `json:"actions"`
	Severity        Severity         `json:"severity"`
	CooldownMinutes int              `json:"cooldownMinutes"`
	LastTriggered   *time.Time       `json:"lastTriggered,omitempty"`
}

// Validate checks the rule and all conditions.
func (r AlertRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule must have at least one condition")
	}
	for i, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("conditions[%d]: %w", i, err)
		}
	}
	for i, a := range r.Actions {
		switch a {
		case ChannelEmail, ChannelSlack, ChannelWebhook, ChannelSMS, ChannelDashboard:
		default:
			return fmt.Errorf("actions[%d]: unknown channel %q", i, a)
		}
	}
	return nil
}

// Alert is a triggered rule instance. Append-only: alerts may be resolved
// but never deleted.
type Alert struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"orgId"`
	Type        string    `json:"type"`
	Severity    Severity  `json:"severity"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	Resolved    bool      `json:"resolved"`
	Channels    []string  `json:"channels"`
}

// MetricSample is one timestamped measurement.
type MetricSample struct {
	Name      string
	OrgID     string
	Value     float64
	Timestamp time.Time
}
