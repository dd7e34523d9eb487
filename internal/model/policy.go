package model

import (
	"fmt"
	"strings"
	"time"
)

// GlobalOrgID is the sentinel tenant for rules that apply to every org.
const GlobalOrgID = "GLOBAL"

// PolicyRule is a single governance rule. Condition is a Policy DSL string
// evaluated against the mesh result; Action is applied when it matches.
type PolicyRule struct {
	ID              string    `json:"id"`
	OrgID           string    `json:"orgId"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	Condition       string    `json:"condition"`
	Action          Action    `json:"action"`
	Severity        Severity  `json:"severity"`
	RewriteTemplate string    `json:"rewriteTemplate,omitempty"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Validate checks rule fields before persistence.
func (r PolicyRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule name is required")
	}
	if strings.TrimSpace(r.Condition) == "" {
		return fmt.Errorf("rule condition is required")
	}
	switch r.Action {
	case ActionPass, ActionRewrite, ActionBlock, ActionFlag:
	default:
		return fmt.Errorf("rule action must be PASS, REWRITE, BLOCK, or FLAG (got %q)", r.Action)
	}
	switch r.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical, "":
	default:
		return fmt.Errorf("rule severity must be LOW, MEDIUM, HIGH, or CRITICAL (got %q)", r.Severity)
	}
	return nil
}

// PolicyContext carries the request-scoped facts the DSL's time and user
// predicates evaluate against.
type PolicyContext struct {
	OrgID       string
	UserID      string
	UserRole    string
	RequestType string
	Now         time.Time
}

// IsBusinessHours reports whether Now falls within 09:00–17:00 on a weekday.
func (c PolicyContext) IsBusinessHours() bool {
	if c.IsWeekend() {
		return false
	}
	h := c.Now.Hour()
	return h >= 9 && h < 17
}

// IsWeekend reports whether Now is Saturday or Sunday.
func (c PolicyContext) IsWeekend() bool {
	wd := c.Now.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
