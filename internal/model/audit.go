package model

import "time"

// AuditEntryType classifies an audit chain entry.
type AuditEntryType string

const (
	AuditRequest    AuditEntryType = "REQUEST"
	AuditEvaluation AuditEntryType = "EVALUATION"
	AuditRewrite    AuditEntryType = "REWRITE"
	AuditBlock      AuditEntryType = "BLOCK"
	AuditPass       AuditEntryType = "PASS"
	AuditError      AuditEntryType = "ERROR"
)

// AuditEntry is one link in a tenant's hash chain. Data never contains
// prompt or response plaintext — bodies are stored as SHA-256 content
// hashes before the entry is built.
type AuditEntry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	OrgID        string         `json:"orgId"`
	UserID       string         `json:"userId,omitempty"`
	RequestID    string         `json:"requestId"`
	Type         AuditEntryType `json:"type"`
	Data         map[string]any `json:"data"`
	PreviousHash string         `json:"previousHash"`
	Hash         string         `json:"hash"`
	Signature    string         `json:"signature"`
}

// AuditQuery filters a trail query.
type AuditQuery struct {
	StartDate *time.Time     `json:"startDate,omitempty"`
	EndDate   *time.Time     `json:"endDate,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Type      AuditEntryType `json:"type,omitempty"`
	Limit     int            `json:"limit,omitempty"`
}

// AuditSearch filters a content search over the trail.
type AuditSearch struct {
	ContentSubstring string     `json:"contentSubstring,omitempty"`
	Violations       []string   `json:"violations,omitempty"`
	ScoreMin         *float64   `json:"scoreMin,omitempty"`
	ScoreMax         *float64   `json:"scoreMax,omitempty"`
	DateRange        *DateRange `json:"dateRange,omitempty"`
}

// AuditStatistics summarizes a tenant's trail.
type AuditStatistics struct {
	TotalEntries  int                    `json:"totalEntries"`
	ByType        map[AuditEntryType]int `json:"byType"`
	FirstEntryAt  *time.Time             `json:"firstEntryAt,omitempty"`
	LastEntryAt   *time.Time             `json:"lastEntryAt,omitempty"`
	AverageScore  float64                `json:"averageScore"`
	BlockedCount  int                    `json:"blockedCount"`
	RewriteCount  int                    `json:"rewriteCount"`
	ChainVerified bool                   `json:"chainVerified"`
}

// ChainVerification is the result of replaying a tenant chain.
type ChainVerification struct {
	OK            bool `json:"ok"`
	Entries       int  `json:"entries"`
	FirstBadIndex *int `json:"firstBadIndex,omitempty"`
}
