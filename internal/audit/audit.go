// Package audit maintains the tamper-evident request trail. Every entry
// links to its predecessor's hash and carries an HMAC signature, per
// tenant. Prompt and response bodies never enter the chain in plaintext;
// they are reduced to SHA-256 content hashes first.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-ai/aegis/internal/integrity"
	"github.com/aegis-ai/aegis/internal/model"
	"github.com/aegis-ai/aegis/internal/store"
)

// ErrKeyMissing means the signing key was absent or too short at start-up.
// The gateway refuses to run without it.
var ErrKeyMissing = errors.New("audit: signing key missing or too short")

const minKeyBytes = 16

const (
	entryKeyFmt   = "audit:%s:%012d"
	archiveKeyFmt = "auditarchive:%s:%012d"
	headKeyFmt    = "audithead:%s"
	anchorKeyFmt  = "auditanchor:%s"
)

// Log is the append-only audit chain over the shared KV store.
type Log struct {
	store  store.Store
	key    []byte
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex // serializes appends
}

// New builds an audit log. The key signs every entry and is never logged.
func New(s store.Store, key []byte, logger *slog.Logger) (*Log, error) {
	if len(key) < minKeyBytes {
		return nil, ErrKeyMissing
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: s, key: key, logger: logger, now: time.Now}, nil
}

// head tracks the tail of a tenant chain.
type head struct {
	Seq  int64  `json:"seq"`
	Hash string `json:"hash"`
}

// anchor records where archived history was cut off, so the live chain
// stays verifiable after old entries move out.
type anchor struct {
	Hash          string    `json:"hash"`
	MerkleRoot    string    `json:"merkleRoot"`
	ArchivedCount int       `json:"archivedCount"`
	ArchivedAt    time.Time `json:"archivedAt"`
}

// LogRequest appends the REQUEST entry for an inbound call. A failure
// here is fatal to the request: nothing proceeds unaudited.
func (l *Log) LogRequest(ctx context.Context, requestID, orgID, userID string, req model.ChatRequest) (model.AuditEntry, error) {
	data := map[string]any{
		"model":        req.Model,
		"messageCount": len(req.Messages),
		"promptHash":   integrity.ContentHash(req.LastUserContent()),
		"temperature":  req.EffectiveTemperature(),
		"maxTokens":    req.EffectiveMaxTokens(),
		"stream":       req.Stream,
	}
	return l.append(ctx, orgID, userID, requestID, model.AuditRequest, data)
}

// Completion is everything LogComplete records about a finished request.
type Completion struct {
	RequestID        string
	OrgID            string
	UserID           string
	OriginalResponse string
	FinalResponse    string
	Evaluation       model.Evaluation
	LatencyMs        int64
	DocumentsUsed    []string
}

// LogComplete appends the terminal entry for a request. The entry type
// follows the policy action.
func (l *Log) LogComplete(ctx context.Context, c Completion) (model.AuditEntry, error) {
	types := make([]string, 0, len(c.Evaluation.Violations))
	for _, v := range c.Evaluation.Violations {
		types = append(types, v.Type)
	}
	data := map[string]any{
		"originalResponseHash": integrity.ContentHash(c.OriginalResponse),
		"finalResponseHash":    integrity.ContentHash(c.FinalResponse),
		"score":                c.Evaluation.Scores.Overall,
		"confidence":           c.Evaluation.Confidence,
		"action":               string(c.Evaluation.Action),
		"violationCount":       len(c.Evaluation.Violations),
		"latencyMs":            c.LatencyMs,
	}
	if len(types) > 0 {
		data["violationTypes"] = types
	}
	if len(c.Evaluation.AppliedRules) > 0 {
		data["appliedRules"] = c.Evaluation.AppliedRules
	}
	if len(c.DocumentsUsed) > 0 {
		data["documentsUsed"] = c.DocumentsUsed
	}
	return l.append(ctx, c.OrgID, c.UserID, c.RequestID, completionType(c.Evaluation.Action), data)
}

// LogError appends an ERROR entry for a request that failed upstream.
func (l *Log) LogError(ctx context.Context, requestID, orgID, userID, message string) (model.AuditEntry, error) {
	return l.append(ctx, orgID, userID, requestID, model.AuditError, map[string]any{
		"error": message,
	})
}

func completionType(a model.Action) model.AuditEntryType {
	switch a {
	case model.ActionBlock:
		return model.AuditBlock
	case model.ActionRewrite:
		return model.AuditRewrite
	case model.ActionFlag:
		return model.AuditEvaluation
	default:
		return model.AuditPass
	}
}

func (l *Log) append(ctx context.Context, orgID, userID, requestID string, typ model.AuditEntryType, data map[string]any) (model.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, err := l.loadHead(ctx, orgID)
	if err != nil {
		return model.AuditEntry{}, err
	}

	entry := model.AuditEntry{
		ID:           uuid.NewString(),
		Timestamp:    l.now().UTC(),
		OrgID:        orgID,
		UserID:       userID,
		RequestID:    requestID,
		Type:         typ,
		Data:         data,
		PreviousHash: h.Hash,
	}
	canonical, err := canonicalData(entry.Data)
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("audit: encode entry data: %w", err)
	}
	entry.Hash = integrity.EntryHash(entry.ID, entry.OrgID, entry.RequestID, string(entry.Type),
		entry.PreviousHash, entry.Timestamp, canonical)
	entry.Signature = integrity.Sign(l.key, entry.Hash)

	seq := h.Seq + 1
	raw, err := json.Marshal(entry)
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	if err := l.store.Set(ctx, fmt.Sprintf(entryKeyFmt, orgID, seq), raw); err != nil {
		return model.AuditEntry{}, fmt.Errorf("audit: store entry: %w", err)
	}
	if err := l.storeHead(ctx, orgID, head{Seq: seq, Hash: entry.Hash}); err != nil {
		return model.AuditEntry{}, err
	}
	return entry, nil
}

func (l *Log) loadHead(ctx context.Context, orgID string) (head, error) {
	raw, err := l.store.Get(ctx, fmt.Sprintf(headKeyFmt, orgID))
	if errors.Is(err, store.ErrNotFound) {
		// A fresh tenant, or one whose entire history was archived.
		a, err := l.loadAnchor(ctx, orgID)
		if err != nil {
			return head{}, err
		}
		if a != nil {
			return head{Seq: int64(a.ArchivedCount), Hash: a.Hash}, nil
		}
		return head{}, nil
	}
	if err != nil {
		return head{}, fmt.Errorf("audit: load head: %w", err)
	}
	var h head
	if err := json.Unmarshal(raw, &h); err != nil {
		return head{}, fmt.Errorf("audit: decode head: %w", err)
	}
	return h, nil
}

func (l *Log) storeHead(ctx context.Context, orgID string, h head) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("audit: marshal head: %w", err)
	}
	if err := l.store.Set(ctx, fmt.Sprintf(headKeyFmt, orgID), raw); err != nil {
		return fmt.Errorf("audit: store head: %w", err)
	}
	return nil
}

func (l *Log) loadAnchor(ctx context.Context, orgID string) (*anchor, error) {
	raw, err := l.store.Get(ctx, fmt.Sprintf(anchorKeyFmt, orgID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: load anchor: %w", err)
	}
	var a anchor
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("audit: decode anchor: %w", err)
	}
	return &a, nil
}

// entries loads the live chain in order.
func (l *Log) entries(ctx context.Context, orgID string) ([]model.AuditEntry, error) {
	kvs, err := l.store.ScanByPrefix(ctx, fmt.Sprintf("audit:%s:", orgID))
	if err != nil {
		return nil, fmt.Errorf("audit: scan entries: %w", err)
	}
	out := make([]model.AuditEntry, 0, len(kvs))
	for _, kv := range kvs {
		var e model.AuditEntry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			return nil, fmt.Errorf("audit: decode entry %q: %w", kv.Key, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// VerifyChain replays the tenant chain: hash linkage, entry hashes, and
// signatures. The first failing entry's index is reported.
func (l *Log) VerifyChain(ctx context.Context, orgID string) (model.ChainVerification, error) {
	entries, err := l.entries(ctx, orgID)
	if err != nil {
		return model.ChainVerification{}, err
	}

	prev := ""
	if a, err := l.loadAnchor(ctx, orgID); err != nil {
		return model.ChainVerification{}, err
	} else if a != nil {
		prev = a.Hash
	}

	bad := func(i int) model.ChainVerification {
		return model.ChainVerification{OK: false, Entries: len(entries), FirstBadIndex: &i}
	}
	for i, e := range entries {
		if e.PreviousHash != prev {
			return bad(i), nil
		}
		canonical, err := canonicalData(e.Data)
		if err != nil {
			return bad(i), nil
		}
		if !integrity.VerifyEntryHash(e.Hash, e.ID, e.OrgID, e.RequestID, string(e.Type),
			e.PreviousHash, e.Timestamp, canonical) {
			return bad(i), nil
		}
		if !integrity.VerifySignature(l.key, e.Hash, e.Signature) {
			return bad(i), nil
		}
		prev = e.Hash
	}
	return model.ChainVerification{OK: true, Entries: len(entries)}, nil
}

// canonicalData renders entry data deterministically. encoding/json sorts
// map keys, so a decode/re-encode round trip is stable.
func canonicalData(data map[string]any) ([]byte, error) {
	if data == nil {
		return []byte("null"), nil
	}
	return json.Marshal(data)
}
