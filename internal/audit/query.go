package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aegis-ai/aegis/internal/integrity"
	"github.com/aegis-ai/aegis/internal/model"
)

// DefaultTrailLimit caps trail queries that don't set their own limit.
const DefaultTrailLimit = 100

// Trail returns matching entries newest-first.
func (l *Log) Trail(ctx context.Context, orgID string, q model.AuditQuery) ([]model.AuditEntry, error) {
	entries, err := l.entries(ctx, orgID)
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultTrailLimit
	}

	out := make([]model.AuditEntry, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := entries[i]
		if q.StartDate != nil && e.Timestamp.Before(*q.StartDate) {
			continue
		}
		if q.EndDate != nil && e.Timestamp.After(*q.EndDate) {
			continue
		}
		if q.RequestID != "" && e.RequestID != q.RequestID {
			continue
		}
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Search scans entry data for content matches. Bodies live in the chain
// only as hashes, so substring search covers hashes, model names,
// violation types, and rule names.
func (l *Log) Search(ctx context.Context, orgID string, q model.AuditSearch) ([]model.AuditEntry, error) {
	entries, err := l.entries(ctx, orgID)
	if err != nil {
		return nil, err
	}

	var out []model.AuditEntry
	for _, e := range entries {
		if q.DateRange != nil {
			if e.Timestamp.Before(q.DateRange.Start) || e.Timestamp.After(q.DateRange.End) {
				continue
			}
		}
		if q.ContentSubstring != "" && !dataContains(e.Data, q.ContentSubstring) {
			continue
		}
		if len(q.Violations) > 0 && !hasAnyViolation(e.Data, q.Violations) {
			continue
		}
		if q.ScoreMin != nil || q.ScoreMax != nil {
			score, ok := dataScore(e.Data)
			if !ok {
				continue
			}
			if q.ScoreMin != nil && score < *q.ScoreMin {
				continue
			}
			if q.ScoreMax != nil && score > *q.ScoreMax {
				continue
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func dataContains(data map[string]any, substr string) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(raw)), strings.ToLower(substr))
}

func hasAnyViolation(data map[string]any, wanted []string) bool {
	raw, ok := data["violationTypes"].([]any)
	if !ok {
		return false
	}
	for _, v := range raw {
		s, _ := v.(string)
		for _, w := range wanted {
			if strings.EqualFold(s, w) {
				return true
			}
		}
	}
	return false
}

func dataScore(data map[string]any) (float64, bool) {
	v, ok := data["score"].(float64)
	return v, ok
}

// Statistics summarizes a tenant trail, including whether the chain
// currently verifies.
func (l *Log) Statistics(ctx context.Context, orgID string) (model.AuditStatistics, error) {
	entries, err := l.entries(ctx, orgID)
	if err != nil {
		return model.AuditStatistics{}, err
	}
	verification, err := l.VerifyChain(ctx, orgID)
	if err != nil {
		return model.AuditStatistics{}, err
	}

	stats := model.AuditStatistics{
		TotalEntries:  len(entries),
		ByType:        make(map[model.AuditEntryType]int),
		ChainVerified: verification.OK,
	}
	var scoreSum float64
	var scoreCount int
	for i, e := range entries {
		stats.ByType[e.Type]++
		switch e.Type {
		case model.AuditBlock:
			stats.BlockedCount++
		case model.AuditRewrite:
			stats.RewriteCount++
		}
		if s, ok := dataScore(e.Data); ok {
			scoreSum += s
			scoreCount++
		}
		if i == 0 {
			ts := e.Timestamp
			stats.FirstEntryAt = &ts
		}
		if i == len(entries)-1 {
			ts := e.Timestamp
			stats.LastEntryAt = &ts
		}
	}
	if scoreCount > 0 {
		stats.AverageScore = scoreSum / float64(scoreCount)
	}
	return stats, nil
}

// Export renders the full live trail as json or csv.
func (l *Log) Export(ctx context.Context, orgID, format string) ([]byte, error) {
	entries, err := l.entries(ctx, orgID)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(format) {
	case "json":
		return json.MarshalIndent(entries, "", "  ")
	case "csv":
		return exportCSV(entries)
	default:
		return nil, fmt.Errorf("audit: unsupported export format %q", format)
	}
}

func exportCSV(entries []model.AuditEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"id", "timestamp", "orgId", "userId", "requestId", "type", "previousHash", "hash", "signature", "data"}); err != nil {
		return nil, fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, e := range entries {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("audit: encode csv data: %w", err)
		}
		rec := []string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.OrgID,
			e.UserID,
			e.RequestID,
			string(e.Type),
			e.PreviousHash,
			e.Hash,
			e.Signature,
			string(data),
		}
		if err := w.Write(rec); err != nil {
			return nil, fmt.Errorf("audit: write csv record: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("audit: flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// Archive moves the longest chain prefix older than the cutoff into
// archive keys and re-anchors the live chain on the last archived hash
// plus a Merkle root over the archived batch. Returns the number moved.
func (l *Log) Archive(ctx context.Context, orgID string, olderThanDays int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.entries(ctx, orgID)
	if err != nil {
		return 0, err
	}
	cutoff := l.now().UTC().AddDate(0, 0, -olderThanDays)

	// Only a contiguous prefix may leave, or the live chain would have a
	// hole in its hash linkage.
	n := 0
	for n < len(entries) && entries[n].Timestamp.Before(cutoff) {
		n++
	}
	if n == 0 {
		return 0, nil
	}

	prior, err := l.loadAnchor(ctx, orgID)
	if err != nil {
		return 0, err
	}
	baseSeq := int64(0)
	if prior != nil {
		baseSeq = int64(prior.ArchivedCount)
	}

	hashes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		seq := baseSeq + int64(i) + 1
		raw, err := json.Marshal(entries[i])
		if err != nil {
			return 0, fmt.Errorf("audit: marshal archive entry: %w", err)
		}
		if err := l.store.Set(ctx, fmt.Sprintf(archiveKeyFmt, orgID, seq), raw); err != nil {
			return 0, fmt.Errorf("audit: store archive entry: %w", err)
		}
		if err := l.store.Delete(ctx, fmt.Sprintf(entryKeyFmt, orgID, seq)); err != nil {
			return 0, fmt.Errorf("audit: remove archived entry: %w", err)
		}
		hashes = append(hashes, entries[i].Hash)
	}

	a := anchor{
		Hash:          hashes[len(hashes)-1],
		MerkleRoot:    integrity.BuildMerkleRoot(hashes),
		ArchivedCount: int(baseSeq) + n,
		ArchivedAt:    l.now().UTC(),
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return 0, fmt.Errorf("audit: marshal anchor: %w", err)
	}
	if err := l.store.Set(ctx, fmt.Sprintf(anchorKeyFmt, orgID), raw); err != nil {
		return 0, fmt.Errorf("audit: store anchor: %w", err)
	}

	l.logger.Info("audit: archived entries",
		"org_id", orgID, "count", n, "merkle_root", a.MerkleRoot, "cutoff", cutoff.Format(time.RFC3339))
	return n, nil
}
