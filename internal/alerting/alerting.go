// Package alerting evaluates metric windows against tenant alert rules
// and fans triggered alerts out to channels. Samples live in memory with
// a one hour retention; rules and alerts persist in the shared store.
package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-ai/aegis/internal/model"
	"github.com/aegis-ai/aegis/internal/store"
	"github.com/aegis-ai/aegis/internal/webhook"
)

// Default timing knobs; Options override them.
const (
	// EvaluateInterval is how often the engine sweeps all rules.
	EvaluateInterval = 60 * time.Second
	// sampleRetention bounds the in-memory metric buffer.
	sampleRetention = time.Hour
	// pruneInterval is how often expired samples are dropped.
	pruneInterval = 5 * time.Minute
)

// ErrRuleNotFound is returned for unknown alert rule ids.
var ErrRuleNotFound = errors.New("alerting: rule not found")

// ErrAlertNotFound is returned for unknown alert ids.
var ErrAlertNotFound = errors.New("alerting: alert not found")

const (
	ruleKeyFmt  = "alertrule:%s:%s"
	alertKeyFmt = "alert:%s:%s"
)

// Engine owns the metric buffer, the rule sweep, and alert persistence.
type Engine struct {
	store    store.Store
	webhooks *webhook.Manager
	logger   *slog.Logger
	now      func() time.Time

	tick      time.Duration
	retention time.Duration
	prune     time.Duration

	mu         sync.Mutex
	samples    map[string][]model.MetricSample // keyed by orgID
	lastPruned time.Time
}

// Option adjusts an engine timing knob.
type Option func(*Engine)

// WithTickInterval sets the sweep period used by Run.
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tick = d
		}
	}
}

// WithSampleRetention bounds how long metric samples stay buffered.
func WithSampleRetention(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retention = d
		}
	}
}

// WithPruneInterval sets how often expired samples are dropped.
func WithPruneInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.prune = d
		}
	}
}

// New builds an alerting engine. The webhook manager may be nil; the
// webhook channel is then skipped.
func New(s store.Store, wh *webhook.Manager, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:     s,
		webhooks:  wh,
		logger:    logger,
		now:       time.Now,
		tick:      EvaluateInterval,
		retention: sampleRetention,
		prune:     pruneInterval,
		samples:   make(map[string][]model.MetricSample),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Record buffers one metric sample for later window evaluation.
func (e *Engine) Record(orgID, metric string, value float64) {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples[orgID] = append(e.samples[orgID], model.MetricSample{
		Name: metric, OrgID: orgID, Value: value, Timestamp: now,
	})
	if now.Sub(e.lastPruned) >= e.prune {
		e.pruneLocked(now)
		e.lastPruned = now
	}
}

func (e *Engine) pruneLocked(now time.Time) {
	cutoff := now.Add(-e.retention)
	for org, buf := range e.samples {
		kept := buf[:0]
		for _, s := range buf {
			if s.Timestamp.After(cutoff) {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(e.samples, org)
			continue
		}
		e.samples[org] = kept
	}
}

// window aggregates one metric over the trailing window.
func (e *Engine) window(orgID, metric string, minutes int, agg string) (float64, bool) {
	cutoff := e.now().Add(-time.Duration(minutes) * time.Minute)

	e.mu.Lock()
	defer e.mu.Unlock()

	var values []float64
	for _, s := range e.samples[orgID] {
		if s.Name == metric && s.Timestamp.After(cutoff) {
			values = append(values, s.Value)
		}
	}
	if agg == model.AggCount {
		return float64(len(values)), true
	}
	if len(values) == 0 {
		return 0, false
	}

	switch agg {
	case model.AggSum, model.AggAvg:
		var sum float64
		for _, v := range values {
			sum += v
		}
		if agg == model.AggAvg {
			return sum / float64(len(values)), true
		}
		return sum, true
	case model.AggMax:
		out := values[0]
		for _, v := range values[1:] {
			if v > out {
				out = v
			}
		}
		return out, true
	case model.AggMin:
		out := values[0]
		for _, v := range values[1:] {
			if v < out {
				out = v
			}
		}
		return out, true
	default:
		return 0, false
	}
}

func compareThreshold(lhs float64, op string, rhs float64) bool {
	switch op {
	case ">":
		return lhs > rhs
	case ">=":
		return lhs >= rhs
	case "<":
		return lhs < rhs
	case "<=":
		return lhs <= rhs
	case "==":
		return lhs == rhs
	case "!=":
		return lhs != rhs
	default:
		return false
	}
}

// Evaluate sweeps every org that has buffered samples against the union
// of GLOBAL and that org's own rules, global first. A rule fires when all
// of its conditions hold over the org's windows; a fired rule respects
// its cooldown before firing again.
func (e *Engine) Evaluate(ctx context.Context) {
	e.mu.Lock()
	orgs := make([]string, 0, len(e.samples))
	for org := range e.samples {
		orgs = append(orgs, org)
	}
	e.mu.Unlock()

	global, err := e.ListRules(ctx, model.GlobalOrgID)
	if err != nil {
		e.logger.Error("alerting: list global rules", "error", err)
		global = nil
	}

	for _, org := range orgs {
		tenant, err := e.ListRules(ctx, org)
		if err != nil {
			e.logger.Error("alerting: list rules", "org_id", org, "error", err)
			continue
		}
		rules := make([]model.AlertRule, 0, len(global)+len(tenant))
		rules = append(rules, global...)
		if org != model.GlobalOrgID {
			rules = append(rules, tenant...)
		}
		for _, rule := range rules {
			if !rule.Enabled {
				continue
			}
			e.evaluateRule(ctx, org, rule)
		}
	}
}

// evaluateRule checks one rule against orgID's metric windows. For a
// GLOBAL rule orgID is the tenant being swept, not the rule's owner.
func (e *Engine) evaluateRule(ctx context.Context, orgID string, rule model.AlertRule) {
	now := e.now()
	if rule.LastTriggered != nil && rule.CooldownMinutes > 0 {
		if now.Sub(*rule.LastTriggered) < time.Duration(rule.CooldownMinutes)*time.Minute {
			return
		}
	}

	parts := make([]string, 0, len(rule.Conditions))
	for _, c := range rule.Conditions {
		value, ok := e.window(orgID, c.Metric, c.TimeWindowMinutes, c.Aggregation)
		if !ok || !compareThreshold(value, c.Operator, c.Value) {
			return
		}
		parts = append(parts, fmt.Sprintf("%s(%s)=%.3f %s %.3f", c.Aggregation, c.Metric, value, c.Operator, c.Value))
	}

	alert := model.Alert{
		ID:          uuid.NewString(),
		OrgID:       orgID,
		Type:        rule.Name,
		Severity:    rule.Severity,
		Title:       fmt.Sprintf("Alert: %s", rule.Name),
		Description: fmt.Sprintf("Conditions met: %s", strings.Join(parts, "; ")),
		Timestamp:   now.UTC(),
		Channels:    rule.Actions,
	}
	if err := e.putAlert(ctx, alert); err != nil {
		e.logger.Error("alerting: store alert", "org_id", orgID, "rule", rule.Name, "error", err)
		return
	}

	ts := now.UTC()
	rule.LastTriggered = &ts
	if err := e.putRule(ctx, rule); err != nil {
		e.logger.Error("alerting: update rule trigger time", "rule_id", rule.ID, "error", err)
	}

	e.logger.Warn("alerting: rule triggered",
		"org_id", orgID, "rule", rule.Name, "severity", rule.Severity, "alert_id", alert.ID)
	e.notify(ctx, alert)
}

// notify fans the alert out to its channels. Only the webhook channel
// has a live transport; the rest are logged for the operator.
func (e *Engine) notify(ctx context.Context, alert model.Alert) {
	for _, ch := range alert.Channels {
		switch ch {
		case model.ChannelWebhook:
			if e.webhooks == nil {
				continue
			}
			event := e.webhooks.NewEvent(alert.OrgID, model.EventThresholdExceeded, map[string]any{
				"alertId":     alert.ID,
				"type":        alert.Type,
				"severity":    string(alert.Severity),
				"title":       alert.Title,
				"description": alert.Description,
			})
			e.webhooks.Dispatch(ctx, event)
		case model.ChannelDashboard:
			// Persisted alerts are the dashboard feed; nothing extra to do.
		default:
			e.logger.Info("alerting: channel notification",
				"channel", ch, "org_id", alert.OrgID, "title", alert.Title)
		}
	}
}

// Run sweeps rules on a ticker until the context ends.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Evaluate(ctx)
		}
	}
}

// CreateRule validates and persists an alert rule.
func (e *Engine) CreateRule(ctx context.Context, orgID string, rule model.AlertRule) (model.AlertRule, error) {
	if err := rule.Validate(); err != nil {
		return model.AlertRule{}, fmt.Errorf("alerting: %w", err)
	}
	rule.ID = uuid.NewString()
	rule.OrgID = orgID
	rule.LastTriggered = nil
	if err := e.putRule(ctx, rule); err != nil {
		return model.AlertRule{}, err
	}
	return rule, nil
}

// UpdateRule replaces an existing rule.
func (e *Engine) UpdateRule(ctx context.Context, orgID string, rule model.AlertRule) (model.AlertRule, error) {
	if err := rule.Validate(); err != nil {
		return model.AlertRule{}, fmt.Errorf("alerting: %w", err)
	}
	existing, err := e.GetRule(ctx, orgID, rule.ID)
	if err != nil {
		return model.AlertRule{}, err
	}
	rule.OrgID = existing.OrgID
	rule.LastTriggered = existing.LastTriggered
	if err := e.putRule(ctx, rule); err != nil {
		return model.AlertRule{}, err
	}
	return rule, nil
}

// DeleteRule removes a rule. Alerts it raised stay.
func (e *Engine) DeleteRule(ctx context.Context, orgID, id string) error {
	if _, err := e.GetRule(ctx, orgID, id); err != nil {
		return err
	}
	if err := e.store.Delete(ctx, fmt.Sprintf(ruleKeyFmt, orgID, id)); err != nil {
		return fmt.Errorf("alerting: delete rule: %w", err)
	}
	return nil
}

// GetRule loads one rule.
func (e *Engine) GetRule(ctx context.Context, orgID, id string) (model.AlertRule, error) {
	raw, err := e.store.Get(ctx, fmt.Sprintf(ruleKeyFmt, orgID, id))
	if errors.Is(err, store.ErrNotFound) {
		return model.AlertRule{}, ErrRuleNotFound
	}
	if err != nil {
		return model.AlertRule{}, fmt.Errorf("alerting: load rule: %w", err)
	}
	var rule model.AlertRule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return model.AlertRule{}, fmt.Errorf("alerting: decode rule: %w", err)
	}
	return rule, nil
}

// ListRules returns all of the org's alert rules.
func (e *Engine) ListRules(ctx context.Context, orgID string) ([]model.AlertRule, error) {
	kvs, err := e.store.ScanByPrefix(ctx, fmt.Sprintf("alertrule:%s:", orgID))
	if err != nil {
		return nil, fmt.Errorf("alerting: scan rules: %w", err)
	}
	out := make([]model.AlertRule, 0, len(kvs))
	for _, kv := range kvs {
		var rule model.AlertRule
		if err := json.Unmarshal(kv.Value, &rule); err != nil {
			return nil, fmt.Errorf("alerting: decode rule %q: %w", kv.Key, err)
		}
		out = append(out, rule)
	}
	return out, nil
}

func (e *Engine) putRule(ctx context.Context, rule model.AlertRule) error {
	raw, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("alerting: marshal rule: %w", err)
	}
	if err := e.store.Set(ctx, fmt.Sprintf(ruleKeyFmt, rule.OrgID, rule.ID), raw); err != nil {
		return fmt.Errorf("alerting: store rule: %w", err)
	}
	return nil
}

// Alerts lists the org's alerts, optionally filtering out resolved ones.
func (e *Engine) Alerts(ctx context.Context, orgID string, includeResolved bool) ([]model.Alert, error) {
	kvs, err := e.store.ScanByPrefix(ctx, fmt.Sprintf("alert:%s:", orgID))
	if err != nil {
		return nil, fmt.Errorf("alerting: scan alerts: %w", err)
	}
	out := make([]model.Alert, 0, len(kvs))
	for _, kv := range kvs {
		var a model.Alert
		if err := json.Unmarshal(kv.Value, &a); err != nil {
			return nil, fmt.Errorf("alerting: decode alert %q: %w", kv.Key, err)
		}
		if !includeResolved && a.Resolved {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Resolve marks an alert resolved. Alerts are never deleted.
func (e *Engine) Resolve(ctx context.Context, orgID, alertID string) error {
	key := fmt.Sprintf(alertKeyFmt, orgID, alertID)
	raw, err := e.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return ErrAlertNotFound
	}
	if err != nil {
		return fmt.Errorf("alerting: load alert: %w", err)
	}
	var a model.Alert
	if err := json.Unmarshal(raw, &a); err != nil {
		return fmt.Errorf("alerting: decode alert: %w", err)
	}
	a.Resolved = true
	return e.putAlert(ctx, a)
}

func (e *Engine) putAlert(ctx context.Context, a model.Alert) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alerting: marshal alert: %w", err)
	}
	if err := e.store.Set(ctx, fmt.Sprintf(alertKeyFmt, a.OrgID, a.ID), raw); err != nil {
		return fmt.Errorf("alerting: store alert: %w", err)
	}
	return nil
}
