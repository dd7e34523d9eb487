package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/aegis-ai/aegis/internal/model"
	"github.com/aegis-ai/aegis/internal/store"
)

// ErrRuleNotFound is returned for unknown rule ids.
var ErrRuleNotFound = errors.New("policy: rule not found")

func ruleKey(orgID, id string) string {
	return fmt.Sprintf("policy:%s:%s", orgID, id)
}

func newRuleID() string { return uuid.NewString() }

// CreateRule validates and persists a new rule. The id is always minted
// here; callers cannot choose ids.
func (e *Engine) CreateRule(ctx context.Context, orgID string, rule model.PolicyRule) (model.PolicyRule, error) {
	if err := rule.Validate(); err != nil {
		return model.PolicyRule{}, fmt.Errorf("policy: %w", err)
	}

	now := e.now().UTC()
	rule.ID = newRuleID()
	rule.OrgID = orgID
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := e.putRule(ctx, rule); err != nil {
		return model.PolicyRule{}, err
	}
	e.logger.Info("policy: rule created", "org_id", orgID, "rule_id", rule.ID, "name", rule.Name)
	return rule, nil
}

// UpdateRule replaces an existing rule's mutable fields.
func (e *Engine) UpdateRule(ctx context.Context, orgID string, rule model.PolicyRule) (model.PolicyRule, error) {
	if err := rule.Validate(); err != nil {
		return model.PolicyRule{}, fmt.Errorf("policy: %w", err)
	}

	existing, err := e.GetRule(ctx, orgID, rule.ID)
	if err != nil {
		return model.PolicyRule{}, err
	}

	rule.OrgID = existing.OrgID
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = e.now().UTC()

	if err := e.putRule(ctx, rule); err != nil {
		return model.PolicyRule{}, err
	}
	return rule, nil
}

// DeleteRule removes a rule.
func (e *Engine) DeleteRule(ctx context.Context, orgID, id string) error {
	if _, err := e.GetRule(ctx, orgID, id); err != nil {
		return err
	}
	if err := e.store.Delete(ctx, ruleKey(orgID, id)); err != nil {
		return fmt.Errorf("policy: delete rule: %w", err)
	}
	return nil
}

// GetRule loads one rule.
func (e *Engine) GetRule(ctx context.Context, orgID, id string) (model.PolicyRule, error) {
	raw, err := e.store.Get(ctx, ruleKey(orgID, id))
	if errors.Is(err, store.ErrNotFound) {
		return model.PolicyRule{}, ErrRuleNotFound
	}
	if err != nil {
		return model.PolicyRule{}, fmt.Errorf("policy: load rule: %w", err)
	}
	var rule model.PolicyRule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return model.PolicyRule{}, fmt.Errorf("policy: decode rule: %w", err)
	}
	return rule, nil
}

// ListRules returns the org's own rules in insertion order.
func (e *Engine) ListRules(ctx context.Context, orgID string) ([]model.PolicyRule, error) {
	kvs, err := e.store.ScanByPrefix(ctx, fmt.Sprintf("policy:%s:", orgID))
	if err != nil {
		return nil, fmt.Errorf("policy: scan rules: %w", err)
	}
	rules := make([]model.PolicyRule, 0, len(kvs))
	for _, kv := range kvs {
		var rule model.PolicyRule
		if err := json.Unmarshal(kv.Value, &rule); err != nil {
			return nil, fmt.Errorf("policy: decode rule %q: %w", kv.Key, err)
		}
		rules = append(rules, rule)
	}
	sortByInsertion(rules)
	return rules, nil
}

// effectiveRules is the union of enabled GLOBAL and tenant rules, global
// first, each in insertion order.
func (e *Engine) effectiveRules(ctx context.Context, orgID string) ([]model.PolicyRule, error) {
	global, err := e.ListRules(ctx, model.GlobalOrgID)
	if err != nil {
		return nil, err
	}
	var tenant []model.PolicyRule
	if orgID != model.GlobalOrgID {
		if tenant, err = e.ListRules(ctx, orgID); err != nil {
			return nil, err
		}
	}

	out := make([]model.PolicyRule, 0, len(global)+len(tenant))
	for _, r := range append(global, tenant...) {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func sortByInsertion(rules []model.PolicyRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
}

func (e *Engine) putRule(ctx context.Context, rule model.PolicyRule) error {
	raw, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("policy: marshal rule: %w", err)
	}
	if err := e.store.Set(ctx, ruleKey(rule.OrgID, rule.ID), raw); err != nil {
		return fmt.Errorf("policy: store rule: %w", err)
	}
	return nil
}
