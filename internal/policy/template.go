package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/aegis-ai/aegis/internal/model"
)

// Template is a portable rule set: an org's rules stripped of identity so
// they can be re-created under another tenant.
type Template struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Rules       []model.PolicyRule `json:"rules"`
}

// ExportTemplate snapshots the org's own rules (not GLOBAL ones) into a
// template. Ids and timestamps are cleared; order is preserved.
func (e *Engine) ExportTemplate(ctx context.Context, orgID, name string) (Template, error) {
	rules, err := e.ListRules(ctx, orgID)
	if err != nil {
		return Template{}, err
	}
	out := make([]model.PolicyRule, len(rules))
	for i, r := range rules {
		r.ID = ""
		r.OrgID = ""
		r.CreatedAt = time.Time{}
		r.UpdatedAt = time.Time{}
		out[i] = r
	}
	return Template{Name: name, Rules: out}, nil
}

// ImportTemplate creates the template's rules under the org with fresh
// ids. Insertion order follows the template; a validation failure aborts
// before anything is written.
func (e *Engine) ImportTemplate(ctx context.Context, orgID string, tpl Template) ([]model.PolicyRule, error) {
	for i, r := range tpl.Rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("policy: template rule %d: %w", i, err)
		}
	}

	base := e.now().UTC()
	created := make([]model.PolicyRule, 0, len(tpl.Rules))
	for i, r := range tpl.Rules {
		r.ID = newRuleID()
		r.OrgID = orgID
		// Spread timestamps so insertion order survives a same-instant import.
		r.CreatedAt = base.Add(time.Duration(i) * time.Microsecond)
		r.UpdatedAt = r.CreatedAt
		if err := e.putRule(ctx, r); err != nil {
			return created, err
		}
		created = append(created, r)
	}
	e.logger.Info("policy: template imported", "org_id", orgID, "template", tpl.Name, "rules", len(created))
	return created, nil
}
