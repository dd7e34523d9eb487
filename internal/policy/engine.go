package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aegis-ai/aegis/internal/model"
	"github.com/aegis-ai/aegis/internal/store"
)

// Decision confidence by final action.
const (
	confidenceBlock   = 0.95
	confidenceRewrite = 0.8
	confidenceFlag    = 0.7
	confidencePass    = 1.0
)

// Engine evaluates governance rules against mesh results. Rules are
// persisted in the shared KV store under policy:<org>:<id>.
type Engine struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New builds a policy engine over the given store.
func New(s store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, logger: logger, now: time.Now}
}

// Decide runs the effective rules for the org against the evaluation and
// returns the updated evaluation: action, applied rules, confidence, and
// a rewrite when one is called for. The action only ever strengthens
// relative to the mesh preview, except through the business overrides.
func (e *Engine) Decide(ctx context.Context, response string, eval model.Evaluation, pctx model.PolicyContext) (model.Evaluation, error) {
	rules, err := e.effectiveRules(ctx, pctx.OrgID)
	if err != nil {
		return eval, err
	}

	action := eval.Action
	if action == "" {
		action = model.ActionPass
	}

	var matched []model.PolicyRule
	for _, rule := range rules {
		if !EvalCondition(rule.Condition, eval, pctx) {
			continue
		}
		matched = append(matched, rule)
		eval.AppliedRules = append(eval.AppliedRules, rule.Name)
		action = model.StrongerAction(action, rule.Action)
		if action == model.ActionBlock {
			break
		}
	}

	// Overrides consult the mesh's own confidence, not the decision
	// confidence assigned below.
	action = e.applyOverrides(action, eval, pctx)
	eval.Action = action
	eval.Confidence = actionConfidence(action)

	if action == model.ActionRewrite {
		eval.Rewrite = e.rewrite(response, eval, matched)
	}

	if len(matched) > 0 || action != model.ActionPass {
		e.logger.Info("policy: decision",
			"org_id", pctx.OrgID,
			"action", action,
			"applied_rules", eval.AppliedRules,
			"overall", eval.Scores.Overall)
	}
	return eval, nil
}

// applyOverrides adjusts the action after the rule pass, in fixed order.
func (e *Engine) applyOverrides(action model.Action, eval model.Evaluation, pctx model.PolicyContext) model.Action {
	if action == model.ActionBlock && pctx.IsBusinessHours() && eval.Scores.Overall > 0.3 {
		action = model.ActionRewrite
	}
	if action == model.ActionBlock && pctx.UserRole == "admin" && eval.Scores.Toxicity > 0.1 {
		action = model.ActionFlag
	}
	if action == model.ActionFlag && eval.Confidence > 0.9 {
		action = model.ActionRewrite
	}
	return action
}

func actionConfidence(a model.Action) float64 {
	switch a {
	case model.ActionBlock:
		return confidenceBlock
	case model.ActionRewrite:
		return confidenceRewrite
	case model.ActionFlag:
		return confidenceFlag
	default:
		return confidencePass
	}
}

// rewrite produces the replacement text. A matched REWRITE rule with a
// template wins; otherwise a canned treatment keyed on the weakest
// evaluation dimension.
func (e *Engine) rewrite(response string, eval model.Evaluation, matched []model.PolicyRule) string {
	for _, rule := range matched {
		if rule.Action == model.ActionRewrite && rule.RewriteTemplate != "" {
			return expandTemplate(rule.RewriteTemplate, rule, eval)
		}
	}
	return cannedRewrite(response, eval)
}

func expandTemplate(tpl string, rule model.PolicyRule, eval model.Evaluation) string {
	types := make([]string, 0, len(eval.Violations))
	for _, v := range eval.Violations {
		types = append(types, v.Type)
	}
	r := strings.NewReplacer(
		"{rule_name}", rule.Name,
		"{violations}", strings.Join(types, ", "),
		"{score}", fmt.Sprintf("%.2f", eval.Scores.Overall),
	)
	return r.Replace(tpl)
}

// cannedRewrite applies the default treatment: redaction for severe
// toxicity, appended disclaimers otherwise.
func cannedRewrite(response string, eval model.Evaluation) string {
	if severeToxicity(eval) {
		return redact(response, eval.Violations)
	}
	if eval.Scores.FactualAccuracy < eval.Scores.PolicyCompliance {
		return response + "\n\nPlease verify this information independently before acting on it."
	}
	return response + "\n\nThis response has been reviewed and adjusted to comply with organizational policy."
}

func severeToxicity(eval model.Evaluation) bool {
	for _, v := range eval.Violations {
		if strings.Contains(v.Type, "toxic") &&
			(v.Severity == model.SeverityHigh || v.Severity == model.SeverityCritical) {
			return true
		}
	}
	return false
}

// redact replaces flagged spans with [REDACTED]. Violations without a
// location leave the text alone; if nothing was redacted the whole
// response is replaced.
func redact(response string, violations []model.Violation) string {
	type span struct{ start, end int }
	var spans []span
	for _, v := range violations {
		if v.Location == nil {
			continue
		}
		s, t := v.Location.Start, v.Location.End
		if s < 0 || t > len(response) || s >= t {
			continue
		}
		spans = append(spans, span{s, t})
	}
	if len(spans) == 0 {
		return "[REDACTED]"
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	// Rebuild right to left so earlier offsets stay valid.
	out := response
	for i := len(spans) - 1; i >= 0; i-- {
		out = out[:spans[i].start] + "[REDACTED]" + out[spans[i].end:]
	}
	return out
}
