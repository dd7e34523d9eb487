// Package policy turns evaluation results into governance verdicts. Rules
// carry a small condition DSL; the engine unions GLOBAL and tenant rules,
// applies action precedence, business overrides, and rewrite generation.
package policy

import (
	"strconv"
	"strings"

	"github.com/aegis-ai/aegis/internal/model"
)

// The DSL is deliberately tiny: infix "and"/"or" without parentheses over
// score comparisons, violation predicates, and time/user predicates.
// "and" binds tighter than "or". Anything unrecognized evaluates to false
// and never raises — a bad rule must not take the gateway down.

// EvalCondition evaluates a DSL condition string against an evaluation and
// its request context.
func EvalCondition(condition string, eval model.Evaluation, pctx model.PolicyContext) bool {
	condition = strings.ToLower(strings.TrimSpace(condition))
	if condition == "" {
		return false
	}

	// Split on "or" first: the expression is a disjunction of conjunctions.
	for _, disjunct := range splitKeyword(condition, "or") {
		all := true
		for _, conjunct := range splitKeyword(disjunct, "and") {
			if !evalAtom(strings.TrimSpace(conjunct), eval, pctx) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// splitKeyword splits on a lone keyword token, ignoring occurrences glued
// inside other words ("score" contains no spaces around "or").
func splitKeyword(s, keyword string) []string {
	fields := strings.Fields(s)
	var parts []string
	var current []string
	for _, f := range fields {
		if f == keyword {
			parts = append(parts, strings.Join(current, " "))
			current = nil
			continue
		}
		current = append(current, f)
	}
	parts = append(parts, strings.Join(current, " "))
	return parts
}

// metricValue resolves a metric name (with aliases) against the scores.
func metricValue(name string, eval model.Evaluation) (float64, bool) {
	switch name {
	case "toxicity":
		return eval.Scores.Toxicity, true
	case "policycompliance", "compliance":
		return eval.Scores.PolicyCompliance, true
	case "factualaccuracy", "accuracy":
		return eval.Scores.FactualAccuracy, true
	case "brandalignment", "brand":
		return eval.Scores.BrandAlignment, true
	case "overall", "score":
		return eval.Scores.Overall, true
	case "confidence":
		return eval.Confidence, true
	default:
		return 0, false
	}
}

func compare(lhs float64, op string, rhs float64) bool {
	switch op {
	case "<":
		return lhs < rhs
	case "<=":
		return lhs <= rhs
	case ">":
		return lhs > rhs
	case ">=":
		return lhs >= rhs
	case "=", "==":
		return lhs == rhs
	case "!=":
		return lhs != rhs
	default:
		return false
	}
}

// evalAtom evaluates one predicate with no boolean connectives in it.
func evalAtom(atom string, eval model.Evaluation, pctx model.PolicyContext) bool {
	switch atom {
	case "contains violations":
		return len(eval.Violations) > 0
	case "business hours":
		return pctx.IsBusinessHours()
	case "after hours":
		return !pctx.IsBusinessHours()
	case "weekend":
		return pctx.IsWeekend()
	case "weekday":
		return !pctx.IsWeekend()
	case "user admin":
		return pctx.UserRole == "admin"
	case "user guest":
		return pctx.UserRole == "guest"
	}

	fields := strings.Fields(atom)

	// violations count <op> <int>
	if len(fields) == 4 && fields[0] == "violations" && fields[1] == "count" {
		n, err := strconv.Atoi(fields[3])
		if err != nil {
			return false
		}
		return compare(float64(len(eval.Violations)), fields[2], float64(n))
	}

	// <metric> <op> <number>
	if len(fields) == 3 {
		lhs, ok := metricValue(fields[0], eval)
		if !ok {
			return false
		}
		rhs, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return false
		}
		return compare(lhs, fields[1], rhs)
	}

	return false
}
