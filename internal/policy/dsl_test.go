package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aegis-ai/aegis/internal/model"
)

func evalWith(scores model.Scores, violations ...model.Violation) model.Evaluation {
	scores.ComputeOverall()
	return model.Evaluation{
		Score:      scores.Overall,
		Scores:     scores,
		Violations: violations,
		Confidence: 0.85,
	}
}

// Tuesday 10:00 UTC — a weekday inside business hours.
var businessTuesday = time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

// Saturday 22:00 UTC.
var lateSaturday = time.Date(2026, 8, 29, 22, 0, 0, 0, time.UTC)

func TestEvalConditionScores(t *testing.T) {
	eval := evalWith(model.Scores{Toxicity: 0.25, PolicyCompliance: 0.9, FactualAccuracy: 0.8, BrandAlignment: 1.0})
	pctx := model.PolicyContext{Now: businessTuesday}

	cases := []struct {
		condition string
		want      bool
	}{
		{"toxicity < 0.3", true},
		{"toxicity < 0.25", false},
		{"toxicity <= 0.25", true},
		{"Toxicity < 0.3", true}, // case-insensitive
		{"compliance > 0.8", true},
		{"policyCompliance > 0.8", true},
		{"accuracy >= 0.8", true},
		{"factualAccuracy >= 0.8", true},
		{"brand = 1.0", true},
		{"brandAlignment != 1.0", false},
		{"score < 0.9", true},
		{"overall < 0.9", true},
		{"confidence > 0.8", true},
	}
	for _, tc := range cases {
		t.Run(tc.condition, func(t *testing.T) {
			assert.Equal(t, tc.want, EvalCondition(tc.condition, eval, pctx))
		})
	}
}

func TestEvalConditionViolations(t *testing.T) {
	pctx := model.PolicyContext{Now: businessTuesday}
	none := evalWith(model.Scores{Toxicity: 1, PolicyCompliance: 1, FactualAccuracy: 1, BrandAlignment: 1})
	two := evalWith(model.Scores{Toxicity: 0.5, PolicyCompliance: 0.5, FactualAccuracy: 1, BrandAlignment: 1},
		model.Violation{Type: "pii_exposure"}, model.Violation{Type: "toxic_content"})

	assert.False(t, EvalCondition("contains violations", none, pctx))
	assert.True(t, EvalCondition("contains violations", two, pctx))
	assert.True(t, EvalCondition("violations count >= 2", two, pctx))
	assert.False(t, EvalCondition("violations count > 2", two, pctx))
	assert.True(t, EvalCondition("violations count = 0", none, pctx))
}

func TestEvalConditionTimeAndUser(t *testing.T) {
	eval := evalWith(model.Scores{Toxicity: 1, PolicyCompliance: 1, FactualAccuracy: 1, BrandAlignment: 1})

	weekday := model.PolicyContext{Now: businessTuesday, UserRole: "admin"}
	weekend := model.PolicyContext{Now: lateSaturday, UserRole: "guest"}

	assert.True(t, EvalCondition("business hours", eval, weekday))
	assert.False(t, EvalCondition("business hours", eval, weekend))
	assert.True(t, EvalCondition("after hours", eval, weekend))
	assert.True(t, EvalCondition("weekend", eval, weekend))
	assert.True(t, EvalCondition("weekday", eval, weekday))
	assert.True(t, EvalCondition("user admin", eval, weekday))
	assert.False(t, EvalCondition("user admin", eval, weekend))
	assert.True(t, EvalCondition("user guest", eval, weekend))
}

func TestEvalConditionBooleanComposition(t *testing.T) {
	eval := evalWith(model.Scores{Toxicity: 0.2, PolicyCompliance: 0.9, FactualAccuracy: 0.9, BrandAlignment: 1},
		model.Violation{Type: "toxic_content"})
	pctx := model.PolicyContext{Now: businessTuesday, UserRole: "guest"}

	assert.True(t, EvalCondition("toxicity < 0.3 and contains violations", eval, pctx))
	assert.False(t, EvalCondition("toxicity < 0.1 and contains violations", eval, pctx))
	assert.True(t, EvalCondition("toxicity < 0.1 or contains violations", eval, pctx))

	// and binds tighter than or: false-and-true or true.
	assert.True(t, EvalCondition("toxicity < 0.1 and weekend or business hours", eval, pctx))
	// true-and-false or false.
	assert.False(t, EvalCondition("toxicity < 0.3 and weekend or user admin", eval, pctx))
}

func TestEvalConditionMalformed(t *testing.T) {
	eval := evalWith(model.Scores{Toxicity: 0.2})
	pctx := model.PolicyContext{Now: businessTuesday}

	for _, condition := range []string{
		"",
		"   ",
		"gibberish",
		"toxicity <",
		"toxicity < abc",
		"unknownmetric < 0.5",
		"toxicity ~ 0.5",
		"violations count < x",
		"and",
		"or or or",
	} {
		assert.False(t, EvalCondition(condition, eval, pctx), "condition %q must evaluate to false", condition)
	}
}
