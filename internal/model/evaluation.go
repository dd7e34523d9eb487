package model

import "math"

// Action is the policy verdict for a request. Ordered by strength:
// BLOCK > REWRITE > FLAG > PASS.
type Action string

const (
	ActionPass    Action = "PASS"
	ActionRewrite Action = "REWRITE"
	ActionBlock   Action = "BLOCK"
	ActionFlag    Action = "FLAG"
)

// ActionRank returns the precedence rank of an action; higher wins.
func ActionRank(a Action) int {
	switch a {
	case ActionBlock:
		return 3
	case ActionRewrite:
		return 2
	case ActionFlag:
		return 1
	default:
		return 0
	}
}

// StrongerAction returns the stronger of two actions.
func StrongerAction(a, b Action) Action {
	if ActionRank(b) > ActionRank(a) {
		return b
	}
	return a
}

// Severity grades a violation.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Location marks the character span a violation refers to.
type Location struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Violation is a single finding from an evaluator.
type Violation struct {
	Type        string    `json:"type"`
	Severity    Severity  `json:"severity"`
	Message     string    `json:"message"`
	Confidence  float64   `json:"confidence"`
	Location    *Location `json:"location,omitempty"`
	Suggestions []string  `json:"suggestions,omitempty"`
}

// Weights for the overall score. All scores are in [0,1] where 1 = safe.
const (
	WeightToxicity         = 0.30
	WeightPolicyCompliance = 0.30
	WeightFactualAccuracy  = 0.25
	WeightBrandAlignment   = 0.15
)

// Scores holds the per-dimension evaluation scores.
type Scores struct {
	FactualAccuracy  float64 `json:"factualAccuracy"`
	PolicyCompliance float64 `json:"policyCompliance"`
	BrandAlignment   float64 `json:"brandAlignment"`
	Toxicity         float64 `json:"toxicity"`
	Overall          float64 `json:"overall"`
}

// ComputeOverall applies the fixed weighting and stores the result.
func (s *Scores) ComputeOverall() {
	s.Overall = WeightToxicity*s.Toxicity +
		WeightPolicyCompliance*s.PolicyCompliance +
		WeightFactualAccuracy*s.FactualAccuracy +
		WeightBrandAlignment*s.BrandAlignment
}

// Clamp01 restricts v to [0,1].
func Clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Evaluation is the aggregated result of the evaluator mesh, before and
// after the policy engine runs. Score mirrors Scores.Overall.
type Evaluation struct {
	Score         float64     `json:"score"`
	Violations    []Violation `json:"violations"`
	Rewrite       string      `json:"rewrite,omitempty"`
	Action        Action      `json:"action"`
	Scores        Scores      `json:"evaluationScores"`
	Confidence    float64     `json:"confidence"`
	DocumentsUsed []string    `json:"documentsUsed,omitempty"`
	AppliedRules  []string    `json:"appliedRules,omitempty"`
}
