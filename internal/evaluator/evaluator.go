// Package evaluator scores LLM responses along four governance
// dimensions — toxicity, policy compliance, factual accuracy, and brand
// alignment — and aggregates per-evaluator findings into one Evaluation.
//
// Evaluators run concurrently with settle-all semantics: one crashing or
// timing out contributes a defaulted result instead of stalling the
// request pipeline.
package evaluator

import (
	"context"
	"time"

	"github.com/aegis-ai/aegis/internal/model"
)

// Canonical names of the built-in evaluators. The aggregator maps these
// onto the per-dimension score slots.
const (
	NameToxicity   = "toxicity"
	NameCompliance = "policy_compliance"
	NameAccuracy   = "factual_accuracy"
	NameBrand      = "brand_alignment"
)

// Input is everything an evaluator may inspect for one request.
// UserRole and Now also feed trigger-condition evaluation.
type Input struct {
	Prompt   string
	Response string
	OrgID    string
	UserRole string
	Now      time.Time
	Context  []model.SearchHit
}

// Result is one evaluator's verdict. Score in [0,1], 1 = safe/good.
// Missing reports that the evaluator produced no usable score; the mesh
// substitutes 1.0 so an opt-out never penalizes a response.
type Result struct {
	Score      float64
	Missing    bool
	Violations []model.Violation
}

// Evaluator scores a response. Implementations must be safe for
// concurrent use; Evaluate must honor ctx cancellation.
type Evaluator interface {
	Name() string

	// Priority orders violations in the aggregate (descending). In [1,10].
	Priority() int

	Evaluate(ctx context.Context, in Input) (Result, error)
}

// Triggered is an optional interface for evaluators that only run when
// their trigger condition matches the request. The condition is a policy
// DSL expression; an empty condition always matches. The built-ins run
// unconditionally and do not implement it.
type Triggered interface {
	TriggerCondition() string
}
