package evaluator

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aegis-ai/aegis/internal/model"
	"github.com/aegis-ai/aegis/internal/policy"
)

// evaluatorTimeout caps a single evaluator run. Plugins may declare a
// shorter timeout in their manifest; this is the outer bound.
const evaluatorTimeout = 30 * time.Second

// Keyword groups driving the preliminary action. The policy engine can
// override whatever the mesh proposes.
var (
	criticalKeywords = []string{"toxic", "harmful", "illegal", "discriminatory"}
	majorKeywords    = []string{"credential", "pii", "misleading", "unsupported"}
)

// Mesh fans a request out to every registered evaluator and settles all of
// them: failures contribute a neutral defaulted result instead of aborting.
type Mesh struct {
	mu         sync.RWMutex
	evaluators []Evaluator
	logger     *slog.Logger
}

// NewMesh creates a mesh over the given evaluators.
func NewMesh(evaluators []Evaluator, logger *slog.Logger) *Mesh {
	return &Mesh{evaluators: evaluators, logger: logger}
}

// Register adds an evaluator (e.g. a loaded plugin) to the mesh.
func (m *Mesh) Register(e Evaluator) {
	m.mu.Lock()
	m.evaluators = append(m.evaluators, e)
	m.mu.Unlock()
}

// Unregister removes every evaluator with the given name.
func (m *Mesh) Unregister(name string) {
	m.mu.Lock()
	kept := m.evaluators[:0]
	for _, e := range m.evaluators {
		if e.Name() != name {
			kept = append(kept, e)
		}
	}
	m.evaluators = kept
	m.mu.Unlock()
}

// Names lists registered evaluator names in registration order.
func (m *Mesh) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, len(m.evaluators))
	for i, e := range m.evaluators {
		names[i] = e.Name()
	}
	return names
}

type settled struct {
	evaluator Evaluator
	result    Result
}

// Evaluate runs every evaluator whose trigger condition matches the
// request, concurrently, and aggregates their results. It never returns
// an error: a crashing evaluator yields the neutral result, a missing
// score defaults to 1.0. A skipped evaluator contributes nothing, so its
// dimension keeps the non-penalizing default.
func (m *Mesh) Evaluate(ctx context.Context, in Input) model.Evaluation {
	m.mu.RLock()
	evaluators := make([]Evaluator, 0, len(m.evaluators))
	for _, e := range m.evaluators {
		if triggered(e, in) {
			evaluators = append(evaluators, e)
		}
	}
	m.mu.RUnlock()

	results := make([]settled, len(evaluators))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range evaluators {
		g.Go(func() error {
			ectx, cancel := context.WithTimeout(gctx, evaluatorTimeout)
			defer cancel()

			res, err := safeEvaluate(ectx, e, in)
			if err != nil {
				m.logger.Warn("evaluator: settled with error",
					"evaluator", e.Name(), "org_id", in.OrgID, "error", err)
				res = neutralResult(e.Name())
			}
			if res.Missing {
				res.Score = 1.0
			}
			results[i] = settled{evaluator: e, result: res}
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; settle-all by construction

	return aggregate(results, in)
}

// triggerBaseline is the evaluation state a trigger condition sees before
// any evaluator has run: every dimension at the non-penalizing default.
var triggerBaseline = func() model.Evaluation {
	s := model.Scores{FactualAccuracy: 1, PolicyCompliance: 1, BrandAlignment: 1, Toxicity: 1}
	s.ComputeOverall()
	return model.Evaluation{Scores: s, Confidence: 1}
}()

// triggered reports whether an evaluator should run for this input.
// Evaluators without a trigger condition always run; a malformed
// condition never matches, per DSL semantics.
func triggered(e Evaluator, in Input) bool {
	t, ok := e.(Triggered)
	if !ok {
		return true
	}
	cond := strings.TrimSpace(t.TriggerCondition())
	if cond == "" {
		return true
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	return policy.EvalCondition(cond, triggerBaseline, model.PolicyContext{
		OrgID:    in.OrgID,
		UserRole: in.UserRole,
		Now:      now,
	})
}

// safeEvaluate shields the mesh from panicking evaluators.
func safeEvaluate(ctx context.Context, e Evaluator, in Input) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{evaluator: e.Name(), value: r}
		}
	}()
	return e.Evaluate(ctx, in)
}

type panicError struct {
	evaluator string
	value     any
}

func (e *panicError) Error() string {
	return "evaluator " + e.evaluator + " panicked"
}

// neutralResult is what a failed evaluator contributes: a score that
// neither clears nor condemns, plus a finding that evaluation failed.
func neutralResult(name string) Result {
	return Result{
		Score: 0.5,
		Violations: []model.Violation{{
			Type:       "evaluation_error",
			Severity:   model.SeverityMedium,
			Message:    "evaluator " + name + " failed to produce a result",
			Confidence: 1.0,
		}},
	}
}

func aggregate(results []settled, in Input) model.Evaluation {
	// Dimension slots default to 1.0: an absent evaluator never penalizes.
	scores := model.Scores{FactualAccuracy: 1, PolicyCompliance: 1, BrandAlignment: 1, Toxicity: 1}

	all := make([]float64, 0, len(results))
	for _, s := range results {
		all = append(all, s.result.Score)
		switch s.evaluator.Name() {
		case NameToxicity:
			scores.Toxicity = s.result.Score
		case NameCompliance:
			scores.PolicyCompliance = s.result.Score
		case NameAccuracy:
			scores.FactualAccuracy = s.result.Score
		case NameBrand:
			scores.BrandAlignment = s.result.Score
		}
	}
	scores.ComputeOverall()

	// Violations in deterministic order: evaluator priority descending,
	// insertion order within and across equal priorities.
	ordered := make([]settled, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].evaluator.Priority() > ordered[j].evaluator.Priority()
	})
	var violations []model.Violation
	for _, s := range ordered {
		violations = append(violations, s.result.Violations...)
	}

	confidence := model.Clamp01(math.Max(0.1,
		1-2*variance(all)-0.1*float64(len(violations))))

	docs := make([]string, 0, len(in.Context))
	for _, h := range in.Context {
		docs = append(docs, h.Document.ID)
	}

	return model.Evaluation{
		Score:         scores.Overall,
		Violations:    violations,
		Action:        previewAction(scores, violations),
		Scores:        scores,
		Confidence:    confidence,
		DocumentsUsed: docs,
	}
}

func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	v := 0.0
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return v / float64(len(xs))
}

// previewAction proposes the preliminary action before policy rules run.
func previewAction(scores model.Scores, violations []model.Violation) model.Action {
	if scores.Toxicity < 0.3 || anyViolationContains(violations, criticalKeywords) {
		return model.ActionBlock
	}
	if scores.Overall < 0.6 || anyViolationContains(violations, majorKeywords) {
		return model.ActionRewrite
	}
	return model.ActionPass
}

func anyViolationContains(violations []model.Violation, keywords []string) bool {
	for _, v := range violations {
		text := strings.ToLower(v.Type + " " + v.Message)
		for _, k := range keywords {
			if strings.Contains(text, k) {
				return true
			}
		}
	}
	return false
}
