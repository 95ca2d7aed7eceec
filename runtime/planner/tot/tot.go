// Package tot implements tree-of-thought refinement: beam search over plan
// variants produced by mutation strategies, each variant scored on five axes
// (feasibility, efficiency, risk, novelty, completeness). The best surviving
// variants become branch records; the top one is marked active.
package tot

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/loomworks/loom/runtime/plan"
	"github.com/loomworks/loom/runtime/telemetry"
)

type (
	// Config bounds the beam search.
	Config struct {
		// BeamSize is the number of variants kept per depth and returned.
		BeamSize int `json:"beam_size" yaml:"beam_size"`
		// MaxDepth bounds expansion rounds.
		MaxDepth int `json:"max_depth" yaml:"max_depth"`
		// BranchFactor bounds children kept per node.
		BranchFactor int `json:"branch_factor" yaml:"branch_factor"`
		// MinScore stops the search early when the whole frontier falls below it.
		MinScore float64 `json:"min_score_threshold" yaml:"min_score_threshold"`
	}

	// Evaluation scores one variant on five axes, each in [0,1]. Risk is
	// inverted in the composite: lower risk scores higher.
	Evaluation struct {
		Feasibility  float64 `json:"feasibility"`
		Efficiency   float64 `json:"efficiency"`
		Risk         float64 `json:"risk"`
		Novelty      float64 `json:"novelty"`
		Completeness float64 `json:"completeness"`
	}

	// Planner runs the beam search.
	Planner struct {
		cfg    Config
		logger telemetry.Logger
	}

	// node is one candidate variant in the beam.
	node struct {
		steps     []plan.Step
		eval      Evaluation
		score     float64
		rationale []string
		depth     int
	}
)

// DefaultConfig returns the standard search bounds.
func DefaultConfig() Config {
	return Config{BeamSize: 3, MaxDepth: 5, BranchFactor: 3, MinScore: 0.3}
}

// New constructs a planner. Zero config fields fall back to defaults.
func New(cfg Config, logger telemetry.Logger) *Planner {
	def := DefaultConfig()
	if cfg.BeamSize <= 0 {
		cfg.BeamSize = def.BeamSize
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.BranchFactor <= 0 {
		cfg.BranchFactor = def.BranchFactor
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = def.MinScore
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Planner{cfg: cfg, logger: logger}
}

// Composite computes the weighted overall score of an evaluation.
func (e Evaluation) Composite() float64 {
	return 0.3*e.Feasibility + 0.2*e.Efficiency + 0.2*(1-e.Risk) + 0.1*e.Novelty + 0.2*e.Completeness
}

// Refine searches plan variants starting from the decomposed step list and
// returns up to BeamSize branch records ranked by score, best first and
// marked active. The input steps are never mutated.
func (p *Planner) Refine(ctx context.Context, pl *plan.Plan, steps []plan.Step) []plan.Branch {
	root := p.newNode(pl, cloneSteps(steps), nil, 0)
	frontier := []*node{root}

	for depth := 1; depth <= p.cfg.MaxDepth; depth++ {
		pool := append([]*node{}, frontier...)
		for _, n := range frontier {
			children := p.expand(pl, n, depth)
			if len(children) > p.cfg.BranchFactor {
				children = children[:p.cfg.BranchFactor]
			}
			pool = append(pool, children...)
		}
		sort.SliceStable(pool, func(i, j int) bool { return pool[i].score > pool[j].score })
		if len(pool) > p.cfg.BeamSize {
			pool = pool[:p.cfg.BeamSize]
		}
		frontier = pool
		if belowThreshold(frontier, p.cfg.MinScore) {
			p.logger.Debug(ctx, "beam below score threshold, stopping early",
				"depth", depth, "threshold", p.cfg.MinScore)
			break
		}
	}

	branches := make([]plan.Branch, 0, len(frontier))
	for i, n := range frontier {
		branches = append(branches, plan.Branch{
			ID:        uuid.NewString(),
			PlanID:    pl.ID,
			Score:     n.score,
			Rationale: n.rationale,
			Steps:     n.steps,
			Active:    i == 0,
		})
	}
	return branches
}

// expand applies every mutation strategy to the node and returns the children
// that actually changed the plan, scored and ranked best first.
func (p *Planner) expand(pl *plan.Plan, parent *node, depth int) []*node {
	var children []*node
	for _, strat := range strategies {
		mutated, rationale, changed := strat(pl, cloneSteps(parent.steps))
		if !changed {
			continue
		}
		child := p.newNode(pl, mutated, append(append([]string{}, parent.rationale...), rationale), depth)
		children = append(children, child)
	}
	sort.SliceStable(children, func(i, j int) bool { return children[i].score > children[j].score })
	return children
}

func (p *Planner) newNode(pl *plan.Plan, steps []plan.Step, rationale []string, depth int) *node {
	eval := Evaluate(pl, steps)
	return &node{
		steps:     steps,
		eval:      eval,
		score:     eval.Composite(),
		rationale: rationale,
		depth:     depth,
	}
}

func belowThreshold(frontier []*node, min float64) bool {
	for _, n := range frontier {
		if n.score >= min {
			return false
		}
	}
	return len(frontier) > 0
}

func cloneSteps(steps []plan.Step) []plan.Step {
	out := make([]plan.Step, len(steps))
	copy(out, steps)
	for i := range out {
		out[i].Dependencies = append([]string(nil), steps[i].Dependencies...)
		if steps[i].Constraints != nil {
			c := *steps[i].Constraints
			out[i].Constraints = &c
		}
	}
	return out
}
