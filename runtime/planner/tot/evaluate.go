package tot

import (
	"strings"

	"github.com/loomworks/loom/runtime/plan"
)

// Evaluate scores a step list on the five axes. All axes land in [0,1].
func Evaluate(pl *plan.Plan, steps []plan.Step) Evaluation {
	return Evaluation{
		Feasibility:  feasibility(steps),
		Efficiency:   efficiency(steps),
		Risk:         risk(steps),
		Novelty:      novelty(steps),
		Completeness: completeness(pl, steps),
	}
}

// feasibility starts at 1.0 and decays multiplicatively: 0.9 per over-deep
// capability name (more than three dotted segments), 0.8 per tight cost cap
// (below one unit), 0.9 per sub-30s timeout.
func feasibility(steps []plan.Step) float64 {
	score := 1.0
	for _, s := range steps {
		if strings.Count(s.Capability, ".") >= 3 {
			score *= 0.9
		}
		if s.Constraints != nil && s.Constraints.MaxCost > 0 && s.Constraints.MaxCost < 1 {
			score *= 0.8
		}
		if s.TimeoutMS < 30000 {
			score *= 0.9
		}
	}
	return clamp01(score)
}

// efficiency rewards short plans, parallelism, and a balanced critical ratio.
func efficiency(steps []plan.Step) float64 {
	n := len(steps)
	score := 1 - float64(n-3)*0.1
	if score < 0.1 {
		score = 0.1
	}
	if hasParallelGroup(steps) {
		score *= 1.2
	}
	ratio := criticalRatio(steps)
	if ratio > 0.1 && ratio < 0.5 {
		score *= 1.1
	}
	return clamp01(score)
}

// risk accumulates 0.2 per critical step, 0.3 per deploy/delete capability,
// and 0.1 per under-provisioned retry budget, normalized by step count.
func risk(steps []plan.Step) float64 {
	if len(steps) == 0 {
		return 0
	}
	total := 0.0
	for _, s := range steps {
		if s.Critical {
			total += 0.2
		}
		if strings.Contains(s.Capability, "deploy") || strings.Contains(s.Capability, "delete") {
			total += 0.3
		}
		if s.Retries() < 2 {
			total += 0.1
		}
	}
	return clamp01(total / float64(len(steps)))
}

// novelty credits structural patterns: parallelization, validation,
// monitoring, and rollback steps.
func novelty(steps []plan.Step) float64 {
	score := 0.5
	if hasParallelGroup(steps) {
		score += 0.1
	}
	if hasCapabilityContaining(steps, "valid") {
		score += 0.1
	}
	if hasCapabilityContaining(steps, "monitor") {
		score += 0.1
	}
	if hasCapabilityContaining(steps, "rollback") {
		score += 0.1
	}
	return clamp01(score)
}

// completeness credits context gathering, validation, error handling, and
// deploy coverage when the goal asks for a deployment.
func completeness(pl *plan.Plan, steps []plan.Step) float64 {
	score := 0.5
	if hasCapabilityPrefix(steps, "context.") {
		score += 0.15
	}
	if hasCapabilityContaining(steps, "valid") {
		score += 0.15
	}
	if hasErrorHandling(steps) {
		score += 0.1
	}
	goal := strings.ToLower(pl.Goal)
	if strings.Contains(goal, "deploy") || strings.Contains(goal, "release") {
		if hasCapabilityContaining(steps, "deploy") {
			score += 0.1
		}
	}
	return clamp01(score)
}

// hasErrorHandling is satisfied by a rollback/recovery step or a raised retry
// budget anywhere in the plan.
func hasErrorHandling(steps []plan.Step) bool {
	for _, s := range steps {
		if strings.Contains(s.Capability, "rollback") || strings.Contains(s.Capability, "recover") {
			return true
		}
		if s.Retries() >= 3 {
			return true
		}
	}
	return false
}

func hasParallelGroup(steps []plan.Step) bool {
	for _, s := range steps {
		if s.ParallelGroup != "" {
			return true
		}
	}
	return false
}

func hasCapabilityContaining(steps []plan.Step, sub string) bool {
	for _, s := range steps {
		if strings.Contains(s.Capability, sub) {
			return true
		}
	}
	return false
}

func hasCapabilityPrefix(steps []plan.Step, prefix string) bool {
	for _, s := range steps {
		if strings.HasPrefix(s.Capability, prefix) {
			return true
		}
	}
	return false
}

func criticalRatio(steps []plan.Step) float64 {
	if len(steps) == 0 {
		return 0
	}
	critical := 0
	for _, s := range steps {
		if s.Critical {
			critical++
		}
	}
	return float64(critical) / float64(len(steps))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
