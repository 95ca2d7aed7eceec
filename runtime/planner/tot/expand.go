package tot

import (
	"strings"

	"github.com/google/uuid"

	"github.com/loomworks/loom/runtime/plan"
)

// strategy mutates a step list into a variant. It returns the mutated list, a
// one-line rationale, and whether anything actually changed.
type strategy func(pl *plan.Plan, steps []plan.Step) ([]plan.Step, string, bool)

// strategies are applied in order during expansion.
var strategies = []strategy{
	parallelizeIndependent,
	insertValidation,
	hardenCritical,
	tightenConstraints,
	prependMonitoring,
}

// parallelizeIndependent tags runs of consecutive steps with no dependency
// between them into a shared parallel group.
func parallelizeIndependent(_ *plan.Plan, steps []plan.Step) ([]plan.Step, string, bool) {
	changed := false
	group := 0
	for i := 0; i+1 < len(steps); i++ {
		if steps[i].ParallelGroup != "" || steps[i+1].ParallelGroup != "" {
			continue
		}
		if dependsOn(&steps[i+1], steps[i].ID) || dependsOn(&steps[i], steps[i+1].ID) {
			continue
		}
		group++
		tag := "pg-" + uuid.NewString()[:8]
		steps[i].ParallelGroup = tag
		steps[i+1].ParallelGroup = tag
		changed = true
	}
	return steps, "grouped independent consecutive steps for parallel dispatch", changed
}

// insertValidation adds a validation.verify step after every critical step
// not already followed by one.
func insertValidation(_ *plan.Plan, steps []plan.Step) ([]plan.Step, string, bool) {
	var out []plan.Step
	changed := false
	for i := 0; i < len(steps); i++ {
		out = append(out, steps[i])
		if !steps[i].Critical || steps[i].Capability == "validation.verify" {
			continue
		}
		if i+1 < len(steps) && steps[i+1].Capability == "validation.verify" {
			continue
		}
		out = append(out, follower(&steps[i], "validation.verify"))
		changed = true
	}
	return renumber(out), "inserted verification after critical steps", changed
}

// hardenCritical raises the retry budget of critical steps and adds a
// rollback.prepare step after each deploy.
func hardenCritical(_ *plan.Plan, steps []plan.Step) ([]plan.Step, string, bool) {
	var out []plan.Step
	changed := false
	for i := 0; i < len(steps); i++ {
		s := steps[i]
		if s.Critical && s.Retries() < 3 {
			s.RetryCount = plan.Ptr(3)
			changed = true
		}
		out = append(out, s)
		if strings.Contains(s.Capability, "deploy") {
			if i+1 < len(steps) && steps[i+1].Capability == "rollback.prepare" {
				continue
			}
			out = append(out, follower(&s, "rollback.prepare"))
			changed = true
		}
	}
	return renumber(out), "raised critical retry budgets and prepared rollback after deploys", changed
}

// tightenConstraints narrows cost, latency, and timeout envelopes. Timeouts
// never drop below 30s so the variant keeps its feasibility.
func tightenConstraints(_ *plan.Plan, steps []plan.Step) ([]plan.Step, string, bool) {
	changed := false
	for i := range steps {
		c := steps[i].Constraints
		if c == nil {
			c = &plan.Constraints{}
			steps[i].Constraints = c
		}
		switch {
		case c.MaxCost == 0:
			c.MaxCost = 5
			changed = true
		case c.MaxCost > 1.25:
			c.MaxCost *= 0.8
			changed = true
		}
		if c.MaxLatencyMS == 0 {
			c.MaxLatencyMS = steps[i].TimeoutMS
			changed = true
		}
		if tightened := steps[i].TimeoutMS * 8 / 10; tightened >= 30000 && tightened < steps[i].TimeoutMS {
			steps[i].TimeoutMS = tightened
			changed = true
		}
	}
	return steps, "tightened cost, latency, and timeout caps", changed
}

// prependMonitoring adds a monitoring.setup step first and makes every other
// step depend on it.
func prependMonitoring(_ *plan.Plan, steps []plan.Step) ([]plan.Step, string, bool) {
	if len(steps) == 0 || steps[0].Capability == "monitoring.setup" {
		return steps, "", false
	}
	mon := plan.Step{
		ID:         uuid.NewString(),
		PlanID:     steps[0].PlanID,
		Capability: "monitoring.setup",
		Branch:     steps[0].Branch,
	}
	plan.NormalizeStep(&mon)
	out := append([]plan.Step{mon}, steps...)
	for i := 1; i < len(out); i++ {
		out[i].Dependencies = append(out[i].Dependencies, mon.ID)
	}
	return renumber(out), "prepended monitoring setup as a dependency of all steps", true
}

// follower builds a step of the given capability depending on prev.
func follower(prev *plan.Step, capability string) plan.Step {
	s := plan.Step{
		ID:           uuid.NewString(),
		PlanID:       prev.PlanID,
		Capability:   capability,
		Dependencies: []string{prev.ID},
		Branch:       prev.Branch,
	}
	plan.NormalizeStep(&s)
	return s
}

func renumber(steps []plan.Step) []plan.Step {
	for i := range steps {
		steps[i].OrderIndex = i
	}
	return steps
}

func dependsOn(s *plan.Step, id string) bool {
	for _, dep := range s.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}
