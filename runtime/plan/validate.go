package plan

import (
	"regexp"

	"github.com/loomworks/loom/runtime/fault"
)

// capabilityPattern is the allowed shape of capability tokens.
var capabilityPattern = regexp.MustCompile(`^[a-z0-9_.-]+$`)

// ValidCapability reports whether the capability token matches the allowed
// pattern.
func ValidCapability(capability string) bool {
	return capability != "" && capabilityPattern.MatchString(capability)
}

// NormalizePlan applies plan defaults in place: priority 5 when unset and
// active status when empty.
func NormalizePlan(p *Plan) {
	if p.Priority == 0 {
		p.Priority = DefaultPriority
	}
	if p.Status == "" {
		p.Status = PlanActive
	}
}

// NormalizeStep applies step defaults in place: priority 5, retry budget 2,
// timeout 300000ms, and todo status when empty. An explicit zero retry budget
// is preserved.
func NormalizeStep(s *Step) {
	if s.Priority == 0 {
		s.Priority = DefaultPriority
	}
	if s.RetryCount == nil {
		s.RetryCount = Ptr(DefaultRetryCount)
	}
	if s.TimeoutMS == 0 {
		s.TimeoutMS = DefaultTimeoutMS
	}
	if s.Status == "" {
		s.Status = StepTodo
	}
}

// ValidatePlan checks plan-level invariants and the steps it owns: field
// ranges, capability shape, same-plan dependencies, and dependency-graph
// acyclicity. Steps are validated individually first. Returns a validation
// fault naming the offending field.
func ValidatePlan(p *Plan, steps []Step) error {
	if p.ID == "" {
		return fault.Validation("plan.id", "plan id is required")
	}
	if p.Goal == "" {
		return fault.Validation("plan.goal", "plan goal is required")
	}
	if p.Priority < 0 || p.Priority > 10 {
		return fault.Validation("plan.priority", "priority %d outside [0,10]", p.Priority)
	}
	switch p.Status {
	case PlanActive, PlanPaused, PlanCompleted, PlanFailed:
	default:
		return fault.Validation("plan.status", "unknown status %q", p.Status)
	}
	if p.Budget != nil && p.Budget.MaxSteps > 0 && len(steps) > p.Budget.MaxSteps {
		return fault.Validation("plan.budget.max_steps", "plan has %d steps, budget allows %d", len(steps), p.Budget.MaxSteps)
	}

	ids := make(map[string]struct{}, len(steps))
	for i := range steps {
		if err := ValidateStep(&steps[i]); err != nil {
			return err
		}
		if steps[i].PlanID != p.ID {
			return fault.Validation("step.plan_id", "step %s belongs to plan %s, not %s", steps[i].ID, steps[i].PlanID, p.ID)
		}
		if _, dup := ids[steps[i].ID]; dup {
			return fault.Validation("step.id", "duplicate step id %s", steps[i].ID)
		}
		ids[steps[i].ID] = struct{}{}
	}
	for i := range steps {
		for _, dep := range steps[i].Dependencies {
			if _, ok := ids[dep]; !ok {
				return fault.Validation("step.dependencies", "step %s depends on unknown step %s", steps[i].ID, dep)
			}
		}
	}
	if cycle := findCycle(steps); cycle != "" {
		return fault.Validation("step.dependencies", "dependency cycle through step %s", cycle)
	}
	return nil
}

// ValidateStep checks a single step's structural invariants.
func ValidateStep(s *Step) error {
	if s.ID == "" {
		return fault.Validation("step.id", "step id is required")
	}
	if !ValidCapability(s.Capability) {
		return fault.Validation("step.capability", "capability %q does not match [a-z0-9_.-]+", s.Capability)
	}
	if s.Priority < 0 || s.Priority > 10 {
		return fault.Validation("step.priority", "priority %d outside [0,10]", s.Priority)
	}
	if s.TimeoutMS < MinTimeoutMS {
		return fault.Validation("step.timeout_ms", "timeout %dms below minimum %dms", s.TimeoutMS, MinTimeoutMS)
	}
	if r := s.Retries(); r < 0 || r > MaxRetryCount {
		return fault.Validation("step.retry_count", "retry count %d outside [0,%d]", r, MaxRetryCount)
	}
	switch s.Status {
	case StepTodo, StepInProgress, StepBlocked, StepWaitingReview, StepDone, StepFailed:
	default:
		return fault.Validation("step.status", "unknown status %q", s.Status)
	}
	for _, dep := range s.Dependencies {
		if dep == s.ID {
			return fault.Validation("step.dependencies", "step %s depends on itself", s.ID)
		}
	}
	return ValidateContract(&s.Contract)
}

// ValidateBranch checks branch invariants and its embedded step snapshot.
func ValidateBranch(b *Branch) error {
	if b.ID == "" {
		return fault.Validation("branch.id", "branch id is required")
	}
	if b.PlanID == "" {
		return fault.Validation("branch.plan_id", "branch plan id is required")
	}
	if b.Score < 0 || b.Score > 1 {
		return fault.Validation("branch.score", "score %v outside [0,1]", b.Score)
	}
	for i := range b.Steps {
		if err := ValidateStep(&b.Steps[i]); err != nil {
			return err
		}
	}
	return nil
}

// findCycle runs a three-color DFS over the dependency graph and returns the
// id of a step on a cycle, or empty when the graph is acyclic.
func findCycle(steps []Step) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	deps := make(map[string][]string, len(steps))
	for i := range steps {
		deps[steps[i].ID] = steps[i].Dependencies
	}
	color := make(map[string]int, len(steps))
	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}
	for id := range deps {
		if color[id] == white {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}
