// Package htn implements hierarchical task-network decomposition: a registry
// of decomposition methods keyed by compound task, tried in priority order
// until one produces a valid primitive step sequence. Goals are classified
// into compound tasks by keyword; unmatched goals fall back to a generic
// three-step decomposition.
package htn

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/loomworks/loom/runtime/fault"
	"github.com/loomworks/loom/runtime/plan"
	"github.com/loomworks/loom/runtime/telemetry"
)

type (
	// Method is one way to decompose a compound task into primitive steps.
	Method struct {
		// Name identifies the method in logs and events.
		Name string
		// Priority orders methods within a task; higher tried first.
		Priority int
		// Guard optionally restricts the method to contexts it can serve.
		// Nil means always applicable.
		Guard func(goalCtx map[string]any) bool
		// Decompose produces the primitive steps for the goal. Returned steps
		// need only capability, criticality, and contract; the planner assigns
		// ids, ordering, and dependency chaining.
		Decompose func(goal string, goalCtx map[string]any) []plan.Step
	}

	// Planner holds the method registry and decomposes goals.
	Planner struct {
		methods map[string][]Method
		logger  telemetry.Logger
	}
)

// Compound task names produced by goal classification.
const (
	TaskDevelop = "develop"
	TaskAnalyze = "analyze"
	TaskFix     = "fix"
	TaskDeploy  = "deploy"
	TaskGeneric = "generic"
)

// New constructs a planner preloaded with the built-in decomposition methods.
func New(logger telemetry.Logger) *Planner {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	p := &Planner{methods: make(map[string][]Method), logger: logger}
	registerBuiltins(p)
	return p
}

// Register adds a method for the compound task, keeping methods sorted by
// descending priority.
func (p *Planner) Register(task string, m Method) {
	p.methods[task] = append(p.methods[task], m)
	sort.SliceStable(p.methods[task], func(i, j int) bool {
		return p.methods[task][i].Priority > p.methods[task][j].Priority
	})
}

// Classify maps a goal to a compound task by keyword.
func Classify(goal string) string {
	lower := strings.ToLower(goal)
	switch {
	case containsAny(lower, "implement", "build", "create"):
		return TaskDevelop
	case containsAny(lower, "analyze", "analyse", "research"):
		return TaskAnalyze
	case containsAny(lower, "fix", "debug", "resolve"):
		return TaskFix
	case containsAny(lower, "deploy", "release"):
		return TaskDeploy
	default:
		return TaskGeneric
	}
}

// Decompose turns a goal into a validated primitive step sequence for the
// plan. Methods are tried in priority order; a method whose output fails
// validation is skipped with a warning and the next method tried. When every
// method for the classified task fails, the generic decomposition applies.
func (p *Planner) Decompose(ctx context.Context, planID, goal string, goalCtx map[string]any) ([]plan.Step, error) {
	task := Classify(goal)
	for _, m := range p.methods[task] {
		if m.Guard != nil && !m.Guard(goalCtx) {
			continue
		}
		steps := p.finalize(planID, m.Decompose(goal, goalCtx))
		if err := validateAll(steps); err != nil {
			p.logger.Warn(ctx, "decomposition method emitted invalid steps, skipping",
				"task", task, "method", m.Name, "err", err.Error())
			continue
		}
		return steps, nil
	}
	if task != TaskGeneric {
		for _, m := range p.methods[TaskGeneric] {
			steps := p.finalize(planID, m.Decompose(goal, goalCtx))
			if err := validateAll(steps); err != nil {
				p.logger.Warn(ctx, "generic decomposition emitted invalid steps, skipping",
					"method", m.Name, "err", err.Error())
				continue
			}
			return steps, nil
		}
	}
	return nil, fault.Errorf(fault.KindInternal, "no decomposition method produced valid steps for goal %q", goal)
}

// finalize assigns ids, plan ownership, ordering, defaults, and linear
// dependency chaining: each step depends on the previously emitted one unless
// the method set dependencies explicitly.
func (p *Planner) finalize(planID string, steps []plan.Step) []plan.Step {
	prev := ""
	for i := range steps {
		steps[i].ID = uuid.NewString()
		steps[i].PlanID = planID
		steps[i].OrderIndex = i
		plan.NormalizeStep(&steps[i])
		if steps[i].Dependencies == nil && prev != "" {
			steps[i].Dependencies = []string{prev}
		}
		prev = steps[i].ID
	}
	return steps
}

func validateAll(steps []plan.Step) error {
	if len(steps) == 0 {
		return fault.New(fault.KindValidation, "method produced no steps")
	}
	for i := range steps {
		if err := plan.ValidateStep(&steps[i]); err != nil {
			return err
		}
	}
	return nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// registerBuiltins installs the default method set.
func registerBuiltins(p *Planner) {
	p.Register(TaskDevelop, Method{
		Name:     "develop.standard",
		Priority: 10,
		Decompose: func(goal string, _ map[string]any) []plan.Step {
			return []plan.Step{
				primitive("context.analyze", false, goal),
				primitive("design.create", false, goal),
				primitive("code.implement", true, goal),
				primitive("code.verify", true, goal),
			}
		},
	})
	p.Register(TaskAnalyze, Method{
		Name:     "analyze.standard",
		Priority: 10,
		Decompose: func(goal string, _ map[string]any) []plan.Step {
			return []plan.Step{
				primitive("context.gather", false, goal),
				primitive("analysis.perform", true, goal),
				primitive("report.generate", false, goal),
			}
		},
	})
	p.Register(TaskFix, Method{
		Name:     "fix.standard",
		Priority: 10,
		Decompose: func(goal string, _ map[string]any) []plan.Step {
			return []plan.Step{
				primitive("context.analyze", false, goal),
				primitive("diagnosis.perform", false, goal),
				primitive("code.fix", true, goal),
				primitive("code.verify", true, goal),
			}
		},
	})
	p.Register(TaskDeploy, Method{
		Name:     "deploy.standard",
		Priority: 10,
		Decompose: func(goal string, _ map[string]any) []plan.Step {
			return []plan.Step{
				primitive("validation.verify", true, goal),
				primitive("deploy.production", true, goal),
				primitive("monitoring.setup", false, goal),
			}
		},
	})
	p.Register(TaskGeneric, Method{
		Name:     "generic.fallback",
		Priority: 0,
		Decompose: func(goal string, _ map[string]any) []plan.Step {
			return []plan.Step{
				primitive("context.build", false, goal),
				primitive("work.plan", false, goal),
				primitive("work.execute", true, goal),
			}
		},
	})
}

func primitive(capability string, critical bool, goal string) plan.Step {
	return plan.Step{
		Capability: capability,
		Critical:   critical,
		Contract: plan.Contract{
			Inputs: map[string]any{"goal": goal},
		},
	}
}
