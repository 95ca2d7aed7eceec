package tot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/plan"
)

func testPlan(goal string) *plan.Plan {
	return &plan.Plan{ID: "p1", Goal: goal, Priority: 5, Status: plan.PlanActive}
}

func chain(caps ...string) []plan.Step {
	steps := make([]plan.Step, len(caps))
	prev := ""
	for i, c := range caps {
		steps[i] = plan.Step{
			ID:         c + "-id",
			PlanID:     "p1",
			Capability: c,
			OrderIndex: i,
		}
		plan.NormalizeStep(&steps[i])
		if prev != "" {
			steps[i].Dependencies = []string{prev}
		}
		prev = steps[i].ID
	}
	return steps
}

func TestEvaluationAxesInRange(t *testing.T) {
	pl := testPlan("deploy the service")
	steps := chain("context.analyze", "code.implement", "deploy.production")
	steps[1].Critical = true
	steps[2].Critical = true

	e := Evaluate(pl, steps)
	for name, v := range map[string]float64{
		"feasibility":  e.Feasibility,
		"efficiency":   e.Efficiency,
		"risk":         e.Risk,
		"novelty":      e.Novelty,
		"completeness": e.Completeness,
	} {
		assert.GreaterOrEqual(t, v, 0.0, name)
		assert.LessOrEqual(t, v, 1.0, name)
	}
	composite := e.Composite()
	assert.InDelta(t, 0.3*e.Feasibility+0.2*e.Efficiency+0.2*(1-e.Risk)+0.1*e.Novelty+0.2*e.Completeness, composite, 1e-9)
}

func TestFeasibilityPenalties(t *testing.T) {
	steps := chain("work.execute")
	base := feasibility(steps)
	assert.Equal(t, 1.0, base)

	steps[0].TimeoutMS = 10000
	assert.InDelta(t, 0.9, feasibility(steps), 1e-9)

	steps[0].Constraints = &plan.Constraints{MaxCost: 0.5}
	assert.InDelta(t, 0.72, feasibility(steps), 1e-9)

	steps[0].Capability = "a.b.c.d"
	assert.InDelta(t, 0.648, feasibility(steps), 1e-9)
}

func TestRiskAccumulation(t *testing.T) {
	steps := chain("deploy.production", "work.execute")
	steps[0].Critical = true
	steps[0].RetryCount = plan.Ptr(1)
	// (0.2 + 0.3 + 0.1) / 2
	assert.InDelta(t, 0.3, risk(steps), 1e-9)
}

func TestRefineReturnsRankedBranchesWithOneActive(t *testing.T) {
	pl := testPlan("deploy greet service")
	steps := chain("context.analyze", "code.implement", "deploy.production")
	steps[1].Critical = true
	steps[2].Critical = true

	p := New(Config{}, nil)
	branches := p.Refine(context.Background(), pl, steps)
	require.NotEmpty(t, branches)
	require.LessOrEqual(t, len(branches), DefaultConfig().BeamSize)

	active := 0
	for i, b := range branches {
		assert.Equal(t, "p1", b.PlanID)
		require.NoError(t, plan.ValidateBranch(&branches[i]))
		if b.Active {
			active++
			assert.Equal(t, 0, i, "best branch is active")
		}
		if i > 0 {
			assert.LessOrEqual(t, b.Score, branches[i-1].Score)
		}
	}
	assert.Equal(t, 1, active, "exactly one active branch")
}

func TestRefineDoesNotMutateInput(t *testing.T) {
	pl := testPlan("build it")
	steps := chain("context.build", "work.plan", "work.execute")
	steps[2].Critical = true
	before := steps[2].Retries()

	New(Config{}, nil).Refine(context.Background(), pl, steps)
	assert.Equal(t, before, steps[2].Retries())
	assert.Empty(t, steps[0].ParallelGroup)
}

func TestInsertValidationAfterCritical(t *testing.T) {
	steps := chain("code.implement", "report.generate")
	steps[0].Critical = true
	out, _, changed := insertValidation(testPlan("g"), cloneSteps(steps))
	require.True(t, changed)
	require.Len(t, out, 3)
	assert.Equal(t, "validation.verify", out[1].Capability)
	assert.Equal(t, []string{steps[0].ID}, out[1].Dependencies)
}

func TestPrependMonitoringWiresDependencies(t *testing.T) {
	steps := chain("work.plan", "work.execute")
	out, _, changed := prependMonitoring(testPlan("g"), cloneSteps(steps))
	require.True(t, changed)
	require.Len(t, out, 3)
	assert.Equal(t, "monitoring.setup", out[0].Capability)
	for _, s := range out[1:] {
		assert.Contains(t, s.Dependencies, out[0].ID)
	}
	// Idempotent: applying again is a no-op.
	_, _, again := prependMonitoring(testPlan("g"), cloneSteps(out))
	assert.False(t, again)
}

func TestHardenCriticalAddsRollbackAfterDeploy(t *testing.T) {
	steps := chain("deploy.production")
	steps[0].Critical = true
	steps[0].RetryCount = plan.Ptr(1)
	out, _, changed := hardenCritical(testPlan("g"), cloneSteps(steps))
	require.True(t, changed)
	require.Len(t, out, 2)
	assert.Equal(t, 3, out[0].Retries())
	assert.Equal(t, "rollback.prepare", out[1].Capability)
}
