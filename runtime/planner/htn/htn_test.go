package htn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/plan"
)

func TestClassify(t *testing.T) {
	cases := map[string]string{
		"build greet service":         TaskDevelop,
		"Implement the parser":        TaskDevelop,
		"create a dashboard":          TaskDevelop,
		"analyze churn numbers":       TaskAnalyze,
		"research best practices":     TaskAnalyze,
		"fix the login bug":           TaskFix,
		"debug flaky test":            TaskFix,
		"resolve incident 42":         TaskFix,
		"deploy the api":              TaskDeploy,
		"release v2":                  TaskDeploy,
		"reticulate splines":          TaskGeneric,
	}
	for goal, want := range cases {
		assert.Equal(t, want, Classify(goal), goal)
	}
}

func TestDecomposeDevelopGoal(t *testing.T) {
	p := New(nil)
	steps, err := p.Decompose(context.Background(), "p1", "build greet service", nil)
	require.NoError(t, err)
	require.Len(t, steps, 4)

	caps := make([]string, len(steps))
	for i, s := range steps {
		caps[i] = s.Capability
	}
	assert.Equal(t, []string{"context.analyze", "design.create", "code.implement", "code.verify"}, caps)

	// Linear dependency chain onto previously emitted step ids.
	assert.Empty(t, steps[0].Dependencies)
	for i := 1; i < len(steps); i++ {
		require.Len(t, steps[i].Dependencies, 1)
		assert.Equal(t, steps[i-1].ID, steps[i].Dependencies[0])
	}

	// Defaults normalized and steps valid within a plan.
	pl := plan.Plan{ID: "p1", Goal: "build greet service", Priority: 5, Status: plan.PlanActive}
	require.NoError(t, plan.ValidatePlan(&pl, steps))
	assert.Equal(t, int64(plan.DefaultTimeoutMS), steps[0].TimeoutMS)
}

func TestDecomposeGenericFallback(t *testing.T) {
	p := New(nil)
	steps, err := p.Decompose(context.Background(), "p1", "reticulate splines", nil)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "context.build", steps[0].Capability)
	assert.Equal(t, "work.plan", steps[1].Capability)
	assert.Equal(t, "work.execute", steps[2].Capability)
}

func TestInvalidMethodSkippedThenNextTried(t *testing.T) {
	p := New(nil)
	p.Register(TaskDevelop, Method{
		Name:     "develop.broken",
		Priority: 99, // tried before the builtin
		Decompose: func(string, map[string]any) []plan.Step {
			return []plan.Step{{Capability: "NOT A CAPABILITY"}}
		},
	})
	steps, err := p.Decompose(context.Background(), "p1", "build it", nil)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	assert.Equal(t, "context.analyze", steps[0].Capability)
}

func TestGuardSkipsMethod(t *testing.T) {
	p := New(nil)
	called := false
	p.Register(TaskDevelop, Method{
		Name:     "develop.guarded",
		Priority: 99,
		Guard:    func(ctx map[string]any) bool { return ctx["fast"] == true },
		Decompose: func(goal string, _ map[string]any) []plan.Step {
			called = true
			return []plan.Step{{Capability: "code.implement", Contract: plan.Contract{}}}
		},
	})
	_, err := p.Decompose(context.Background(), "p1", "build it", map[string]any{"fast": false})
	require.NoError(t, err)
	assert.False(t, called)
}
