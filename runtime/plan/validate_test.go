package plan

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/fault"
)

func validStep(id, planID string) Step {
	return Step{
		ID:         id,
		PlanID:     planID,
		Capability: "code.implement",
		Priority:   5,
		TimeoutMS:  DefaultTimeoutMS,
		RetryCount: Ptr(2),
		Status:     StepTodo,
	}
}

func TestValidatePlanHappyPath(t *testing.T) {
	p := Plan{ID: "p1", Goal: "build greet service", Priority: 5, Status: PlanActive}
	s1 := validStep("s1", "p1")
	s2 := validStep("s2", "p1")
	s2.Dependencies = []string{"s1"}
	require.NoError(t, ValidatePlan(&p, []Step{s1, s2}))
}

func TestValidateStepCapabilityPattern(t *testing.T) {
	cases := map[string]bool{
		"code.implement":  true,
		"context.build":   true,
		"deploy-prod_v2":  true,
		"Web.Fetch":       false,
		"":                false,
		"web fetch":       false,
		"web.fetch!":      false,
		"validation.veri": true,
	}
	for capability, ok := range cases {
		s := validStep("s1", "p1")
		s.Capability = capability
		err := ValidateStep(&s)
		if ok {
			assert.NoError(t, err, capability)
			continue
		}
		require.Error(t, err, capability)
		assert.Equal(t, fault.KindValidation, fault.KindOf(err))
		var f *fault.Fault
		require.True(t, errors.As(err, &f))
		assert.Equal(t, "step.capability", f.Field)
	}
}

func TestValidateStepRanges(t *testing.T) {
	s := validStep("s1", "p1")
	s.TimeoutMS = 500
	require.Error(t, ValidateStep(&s))

	s = validStep("s1", "p1")
	s.RetryCount = Ptr(6)
	require.Error(t, ValidateStep(&s))

	s = validStep("s1", "p1")
	s.Priority = 11
	require.Error(t, ValidateStep(&s))
}

func TestValidatePlanRejectsUnknownDependency(t *testing.T) {
	p := Plan{ID: "p1", Goal: "g", Priority: 5, Status: PlanActive}
	s := validStep("s1", "p1")
	s.Dependencies = []string{"ghost"}
	err := ValidatePlan(&p, []Step{s})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestValidatePlanRejectsCycle(t *testing.T) {
	p := Plan{ID: "p1", Goal: "g", Priority: 5, Status: PlanActive}
	s1 := validStep("s1", "p1")
	s1.Dependencies = []string{"s2"}
	s2 := validStep("s2", "p1")
	s2.Dependencies = []string{"s1"}
	err := ValidatePlan(&p, []Step{s1, s2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestNormalizeStepDefaults(t *testing.T) {
	s := Step{ID: "s1", PlanID: "p1", Capability: "work.execute"}
	NormalizeStep(&s)
	assert.Equal(t, DefaultPriority, s.Priority)
	assert.Equal(t, DefaultRetryCount, s.Retries())
	assert.Equal(t, int64(DefaultTimeoutMS), s.TimeoutMS)
	assert.Equal(t, StepTodo, s.Status)
}

func TestNormalizeStepKeepsExplicitZeroRetries(t *testing.T) {
	s := Step{ID: "s1", PlanID: "p1", Capability: "work.execute", RetryCount: Ptr(0)}
	NormalizeStep(&s)
	assert.Equal(t, 0, s.Retries(), "an explicit zero retry budget survives normalization")
}

func TestValidateContractSchema(t *testing.T) {
	c := Contract{
		Inputs: map[string]any{"name": "greeter"},
		InputSchema: map[string]any{
			"type":       "object",
			"required":   []any{"name"},
			"properties": map[string]any{"name": map[string]any{"type": "string"}},
		},
	}
	require.NoError(t, ValidateContract(&c))

	c.Inputs = map[string]any{"name": 42}
	err := ValidateContract(&c)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestStepReady(t *testing.T) {
	done := map[string]struct{}{"s1": {}}
	s := validStep("s2", "p1")
	s.Dependencies = []string{"s1"}
	assert.True(t, StepReady(&s, done))

	s.Dependencies = []string{"s1", "s3"}
	assert.False(t, StepReady(&s, done))

	s.Dependencies = []string{"s1"}
	s.LeaseOwner = "worker-1"
	assert.False(t, StepReady(&s, done))

	s.LeaseOwner = ""
	s.Status = StepInProgress
	assert.False(t, StepReady(&s, done))
}

func TestEffectivePriority(t *testing.T) {
	p := Plan{ID: "p1", Goal: "g", Priority: 10, Status: PlanActive}
	s := validStep("s1", "p1")
	s.Priority = 8
	s.Critical = true
	// 8 + 3 + 1.0 clamps to 10.
	assert.Equal(t, 10.0, EffectivePriority(&s, &p))

	s.Critical = false
	s.Priority = 4
	assert.InDelta(t, 5.0, EffectivePriority(&s, &p), 1e-9)
}

func TestParallelGroupsOrdering(t *testing.T) {
	a := validStep("a", "p1")
	a.ParallelGroup = "g1"
	a.OrderIndex = 2
	b := validStep("b", "p1")
	b.ParallelGroup = "g1"
	b.OrderIndex = 1
	c := validStep("c", "p1")

	groups := ParallelGroups([]Step{a, b, c})
	require.Len(t, groups, 1)
	require.Len(t, groups["g1"], 2)
	assert.Equal(t, "b", groups["g1"][0].ID)
	assert.Equal(t, "a", groups["g1"][1].ID)
}
