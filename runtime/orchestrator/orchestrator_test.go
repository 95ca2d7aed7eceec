package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/features/store/sqlite"
	"github.com/loomworks/loom/runtime/executor"
	"github.com/loomworks/loom/runtime/fault"
	"github.com/loomworks/loom/runtime/plan"
	"github.com/loomworks/loom/runtime/planner/htn"
	"github.com/loomworks/loom/runtime/planner/tot"
	"github.com/loomworks/loom/runtime/policy"
	"github.com/loomworks/loom/runtime/router"
	"github.com/loomworks/loom/runtime/scheduler"
	"github.com/loomworks/loom/runtime/telemetry"
	"github.com/loomworks/loom/runtime/verify"
)

// capabilities the built-in decomposition methods and refinement strategies
// can emit.
var knownCapabilities = []string{
	"context.analyze", "context.gather", "context.build",
	"design.create", "diagnosis.perform", "analysis.perform",
	"code.implement", "code.fix", "code.verify",
	"work.plan", "work.execute", "report.generate",
	"validation.verify", "deploy.production", "rollback.prepare",
	"monitoring.setup",
}

type harness struct {
	store  *sqlite.Store
	target *executor.Local
	orch   *Orchestrator
}

func newHarness(t *testing.T, def policy.Definition) *harness {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	target := executor.NewLocal()
	for _, capability := range knownCapabilities {
		require.NoError(t, st.RegisterCapability(ctx, capability, ""))
		require.NoError(t, st.UpsertRoute(ctx, &plan.Route{
			ID:         "route-" + capability,
			Capability: capability,
			ProviderID: "local",
			Tool:       capability,
			Healthy:    true,
		}))
		capability := capability
		target.RegisterHandler(capability, func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"result": capability + " done"}, nil
		})
	}

	engine := policy.New(def, telemetry.NopLogger())
	rt := router.New(st, engine, router.Config{})
	sched := scheduler.New(st, rt, target, verify.New(verify.WithMetamorphic(false)), scheduler.Config{
		Tick:         10 * time.Millisecond,
		DispatchRate: 1000,
	})
	orch := New(st, htn.New(telemetry.NopLogger()), tot.New(tot.DefaultConfig(), telemetry.NopLogger()), sched)
	return &harness{store: st, target: target, orch: orch}
}

func TestSubmitGoalPersistsPlanAndBranches(t *testing.T) {
	h := newHarness(t, policy.Definition{})
	ctx := context.Background()

	p, err := h.orch.SubmitGoal(ctx, SubmitRequest{
		Goal:  "implement the billing export endpoint",
		Owner: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, plan.PlanActive, p.Status)
	assert.Equal(t, plan.DefaultPriority, p.Priority)

	steps, err := h.store.ListSteps(ctx, p.ID)
	require.NoError(t, err)
	require.NotEmpty(t, steps)
	caps := make([]string, len(steps))
	for i, s := range steps {
		caps[i] = s.Capability
		assert.Equal(t, plan.StepTodo, s.Status)
	}
	assert.Contains(t, caps, "code.implement")

	active, err := h.store.ActiveBranch(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, active.Active)
	assert.Len(t, active.Steps, len(steps))
}

func TestSubmitGoalRejectsEmptyGoal(t *testing.T) {
	h := newHarness(t, policy.Definition{})
	_, err := h.orch.SubmitGoal(context.Background(), SubmitRequest{})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestSubmitGoalRejectsUnknownCapability(t *testing.T) {
	h := newHarness(t, policy.Definition{})
	h.orch.decompose.Register("generic", htn.Method{
		Name:     "exotic",
		Priority: 100,
		Decompose: func(goal string, _ map[string]any) []plan.Step {
			return []plan.Step{{
				Capability: "exotic.capability",
				Contract:   plan.Contract{Inputs: map[string]any{"goal": goal}},
			}}
		},
	})
	_, err := h.orch.SubmitGoal(context.Background(), SubmitRequest{Goal: "do the thing"})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestSubmitThenRunToCompletion(t *testing.T) {
	h := newHarness(t, policy.Definition{})
	ctx := context.Background()

	p, err := h.orch.SubmitGoal(ctx, SubmitRequest{
		Goal:    "analyze churn across the customer cohorts",
		Owner:   "alice",
		Context: map[string]any{"environment": "dev"},
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	status, err := h.orch.Run(runCtx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.PlanCompleted, status)

	steps, err := h.store.ListSteps(ctx, p.ID)
	require.NoError(t, err)
	for _, s := range steps {
		assert.Equal(t, plan.StepDone, s.Status, "step %s", s.Capability)
	}

	events, err := h.store.RecentEvents(ctx, 1000)
	require.NoError(t, err)
	types := map[string]int{}
	for _, e := range events {
		types[e.Type]++
	}
	assert.Positive(t, types["plan_created"])
	assert.Positive(t, types["step_claimed"])
	assert.Positive(t, types["ticket_completed"])
	assert.Positive(t, types["step_done"])
	assert.Positive(t, types["plan_completed"])
}

func TestPolicyDenyBlocksDispatch(t *testing.T) {
	h := newHarness(t, policy.Definition{
		Deny: []string{`work.execute IF environment == "prod"`},
	})
	ctx := context.Background()

	p, err := h.orch.SubmitGoal(ctx, SubmitRequest{
		Goal:    "handle the quarterly reconciliation",
		Context: map[string]any{"environment": "prod"},
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	status, err := h.orch.Run(runCtx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.PlanFailed, status, "critical denied step fails the plan")

	steps, err := h.store.ListSteps(ctx, p.ID)
	require.NoError(t, err)
	var denied *plan.Step
	for i := range steps {
		if steps[i].Capability == "work.execute" {
			denied = &steps[i]
		}
	}
	require.NotNil(t, denied)
	assert.Equal(t, plan.StepFailed, denied.Status)
}

func TestCancelPausesPlanAndReleasesLeases(t *testing.T) {
	h := newHarness(t, policy.Definition{})
	ctx := context.Background()

	p, err := h.orch.SubmitGoal(ctx, SubmitRequest{Goal: "prepare the workshop material"})
	require.NoError(t, err)

	require.NoError(t, h.orch.Cancel(ctx, p.ID))

	got, err := h.store.GetPlan(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.PlanPaused, got.Status)

	// A paused plan is not dispatched.
	runCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	status, err := h.orch.Run(runCtx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.PlanPaused, status)

	// Terminal plans cannot be canceled again after completion.
	require.NoError(t, h.store.UpdatePlanStatus(ctx, p.ID, plan.PlanCompleted, "tester"))
	err = h.orch.Cancel(ctx, p.ID)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestRunRecordsBanditRewards(t *testing.T) {
	h := newHarness(t, policy.Definition{})
	ctx := context.Background()

	p, err := h.orch.SubmitGoal(ctx, SubmitRequest{Goal: "fix the flaky session refresh"})
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	status, err := h.orch.Run(runCtx, p.ID)
	require.NoError(t, err)
	require.Equal(t, plan.PlanCompleted, status)

	metrics, err := h.store.MetricsDashboard(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, metrics)
	var rewarded bool
	for _, m := range metrics {
		if m.Learning.TotalCount > 0 {
			rewarded = true
			assert.Equal(t, m.Learning.SuccessCount, m.Learning.TotalCount)
			assert.Greater(t, m.Learning.Alpha, 1.0)
		}
	}
	assert.True(t, rewarded)
}
