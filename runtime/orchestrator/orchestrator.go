// Package orchestrator is the top-level wiring of the core: it turns a goal
// into a validated plan (HTN decomposition refined by tree-of-thought search),
// persists the plan with its branch variants, drives the scheduler, and
// supports cancellation. Hosts construct an Orchestrator from a store, a
// router, an execution target, and a verifier, then submit goals.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/runtime/fault"
	"github.com/loomworks/loom/runtime/plan"
	"github.com/loomworks/loom/runtime/planner/htn"
	"github.com/loomworks/loom/runtime/planner/tot"
	"github.com/loomworks/loom/runtime/scheduler"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/telemetry"
)

type (
	// Store is the persistence surface the orchestrator needs.
	Store interface {
		scheduler.Store
		store.RouteStore
	}

	// SubmitRequest carries a new goal.
	SubmitRequest struct {
		// Goal is the free-text objective. Required.
		Goal string
		// Context carries request-scoped facts consulted by planners and
		// policy (user, project, environment, ...).
		Context map[string]any
		// Budget optionally caps plan resources.
		Budget *plan.Budget
		// Owner identifies the requesting principal.
		Owner string
		// Priority ranks the plan, 0-10. Defaults to 5.
		Priority int
		// DeadlineAt is an optional absolute deadline in epoch milliseconds.
		DeadlineAt int64
	}

	// Orchestrator wires planning, persistence, and dispatch.
	Orchestrator struct {
		store     Store
		decompose *htn.Planner
		refine    *tot.Planner
		scheduler *scheduler.Scheduler
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		now       func() int64

		mu      sync.Mutex
		cancels map[string]context.CancelFunc
	}

	// Option customizes an orchestrator.
	Option func(*Orchestrator)
)

// WithTelemetry wires the logger and metrics recorder.
func WithTelemetry(logger telemetry.Logger, metrics telemetry.Metrics) Option {
	return func(o *Orchestrator) {
		o.logger = logger
		o.metrics = metrics
	}
}

// WithClock replaces the timestamp source (tests).
func WithClock(now func() int64) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New constructs an orchestrator.
func New(st Store, decompose *htn.Planner, refine *tot.Planner, sched *scheduler.Scheduler, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     st,
		decompose: decompose,
		refine:    refine,
		scheduler: sched,
		logger:    telemetry.NopLogger(),
		metrics:   telemetry.NopMetrics(),
		now:       func() int64 { return time.Now().UnixMilli() },
		cancels:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SubmitGoal decomposes and refines the goal into a plan, validates it, and
// persists the plan with the active branch's steps and every branch variant.
// Steps may only reference registered capabilities.
func (o *Orchestrator) SubmitGoal(ctx context.Context, req SubmitRequest) (*plan.Plan, error) {
	if req.Goal == "" {
		return nil, fault.Validation("goal", "goal is required")
	}
	now := o.now()
	p := &plan.Plan{
		ID:         uuid.NewString(),
		Goal:       req.Goal,
		Context:    req.Context,
		Budget:     req.Budget,
		Owner:      req.Owner,
		Priority:   req.Priority,
		DeadlineAt: req.DeadlineAt,
		Status:     plan.PlanActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	plan.NormalizePlan(p)

	steps, err := o.decompose.Decompose(ctx, p.ID, req.Goal, req.Context)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		known, err := o.store.KnownCapability(ctx, steps[i].Capability)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, "capability lookup", err)
		}
		if !known {
			return nil, fault.Validation("capability",
				"capability %q is not registered", steps[i].Capability)
		}
	}

	branches := o.refine.Refine(ctx, p, steps)
	if len(branches) == 0 {
		return nil, fault.Errorf(fault.KindInternal, "refinement produced no branches for plan %s", p.ID)
	}
	active := branches[0].Steps
	for i := range branches {
		branches[i].CreatedAt = now
	}
	for i := range active {
		active[i].Branch = branches[0].ID
		active[i].CreatedAt = now
		active[i].UpdatedAt = now
	}

	if err := plan.ValidatePlan(p, active); err != nil {
		return nil, err
	}
	if err := o.store.CreatePlan(ctx, p, active, branches); err != nil {
		return nil, err
	}
	o.metrics.IncCounter("orchestrator.plans_submitted", 1)
	o.logger.Info(ctx, "plan submitted",
		"plan_id", p.ID, "steps", len(active), "branches", len(branches))
	return p, nil
}

// Run drives the plan to a terminal status. Cancel aborts it.
func (o *Orchestrator) Run(ctx context.Context, planID string) (plan.PlanStatus, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancels[planID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, planID)
		o.mu.Unlock()
	}()
	return o.scheduler.Run(runCtx, planID)
}

// Cancel pauses the plan, stops its dispatch, and releases any held leases.
// Claimed steps return to todo when their leases expire or are reclaimed.
func (o *Orchestrator) Cancel(ctx context.Context, planID string) error {
	o.mu.Lock()
	cancel, running := o.cancels[planID]
	o.mu.Unlock()
	if running {
		cancel()
	}

	p, err := o.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if p.Status == plan.PlanCompleted || p.Status == plan.PlanFailed {
		return fault.Errorf(fault.KindValidation, "plan %q already %s", planID, p.Status)
	}
	if err := o.store.UpdatePlanStatus(ctx, planID, plan.PlanPaused, p.Owner); err != nil {
		return err
	}

	steps, err := o.store.ListSteps(ctx, planID)
	if err != nil {
		return err
	}
	for i := range steps {
		if steps[i].LeaseOwner == "" {
			continue
		}
		if err := o.store.ReleaseLease(ctx, steps[i].ID, steps[i].LeaseOwner); err != nil {
			o.logger.Warn(ctx, "lease release on cancel failed",
				"step_id", steps[i].ID, "err", err.Error())
		}
	}
	o.metrics.IncCounter("orchestrator.plans_canceled", 1)
	return nil
}
