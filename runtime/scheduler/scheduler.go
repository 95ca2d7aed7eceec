// Package scheduler drives plan execution: it finds dispatchable steps,
// claims them under time-bounded leases, routes each attempt through the
// bandit, executes it against a target, and hands the result to the verifier.
// Only the verifier's approval moves a step to done. Dispatch is paced by a
// rate limiter and bounded by a parallelism semaphore; parallel groups acquire
// their slots all-or-nothing.
package scheduler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/loomworks/loom/runtime/executor"
	"github.com/loomworks/loom/runtime/fault"
	"github.com/loomworks/loom/runtime/plan"
	"github.com/loomworks/loom/runtime/policy"
	"github.com/loomworks/loom/runtime/provenance"
	"github.com/loomworks/loom/runtime/router"
	"github.com/loomworks/loom/runtime/snapshot"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/telemetry"
	"github.com/loomworks/loom/runtime/verify"
)

const (
	// DefaultMaxParallel bounds concurrent step executions.
	DefaultMaxParallel = 4
	// DefaultTick is the dispatch loop period.
	DefaultTick = 500 * time.Millisecond
	// DefaultDispatchRate paces step dispatches per second.
	DefaultDispatchRate = 8
	// DefaultLeaseTTL bounds a step claim.
	DefaultLeaseTTL = 15 * time.Minute

	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

type (
	// Config tunes the dispatch loop.
	Config struct {
		// MaxParallel bounds concurrent executions. Defaults to 4.
		MaxParallel int `json:"max_parallel" yaml:"max_parallel"`
		// Tick is the loop period. Defaults to 500ms.
		Tick time.Duration `json:"tick" yaml:"tick"`
		// DispatchRate paces dispatches per second. Defaults to 8.
		DispatchRate float64 `json:"dispatch_rate" yaml:"dispatch_rate"`
		// LeaseTTL bounds step claims. Defaults to 15m.
		LeaseTTL time.Duration `json:"lease_ttl" yaml:"lease_ttl"`
		// Worker names this scheduler instance in leases and events.
		Worker string `json:"worker" yaml:"worker"`
	}

	// Store is the persistence surface the scheduler needs.
	Store interface {
		store.PlanStore
		store.LeaseStore
		store.TicketStore
		store.AttestationStore
		store.EventLog
	}

	// Scheduler executes one plan at a time per Run call.
	Scheduler struct {
		store    Store
		router   *router.Router
		target   executor.Target
		verifier *verify.Verifier
		signer   *provenance.Signer
		cfg      Config
		limiter  *rate.Limiter
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		mu       sync.Mutex
		inflight map[string]struct{}
		costs    map[string]float64
	}

	// Option customizes a scheduler.
	Option func(*Scheduler)
)

// WithSigner wires the attestation signer. Without one, executions are not
// attested.
func WithSigner(s *provenance.Signer) Option {
	return func(sch *Scheduler) { sch.signer = s }
}

// WithTelemetry wires the logger and metrics recorder.
func WithTelemetry(logger telemetry.Logger, metrics telemetry.Metrics) Option {
	return func(sch *Scheduler) {
		sch.logger = logger
		sch.metrics = metrics
	}
}

// New constructs a scheduler.
func New(st Store, rt *router.Router, target executor.Target, verifier *verify.Verifier, cfg Config, opts ...Option) *Scheduler {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.DispatchRate <= 0 {
		cfg.DispatchRate = DefaultDispatchRate
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.Worker == "" {
		cfg.Worker = "scheduler-" + uuid.NewString()[:8]
	}
	s := &Scheduler{
		store:    st,
		router:   rt,
		target:   target,
		verifier: verifier,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.DispatchRate), cfg.MaxParallel),
		logger:   telemetry.NopLogger(),
		metrics:  telemetry.NopMetrics(),
		inflight: make(map[string]struct{}),
		costs:    make(map[string]float64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives the plan until it leaves the active status or the context is
// canceled. It returns the final plan status; a paused plan returns paused so
// the caller can resume it later.
func (s *Scheduler) Run(ctx context.Context, planID string) (plan.PlanStatus, error) {
	sem := make(chan struct{}, s.cfg.MaxParallel)
	var wg sync.WaitGroup
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	defer wg.Wait()

	for {
		status, err := s.tick(ctx, planID, sem, &wg)
		if err != nil {
			return "", err
		}
		if status != plan.PlanActive {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick runs one dispatch pass: reclaim expired leases, settle the plan if
// terminal, then dispatch ready steps in effective-priority order.
func (s *Scheduler) tick(ctx context.Context, planID string, sem chan struct{}, wg *sync.WaitGroup) (plan.PlanStatus, error) {
	if _, err := s.store.ReclaimExpiredLeases(ctx, s.cfg.Worker); err != nil {
		s.logger.Warn(ctx, "lease reclaim failed", "err", err.Error())
	}

	p, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return "", err
	}
	if p.Status != plan.PlanActive {
		return p.Status, nil
	}

	steps, err := s.store.ListSteps(ctx, planID)
	if err != nil {
		return "", err
	}

	if status, settled := s.settle(ctx, p, steps); settled {
		return status, nil
	}
	s.blockOrphans(ctx, steps)

	if reason := s.overBudget(p); reason != "" {
		s.logger.Warn(ctx, "plan budget exceeded", "plan_id", p.ID, "reason", reason)
		if err := s.store.UpdatePlanStatus(ctx, p.ID, plan.PlanFailed, s.cfg.Worker); err != nil {
			s.logger.Error(ctx, "fail plan over budget", "plan_id", p.ID, "err", err.Error())
		}
		return plan.PlanFailed, nil
	}

	for _, group := range s.dispatchable(steps) {
		if !s.reserve(sem, len(group)) {
			break
		}
		for i, st := range group {
			step := st
			if err := s.limiter.Wait(ctx); err != nil {
				s.release(sem, len(group)-i)
				return p.Status, nil
			}
			claimed, err := s.store.AcquireLease(ctx, step.ID, s.cfg.Worker, s.cfg.LeaseTTL.Milliseconds())
			if err != nil || !claimed {
				s.release(sem, 1)
				continue
			}
			s.markInflight(step.ID, true)
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer s.release(sem, 1)
				defer s.markInflight(step.ID, false)
				s.executeStep(ctx, p, &step)
			}()
		}
	}
	return p.Status, nil
}

// settle transitions the plan when its steps have reached a terminal shape: a
// failed critical step fails the plan immediately; all steps terminal with no
// critical failure completes it, tolerating failed non-critical steps.
func (s *Scheduler) settle(ctx context.Context, p *plan.Plan, steps []plan.Step) (plan.PlanStatus, bool) {
	terminal := 0
	for i := range steps {
		st := &steps[i]
		if st.Status == plan.StepFailed && st.Critical {
			if err := s.store.UpdatePlanStatus(ctx, p.ID, plan.PlanFailed, s.cfg.Worker); err != nil {
				s.logger.Error(ctx, "fail plan", "plan_id", p.ID, "err", err.Error())
			}
			return plan.PlanFailed, true
		}
		if st.Status.Terminal() {
			terminal++
		}
	}
	if terminal == len(steps) && len(steps) > 0 {
		if err := s.store.UpdatePlanStatus(ctx, p.ID, plan.PlanCompleted, s.cfg.Worker); err != nil {
			s.logger.Error(ctx, "complete plan", "plan_id", p.ID, "err", err.Error())
		}
		return plan.PlanCompleted, true
	}
	return p.Status, false
}

// blockOrphans moves todo steps whose dependency failed to blocked so the
// hold is visible to operators.
func (s *Scheduler) blockOrphans(ctx context.Context, steps []plan.Step) {
	failed := make(map[string]struct{})
	for _, st := range steps {
		if st.Status == plan.StepFailed {
			failed[st.ID] = struct{}{}
		}
	}
	if len(failed) == 0 {
		return
	}
	for _, st := range steps {
		if st.Status != plan.StepTodo {
			continue
		}
		for _, dep := range st.Dependencies {
			if _, ok := failed[dep]; ok {
				s.transition(ctx, st.ID, plan.StepBlocked, map[string]any{"reason": "dependency failed", "dependency": dep})
				break
			}
		}
	}
}

// dispatchable returns ready steps grouped for dispatch, best priority first.
// Steps sharing a parallel group form one all-or-nothing unit and are emitted
// only when every member is ready; everything else dispatches singly.
func (s *Scheduler) dispatchable(steps []plan.Step) [][]plan.Step {
	done := make(map[string]struct{})
	for _, st := range steps {
		if st.Status == plan.StepDone {
			done[st.ID] = struct{}{}
		}
	}

	groups := plan.ParallelGroups(steps)
	emitted := make(map[string]bool)
	var units [][]plan.Step
	for _, st := range steps {
		if !plan.StepReady(&st, done) || s.isInflight(st.ID) {
			continue
		}
		if st.ParallelGroup == "" {
			units = append(units, []plan.Step{st})
			continue
		}
		if emitted[st.ParallelGroup] {
			continue
		}
		group := groups[st.ParallelGroup]
		ready := true
		for i := range group {
			if !plan.StepReady(&group[i], done) || s.isInflight(group[i].ID) {
				ready = false
				break
			}
		}
		if ready {
			units = append(units, group)
			emitted[st.ParallelGroup] = true
		}
	}
	sort.SliceStable(units, func(i, j int) bool {
		return unitPriority(units[i]) > unitPriority(units[j])
	})
	return units
}

func unitPriority(unit []plan.Step) float64 {
	best := 0.0
	for i := range unit {
		// Plan priority contribution is uniform within a plan; rank on the
		// step component alone.
		p := plan.EffectivePriority(&unit[i], &plan.Plan{})
		if p > best {
			best = p
		}
	}
	return best
}

func (s *Scheduler) reserve(sem chan struct{}, n int) bool {
	for i := 0; i < n; i++ {
		select {
		case sem <- struct{}{}:
		default:
			s.release(sem, i)
			return false
		}
	}
	return true
}

func (s *Scheduler) release(sem chan struct{}, n int) {
	for i := 0; i < n; i++ {
		<-sem
	}
}

func (s *Scheduler) markInflight(stepID string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.inflight[stepID] = struct{}{}
	} else {
		delete(s.inflight, stepID)
	}
}

func (s *Scheduler) isInflight(stepID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[stepID]
	return ok
}

func (s *Scheduler) addCost(planID string, cost float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.costs[planID] += cost
	return s.costs[planID]
}

func (s *Scheduler) cumulativeCost(planID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.costs[planID]
}

// overBudget reports the first exceeded plan limit: an absolute deadline, the
// cost cap, or the wall-clock cap. Empty means within budget. The cumulative
// cost tally is process-local and restarts from zero with the scheduler.
func (s *Scheduler) overBudget(p *plan.Plan) string {
	now := time.Now().UnixMilli()
	if p.DeadlineAt > 0 && now >= p.DeadlineAt {
		return "deadline passed"
	}
	if p.Budget == nil {
		return ""
	}
	if p.Budget.MaxCost > 0 && s.cumulativeCost(p.ID) > p.Budget.MaxCost {
		return "cost budget exceeded"
	}
	if p.Budget.MaxDurationMS > 0 && now-p.CreatedAt > p.Budget.MaxDurationMS {
		return "duration budget exceeded"
	}
	return ""
}

// executeStep runs a claimed step through its retry budget. Retryable failures
// back off exponentially (1s base, doubled, capped at 30s); terminal faults
// and an exhausted budget fail the step; a missing route blocks it.
func (s *Scheduler) executeStep(ctx context.Context, p *plan.Plan, step *plan.Step) {
	started := time.Now()
	for attempt := 0; attempt <= step.Retries(); attempt++ {
		err := s.attempt(ctx, p, step, attempt)
		if err == nil {
			s.metrics.RecordTimer("scheduler.step", time.Since(started), "capability", step.Capability)
			return
		}
		kind := fault.KindOf(err)
		if kind == fault.KindNoRoute {
			s.transition(ctx, step.ID, plan.StepBlocked, map[string]any{"reason": err.Error()})
			s.releaseLease(ctx, step.ID)
			return
		}
		if fault.Terminal(err) {
			s.failStep(ctx, step, err)
			return
		}
		if attempt < step.Retries() {
			s.logger.Info(ctx, "retrying step",
				"step_id", step.ID, "attempt", attempt+1, "kind", string(kind))
			// Retries run in place under the held lease; the event makes the
			// repeat attempt visible on the audit trail.
			if err := s.store.AppendEvent(ctx, s.cfg.Worker, "step_retrying", map[string]any{
				"step_id": step.ID,
				"attempt": attempt + 1,
				"kind":    string(kind),
			}); err != nil {
				s.logger.Warn(ctx, "append retry event", "step_id", step.ID, "err", err.Error())
			}
			if !sleep(ctx, backoff(attempt)) {
				return
			}
			continue
		}
		s.failStep(ctx, step, err)
		return
	}
}

// attempt executes one routed try and verifies its result. A nil return means
// the step reached done.
func (s *Scheduler) attempt(ctx context.Context, p *plan.Plan, step *plan.Step, attempt int) error {
	route, obligations, err := s.router.Pick(ctx, step.Capability, s.policyContext(p, step), router.CostMid, budgetMS(step))
	if err != nil {
		return err
	}

	ticket := &plan.Ticket{
		ID:      uuid.NewString(),
		StepID:  step.ID,
		RouteID: route.ID,
		Status:  plan.TicketPending,
	}
	if err := s.store.CreateTicket(ctx, ticket); err != nil {
		return fault.Wrap(fault.KindInternal, "create ticket", err)
	}
	startedAt := time.Now()
	ticket.StartedAt = startedAt.UnixMilli()
	if err := s.store.StartTicket(ctx, ticket.ID, ticket.StartedAt); err != nil {
		return fault.Wrap(fault.KindInternal, "start ticket", err)
	}

	deadline := startedAt.Add(time.Duration(step.TimeoutMS) * time.Millisecond)
	outcome, execErr := s.target.Execute(ctx, &executor.Request{
		Route:    route,
		Contract: &step.Contract,
		Inputs:   step.Contract.Inputs,
		Deadline: deadline,
	})
	latency := time.Since(startedAt)

	ticket.LatencyMS = latency.Milliseconds()
	ticket.EndedAt = time.Now().UnixMilli()
	if outcome != nil {
		ticket.Cost = outcome.Cost
		ticket.Result = outcome.Outputs
	}

	if execErr != nil {
		ticket.Error = execErr.Error()
		ticket.Status = plan.TicketFailed
		if fault.KindOf(execErr) == fault.KindTimeout {
			ticket.Status = plan.TicketTimeout
		}
		s.finishTicket(ctx, ticket, false)
		s.router.Observe(ctx, route, false)
		return execErr
	}

	s.transition(ctx, step.ID, plan.StepWaitingReview, map[string]any{
		"ticket_id": ticket.ID,
		"route_id":  route.ID,
	})

	report := s.verifier.Verify(ctx, &verify.Subject{
		Capability:  step.Capability,
		Contract:    &step.Contract,
		Constraints: step.Constraints,
		Inputs:      step.Contract.Inputs,
		Outputs:     outcome.Outputs,
		ErrOutput:   outcome.ErrOutput,
		LatencyMS:   ticket.LatencyMS,
		Cost:        ticket.Cost,
	}, s.rerun(route, step, deadline))

	if !report.Passed {
		ticket.Status = plan.TicketFailed
		ticket.Error = "verification failed"
		s.finishTicket(ctx, ticket, false)
		s.router.Observe(ctx, route, false)
		return fault.Errorf(fault.KindVerification,
			"critical property failed for step %s", step.ID)
	}

	attested := s.attest(ctx, p, step, route, ticket, outcome)
	if unmet := unmetObligations(obligations, attested); len(unmet) > 0 {
		ticket.Status = plan.TicketFailed
		ticket.Error = "unmet policy obligations: " + strings.Join(unmet, "; ")
		s.finishTicket(ctx, ticket, false)
		s.router.Observe(ctx, route, false)
		return fault.Errorf(fault.KindPolicyDenied,
			"obligations unmet for step %s: %s", step.ID, strings.Join(unmet, "; "))
	}

	ticket.Status = plan.TicketCompleted
	s.finishTicket(ctx, ticket, true)
	s.router.Observe(ctx, route, true)
	s.addCost(p.ID, ticket.Cost)
	s.transition(ctx, step.ID, plan.StepDone, map[string]any{
		"ticket_id":  ticket.ID,
		"confidence": report.Confidence,
	})
	return nil
}

// unmetObligations filters the route's policy obligations down to those this
// attempt did not satisfy. Attestation obligations require a saved signed
// envelope; verification, review, and audit obligations are met by the
// verifier gate and the event log every step passes through. Obligations the
// scheduler cannot interpret stay unmet.
func unmetObligations(obligations []policy.Obligation, attested bool) []string {
	var unmet []string
	for _, o := range obligations {
		text := strings.ToLower(o.Text)
		switch {
		case strings.Contains(text, "attestation"):
			if !attested {
				unmet = append(unmet, o.Text)
			}
		case strings.Contains(text, "verification"),
			strings.Contains(text, "review"),
			strings.Contains(text, "audit"):
		default:
			unmet = append(unmet, o.Text)
		}
	}
	return unmet
}

// attest captures a snapshot, builds and signs the provenance statement, and
// archives the envelope. Returns whether a signed envelope was saved so the
// caller can check attestation obligations. Attestation failures are logged,
// never fatal to the step on their own.
func (s *Scheduler) attest(ctx context.Context, p *plan.Plan, step *plan.Step, route *plan.Route, ticket *plan.Ticket, outcome *executor.Outcome) bool {
	if s.signer == nil {
		return false
	}
	snap, err := snapshot.Capture(step, route.Policy, step.Contract.Inputs, outcome.Outputs, int64(step.OrderIndex))
	if err != nil {
		s.logger.Warn(ctx, "snapshot capture failed", "step_id", step.ID, "err", err.Error())
		snap = nil
	}
	stmt, err := provenance.Build(&provenance.Execution{
		Step:      step,
		TicketID:  ticket.ID,
		RouteID:   route.ID,
		Inputs:    step.Contract.Inputs,
		Outputs:   outcome.Outputs,
		StartedAt: ticket.StartedAt,
		EndedAt:   ticket.EndedAt,
		Snapshot:  snap,
		Sandboxed: true,
	})
	if err != nil {
		s.logger.Warn(ctx, "attestation build failed", "step_id", step.ID, "err", err.Error())
		return false
	}
	env, err := s.signer.Sign(stmt)
	if err != nil {
		s.logger.Warn(ctx, "attestation signing failed", "step_id", step.ID, "err", err.Error())
		return false
	}
	digest, err := stmt.Digest()
	if err != nil {
		return false
	}
	raw, err := snapshot.Canonical(env)
	if err != nil {
		return false
	}
	if err := s.store.SaveAttestation(ctx, step.ID, digest, raw); err != nil {
		s.logger.Warn(ctx, "attestation save failed", "step_id", step.ID, "err", err.Error())
		return false
	}
	return true
}

// rerun builds the metamorphic re-execution hook for the verifier.
func (s *Scheduler) rerun(route *plan.Route, step *plan.Step, deadline time.Time) verify.Rerun {
	return func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
		out, err := s.target.Execute(ctx, &executor.Request{
			Route:    route,
			Contract: &step.Contract,
			Inputs:   inputs,
			Deadline: deadline,
		})
		if err != nil {
			return nil, err
		}
		return out.Outputs, nil
	}
}

// finishTicket completes the ticket; the store applies the bandit reward in
// the same transaction.
func (s *Scheduler) finishTicket(ctx context.Context, t *plan.Ticket, success bool) {
	if err := s.store.CompleteTicket(ctx, t, success); err != nil {
		s.logger.Error(ctx, "complete ticket", "ticket_id", t.ID, "err", err.Error())
	}
}

func (s *Scheduler) failStep(ctx context.Context, step *plan.Step, cause error) {
	s.metrics.IncCounter("scheduler.step_failed", 1, "capability", step.Capability, "kind", string(fault.KindOf(cause)))
	s.transition(ctx, step.ID, plan.StepFailed, map[string]any{
		"reason": cause.Error(),
		"kind":   string(fault.KindOf(cause)),
	})
}

func (s *Scheduler) transition(ctx context.Context, stepID string, status plan.StepStatus, payload map[string]any) {
	if err := s.store.UpdateStepStatus(ctx, stepID, status, s.cfg.Worker, payload); err != nil {
		if fault.KindOf(err) == fault.KindLeaseLost {
			s.logger.Warn(ctx, "lease lost, abandoning step", "step_id", stepID)
			return
		}
		s.logger.Error(ctx, "step transition failed",
			"step_id", stepID, "status", string(status), "err", err.Error())
	}
}

func (s *Scheduler) releaseLease(ctx context.Context, stepID string) {
	if err := s.store.ReleaseLease(ctx, stepID, s.cfg.Worker); err != nil {
		s.logger.Warn(ctx, "lease release failed", "step_id", stepID, "err", err.Error())
	}
}

func (s *Scheduler) policyContext(p *plan.Plan, step *plan.Step) policy.Context {
	pc := policy.Context{
		Capability:     step.Capability,
		CumulativeCost: s.cumulativeCost(p.ID),
		ElapsedMS:      time.Now().UnixMilli() - p.CreatedAt,
		Critical:       step.Critical,
		Extra:          p.Context,
	}
	if step.Constraints != nil {
		pc.StepCost = step.Constraints.MaxCost
	}
	if v, ok := p.Context["user"].(string); ok {
		pc.User = v
	}
	if v, ok := p.Context["project"].(string); ok {
		pc.Project = v
	}
	if v, ok := p.Context["environment"].(string); ok {
		pc.Environment = v
	}
	if v, ok := p.Context["security_level"].(string); ok {
		pc.SecurityLevel = v
	}
	return pc
}

func budgetMS(step *plan.Step) int64 {
	if step.Constraints != nil && step.Constraints.MaxLatencyMS > 0 {
		return step.Constraints.MaxLatencyMS
	}
	return step.TimeoutMS
}

func backoff(attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffCap {
		return backoffCap
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
