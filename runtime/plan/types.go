// Package plan defines the typed data model of the orchestration core — plans,
// steps, I/O contracts, branches, routes, learning records, tickets, and events —
// together with the pure validation and readiness helpers used by the planners
// and the scheduler. The package holds no state; persistence lives behind the
// store contracts and the planners only ever exchange values defined here.
package plan

type (
	// PlanStatus enumerates plan lifecycle states.
	PlanStatus string

	// StepStatus enumerates step lifecycle states.
	StepStatus string

	// TicketStatus enumerates execution-attempt states.
	TicketStatus string
)

const (
	// PlanActive marks a plan being dispatched.
	PlanActive PlanStatus = "active"
	// PlanPaused marks a plan whose dispatch is suspended by an operator.
	PlanPaused PlanStatus = "paused"
	// PlanCompleted marks a plan whose steps are all done.
	PlanCompleted PlanStatus = "completed"
	// PlanFailed marks a plan with a critical step failed after retries.
	PlanFailed PlanStatus = "failed"

	// StepTodo marks a step awaiting dispatch.
	StepTodo StepStatus = "todo"
	// StepInProgress marks a leased, executing step.
	StepInProgress StepStatus = "in_progress"
	// StepBlocked marks a step that cannot proceed (failed dependency or no route).
	StepBlocked StepStatus = "blocked"
	// StepWaitingReview marks a step whose execution returned and awaits verification.
	StepWaitingReview StepStatus = "waiting_review"
	// StepDone marks a verified, completed step. Only the verifier sets this.
	StepDone StepStatus = "done"
	// StepFailed marks a terminally failed step.
	StepFailed StepStatus = "failed"

	// TicketPending marks a created but not yet running attempt.
	TicketPending TicketStatus = "pending"
	// TicketRunning marks an in-flight attempt.
	TicketRunning TicketStatus = "running"
	// TicketCompleted marks a successful attempt.
	TicketCompleted TicketStatus = "completed"
	// TicketFailed marks a failed attempt.
	TicketFailed TicketStatus = "failed"
	// TicketTimeout marks an attempt hard-killed on deadline.
	TicketTimeout TicketStatus = "timeout"
)

// Defaults applied by Normalize.
const (
	// DefaultPriority is assigned to plans and steps that omit a priority.
	DefaultPriority = 5
	// DefaultRetryCount is the retry budget assigned to steps that omit one.
	DefaultRetryCount = 2
	// DefaultTimeoutMS is the execution timeout assigned to steps that omit one.
	DefaultTimeoutMS = 300000
	// MinTimeoutMS is the smallest accepted step timeout.
	MinTimeoutMS = 1000
	// MaxRetryCount is the largest accepted retry budget.
	MaxRetryCount = 5
)

type (
	// Plan is the root aggregate: a goal plus its decomposed steps and branch
	// variants. Deleting a plan deletes its steps and branches.
	Plan struct {
		// ID is the opaque plan identifier.
		ID string `json:"id" db:"id"`
		// Goal is the free-text objective the plan decomposes.
		Goal string `json:"goal" db:"goal"`
		// Context carries arbitrary request-scoped data consulted by planners
		// and policy.
		Context map[string]any `json:"context,omitempty" db:"-"`
		// Budget optionally caps cost, time, and resource counts.
		Budget *Budget `json:"budget,omitempty" db:"-"`
		// Owner identifies the requesting principal.
		Owner string `json:"owner" db:"owner"`
		// Priority ranks the plan, 0–10.
		Priority int `json:"priority" db:"priority"`
		// DeadlineAt is an optional absolute deadline in epoch milliseconds.
		DeadlineAt int64 `json:"deadline_at,omitempty" db:"deadline_at"`
		// Status is the plan lifecycle state.
		Status PlanStatus `json:"status" db:"status"`
		// CreatedAt and UpdatedAt are epoch milliseconds.
		CreatedAt int64 `json:"created_at" db:"created_at"`
		UpdatedAt int64 `json:"updated_at" db:"updated_at"`
	}

	// Budget caps the resources a plan may consume.
	Budget struct {
		// MaxCost caps cumulative execution cost. Zero means uncapped.
		MaxCost float64 `json:"max_cost,omitempty"`
		// MaxDurationMS caps wall-clock plan duration. Zero means uncapped.
		MaxDurationMS int64 `json:"max_duration_ms,omitempty"`
		// MaxSteps caps the number of steps. Zero means uncapped.
		MaxSteps int `json:"max_steps,omitempty"`
	}

	// Step is one capability-tagged unit of work inside a plan.
	Step struct {
		// ID is the opaque step identifier.
		ID string `json:"id" db:"id"`
		// PlanID names the owning plan.
		PlanID string `json:"plan_id" db:"plan_id"`
		// Capability is the lowercased dotted action category, e.g.
		// "code.implement". Must match the capability pattern.
		Capability string `json:"capability" db:"capability"`
		// Critical marks a step whose terminal failure fails the plan.
		Critical bool `json:"critical" db:"critical"`
		// Priority ranks the step, 0–10.
		Priority int `json:"priority" db:"priority"`
		// Contract declares the step's I/O shape and assertions.
		Contract Contract `json:"contract" db:"-"`
		// Constraints optionally bound the step's resource envelope.
		Constraints *Constraints `json:"constraints,omitempty" db:"-"`
		// Dependencies lists step ids in the same plan that must be done first.
		Dependencies []string `json:"dependencies,omitempty" db:"-"`
		// ParallelGroup tags steps intended to dispatch together.
		ParallelGroup string `json:"parallel_group,omitempty" db:"parallel_group"`
		// TimeoutMS bounds a single execution attempt. Minimum 1000.
		TimeoutMS int64 `json:"timeout_ms" db:"timeout_ms"`
		// RetryCount is the retry budget, 0–5. Nil means unset; Normalize
		// applies the default. An explicit zero disables retries.
		RetryCount *int `json:"retry_count,omitempty" db:"retry_count"`
		// Status is the step lifecycle state.
		Status StepStatus `json:"status" db:"status"`
		// Assignee optionally names the worker handling the step.
		Assignee string `json:"assignee,omitempty" db:"assignee"`
		// LeaseOwner and LeaseExpiresAt implement the exclusive claim: owner
		// non-empty iff expiry is set and in the future.
		LeaseOwner     string `json:"lease_owner,omitempty" db:"lease_owner"`
		LeaseExpiresAt int64  `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
		// Branch tags the plan variant the step belongs to.
		Branch string `json:"branch,omitempty" db:"branch"`
		// ParentStepID links decomposed children to their compound parent.
		ParentStepID string `json:"parent_step_id,omitempty" db:"parent_step_id"`
		// OrderIndex preserves emission order within the plan.
		OrderIndex int `json:"order_index" db:"order_index"`
		// CreatedAt and UpdatedAt are epoch milliseconds.
		CreatedAt int64 `json:"created_at" db:"created_at"`
		UpdatedAt int64 `json:"updated_at" db:"updated_at"`
		// Metadata carries capability-specific data as a schema-checked opaque
		// mapping (stored as canonical JSON).
		Metadata map[string]any `json:"metadata,omitempty" db:"-"`
	}

	// Contract declares a step's inputs, outputs, and assertions.
	Contract struct {
		// Inputs is the input payload template or bound values.
		Inputs map[string]any `json:"inputs,omitempty"`
		// Outputs maps declared output names to their type names. The declared
		// names double as the required fields checked by verification.
		Outputs map[string]string `json:"outputs,omitempty"`
		// Acceptance lists human-readable acceptance assertions.
		Acceptance []string `json:"acceptance,omitempty"`
		// Preconditions and Postconditions list human-readable conditions.
		Preconditions  []string `json:"preconditions,omitempty"`
		Postconditions []string `json:"postconditions,omitempty"`
		// InputSchema optionally holds a JSON Schema document validated against
		// Inputs at plan construction.
		InputSchema map[string]any `json:"input_schema,omitempty"`
	}

	// Constraints bound a step's resource envelope.
	Constraints struct {
		// MaxCost caps the attempt cost. Zero means uncapped.
		MaxCost float64 `json:"max_cost,omitempty"`
		// MaxLatencyMS caps observed latency for verification. Zero means uncapped.
		MaxLatencyMS int64 `json:"max_latency_ms,omitempty"`
		// MaxMemoryMB caps sandbox memory. Zero means uncapped.
		MaxMemoryMB int `json:"max_memory_mb,omitempty"`
		// MaxCPUPercent caps sandbox CPU. Zero means uncapped.
		MaxCPUPercent int `json:"max_cpu_percent,omitempty"`
	}

	// Branch is an alternative plan variant produced by the tree-of-thought
	// planner. Branches embed a snapshot of their step list; exactly one branch
	// per plan is active.
	Branch struct {
		// ID is the opaque branch identifier.
		ID string `json:"id" db:"id"`
		// PlanID names the owning plan.
		PlanID string `json:"plan_id" db:"plan_id"`
		// ParentBranchID names the branch this one was expanded from, if any.
		ParentBranchID string `json:"parent_branch_id,omitempty" db:"parent_branch_id"`
		// Score is the composite evaluation score in [0,1].
		Score float64 `json:"score" db:"score"`
		// Rationale lists the expansion strategies that produced the branch.
		Rationale []string `json:"rationale,omitempty" db:"-"`
		// Steps is the embedded step snapshot.
		Steps []Step `json:"steps" db:"-"`
		// Active marks the branch the scheduler executes.
		Active bool `json:"active" db:"active"`
		// CreatedAt is epoch milliseconds.
		CreatedAt int64 `json:"created_at" db:"created_at"`
	}

	// Route is a (backend, tool) pair able to serve a capability.
	Route struct {
		// ID is the opaque route identifier.
		ID string `json:"id" db:"id"`
		// Capability names the action category the route serves.
		Capability string `json:"capability" db:"capability"`
		// ProviderID references the backend peer exposing the tool.
		ProviderID string `json:"provider_id" db:"provider_id"`
		// Tool names the concrete tool on the provider.
		Tool string `json:"tool" db:"tool"`
		// Score is the current posterior mean, or the prior before any pull.
		Score float64 `json:"score" db:"score"`
		// Policy tags the route for policy evaluation.
		Policy string `json:"policy,omitempty" db:"policy"`
		// Healthy gates the route into candidate sets.
		Healthy bool `json:"healthy" db:"healthy"`
		// CostWeight, LatencyWeight, and ReliabilityWeight shape the bandit's
		// scoring penalties and boosts.
		CostWeight        float64 `json:"cost_weight" db:"cost_weight"`
		LatencyWeight     float64 `json:"latency_weight" db:"latency_weight"`
		ReliabilityWeight float64 `json:"reliability_weight" db:"reliability_weight"`
	}

	// Learning is the bandit's per-route posterior and rolling statistics.
	Learning struct {
		// RouteID keys the record.
		RouteID string `json:"route_id" db:"route_id"`
		// Alpha and Beta are the Beta posterior parameters for binary success.
		// Both are at least 1.
		Alpha float64 `json:"alpha" db:"alpha"`
		Beta  float64 `json:"beta" db:"beta"`
		// AvgLatencyMS, AvgCost, and AvgReliability are exponential moving
		// averages over observed outcomes.
		AvgLatencyMS   float64 `json:"avg_latency_ms" db:"avg_latency_ms"`
		AvgCost        float64 `json:"avg_cost" db:"avg_cost"`
		AvgReliability float64 `json:"avg_reliability" db:"avg_reliability"`
		// ConfidenceRadius widens exploration for under-sampled routes.
		ConfidenceRadius float64 `json:"confidence_radius" db:"confidence_radius"`
		// SuccessCount and TotalCount track pulls; success never exceeds total.
		SuccessCount int64 `json:"success_count" db:"success_count"`
		TotalCount   int64 `json:"total_count" db:"total_count"`
		// LastReward is the most recent observed reward.
		LastReward float64 `json:"last_reward" db:"last_reward"`
	}

	// Ticket records one execution attempt of one step over one route.
	Ticket struct {
		// ID is the opaque ticket identifier.
		ID string `json:"id" db:"id"`
		// StepID and RouteID link the attempt to its step and chosen route.
		StepID  string `json:"step_id" db:"step_id"`
		RouteID string `json:"route_id" db:"route_id"`
		// Status is the attempt state.
		Status TicketStatus `json:"status" db:"status"`
		// StartedAt and EndedAt are epoch milliseconds.
		StartedAt int64 `json:"started_at,omitempty" db:"started_at"`
		EndedAt   int64 `json:"ended_at,omitempty" db:"ended_at"`
		// Cost and LatencyMS are the observed attempt cost and latency.
		Cost      float64 `json:"cost" db:"cost"`
		LatencyMS int64   `json:"latency_ms" db:"latency_ms"`
		// Result holds the execution outputs on success.
		Result map[string]any `json:"result,omitempty" db:"-"`
		// Error holds the classified failure message on failure.
		Error string `json:"error,omitempty" db:"error"`
	}

	// Event is one append-only audit record. Every state transition emits
	// exactly one event in the same transaction as the mutation.
	Event struct {
		// Seq is the store-assigned sequence number (commit order).
		Seq int64 `json:"seq" db:"seq"`
		// TS is epoch milliseconds.
		TS int64 `json:"ts" db:"ts"`
		// Actor names the component or worker that caused the transition.
		Actor string `json:"actor" db:"actor"`
		// Type is the event kind, e.g. "step_claimed", "lease_reclaimed".
		Type string `json:"type" db:"type"`
		// Payload is the event body, stored as JSON.
		Payload map[string]any `json:"payload,omitempty" db:"-"`
	}
)

// Terminal reports whether the step status is terminal.
func (s StepStatus) Terminal() bool {
	return s == StepDone || s == StepFailed
}

// Ptr returns a pointer to v, for optional literal fields such as
// Step.RetryCount.
func Ptr[T any](v T) *T { return &v }

// Retries returns the step's retry budget, falling back to the default when
// the field is unset.
func (s *Step) Retries() int {
	if s.RetryCount == nil {
		return DefaultRetryCount
	}
	return *s.RetryCount
}
