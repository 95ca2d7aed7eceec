// Package store defines the persistence contracts of the orchestration core.
// The state store owns every durable entity; planners and the scheduler hold
// only transient views. Implementations must make each mutation transactional
// with its audit event: the mutation and the event commit together or not at
// all. The sqlite implementation lives in features/store/sqlite.
package store

import (
	"context"

	"github.com/loomworks/loom/runtime/plan"
)

type (
	// PlanStore persists plans, their steps, and their branches.
	PlanStore interface {
		// CreatePlan persists the plan with its steps and branches atomically
		// and appends a plan_created event. Capabilities referenced by steps
		// must already be registered.
		CreatePlan(ctx context.Context, p *plan.Plan, steps []plan.Step, branches []plan.Branch) error

		// GetPlan loads a plan by id.
		GetPlan(ctx context.Context, planID string) (*plan.Plan, error)

		// UpdatePlanStatus transitions the plan and appends a plan_<status> event.
		UpdatePlanStatus(ctx context.Context, planID string, status plan.PlanStatus, actor string) error

		// ListSteps returns the plan's steps ordered by order index.
		ListSteps(ctx context.Context, planID string) ([]plan.Step, error)

		// GetStep loads a step by id.
		GetStep(ctx context.Context, stepID string) (*plan.Step, error)

		// UpdateStepStatus transitions a step and appends the matching event.
		// Transitions out of in_progress require the caller to hold the lease;
		// a lost lease yields a fault.KindLeaseLost error and no mutation.
		UpdateStepStatus(ctx context.Context, stepID string, status plan.StepStatus, actor string, payload map[string]any) error

		// ActiveBranch returns the plan's single active branch.
		ActiveBranch(ctx context.Context, planID string) (*plan.Branch, error)
	}

	// LeaseStore implements the time-bounded exclusive step claims.
	LeaseStore interface {
		// AcquireLease atomically claims the step for owner until now+ttlMS
		// and flips it to in_progress, appending a step_claimed event. Returns
		// false when another live lease exists.
		AcquireLease(ctx context.Context, stepID, owner string, ttlMS int64) (bool, error)

		// ReleaseLease clears the owner's lease without changing status.
		ReleaseLease(ctx context.Context, stepID, owner string) error

		// ReclaimExpiredLeases resets steps with expired leases to todo,
		// appending one lease_reclaimed event each, and returns their ids.
		ReclaimExpiredLeases(ctx context.Context, actor string) ([]string, error)
	}

	// RouteStore persists routes and the capability registry.
	RouteStore interface {
		// UpsertRoute inserts or updates a route.
		UpsertRoute(ctx context.Context, r *plan.Route) error

		// ListRoutes returns routes for the capability; healthyOnly filters on
		// the health flag.
		ListRoutes(ctx context.Context, capability string, healthyOnly bool) ([]plan.Route, error)

		// SetRouteHealth flips a route's health flag and appends a
		// route_health_changed event.
		SetRouteHealth(ctx context.Context, routeID string, healthy bool, actor string) error

		// RegisterCapability records a known capability name.
		RegisterCapability(ctx context.Context, name, description string) error

		// KnownCapability reports whether the capability is registered.
		KnownCapability(ctx context.Context, name string) (bool, error)
	}

	// LearningStore persists the bandit posterior. Reward application is
	// serialized per route by the implementation.
	LearningStore interface {
		// GetLearning loads the learning record, seeding a fresh posterior from
		// the given priors when absent. Priors below 1 are clamped to 1.
		GetLearning(ctx context.Context, routeID string, alphaPrior, betaPrior float64) (*plan.Learning, error)

		// ListLearning loads learning records for all routes of a capability.
		ListLearning(ctx context.Context, capability string) ([]plan.Learning, error)
	}

	// TicketStore persists execution attempts. Completing a ticket applies
	// the reward to the route posterior in the same transaction.
	TicketStore interface {
		// CreateTicket persists a pending ticket and appends ticket_created.
		CreateTicket(ctx context.Context, t *plan.Ticket) error

		// StartTicket marks the ticket running.
		StartTicket(ctx context.Context, ticketID string, startedAt int64) error

		// CompleteTicket finalizes the ticket and atomically applies the
		// reward update (alpha/beta increment, rolling averages) to the
		// route's learning record. Status must be completed, failed, or
		// timeout.
		CompleteTicket(ctx context.Context, t *plan.Ticket, success bool) error
	}

	// AttestationStore persists provenance attestations.
	AttestationStore interface {
		// SaveAttestation records the signed envelope for a step, keyed by
		// subject digest, and appends attestation_recorded.
		SaveAttestation(ctx context.Context, stepID, digest string, envelope []byte) error

		// ListAttestations returns the envelopes recorded for a step.
		ListAttestations(ctx context.Context, stepID string) ([][]byte, error)
	}

	// EventLog exposes the append-only audit trail.
	EventLog interface {
		// AppendEvent appends a standalone event (outside another mutation).
		AppendEvent(ctx context.Context, actor, typ string, payload map[string]any) error

		// RecentEvents returns up to limit most recent events, oldest first.
		RecentEvents(ctx context.Context, limit int) ([]plan.Event, error)
	}

	// Dashboards exposes the read models served to operators.
	Dashboards interface {
		// MetricsDashboard joins learning records onto their routes.
		MetricsDashboard(ctx context.Context) ([]RouteMetrics, error)

		// ActivePlans lists active plans with step and completion counts.
		ActivePlans(ctx context.Context) ([]PlanSummary, error)

		// RouteHealth lists all routes with aggregated learning.
		RouteHealth(ctx context.Context) ([]RouteMetrics, error)
	}

	// Store is the full persistence surface owned by the coordinator.
	Store interface {
		PlanStore
		LeaseStore
		RouteStore
		LearningStore
		TicketStore
		AttestationStore
		EventLog
		Dashboards
	}

	// RouteMetrics is one joined learning × route row.
	RouteMetrics struct {
		Route    plan.Route    `json:"route"`
		Learning plan.Learning `json:"learning"`
	}

	// PlanSummary is one active-plan row with progress counts.
	PlanSummary struct {
		Plan      plan.Plan `json:"plan"`
		StepCount int       `json:"step_count"`
		DoneCount int       `json:"done_count"`
	}

	// EventSink receives a copy of every appended event for fan-out (e.g. the
	// redis stream feature). Sinks must not block the append path; failures
	// are logged, never propagated into the transaction.
	EventSink interface {
		Send(ctx context.Context, event plan.Event) error
	}
)
