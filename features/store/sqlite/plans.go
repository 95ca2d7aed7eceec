package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/loomworks/loom/runtime/fault"
	"github.com/loomworks/loom/runtime/plan"
)

// CreatePlan persists the plan, its steps, and its branches atomically with a
// plan_created event. Step capabilities must already be registered.
func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan, steps []plan.Step, branches []plan.Branch) error {
	return s.withTx(ctx, func(tx *sqlx.Tx, ev *eventAppender) error {
		for i := range steps {
			known, err := knownCapabilityTx(ctx, tx, steps[i].Capability)
			if err != nil {
				return err
			}
			if !known {
				return fault.Validation("capability", "capability %q is not registered", steps[i].Capability)
			}
		}

		contextJSON, err := marshalJSON(p.Context)
		if err != nil {
			return err
		}
		budgetJSON, err := marshalJSON(p.Budget)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO plans (id, goal, context, budget, owner, priority, deadline_at, status, created_at, updated_at)
			VALUES (?, ?, COALESCE(?, '{}'), ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Goal, contextJSON, budgetJSON, p.Owner, p.Priority, p.DeadlineAt, p.Status, p.CreatedAt, p.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert plan: %w", err)
		}

		for i := range steps {
			if err := insertStepTx(ctx, tx, &steps[i]); err != nil {
				return err
			}
		}
		for i := range branches {
			if err := insertBranchTx(ctx, tx, &branches[i]); err != nil {
				return err
			}
		}
		return ev.append(ctx, p.Owner, "plan_created", map[string]any{
			"plan_id": p.ID,
			"steps":   len(steps),
		})
	})
}

func insertStepTx(ctx context.Context, tx *sqlx.Tx, st *plan.Step) error {
	contract, err := marshalJSON(st.Contract)
	if err != nil {
		return err
	}
	constraints, err := marshalJSON(st.Constraints)
	if err != nil {
		return err
	}
	deps, err := marshalJSON(st.Dependencies)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(st.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO steps (id, plan_id, capability, critical, priority, contract, constraints,
			dependencies, parallel_group, timeout_ms, retry_count, status, assignee,
			lease_owner, lease_expires_at, branch, parent_step_id, order_index, metadata,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, COALESCE(?, '{}'), ?, COALESCE(?, '[]'), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.PlanID, st.Capability, st.Critical, st.Priority, contract, constraints,
		deps, st.ParallelGroup, st.TimeoutMS, st.Retries(), st.Status, st.Assignee,
		st.LeaseOwner, st.LeaseExpiresAt, st.Branch, st.ParentStepID, st.OrderIndex, metadata,
		st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert step %s: %w", st.ID, err)
	}
	return nil
}

func insertBranchTx(ctx context.Context, tx *sqlx.Tx, b *plan.Branch) error {
	rationale, err := marshalJSON(b.Rationale)
	if err != nil {
		return err
	}
	steps, err := marshalJSON(b.Steps)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO branches (id, plan_id, parent_branch_id, score, rationale, steps, active, created_at)
		VALUES (?, ?, ?, ?, COALESCE(?, '[]'), COALESCE(?, '[]'), ?, ?)`,
		b.ID, b.PlanID, b.ParentBranchID, b.Score, rationale, steps, b.Active, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert branch %s: %w", b.ID, err)
	}
	return nil
}

type planRow struct {
	ID         string  `db:"id"`
	Goal       string  `db:"goal"`
	Context    *string `db:"context"`
	Budget     *string `db:"budget"`
	Owner      string  `db:"owner"`
	Priority   int     `db:"priority"`
	DeadlineAt int64   `db:"deadline_at"`
	Status     string  `db:"status"`
	CreatedAt  int64   `db:"created_at"`
	UpdatedAt  int64   `db:"updated_at"`
}

func (r planRow) toPlan() (*plan.Plan, error) {
	p := &plan.Plan{
		ID:         r.ID,
		Goal:       r.Goal,
		Owner:      r.Owner,
		Priority:   r.Priority,
		DeadlineAt: r.DeadlineAt,
		Status:     plan.PlanStatus(r.Status),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if err := unmarshalJSON(r.Context, &p.Context); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(r.Budget, &p.Budget); err != nil {
		return nil, err
	}
	return p, nil
}

// GetPlan loads a plan by id.
func (s *Store) GetPlan(ctx context.Context, planID string) (*plan.Plan, error) {
	var row planRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM plans WHERE id = ?`, planID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Errorf(fault.KindValidation, "plan %q not found", planID)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return row.toPlan()
}

// UpdatePlanStatus transitions the plan and appends a plan_<status> event.
func (s *Store) UpdatePlanStatus(ctx context.Context, planID string, status plan.PlanStatus, actor string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx, ev *eventAppender) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE plans SET status = ?, updated_at = ? WHERE id = ?`,
			status, s.now(), planID)
		if err != nil {
			return fmt.Errorf("update plan status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fault.Errorf(fault.KindValidation, "plan %q not found", planID)
		}
		return ev.append(ctx, actor, "plan_"+string(status), map[string]any{"plan_id": planID})
	})
}

type stepRow struct {
	ID             string  `db:"id"`
	PlanID         string  `db:"plan_id"`
	Capability     string  `db:"capability"`
	Critical       bool    `db:"critical"`
	Priority       int     `db:"priority"`
	Contract       *string `db:"contract"`
	Constraints    *string `db:"constraints"`
	Dependencies   *string `db:"dependencies"`
	ParallelGroup  string  `db:"parallel_group"`
	TimeoutMS      int64   `db:"timeout_ms"`
	RetryCount     int     `db:"retry_count"`
	Status         string  `db:"status"`
	Assignee       string  `db:"assignee"`
	LeaseOwner     string  `db:"lease_owner"`
	LeaseExpiresAt int64   `db:"lease_expires_at"`
	Branch         string  `db:"branch"`
	ParentStepID   string  `db:"parent_step_id"`
	OrderIndex     int     `db:"order_index"`
	Metadata       *string `db:"metadata"`
	CreatedAt      int64   `db:"created_at"`
	UpdatedAt      int64   `db:"updated_at"`
}

func (r stepRow) toStep() (*plan.Step, error) {
	st := &plan.Step{
		ID:             r.ID,
		PlanID:         r.PlanID,
		Capability:     r.Capability,
		Critical:       r.Critical,
		Priority:       r.Priority,
		ParallelGroup:  r.ParallelGroup,
		TimeoutMS:      r.TimeoutMS,
		RetryCount:     plan.Ptr(r.RetryCount),
		Status:         plan.StepStatus(r.Status),
		Assignee:       r.Assignee,
		LeaseOwner:     r.LeaseOwner,
		LeaseExpiresAt: r.LeaseExpiresAt,
		Branch:         r.Branch,
		ParentStepID:   r.ParentStepID,
		OrderIndex:     r.OrderIndex,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if err := unmarshalJSON(r.Contract, &st.Contract); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(r.Constraints, &st.Constraints); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(r.Dependencies, &st.Dependencies); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(r.Metadata, &st.Metadata); err != nil {
		return nil, err
	}
	return st, nil
}

// ListSteps returns the plan's steps ordered by order index.
func (s *Store) ListSteps(ctx context.Context, planID string) ([]plan.Step, error) {
	var rows []stepRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM steps WHERE plan_id = ? ORDER BY order_index`, planID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	out := make([]plan.Step, len(rows))
	for i, r := range rows {
		st, err := r.toStep()
		if err != nil {
			return nil, err
		}
		out[i] = *st
	}
	return out, nil
}

// GetStep loads a step by id.
func (s *Store) GetStep(ctx context.Context, stepID string) (*plan.Step, error) {
	var row stepRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM steps WHERE id = ?`, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Errorf(fault.KindValidation, "step %q not found", stepID)
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return row.toStep()
}

// UpdateStepStatus transitions a step and appends a step_<status> event.
// Transitions out of in_progress require the caller to hold the live lease;
// otherwise the mutation is refused with a lease_lost fault. Terminal
// transitions clear the lease.
func (s *Store) UpdateStepStatus(ctx context.Context, stepID string, status plan.StepStatus, actor string, payload map[string]any) error {
	return s.withTx(ctx, func(tx *sqlx.Tx, ev *eventAppender) error {
		var row stepRow
		err := tx.GetContext(ctx, &row, `SELECT * FROM steps WHERE id = ?`, stepID)
		if errors.Is(err, sql.ErrNoRows) {
			return fault.Errorf(fault.KindValidation, "step %q not found", stepID)
		}
		if err != nil {
			return fmt.Errorf("get step: %w", err)
		}
		if plan.StepStatus(row.Status) == plan.StepInProgress {
			now := s.now()
			if row.LeaseOwner != actor || row.LeaseExpiresAt <= now {
				return fault.Errorf(fault.KindLeaseLost,
					"step %q lease not held by %q", stepID, actor)
			}
		}

		query := `UPDATE steps SET status = ?, updated_at = ? WHERE id = ?`
		if status.Terminal() {
			query = `UPDATE steps SET status = ?, updated_at = ?, lease_owner = '', lease_expires_at = 0 WHERE id = ?`
		}
		if _, err := tx.ExecContext(ctx, query, status, s.now(), stepID); err != nil {
			return fmt.Errorf("update step status: %w", err)
		}

		body := map[string]any{"step_id": stepID}
		for k, v := range payload {
			body[k] = v
		}
		return ev.append(ctx, actor, "step_"+string(status), body)
	})
}

// ActiveBranch returns the plan's single active branch.
func (s *Store) ActiveBranch(ctx context.Context, planID string) (*plan.Branch, error) {
	var row branchRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM branches WHERE plan_id = ? AND active = 1`, planID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Errorf(fault.KindValidation, "plan %q has no active branch", planID)
	}
	if err != nil {
		return nil, fmt.Errorf("active branch: %w", err)
	}
	return row.toBranch()
}

type branchRow struct {
	ID             string  `db:"id"`
	PlanID         string  `db:"plan_id"`
	ParentBranchID string  `db:"parent_branch_id"`
	Score          float64 `db:"score"`
	Rationale      *string `db:"rationale"`
	Steps          *string `db:"steps"`
	Active         bool    `db:"active"`
	CreatedAt      int64   `db:"created_at"`
}

func (r branchRow) toBranch() (*plan.Branch, error) {
	b := &plan.Branch{
		ID:             r.ID,
		PlanID:         r.PlanID,
		ParentBranchID: r.ParentBranchID,
		Score:          r.Score,
		Active:         r.Active,
		CreatedAt:      r.CreatedAt,
	}
	if err := unmarshalJSON(r.Rationale, &b.Rationale); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(r.Steps, &b.Steps); err != nil {
		return nil, err
	}
	return b, nil
}

// AcquireLease atomically claims the step for owner until now+ttlMS and flips
// it to in_progress, appending a step_claimed event. Returns false when the
// step is not claimable.
func (s *Store) AcquireLease(ctx context.Context, stepID, owner string, ttlMS int64) (bool, error) {
	claimed := false
	err := s.withTx(ctx, func(tx *sqlx.Tx, ev *eventAppender) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, `
			UPDATE steps
			SET lease_owner = ?, lease_expires_at = ?, status = ?, updated_at = ?
			WHERE id = ? AND status = ? AND (lease_owner = '' OR lease_expires_at <= ?)`,
			owner, now+ttlMS, plan.StepInProgress, now,
			stepID, plan.StepTodo, now)
		if err != nil {
			return fmt.Errorf("acquire lease: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil
		}
		claimed = true
		return ev.append(ctx, owner, "step_claimed", map[string]any{
			"step_id":    stepID,
			"expires_at": now + ttlMS,
		})
	})
	return claimed, err
}

// ReleaseLease clears the owner's lease without changing status.
func (s *Store) ReleaseLease(ctx context.Context, stepID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE steps SET lease_owner = '', lease_expires_at = 0, updated_at = ?
		WHERE id = ? AND lease_owner = ?`,
		s.now(), stepID, owner)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// ReclaimExpiredLeases resets steps with expired leases to todo, one
// lease_reclaimed event each, and returns their ids.
func (s *Store) ReclaimExpiredLeases(ctx context.Context, actor string) ([]string, error) {
	var reclaimed []string
	err := s.withTx(ctx, func(tx *sqlx.Tx, ev *eventAppender) error {
		now := s.now()
		var ids []string
		err := tx.SelectContext(ctx, &ids, `
			SELECT id FROM steps
			WHERE lease_owner != '' AND lease_expires_at <= ? AND status = ?`,
			now, plan.StepInProgress)
		if err != nil {
			return fmt.Errorf("find expired leases: %w", err)
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE steps SET lease_owner = '', lease_expires_at = 0, status = ?, updated_at = ?
				WHERE id = ?`,
				plan.StepTodo, now, id); err != nil {
				return fmt.Errorf("reclaim lease %s: %w", id, err)
			}
			if err := ev.append(ctx, actor, "lease_reclaimed", map[string]any{"step_id": id}); err != nil {
				return err
			}
		}
		reclaimed = ids
		return nil
	})
	return reclaimed, err
}
