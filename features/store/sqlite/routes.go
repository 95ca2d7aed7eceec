package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/jmoiron/sqlx"

	"github.com/loomworks/loom/runtime/fault"
	"github.com/loomworks/loom/runtime/plan"
)

// rewardSmoothing is the EMA factor for the rolling latency/cost/reliability
// averages.
const rewardSmoothing = 0.2

// confidenceFloor bounds the per-route confidence radius decay.
const confidenceFloor = 0.1

// UpsertRoute inserts or updates a route.
func (s *Store) UpsertRoute(ctx context.Context, r *plan.Route) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routes (id, capability, provider_id, tool, score, policy, healthy,
			cost_weight, latency_weight, reliability_weight)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			capability = excluded.capability,
			provider_id = excluded.provider_id,
			tool = excluded.tool,
			score = excluded.score,
			policy = excluded.policy,
			healthy = excluded.healthy,
			cost_weight = excluded.cost_weight,
			latency_weight = excluded.latency_weight,
			reliability_weight = excluded.reliability_weight`,
		r.ID, r.Capability, r.ProviderID, r.Tool, r.Score, r.Policy, r.Healthy,
		r.CostWeight, r.LatencyWeight, r.ReliabilityWeight)
	if err != nil {
		return fmt.Errorf("upsert route: %w", err)
	}
	return nil
}

// ListRoutes returns routes for the capability.
func (s *Store) ListRoutes(ctx context.Context, capability string, healthyOnly bool) ([]plan.Route, error) {
	query := `SELECT * FROM routes WHERE capability = ? ORDER BY id`
	if healthyOnly {
		query = `SELECT * FROM routes WHERE capability = ? AND healthy = 1 ORDER BY id`
	}
	var out []plan.Route
	if err := s.db.SelectContext(ctx, &out, query, capability); err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	return out, nil
}

// SetRouteHealth flips a route's health flag with a route_health_changed event.
func (s *Store) SetRouteHealth(ctx context.Context, routeID string, healthy bool, actor string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx, ev *eventAppender) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE routes SET healthy = ? WHERE id = ?`, healthy, routeID)
		if err != nil {
			return fmt.Errorf("set route health: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fault.Errorf(fault.KindValidation, "route %q not found", routeID)
		}
		return ev.append(ctx, actor, "route_health_changed", map[string]any{
			"route_id": routeID,
			"healthy":  healthy,
		})
	})
}

// RegisterCapability records a known capability name.
func (s *Store) RegisterCapability(ctx context.Context, name, description string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capabilities (name, description) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET description = excluded.description`,
		name, description)
	if err != nil {
		return fmt.Errorf("register capability: %w", err)
	}
	return nil
}

// KnownCapability reports whether the capability is registered.
func (s *Store) KnownCapability(ctx context.Context, name string) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM capabilities WHERE name = ?`, name); err != nil {
		return false, fmt.Errorf("known capability: %w", err)
	}
	return count > 0, nil
}

func knownCapabilityTx(ctx context.Context, tx *sqlx.Tx, name string) (bool, error) {
	var count int
	if err := tx.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM capabilities WHERE name = ?`, name); err != nil {
		return false, fmt.Errorf("known capability: %w", err)
	}
	return count > 0, nil
}

// GetLearning loads the route's learning record, seeding a fresh posterior
// from the given priors when absent. Priors below 1 clamp to 1.
func (s *Store) GetLearning(ctx context.Context, routeID string, alphaPrior, betaPrior float64) (*plan.Learning, error) {
	if alphaPrior < 1 {
		alphaPrior = 1
	}
	if betaPrior < 1 {
		betaPrior = 1
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO learning (route_id, alpha, beta) VALUES (?, ?, ?)`,
		routeID, alphaPrior, betaPrior); err != nil {
		return nil, fmt.Errorf("init learning: %w", err)
	}
	var l plan.Learning
	if err := s.db.GetContext(ctx, &l,
		`SELECT * FROM learning WHERE route_id = ?`, routeID); err != nil {
		return nil, fmt.Errorf("get learning: %w", err)
	}
	return &l, nil
}

// ListLearning loads learning records for all routes of a capability.
func (s *Store) ListLearning(ctx context.Context, capability string) ([]plan.Learning, error) {
	var out []plan.Learning
	err := s.db.SelectContext(ctx, &out, `
		SELECT l.* FROM learning l
		JOIN routes r ON r.id = l.route_id
		WHERE r.capability = ? ORDER BY l.route_id`, capability)
	if err != nil {
		return nil, fmt.Errorf("list learning: %w", err)
	}
	return out, nil
}

// CreateTicket persists a pending ticket with a ticket_created event.
func (s *Store) CreateTicket(ctx context.Context, t *plan.Ticket) error {
	return s.withTx(ctx, func(tx *sqlx.Tx, ev *eventAppender) error {
		result, err := marshalJSON(t.Result)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tickets (id, step_id, route_id, status, started_at, ended_at, cost, latency_ms, result, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.StepID, t.RouteID, t.Status, t.StartedAt, t.EndedAt, t.Cost, t.LatencyMS, result, t.Error,
		); err != nil {
			return fmt.Errorf("insert ticket: %w", err)
		}
		return ev.append(ctx, "", "ticket_created", map[string]any{
			"ticket_id": t.ID,
			"step_id":   t.StepID,
			"route_id":  t.RouteID,
		})
	})
}

// StartTicket marks the ticket running.
func (s *Store) StartTicket(ctx context.Context, ticketID string, startedAt int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tickets SET status = ?, started_at = ? WHERE id = ?`,
		plan.TicketRunning, startedAt, ticketID)
	if err != nil {
		return fmt.Errorf("start ticket: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Errorf(fault.KindValidation, "ticket %q not found", ticketID)
	}
	return nil
}

// CompleteTicket finalizes the ticket and applies the bandit reward to the
// route's learning record in the same transaction. The posterior update
// increments alpha on success and beta on failure; the rolling averages use
// an EMA with factor 0.2; the confidence radius decays as 1/sqrt(n) toward
// its floor.
func (s *Store) CompleteTicket(ctx context.Context, t *plan.Ticket, success bool) error {
	switch t.Status {
	case plan.TicketCompleted, plan.TicketFailed, plan.TicketTimeout:
	default:
		return fault.Validation("status", "ticket completion status must be terminal, got %q", t.Status)
	}
	return s.withTx(ctx, func(tx *sqlx.Tx, ev *eventAppender) error {
		result, err := marshalJSON(t.Result)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tickets SET status = ?, ended_at = ?, cost = ?, latency_ms = ?, result = ?, error = ?
			WHERE id = ?`,
			t.Status, t.EndedAt, t.Cost, t.LatencyMS, result, t.Error, t.ID)
		if err != nil {
			return fmt.Errorf("complete ticket: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fault.Errorf(fault.KindValidation, "ticket %q not found", t.ID)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO learning (route_id) VALUES (?)`, t.RouteID); err != nil {
			return fmt.Errorf("init learning: %w", err)
		}
		var l plan.Learning
		if err := tx.GetContext(ctx, &l,
			`SELECT * FROM learning WHERE route_id = ?`, t.RouteID); err != nil {
			return fmt.Errorf("load learning: %w", err)
		}

		reward := 0.0
		if success {
			l.Alpha++
			l.SuccessCount++
			reward = 1
		} else {
			l.Beta++
		}
		l.TotalCount++
		l.LastReward = reward
		l.AvgLatencyMS = ema(l.AvgLatencyMS, float64(t.LatencyMS))
		l.AvgCost = ema(l.AvgCost, t.Cost)
		l.AvgReliability = ema(l.AvgReliability, reward)
		l.ConfidenceRadius = math.Max(confidenceFloor, 1/math.Sqrt(float64(l.TotalCount)+1))

		if _, err := tx.ExecContext(ctx, `
			UPDATE learning SET alpha = ?, beta = ?, avg_latency_ms = ?, avg_cost = ?,
				avg_reliability = ?, confidence_radius = ?, success_count = ?,
				total_count = ?, last_reward = ?
			WHERE route_id = ?`,
			l.Alpha, l.Beta, l.AvgLatencyMS, l.AvgCost,
			l.AvgReliability, l.ConfidenceRadius, l.SuccessCount,
			l.TotalCount, l.LastReward, t.RouteID,
		); err != nil {
			return fmt.Errorf("apply reward: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE routes SET score = ? WHERE id = ?`,
			l.Alpha/(l.Alpha+l.Beta), t.RouteID); err != nil {
			return fmt.Errorf("update route score: %w", err)
		}

		return ev.append(ctx, "", "ticket_"+string(t.Status), map[string]any{
			"ticket_id": t.ID,
			"step_id":   t.StepID,
			"route_id":  t.RouteID,
			"reward":    reward,
		})
	})
}

// GetTicket loads a ticket by id.
func (s *Store) GetTicket(ctx context.Context, ticketID string) (*plan.Ticket, error) {
	var row ticketRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tickets WHERE id = ?`, ticketID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Errorf(fault.KindValidation, "ticket %q not found", ticketID)
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return row.toTicket()
}

type ticketRow struct {
	ID        string  `db:"id"`
	StepID    string  `db:"step_id"`
	RouteID   string  `db:"route_id"`
	Status    string  `db:"status"`
	StartedAt int64   `db:"started_at"`
	EndedAt   int64   `db:"ended_at"`
	Cost      float64 `db:"cost"`
	LatencyMS int64   `db:"latency_ms"`
	Result    *string `db:"result"`
	Error     string  `db:"error"`
}

func (r ticketRow) toTicket() (*plan.Ticket, error) {
	t := &plan.Ticket{
		ID:        r.ID,
		StepID:    r.StepID,
		RouteID:   r.RouteID,
		Status:    plan.TicketStatus(r.Status),
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		Cost:      r.Cost,
		LatencyMS: r.LatencyMS,
		Error:     r.Error,
	}
	if err := unmarshalJSON(r.Result, &t.Result); err != nil {
		return nil, err
	}
	return t, nil
}

func ema(prev, sample float64) float64 {
	return prev*(1-rewardSmoothing) + sample*rewardSmoothing
}
