package sqlite

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/loomworks/loom/runtime/plan"
	"github.com/loomworks/loom/runtime/store"
)

// SaveAttestation records a signed envelope for a step, keyed by subject
// digest, with an attestation_recorded event. Re-recording the same digest is
// a no-op.
func (s *Store) SaveAttestation(ctx context.Context, stepID, digest string, envelope []byte) error {
	return s.withTx(ctx, func(tx *sqlx.Tx, ev *eventAppender) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO attestations (step_id, digest, envelope, created_at)
			VALUES (?, ?, ?, ?)`,
			stepID, digest, envelope, s.now())
		if err != nil {
			return fmt.Errorf("save attestation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return ev.append(ctx, "", "attestation_recorded", map[string]any{
			"step_id": stepID,
			"digest":  digest,
		})
	})
}

// ListAttestations returns the envelopes recorded for a step, oldest first.
func (s *Store) ListAttestations(ctx context.Context, stepID string) ([][]byte, error) {
	var out [][]byte
	err := s.db.SelectContext(ctx, &out,
		`SELECT envelope FROM attestations WHERE step_id = ? ORDER BY id`, stepID)
	if err != nil {
		return nil, fmt.Errorf("list attestations: %w", err)
	}
	return out, nil
}

// MetricsDashboard joins learning records onto their routes.
func (s *Store) MetricsDashboard(ctx context.Context) ([]store.RouteMetrics, error) {
	return s.routeMetrics(ctx, `
		SELECT r.id FROM routes r
		JOIN learning l ON l.route_id = r.id
		ORDER BY r.id`)
}

// RouteHealth lists every route with its learning record, initializing
// missing learning rows with priors.
func (s *Store) RouteHealth(ctx context.Context) ([]store.RouteMetrics, error) {
	return s.routeMetrics(ctx, `SELECT id FROM routes ORDER BY id`)
}

func (s *Store) routeMetrics(ctx context.Context, idQuery string) ([]store.RouteMetrics, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, idQuery); err != nil {
		return nil, fmt.Errorf("route metrics: %w", err)
	}
	out := make([]store.RouteMetrics, 0, len(ids))
	for _, id := range ids {
		var r plan.Route
		if err := s.db.GetContext(ctx, &r, `SELECT * FROM routes WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("route metrics: %w", err)
		}
		l, err := s.GetLearning(ctx, id, 1, 1)
		if err != nil {
			return nil, err
		}
		out = append(out, store.RouteMetrics{Route: r, Learning: *l})
	}
	return out, nil
}

// ActivePlans lists active plans with step and completion counts.
func (s *Store) ActivePlans(ctx context.Context) ([]store.PlanSummary, error) {
	var rows []struct {
		planRow
		StepCount int `db:"step_count"`
		DoneCount int `db:"done_count"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT p.*,
			(SELECT COUNT(*) FROM steps st WHERE st.plan_id = p.id) AS step_count,
			(SELECT COUNT(*) FROM steps st WHERE st.plan_id = p.id AND st.status = 'done') AS done_count
		FROM plans p
		WHERE p.status = 'active'
		ORDER BY p.priority DESC, p.created_at`)
	if err != nil {
		return nil, fmt.Errorf("active plans: %w", err)
	}
	out := make([]store.PlanSummary, 0, len(rows))
	for _, r := range rows {
		p, err := r.toPlan()
		if err != nil {
			return nil, err
		}
		out = append(out, store.PlanSummary{Plan: *p, StepCount: r.StepCount, DoneCount: r.DoneCount})
	}
	return out, nil
}
