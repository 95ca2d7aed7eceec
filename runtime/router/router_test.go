package router

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/fault"
	"github.com/loomworks/loom/runtime/plan"
	"github.com/loomworks/loom/runtime/policy"
)

// memRoutes is an in-memory Routes double for router tests.
type memRoutes struct {
	routes   map[string][]plan.Route
	learning map[string]*plan.Learning
}

func newMemRoutes() *memRoutes {
	return &memRoutes{
		routes:   make(map[string][]plan.Route),
		learning: make(map[string]*plan.Learning),
	}
}

func (m *memRoutes) UpsertRoute(_ context.Context, r *plan.Route) error {
	m.routes[r.Capability] = append(m.routes[r.Capability], *r)
	return nil
}

func (m *memRoutes) ListRoutes(_ context.Context, capability string, healthyOnly bool) ([]plan.Route, error) {
	var out []plan.Route
	for _, r := range m.routes[capability] {
		if healthyOnly && !r.Healthy {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *memRoutes) SetRouteHealth(_ context.Context, routeID string, healthy bool, _ string) error {
	for capability, routes := range m.routes {
		for i := range routes {
			if routes[i].ID == routeID {
				routes[i].Healthy = healthy
			}
		}
		m.routes[capability] = routes
	}
	return nil
}

func (m *memRoutes) RegisterCapability(context.Context, string, string) error { return nil }

func (m *memRoutes) KnownCapability(context.Context, string) (bool, error) { return true, nil }

func (m *memRoutes) GetLearning(_ context.Context, routeID string, alphaPrior, betaPrior float64) (*plan.Learning, error) {
	l, ok := m.learning[routeID]
	if !ok {
		if alphaPrior < 1 {
			alphaPrior = 1
		}
		if betaPrior < 1 {
			betaPrior = 1
		}
		l = &plan.Learning{RouteID: routeID, Alpha: alphaPrior, Beta: betaPrior}
		m.learning[routeID] = l
	}
	cp := *l
	return &cp, nil
}

func (m *memRoutes) ListLearning(_ context.Context, capability string) ([]plan.Learning, error) {
	var out []plan.Learning
	for _, r := range m.routes[capability] {
		l, _ := m.GetLearning(context.Background(), r.ID, 1, 1)
		out = append(out, *l)
	}
	return out, nil
}

// reward mimics the store-side posterior update for test rounds.
func (m *memRoutes) reward(routeID string, success bool, latencyMS, cost float64) {
	l := m.learning[routeID]
	if success {
		l.Alpha++
		l.SuccessCount++
	} else {
		l.Beta++
	}
	l.TotalCount++
	const smoothing = 0.2
	l.AvgLatencyMS = l.AvgLatencyMS*(1-smoothing) + latencyMS*smoothing
	l.AvgCost = l.AvgCost*(1-smoothing) + cost*smoothing
}

func route(id, capability, provider string, costW float64) *plan.Route {
	return &plan.Route{
		ID:                id,
		Capability:        capability,
		ProviderID:        provider,
		Tool:              "tool",
		Healthy:           true,
		CostWeight:        costW,
		LatencyWeight:     0.2,
		ReliabilityWeight: 0.2,
	}
}

func TestPickFailsWithoutRoutes(t *testing.T) {
	r := New(newMemRoutes(), policy.New(policy.Definition{}, nil), Config{})
	_, _, err := r.Pick(context.Background(), "analysis.perform", policy.Context{}, CostMid, 0)
	require.Error(t, err)
	assert.Equal(t, fault.KindNoRoute, fault.KindOf(err))
}

func TestPickDropsPolicyDeniedRoutes(t *testing.T) {
	mem := newMemRoutes()
	require.NoError(t, mem.UpsertRoute(context.Background(), route("r1", "web.fetch", "prov-a", 0.5)))

	engine := policy.New(policy.Definition{Deny: []string{`web.fetch IF environment == "prod"`}}, nil)
	r := New(mem, engine, Config{})

	_, _, err := r.Pick(context.Background(), "web.fetch", policy.Context{Environment: "prod"}, CostMid, 0)
	require.Error(t, err)
	assert.Equal(t, fault.KindPolicyDenied, fault.KindOf(err))

	picked, _, err := r.Pick(context.Background(), "web.fetch", policy.Context{Environment: "dev"}, CostMid, 0)
	require.NoError(t, err)
	assert.Equal(t, "r1", picked.ID)
}

func TestBanditPrefersCheapRoute(t *testing.T) {
	mem := newMemRoutes()
	ctx := context.Background()
	require.NoError(t, mem.UpsertRoute(ctx, route("cheap", "analysis.perform", "prov-a", 1)))
	require.NoError(t, mem.UpsertRoute(ctx, route("pricey", "analysis.perform", "prov-b", 1)))

	r := New(mem, policy.New(policy.Definition{}, nil), Config{Explore: 0.1},
		WithRand(rand.New(rand.NewSource(42))))

	cheapPicks := 0
	for round := 0; round < 100; round++ {
		picked, _, err := r.Pick(ctx, "analysis.perform", policy.Context{}, CostMid, 0)
		require.NoError(t, err)
		cost := 1.0
		if picked.ID == "pricey" {
			cost = 10
		} else {
			cheapPicks++
		}
		mem.reward(picked.ID, true, 100, cost)
		r.Observe(ctx, picked, true)
	}
	assert.GreaterOrEqual(t, cheapPicks, 80, "cheap route dominates under exploration")

	// Both routes stayed reliable, so posterior means converge.
	lc, _ := mem.GetLearning(ctx, "cheap", 1, 1)
	lp, _ := mem.GetLearning(ctx, "pricey", 1, 1)
	meanCheap := lc.Alpha / (lc.Alpha + lc.Beta)
	meanPricey := lp.Alpha / (lp.Alpha + lp.Beta)
	assert.InDelta(t, meanCheap, meanPricey, 0.1)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	mem := newMemRoutes()
	ctx := context.Background()
	rt := route("r1", "web.fetch", "prov-a", 1)
	require.NoError(t, mem.UpsertRoute(ctx, rt))

	r := New(mem, policy.New(policy.Definition{}, nil), Config{})
	for i := 0; i < 5; i++ {
		r.Observe(ctx, rt, false)
	}
	assert.True(t, r.ProviderOpen("prov-a"))

	_, _, err := r.Pick(ctx, "web.fetch", policy.Context{}, CostMid, 0)
	require.Error(t, err)
	assert.Equal(t, fault.KindNoRoute, fault.KindOf(err))
}

func TestPickReturnsRequireObligations(t *testing.T) {
	mem := newMemRoutes()
	ctx := context.Background()
	require.NoError(t, mem.UpsertRoute(ctx, route("r1", "work.execute", "prov-a", 0.5)))

	engine := policy.New(policy.Definition{Require: []string{
		"attestation level >= SLSA2 FOR work.execute",
	}}, nil)
	r := New(mem, engine, Config{})

	picked, obligations, err := r.Pick(ctx, "work.execute", policy.Context{}, CostMid, 0)
	require.NoError(t, err)
	assert.Equal(t, "r1", picked.ID)
	require.Len(t, obligations, 1)
	assert.Equal(t, "attestation level >= SLSA2", obligations[0].Text)
	assert.Equal(t, "work.execute", obligations[0].Capability)

	// Obligations scoped to another capability do not attach.
	require.NoError(t, mem.UpsertRoute(ctx, route("r2", "report.generate", "prov-a", 0.5)))
	_, obligations, err = r.Pick(ctx, "report.generate", policy.Context{}, CostMid, 0)
	require.NoError(t, err)
	assert.Empty(t, obligations)
}

func TestConfiguredPriorsSeedFreshPosteriors(t *testing.T) {
	mem := newMemRoutes()
	ctx := context.Background()
	require.NoError(t, mem.UpsertRoute(ctx, route("r1", "analysis.perform", "prov-a", 0.5)))

	r := New(mem, policy.New(policy.Definition{}, nil), Config{AlphaPrior: 3, BetaPrior: 2})
	_, _, err := r.Pick(ctx, "analysis.perform", policy.Context{}, CostMid, 0)
	require.NoError(t, err)

	l, err := mem.GetLearning(ctx, "r1", 3, 2)
	require.NoError(t, err)
	assert.Equal(t, 3.0, l.Alpha)
	assert.Equal(t, 2.0, l.Beta)
}

func TestTieBreakByCostThenID(t *testing.T) {
	cands := []candidate{
		{route: plan.Route{ID: "b"}, learning: plan.Learning{AvgCost: 2}, score: 1},
		{route: plan.Route{ID: "a"}, learning: plan.Learning{AvgCost: 2}, score: 1},
		{route: plan.Route{ID: "c"}, learning: plan.Learning{AvgCost: 1}, score: 1},
	}
	r := New(newMemRoutes(), policy.New(policy.Definition{}, nil), Config{Explore: 0.0001},
		WithRand(rand.New(rand.NewSource(1))))
	picked := r.choose(cands)
	assert.Equal(t, "c", picked.ID, "lower cost wins the tie")
}
