// Package router selects a concrete execution route for each step from the
// population of candidate backends serving its capability. Selection is a
// contextual bandit: an upper-confidence score over the per-route Beta
// posterior, penalized by normalized cost and latency and boosted by
// reliability, with epsilon-greedy exploration over the top candidates.
// Per-provider circuit breakers remove unhealthy backends from the candidate
// set while open.
package router

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/loomworks/loom/runtime/fault"
	"github.com/loomworks/loom/runtime/plan"
	"github.com/loomworks/loom/runtime/policy"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/telemetry"
)

// CostClass expresses the caller's cost tolerance for a pick.
type CostClass string

const (
	// CostHigh tolerates expensive routes (cost penalty halved).
	CostHigh CostClass = "high"
	// CostMid applies the route's cost weight unchanged.
	CostMid CostClass = "mid"
	// CostLow doubles the cost penalty, strongly preferring cheap routes.
	CostLow CostClass = "low"
)

const (
	// DefaultExplore is the exploration probability.
	DefaultExplore = 0.1
	// DefaultKappa is the confidence radius width.
	DefaultKappa = 1.0
	// exploreTopK bounds the uniform exploration pool.
	exploreTopK = 3

	breakerFailureThreshold = 5
	breakerWindow           = 30 * time.Second
)

type (
	// Config tunes the bandit.
	Config struct {
		// Explore is the probability of picking uniformly from the top
		// candidates instead of the argmax. Defaults to 0.1.
		Explore float64 `json:"explore" yaml:"explore"`
		// Kappa scales the confidence radius. Defaults to 1.0.
		Kappa float64 `json:"confidence_width" yaml:"confidence_width"`
		// AlphaPrior and BetaPrior seed fresh posteriors. Default 1.
		AlphaPrior float64 `json:"alpha" yaml:"alpha"`
		BetaPrior  float64 `json:"beta" yaml:"beta"`
	}

	// Routes is the store surface the router reads.
	Routes interface {
		store.RouteStore
		store.LearningStore
	}

	// Router picks routes and tracks per-provider health.
	Router struct {
		routes   Routes
		policies *policy.Engine
		cfg      Config
		rngMu    sync.Mutex
		rng      *rand.Rand
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		breakers breakerSet
	}

	// Option customizes the router.
	Option func(*Router)

	candidate struct {
		route    plan.Route
		learning plan.Learning
		score    float64
	}
)

// WithRand injects the exploration random source (tests pass a seeded one).
func WithRand(rng *rand.Rand) Option {
	return func(r *Router) { r.rng = rng }
}

// WithTelemetry wires the logger and metrics recorder.
func WithTelemetry(logger telemetry.Logger, metrics telemetry.Metrics) Option {
	return func(r *Router) {
		r.logger = logger
		r.metrics = metrics
	}
}

// New constructs a router over the given stores and policy engine.
func New(routes Routes, policies *policy.Engine, cfg Config, opts ...Option) *Router {
	if cfg.Explore <= 0 {
		cfg.Explore = DefaultExplore
	}
	if cfg.Kappa <= 0 {
		cfg.Kappa = DefaultKappa
	}
	if cfg.AlphaPrior < 1 {
		cfg.AlphaPrior = 1
	}
	if cfg.BetaPrior < 1 {
		cfg.BetaPrior = 1
	}
	r := &Router{
		routes:   routes,
		policies: policies,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:   telemetry.NopLogger(),
		metrics:  telemetry.NopMetrics(),
		breakers: newBreakerSet(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pick selects a route for the capability. Healthy routes are gathered,
// providers with an open breaker dropped, the rest policy-gated, then scored.
// The chosen route's policy obligations are returned alongside it so the
// scheduler can satisfy them before marking the step done. Returns a no-route
// fault when no healthy candidate exists and a policy-denied fault when
// candidates exist but policy rejects them all.
func (r *Router) Pick(ctx context.Context, capability string, pctx policy.Context, class CostClass, budgetMS int64) (*plan.Route, []policy.Obligation, error) {
	routes, err := r.routes.ListRoutes(ctx, capability, true)
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindInternal, "list routes", err)
	}
	live := routes[:0:0]
	for _, rt := range routes {
		if r.breakers.open(rt.ProviderID) {
			continue
		}
		live = append(live, rt)
	}
	if len(live) == 0 {
		return nil, nil, fault.Errorf(fault.KindNoRoute, "no healthy route for capability %q", capability)
	}

	var gated []plan.Route
	obligations := make(map[string][]policy.Obligation)
	for _, rt := range live {
		pc := pctx
		pc.Capability = capability
		pc.Extra = withRouteFacts(pc.Extra, &rt)
		decision := r.policies.Evaluate(ctx, pc)
		if !decision.Allowed {
			r.metrics.IncCounter("router_policy_denied", 1, "capability", capability, "route", rt.ID)
			continue
		}
		gated = append(gated, rt)
		obligations[rt.ID] = decision.Obligations
	}
	if len(gated) == 0 {
		return nil, nil, fault.Errorf(fault.KindPolicyDenied, "all routes for capability %q denied by policy", capability)
	}

	cands, err := r.score(ctx, gated, class, budgetMS)
	if err != nil {
		return nil, nil, err
	}
	chosen := r.choose(cands)
	r.metrics.IncCounter("router_picks", 1, "capability", capability, "route", chosen.ID)
	r.logger.Debug(ctx, "route picked", "capability", capability, "route", chosen.ID, "provider", chosen.ProviderID)
	return chosen, obligations[chosen.ID], nil
}

// score computes the UCB score for each route. The confidence radius is
// kappa*sqrt(ln(T)/n) with T total pulls across candidates and n the route's
// pulls; unpulled routes take the full radius. Cost and latency penalties are
// normalized against the candidate maxima.
func (r *Router) score(ctx context.Context, routes []plan.Route, class CostClass, budgetMS int64) ([]candidate, error) {
	cands := make([]candidate, 0, len(routes))
	var total int64
	var maxCost, maxLatency float64
	for _, rt := range routes {
		learning, err := r.routes.GetLearning(ctx, rt.ID, r.cfg.AlphaPrior, r.cfg.BetaPrior)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, "load learning", err)
		}
		total += learning.TotalCount
		if learning.AvgCost > maxCost {
			maxCost = learning.AvgCost
		}
		if learning.AvgLatencyMS > maxLatency {
			maxLatency = learning.AvgLatencyMS
		}
		cands = append(cands, candidate{route: rt, learning: *learning})
	}

	costScale := costPenaltyScale(class)
	for i := range cands {
		l := &cands[i].learning
		mean := l.Alpha / (l.Alpha + l.Beta)
		radius := r.cfg.Kappa
		if total > 1 {
			n := float64(l.TotalCount)
			if n < 1 {
				n = 1
			}
			radius = r.cfg.Kappa * math.Sqrt(math.Log(float64(total))/n)
		}
		score := mean + radius
		if maxCost > 0 {
			score -= cands[i].route.CostWeight * costScale * (l.AvgCost / maxCost)
		}
		if maxLatency > 0 {
			penalty := cands[i].route.LatencyWeight * (l.AvgLatencyMS / maxLatency)
			if budgetMS > 0 && l.AvgLatencyMS > float64(budgetMS) {
				penalty *= 2
			}
			score -= penalty
		}
		score += cands[i].route.ReliabilityWeight * l.AvgReliability
		cands[i].score = score
	}
	return cands, nil
}

// choose sorts candidates best first with the tie-break chain (score, lower
// cost, higher reliability, route id) and applies epsilon-greedy exploration
// over the top candidates.
func (r *Router) choose(cands []candidate) *plan.Route {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		if cands[i].learning.AvgCost != cands[j].learning.AvgCost {
			return cands[i].learning.AvgCost < cands[j].learning.AvgCost
		}
		if cands[i].learning.AvgReliability != cands[j].learning.AvgReliability {
			return cands[i].learning.AvgReliability > cands[j].learning.AvgReliability
		}
		return cands[i].route.ID < cands[j].route.ID
	})
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	if len(cands) > 1 && r.rng.Float64() < r.cfg.Explore {
		k := exploreTopK
		if k > len(cands) {
			k = len(cands)
		}
		return &cands[r.rng.Intn(k)].route
	}
	return &cands[0].route
}

// Observe feeds an execution outcome into the provider's circuit breaker.
// The posterior update itself happens atomically with the ticket transition
// inside the store; this only maintains health gating.
func (r *Router) Observe(ctx context.Context, route *plan.Route, success bool) {
	r.breakers.record(route.ProviderID, success)
	if r.breakers.open(route.ProviderID) {
		r.logger.Warn(ctx, "provider circuit opened", "provider", route.ProviderID)
		r.metrics.IncCounter("router_breaker_open", 1, "provider", route.ProviderID)
	}
}

// ProviderOpen reports whether the provider's breaker is currently open.
func (r *Router) ProviderOpen(providerID string) bool {
	return r.breakers.open(providerID)
}

func costPenaltyScale(class CostClass) float64 {
	switch class {
	case CostHigh:
		return 0.5
	case CostLow:
		return 2
	default:
		return 1
	}
}

func withRouteFacts(extra map[string]any, rt *plan.Route) map[string]any {
	out := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		out[k] = v
	}
	out["route"] = map[string]any{
		"id":       rt.ID,
		"provider": rt.ProviderID,
		"tool":     rt.Tool,
		"policy":   rt.Policy,
	}
	return out
}

// --- breaker set ---

type breakerSet struct {
	mu         *sync.Mutex
	byProvider map[string]*gobreaker.TwoStepCircuitBreaker
}

func newBreakerSet() breakerSet {
	return breakerSet{
		mu:         &sync.Mutex{},
		byProvider: make(map[string]*gobreaker.TwoStepCircuitBreaker),
	}
}

func (b breakerSet) get(providerID string) *gobreaker.TwoStepCircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.byProvider[providerID]
	if !ok {
		cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:     providerID,
			Interval: breakerWindow,
			Timeout:  breakerWindow,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailureThreshold
			},
		})
		b.byProvider[providerID] = cb
	}
	return cb
}

func (b breakerSet) record(providerID string, success bool) {
	done, err := b.get(providerID).Allow()
	if err != nil {
		// Open breaker: outcome not recorded until half-open probes resume.
		return
	}
	done(success)
}

func (b breakerSet) open(providerID string) bool {
	b.mu.Lock()
	cb, ok := b.byProvider[providerID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	return cb.State() == gobreaker.StateOpen
}
