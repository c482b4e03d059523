// Package balancer selects the dispatch target for a task. Candidates come
// from the registry's capability query; anything offline, unhealthy, or
// behind an open circuit breaker is excluded before ranking, whatever the
// strategy. Between equally ranked candidates the least recently selected
// one wins, so no agent starves.
package balancer

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/fault"
	"github.com/BaSui01/agenthive/health"
	"github.com/BaSui01/agenthive/registry"
	"github.com/BaSui01/agenthive/types"
)

// Strategy names a selection algorithm.
type Strategy string

const (
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyLeastConnections   Strategy = "least_connections"
	StrategyLeastResponseTime  Strategy = "least_response_time"
	StrategyHealthAware        Strategy = "health_aware"
	StrategyPriorityAware      Strategy = "priority_aware"
	StrategyAdaptive           Strategy = "adaptive"
)

// ParseStrategy validates a strategy name from configuration.
func ParseStrategy(s string) (Strategy, bool) {
	switch Strategy(s) {
	case StrategyRoundRobin, StrategyWeightedRoundRobin, StrategyLeastConnections,
		StrategyLeastResponseTime, StrategyHealthAware, StrategyPriorityAware,
		StrategyAdaptive:
		return Strategy(s), true
	}
	return "", false
}

// agentLoad is the balancer's private dispatch state for one agent.
type agentLoad struct {
	inflight int64
	lastSeq  uint64
	lastAt   time.Time
}

// candidate pairs a registry snapshot with its load state for ranking.
type candidate struct {
	rec      *types.AgentRecord
	inflight int64
	lastSeq  uint64
}

// Balancer picks dispatch targets.
type Balancer struct {
	cfg      config.BalancerConfig
	strategy Strategy
	registry *registry.Registry
	breakers *fault.Set
	logger   *zap.Logger

	mu    sync.Mutex
	loads map[string]*agentLoad
	seq   uint64

	window *rollingWindow

	rngMu sync.Mutex
	rng   *rand.Rand

	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
	started bool
}

// New creates a balancer. An unknown strategy name falls back to the
// default with a warning rather than failing startup.
func New(cfg config.BalancerConfig, reg *registry.Registry, breakers *fault.Set, logger *zap.Logger) *Balancer {
	def := config.DefaultBalancerConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.HealthFloor <= 0 || cfg.HealthFloor > 1 {
		cfg.HealthFloor = def.HealthFloor
	}
	if cfg.SaturationQueueLength <= 0 {
		cfg.SaturationQueueLength = def.SaturationQueueLength
	}
	if cfg.AdaptiveWindow <= 0 {
		cfg.AdaptiveWindow = def.AdaptiveWindow
	}
	if cfg.AdaptiveErrorRate <= 0 || cfg.AdaptiveErrorRate > 1 {
		cfg.AdaptiveErrorRate = def.AdaptiveErrorRate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "balancer"))

	strategy, ok := ParseStrategy(cfg.Strategy)
	if !ok {
		logger.Warn("unknown balancer strategy, using default",
			zap.String("strategy", cfg.Strategy),
			zap.String("default", def.Strategy),
		)
		strategy = Strategy(def.Strategy)
	}

	return &Balancer{
		cfg:      cfg,
		strategy: strategy,
		registry: reg,
		breakers: breakers,
		logger:   logger,
		loads:    make(map[string]*agentLoad),
		window:   newRollingWindow(cfg.AdaptiveWindow),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		done:     make(chan struct{}),
	}
}

// Start launches the janitor that drops load state for departed agents.
func (b *Balancer) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed || b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	events := b.registry.Subscribe("balancer")

	b.wg.Add(1)
	go b.janitorLoop(ctx, events)
	return nil
}

// Close stops the janitor.
func (b *Balancer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// Select picks a dispatch target for the capability, or returns an
// AGENT_UNAVAILABLE error when no eligible candidate remains. The returned
// record is a point-in-time snapshot.
func (b *Balancer) Select(ctx context.Context, capability types.Capability, priority types.Priority) (*types.AgentRecord, error) {
	now := time.Now()
	cands := b.eligible(ctx, capability, now)
	if len(cands) == 0 {
		return nil, noAgent(capability)
	}

	pick := b.pick(b.resolve(), cands, priority)
	if pick == nil {
		return nil, noAgent(capability)
	}

	b.mu.Lock()
	b.seq++
	load := b.loadLocked(pick.rec.ID)
	load.lastSeq = b.seq
	load.lastAt = now
	b.mu.Unlock()

	return pick.rec, nil
}

// Acquire counts one in-flight dispatch against an agent.
func (b *Balancer) Acquire(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loadLocked(agentID).inflight++
}

// Release ends one in-flight dispatch and feeds the outcome to the
// adaptive window.
func (b *Balancer) Release(agentID string, err error) {
	b.mu.Lock()
	if load := b.loadLocked(agentID); load.inflight > 0 {
		load.inflight--
	}
	b.mu.Unlock()

	b.window.Record(err == nil)
}

// Inflight returns the current in-flight count for an agent.
func (b *Balancer) Inflight(agentID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if load, ok := b.loads[agentID]; ok {
		return load.inflight
	}
	return 0
}

// ErrorRate exposes the adaptive window's aggregate failure fraction.
func (b *Balancer) ErrorRate() float64 {
	return b.window.ErrorRate()
}

// eligible snapshots the candidates that survive the unconditional
// exclusions: dispatchable status and an admitting breaker.
func (b *Balancer) eligible(ctx context.Context, capability types.Capability, now time.Time) []*candidate {
	recs := b.registry.Query(ctx, capability)

	b.mu.Lock()
	defer b.mu.Unlock()

	cands := make([]*candidate, 0, len(recs))
	for _, rec := range recs {
		if !rec.Status.Dispatchable() {
			continue
		}
		if !b.breakers.Available(rec.ID, now) {
			continue
		}
		c := &candidate{rec: rec}
		if load, ok := b.loads[rec.ID]; ok {
			c.inflight = load.inflight
			c.lastSeq = load.lastSeq
		}
		cands = append(cands, c)
	}
	return cands
}

// resolve maps the adaptive strategy onto a concrete one for this call.
// Under elevated aggregate error rate the balancer dodges sick agents;
// otherwise it spreads load.
func (b *Balancer) resolve() Strategy {
	if b.strategy != StrategyAdaptive {
		return b.strategy
	}
	if b.window.ErrorRate() > b.cfg.AdaptiveErrorRate {
		return StrategyHealthAware
	}
	return StrategyLeastConnections
}

func (b *Balancer) pick(strategy Strategy, cands []*candidate, priority types.Priority) *candidate {
	switch strategy {
	case StrategyWeightedRoundRobin:
		return b.weightedPick(cands)

	case StrategyLeastConnections:
		return pickMin(cands, lessInflight)

	case StrategyLeastResponseTime:
		return pickMin(cands, func(a, c *candidate) bool {
			return a.rec.Metrics.ResponseTimeMS < c.rec.Metrics.ResponseTimeMS
		})

	case StrategyHealthAware:
		var fit []*candidate
		for _, c := range cands {
			if health.Score(c.rec.Metrics) >= b.cfg.HealthFloor {
				fit = append(fit, c)
			}
		}
		return pickMin(fit, lessInflight)

	case StrategyPriorityAware:
		if priority != types.PriorityCritical {
			return pickMin(cands, lessNone)
		}
		// Critical work prefers idle capacity: skip saturated agents
		// entirely when any unsaturated one exists.
		var idle []*candidate
		for _, c := range cands {
			if !b.saturated(c) {
				idle = append(idle, c)
			}
		}
		if len(idle) == 0 {
			idle = cands
		}
		return pickMin(idle, lessInflight)

	default:
		// Round-robin: every candidate ranks equal and the least
		// recently selected tie-break does the rotation.
		return pickMin(cands, lessNone)
	}
}

func (b *Balancer) saturated(c *candidate) bool {
	depth := c.inflight
	if q := int64(c.rec.Metrics.QueueLength); q > depth {
		depth = q
	}
	return depth >= int64(b.cfg.SaturationQueueLength)
}

func lessInflight(a, c *candidate) bool {
	return a.inflight < c.inflight
}

func lessNone(a, c *candidate) bool { return false }

// pickMin returns the best candidate under less, breaking ties by least
// recently selected, then by id for determinism.
func pickMin(cands []*candidate, less func(a, c *candidate) bool) *candidate {
	if len(cands) == 0 {
		return nil
	}
	sorted := make([]*candidate, len(cands))
	copy(sorted, cands)
	sort.Slice(sorted, func(i, j int) bool {
		if less(sorted[i], sorted[j]) {
			return true
		}
		if less(sorted[j], sorted[i]) {
			return false
		}
		if sorted[i].lastSeq != sorted[j].lastSeq {
			return sorted[i].lastSeq < sorted[j].lastSeq
		}
		return sorted[i].rec.ID < sorted[j].rec.ID
	})
	return sorted[0]
}

// weightedPick draws proportionally to static agent weight.
func (b *Balancer) weightedPick(cands []*candidate) *candidate {
	if len(cands) == 0 {
		return nil
	}
	var total float64
	for _, c := range cands {
		total += float64(c.rec.EffectiveWeight())
	}

	b.rngMu.Lock()
	target := b.rng.Float64() * total
	b.rngMu.Unlock()

	var cum float64
	for _, c := range cands {
		cum += float64(c.rec.EffectiveWeight())
		if cum >= target {
			return c
		}
	}
	return cands[len(cands)-1]
}

func (b *Balancer) loadLocked(agentID string) *agentLoad {
	load, ok := b.loads[agentID]
	if !ok {
		load = &agentLoad{}
		b.loads[agentID] = load
	}
	return load
}

func noAgent(capability types.Capability) error {
	return types.NewError(types.ErrAgentUnavailable,
		fmt.Sprintf("balancer: no agent available for %s", capability)).
		WithRetryable(true).
		WithHTTPStatus(http.StatusServiceUnavailable)
}

// janitorLoop drops load state for agents that leave the registry.
func (b *Balancer) janitorLoop(ctx context.Context, events <-chan registry.Event) {
	defer b.wg.Done()
	defer b.registry.Unsubscribe("balancer")

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == registry.EventDeregistered || ev.Type == registry.EventRemoved {
				b.mu.Lock()
				delete(b.loads, ev.AgentID)
				b.mu.Unlock()
			}
		}
	}
}
