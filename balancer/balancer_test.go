package balancer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/fault"
	"github.com/BaSui01/agenthive/registry"
	"github.com/BaSui01/agenthive/types"
)

type fixture struct {
	reg *registry.Registry
	set *fault.Set
	bal *Balancer
}

func newFixture(t *testing.T, strategy string) *fixture {
	t.Helper()
	cfg := config.DefaultBalancerConfig()
	cfg.Strategy = strategy

	reg := registry.New(config.DefaultRegistryConfig(), zap.NewNop())
	set := fault.NewSet(config.DefaultFaultConfig(), zap.NewNop())
	bal := New(cfg, reg, set, zap.NewNop())
	t.Cleanup(func() {
		_ = bal.Close()
		_ = reg.Close()
	})
	return &fixture{reg: reg, set: set, bal: bal}
}

func (f *fixture) addAgent(t *testing.T, id string, weight int) {
	t.Helper()
	_, err := f.reg.Register(context.Background(), &types.AgentRecord{
		ID:           id,
		Capabilities: types.NewCapabilitySet(types.CapabilityTriage),
		Endpoint:     "inproc://" + id,
		Weight:       weight,
	})
	require.NoError(t, err)
}

func (f *fixture) update(t *testing.T, id string, apply func(*types.AgentRecord)) {
	t.Helper()
	rec, err := f.reg.Get(context.Background(), id)
	require.NoError(t, err)
	_, err = f.reg.CompareAndUpdate(context.Background(), id, rec.Version, apply)
	require.NoError(t, err)
}

func (f *fixture) tripBreaker(id string) {
	b := f.set.For(id)
	for i := 0; i < 5; i++ {
		b.RecordFailure(time.Now())
	}
}

func (f *fixture) selectOne(t *testing.T) string {
	t.Helper()
	rec, err := f.bal.Select(context.Background(), types.CapabilityTriage, types.PriorityNormal)
	require.NoError(t, err)
	return rec.ID
}

// ---------------------------------------------------------------------------
// Strategy parsing
// ---------------------------------------------------------------------------

func TestParseStrategy(t *testing.T) {
	for _, name := range []string{
		"round_robin", "weighted_round_robin", "least_connections",
		"least_response_time", "health_aware", "priority_aware", "adaptive",
	} {
		s, ok := ParseStrategy(name)
		assert.True(t, ok, name)
		assert.Equal(t, Strategy(name), s)
	}

	_, ok := ParseStrategy("coin_flip")
	assert.False(t, ok)
}

// ---------------------------------------------------------------------------
// Round-robin rotation via the last-selected tie-break
// ---------------------------------------------------------------------------

func TestBalancer_RoundRobinRotates(t *testing.T) {
	f := newFixture(t, "round_robin")
	f.addAgent(t, "a", 1)
	f.addAgent(t, "b", 1)
	f.addAgent(t, "c", 1)

	firstCycle := map[string]bool{}
	for i := 0; i < 3; i++ {
		firstCycle[f.selectOne(t)] = true
	}
	assert.Len(t, firstCycle, 3, "one full rotation touches every agent")

	counts := map[string]int{}
	for i := 0; i < 9; i++ {
		counts[f.selectOne(t)]++
	}
	assert.Equal(t, 3, counts["a"])
	assert.Equal(t, 3, counts["b"])
	assert.Equal(t, 3, counts["c"])
}

// ---------------------------------------------------------------------------
// Unconditional exclusions
// ---------------------------------------------------------------------------

func TestBalancer_ExcludesOpenBreaker(t *testing.T) {
	f := newFixture(t, "round_robin")
	f.addAgent(t, "a", 1)
	f.addAgent(t, "b", 1)
	f.tripBreaker("a")

	for i := 0; i < 5; i++ {
		assert.Equal(t, "b", f.selectOne(t))
	}
}

func TestBalancer_ExcludesBadStatuses(t *testing.T) {
	f := newFixture(t, "round_robin")
	f.addAgent(t, "sick", 1)
	f.addAgent(t, "gone", 1)
	f.addAgent(t, "fine", 1)
	f.update(t, "sick", func(r *types.AgentRecord) { r.Status = types.StatusUnhealthy })
	f.update(t, "gone", func(r *types.AgentRecord) { r.Status = types.StatusOffline })

	for i := 0; i < 5; i++ {
		assert.Equal(t, "fine", f.selectOne(t))
	}
}

func TestBalancer_NoCandidateIsAgentUnavailable(t *testing.T) {
	f := newFixture(t, "round_robin")
	f.addAgent(t, "a", 1)
	f.tripBreaker("a")

	_, err := f.bal.Select(context.Background(), types.CapabilityTriage, types.PriorityNormal)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrAgentUnavailable))
	assert.True(t, types.IsRetryable(err))

	_, err = f.bal.Select(context.Background(), types.CapabilityRiskScoring, types.PriorityNormal)
	assert.True(t, types.IsErrorCode(err, types.ErrAgentUnavailable), "unknown capability has no candidates")
}

// ---------------------------------------------------------------------------
// Least connections
// ---------------------------------------------------------------------------

func TestBalancer_LeastConnections(t *testing.T) {
	f := newFixture(t, "least_connections")
	f.addAgent(t, "busy", 1)
	f.addAgent(t, "idle", 1)

	f.bal.Acquire("busy")
	f.bal.Acquire("busy")

	for i := 0; i < 3; i++ {
		assert.Equal(t, "idle", f.selectOne(t))
	}

	f.bal.Release("busy", nil)
	f.bal.Release("busy", nil)
	f.bal.Acquire("idle")
	assert.Equal(t, "busy", f.selectOne(t))
}

func TestBalancer_InflightNeverGoesNegative(t *testing.T) {
	f := newFixture(t, "least_connections")
	f.addAgent(t, "a", 1)

	f.bal.Release("a", nil)
	assert.Equal(t, int64(0), f.bal.Inflight("a"))
}

// ---------------------------------------------------------------------------
// Least response time
// ---------------------------------------------------------------------------

func TestBalancer_LeastResponseTime(t *testing.T) {
	f := newFixture(t, "least_response_time")
	f.addAgent(t, "slow", 1)
	f.addAgent(t, "fast", 1)
	f.update(t, "slow", func(r *types.AgentRecord) { r.Metrics.ResponseTimeMS = 400 })
	f.update(t, "fast", func(r *types.AgentRecord) { r.Metrics.ResponseTimeMS = 35 })

	for i := 0; i < 3; i++ {
		assert.Equal(t, "fast", f.selectOne(t))
	}
}

// ---------------------------------------------------------------------------
// Weighted round-robin
// ---------------------------------------------------------------------------

func TestBalancer_WeightedFavorsHeavier(t *testing.T) {
	f := newFixture(t, "weighted_round_robin")
	f.addAgent(t, "heavy", 9)
	f.addAgent(t, "light", 1)

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		counts[f.selectOne(t)]++
	}
	assert.Greater(t, counts["heavy"], 700, "weight 9 of 10 should dominate: %v", counts)
	assert.Greater(t, counts["light"], 0, "weight 1 still gets traffic: %v", counts)
}

// ---------------------------------------------------------------------------
// Health-aware floor
// ---------------------------------------------------------------------------

func TestBalancer_HealthAwareExcludesLowScores(t *testing.T) {
	f := newFixture(t, "health_aware")
	f.addAgent(t, "good", 1)
	f.addAgent(t, "bad", 1)
	f.update(t, "bad", func(r *types.AgentRecord) {
		r.Metrics = types.HealthMetrics{ErrorRate: 0.9, ResponseTimeMS: 950, CPUPercent: 95, QueueLength: 60}
	})

	for i := 0; i < 3; i++ {
		assert.Equal(t, "good", f.selectOne(t))
	}
}

func TestBalancer_HealthAwareAllBelowFloor(t *testing.T) {
	f := newFixture(t, "health_aware")
	f.addAgent(t, "bad", 1)
	f.update(t, "bad", func(r *types.AgentRecord) {
		r.Metrics = types.HealthMetrics{ErrorRate: 0.9, ResponseTimeMS: 950, CPUPercent: 95, QueueLength: 60}
	})

	_, err := f.bal.Select(context.Background(), types.CapabilityTriage, types.PriorityNormal)
	assert.True(t, types.IsErrorCode(err, types.ErrAgentUnavailable))
}

// ---------------------------------------------------------------------------
// Priority-aware saturation bypass
// ---------------------------------------------------------------------------

func TestBalancer_PriorityAwareCriticalSkipsSaturated(t *testing.T) {
	f := newFixture(t, "priority_aware")
	f.addAgent(t, "fast-but-swamped", 1)
	f.addAgent(t, "slow-but-idle", 1)
	f.update(t, "fast-but-swamped", func(r *types.AgentRecord) { r.Metrics.ResponseTimeMS = 10 })
	f.update(t, "slow-but-idle", func(r *types.AgentRecord) { r.Metrics.ResponseTimeMS = 600 })

	for i := 0; i < 10; i++ {
		f.bal.Acquire("fast-but-swamped")
	}

	rec, err := f.bal.Select(context.Background(), types.CapabilityTriage, types.PriorityCritical)
	require.NoError(t, err)
	assert.Equal(t, "slow-but-idle", rec.ID, "idle capacity wins even at higher latency")
}

func TestBalancer_PriorityAwareAllSaturatedStillServes(t *testing.T) {
	f := newFixture(t, "priority_aware")
	f.addAgent(t, "a", 1)
	f.addAgent(t, "b", 1)
	for i := 0; i < 10; i++ {
		f.bal.Acquire("a")
	}
	for i := 0; i < 12; i++ {
		f.bal.Acquire("b")
	}

	rec, err := f.bal.Select(context.Background(), types.CapabilityTriage, types.PriorityCritical)
	require.NoError(t, err)
	assert.Equal(t, "a", rec.ID, "least loaded of the saturated set")
}

// ---------------------------------------------------------------------------
// Adaptive switching
// ---------------------------------------------------------------------------

func TestBalancer_AdaptiveResolvesByErrorRate(t *testing.T) {
	f := newFixture(t, "adaptive")
	f.addAgent(t, "a", 1)

	assert.Equal(t, StrategyLeastConnections, f.bal.resolve(), "clean window spreads load")

	for i := 0; i < 10; i++ {
		f.bal.Acquire("a")
		f.bal.Release("a", types.NewTimeoutError("down"))
	}
	require.Greater(t, f.bal.ErrorRate(), 0.25)
	assert.Equal(t, StrategyHealthAware, f.bal.resolve(), "elevated errors dodge sick agents")
}

// ---------------------------------------------------------------------------
// Janitor
// ---------------------------------------------------------------------------

func TestBalancer_JanitorDropsDepartedLoad(t *testing.T) {
	f := newFixture(t, "round_robin")
	require.NoError(t, f.bal.Start(context.Background()))
	f.addAgent(t, "a", 1)
	f.bal.Acquire("a")
	require.Equal(t, int64(1), f.bal.Inflight("a"))

	require.NoError(t, f.reg.Deregister(context.Background(), "a"))

	assert.Eventually(t, func() bool {
		return f.bal.Inflight("a") == 0
	}, time.Second, 10*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Exclusion invariant over random states
// ---------------------------------------------------------------------------

func TestBalancer_NeverSelectsExcludedProperty(t *testing.T) {
	strategies := []string{
		"round_robin", "weighted_round_robin", "least_connections",
		"least_response_time", "health_aware", "priority_aware", "adaptive",
	}
	statuses := []types.AgentStatus{
		types.StatusRegistered, types.StatusHealthy, types.StatusDegraded,
		types.StatusUnhealthy, types.StatusOffline,
	}
	priorities := []types.Priority{
		types.PriorityCritical, types.PriorityHigh, types.PriorityNormal, types.PriorityLow,
	}

	rapid.Check(t, func(rt *rapid.T) {
		cfg := config.DefaultBalancerConfig()
		cfg.Strategy = rapid.SampledFrom(strategies).Draw(rt, "strategy")

		reg := registry.New(config.DefaultRegistryConfig(), zap.NewNop())
		defer reg.Close()
		set := fault.NewSet(config.DefaultFaultConfig(), zap.NewNop())
		bal := New(cfg, reg, set, zap.NewNop())
		defer bal.Close()

		n := rapid.IntRange(1, 8).Draw(rt, "agents")
		tripped := make(map[string]bool)
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("agent-%d", i)
			_, err := reg.Register(context.Background(), &types.AgentRecord{
				ID:           id,
				Capabilities: types.NewCapabilitySet(types.CapabilityTriage),
				Endpoint:     "inproc://" + id,
				Weight:       rapid.IntRange(1, 10).Draw(rt, fmt.Sprintf("weight-%d", i)),
			})
			if err != nil {
				rt.Fatalf("register: %v", err)
			}

			status := rapid.SampledFrom(statuses).Draw(rt, fmt.Sprintf("status-%d", i))
			rec, _ := reg.Get(context.Background(), id)
			_, err = reg.CompareAndUpdate(context.Background(), id, rec.Version, func(w *types.AgentRecord) {
				w.Status = status
			})
			if err != nil {
				rt.Fatalf("set status: %v", err)
			}

			if rapid.Bool().Draw(rt, fmt.Sprintf("trip-%d", i)) {
				tripped[id] = true
				b := set.For(id)
				for k := 0; k < 5; k++ {
					b.RecordFailure(time.Now())
				}
			}
		}

		priority := rapid.SampledFrom(priorities).Draw(rt, "priority")
		for round := 0; round < 5; round++ {
			rec, err := bal.Select(context.Background(), types.CapabilityTriage, priority)
			if err != nil {
				if !types.IsErrorCode(err, types.ErrAgentUnavailable) {
					rt.Fatalf("unexpected error: %v", err)
				}
				continue
			}
			if !rec.Status.Dispatchable() {
				rt.Fatalf("selected %s with status %s", rec.ID, rec.Status)
			}
			if tripped[rec.ID] {
				rt.Fatalf("selected %s behind an open breaker", rec.ID)
			}
		}
	})
}
