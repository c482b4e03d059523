package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(config.DefaultRegistryConfig(), zap.NewNop())
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func newAgent(id string, caps ...types.Capability) *types.AgentRecord {
	if len(caps) == 0 {
		caps = []types.Capability{types.CapabilityTextAnalysis}
	}
	return &types.AgentRecord{
		ID:           id,
		Capabilities: types.NewCapabilitySet(caps...),
		Endpoint:     "inproc://" + id,
	}
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	rec, err := r.Register(ctx, newAgent("agent-1", types.CapabilityImageAnalysis))
	require.NoError(t, err)
	assert.Equal(t, types.StatusRegistered, rec.Status)
	assert.Equal(t, uint64(1), rec.Version)
	assert.False(t, rec.RegisteredAt.IsZero())

	got, err := r.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, got.Capabilities.Has(types.CapabilityImageAnalysis))
}

func TestRegistry_RegisterRejectsInvalid(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = r.Register(ctx, &types.AgentRecord{ID: ""})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = r.Register(ctx, &types.AgentRecord{ID: "a", Capabilities: types.NewCapabilitySet()})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = r.Register(ctx, &types.AgentRecord{
		ID:           "a",
		Capabilities: types.NewCapabilitySet(types.Capability("bogus")),
	})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestRegistry_ReRegisterIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Register(ctx, newAgent("agent-1", types.CapabilityImageAnalysis))
	require.NoError(t, err)

	second, err := r.Register(ctx, newAgent("agent-1", types.CapabilityRiskScoring, types.CapabilityTriage))
	require.NoError(t, err)

	// Exactly one record, carrying the latest capability set.
	assert.Len(t, r.List(ctx), 1)
	assert.False(t, second.Capabilities.Has(types.CapabilityImageAnalysis))
	assert.True(t, second.Capabilities.Has(types.CapabilityRiskScoring))
	assert.True(t, second.Capabilities.Has(types.CapabilityTriage))
	assert.Equal(t, first.RegisteredAt, second.RegisteredAt)
	assert.Greater(t, second.Version, first.Version)

	// The capability index follows the latest set.
	assert.Empty(t, r.Query(ctx, types.CapabilityImageAnalysis))
	assert.Len(t, r.Query(ctx, types.CapabilityRiskScoring), 1)
}

func TestRegistry_IdempotentRegistrationProperty(t *testing.T) {
	capPool := types.AllCapabilities()

	rapid.Check(t, func(rt *rapid.T) {
		r := New(config.DefaultRegistryConfig(), zap.NewNop())
		defer r.Close()
		ctx := context.Background()

		rounds := rapid.IntRange(1, 8).Draw(rt, "rounds")
		var lastCaps types.CapabilitySet
		for i := 0; i < rounds; i++ {
			n := rapid.IntRange(1, len(capPool)).Draw(rt, fmt.Sprintf("ncaps%d", i))
			idx := rapid.SliceOfNDistinct(rapid.IntRange(0, len(capPool)-1), n, n, rapid.ID).
				Draw(rt, fmt.Sprintf("idx%d", i))
			caps := make([]types.Capability, 0, n)
			for _, j := range idx {
				caps = append(caps, capPool[j])
			}
			lastCaps = types.NewCapabilitySet(caps...)
			_, err := r.Register(ctx, newAgent("agent-x", caps...))
			if err != nil {
				rt.Fatalf("register round %d: %v", i, err)
			}
		}

		all := r.List(ctx)
		if len(all) != 1 {
			rt.Fatalf("expected exactly one record, got %d", len(all))
		}
		got := all[0].Capabilities
		if len(got) != len(lastCaps) {
			rt.Fatalf("capability count %d, want %d", len(got), len(lastCaps))
		}
		for c := range lastCaps {
			if !got.Has(c) {
				rt.Fatalf("missing capability %s", c)
			}
		}
	})
}

// ---------------------------------------------------------------------------
// Heartbeat and expiry
// ---------------------------------------------------------------------------

func TestRegistry_RenewHeartbeat(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, newAgent("agent-1"))
	require.NoError(t, err)

	before, _ := r.Get(ctx, "agent-1")
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.RenewHeartbeat(ctx, "agent-1"))

	after, _ := r.Get(ctx, "agent-1")
	assert.True(t, after.LastHeartbeat.After(before.LastHeartbeat))

	assert.ErrorIs(t, r.RenewHeartbeat(ctx, "ghost"), ErrNotFound)
}

func TestRegistry_SweepExpiresAndRemoves(t *testing.T) {
	cfg := config.DefaultRegistryConfig()
	cfg.HeartbeatInterval = 30 * time.Second
	cfg.MissedHeartbeats = 3
	cfg.OfflineGrace = 5 * time.Minute
	r := New(cfg, zap.NewNop())
	defer r.Close()
	ctx := context.Background()

	_, err := r.Register(ctx, newAgent("agent-1"))
	require.NoError(t, err)

	events := r.Subscribe("test")

	// Inside the TTL (3 x 30s) nothing happens.
	r.sweepOnce(time.Now().Add(89 * time.Second))
	rec, _ := r.Get(ctx, "agent-1")
	assert.Equal(t, types.StatusRegistered, rec.Status)

	// Past the TTL the agent goes offline.
	r.sweepOnce(time.Now().Add(91 * time.Second))
	rec, _ = r.Get(ctx, "agent-1")
	assert.Equal(t, types.StatusOffline, rec.Status)

	ev := <-events
	assert.Equal(t, EventExpired, ev.Type)
	assert.Equal(t, "agent-1", ev.AgentID)

	// Offline agents are excluded from default queries.
	assert.Empty(t, r.Query(ctx, types.CapabilityTextAnalysis))
	assert.Len(t, r.Query(ctx, types.CapabilityTextAnalysis, types.StatusOffline), 1)

	// Past TTL + grace the record is removed entirely.
	r.sweepOnce(time.Now().Add(91*time.Second + 5*time.Minute))
	_, err = r.Get(ctx, "agent-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_OfflineAgentRecoversOnHeartbeat(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, newAgent("agent-1"))
	require.NoError(t, err)
	r.sweepOnce(time.Now().Add(time.Hour))

	rec, _ := r.Get(ctx, "agent-1")
	require.Equal(t, types.StatusOffline, rec.Status)

	require.NoError(t, r.RenewHeartbeat(ctx, "agent-1"))
	rec, _ = r.Get(ctx, "agent-1")
	assert.Equal(t, types.StatusRegistered, rec.Status)
}

// ---------------------------------------------------------------------------
// Queries and snapshots
// ---------------------------------------------------------------------------

func TestRegistry_QueryByCapability(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, _ = r.Register(ctx, newAgent("img-1", types.CapabilityImageAnalysis))
	_, _ = r.Register(ctx, newAgent("img-2", types.CapabilityImageAnalysis, types.CapabilityRiskScoring))
	_, _ = r.Register(ctx, newAgent("txt-1", types.CapabilityTextAnalysis))

	assert.Len(t, r.Query(ctx, types.CapabilityImageAnalysis), 2)
	assert.Len(t, r.Query(ctx, types.CapabilityRiskScoring), 1)
	assert.Len(t, r.Query(ctx, types.CapabilityTriage), 0)
	assert.Len(t, r.Query(ctx, ""), 3)
}

func TestRegistry_QuerySnapshotIsolation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, _ = r.Register(ctx, newAgent("agent-1"))

	snap := r.Query(ctx, types.CapabilityTextAnalysis)
	require.Len(t, snap, 1)
	snap[0].Status = types.StatusUnhealthy
	snap[0].Capabilities[types.CapabilityTriage] = struct{}{}

	fresh, _ := r.Get(ctx, "agent-1")
	assert.Equal(t, types.StatusRegistered, fresh.Status)
	assert.False(t, fresh.Capabilities.Has(types.CapabilityTriage))
}

func TestRegistry_Deregister(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, _ = r.Register(ctx, newAgent("agent-1"))
	require.NoError(t, r.Deregister(ctx, "agent-1"))
	assert.ErrorIs(t, r.Deregister(ctx, "agent-1"), ErrNotFound)
	assert.Empty(t, r.Query(ctx, types.CapabilityTextAnalysis))
}

func TestRegistry_CountDispatchable(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, _ = r.Register(ctx, newAgent("a1", types.CapabilityTriage))
	_, _ = r.Register(ctx, newAgent("a2", types.CapabilityTriage))
	assert.Equal(t, 2, r.CountDispatchable(types.CapabilityTriage))

	rec, _ := r.Get(ctx, "a2")
	_, err := r.CompareAndUpdate(ctx, "a2", rec.Version, func(w *types.AgentRecord) {
		w.Status = types.StatusUnhealthy
	})
	require.NoError(t, err)
	assert.Equal(t, 1, r.CountDispatchable(types.CapabilityTriage))
}

// ---------------------------------------------------------------------------
// Optimistic concurrency
// ---------------------------------------------------------------------------

func TestRegistry_CompareAndUpdate(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	rec, err := r.Register(ctx, newAgent("agent-1"))
	require.NoError(t, err)

	events := r.Subscribe("test")

	updated, err := r.CompareAndUpdate(ctx, "agent-1", rec.Version, func(w *types.AgentRecord) {
		w.Status = types.StatusHealthy
		w.Metrics.ResponseTimeMS = 12.5
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusHealthy, updated.Status)
	assert.Equal(t, rec.Version+1, updated.Version)

	ev := <-events
	assert.Equal(t, EventStatusChanged, ev.Type)
	assert.Equal(t, types.StatusRegistered, ev.OldStatus)
	assert.Equal(t, types.StatusHealthy, ev.NewStatus)

	// The stale version must lose.
	_, err = r.CompareAndUpdate(ctx, "agent-1", rec.Version, func(w *types.AgentRecord) {
		w.Status = types.StatusDegraded
	})
	assert.ErrorIs(t, err, ErrVersionConflict)

	_, err = r.CompareAndUpdate(ctx, "ghost", 1, func(w *types.AgentRecord) {})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ConcurrentCASRetriesConverge(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, newAgent("agent-1"))
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				rec, err := r.Get(ctx, "agent-1")
				if err != nil {
					t.Error(err)
					return
				}
				_, err = r.CompareAndUpdate(ctx, "agent-1", rec.Version, func(w *types.AgentRecord) {
					w.Metrics.Throughput++
				})
				if err == nil {
					return
				}
				if err != ErrVersionConflict {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	rec, _ := r.Get(ctx, "agent-1")
	assert.Equal(t, float64(writers), rec.Metrics.Throughput)
}

// ---------------------------------------------------------------------------
// Events and lifecycle
// ---------------------------------------------------------------------------

func TestRegistry_SubscribeReceivesRegistration(t *testing.T) {
	r := newTestRegistry(t)
	events := r.Subscribe("test")

	_, _ = r.Register(context.Background(), newAgent("agent-1"))

	select {
	case ev := <-events:
		assert.Equal(t, EventRegistered, ev.Type)
		assert.Equal(t, "agent-1", ev.AgentID)
		require.NotNil(t, ev.Record)
	case <-time.After(time.Second):
		t.Fatal("no registration event received")
	}
}

func TestRegistry_SlowSubscriberDoesNotBlock(t *testing.T) {
	cfg := config.DefaultRegistryConfig()
	cfg.EventBuffer = 1
	r := New(cfg, zap.NewNop())
	defer r.Close()
	ctx := context.Background()

	_ = r.Subscribe("slow") // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_, _ = r.Register(ctx, newAgent(fmt.Sprintf("agent-%d", i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
}

func TestRegistry_CloseRejectsOperations(t *testing.T) {
	r := New(config.DefaultRegistryConfig(), zap.NewNop())
	require.NoError(t, r.Close())

	_, err := r.Register(context.Background(), newAgent("agent-1"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, r.RenewHeartbeat(context.Background(), "agent-1"), ErrClosed)
	require.NoError(t, r.Close()) // double close is a no-op
}

func TestRegistry_Stats(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, _ = r.Register(ctx, newAgent("a1", types.CapabilityTriage))
	_, _ = r.Register(ctx, newAgent("a2", types.CapabilityTriage, types.CapabilityRiskScoring))

	s := r.Stats()
	assert.Equal(t, 2, s.TotalAgents)
	assert.Equal(t, 2, s.ByStatus[types.StatusRegistered])
	assert.Equal(t, 2, s.ByCapability[types.CapabilityTriage])
	assert.Equal(t, 1, s.ByCapability[types.CapabilityRiskScoring])
}
