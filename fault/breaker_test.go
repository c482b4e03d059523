package fault

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/types"
)

func newTestSet() *Set {
	return NewSet(config.DefaultFaultConfig(), zap.NewNop())
}

func tripBreaker(b *Breaker, now time.Time, failures int) {
	for i := 0; i < failures; i++ {
		b.RecordFailure(now)
	}
}

// ---------------------------------------------------------------------------
// State.String
// ---------------------------------------------------------------------------

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

// ---------------------------------------------------------------------------
// Closed -> Open at the failure threshold
// ---------------------------------------------------------------------------

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := newTestSet().For("agent-1")
	now := time.Now()

	for i := 0; i < 4; i++ {
		b.RecordFailure(now)
		assert.Equal(t, StateClosed, b.View().State, "failure %d should not trip", i+1)
	}

	b.RecordFailure(now)
	v := b.View()
	assert.Equal(t, StateOpen, v.State)
	assert.Equal(t, 5, v.Failures)
	assert.Equal(t, now.Add(30*time.Second), v.ProbeAfter)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := newTestSet().For("agent-1")
	now := time.Now()

	tripBreaker(b, now, 4)
	b.RecordSuccess(now)
	require.Equal(t, 0, b.View().Failures)

	// Four more failures after the reset: still closed.
	tripBreaker(b, now, 4)
	assert.Equal(t, StateClosed, b.View().State)
}

// ---------------------------------------------------------------------------
// Open fail-fasts without touching the network
// ---------------------------------------------------------------------------

func TestBreaker_OpenRejectsWithoutCalling(t *testing.T) {
	b := newTestSet().For("agent-1")
	tripBreaker(b, time.Now(), 5)
	require.Equal(t, StateOpen, b.View().State)

	var calls atomic.Int64
	err := b.Do(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	assert.True(t, types.IsErrorCode(err, types.ErrCircuitOpen))
	assert.Equal(t, int64(0), calls.Load())
	if e := types.AsError(err); assert.NotNil(t, e) {
		assert.Equal(t, "agent-1", e.AgentID)
	}
}

// ---------------------------------------------------------------------------
// Open -> HalfOpen: exactly one probe after the cooldown
// ---------------------------------------------------------------------------

func TestBreaker_SingleProbeAfterCooldown(t *testing.T) {
	b := newTestSet().For("agent-1")
	t0 := time.Now()
	tripBreaker(b, t0, 5)

	assert.False(t, b.Allow(t0.Add(29*time.Second)))
	assert.Equal(t, StateOpen, b.View().State)

	// First caller past the cooldown wins the probe slot.
	assert.True(t, b.Allow(t0.Add(31*time.Second)))
	assert.Equal(t, StateHalfOpen, b.View().State)

	// Everyone else is rejected until the probe resolves.
	assert.False(t, b.Allow(t0.Add(31*time.Second)))
	assert.False(t, b.Allow(t0.Add(2*time.Minute)))
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b := newTestSet().For("agent-1")
	t0 := time.Now()
	tripBreaker(b, t0, 5)
	require.True(t, b.Allow(t0.Add(31*time.Second)))

	b.RecordSuccess(t0.Add(32 * time.Second))

	v := b.View()
	assert.Equal(t, StateClosed, v.State)
	assert.Equal(t, 0, v.Failures)
	assert.Equal(t, 30*time.Second, v.Cooldown, "cooldown ladder resets on close")
	assert.True(t, b.Allow(t0.Add(33*time.Second)))
}

func TestBreaker_ProbeFailureReopensWithDoubledCooldown(t *testing.T) {
	b := newTestSet().For("agent-1")
	t0 := time.Now()
	tripBreaker(b, t0, 5)

	// Probe 1 fails: cooldown 30s -> 60s.
	require.True(t, b.Allow(t0.Add(31*time.Second)))
	t1 := t0.Add(32 * time.Second)
	b.RecordFailure(t1)
	v := b.View()
	require.Equal(t, StateOpen, v.State)
	assert.Equal(t, 60*time.Second, v.Cooldown)
	assert.False(t, b.Allow(t1.Add(59*time.Second)))
	require.True(t, b.Allow(t1.Add(61*time.Second)))

	// Probe 2 fails: 60s -> 120s.
	t2 := t1.Add(62 * time.Second)
	b.RecordFailure(t2)
	assert.Equal(t, 120*time.Second, b.View().Cooldown)
}

func TestBreaker_CooldownGrowthIsCapped(t *testing.T) {
	b := newTestSet().For("agent-1")
	now := time.Now()
	tripBreaker(b, now, 5)

	// 30s -> 60 -> 120 -> 240 -> 300 (cap) -> 300.
	want := []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second, 5 * time.Minute, 5 * time.Minute}
	for _, w := range want {
		now = b.View().ProbeAfter.Add(time.Second)
		require.True(t, b.Allow(now))
		b.RecordFailure(now)
		assert.Equal(t, w, b.View().Cooldown)
	}
}

// ---------------------------------------------------------------------------
// Caller-side errors do not trip the breaker
// ---------------------------------------------------------------------------

func TestBreaker_ClientErrorsDoNotCount(t *testing.T) {
	b := newTestSet().For("agent-1")

	for i := 0; i < 10; i++ {
		err := b.Do(context.Background(), func(ctx context.Context) error {
			return types.NewInvalidRequestError("bad payload")
		})
		require.True(t, types.IsErrorCode(err, types.ErrInvalidRequest), "error still surfaces")
	}
	assert.Equal(t, StateClosed, b.View().State)
	assert.Equal(t, 0, b.View().Failures)
}

func TestBreaker_ClientErrorResetsStreak(t *testing.T) {
	b := newTestSet().For("agent-1")
	tripBreaker(b, time.Now(), 4)

	// A rejection proves the path works.
	_ = b.Do(context.Background(), func(ctx context.Context) error {
		return types.NewError(types.ErrRateLimited, "slow down")
	})
	assert.Equal(t, 0, b.View().Failures)
}

func TestCountsAsFailure(t *testing.T) {
	assert.True(t, countsAsFailure(types.NewTimeoutError("t")))
	assert.True(t, countsAsFailure(types.NewUnreachableError("u")))
	assert.True(t, countsAsFailure(types.NewProtocolError("p")))
	assert.True(t, countsAsFailure(assert.AnError))
	assert.False(t, countsAsFailure(types.NewInvalidRequestError("i")))
	assert.False(t, countsAsFailure(types.NewError(types.ErrUnauthorized, "a")))
	assert.False(t, countsAsFailure(types.NewError(types.ErrInsufficientConfidence, "c")))
}

// ---------------------------------------------------------------------------
// Do drives the full cycle
// ---------------------------------------------------------------------------

func TestBreaker_DoRecordsOutcomes(t *testing.T) {
	b := newTestSet().For("agent-1")

	for i := 0; i < 5; i++ {
		err := b.Do(context.Background(), func(ctx context.Context) error {
			return types.NewTimeoutError("no answer")
		})
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, b.View().State)

	err := b.Do(context.Background(), func(ctx context.Context) error { return nil })
	assert.True(t, types.IsErrorCode(err, types.ErrCircuitOpen))
}

// ---------------------------------------------------------------------------
// Reset
// ---------------------------------------------------------------------------

func TestBreaker_Reset(t *testing.T) {
	b := newTestSet().For("agent-1")
	tripBreaker(b, time.Now(), 5)
	require.Equal(t, StateOpen, b.View().State)

	b.Reset()
	v := b.View()
	assert.Equal(t, StateClosed, v.State)
	assert.Equal(t, 0, v.Failures)
	assert.Equal(t, 30*time.Second, v.Cooldown)
}

// ---------------------------------------------------------------------------
// Set behavior
// ---------------------------------------------------------------------------

func TestSet_ForIsIdempotent(t *testing.T) {
	s := newTestSet()
	assert.Same(t, s.For("agent-1"), s.For("agent-1"))
	assert.NotSame(t, s.For("agent-1"), s.For("agent-2"))
}

func TestSet_AvailableForUnknownAgent(t *testing.T) {
	s := newTestSet()
	assert.True(t, s.Available("never-seen", time.Now()))

	_, ok := s.Peek("never-seen")
	assert.False(t, ok, "Available must not create breakers")
}

func TestSet_RemoveDropsState(t *testing.T) {
	s := newTestSet()
	tripBreaker(s.For("agent-1"), time.Now(), 5)
	require.False(t, s.Available("agent-1", time.Now()))

	s.Remove("agent-1")
	assert.True(t, s.Available("agent-1", time.Now()))
}

func TestSet_PublishesTransitions(t *testing.T) {
	s := newTestSet()
	events := s.Subscribe("test")

	tripBreaker(s.For("agent-1"), time.Now(), 5)

	select {
	case ev := <-events:
		assert.Equal(t, "agent-1", ev.AgentID)
		assert.Equal(t, StateClosed, ev.From)
		assert.Equal(t, StateOpen, ev.To)
	case <-time.After(time.Second):
		t.Fatal("no transition event received")
	}
}

func TestSet_Views(t *testing.T) {
	s := newTestSet()
	tripBreaker(s.For("agent-1"), time.Now(), 5)
	s.For("agent-2")

	views := s.Views()
	require.Len(t, views, 2)
	assert.Equal(t, StateOpen, views["agent-1"].State)
	assert.Equal(t, StateClosed, views["agent-2"].State)
}

// ---------------------------------------------------------------------------
// Concurrent recording converges
// ---------------------------------------------------------------------------

func TestBreaker_ConcurrentOutcomes(t *testing.T) {
	b := newTestSet().For("agent-1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Do(context.Background(), func(ctx context.Context) error { return nil })
		}()
	}
	wg.Wait()

	v := b.View()
	assert.Equal(t, StateClosed, v.State)
	assert.Equal(t, 0, v.Failures)
}
