package fault

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/types"
)

// ---------------------------------------------------------------------------
// PolicyFor
// ---------------------------------------------------------------------------

func TestPolicyFor_CriticalIsImmediate(t *testing.T) {
	p := PolicyFor(config.DefaultFaultConfig(), types.PriorityCritical)
	assert.True(t, p.Immediate)
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 0.25, p.Jitter)
}

func TestPolicyFor_OthersBackOff(t *testing.T) {
	for _, prio := range []types.Priority{types.PriorityHigh, types.PriorityNormal, types.PriorityLow} {
		p := PolicyFor(config.DefaultFaultConfig(), prio)
		assert.False(t, p.Immediate, "%s must back off", prio)
		assert.Equal(t, 0, p.MaxRetries, "%s retries ride redelivery", prio)
		assert.Equal(t, 2*time.Second, p.BaseDelay)
		assert.Equal(t, 60*time.Second, p.MaxDelay)
	}
}

// ---------------------------------------------------------------------------
// Delay
// ---------------------------------------------------------------------------

func TestPolicy_DelayDoublesAndCaps(t *testing.T) {
	p := Policy{BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second, Growth: 2.0}

	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 32*time.Second, p.Delay(5))
	assert.Equal(t, 60*time.Second, p.Delay(6), "64s capped to 60s")
	assert.Equal(t, 60*time.Second, p.Delay(10))
}

func TestPolicy_DelayJitterStaysBounded(t *testing.T) {
	p := Policy{BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second, Growth: 2.0, Jitter: 0.25}

	for i := 0; i < 100; i++ {
		d := p.Delay(2) // nominal 4s
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestPolicy_ImmediateDelayIsJitterOnly(t *testing.T) {
	p := Policy{BaseDelay: 2 * time.Second, Jitter: 0.25, Immediate: true, MaxRetries: 3}

	for i := 0; i < 100; i++ {
		d := p.Delay(i%3 + 1)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 500*time.Millisecond, "jitter window is base*jitter")
	}
}

// ---------------------------------------------------------------------------
// Retryer
// ---------------------------------------------------------------------------

func TestRetryer_FirstTrySuccess(t *testing.T) {
	r := NewRetryer(Policy{MaxRetries: 3, BaseDelay: time.Millisecond, Immediate: true}, zap.NewNop())

	var calls atomic.Int64
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestRetryer_RetriesTransientFailures(t *testing.T) {
	r := NewRetryer(Policy{MaxRetries: 3, BaseDelay: time.Millisecond, Jitter: 0.1, Immediate: true}, zap.NewNop())

	var calls atomic.Int64
	err := r.Do(context.Background(), func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return types.NewTransientError("blip")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
}

func TestRetryer_TerminalFailureReturnsImmediately(t *testing.T) {
	r := NewRetryer(Policy{MaxRetries: 3, BaseDelay: time.Millisecond, Immediate: true}, zap.NewNop())

	var calls atomic.Int64
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		return types.NewProtocolError("garbage frame")
	})
	assert.True(t, types.IsErrorCode(err, types.ErrProtocol))
	assert.Equal(t, int64(1), calls.Load(), "terminal failures are not retried")
}

func TestRetryer_BudgetExhausted(t *testing.T) {
	r := NewRetryer(Policy{MaxRetries: 3, BaseDelay: time.Millisecond, Immediate: true}, zap.NewNop())

	var calls atomic.Int64
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		return types.NewTimeoutError("still down")
	})
	assert.True(t, types.IsErrorCode(err, types.ErrTimeout))
	assert.Equal(t, int64(4), calls.Load(), "initial attempt plus three retries")
}

func TestRetryer_ContextCancelStopsWaiting(t *testing.T) {
	r := NewRetryer(Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute, Growth: 2.0}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := r.Do(ctx, func(ctx context.Context) error {
		return types.NewTransientError("blip")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "cancel interrupts the backoff sleep")
}

func TestRetryer_PlainErrorsAreTerminal(t *testing.T) {
	r := NewRetryer(Policy{MaxRetries: 3, BaseDelay: time.Millisecond, Immediate: true}, zap.NewNop())

	var calls atomic.Int64
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, int64(1), calls.Load(), "unclassified errors do not retry")
}
