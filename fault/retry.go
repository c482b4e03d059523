package fault

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/types"
)

// Policy describes how failed attempts are repeated. Two shapes exist:
// immediate policies (critical work that cannot wait) sleep only a random
// jitter window between attempts, backoff policies grow the delay
// exponentially up to a cap.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Growth     float64
	Jitter     float64
	Immediate  bool
}

// PolicyFor maps a task priority onto its retry policy. Critical tasks get
// the immediate-with-jitter policy; everything else backs off
// exponentially. The backoff budget for non-critical work is spent through
// delayed redelivery, not in-process, so MaxRetries is zero there.
func PolicyFor(cfg config.FaultConfig, p types.Priority) Policy {
	if p == types.PriorityCritical {
		return Policy{
			MaxRetries: cfg.CriticalRetries,
			BaseDelay:  cfg.RetryBaseDelay,
			Jitter:     cfg.RetryJitter,
			Immediate:  true,
		}
	}
	return Policy{
		BaseDelay: cfg.RetryBaseDelay,
		MaxDelay:  cfg.RetryMaxDelay,
		Growth:    2.0,
		Jitter:    cfg.RetryJitter,
	}
}

// Delay computes the wait before retry number attempt (attempt >= 1).
// Immediate policies return a uniform draw from the jitter window so
// simultaneous retries against one agent spread out. Backoff policies
// double per attempt, cap at MaxDelay, then spread by +-Jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Immediate {
		window := float64(p.BaseDelay) * p.Jitter
		return time.Duration(rand.Float64() * window)
	}

	d := float64(p.BaseDelay) * math.Pow(p.Growth, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * d * p.Jitter
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Retryer repeats an operation per its policy, retrying only failures the
// taxonomy marks transient. Terminal failures return on first sight.
type Retryer struct {
	policy Policy
	logger *zap.Logger
}

// NewRetryer creates a retryer. Zero-valued policy fields fall back to the
// non-critical defaults.
func NewRetryer(policy Policy, logger *zap.Logger) *Retryer {
	def := config.DefaultFaultConfig()
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.RetryBaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.RetryMaxDelay
	}
	if policy.Growth < 1.0 {
		policy.Growth = 2.0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{policy: policy, logger: logger.With(zap.String("component", "retryer"))}
}

// Do runs fn, repeating on retryable failure until the policy's budget or
// the context runs out.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.policy.Delay(attempt)
			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("fault: retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 0 {
				r.logger.Debug("retry succeeded", zap.Int("attempt", attempt))
			}
			return nil
		}
		if !types.IsRetryable(lastErr) {
			return lastErr
		}
	}

	r.logger.Warn("retry budget exhausted",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr),
	)
	return lastErr
}
