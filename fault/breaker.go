// Package fault isolates failing agents. A per-agent circuit breaker
// fail-fasts dispatch to agents that keep erroring, a priority-scaled retry
// policy decides when a failed attempt is worth repeating, and an outage
// detector watches the fraction of open breakers per capability to trip
// graceful degradation before a capability melts down completely.
package fault

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/types"
)

// State is the breaker's position in its closed/open/half_open cycle.
type State int

const (
	// StateClosed passes calls through and counts consecutive failures.
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown lapses.
	StateOpen
	// StateHalfOpen admits exactly one probe call.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// View is an immutable snapshot of one breaker's state. Transitions replace
// the whole view through a compare-and-swap on Version, so concurrent
// recorders never lose updates and readers never take a lock.
type View struct {
	State          State         `json:"state"`
	Failures       int           `json:"failures"`
	Cooldown       time.Duration `json:"cooldown"`
	LastTransition time.Time     `json:"last_transition"`
	ProbeAfter     time.Time     `json:"probe_after,omitempty"`
	Version        uint64        `json:"version"`
}

// Breaker is the failure-isolation state machine for a single agent.
type Breaker struct {
	agentID string
	cfg     config.FaultConfig
	cur     atomic.Pointer[View]

	// announce is injected by the owning Set so transitions reach its
	// subscribers. Never nil.
	announce func(agentID string, from, to State, v View)
}

func newBreaker(agentID string, cfg config.FaultConfig, announce func(string, State, State, View)) *Breaker {
	b := &Breaker{agentID: agentID, cfg: cfg, announce: announce}
	b.cur.Store(&View{State: StateClosed, Cooldown: cfg.OpenCooldown})
	return b
}

// View returns the current snapshot.
func (b *Breaker) View() View {
	return *b.cur.Load()
}

// Allow reports whether a call may proceed at now. When an open breaker's
// cooldown has lapsed, the first caller wins the transition to half_open and
// owns the single probe; every other caller is rejected until the probe
// outcome is recorded.
func (b *Breaker) Allow(now time.Time) bool {
	for {
		cur := b.cur.Load()
		switch cur.State {
		case StateClosed:
			return true
		case StateOpen:
			if now.Before(cur.ProbeAfter) {
				return false
			}
			next := *cur
			next.State = StateHalfOpen
			next.LastTransition = now
			next.Version++
			if b.cur.CompareAndSwap(cur, &next) {
				b.announce(b.agentID, cur.State, next.State, next)
				return true
			}
		case StateHalfOpen:
			return false
		default:
			return false
		}
	}
}

// Available is the read-only form of Allow: it reports whether a call made
// at now would be admitted, without claiming the probe slot. Used by the
// balancer to exclude candidates before ranking.
func (b *Breaker) Available(now time.Time) bool {
	cur := b.cur.Load()
	switch cur.State {
	case StateClosed:
		return true
	case StateOpen:
		return !now.Before(cur.ProbeAfter)
	default:
		return false
	}
}

// RecordSuccess feeds a successful call outcome into the state machine.
func (b *Breaker) RecordSuccess(now time.Time) {
	for {
		cur := b.cur.Load()
		next := *cur
		switch cur.State {
		case StateClosed:
			if cur.Failures == 0 {
				return
			}
			next.Failures = 0
		case StateHalfOpen:
			// Probe succeeded: close and reset the cooldown ladder.
			next.State = StateClosed
			next.Failures = 0
			next.Cooldown = b.cfg.OpenCooldown
			next.ProbeAfter = time.Time{}
			next.LastTransition = now
		case StateOpen:
			// Stale outcome from a call that started before the trip.
			return
		}
		next.Version++
		if b.cur.CompareAndSwap(cur, &next) {
			if next.State != cur.State {
				b.announce(b.agentID, cur.State, next.State, next)
			}
			return
		}
	}
}

// RecordFailure feeds a failed call outcome into the state machine.
func (b *Breaker) RecordFailure(now time.Time) {
	for {
		cur := b.cur.Load()
		next := *cur
		switch cur.State {
		case StateClosed:
			next.Failures = cur.Failures + 1
			if next.Failures >= b.cfg.FailureThreshold {
				next.State = StateOpen
				next.ProbeAfter = now.Add(cur.Cooldown)
				next.LastTransition = now
			}
		case StateHalfOpen:
			// Probe failed: reopen with a grown cooldown.
			grown := time.Duration(float64(cur.Cooldown) * b.cfg.CooldownGrowth)
			if grown > b.cfg.MaxCooldown {
				grown = b.cfg.MaxCooldown
			}
			next.State = StateOpen
			next.Cooldown = grown
			next.ProbeAfter = now.Add(grown)
			next.LastTransition = now
		case StateOpen:
			return
		}
		next.Version++
		if b.cur.CompareAndSwap(cur, &next) {
			if next.State != cur.State {
				b.announce(b.agentID, cur.State, next.State, next)
			}
			return
		}
	}
}

// Reset forces the breaker closed. Operator escape hatch.
func (b *Breaker) Reset() {
	for {
		cur := b.cur.Load()
		if cur.State == StateClosed && cur.Failures == 0 {
			return
		}
		next := View{State: StateClosed, Cooldown: b.cfg.OpenCooldown, Version: cur.Version + 1, LastTransition: time.Now()}
		if b.cur.CompareAndSwap(cur, &next) {
			if cur.State != StateClosed {
				b.announce(b.agentID, cur.State, StateClosed, next)
			}
			return
		}
	}
}

// Do wraps one agent-bound call. An open breaker rejects without touching
// the network; otherwise the outcome feeds the state machine. Errors that
// prove the agent reachable and responsive (rejections of bad input, auth
// refusals, rate-limit pushback) count as successes for isolation purposes
// while still being returned to the caller.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow(time.Now()) {
		return types.NewError(types.ErrCircuitOpen, "fault: circuit open").WithAgent(b.agentID)
	}
	err := fn(ctx)
	if err != nil && countsAsFailure(err) {
		b.RecordFailure(time.Now())
		return err
	}
	b.RecordSuccess(time.Now())
	return err
}

// countsAsFailure decides whether an error indicates an unhealthy agent or
// delivery path. Caller-side errors do not trip the breaker.
func countsAsFailure(err error) bool {
	switch types.GetErrorCode(err) {
	case types.ErrInvalidRequest, types.ErrUnauthorized, types.ErrNotFound,
		types.ErrConflict, types.ErrInsufficientConfidence, types.ErrRateLimited:
		return false
	}
	return true
}
