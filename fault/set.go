package fault

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
)

// Event announces one breaker state transition.
type Event struct {
	AgentID   string        `json:"agent_id"`
	From      State         `json:"from"`
	To        State         `json:"to"`
	Failures  int           `json:"failures"`
	Cooldown  time.Duration `json:"cooldown"`
	Timestamp time.Time     `json:"timestamp"`
}

// Set owns the breaker per agent. Breakers are created lazily on first use
// and share the set's config; transitions fan out to subscriber channels.
type Set struct {
	cfg    config.FaultConfig
	logger *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker

	subMu sync.RWMutex
	subs  map[string]chan Event
}

// NewSet creates a breaker set. Zero-valued config fields fall back to
// defaults.
func NewSet(cfg config.FaultConfig, logger *zap.Logger) *Set {
	def := config.DefaultFaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenCooldown <= 0 {
		cfg.OpenCooldown = def.OpenCooldown
	}
	if cfg.CooldownGrowth < 1.0 {
		cfg.CooldownGrowth = def.CooldownGrowth
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = def.MaxCooldown
	}
	if cfg.OutageFraction <= 0 || cfg.OutageFraction > 1 {
		cfg.OutageFraction = def.OutageFraction
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Set{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "breaker_set")),
		breakers: make(map[string]*Breaker),
		subs:     make(map[string]chan Event),
	}
}

// For returns the breaker for an agent, creating it closed on first use.
func (s *Set) For(agentID string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[agentID]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[agentID]; ok {
		return b
	}
	b = newBreaker(agentID, s.cfg, s.onTransition)
	s.breakers[agentID] = b
	return b
}

// Peek returns the breaker view for an agent without creating one.
func (s *Set) Peek(agentID string) (View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.breakers[agentID]
	if !ok {
		return View{}, false
	}
	return b.View(), true
}

// Available reports whether dispatch to an agent is currently admitted.
// Agents without a breaker yet are trivially available.
func (s *Set) Available(agentID string, now time.Time) bool {
	s.mu.RLock()
	b, ok := s.breakers[agentID]
	s.mu.RUnlock()
	if !ok {
		return true
	}
	return b.Available(now)
}

// Views returns a snapshot of every tracked breaker.
func (s *Set) Views() map[string]View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]View, len(s.breakers))
	for id, b := range s.breakers {
		out[id] = b.View()
	}
	return out
}

// Remove drops an agent's breaker. Called when the agent leaves the
// registry.
func (s *Set) Remove(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, agentID)
}

// Subscribe returns a buffered channel of breaker transitions. Slow
// subscribers lose events rather than stalling recorders.
func (s *Set) Subscribe(name string) <-chan Event {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if ch, ok := s.subs[name]; ok {
		return ch
	}
	ch := make(chan Event, 64)
	s.subs[name] = ch
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (s *Set) Unsubscribe(name string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if ch, ok := s.subs[name]; ok {
		close(ch)
		delete(s.subs, name)
	}
}

func (s *Set) onTransition(agentID string, from, to State, v View) {
	s.logger.Info("breaker transition",
		zap.String("agent_id", agentID),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Duration("cooldown", v.Cooldown),
	)

	ev := Event{
		AgentID:   agentID,
		From:      from,
		To:        to,
		Failures:  v.Failures,
		Cooldown:  v.Cooldown,
		Timestamp: time.Now(),
	}

	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for name, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("breaker event dropped",
				zap.String("subscriber", name),
				zap.String("agent_id", ev.AgentID),
			)
		}
	}
}
