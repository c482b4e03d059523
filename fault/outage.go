package fault

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/registry"
	"github.com/BaSui01/agenthive/types"
)

// OutageEvent announces a capability outage starting or clearing.
type OutageEvent struct {
	Capability   types.Capability `json:"capability"`
	Active       bool             `json:"active"`
	OpenBreakers int              `json:"open_breakers"`
	Agents       int              `json:"agents"`
	Timestamp    time.Time        `json:"timestamp"`
}

// OutageDetector watches the fraction of open breakers per capability.
// When it crosses the configured fraction the capability is in outage:
// critical dispatch is blocked and tasks escalate immediately instead of
// piling retries onto the survivors.
type OutageDetector struct {
	set      *Set
	registry *registry.Registry
	fraction float64
	logger   *zap.Logger

	mu     sync.Mutex
	active map[types.Capability]bool

	subMu sync.RWMutex
	subs  map[string]chan OutageEvent

	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
	started bool
}

// NewOutageDetector binds the detector to a breaker set and the registry.
func NewOutageDetector(set *Set, reg *registry.Registry, logger *zap.Logger) *OutageDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutageDetector{
		set:      set,
		registry: reg,
		fraction: set.cfg.OutageFraction,
		logger:   logger.With(zap.String("component", "outage_detector")),
		active:   make(map[types.Capability]bool),
		subs:     make(map[string]chan OutageEvent),
		done:     make(chan struct{}),
	}
}

// Start launches the janitor that drops breakers for agents the registry
// forgot. Safe to call once.
func (d *OutageDetector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.closed || d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.mu.Unlock()

	// Subscribe before the loop starts so no departure slips between.
	events := d.registry.Subscribe("outage_detector")

	d.wg.Add(1)
	go d.janitorLoop(ctx, events)
	return nil
}

// Close stops the janitor and closes subscriber channels.
func (d *OutageDetector) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.done)
	d.mu.Unlock()

	d.wg.Wait()

	d.subMu.Lock()
	for name, ch := range d.subs {
		close(ch)
		delete(d.subs, name)
	}
	d.subMu.Unlock()
	return nil
}

// Active evaluates the outage condition for a capability right now. A
// capability with no dispatchable agents at all is not an outage; the
// no-candidate path owns that case.
func (d *OutageDetector) Active(ctx context.Context, capability types.Capability) bool {
	agents := d.registry.Query(ctx, capability)
	if len(agents) == 0 {
		return d.setActive(capability, false, 0, 0)
	}

	open := 0
	for _, rec := range agents {
		if v, ok := d.set.Peek(rec.ID); ok && v.State == StateOpen {
			open++
		}
	}

	outage := float64(open)/float64(len(agents)) >= d.fraction
	return d.setActive(capability, outage, open, len(agents))
}

// setActive records the evaluated state and publishes on edges.
func (d *OutageDetector) setActive(capability types.Capability, outage bool, open, total int) bool {
	d.mu.Lock()
	prev := d.active[capability]
	if outage == prev {
		d.mu.Unlock()
		return outage
	}
	d.active[capability] = outage
	d.mu.Unlock()

	if outage {
		d.logger.Warn("capability outage started",
			zap.String("capability", string(capability)),
			zap.Int("open_breakers", open),
			zap.Int("agents", total),
		)
	} else {
		d.logger.Info("capability outage cleared",
			zap.String("capability", string(capability)),
			zap.Int("open_breakers", open),
			zap.Int("agents", total),
		)
	}

	d.publish(OutageEvent{
		Capability:   capability,
		Active:       outage,
		OpenBreakers: open,
		Agents:       total,
		Timestamp:    time.Now(),
	})
	return outage
}

// Subscribe returns a buffered channel of outage edges.
func (d *OutageDetector) Subscribe(name string) <-chan OutageEvent {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	if ch, ok := d.subs[name]; ok {
		return ch
	}
	ch := make(chan OutageEvent, 16)
	d.subs[name] = ch
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (d *OutageDetector) Unsubscribe(name string) {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	if ch, ok := d.subs[name]; ok {
		close(ch)
		delete(d.subs, name)
	}
}

func (d *OutageDetector) publish(ev OutageEvent) {
	d.subMu.RLock()
	defer d.subMu.RUnlock()

	for name, ch := range d.subs {
		select {
		case ch <- ev:
		default:
			d.logger.Warn("outage event dropped",
				zap.String("subscriber", name),
				zap.String("capability", string(ev.Capability)),
			)
		}
	}
}

// janitorLoop drops breaker state for agents that leave the registry.
func (d *OutageDetector) janitorLoop(ctx context.Context, events <-chan registry.Event) {
	defer d.wg.Done()
	defer d.registry.Unsubscribe("outage_detector")

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == registry.EventDeregistered || ev.Type == registry.EventRemoved {
				d.set.Remove(ev.AgentID)
			}
		}
	}
}
