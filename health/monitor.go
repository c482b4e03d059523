// Package health samples per-agent metrics, folds them into exponential
// moving averages, and drives agent status transitions with hysteresis.
//
// Samples arrive two ways: pushed with agent heartbeats, or pulled by the
// batched probe loop when a Prober is installed. Either way the monitor is
// the sole writer of health status, committing through the registry's
// compare-and-swap so concurrent writers never lose updates. Status
// transitions are announced on subscriber channels; consumers subscribe
// instead of being called back, which keeps lock ordering trivial.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/registry"
	"github.com/BaSui01/agenthive/types"
)

// ErrClosed indicates the monitor has been shut down.
var ErrClosed = errors.New("health: monitor closed")

// Prober actively fetches a metrics sample from an agent. Installed by the
// assembly layer; typically a protocol-client call to the agent's
// health.check method.
type Prober func(ctx context.Context, rec *types.AgentRecord) (types.HealthMetrics, error)

// Event announces one applied status transition.
type Event struct {
	AgentID   string              `json:"agent_id"`
	From      types.AgentStatus   `json:"from"`
	To        types.AgentStatus   `json:"to"`
	Score     float64             `json:"score"`
	Metrics   types.HealthMetrics `json:"metrics"`
	Timestamp time.Time           `json:"timestamp"`
}

// Snapshot is the on-demand diagnostic view of one agent's health state.
type Snapshot struct {
	AgentID    string              `json:"agent_id"`
	Status     types.AgentStatus   `json:"status"`
	Score      float64             `json:"score"`
	Metrics    types.HealthMetrics `json:"metrics"`
	Samples    int                 `json:"samples"`
	LastSample time.Time           `json:"last_sample"`
}

// agentState is the monitor's private evaluation state for one agent.
type agentState struct {
	ema     types.HealthMetrics
	sampled bool

	// pending is the candidate status accumulating agreement; a
	// transition applies only after HysteresisSamples consecutive
	// samples point at the same candidate.
	pending      types.AgentStatus
	pendingCount int

	samples    int
	lastSample time.Time
}

// Monitor evaluates agent health.
type Monitor struct {
	mu     sync.Mutex
	states map[string]*agentState

	subMu sync.RWMutex
	subs  map[string]chan Event

	cfg      config.HealthConfig
	registry *registry.Registry
	prober   Prober
	logger   *zap.Logger

	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
	started bool
}

// New creates a monitor bound to the registry. Zero-valued config fields
// fall back to defaults.
func New(cfg config.HealthConfig, reg *registry.Registry, logger *zap.Logger) *Monitor {
	def := config.DefaultHealthConfig()
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if cfg.EMAAlpha <= 0 || cfg.EMAAlpha > 1 {
		cfg.EMAAlpha = def.EMAAlpha
	}
	if cfg.HysteresisSamples <= 0 {
		cfg.HysteresisSamples = def.HysteresisSamples
	}
	if cfg.HealthyFloor <= 0 {
		cfg.HealthyFloor = def.HealthyFloor
	}
	if cfg.DegradedFloor <= 0 {
		cfg.DegradedFloor = def.DegradedFloor
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Monitor{
		states:   make(map[string]*agentState),
		subs:     make(map[string]chan Event),
		cfg:      cfg,
		registry: reg,
		logger:   logger.With(zap.String("component", "health_monitor")),
		done:     make(chan struct{}),
	}
}

// SetProber installs the active probe hook. Must be called before Start.
func (m *Monitor) SetProber(p Prober) {
	m.prober = p
}

// Start launches the probe loop and the registry-event janitor.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	// Subscribe before the loops start so no departure slips between.
	events := m.registry.Subscribe("health_monitor")

	m.wg.Add(2)
	go m.probeLoop(ctx)
	go m.janitorLoop(ctx, events)

	m.logger.Info("health monitor started",
		zap.Duration("sample_interval", m.cfg.SampleInterval),
		zap.Int("hysteresis_samples", m.cfg.HysteresisSamples),
	)
	return nil
}

// Close stops background loops and closes subscriber channels.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()

	m.subMu.Lock()
	for name, ch := range m.subs {
		close(ch)
		delete(m.subs, name)
	}
	m.subMu.Unlock()
	return nil
}

// Observe folds one metrics sample into the agent's moving averages,
// evaluates the composite score against the status thresholds, and applies
// a transition once hysteresis agrees. The returned snapshot reflects the
// post-observation state.
func (m *Monitor) Observe(ctx context.Context, agentID string, sample types.HealthMetrics) (Snapshot, error) {
	rec, err := m.registry.Get(ctx, agentID)
	if err != nil {
		return Snapshot{}, err
	}

	now := time.Now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	st, ok := m.states[agentID]
	if !ok {
		st = &agentState{}
		m.states[agentID] = st
	}

	if st.sampled {
		st.ema = foldEMA(st.ema, sample, m.cfg.EMAAlpha)
	} else {
		st.ema = sample
		st.sampled = true
	}
	st.samples++
	st.lastSample = now

	score := Score(st.ema)
	target := m.statusFor(score)
	current := rec.Status

	transition := false
	switch {
	case current == types.StatusOffline:
		// Offline is owned by the heartbeat expiry path; metrics alone
		// never resurrect an agent.
		st.pending, st.pendingCount = "", 0
	case target == current:
		st.pending, st.pendingCount = "", 0
	case target == st.pending:
		st.pendingCount++
		if st.pendingCount >= m.cfg.HysteresisSamples {
			transition = true
			st.pending, st.pendingCount = "", 0
		}
	default:
		st.pending, st.pendingCount = target, 1
		if m.cfg.HysteresisSamples <= 1 {
			transition = true
			st.pending, st.pendingCount = "", 0
		}
	}

	ema := st.ema
	snap := Snapshot{
		AgentID:    agentID,
		Status:     current,
		Score:      score,
		Metrics:    ema,
		Samples:    st.samples,
		LastSample: st.lastSample,
	}
	m.mu.Unlock()

	if err := m.commit(ctx, agentID, ema, target, transition); err != nil {
		// A lost CAS means someone else just rewrote the record; the
		// next sample re-evaluates against the fresh state.
		m.logger.Warn("health commit failed",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		return snap, nil
	}

	if transition {
		snap.Status = target
		m.logger.Info("health status transition",
			zap.String("agent_id", agentID),
			zap.String("from", string(current)),
			zap.String("to", string(target)),
			zap.Float64("score", score),
		)
		m.publish(Event{
			AgentID:   agentID,
			From:      current,
			To:        target,
			Score:     score,
			Metrics:   ema,
			Timestamp: now,
		})
	}
	return snap, nil
}

// Snapshot returns the diagnostic view for one agent.
func (m *Monitor) Snapshot(ctx context.Context, agentID string) (Snapshot, error) {
	rec, err := m.registry.Get(ctx, agentID)
	if err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[agentID]
	if !ok {
		// Registered but never sampled: status is whatever the registry
		// says, score unknown-as-neutral.
		return Snapshot{AgentID: agentID, Status: rec.Status, Score: Score(rec.Metrics), Metrics: rec.Metrics}, nil
	}
	return Snapshot{
		AgentID:    agentID,
		Status:     rec.Status,
		Score:      Score(st.ema),
		Metrics:    st.ema,
		Samples:    st.samples,
		LastSample: st.lastSample,
	}, nil
}

// Snapshots returns diagnostic views for every tracked agent.
func (m *Monitor) Snapshots(ctx context.Context) []Snapshot {
	out := make([]Snapshot, 0)
	for _, rec := range m.registry.List(ctx) {
		if snap, err := m.Snapshot(ctx, rec.ID); err == nil {
			out = append(out, snap)
		}
	}
	return out
}

// Subscribe returns a buffered channel of status-change events. Slow
// subscribers lose events rather than stalling evaluation.
func (m *Monitor) Subscribe(name string) <-chan Event {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if ch, ok := m.subs[name]; ok {
		return ch
	}
	ch := make(chan Event, m.cfg.EventBuffer)
	m.subs[name] = ch
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *Monitor) Unsubscribe(name string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if ch, ok := m.subs[name]; ok {
		close(ch)
		delete(m.subs, name)
	}
}

func (m *Monitor) publish(ev Event) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for name, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Warn("health event dropped",
				zap.String("subscriber", name),
				zap.String("agent_id", ev.AgentID),
			)
		}
	}
}

// commit writes the EMA view (and the transition, when one fired) through
// the registry CAS, retrying a bounded number of times on version races.
func (m *Monitor) commit(ctx context.Context, agentID string, ema types.HealthMetrics, target types.AgentStatus, transition bool) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		rec, err := m.registry.Get(ctx, agentID)
		if err != nil {
			return err
		}
		_, err = m.registry.CompareAndUpdate(ctx, agentID, rec.Version, func(w *types.AgentRecord) {
			w.Metrics = ema
			if transition && w.Status != types.StatusOffline {
				w.Status = target
			}
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, registry.ErrVersionConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// statusFor maps a composite score onto a status via the configured floors.
func (m *Monitor) statusFor(score float64) types.AgentStatus {
	switch {
	case score >= m.cfg.HealthyFloor:
		return types.StatusHealthy
	case score >= m.cfg.DegradedFloor:
		return types.StatusDegraded
	default:
		return types.StatusUnhealthy
	}
}

// probeLoop actively samples agents that have gone quiet, when a Prober is
// installed. Probes run batched with bounded parallelism.
func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case now := <-ticker.C:
			if m.prober == nil {
				continue
			}
			m.probeStale(ctx, now)
		}
	}
}

func (m *Monitor) probeStale(ctx context.Context, now time.Time) {
	var stale []*types.AgentRecord
	for _, rec := range m.registry.List(ctx) {
		if rec.Status == types.StatusOffline {
			continue
		}
		m.mu.Lock()
		st, ok := m.states[rec.ID]
		fresh := ok && now.Sub(st.lastSample) < m.cfg.SampleInterval
		m.mu.Unlock()
		if !fresh {
			stale = append(stale, rec)
		}
	}
	if len(stale) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, rec := range stale {
		g.Go(func() error {
			sample, err := m.prober(gctx, rec)
			if err != nil {
				// A failed probe reads as a full-error sample with
				// latency pegged at the ceiling.
				sample = types.HealthMetrics{ErrorRate: 1, ResponseTimeMS: maxResponseTimeMS}
				m.logger.Debug("health probe failed",
					zap.String("agent_id", rec.ID),
					zap.Error(err),
				)
			}
			_, _ = m.Observe(gctx, rec.ID, sample)
			return nil
		})
	}
	_ = g.Wait()
}

// janitorLoop drops evaluation state for agents the registry forgot.
func (m *Monitor) janitorLoop(ctx context.Context, events <-chan registry.Event) {
	defer m.wg.Done()
	defer m.registry.Unsubscribe("health_monitor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == registry.EventDeregistered || ev.Type == registry.EventRemoved {
				m.mu.Lock()
				delete(m.states, ev.AgentID)
				m.mu.Unlock()
			}
		}
	}
}

// foldEMA applies the smoothing factor field-wise.
func foldEMA(old, sample types.HealthMetrics, alpha float64) types.HealthMetrics {
	f := func(o, n float64) float64 { return alpha*n + (1-alpha)*o }
	return types.HealthMetrics{
		ResponseTimeMS:   f(old.ResponseTimeMS, sample.ResponseTimeMS),
		ErrorRate:        f(old.ErrorRate, sample.ErrorRate),
		Throughput:       f(old.Throughput, sample.Throughput),
		CPUPercent:       f(old.CPUPercent, sample.CPUPercent),
		MemoryPercent:    f(old.MemoryPercent, sample.MemoryPercent),
		DiskPercent:      f(old.DiskPercent, sample.DiskPercent),
		NetworkLatencyMS: f(old.NetworkLatencyMS, sample.NetworkLatencyMS),
		QueueLength:      f(old.QueueLength, sample.QueueLength),
		ConnectionCount:  f(old.ConnectionCount, sample.ConnectionCount),
		ComplianceScore:  f(old.ComplianceScore, sample.ComplianceScore),
	}
}
