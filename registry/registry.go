// Package registry holds the live set of worker agents: their declared
// capabilities, liveness, health status and rolling metrics.
//
// The registry is the only component that mutates AgentRecords. All writes
// go through optimistic concurrency: every record carries a version, and
// CompareAndUpdate rejects writers that read a stale one. Readers always
// receive deep copies, so a query result is a point-in-time snapshot that
// concurrent status changes cannot corrupt.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/types"
)

// Sentinel errors returned by registry operations.
var (
	// ErrNotFound indicates the agent id is not registered.
	ErrNotFound = errors.New("registry: agent not found")
	// ErrVersionConflict indicates a compare-and-swap lost to a
	// concurrent writer; re-read and retry.
	ErrVersionConflict = errors.New("registry: record version conflict")
	// ErrClosed indicates the registry has been shut down.
	ErrClosed = errors.New("registry: closed")
	// ErrInvalidRecord indicates a structurally invalid registration.
	ErrInvalidRecord = errors.New("registry: invalid agent record")
)

// EventType identifies what happened to an agent record.
type EventType string

const (
	// EventRegistered fires on first registration and on idempotent
	// re-registration.
	EventRegistered EventType = "registered"
	// EventDeregistered fires on explicit deregistration.
	EventDeregistered EventType = "deregistered"
	// EventStatusChanged fires on every status transition, whatever
	// caused it (health evaluation, heartbeat expiry, recovery).
	EventStatusChanged EventType = "status_changed"
	// EventExpired fires when an agent misses its heartbeat window and
	// transitions to offline.
	EventExpired EventType = "expired"
	// EventRemoved fires when an offline record passes its grace period
	// and is dropped.
	EventRemoved EventType = "removed"
)

// Event is one registry change, published to every subscriber channel.
// Record is a snapshot taken at publish time.
type Event struct {
	Type      EventType          `json:"type"`
	AgentID   string             `json:"agent_id"`
	OldStatus types.AgentStatus  `json:"old_status,omitempty"`
	NewStatus types.AgentStatus  `json:"new_status,omitempty"`
	Record    *types.AgentRecord `json:"record,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Stats is an aggregate view for diagnostics and metrics.
type Stats struct {
	TotalAgents  int                       `json:"total_agents"`
	ByStatus     map[types.AgentStatus]int `json:"by_status"`
	ByCapability map[types.Capability]int  `json:"by_capability"`
}

// Registry is the in-memory agent registry.
type Registry struct {
	mu sync.RWMutex

	// agents stores records by agent id.
	agents map[string]*types.AgentRecord

	// capabilityIndex maps capability tag -> set of agent ids, kept in
	// lockstep with the records for fast capability queries.
	capabilityIndex map[types.Capability]map[string]struct{}

	subMu sync.RWMutex
	subs  map[string]chan Event

	cfg    config.RegistryConfig
	logger *zap.Logger

	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
	started bool
}

// New creates a registry. Zero-valued config fields fall back to defaults.
func New(cfg config.RegistryConfig, logger *zap.Logger) *Registry {
	def := config.DefaultRegistryConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MissedHeartbeats <= 0 {
		cfg.MissedHeartbeats = def.MissedHeartbeats
	}
	if cfg.OfflineGrace <= 0 {
		cfg.OfflineGrace = def.OfflineGrace
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		agents:          make(map[string]*types.AgentRecord),
		capabilityIndex: make(map[types.Capability]map[string]struct{}),
		subs:            make(map[string]chan Event),
		cfg:             cfg,
		logger:          logger.With(zap.String("component", "registry")),
		done:            make(chan struct{}),
	}
}

// Start launches the heartbeat-expiry sweep. Safe to call once.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.sweepLoop(ctx)

	r.logger.Info("registry started",
		zap.Duration("heartbeat_interval", r.cfg.HeartbeatInterval),
		zap.Int("missed_heartbeats", r.cfg.MissedHeartbeats),
	)
	return nil
}

// Close stops the sweep and closes all subscriber channels.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()

	r.wg.Wait()

	r.subMu.Lock()
	for name, ch := range r.subs {
		close(ch)
		delete(r.subs, name)
	}
	r.subMu.Unlock()

	r.logger.Info("registry closed")
	return nil
}

// Register creates or idempotently updates an agent record. Re-registering
// an existing id replaces its declared capabilities and endpoint while
// preserving its registration time and rolling metrics; an offline agent
// that re-registers comes back as registered. Returns a snapshot.
func (r *Registry) Register(ctx context.Context, rec *types.AgentRecord) (*types.AgentRecord, error) {
	if rec == nil || rec.ID == "" {
		return nil, ErrInvalidRecord
	}
	if len(rec.Capabilities) == 0 {
		return nil, ErrInvalidRecord
	}
	for c := range rec.Capabilities {
		if !c.IsValid() {
			return nil, ErrInvalidRecord
		}
	}

	now := time.Now()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}

	existing, exists := r.agents[rec.ID]
	var stored *types.AgentRecord
	var statusEvent *Event

	if exists {
		// Idempotent re-registration: latest capabilities win, exactly
		// one record remains.
		r.unindexAgent(existing)

		oldStatus := existing.Status
		existing.Name = rec.Name
		existing.Capabilities = rec.Capabilities.Clone()
		existing.Endpoint = rec.Endpoint
		existing.Weight = rec.Weight
		existing.LastHeartbeat = now
		existing.UpdatedAt = now
		existing.Version++
		if existing.Status == types.StatusOffline {
			existing.Status = types.StatusRegistered
			statusEvent = &Event{
				Type:      EventStatusChanged,
				AgentID:   existing.ID,
				OldStatus: oldStatus,
				NewStatus: existing.Status,
				Timestamp: now,
			}
		}
		stored = existing
	} else {
		stored = rec.Clone()
		stored.Status = types.StatusRegistered
		stored.RegisteredAt = now
		stored.LastHeartbeat = now
		stored.UpdatedAt = now
		stored.Version = 1
		r.agents[stored.ID] = stored
	}

	r.indexAgent(stored)
	snapshot := stored.Clone()
	r.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("agent_id", snapshot.ID),
		zap.Int("capabilities", len(snapshot.Capabilities)),
		zap.Bool("replaced", exists),
	)

	r.publish(Event{
		Type:      EventRegistered,
		AgentID:   snapshot.ID,
		NewStatus: snapshot.Status,
		Record:    snapshot.Clone(),
		Timestamp: now,
	})
	if statusEvent != nil {
		statusEvent.Record = snapshot.Clone()
		r.publish(*statusEvent)
	}

	return snapshot, nil
}

// RenewHeartbeat refreshes an agent's liveness window. An offline agent
// that heartbeats again transitions back to registered so the health
// monitor can re-evaluate it.
func (r *Registry) RenewHeartbeat(ctx context.Context, agentID string) error {
	now := time.Now()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	rec, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}

	rec.LastHeartbeat = now
	rec.UpdatedAt = now
	rec.Version++

	var statusEvent *Event
	if rec.Status == types.StatusOffline {
		old := rec.Status
		rec.Status = types.StatusRegistered
		statusEvent = &Event{
			Type:      EventStatusChanged,
			AgentID:   agentID,
			OldStatus: old,
			NewStatus: rec.Status,
			Record:    rec.Clone(),
			Timestamp: now,
		}
	}
	r.mu.Unlock()

	if statusEvent != nil {
		r.logger.Info("offline agent recovered via heartbeat", zap.String("agent_id", agentID))
		r.publish(*statusEvent)
	}
	return nil
}

// Deregister removes an agent immediately.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	rec, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	r.unindexAgent(rec)
	delete(r.agents, agentID)
	r.mu.Unlock()

	r.logger.Info("agent deregistered", zap.String("agent_id", agentID))
	r.publish(Event{
		Type:      EventDeregistered,
		AgentID:   agentID,
		OldStatus: rec.Status,
		Timestamp: time.Now(),
	})
	return nil
}

// Get returns a snapshot of one agent record.
func (r *Registry) Get(ctx context.Context, agentID string) (*types.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Query returns snapshots of agents matching the capability and status
// filter. An empty capability matches every agent. With no explicit
// statuses, offline agents are excluded; pass statuses to override.
func (r *Registry) Query(ctx context.Context, capability types.Capability, statuses ...types.AgentStatus) []*types.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	if capability == "" {
		ids = make([]string, 0, len(r.agents))
		for id := range r.agents {
			ids = append(ids, id)
		}
	} else {
		idx := r.capabilityIndex[capability]
		ids = make([]string, 0, len(idx))
		for id := range idx {
			ids = append(ids, id)
		}
	}

	out := make([]*types.AgentRecord, 0, len(ids))
	for _, id := range ids {
		rec := r.agents[id]
		if rec == nil {
			continue
		}
		if len(statuses) == 0 {
			if rec.Status == types.StatusOffline {
				continue
			}
		} else if !statusIn(rec.Status, statuses) {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out
}

// List returns snapshots of every record, offline included.
func (r *Registry) List(ctx context.Context) []*types.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, rec.Clone())
	}
	return out
}

// CountDispatchable returns how many agents with the capability are in a
// dispatchable status. The fault layer uses this as the outage denominator.
func (r *Registry) CountDispatchable(capability types.Capability) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for id := range r.capabilityIndex[capability] {
		if rec := r.agents[id]; rec != nil && rec.Status.Dispatchable() {
			n++
		}
	}
	return n
}

// CompareAndUpdate applies a mutation under optimistic concurrency: the
// caller presents the version it read, apply runs on a working copy, and
// the write commits only if the version still matches. On conflict the
// caller re-reads and retries. The status transition, if any, is published
// to subscribers.
func (r *Registry) CompareAndUpdate(ctx context.Context, agentID string, version uint64, apply func(*types.AgentRecord)) (*types.AgentRecord, error) {
	now := time.Now()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	rec, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if rec.Version != version {
		r.mu.Unlock()
		return nil, ErrVersionConflict
	}

	work := rec.Clone()
	apply(work)

	// Identity and bookkeeping fields are not the caller's to change.
	work.ID = rec.ID
	work.RegisteredAt = rec.RegisteredAt
	work.LastHeartbeat = rec.LastHeartbeat
	work.UpdatedAt = now
	work.Version = rec.Version + 1

	oldStatus := rec.Status
	if work.Status != oldStatus && !work.Status.IsValid() {
		r.mu.Unlock()
		return nil, ErrInvalidRecord
	}

	if !capabilitiesEqual(rec.Capabilities, work.Capabilities) {
		r.unindexAgent(rec)
		r.indexAgent(work)
	}
	r.agents[agentID] = work
	snapshot := work.Clone()
	r.mu.Unlock()

	if snapshot.Status != oldStatus {
		r.logger.Info("agent status changed",
			zap.String("agent_id", agentID),
			zap.String("from", string(oldStatus)),
			zap.String("to", string(snapshot.Status)),
		)
		r.publish(Event{
			Type:      EventStatusChanged,
			AgentID:   agentID,
			OldStatus: oldStatus,
			NewStatus: snapshot.Status,
			Record:    snapshot.Clone(),
			Timestamp: now,
		})
	}
	return snapshot, nil
}

// Stats returns aggregate counts for diagnostics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		TotalAgents:  len(r.agents),
		ByStatus:     make(map[types.AgentStatus]int),
		ByCapability: make(map[types.Capability]int),
	}
	for _, rec := range r.agents {
		s.ByStatus[rec.Status]++
	}
	for c, idx := range r.capabilityIndex {
		s.ByCapability[c] = len(idx)
	}
	return s
}

// Subscribe returns a buffered channel receiving every registry event.
// Slow subscribers lose events rather than blocking the registry; the
// channel is closed on Close or Unsubscribe.
func (r *Registry) Subscribe(name string) <-chan Event {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	if ch, ok := r.subs[name]; ok {
		return ch
	}
	ch := make(chan Event, r.cfg.EventBuffer)
	r.subs[name] = ch
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (r *Registry) Unsubscribe(name string) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	if ch, ok := r.subs[name]; ok {
		close(ch)
		delete(r.subs, name)
	}
}

func (r *Registry) publish(ev Event) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for name, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.logger.Warn("registry event dropped",
				zap.String("subscriber", name),
				zap.String("event", string(ev.Type)),
				zap.String("agent_id", ev.AgentID),
			)
		}
	}
}

// sweepLoop expires heartbeats and trims long-offline records.
func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case now := <-ticker.C:
			r.sweepOnce(now)
		}
	}
}

// sweepOnce applies heartbeat expiry at the given instant: agents past the
// TTL go offline, offline agents past the grace period are removed.
func (r *Registry) sweepOnce(now time.Time) {
	ttl := r.cfg.HeartbeatInterval * time.Duration(r.cfg.MissedHeartbeats)

	var events []Event

	r.mu.Lock()
	for id, rec := range r.agents {
		silent := now.Sub(rec.LastHeartbeat)
		switch {
		case rec.Status != types.StatusOffline && silent > ttl:
			old := rec.Status
			rec.Status = types.StatusOffline
			rec.UpdatedAt = now
			rec.Version++
			events = append(events,
				Event{Type: EventExpired, AgentID: id, OldStatus: old, NewStatus: types.StatusOffline, Record: rec.Clone(), Timestamp: now},
				Event{Type: EventStatusChanged, AgentID: id, OldStatus: old, NewStatus: types.StatusOffline, Record: rec.Clone(), Timestamp: now},
			)
		case rec.Status == types.StatusOffline && silent > ttl+r.cfg.OfflineGrace:
			r.unindexAgent(rec)
			delete(r.agents, id)
			events = append(events,
				Event{Type: EventRemoved, AgentID: id, OldStatus: types.StatusOffline, Timestamp: now},
			)
		}
	}
	r.mu.Unlock()

	for _, ev := range events {
		switch ev.Type {
		case EventExpired:
			r.logger.Warn("agent heartbeat expired",
				zap.String("agent_id", ev.AgentID),
				zap.String("previous_status", string(ev.OldStatus)),
			)
		case EventRemoved:
			r.logger.Info("offline agent removed", zap.String("agent_id", ev.AgentID))
		}
		r.publish(ev)
	}
}

func (r *Registry) indexAgent(rec *types.AgentRecord) {
	for c := range rec.Capabilities {
		idx, ok := r.capabilityIndex[c]
		if !ok {
			idx = make(map[string]struct{})
			r.capabilityIndex[c] = idx
		}
		idx[rec.ID] = struct{}{}
	}
}

func (r *Registry) unindexAgent(rec *types.AgentRecord) {
	for c := range rec.Capabilities {
		if idx, ok := r.capabilityIndex[c]; ok {
			delete(idx, rec.ID)
			if len(idx) == 0 {
				delete(r.capabilityIndex, c)
			}
		}
	}
}

func statusIn(st types.AgentStatus, set []types.AgentStatus) bool {
	for _, s := range set {
		if s == st {
			return true
		}
	}
	return false
}

func capabilitiesEqual(a, b types.CapabilitySet) bool {
	if len(a) != len(b) {
		return false
	}
	for c := range a {
		if !b.Has(c) {
			return false
		}
	}
	return true
}
