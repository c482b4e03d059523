// Package lifecycle orchestrates tasks end to end: submission, queueing,
// dispatch to a selected agent, retry and dead-letter handling, timeout
// watchdog, escalation, and archival.
//
// The manager is the single entry and exit point for external callers.
// Stage transitions follow the state machine on types.TaskStage and are
// driven by queue acknowledgments, protocol results, and deadline expiry.
// Escalation is a terminal outcome distinct from failure: it hands the
// task to human review with its full audit trail.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/balancer"
	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/fault"
	"github.com/BaSui01/agenthive/health"
	"github.com/BaSui01/agenthive/protocol"
	"github.com/BaSui01/agenthive/queue"
	"github.com/BaSui01/agenthive/types"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("lifecycle: manager closed")

// Deps wires the manager to the components it orchestrates. Queue,
// Balancer, Breakers, and Protocol are required; Monitor, Outages, and
// Archive may be nil to disable health feedback, outage gating, and
// archival respectively.
type Deps struct {
	Queue    queue.Queue
	Balancer *balancer.Balancer
	Breakers *fault.Set
	Protocol *protocol.Client
	Monitor  *health.Monitor
	Outages  *fault.OutageDetector
	Archive  ArchiveStore
	Fault    config.FaultConfig
}

func (d Deps) validate() error {
	switch {
	case d.Queue == nil:
		return errors.New("lifecycle: queue is required")
	case d.Balancer == nil:
		return errors.New("lifecycle: balancer is required")
	case d.Breakers == nil:
		return errors.New("lifecycle: breaker set is required")
	case d.Protocol == nil:
		return errors.New("lifecycle: protocol client is required")
	}
	return nil
}

// SubmitRequest is the external task-submission contract.
type SubmitRequest struct {
	Capability types.Capability `json:"capability"`
	Priority   types.Priority   `json:"priority"`
	// PayloadRef is the opaque reference to the work payload.
	PayloadRef string `json:"payload_ref"`
	// Context is the opaque authorization/audit blob passed through
	// unmodified on every hop.
	Context json.RawMessage `json:"context,omitempty"`
	// ConfidenceThreshold escalates results reported below it. Zero
	// disables the check.
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
	// ClinicallyCritical routes the result to mandatory human review.
	ClinicallyCritical bool `json:"clinically_critical,omitempty"`
	// NotBefore delays dispatch until the given instant.
	NotBefore time.Time `json:"not_before,omitempty"`
}

// Manager moves tasks through their lifecycle. One dispatch worker runs
// per priority lane; lower lanes defer to higher ones so cross-lane
// ordering stays strict. A watchdog enforces per-priority deadlines and
// surfaces dead-lettered deliveries.
type Manager struct {
	cfg      config.LifecycleConfig
	queue    queue.Queue
	balancer *balancer.Balancer
	breakers *fault.Set
	protocol *protocol.Client
	monitor  *health.Monitor
	outages  *fault.OutageDetector
	archive  ArchiveStore
	logger   *zap.Logger

	// policies and the critical retryer are derived from the fault config
	// once at construction.
	policies map[types.Priority]fault.Policy
	retryer  *fault.Retryer

	mu    sync.RWMutex
	tasks map[string]*types.Task

	// claimMu serializes lane claims so dispatch stamps record a strict
	// cross-lane order.
	claimMu sync.Mutex

	kicks map[types.Priority]chan struct{}

	escalations chan Escalation
	sinks       []Sink

	done    chan struct{}
	wg      sync.WaitGroup
	sinkWg  sync.WaitGroup
	closed  bool
	started bool
}

// New creates a lifecycle manager. Zero-valued config fields fall back to
// defaults.
func New(cfg config.LifecycleConfig, deps Deps, logger *zap.Logger) (*Manager, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	def := config.DefaultLifecycleConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = def.WatchdogInterval
	}
	if cfg.EscalationBuffer <= 0 {
		cfg.EscalationBuffer = def.EscalationBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "lifecycle"))

	policies := make(map[types.Priority]fault.Policy, 4)
	for _, p := range types.Priorities() {
		policies[p] = fault.PolicyFor(deps.Fault, p)
	}

	kicks := make(map[types.Priority]chan struct{}, 4)
	for _, p := range types.Priorities() {
		kicks[p] = make(chan struct{}, 1)
	}

	m := &Manager{
		cfg:         cfg,
		queue:       deps.Queue,
		balancer:    deps.Balancer,
		breakers:    deps.Breakers,
		protocol:    deps.Protocol,
		monitor:     deps.Monitor,
		outages:     deps.Outages,
		archive:     deps.Archive,
		logger:      logger,
		policies:    policies,
		retryer:     fault.NewRetryer(policies[types.PriorityCritical], logger),
		tasks:       make(map[string]*types.Task),
		kicks:       kicks,
		escalations: make(chan Escalation, cfg.EscalationBuffer),
		done:        make(chan struct{}),
	}

	m.sinks = append(m.sinks, newChannelSink(cfg.EscalationBuffer, logger))
	if cfg.EscalationWebhook != "" {
		m.sinks = append(m.sinks, NewWebhookSink(cfg.EscalationWebhook, logger))
	}
	return m, nil
}

// AddSink registers an additional escalation sink. Must be called before
// Start.
func (m *Manager) AddSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Escalations exposes the in-process escalation stream. Events are dropped
// with a warning if the consumer falls behind; the webhook sink is the
// durable path.
func (m *Manager) Escalations() <-chan Escalation {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sinks {
		if cs, ok := s.(*channelSink); ok {
			return cs.events
		}
	}
	return nil
}

// Start launches the per-lane dispatch workers, the deadline watchdog, and
// the escalation delivery worker. Safe to call once; Submit before Start
// only queues.
func (m *Manager) Start(ctx context.Context) error {
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

	if err := m.queue.Start(ctx); err != nil {
		return fmt.Errorf("lifecycle: start queue: %w", err)
	}

	for _, lane := range types.Priorities() {
		m.wg.Add(1)
		go m.dispatchLoop(ctx, lane)
	}
	m.wg.Add(1)
	go m.watchdogLoop(ctx)

	m.sinkWg.Add(1)
	go m.deliverLoop()

	m.logger.Info("lifecycle manager started",
		zap.Duration("poll_interval", m.cfg.PollInterval),
		zap.Duration("watchdog_interval", m.cfg.WatchdogInterval),
	)
	return nil
}

// Close stops all workers, drains pending escalations to the sinks, and
// closes them.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sinks := make([]Sink, len(m.sinks))
	copy(sinks, m.sinks)
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()

	// All producers have stopped; drain what they emitted.
	close(m.escalations)
	m.sinkWg.Wait()

	for _, s := range sinks {
		if err := s.Close(); err != nil {
			m.logger.Warn("escalation sink close failed", zap.Error(err))
		}
	}
	return nil
}

// Submit validates the request, creates the task, and enqueues it. The
// returned id is the handle for Status, Cancel, and Archive.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.Priority == "" {
		req.Priority = types.PriorityNormal
	}
	if !req.Priority.IsValid() {
		return "", types.NewInvalidRequestError(fmt.Sprintf("lifecycle: unknown priority %q", req.Priority))
	}
	if !req.Capability.IsValid() {
		return "", types.NewInvalidRequestError(fmt.Sprintf("lifecycle: unknown capability %q", req.Capability))
	}
	if req.PayloadRef == "" {
		return "", types.NewInvalidRequestError("lifecycle: payload_ref is required")
	}
	if req.ConfidenceThreshold < 0 || req.ConfidenceThreshold > 1 {
		return "", types.NewInvalidRequestError("lifecycle: confidence_threshold must be in [0, 1]")
	}

	now := time.Now().UTC()
	task := &types.Task{
		ID:                  uuid.NewString(),
		Capability:          req.Capability,
		Priority:            req.Priority,
		PayloadRef:          req.PayloadRef,
		Context:             req.Context,
		ConfidenceThreshold: req.ConfidenceThreshold,
		ClinicallyCritical:  req.ClinicallyCritical,
		Stage:               types.StageCreated,
		MaxAttempts:         m.cfg.MaxAttempts,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	// The task must already sit in the queued stage when the entry becomes
	// claimable, so the transition happens before Enqueue.
	m.transition(task, types.StageQueued)
	task.Trail = append(task.Trail, types.Hop{
		Component: "lifecycle",
		Method:    "submit",
		Outcome:   string(types.StageQueued),
		Timestamp: now,
	})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.tasks[task.ID] = task
	m.mu.Unlock()

	err := m.queue.Enqueue(ctx, &queue.Entry{
		TaskID:     task.ID,
		Capability: task.Capability,
		Priority:   task.Priority,
		NotBefore:  req.NotBefore,
	})
	if err != nil {
		m.mu.Lock()
		delete(m.tasks, task.ID)
		m.mu.Unlock()
		return "", fmt.Errorf("lifecycle: enqueue task: %w", err)
	}
	m.kick(task.Priority)

	m.logger.Info("task submitted",
		zap.String("task_id", task.ID),
		zap.String("capability", string(task.Capability)),
		zap.String("priority", string(task.Priority)),
	)
	return task.ID, nil
}

// Status reports the queryable summary of a task. Archived tasks are
// served from the archive store when one is configured.
func (m *Manager) Status(ctx context.Context, taskID string) (types.TaskStatus, error) {
	m.mu.RLock()
	t, ok := m.tasks[taskID]
	if ok {
		status := statusOf(t)
		m.mu.RUnlock()
		return status, nil
	}
	m.mu.RUnlock()

	if m.archive != nil {
		archived, err := m.archive.Load(ctx, taskID)
		if err == nil {
			return statusOf(archived), nil
		}
		if !types.IsErrorCode(err, types.ErrNotFound) {
			return types.TaskStatus{}, err
		}
	}
	return types.TaskStatus{}, types.NewNotFoundError("lifecycle: unknown task " + taskID)
}

// Cancel requests cancellation. Tasks not yet dispatched are withdrawn
// from the queue and marked failed; dispatched tasks only get the
// best-effort flag, honored if the agent checks it.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return types.NewNotFoundError("lifecycle: unknown task " + taskID)
	}
	if t.Stage.Terminal() {
		m.mu.Unlock()
		return types.NewError(types.ErrInvalidState,
			fmt.Sprintf("lifecycle: task already %s", t.Stage)).WithHTTPStatus(409)
	}
	t.CancelRequested = true
	t.UpdatedAt = time.Now().UTC()
	stage := t.Stage
	m.mu.Unlock()

	if stage != types.StageCreated && stage != types.StageQueued {
		// Best effort only: the core cannot kill agent-side work.
		m.logger.Info("cancellation flagged on dispatched task", zap.String("task_id", taskID))
		return nil
	}

	err := m.queue.Remove(ctx, taskID)
	switch {
	case err == nil:
		m.finishCancelled(ctx, taskID)
	case errors.Is(err, queue.ErrInFlight), errors.Is(err, queue.ErrNotFound):
		// Claimed between the stage check and the removal; the dispatch
		// path honors the flag before sending.
	default:
		return fmt.Errorf("lifecycle: withdraw task: %w", err)
	}
	return nil
}

// Archive moves a terminal task to the archive. The active record is
// dropped; subsequent Status calls are served from the archive store.
func (m *Manager) Archive(ctx context.Context, taskID string) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return types.NewNotFoundError("lifecycle: unknown task " + taskID)
	}
	if !t.Stage.Terminal() || t.Stage == types.StageArchived {
		stage := t.Stage
		m.mu.Unlock()
		return types.NewError(types.ErrInvalidState,
			fmt.Sprintf("lifecycle: cannot archive task in stage %s", stage)).WithHTTPStatus(409)
	}
	m.transition(t, types.StageArchived)
	t.UpdatedAt = time.Now().UTC()
	snap := t.Clone()
	m.mu.Unlock()

	if m.archive != nil {
		if err := m.archive.Save(ctx, snap); err != nil {
			// Keep the active record; a lost archive write must not lose
			// the task.
			m.mu.Lock()
			if cur, ok := m.tasks[taskID]; ok {
				cur.Stage = snap.Stage
			}
			m.mu.Unlock()
			return fmt.Errorf("lifecycle: archive task: %w", err)
		}
	}

	m.mu.Lock()
	delete(m.tasks, taskID)
	m.mu.Unlock()
	return nil
}

// Tasks returns point-in-time snapshots of all active tasks.
func (m *Manager) Tasks() []*types.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

// update applies fn to the task under the store lock and returns a
// snapshot, or nil when the task is unknown.
func (m *Manager) update(taskID string, fn func(*types.Task)) *types.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil
	}
	fn(t)
	t.UpdatedAt = time.Now().UTC()
	return t.Clone()
}

// get returns a snapshot of the task, or nil.
func (m *Manager) get(taskID string) *types.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tasks[taskID]; ok {
		return t.Clone()
	}
	return nil
}

// transition applies a stage change if the state machine permits it and
// reports whether it happened. Callers hold the store lock through update.
func (m *Manager) transition(t *types.Task, next types.TaskStage) bool {
	if !t.Stage.CanTransitionTo(next) {
		m.logger.Debug("stage transition rejected",
			zap.String("task_id", t.ID),
			zap.String("from", string(t.Stage)),
			zap.String("to", string(next)),
		)
		return false
	}
	t.Stage = next
	return true
}

func (m *Manager) finishCancelled(ctx context.Context, taskID string) {
	snap := m.update(taskID, func(t *types.Task) {
		m.transition(t, types.StageFailed)
		t.LastError = "cancelled by caller"
		t.Trail = append(t.Trail, types.Hop{
			Component: "lifecycle",
			Method:    "cancel",
			Outcome:   string(types.StageFailed),
			Timestamp: time.Now().UTC(),
		})
	})
	m.persist(ctx, snap)
	m.logger.Info("task cancelled", zap.String("task_id", taskID))
}

// persist upserts a terminal snapshot into the archive store when one is
// configured. Archival failures are logged, never fatal: the in-memory
// record remains queryable.
func (m *Manager) persist(ctx context.Context, snap *types.Task) {
	if m.archive == nil || snap == nil {
		return
	}
	if err := m.archive.Save(ctx, snap); err != nil {
		m.logger.Error("archive write failed",
			zap.String("task_id", snap.ID),
			zap.Error(err),
		)
	}
}

// kick wakes the lane's dispatch worker without waiting for the next poll.
func (m *Manager) kick(lane types.Priority) {
	select {
	case m.kicks[lane] <- struct{}{}:
	default:
	}
}

func statusOf(t *types.Task) types.TaskStatus {
	trail := make([]types.Hop, len(t.Trail))
	copy(trail, t.Trail)
	return types.TaskStatus{
		TaskID:           t.ID,
		Stage:            t.Stage,
		Priority:         t.Priority,
		Attempts:         t.Attempts,
		AssignedAgent:    t.AssignedAgent,
		LastError:        t.LastError,
		EscalationReason: t.EscalationReason,
		Trail:            trail,
		UpdatedAt:        t.UpdatedAt,
	}
}
