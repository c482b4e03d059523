package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/queue"
	"github.com/BaSui01/agenthive/types"
)

// dispatchPayload is the envelope body handed to the agent. The work
// payload itself stays opaque behind its reference.
type dispatchPayload struct {
	TaskID     string           `json:"task_id"`
	Capability types.Capability `json:"capability"`
	PayloadRef string           `json:"payload_ref"`
	Attempt    int              `json:"attempt"`
	Deadline   time.Time        `json:"deadline,omitempty"`
}

// agentResult is the structured part of an agent's response payload.
// Unknown fields pass through untouched inside ResultRef's target.
type agentResult struct {
	ResultRef  string  `json:"result_ref"`
	Confidence float64 `json:"confidence"`
}

// dispatchLoop is the worker for one priority lane. It drains the lane
// one claim at a time and parks on the poll ticker or a submit kick when
// nothing is deliverable.
func (m *Manager) dispatchLoop(ctx context.Context, lane types.Priority) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for m.claimAndDispatch(ctx, lane) {
		}
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
		case <-m.kicks[lane]:
		}
	}
}

// claimAndDispatch claims at most one entry from the lane and runs it
// through the dispatch pipeline. It reports whether the lane should be
// polled again immediately.
//
// Claims across all lanes are serialized under claimMu, and each claim
// stamps the dispatch under the same hold, so the recorded dispatch order
// is strictly priority-ordered.
func (m *Manager) claimAndDispatch(ctx context.Context, lane types.Priority) bool {
	select {
	case <-ctx.Done():
		return false
	case <-m.done:
		return false
	default:
	}

	m.claimMu.Lock()
	if m.higherLaneReady(ctx, lane) {
		m.claimMu.Unlock()
		return false
	}
	entries, err := m.queue.DequeueLane(ctx, lane, 1)
	if err != nil {
		m.claimMu.Unlock()
		if !errors.Is(err, queue.ErrClosed) {
			m.logger.Error("lane dequeue failed",
				zap.String("lane", string(lane)),
				zap.Error(err),
			)
		}
		return false
	}
	if len(entries) == 0 {
		m.claimMu.Unlock()
		return false
	}
	entry := entries[0]
	task := m.beginDispatch(ctx, entry)
	m.claimMu.Unlock()

	if task != nil {
		m.dispatch(ctx, entry, task)
	}
	return true
}

// higherLaneReady reports whether any lane above this one has deliverable
// work. The caller holds claimMu, so the check and the subsequent claim
// are atomic with respect to the other lane workers.
func (m *Manager) higherLaneReady(ctx context.Context, lane types.Priority) bool {
	if lane == types.PriorityCritical {
		return false
	}
	stats, err := m.queue.Stats(ctx)
	if err != nil {
		return false
	}
	for _, p := range types.Priorities() {
		if p.Rank() >= lane.Rank() {
			break
		}
		if stats.Ready[p] > 0 {
			return true
		}
	}
	return false
}

// beginDispatch moves a claimed task from queued to dispatched and stamps
// the deadline on its first delivery. It returns nil when the claim must
// be dropped: unknown task, honored cancellation, or a stale redelivery
// of a task that has already moved on.
func (m *Manager) beginDispatch(ctx context.Context, entry *queue.Entry) *types.Task {
	m.mu.Lock()
	t, ok := m.tasks[entry.TaskID]
	if !ok {
		m.mu.Unlock()
		m.ack(ctx, entry.TaskID)
		m.logger.Warn("claimed entry has no task record", zap.String("task_id", entry.TaskID))
		return nil
	}
	if t.CancelRequested && t.Stage == types.StageQueued {
		m.mu.Unlock()
		m.ack(ctx, entry.TaskID)
		m.finishCancelled(ctx, entry.TaskID)
		return nil
	}
	if t.Stage != types.StageQueued {
		// Redelivery raced a task that already reached a terminal stage or
		// is still being worked; the watchdog owns stuck deliveries.
		stage := t.Stage
		m.mu.Unlock()
		m.ack(ctx, entry.TaskID)
		m.logger.Debug("dropping stale delivery",
			zap.String("task_id", entry.TaskID),
			zap.String("stage", string(stage)),
		)
		return nil
	}

	m.transition(t, types.StageDispatched)
	t.Attempts = entry.Attempts
	if t.DispatchedAt.IsZero() {
		// The escalation clock starts at the first dispatch and is never
		// reset by redeliveries.
		now := time.Now().UTC()
		t.DispatchedAt = now
		t.Deadline = now.Add(t.Priority.DispatchTimeout())
	}
	t.UpdatedAt = time.Now().UTC()
	snap := t.Clone()
	m.mu.Unlock()
	return snap
}

// dispatch runs one delivery attempt end to end: outage gate, agent
// selection, protocol send through the agent's breaker, health feedback,
// and result evaluation or retreat.
func (m *Manager) dispatch(ctx context.Context, entry *queue.Entry, task *types.Task) {
	if task.Priority == types.PriorityCritical && m.outageActive(ctx, task.Capability) {
		m.ack(ctx, task.ID)
		m.escalate(ctx, task.ID, types.EscalateCapabilityOutage,
			"no healthy agents provide "+string(task.Capability))
		return
	}

	agent, err := m.balancer.Select(ctx, task.Capability, task.Priority)
	if err != nil {
		m.retreat(ctx, task, entry, err)
		return
	}

	if m.update(task.ID, func(t *types.Task) {
		m.transition(t, types.StageProcessing)
		t.AssignedAgent = agent.ID
	}) == nil {
		m.ack(ctx, task.ID)
		return
	}

	body, _ := json.Marshal(dispatchPayload{
		TaskID:     task.ID,
		Capability: task.Capability,
		PayloadRef: task.PayloadRef,
		Attempt:    entry.Attempts,
		Deadline:   task.Deadline,
	})
	req := types.NewRequest(agent.ID, string(task.Capability), task.Priority, string(task.Context), body)

	m.balancer.Acquire(agent.ID)
	start := time.Now()
	resp, err := m.send(ctx, agent.Endpoint, agent.ID, req)
	elapsed := time.Since(start)
	m.balancer.Release(agent.ID, err)
	m.observe(ctx, agent.ID, elapsed, err)

	if err != nil {
		m.update(task.ID, func(t *types.Task) {
			t.Trail = append(t.Trail, req.Hops...)
		})
		m.retreat(ctx, task, entry, err)
		return
	}
	m.complete(ctx, task.ID, req, resp)
}

// send issues the protocol request through the agent's circuit breaker.
// Critical traffic additionally gets immediate in-process retries; an
// open breaker is not retryable and stops the retryer at once. Every
// attempt leaves its hops on the request envelope.
func (m *Manager) send(ctx context.Context, endpoint, agentID string, req *types.Message) (*types.Message, error) {
	br := m.breakers.For(agentID)
	var resp *types.Message
	attempt := func(ctx context.Context) error {
		return br.Do(ctx, func(ctx context.Context) error {
			r, err := m.protocol.SendRequest(ctx, endpoint, req)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
	}

	var err error
	if req.Priority == types.PriorityCritical {
		err = m.retryer.Do(ctx, attempt)
	} else {
		err = attempt(ctx)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// observe feeds the attempt outcome back into the health monitor. The
// current averages are carried forward so a dispatch sample only moves
// latency and error rate. Breaker-rejected attempts never reached the
// agent and carry no signal.
func (m *Manager) observe(ctx context.Context, agentID string, elapsed time.Duration, sendErr error) {
	if m.monitor == nil {
		return
	}
	if types.GetErrorCode(sendErr) == types.ErrCircuitOpen {
		return
	}
	snap, _ := m.monitor.Snapshot(ctx, agentID)
	sample := snap.Metrics
	sample.ResponseTimeMS = float64(elapsed.Milliseconds())
	if sendErr != nil {
		sample.ErrorRate = 1
	} else {
		sample.ErrorRate = 0
	}
	if _, err := m.monitor.Observe(ctx, agentID, sample); err != nil {
		m.logger.Debug("health feedback dropped",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
	}
}

// complete evaluates a successful response. Escalation policy runs before
// completion: a clinically critical flag or a confidence below the task's
// threshold routes the result to review instead. Late results for tasks
// the watchdog already finished are attached without a stage change.
func (m *Manager) complete(ctx context.Context, taskID string, req, resp *types.Message) {
	res := parseResult(resp.Payload)

	var (
		reason types.EscalationReason
		detail string
	)
	snap := m.update(taskID, func(t *types.Task) {
		t.Trail = append(t.Trail, req.Hops...)
		t.Trail = append(t.Trail, resp.Hops...)
		t.ResultRef = res.ResultRef
		t.Confidence = res.Confidence
		if t.Stage.Terminal() {
			return
		}
		switch {
		case t.ClinicallyCritical:
			reason = types.EscalateClinicallyCritical
			detail = "clinically critical result requires review"
		case t.ConfidenceThreshold > 0 && res.Confidence < t.ConfidenceThreshold:
			reason = types.EscalateLowConfidence
			detail = fmt.Sprintf("confidence %.2f below threshold %.2f", res.Confidence, t.ConfidenceThreshold)
		default:
			m.transition(t, types.StageCompleted)
			t.LastError = ""
			t.Trail = append(t.Trail, types.Hop{
				Component: "lifecycle",
				Method:    "complete",
				Outcome:   string(types.StageCompleted),
				Timestamp: time.Now().UTC(),
			})
		}
	})
	m.ack(ctx, taskID)
	if snap == nil {
		return
	}

	if reason != "" {
		m.escalate(ctx, taskID, reason, detail)
		return
	}
	if snap.Stage == types.StageCompleted {
		m.persist(ctx, snap)
		m.logger.Info("task completed",
			zap.String("task_id", taskID),
			zap.String("agent_id", snap.AssignedAgent),
			zap.Int("attempts", snap.Attempts),
			zap.Float64("confidence", snap.Confidence),
		)
	}
}

// retreat returns a failed delivery to its lane. Non-critical lanes spend
// their backoff budget as redelivery delay; critical redelivers at once
// because its immediate retries already ran in-process. An exhausted
// delivery budget dead-letters the entry and escalates on the spot.
func (m *Manager) retreat(ctx context.Context, task *types.Task, entry *queue.Entry, cause error) {
	if task.Priority == types.PriorityCritical && m.outageActive(ctx, task.Capability) {
		m.ack(ctx, task.ID)
		m.escalate(ctx, task.ID, types.EscalateCapabilityOutage,
			"no healthy agents provide "+string(task.Capability))
		return
	}

	m.update(task.ID, func(t *types.Task) {
		m.transition(t, types.StageQueued)
		t.LastError = cause.Error()
	})

	var delay time.Duration
	if task.Priority != types.PriorityCritical {
		delay = m.policies[task.Priority].Delay(entry.Attempts)
	}

	dead, err := m.queue.Nack(ctx, task.ID, delay)
	if err != nil {
		// The queue no longer tracks this delivery; deadline expiry will
		// surface the task if it never lands.
		m.logger.Error("nack failed",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		return
	}
	if dead {
		m.escalate(ctx, task.ID, types.EscalateDeliveryExhausted,
			fmt.Sprintf("delivery attempts exhausted after %d tries: %s", entry.Attempts, cause))
		if err := m.queue.AckDead(ctx, task.ID); err != nil && !errors.Is(err, queue.ErrNotFound) {
			m.logger.Error("dead letter ack failed",
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
		}
		return
	}

	m.logger.Info("task requeued",
		zap.String("task_id", task.ID),
		zap.String("code", string(types.GetErrorCode(cause))),
		zap.Int("attempts", entry.Attempts),
		zap.Duration("delay", delay),
	)
}

func (m *Manager) outageActive(ctx context.Context, capability types.Capability) bool {
	return m.outages != nil && m.outages.Active(ctx, capability)
}

// ack acknowledges a delivery, tolerating entries the queue has already
// let go of.
func (m *Manager) ack(ctx context.Context, taskID string) {
	err := m.queue.Ack(ctx, taskID)
	if err != nil && !errors.Is(err, queue.ErrNotInFlight) && !errors.Is(err, queue.ErrNotFound) {
		m.logger.Error("ack failed",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}
}

func parseResult(payload json.RawMessage) agentResult {
	var res agentResult
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &res)
	}
	return res
}

// ---------------------------------------------------------------------------
// watchdog
// ---------------------------------------------------------------------------

func (m *Manager) watchdogLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.sweepExpired(ctx)
			m.sweepDeadLetters(ctx)
		}
	}
}

// sweepExpired escalates every non-terminal task whose dispatch deadline
// has passed. The queue entry is withdrawn when possible; an in-flight
// delivery is left to finish, and its stale redelivery is dropped at the
// next claim.
func (m *Manager) sweepExpired(ctx context.Context) {
	now := time.Now().UTC()

	var expired []*types.Task
	m.mu.RLock()
	for _, t := range m.tasks {
		if !t.Stage.Terminal() && t.Expired(now) {
			expired = append(expired, t.Clone())
		}
	}
	m.mu.RUnlock()

	for _, t := range expired {
		err := m.queue.Remove(ctx, t.ID)
		if err != nil && !errors.Is(err, queue.ErrNotFound) && !errors.Is(err, queue.ErrInFlight) {
			m.logger.Warn("expired entry withdrawal failed",
				zap.String("task_id", t.ID),
				zap.Error(err),
			)
		}
		m.escalate(ctx, t.ID, types.EscalateTimeout,
			fmt.Sprintf("no result within the %s budget for %s priority",
				t.Priority.DispatchTimeout(), t.Priority))
	}
}

// sweepDeadLetters escalates entries the queue's own redelivery sweep
// dead-lettered, where no dispatch attempt was holding the delivery.
func (m *Manager) sweepDeadLetters(ctx context.Context) {
	entries, err := m.queue.DeadLetters(ctx, 64)
	if err != nil {
		if !errors.Is(err, queue.ErrClosed) {
			m.logger.Error("dead letter sweep failed", zap.Error(err))
		}
		return
	}
	for _, e := range entries {
		m.escalate(ctx, e.TaskID, types.EscalateDeliveryExhausted,
			fmt.Sprintf("delivery attempts exhausted after %d tries", e.Attempts))
		if err := m.queue.AckDead(ctx, e.TaskID); err != nil && !errors.Is(err, queue.ErrNotFound) {
			m.logger.Error("dead letter ack failed",
				zap.String("task_id", e.TaskID),
				zap.Error(err),
			)
		}
	}
}
