package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/fault"
	"github.com/BaSui01/agenthive/types"
)

// Escalation is the hand-off record to external review: the full task
// snapshot, the trigger that fired, and the accumulated audit trail.
type Escalation struct {
	TaskID    string                 `json:"task_id"`
	Reason    types.EscalationReason `json:"trigger"`
	Snapshot  *types.Task            `json:"snapshot"`
	Trail     []types.Hop            `json:"audit_trail,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Sink receives escalation events. Delivery runs on a single worker, so
// implementations may block briefly but should not stall indefinitely.
type Sink interface {
	Deliver(ctx context.Context, ev Escalation) error
	Close() error
}

// escalate moves a task to the escalated terminal stage and emits the
// review hand-off. A task already terminal is left untouched, which makes
// the call safe from racing triggers.
func (m *Manager) escalate(ctx context.Context, taskID string, reason types.EscalationReason, detail string) {
	var emitted bool
	snap := m.update(taskID, func(t *types.Task) {
		if !m.transition(t, types.StageEscalated) {
			return
		}
		emitted = true
		t.EscalationReason = reason
		t.LastError = detail
		t.Trail = append(t.Trail, types.Hop{
			Component: "lifecycle",
			Method:    "escalate",
			Outcome:   string(reason),
			Timestamp: time.Now().UTC(),
		})
	})
	if snap == nil || !emitted {
		return
	}
	m.persist(ctx, snap)

	ev := Escalation{
		TaskID:    snap.ID,
		Reason:    reason,
		Snapshot:  snap,
		Trail:     snap.Trail,
		Timestamp: time.Now().UTC(),
	}
	select {
	case m.escalations <- ev:
	case <-m.done:
		m.logger.Error("escalation dropped at shutdown",
			zap.String("task_id", taskID),
			zap.String("trigger", string(reason)),
		)
	}

	m.logger.Warn("task escalated",
		zap.String("task_id", taskID),
		zap.String("trigger", string(reason)),
		zap.String("detail", detail),
	)
}

// deliverLoop fans each escalation out to every sink. It drains the
// channel to completion, so events emitted before Close still reach the
// sinks.
func (m *Manager) deliverLoop() {
	defer m.sinkWg.Done()
	for ev := range m.escalations {
		m.mu.Lock()
		sinks := make([]Sink, len(m.sinks))
		copy(sinks, m.sinks)
		m.mu.Unlock()

		for _, s := range sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.Deliver(ctx, ev); err != nil {
				m.logger.Error("escalation delivery failed",
					zap.String("task_id", ev.TaskID),
					zap.String("trigger", string(ev.Reason)),
					zap.Error(err),
				)
			}
			cancel()
		}
	}
}

// ---------------------------------------------------------------------------
// channel sink
// ---------------------------------------------------------------------------

// channelSink exposes escalations as an in-process stream. A full buffer
// drops the event with a warning rather than stalling the delivery
// worker; consumers needing durability use the webhook sink.
type channelSink struct {
	events chan Escalation
	logger *zap.Logger
}

func newChannelSink(buffer int, logger *zap.Logger) *channelSink {
	return &channelSink{
		events: make(chan Escalation, buffer),
		logger: logger,
	}
}

func (s *channelSink) Deliver(_ context.Context, ev Escalation) error {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("escalation stream full, dropping event",
			zap.String("task_id", ev.TaskID),
			zap.String("trigger", string(ev.Reason)),
		)
	}
	return nil
}

func (s *channelSink) Close() error {
	close(s.events)
	return nil
}

// ---------------------------------------------------------------------------
// webhook sink
// ---------------------------------------------------------------------------

// WebhookSink posts escalations as JSON to an external review endpoint,
// retrying transient delivery failures.
type WebhookSink struct {
	url     string
	client  *http.Client
	retryer *fault.Retryer
	logger  *zap.Logger
}

// NewWebhookSink creates a sink for the given endpoint URL.
func NewWebhookSink(url string, logger *zap.Logger) *WebhookSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		retryer: fault.NewRetryer(fault.Policy{
			MaxRetries: 2,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   5 * time.Second,
			Growth:     2.0,
			Jitter:     0.2,
		}, logger),
		logger: logger.With(zap.String("component", "escalation_webhook")),
	}
}

func (s *WebhookSink) Deliver(ctx context.Context, ev Escalation) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("lifecycle: encode escalation: %w", err)
	}
	return s.retryer.Do(ctx, func(ctx context.Context) error {
		return s.post(ctx, body)
	})
}

func (s *WebhookSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return types.NewProtocolError("lifecycle: build webhook request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return types.NewTransientError("lifecycle: webhook unreachable").WithCause(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 500 {
		return types.NewTransientError(fmt.Sprintf("lifecycle: webhook returned status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 300 {
		return types.NewProtocolError(fmt.Sprintf("lifecycle: webhook returned status %d", resp.StatusCode))
	}
	return nil
}

func (s *WebhookSink) Close() error { return nil }
