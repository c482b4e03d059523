// Package queue implements the four-lane priority queue feeding the
// dispatch workers.
//
// Lanes drain in strict priority order: critical, high, normal, low.
// Within a lane, entries are grouped per capability and drained round-robin
// across capabilities, FIFO within each, so a flooded capability cannot
// starve the rest of its lane. Delivery is at-least-once: a dequeued entry
// stays invisible until it is acked, nacked, or its visibility timeout
// expires and the redelivery sweep returns it to its lane. An entry that
// exhausts its delivery attempts moves to the dead-letter lane instead of
// being retried further.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/types"
)

var (
	// ErrInvalidEntry indicates a nil entry or one missing its task id,
	// capability, or priority.
	ErrInvalidEntry = errors.New("queue: invalid entry")
	// ErrDuplicate indicates the task id is already queued, in flight, or
	// dead-lettered.
	ErrDuplicate = errors.New("queue: entry already queued")
	// ErrNotFound indicates no queued entry carries the task id.
	ErrNotFound = errors.New("queue: entry not found")
	// ErrInFlight indicates the entry is currently delivered and cannot be
	// removed until it is acked, nacked, or redelivered.
	ErrInFlight = errors.New("queue: entry is in flight")
	// ErrNotInFlight indicates an ack or nack for an entry that is not
	// currently delivered.
	ErrNotInFlight = errors.New("queue: entry not in flight")
	// ErrClosed indicates the queue has been shut down.
	ErrClosed = errors.New("queue: closed")
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Entry is one queued unit of work. The task id doubles as the
// acknowledgment handle.
type Entry struct {
	TaskID     string           `json:"task_id"`
	Capability types.Capability `json:"capability"`
	Priority   types.Priority   `json:"priority"`

	// Payload is the opaque dispatch payload carried to the consumer.
	Payload []byte `json:"payload,omitempty"`

	// NotBefore hides the entry from consumers until the given instant.
	// Zero means deliverable immediately.
	NotBefore time.Time `json:"not_before"`

	// EnqueuedAt orders entries within a capability sub-queue.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Attempts counts deliveries. Dequeue increments it, so a consumer
	// holding the entry sees a count that includes its own delivery.
	Attempts int `json:"attempts"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	if e.Payload != nil {
		out.Payload = make([]byte, len(e.Payload))
		copy(out.Payload, e.Payload)
	}
	return &out
}

func (e *Entry) validate() error {
	if e == nil || e.TaskID == "" {
		return ErrInvalidEntry
	}
	if !e.Priority.IsValid() {
		return ErrInvalidEntry
	}
	if !e.Capability.IsValid() {
		return ErrInvalidEntry
	}
	return nil
}

// readyAt is the instant the entry becomes deliverable.
func (e *Entry) readyAt() time.Time {
	if e.NotBefore.After(e.EnqueuedAt) {
		return e.NotBefore
	}
	return e.EnqueuedAt
}

// Stats is a point-in-time census of the queue.
type Stats struct {
	// Ready counts deliverable entries per lane.
	Ready map[types.Priority]int `json:"ready"`
	// Delayed counts entries parked on a future not-before.
	Delayed int `json:"delayed"`
	// InFlight counts delivered, unacknowledged entries.
	InFlight int `json:"in_flight"`
	// DeadLetter counts entries that exhausted their delivery attempts.
	DeadLetter int `json:"dead_letter"`
}

// Queue is the at-least-once priority queue consumed by the dispatch
// workers. Implementations are safe for concurrent use.
type Queue interface {
	// Start launches the redelivery sweep. Safe to call once.
	Start(ctx context.Context) error
	// Close stops the sweep and rejects further operations.
	Close() error

	// Enqueue adds an entry to its priority lane. Task ids must be unique
	// across the whole queue.
	Enqueue(ctx context.Context, e *Entry) error
	// Dequeue claims up to max deliverable entries, draining lanes in
	// strict priority order. Claimed entries become invisible until acked,
	// nacked, or their visibility timeout expires.
	Dequeue(ctx context.Context, max int) ([]*Entry, error)
	// DequeueLane claims up to max deliverable entries from a single lane.
	DequeueLane(ctx context.Context, lane types.Priority, max int) ([]*Entry, error)
	// Ack confirms a delivery and removes the entry permanently.
	Ack(ctx context.Context, taskID string) error
	// Nack returns a delivered entry to its lane after the given delay, or
	// moves it to the dead-letter lane when its delivery attempts are
	// exhausted. The returned flag reports the dead-letter move.
	Nack(ctx context.Context, taskID string, delay time.Duration) (bool, error)
	// Remove drops a queued entry before it is delivered. In-flight
	// entries cannot be removed.
	Remove(ctx context.Context, taskID string) error
	// DeadLetters lists up to limit dead-lettered entries, oldest first.
	DeadLetters(ctx context.Context, limit int) ([]*Entry, error)
	// AckDead removes a dead-lettered entry once its terminal failure has
	// been recorded.
	AckDead(ctx context.Context, taskID string) error
	// Stats reports lane depths and delivery state counts.
	Stats(ctx context.Context) (Stats, error)
}

// Open creates the queue backend selected by cfg.Backend.
func Open(cfg config.QueueConfig, rcfg config.RedisConfig, logger *zap.Logger) (Queue, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemory(cfg, logger), nil
	case BackendRedis:
		return NewRedis(cfg, rcfg, logger)
	default:
		return nil, fmt.Errorf("queue: unsupported backend %q", cfg.Backend)
	}
}
