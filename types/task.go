package types

import (
	"encoding/json"
	"time"
)

// Priority orders tasks across queue lanes and scales both the dispatch
// timeout budget and the retry policy.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Priorities returns all lanes in strict drain order, highest first.
func Priorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Rank returns the drain rank of the priority; lower ranks drain first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	default:
		return 3
	}
}

// DispatchTimeout returns the per-priority budget a task has to produce a
// result, measured from the moment it is dispatched.
func (p Priority) DispatchTimeout() time.Duration {
	switch p {
	case PriorityCritical:
		return 60 * time.Second
	case PriorityHigh:
		return 180 * time.Second
	case PriorityNormal:
		return 300 * time.Second
	default:
		return 600 * time.Second
	}
}

// TaskStage is a node in the task lifecycle state machine:
//
//	created → queued → dispatched → processing → (completed | failed)
//	                                           → escalated
//	completed | failed | escalated → archived
type TaskStage string

const (
	StageCreated    TaskStage = "created"
	StageQueued     TaskStage = "queued"
	StageDispatched TaskStage = "dispatched"
	StageProcessing TaskStage = "processing"
	StageCompleted  TaskStage = "completed"
	StageFailed     TaskStage = "failed"
	StageEscalated  TaskStage = "escalated"
	StageArchived   TaskStage = "archived"
)

// Terminal reports whether the stage ends the active lifecycle. Archived is
// the post-terminal resting state; escalated is terminal but distinct from
// failed: it awaits human review, it is not an error.
func (s TaskStage) Terminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageEscalated, StageArchived:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine permits moving from s to
// next. Escalation is reachable from any non-archived stage because triggers
// such as capability outage fire regardless of where the task currently sits.
func (s TaskStage) CanTransitionTo(next TaskStage) bool {
	if next == StageEscalated {
		return s != StageArchived && s != StageEscalated
	}
	switch s {
	case StageCreated:
		return next == StageQueued || next == StageFailed
	case StageQueued:
		return next == StageDispatched || next == StageFailed
	case StageDispatched:
		return next == StageProcessing || next == StageQueued || next == StageFailed
	case StageProcessing:
		return next == StageCompleted || next == StageFailed || next == StageQueued
	case StageCompleted, StageFailed, StageEscalated:
		return next == StageArchived
	default:
		return false
	}
}

// EscalationReason identifies which trigger raised an escalation. Each
// trigger is independently sufficient.
type EscalationReason string

const (
	EscalateTimeout            EscalationReason = "timeout"
	EscalateLowConfidence      EscalationReason = "low_confidence"
	EscalateClinicallyCritical EscalationReason = "clinically_critical"
	EscalateDeliveryExhausted  EscalationReason = "delivery_exhausted"
	EscalateCapabilityOutage   EscalationReason = "capability_outage"
)

// Task is one unit of work moving through the coordination core.
//
// The payload is never interpreted here: PayloadRef is an opaque reference
// and Context an opaque audit blob, both passed through unmodified. Tasks
// are mutated exclusively by the lifecycle manager and archived, not
// deleted, after reaching a terminal stage.
type Task struct {
	ID         string     `json:"id"`
	Capability Capability `json:"capability"`
	Priority   Priority   `json:"priority"`

	// PayloadRef is an opaque reference to the work payload.
	PayloadRef string `json:"payload_ref"`
	// Context is the opaque authorization/audit blob carried end to end.
	Context json.RawMessage `json:"context,omitempty"`

	// ConfidenceThreshold triggers escalation when a result's confidence
	// lands below it. Zero disables the check.
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
	// ClinicallyCritical marks the task for mandatory review escalation
	// regardless of the result.
	ClinicallyCritical bool `json:"clinically_critical,omitempty"`

	Stage       TaskStage `json:"stage"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`

	// AssignedAgent is the target of the most recent dispatch attempt.
	AssignedAgent string `json:"assigned_agent,omitempty"`
	// ResultRef is the opaque reference to the agent's result payload.
	ResultRef string `json:"result_ref,omitempty"`
	// Confidence is the confidence reported with the result.
	Confidence float64 `json:"confidence,omitempty"`

	LastError        string           `json:"last_error,omitempty"`
	EscalationReason EscalationReason `json:"escalation_reason,omitempty"`
	// CancelRequested is the best-effort cancellation flag. Honored
	// immediately before dispatch; after dispatch only if the agent checks.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// Trail is the accumulated hop/audit trail across every attempt.
	Trail []Hop `json:"trail,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	DispatchedAt time.Time `json:"dispatched_at"`
	// Deadline is DispatchedAt plus the priority budget. Zero until
	// dispatched.
	Deadline time.Time `json:"deadline"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	if t.Context != nil {
		out.Context = make(json.RawMessage, len(t.Context))
		copy(out.Context, t.Context)
	}
	if t.Trail != nil {
		out.Trail = make([]Hop, len(t.Trail))
		copy(out.Trail, t.Trail)
	}
	return &out
}

// Expired reports whether the dispatch deadline has passed at the given
// instant. Tasks that were never dispatched do not expire.
func (t *Task) Expired(now time.Time) bool {
	return !t.Deadline.IsZero() && now.After(t.Deadline)
}

// TaskStatus is the externally queryable summary of a task.
type TaskStatus struct {
	TaskID           string           `json:"task_id"`
	Stage            TaskStage        `json:"stage"`
	Priority         Priority         `json:"priority"`
	Attempts         int              `json:"attempts"`
	AssignedAgent    string           `json:"assigned_agent,omitempty"`
	LastError        string           `json:"last_error,omitempty"`
	EscalationReason EscalationReason `json:"escalation_reason,omitempty"`
	Trail            []Hop            `json:"audit_trail,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}
