package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageKind distinguishes the three envelope roles on the wire.
type MessageKind string

const (
	// KindRequest expects a correlated response.
	KindRequest MessageKind = "request"
	// KindNotification is fire-and-forget; no response is awaited.
	KindNotification MessageKind = "notification"
	// KindResponse answers a request, carrying its correlation id.
	KindResponse MessageKind = "response"
)

// Hop outcomes recorded on the audit trail.
const (
	HopOutcomeSent        = "sent"
	HopOutcomeOK          = "ok"
	HopOutcomeTimeout     = "timeout"
	HopOutcomeUnreachable = "unreachable"
	HopOutcomeProtocol    = "protocol_error"
	HopOutcomeRejected    = "rejected"
)

// Hop is one entry in a message's audit trail: which component touched the
// message, doing what, with what outcome. The trail is carried for
// compliance traceability and returned to the caller so it can be persisted
// externally.
type Hop struct {
	Component string    `json:"component"`
	Method    string    `json:"method"`
	Outcome   string    `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is the flat wire envelope exchanged with agents. It is created
// once per dispatch attempt and treated as immutable after transmission;
// responses reference the request through CorrelationID.
//
// AuthContext and Payload are opaque. The coordination core enforces that
// they are carried and passed through, never that they mean anything.
type Message struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Kind          MessageKind     `json:"kind"`
	Target        string          `json:"target"`
	Method        string          `json:"method"`
	Priority      Priority        `json:"priority"`
	AuthContext   string          `json:"auth_context,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Hops          []Hop           `json:"hop_trail,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewRequest builds a request envelope for the given target agent and method.
func NewRequest(target, method string, priority Priority, authContext string, payload json.RawMessage) *Message {
	return &Message{
		ID:          uuid.NewString(),
		Kind:        KindRequest,
		Target:      target,
		Method:      method,
		Priority:    priority,
		AuthContext: authContext,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
}

// NewNotification builds a fire-and-forget envelope.
func NewNotification(target, method string, priority Priority, authContext string, payload json.RawMessage) *Message {
	m := NewRequest(target, method, priority, authContext, payload)
	m.Kind = KindNotification
	return m
}

// NewResponse builds the response envelope for a request, preserving the
// auth context and tying the two together through the correlation id.
func NewResponse(req *Message, payload json.RawMessage) *Message {
	return &Message{
		ID:            uuid.NewString(),
		CorrelationID: req.ID,
		Kind:          KindResponse,
		Target:        req.Target,
		Method:        req.Method,
		Priority:      req.Priority,
		AuthContext:   req.AuthContext,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}
}

// AppendHop records one audit-trail entry on the message.
func (m *Message) AppendHop(component, method, outcome string) {
	m.Hops = append(m.Hops, Hop{
		Component: component,
		Method:    method,
		Outcome:   outcome,
		Timestamp: time.Now().UTC(),
	})
}

// Validate checks the structural invariants of the envelope.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	switch m.Kind {
	case KindRequest, KindNotification:
		if m.Target == "" {
			return fmt.Errorf("message target is required")
		}
		if m.Method == "" {
			return fmt.Errorf("message method is required")
		}
	case KindResponse:
		if m.CorrelationID == "" {
			return fmt.Errorf("response requires a correlation id")
		}
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	if m.Priority != "" && !m.Priority.IsValid() {
		return fmt.Errorf("unknown priority %q", m.Priority)
	}
	return nil
}

// ToJSON serializes the envelope.
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage deserializes and validates an envelope.
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
