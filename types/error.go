package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the coordination core.
type ErrorCode string

// Dispatch error codes. These form the failure taxonomy consumed by the
// retry policy: Retryable distinguishes transient from terminal failures so
// callers never branch on exception-style control flow.
const (
	// ErrTransient is a recoverable blip (network hiccup, momentary
	// overload). Retried per the fault-tolerance policy, never surfaced.
	ErrTransient ErrorCode = "TRANSIENT"
	// ErrAgentUnavailable means no healthy candidate exists right now.
	// Requeued with backoff, or escalated for critical tasks once the
	// backoff budget is exhausted.
	ErrAgentUnavailable ErrorCode = "AGENT_UNAVAILABLE"
	// ErrDeliveryExhausted means all delivery attempts were spent. The
	// task dead-letters and always escalates.
	ErrDeliveryExhausted ErrorCode = "DELIVERY_EXHAUSTED"
	// ErrInsufficientConfidence is not an error condition: the result
	// arrived but its confidence fell below the caller's threshold.
	ErrInsufficientConfidence ErrorCode = "INSUFFICIENT_CONFIDENCE"
	// ErrCapabilityOutage means too many breakers are open for the
	// capability. Escalate immediately, never retry.
	ErrCapabilityOutage ErrorCode = "CAPABILITY_OUTAGE"
)

// Protocol error codes, one per transport failure mode.
const (
	ErrTimeout     ErrorCode = "TIMEOUT"
	ErrUnreachable ErrorCode = "UNREACHABLE"
	ErrProtocol    ErrorCode = "PROTOCOL_ERROR"
)

// Infrastructure error codes.
const (
	ErrCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	ErrNotFound         ErrorCode = "NOT_FOUND"
	ErrConflict         ErrorCode = "CONFLICT"
	ErrInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrInvalidState     ErrorCode = "INVALID_STATE"
	ErrUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrRateLimited      ErrorCode = "RATE_LIMITED"
	ErrQueueFull        ErrorCode = "QUEUE_FULL"
	ErrInternal         ErrorCode = "INTERNAL_ERROR"
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	AgentID    string    `json:"agent_id,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithAgent attaches the agent the failure concerns.
func (e *Error) WithAgent(agentID string) *Error {
	e.AgentID = agentID
	return e
}

// NewTransientError creates a retryable transient failure.
func NewTransientError(message string) *Error {
	return NewError(ErrTransient, message).WithRetryable(true)
}

// NewTimeoutError creates a retryable protocol timeout.
func NewTimeoutError(message string) *Error {
	return NewError(ErrTimeout, message).
		WithRetryable(true).
		WithHTTPStatus(http.StatusGatewayTimeout)
}

// NewUnreachableError creates a retryable connection-level failure.
func NewUnreachableError(message string) *Error {
	return NewError(ErrUnreachable, message).
		WithRetryable(true).
		WithHTTPStatus(http.StatusBadGateway)
}

// NewProtocolError creates a non-retryable malformed-exchange failure.
func NewProtocolError(message string) *Error {
	return NewError(ErrProtocol, message).WithHTTPStatus(http.StatusBadGateway)
}

// NewNotFoundError creates a NOT_FOUND error.
func NewNotFoundError(message string) *Error {
	return NewError(ErrNotFound, message).WithHTTPStatus(http.StatusNotFound)
}

// NewInvalidRequestError creates an INVALID_REQUEST error.
func NewInvalidRequestError(message string) *Error {
	return NewError(ErrInvalidRequest, message).WithHTTPStatus(http.StatusBadRequest)
}

// NewConflictError creates a CONFLICT error for lost optimistic updates.
func NewConflictError(message string) *Error {
	return NewError(ErrConflict, message).
		WithRetryable(true).
		WithHTTPStatus(http.StatusConflict)
}

// AsError extracts a *Error from err's chain, or nil.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e := AsError(err); e != nil {
		return e.Retryable
	}
	return false
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e := AsError(err); e != nil {
		return e.Code
	}
	return ""
}
