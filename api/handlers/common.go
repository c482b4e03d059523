package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/types"
)

// maxBodyBytes caps JSON request bodies. Payloads travel by reference,
// so nothing legitimate comes close to this.
const maxBodyBytes = 1 << 20

// ---------------------------------------------------------------------------
// Response envelope
// ---------------------------------------------------------------------------

// Response is the uniform JSON envelope for every API reply.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo is the serialized form of a failed request.
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	HTTPStatus int    `json:"-"`
}

// ---------------------------------------------------------------------------
// Write helpers
// ---------------------------------------------------------------------------

// WriteJSON writes data as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	// The status line is already out; an encode failure here cannot be
	// reported to the client anymore.
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a 200 envelope around data.
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// WriteError writes the envelope for a typed domain error. The HTTP
// status comes from the error itself when set, otherwise from the code
// mapping.
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(err.Code)
	}

	info := &ErrorInfo{
		Code:       string(err.Code),
		Message:    err.Message,
		Retryable:  err.Retryable,
		AgentID:    err.AgentID,
		HTTPStatus: status,
	}

	if logger != nil {
		logger.Error("api error",
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.Int("status", status),
			zap.Bool("retryable", err.Retryable),
			zap.Error(err.Cause),
		)
	}

	WriteJSON(w, status, Response{
		Success:   false,
		Error:     info,
		Timestamp: time.Now().UTC(),
	})
}

// WriteErrorMessage writes a one-off error without building the typed
// error at the call site first.
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message).WithHTTPStatus(status), logger)
}

// WriteDomainError translates any error coming out of the core into the
// envelope: typed errors keep their code and mapping, everything else
// is reported as internal.
func WriteDomainError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if typed := types.AsError(err); typed != nil {
		WriteError(w, typed, logger)
		return
	}
	WriteError(w, types.NewError(types.ErrInternal, "operation failed").WithCause(err), logger)
}

// ---------------------------------------------------------------------------
// Error code to HTTP status mapping
// ---------------------------------------------------------------------------

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidRequest:
		return http.StatusBadRequest
	case types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrConflict, types.ErrInvalidState:
		return http.StatusConflict
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrTimeout:
		return http.StatusGatewayTimeout
	case types.ErrUnreachable, types.ErrProtocol:
		return http.StatusBadGateway
	case types.ErrAgentUnavailable, types.ErrCapabilityOutage, types.ErrCircuitOpen,
		types.ErrTransient, types.ErrQueueFull, types.ErrStoreUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrDeliveryExhausted, types.ErrInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ---------------------------------------------------------------------------
// Request decoding
// ---------------------------------------------------------------------------

// DecodeJSONBody decodes a JSON request body into dst. Unknown fields
// and bodies over 1 MB are rejected. On failure the error response has
// already been written; callers just return.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil {
		err := types.NewInvalidRequestError("request body is empty")
		WriteError(w, err, logger)
		return err
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		apiErr := types.NewInvalidRequestError("invalid JSON body").WithCause(err)
		WriteError(w, apiErr, logger)
		return apiErr
	}
	return nil
}

// ValidateContentType rejects non-JSON request bodies. Returns false
// after writing the error response.
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	contentType := r.Header.Get("Content-Type")
	mediaType, _, _ := strings.Cut(contentType, ";")
	if strings.TrimSpace(mediaType) != "application/json" {
		WriteError(w, types.NewInvalidRequestError("Content-Type must be application/json"), logger)
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Status-capturing writer
// ---------------------------------------------------------------------------

// ResponseWriter wraps http.ResponseWriter and records the status code
// for logging and metrics middleware.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter wraps w with a 200 default.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader records the first status code written; later calls are
// dropped, matching net/http semantics.
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
