package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/api"
)

// readinessTimeout bounds one full readiness sweep.
const readinessTimeout = 5 * time.Second

// HealthCheck is a pluggable readiness probe.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus is the liveness/readiness response body.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single readiness probe.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthHandler serves the probe routes.
type HealthHandler struct {
	logger *zap.Logger

	mu     sync.RWMutex
	checks []HealthCheck
}

// NewHealthHandler creates a health handler with no checks registered.
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger: logger.With(zap.String("component", "health_handler")),
	}
}

// RegisterCheck adds a readiness probe.
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// HandleHealthz is the liveness probe: the process is up and serving.
//
// GET /healthz
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
	})
}

// HandleReady is the readiness probe: every registered check must pass
// within the sweep timeout, otherwise 503.
//
// GET /readyz
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}

	httpStatus := http.StatusOK
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		result := CheckResult{
			Status:  "pass",
			Latency: time.Since(start).String(),
		}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			status.Status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
			h.logger.Warn("readiness check failed",
				zap.String("check", check.Name()),
				zap.Error(err),
			)
		}
		status.Checks[check.Name()] = result
	}

	WriteJSON(w, httpStatus, status)
}

// HandleVersion reports build identification baked in at link time.
//
// GET /version
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, api.VersionInfo{
			Version:   version,
			BuildTime: buildTime,
			GitCommit: gitCommit,
		})
	}
}

// PingCheck adapts any ping-style function into a HealthCheck. It covers
// the database pool, the Redis queue, and anything else with a
// context-aware liveness call.
type PingCheck struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingCheck wraps ping as a named readiness probe.
func NewPingCheck(name string, ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: name, ping: ping}
}

// Name returns the probe name used as the check key.
func (c *PingCheck) Name() string { return c.name }

// Check runs the underlying ping.
func (c *PingCheck) Check(ctx context.Context) error { return c.ping(ctx) }
