package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/api"
	"github.com/BaSui01/agenthive/health"
	"github.com/BaSui01/agenthive/registry"
	"github.com/BaSui01/agenthive/types"
)

// AgentHandler serves the agent management routes: registration,
// heartbeats, listing, and per-agent health.
type AgentHandler struct {
	registry *registry.Registry
	monitor  *health.Monitor
	logger   *zap.Logger
}

// NewAgentHandler creates an agent handler. The monitor may be nil;
// heartbeats then only renew liveness and the health route reports the
// registry view without scores.
func NewAgentHandler(reg *registry.Registry, monitor *health.Monitor, logger *zap.Logger) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{
		registry: reg,
		monitor:  monitor,
		logger:   logger.With(zap.String("component", "agent_handler")),
	}
}

// HandleRegisterAgent creates or idempotently updates an agent record.
//
// POST /api/v1/agents
func (h *AgentHandler) HandleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.RegisterAgentRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if len(req.Capabilities) == 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "at least one capability is required", h.logger)
		return
	}
	for _, c := range req.Capabilities {
		if !c.IsValid() {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "unknown capability "+string(c), h.logger)
			return
		}
	}
	if req.Endpoint == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "endpoint is required", h.logger)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	stored, err := h.registry.Register(r.Context(), req.Record())
	if err != nil {
		h.writeRegistryError(w, err)
		return
	}

	h.logger.Info("agent registered",
		zap.String("agent_id", stored.ID),
		zap.String("endpoint", stored.Endpoint),
		zap.Int("capabilities", len(stored.Capabilities)),
	)
	WriteSuccess(w, api.NewAgentSummary(stored))
}

// HandleHeartbeat renews an agent's liveness window and, when the body
// carries a metrics sample, feeds the health monitor.
//
// POST /api/v1/agents/{id}/heartbeat
func (h *AgentHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := pathID(r, "/api/v1/agents/")
	if agentID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "agent ID is required", h.logger)
		return
	}

	var req api.HeartbeatRequest
	if r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}

	if err := h.registry.RenewHeartbeat(r.Context(), agentID); err != nil {
		h.writeRegistryError(w, err)
		return
	}

	resp := api.HeartbeatResponse{AgentID: agentID}
	if req.Metrics != nil && h.monitor != nil {
		snap, err := h.monitor.Observe(r.Context(), agentID, *req.Metrics)
		if err != nil {
			h.writeRegistryError(w, err)
			return
		}
		resp.Status = snap.Status
		resp.Score = snap.Score
		resp.Observed = true
	} else if rec, err := h.registry.Get(r.Context(), agentID); err == nil {
		resp.Status = rec.Status
	}

	WriteSuccess(w, resp)
}

// HandleListAgents lists registered agents, optionally filtered by
// capability. Capability queries exclude offline agents, matching the
// registry's candidate view; the unfiltered list is the full inventory.
//
// GET /api/v1/agents?capability=
func (h *AgentHandler) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	var records []*types.AgentRecord

	if raw := r.URL.Query().Get("capability"); raw != "" {
		capability := types.Capability(raw)
		if !capability.IsValid() {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "unknown capability "+raw, h.logger)
			return
		}
		records = h.registry.Query(r.Context(), capability)
	} else {
		records = h.registry.List(r.Context())
	}

	summaries := make([]api.AgentSummary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, api.NewAgentSummary(rec))
	}
	WriteSuccess(w, summaries)
}

// HandleAgentHealth reports the monitor's diagnostic snapshot for one
// agent: status, composite score, and the rolling metrics view.
//
// GET /api/v1/agents/{id}/health
func (h *AgentHandler) HandleAgentHealth(w http.ResponseWriter, r *http.Request) {
	agentID := pathID(r, "/api/v1/agents/")
	if agentID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "agent ID is required", h.logger)
		return
	}

	if h.monitor == nil {
		rec, err := h.registry.Get(r.Context(), agentID)
		if err != nil {
			h.writeRegistryError(w, err)
			return
		}
		WriteSuccess(w, health.Snapshot{AgentID: agentID, Status: rec.Status, Metrics: rec.Metrics})
		return
	}

	snap, err := h.monitor.Snapshot(r.Context(), agentID)
	if err != nil {
		h.writeRegistryError(w, err)
		return
	}
	WriteSuccess(w, snap)
}

// writeRegistryError maps registry and monitor sentinels onto the error
// taxonomy before writing the envelope.
func (h *AgentHandler) writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		WriteError(w, types.NewNotFoundError("agent not found"), h.logger)
	case errors.Is(err, registry.ErrInvalidRecord):
		WriteError(w, types.NewInvalidRequestError(err.Error()), h.logger)
	case errors.Is(err, registry.ErrVersionConflict):
		WriteError(w, types.NewConflictError(err.Error()), h.logger)
	case errors.Is(err, registry.ErrClosed), errors.Is(err, health.ErrClosed):
		WriteError(w, types.NewError(types.ErrStoreUnavailable, "registry is shut down").WithRetryable(false), h.logger)
	default:
		WriteDomainError(w, err, h.logger)
	}
}
