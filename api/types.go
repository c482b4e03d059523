// Package api defines the wire-level request and response shapes served
// by the coordination HTTP API. Handlers in api/handlers decode into and
// encode out of these types; core domain types stay off the wire unless
// their JSON form already is the contract (task status, health snapshots).
package api

import (
	"time"

	"github.com/BaSui01/agenthive/types"
)

// SubmitTaskResponse acknowledges an accepted task.
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

// CancelTaskResponse reports the task stage after a cancellation request.
// Dispatched tasks keep running until the agent observes the flag, so the
// stage may still be an active one.
type CancelTaskResponse struct {
	TaskID string          `json:"task_id"`
	Stage  types.TaskStage `json:"stage,omitempty"`
}

// RegisterAgentRequest declares an agent to the registry. ID is optional;
// when empty the server assigns one. Re-registering an existing ID updates
// the declared capabilities and endpoint in place.
type RegisterAgentRequest struct {
	ID           string             `json:"id,omitempty"`
	Name         string             `json:"name,omitempty"`
	Capabilities []types.Capability `json:"capabilities"`
	Endpoint     string             `json:"endpoint"`
	Weight       int                `json:"weight,omitempty"`
}

// Record converts the request into a registry record. The registry fills
// in status, timestamps, and version itself.
func (r RegisterAgentRequest) Record() *types.AgentRecord {
	return &types.AgentRecord{
		ID:           r.ID,
		Name:         r.Name,
		Capabilities: types.NewCapabilitySet(r.Capabilities...),
		Endpoint:     r.Endpoint,
		Weight:       r.Weight,
	}
}

// AgentSummary is the registry view of one agent as returned by the
// management API. Rolling health metrics are served separately from the
// per-agent health endpoint.
type AgentSummary struct {
	ID            string              `json:"id"`
	Name          string              `json:"name,omitempty"`
	Capabilities  types.CapabilitySet `json:"capabilities"`
	Status        types.AgentStatus   `json:"status"`
	Endpoint      string              `json:"endpoint,omitempty"`
	Weight        int                 `json:"weight"`
	LastHeartbeat time.Time           `json:"last_heartbeat"`
	RegisteredAt  time.Time           `json:"registered_at"`
}

// NewAgentSummary builds a summary from a registry snapshot.
func NewAgentSummary(rec *types.AgentRecord) AgentSummary {
	return AgentSummary{
		ID:            rec.ID,
		Name:          rec.Name,
		Capabilities:  rec.Capabilities,
		Status:        rec.Status,
		Endpoint:      rec.Endpoint,
		Weight:        rec.EffectiveWeight(),
		LastHeartbeat: rec.LastHeartbeat,
		RegisteredAt:  rec.RegisteredAt,
	}
}

// HeartbeatRequest is the optional body of a heartbeat call. A bare
// heartbeat only refreshes the liveness window; attaching a metrics
// sample also feeds the health monitor.
type HeartbeatRequest struct {
	Metrics *types.HealthMetrics `json:"metrics,omitempty"`
}

// HeartbeatResponse reports the agent state after the heartbeat was
// applied. Score is only meaningful when a metrics sample was observed.
type HeartbeatResponse struct {
	AgentID  string            `json:"agent_id"`
	Status   types.AgentStatus `json:"status"`
	Score    float64           `json:"score,omitempty"`
	Observed bool              `json:"observed"`
}

// VersionInfo carries build identification for the version endpoint.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}
