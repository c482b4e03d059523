package types

import (
	"encoding/json"
	"sort"
	"time"
)

// Capability is a named unit of work an agent declares it can perform.
// The set is closed: routing only ever matches against the constants below,
// never against free-form strings.
type Capability string

const (
	CapabilityImageAnalysis  Capability = "image_analysis"
	CapabilityAudioAnalysis  Capability = "audio_analysis"
	CapabilityTextAnalysis   Capability = "text_analysis"
	CapabilityRiskScoring    Capability = "risk_scoring"
	CapabilityRecommendation Capability = "recommendation"
	CapabilityTriage         Capability = "triage"
)

// AllCapabilities returns the closed capability tag set in stable order.
func AllCapabilities() []Capability {
	return []Capability{
		CapabilityImageAnalysis,
		CapabilityAudioAnalysis,
		CapabilityTextAnalysis,
		CapabilityRiskScoring,
		CapabilityRecommendation,
		CapabilityTriage,
	}
}

// IsValid reports whether c is one of the known capability tags.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityImageAnalysis, CapabilityAudioAnalysis, CapabilityTextAnalysis,
		CapabilityRiskScoring, CapabilityRecommendation, CapabilityTriage:
		return true
	}
	return false
}

// CapabilitySet is a set of capability tags with explicit intersection
// matching. The zero value is an empty, usable set for reads; use
// NewCapabilitySet to build one.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given tags, dropping duplicates.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Intersects reports whether the two sets share at least one tag.
func (s CapabilitySet) Intersects(other CapabilitySet) bool {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	for c := range small {
		if _, ok := large[c]; ok {
			return true
		}
	}
	return false
}

// List returns the tags in sorted order.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns an independent copy of the set.
func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// MarshalJSON encodes the set as a sorted JSON array.
func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.List())
}

// UnmarshalJSON decodes a JSON array of tags into the set.
func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var caps []Capability
	if err := json.Unmarshal(data, &caps); err != nil {
		return err
	}
	*s = NewCapabilitySet(caps...)
	return nil
}

// AgentStatus is the registry-visible liveness/health state of an agent.
type AgentStatus string

const (
	// StatusRegistered means the agent registered but has not yet been
	// health-sampled. It is eligible for dispatch.
	StatusRegistered AgentStatus = "registered"
	// StatusHealthy means all sampled metrics are within thresholds.
	StatusHealthy AgentStatus = "healthy"
	// StatusDegraded means some metrics breached thresholds but the agent
	// still serves traffic.
	StatusDegraded AgentStatus = "degraded"
	// StatusUnhealthy means the agent is failing and must not receive work.
	StatusUnhealthy AgentStatus = "unhealthy"
	// StatusOffline means the agent missed its heartbeat expiry window.
	StatusOffline AgentStatus = "offline"
)

// IsValid reports whether st is a known status value.
func (st AgentStatus) IsValid() bool {
	switch st {
	case StatusRegistered, StatusHealthy, StatusDegraded, StatusUnhealthy, StatusOffline:
		return true
	}
	return false
}

// Dispatchable reports whether an agent in this status may be selected as a
// dispatch target. unhealthy and offline agents are always excluded.
func (st AgentStatus) Dispatchable() bool {
	switch st {
	case StatusRegistered, StatusHealthy, StatusDegraded:
		return true
	}
	return false
}

// HealthMetrics holds the ten sampled metric classes for one agent.
// Gauges are instantaneous on report; the health monitor folds them into
// exponential moving averages before they land on the AgentRecord.
type HealthMetrics struct {
	// ResponseTimeMS is the average request round-trip in milliseconds.
	ResponseTimeMS float64 `json:"response_time_ms"`
	// ErrorRate is the fraction of failed requests, 0.0 to 1.0.
	ErrorRate float64 `json:"error_rate"`
	// Throughput is completed tasks per second.
	Throughput float64 `json:"throughput"`
	// CPUPercent is agent-reported CPU utilization, 0 to 100.
	CPUPercent float64 `json:"cpu_percent"`
	// MemoryPercent is agent-reported memory utilization, 0 to 100.
	MemoryPercent float64 `json:"memory_percent"`
	// DiskPercent is agent-reported disk utilization, 0 to 100.
	DiskPercent float64 `json:"disk_percent"`
	// NetworkLatencyMS is the network-level round-trip in milliseconds.
	NetworkLatencyMS float64 `json:"network_latency_ms"`
	// QueueLength is the agent's local backlog of accepted work.
	QueueLength float64 `json:"queue_length"`
	// ConnectionCount is the number of open inbound connections.
	ConnectionCount float64 `json:"connection_count"`
	// ComplianceScore is the domain quality/compliance score, 0.0 to 1.0.
	ComplianceScore float64 `json:"compliance_score"`
}

// AgentRecord is the registry's view of one worker agent.
//
// Records are mutated only through the registry, which enforces optimistic
// concurrency: every mutation bumps Version, and compare-and-swap updates
// reject stale writers. Callers always receive deep copies.
type AgentRecord struct {
	// ID uniquely identifies the agent across the fleet.
	ID string `json:"id"`
	// Name is an optional human-readable label.
	Name string `json:"name,omitempty"`
	// Capabilities is the declared capability tag set used for routing.
	Capabilities CapabilitySet `json:"capabilities"`
	// Status is the current registry-visible state.
	Status AgentStatus `json:"status"`
	// Endpoint is where the protocol layer reaches the agent
	// (inproc://, http(s)://, or ws(s):// scheme).
	Endpoint string `json:"endpoint"`
	// Weight is the static weight used by weighted round-robin. Zero is
	// treated as 1.
	Weight int `json:"weight,omitempty"`
	// Metrics is the rolling (EMA) view of the agent's health samples.
	Metrics HealthMetrics `json:"metrics"`
	// LastHeartbeat is the time of the most recent heartbeat renewal.
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// RegisteredAt is when the record was first created.
	RegisteredAt time.Time `json:"registered_at"`
	// UpdatedAt is the time of the last mutation.
	UpdatedAt time.Time `json:"updated_at"`
	// Version is the optimistic-concurrency counter. Incremented on every
	// mutation; CAS updates must present the version they read.
	Version uint64 `json:"version"`
}

// Clone returns a deep copy of the record.
func (r *AgentRecord) Clone() *AgentRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Capabilities = r.Capabilities.Clone()
	return &out
}

// EffectiveWeight returns the static weight, treating zero as 1.
func (r *AgentRecord) EffectiveWeight() int {
	if r.Weight <= 0 {
		return 1
	}
	return r.Weight
}
