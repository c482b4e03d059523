package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCapabilitySet_Matching(t *testing.T) {
	t.Parallel()

	s := NewCapabilitySet(CapabilityImageAnalysis, CapabilityRiskScoring)
	if !s.Has(CapabilityImageAnalysis) {
		t.Fatalf("expected image_analysis in set")
	}
	if s.Has(CapabilityTriage) {
		t.Fatalf("triage should not be in set")
	}
	if !s.Intersects(NewCapabilitySet(CapabilityRiskScoring, CapabilityTriage)) {
		t.Fatalf("sets share risk_scoring, expected intersection")
	}
	if s.Intersects(NewCapabilitySet(CapabilityAudioAnalysis)) {
		t.Fatalf("disjoint sets must not intersect")
	}
}

func TestCapabilitySet_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewCapabilitySet(CapabilityTriage, CapabilityAudioAnalysis)
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// List() sorts, so encoding is deterministic.
	if string(data) != `["audio_analysis","triage"]` {
		t.Fatalf("unexpected encoding: %s", data)
	}

	var back CapabilitySet
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Has(CapabilityTriage) || !back.Has(CapabilityAudioAnalysis) || len(back) != 2 {
		t.Fatalf("round trip lost tags: %v", back.List())
	}
}

func TestCapability_ClosedSet(t *testing.T) {
	t.Parallel()

	for _, c := range AllCapabilities() {
		if !c.IsValid() {
			t.Fatalf("%s should be valid", c)
		}
	}
	if Capability("telepathy").IsValid() {
		t.Fatalf("unknown tags must be rejected")
	}
}

func TestAgentStatus_Dispatchable(t *testing.T) {
	t.Parallel()

	cases := map[AgentStatus]bool{
		StatusRegistered: true,
		StatusHealthy:    true,
		StatusDegraded:   true,
		StatusUnhealthy:  false,
		StatusOffline:    false,
	}
	for st, want := range cases {
		if got := st.Dispatchable(); got != want {
			t.Fatalf("%s: dispatchable = %v, want %v", st, got, want)
		}
	}
}

func TestAgentRecord_CloneIsDeep(t *testing.T) {
	t.Parallel()

	rec := &AgentRecord{
		ID:            "agent-1",
		Capabilities:  NewCapabilitySet(CapabilityTextAnalysis),
		Status:        StatusHealthy,
		LastHeartbeat: time.Now(),
		Version:       3,
	}
	clone := rec.Clone()
	clone.Capabilities[CapabilityTriage] = struct{}{}
	clone.Status = StatusOffline

	if rec.Capabilities.Has(CapabilityTriage) {
		t.Fatalf("clone capability mutation leaked into original")
	}
	if rec.Status != StatusHealthy {
		t.Fatalf("clone status mutation leaked into original")
	}
}

func TestAgentRecord_EffectiveWeight(t *testing.T) {
	t.Parallel()

	if (&AgentRecord{}).EffectiveWeight() != 1 {
		t.Fatalf("zero weight should count as 1")
	}
	if (&AgentRecord{Weight: 5}).EffectiveWeight() != 5 {
		t.Fatalf("explicit weight should pass through")
	}
}
