package types

import (
	"testing"
)

func TestNewRequest_FieldsAndValidate(t *testing.T) {
	t.Parallel()

	req := NewRequest("agent-1", "task.execute", PriorityCritical, "token-abc", []byte(`{"ref":"p1"}`))
	if req.ID == "" {
		t.Fatalf("request must carry an id")
	}
	if req.Kind != KindRequest {
		t.Fatalf("kind = %s, want %s", req.Kind, KindRequest)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
}

func TestNewResponse_Correlation(t *testing.T) {
	t.Parallel()

	req := NewRequest("agent-1", "task.execute", PriorityNormal, "token-abc", nil)
	resp := NewResponse(req, []byte(`{"confidence":0.9}`))

	if resp.CorrelationID != req.ID {
		t.Fatalf("response correlation id %s does not reference request %s", resp.CorrelationID, req.ID)
	}
	if resp.AuthContext != req.AuthContext {
		t.Fatalf("auth context must pass through unmodified")
	}
	if err := resp.Validate(); err != nil {
		t.Fatalf("valid response rejected: %v", err)
	}
}

func TestMessage_ValidateRejectsMalformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		msg  Message
	}{
		{"missing id", Message{Kind: KindRequest, Target: "a", Method: "m"}},
		{"missing target", Message{ID: "1", Kind: KindRequest, Method: "m"}},
		{"missing method", Message{ID: "1", Kind: KindRequest, Target: "a"}},
		{"response without correlation", Message{ID: "1", Kind: KindResponse}},
		{"unknown kind", Message{ID: "1", Kind: "broadcast", Target: "a", Method: "m"}},
		{"unknown priority", Message{ID: "1", Kind: KindRequest, Target: "a", Method: "m", Priority: "urgent"}},
	}
	for _, tc := range cases {
		if err := tc.msg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestParseMessage_RoundTrip(t *testing.T) {
	t.Parallel()

	orig := NewRequest("agent-7", "task.execute", PriorityHigh, "tok", []byte(`{"ref":"x"}`))
	orig.AppendHop("protocol", "send_request", HopOutcomeSent)

	data, err := orig.ToJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if back.ID != orig.ID || back.Target != orig.Target || back.Method != orig.Method {
		t.Fatalf("round trip mangled envelope: %+v", back)
	}
	if len(back.Hops) != 1 || back.Hops[0].Outcome != HopOutcomeSent {
		t.Fatalf("hop trail lost in transit: %+v", back.Hops)
	}
}

func TestParseMessage_RejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := ParseMessage([]byte(`{not json`)); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := ParseMessage([]byte(`{"kind":"request"}`)); err == nil {
		t.Fatalf("expected validation error for empty envelope")
	}
}

func TestAppendHop_Accumulates(t *testing.T) {
	t.Parallel()

	m := NewRequest("agent-1", "task.execute", PriorityLow, "", nil)
	m.AppendHop("queue", "enqueue", HopOutcomeOK)
	m.AppendHop("protocol", "send_request", HopOutcomeSent)
	m.AppendHop("protocol", "send_request", HopOutcomeOK)

	if len(m.Hops) != 3 {
		t.Fatalf("expected 3 hops, got %d", len(m.Hops))
	}
	for i := 1; i < len(m.Hops); i++ {
		if m.Hops[i].Timestamp.Before(m.Hops[i-1].Timestamp) {
			t.Fatalf("hop timestamps must be non-decreasing")
		}
	}
}
