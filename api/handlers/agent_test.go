package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/api"
	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/health"
	"github.com/BaSui01/agenthive/registry"
	"github.com/BaSui01/agenthive/types"
)

// newAgentFixture wires an agent handler to a real registry and monitor.
func newAgentFixture(t *testing.T) (*AgentHandler, *registry.Registry) {
	t.Helper()
	logger := zap.NewNop()

	reg := registry.New(config.DefaultRegistryConfig(), logger)
	monitor := health.New(config.DefaultHealthConfig(), reg, logger)
	t.Cleanup(func() {
		require.NoError(t, monitor.Close())
		require.NoError(t, reg.Close())
	})

	return NewAgentHandler(reg, monitor, logger), reg
}

// agentMux mounts the handler on the routes the serve command uses.
func agentMux(h *AgentHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/agents", h.HandleRegisterAgent)
	mux.HandleFunc("GET /api/v1/agents", h.HandleListAgents)
	mux.HandleFunc("POST /api/v1/agents/{id}/heartbeat", h.HandleHeartbeat)
	mux.HandleFunc("GET /api/v1/agents/{id}/health", h.HandleAgentHealth)
	return mux
}

func registerAgentRecord(t *testing.T, reg *registry.Registry, id string, capability types.Capability) {
	t.Helper()
	_, err := reg.Register(context.Background(), &types.AgentRecord{
		ID:           id,
		Capabilities: types.NewCapabilitySet(capability),
		Endpoint:     "inproc://" + id,
	})
	require.NoError(t, err)
}

// decodeData re-marshals the envelope's data into dst.
func decodeData(t *testing.T, resp Response, dst any) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dst))
}

// ---------------------------------------------------------------------------
// registration
// ---------------------------------------------------------------------------

func TestHandleRegisterAgent(t *testing.T) {
	h, reg := newAgentFixture(t)
	mux := agentMux(h)

	w := postJSON(t, mux, "/api/v1/agents",
		`{"name":"img-1","capabilities":["image_analysis","triage"],"endpoint":"inproc://img-1"}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeEnvelope(t, w)
	require.True(t, resp.Success)

	var summary api.AgentSummary
	decodeData(t, resp, &summary)
	assert.NotEmpty(t, summary.ID, "server must assign an ID when none is given")
	assert.Equal(t, "img-1", summary.Name)
	assert.Equal(t, types.StatusRegistered, summary.Status)
	assert.True(t, summary.Capabilities.Has(types.CapabilityImageAnalysis))
	assert.True(t, summary.Capabilities.Has(types.CapabilityTriage))

	rec, err := reg.Get(context.Background(), summary.ID)
	require.NoError(t, err)
	assert.Equal(t, "inproc://img-1", rec.Endpoint)
}

func TestHandleRegisterAgentKeepsExplicitID(t *testing.T) {
	h, _ := newAgentFixture(t)
	mux := agentMux(h)

	w := postJSON(t, mux, "/api/v1/agents",
		`{"id":"agent-7","capabilities":["triage"],"endpoint":"inproc://agent-7"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var summary api.AgentSummary
	decodeData(t, decodeEnvelope(t, w), &summary)
	assert.Equal(t, "agent-7", summary.ID)
}

func TestHandleRegisterAgentIdempotent(t *testing.T) {
	h, reg := newAgentFixture(t)
	mux := agentMux(h)

	first := postJSON(t, mux, "/api/v1/agents",
		`{"id":"agent-7","capabilities":["triage"],"endpoint":"inproc://agent-7"}`)
	require.Equal(t, http.StatusOK, first.Code)

	second := postJSON(t, mux, "/api/v1/agents",
		`{"id":"agent-7","capabilities":["risk_scoring"],"endpoint":"http://agent-7:9000"}`)
	require.Equal(t, http.StatusOK, second.Code)

	records := reg.List(context.Background())
	require.Len(t, records, 1, "re-registration must not create a second record")
	assert.Equal(t, "http://agent-7:9000", records[0].Endpoint)
	assert.True(t, records[0].Capabilities.Has(types.CapabilityRiskScoring))
	assert.False(t, records[0].Capabilities.Has(types.CapabilityTriage), "latest capability set wins")
}

func TestHandleRegisterAgentValidation(t *testing.T) {
	h, _ := newAgentFixture(t)
	mux := agentMux(h)

	tests := []struct {
		name string
		body string
	}{
		{name: "no capabilities", body: `{"endpoint":"inproc://x"}`},
		{name: "empty capabilities", body: `{"capabilities":[],"endpoint":"inproc://x"}`},
		{name: "unknown capability", body: `{"capabilities":["alchemy"],"endpoint":"inproc://x"}`},
		{name: "missing endpoint", body: `{"capabilities":["triage"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, mux, "/api/v1/agents", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := decodeEnvelope(t, w)
			require.NotNil(t, resp.Error)
			assert.Equal(t, "INVALID_REQUEST", resp.Error.Code)
		})
	}
}

// ---------------------------------------------------------------------------
// heartbeat
// ---------------------------------------------------------------------------

func TestHandleHeartbeatBare(t *testing.T) {
	h, reg := newAgentFixture(t)
	mux := agentMux(h)
	registerAgentRecord(t, reg, "a1", types.CapabilityTriage)

	before, err := reg.Get(context.Background(), "a1")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/agents/a1/heartbeat", nil))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp api.HeartbeatResponse
	decodeData(t, decodeEnvelope(t, w), &resp)
	assert.Equal(t, "a1", resp.AgentID)
	assert.Equal(t, types.StatusRegistered, resp.Status)
	assert.False(t, resp.Observed)

	after, err := reg.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.False(t, after.LastHeartbeat.Before(before.LastHeartbeat))
}

func TestHandleHeartbeatWithMetrics(t *testing.T) {
	h, reg := newAgentFixture(t)
	mux := agentMux(h)
	registerAgentRecord(t, reg, "a1", types.CapabilityTriage)

	body := `{"metrics":{"response_time_ms":40,"error_rate":0.01,"cpu_percent":25,"memory_percent":30,"compliance_score":1}}`
	w := postJSON(t, mux, "/api/v1/agents/a1/heartbeat", body)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp api.HeartbeatResponse
	decodeData(t, decodeEnvelope(t, w), &resp)
	assert.True(t, resp.Observed)
	assert.NotEmpty(t, resp.Status)
	assert.Greater(t, resp.Score, 0.0)
}

func TestHandleHeartbeatUnknownAgent(t *testing.T) {
	h, _ := newAgentFixture(t)
	mux := agentMux(h)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/agents/ghost/heartbeat", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := decodeEnvelope(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

// ---------------------------------------------------------------------------
// listing
// ---------------------------------------------------------------------------

func TestHandleListAgents(t *testing.T) {
	h, reg := newAgentFixture(t)
	mux := agentMux(h)
	registerAgentRecord(t, reg, "img-1", types.CapabilityImageAnalysis)
	registerAgentRecord(t, reg, "triage-1", types.CapabilityTriage)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var summaries []api.AgentSummary
	decodeData(t, decodeEnvelope(t, w), &summaries)
	assert.Len(t, summaries, 2)
}

func TestHandleListAgentsByCapability(t *testing.T) {
	h, reg := newAgentFixture(t)
	mux := agentMux(h)
	registerAgentRecord(t, reg, "img-1", types.CapabilityImageAnalysis)
	registerAgentRecord(t, reg, "triage-1", types.CapabilityTriage)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/agents?capability=triage", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var summaries []api.AgentSummary
	decodeData(t, decodeEnvelope(t, w), &summaries)
	require.Len(t, summaries, 1)
	assert.Equal(t, "triage-1", summaries[0].ID)
}

func TestHandleListAgentsUnknownCapability(t *testing.T) {
	h, _ := newAgentFixture(t)
	mux := agentMux(h)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/agents?capability=alchemy", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleListAgentsEmpty(t *testing.T) {
	h, _ := newAgentFixture(t)
	mux := agentMux(h)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var summaries []api.AgentSummary
	decodeData(t, decodeEnvelope(t, w), &summaries)
	assert.Empty(t, summaries)
}

// ---------------------------------------------------------------------------
// per-agent health
// ---------------------------------------------------------------------------

func TestHandleAgentHealth(t *testing.T) {
	h, reg := newAgentFixture(t)
	mux := agentMux(h)
	registerAgentRecord(t, reg, "a1", types.CapabilityTriage)

	// feed one sample so the snapshot carries a real score
	sample := `{"metrics":{"response_time_ms":80,"error_rate":0.02,"compliance_score":0.9}}`
	require.Equal(t, http.StatusOK, postJSON(t, mux, "/api/v1/agents/a1/heartbeat", sample).Code)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/agents/a1/health", nil))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var snap health.Snapshot
	decodeData(t, decodeEnvelope(t, w), &snap)
	assert.Equal(t, "a1", snap.AgentID)
	assert.NotEmpty(t, snap.Status)
	assert.Equal(t, 1, snap.Samples)
	assert.InDelta(t, 80, snap.Metrics.ResponseTimeMS, 0.001)
}

func TestHandleAgentHealthUnknown(t *testing.T) {
	h, _ := newAgentFixture(t)
	mux := agentMux(h)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/agents/ghost/health", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleAgentHealthWithoutMonitor(t *testing.T) {
	logger := zap.NewNop()
	reg := registry.New(config.DefaultRegistryConfig(), logger)
	t.Cleanup(func() { require.NoError(t, reg.Close()) })
	registerAgentRecord(t, reg, "a1", types.CapabilityTriage)

	h := NewAgentHandler(reg, nil, logger)
	mux := agentMux(h)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/agents/a1/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var snap health.Snapshot
	decodeData(t, decodeEnvelope(t, w), &snap)
	assert.Equal(t, types.StatusRegistered, snap.Status)
	assert.Zero(t, snap.Samples)
}

// ---------------------------------------------------------------------------
// error mapping
// ---------------------------------------------------------------------------

func TestWriteRegistryError(t *testing.T) {
	h, _ := newAgentFixture(t)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "not found",
			err:        registry.ErrNotFound,
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
		{
			name:       "invalid record",
			err:        registry.ErrInvalidRecord,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "version conflict",
			err:        registry.ErrVersionConflict,
			wantStatus: http.StatusConflict,
			wantCode:   "CONFLICT",
		},
		{
			name:       "registry closed",
			err:        registry.ErrClosed,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "STORE_UNAVAILABLE",
		},
		{
			name:       "monitor closed",
			err:        health.ErrClosed,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "STORE_UNAVAILABLE",
		},
		{
			name:       "plain error",
			err:        assert.AnError,
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.writeRegistryError(w, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeEnvelope(t, w)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}
