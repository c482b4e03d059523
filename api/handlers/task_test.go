package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/balancer"
	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/fault"
	"github.com/BaSui01/agenthive/lifecycle"
	"github.com/BaSui01/agenthive/protocol"
	"github.com/BaSui01/agenthive/queue"
	"github.com/BaSui01/agenthive/registry"
)

// newTaskFixture wires a task handler to a real, non-started lifecycle
// manager over in-memory components. Submissions stay queued, which is
// all the handler routes need.
func newTaskFixture(t *testing.T) (*TaskHandler, *lifecycle.Manager) {
	t.Helper()
	logger := zap.NewNop()

	reg := registry.New(config.DefaultRegistryConfig(), logger)
	breakers := fault.NewSet(config.DefaultFaultConfig(), logger)
	bal := balancer.New(config.DefaultBalancerConfig(), reg, breakers, logger)
	q := queue.NewMemory(config.DefaultQueueConfig(), logger)
	client, err := protocol.NewClient(config.DefaultProtocolConfig(), logger)
	require.NoError(t, err)

	mgr, err := lifecycle.New(config.DefaultLifecycleConfig(), lifecycle.Deps{
		Queue:    q,
		Balancer: bal,
		Breakers: breakers,
		Protocol: client,
		Fault:    config.DefaultFaultConfig(),
	}, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, mgr.Close())
		require.NoError(t, client.Close())
		require.NoError(t, q.Close())
		require.NoError(t, reg.Close())
	})

	return NewTaskHandler(mgr, nil, logger), mgr
}

// taskMux mounts the handler on the routes the serve command uses.
func taskMux(h *TaskHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", h.HandleSubmitTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}", h.HandleGetTask)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", h.HandleCancelTask)
	return mux
}

func postJSON(t *testing.T, mux *http.ServeMux, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	mux.ServeHTTP(w, r)
	return w
}

// dataField digs one key out of the envelope's data object.
func dataField(t *testing.T, resp Response, key string) any {
	t.Helper()
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is not an object: %T", resp.Data)
	return data[key]
}

// ---------------------------------------------------------------------------
// submit
// ---------------------------------------------------------------------------

func TestHandleSubmitTask(t *testing.T) {
	h, mgr := newTaskFixture(t)
	mux := taskMux(h)

	w := postJSON(t, mux, "/api/v1/tasks", `{"capability":"triage","payload_ref":"s3://cases/1"}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeEnvelope(t, w)
	assert.True(t, resp.Success)

	taskID, _ := dataField(t, resp, "task_id").(string)
	require.NotEmpty(t, taskID)

	status, err := mgr.Status(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, "queued", string(status.Stage))
}

func TestHandleSubmitTaskValidation(t *testing.T) {
	h, _ := newTaskFixture(t)
	mux := taskMux(h)

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{
			name:     "missing payload ref",
			body:     `{"capability":"triage"}`,
			wantCode: "INVALID_REQUEST",
		},
		{
			name:     "unknown capability",
			body:     `{"capability":"time_travel","payload_ref":"s3://cases/1"}`,
			wantCode: "INVALID_REQUEST",
		},
		{
			name:     "unknown priority",
			body:     `{"capability":"triage","priority":"urgent","payload_ref":"s3://cases/1"}`,
			wantCode: "INVALID_REQUEST",
		},
		{
			name:     "confidence threshold out of range",
			body:     `{"capability":"triage","payload_ref":"s3://cases/1","confidence_threshold":1.5}`,
			wantCode: "INVALID_REQUEST",
		},
		{
			name:     "unknown field",
			body:     `{"capability":"triage","payload_ref":"s3://cases/1","bogus":true}`,
			wantCode: "INVALID_REQUEST",
		},
		{
			name:     "invalid JSON",
			body:     `{"capability":`,
			wantCode: "INVALID_REQUEST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, mux, "/api/v1/tasks", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := decodeEnvelope(t, w)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestHandleSubmitTaskRejectsNonJSON(t *testing.T) {
	h, _ := newTaskFixture(t)
	mux := taskMux(h)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader("capability=triage"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	mux.ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ---------------------------------------------------------------------------
// status
// ---------------------------------------------------------------------------

func TestHandleGetTask(t *testing.T) {
	h, mgr := newTaskFixture(t)
	mux := taskMux(h)

	id, err := mgr.Submit(context.Background(), lifecycle.SubmitRequest{
		Capability: "triage",
		Priority:   "high",
		PayloadRef: "s3://cases/42",
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+id, nil))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeEnvelope(t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, id, dataField(t, resp, "task_id"))
	assert.Equal(t, "queued", dataField(t, resp, "stage"))
	assert.Equal(t, "high", dataField(t, resp, "priority"))

	trail, ok := dataField(t, resp, "audit_trail").([]any)
	require.True(t, ok, "audit trail missing")
	assert.NotEmpty(t, trail)
}

func TestHandleGetTaskUnknown(t *testing.T) {
	h, _ := newTaskFixture(t)
	mux := taskMux(h)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/no-such-task", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := decodeEnvelope(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestHandleGetTaskDirectInvocation(t *testing.T) {
	// Without the mux there is no PathValue; the handler falls back to
	// parsing the path itself.
	h, mgr := newTaskFixture(t)

	id, err := mgr.Submit(context.Background(), lifecycle.SubmitRequest{
		Capability: "triage",
		PayloadRef: "s3://cases/7",
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	h.HandleGetTask(w, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+id, nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

// ---------------------------------------------------------------------------
// cancel
// ---------------------------------------------------------------------------

func TestHandleCancelTask(t *testing.T) {
	h, mgr := newTaskFixture(t)
	mux := taskMux(h)

	id, err := mgr.Submit(context.Background(), lifecycle.SubmitRequest{
		Capability: "triage",
		PayloadRef: "s3://cases/9",
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/"+id, nil))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeEnvelope(t, w)
	assert.Equal(t, id, dataField(t, resp, "task_id"))
	// withdrawn before dispatch, so the task is already terminal
	assert.Equal(t, "failed", dataField(t, resp, "stage"))

	status, err := mgr.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "cancelled by caller", status.LastError)
}

func TestHandleCancelTaskUnknown(t *testing.T) {
	h, _ := newTaskFixture(t)
	mux := taskMux(h)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/ghost", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleCancelTaskTwice(t *testing.T) {
	h, mgr := newTaskFixture(t)
	mux := taskMux(h)

	id, err := mgr.Submit(context.Background(), lifecycle.SubmitRequest{
		Capability: "triage",
		PayloadRef: "s3://cases/11",
	})
	require.NoError(t, err)

	first := httptest.NewRecorder()
	mux.ServeHTTP(first, httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/"+id, nil))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	mux.ServeHTTP(second, httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/"+id, nil))

	assert.Equal(t, http.StatusConflict, second.Code)
	resp := decodeEnvelope(t, second)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INVALID_STATE", resp.Error.Code)
}

// ---------------------------------------------------------------------------
// path parsing
// ---------------------------------------------------------------------------

func TestPathID(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		prefix string
		want   string
	}{
		{name: "plain id", path: "/api/v1/tasks/t-123", prefix: "/api/v1/tasks/", want: "t-123"},
		{name: "id with suffix", path: "/api/v1/agents/a-9/heartbeat", prefix: "/api/v1/agents/", want: "a-9"},
		{name: "no id", path: "/api/v1/tasks/", prefix: "/api/v1/tasks/", want: ""},
		{name: "prefix mismatch", path: "/other/route", prefix: "/api/v1/tasks/", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.want, pathID(r, tt.prefix))
		})
	}
}
