package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/api"
	"github.com/BaSui01/agenthive/internal/metrics"
	"github.com/BaSui01/agenthive/lifecycle"
	"github.com/BaSui01/agenthive/types"
)

// TaskHandler serves the task lifecycle routes: submit, status, cancel.
type TaskHandler struct {
	manager *lifecycle.Manager
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewTaskHandler creates a task handler. The collector may be nil when
// metrics are disabled.
func NewTaskHandler(manager *lifecycle.Manager, collector *metrics.Collector, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{
		manager: manager,
		metrics: collector,
		logger:  logger.With(zap.String("component", "task_handler")),
	}
}

// HandleSubmitTask accepts a task for dispatch.
//
// POST /api/v1/tasks
func (h *TaskHandler) HandleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req lifecycle.SubmitRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	taskID, err := h.manager.Submit(r.Context(), req)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	if h.metrics != nil {
		prio := req.Priority
		if prio == "" {
			prio = types.PriorityNormal
		}
		h.metrics.RecordTaskSubmitted(string(prio), string(req.Capability))
	}

	h.logger.Info("task submitted",
		zap.String("task_id", taskID),
		zap.String("capability", string(req.Capability)),
		zap.String("priority", string(req.Priority)),
	)
	WriteSuccess(w, api.SubmitTaskResponse{TaskID: taskID})
}

// HandleGetTask reports a task's queryable status, including archived
// tasks when an archive store is configured.
//
// GET /api/v1/tasks/{id}
func (h *TaskHandler) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := pathID(r, "/api/v1/tasks/")
	if taskID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "task ID is required", h.logger)
		return
	}

	status, err := h.manager.Status(r.Context(), taskID)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, status)
}

// HandleCancelTask requests cancellation. Queued tasks are withdrawn
// immediately; dispatched ones only carry the flag, so the returned
// stage may still be active.
//
// DELETE /api/v1/tasks/{id}
func (h *TaskHandler) HandleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := pathID(r, "/api/v1/tasks/")
	if taskID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "task ID is required", h.logger)
		return
	}

	if err := h.manager.Cancel(r.Context(), taskID); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordTaskCancelled()
	}

	resp := api.CancelTaskResponse{TaskID: taskID}
	if status, err := h.manager.Status(r.Context(), taskID); err == nil {
		resp.Stage = status.Stage
	}

	h.logger.Info("task cancellation requested", zap.String("task_id", taskID))
	WriteSuccess(w, resp)
}

// pathID extracts the {id} segment from the request path. PathValue
// covers mux-routed requests; the prefix trim covers handlers invoked
// directly in tests.
func pathID(r *http.Request, prefix string) string {
	if id := r.PathValue("id"); id != "" {
		return id
	}
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	if rest == r.URL.Path {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	return id
}
