package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/zihaoli-cn/codestat-agent/internal/api/shared"
	"github.com/zihaoli-cn/codestat-agent/internal/domain"
	"github.com/zihaoli-cn/codestat-agent/internal/store"
)

const (
	defaultTaskListLimit = 100
	maxTaskListLimit     = 500
)

// TaskHandler serves task queries. Listing is served from the durable store
// (which outlives registry eviction); single-task lookups prefer the live
// registry and fall back to the store.
type TaskHandler struct {
	engine    Engine
	taskStore store.TaskStore
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(engine Engine, taskStore store.TaskStore) *TaskHandler {
	return &TaskHandler{
		engine:    engine,
		taskStore: taskStore,
	}
}

// ListTasks handles GET /api/tasks requests.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	filter := store.TaskListFilter{
		RepositoryID: r.URL.Query().Get("repository_id"),
		Limit:        defaultTaskListLimit,
	}

	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := domain.ParseTaskStatus(raw)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, GetSafeErrorMessage(err))
			return
		}
		filter.Status = status
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxTaskListLimit {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid limit")
			return
		}
		filter.Limit = limit
	}

	tasks, err := h.taskStore.ListTasks(r.Context(), filter)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	responses := make([]TaskResponse, 0, len(tasks))
	for _, task := range tasks {
		responses = append(responses, taskToResponse(task))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, responses)
}

// GetTask handles GET /api/tasks/{taskID} requests.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	if task := h.engine.GetTask(taskID); task != nil {
		shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(task))
		return
	}

	task, err := h.taskStore.GetTask(r.Context(), taskID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(task))
}
