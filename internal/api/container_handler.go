package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/zihaoli-cn/codestat-agent/internal/api/shared"
	"github.com/zihaoli-cn/codestat-agent/internal/docker"
)

const stopRequestTimeout = 10 * time.Second

// ContainerManager is the slice of the execution backend the administrative
// surface uses. *docker.Manager satisfies it.
type ContainerManager interface {
	ListContainers(ctx context.Context) ([]docker.ContainerInfo, error)
	StopContainer(ctx context.Context, repositoryID string, timeout time.Duration)
	RemoveContainer(ctx context.Context, repositoryID string, force bool)
	CleanupStoppedContainers(ctx context.Context) error
}

// ContainerHandler exposes administrative container operations. All calls
// pass straight through to the execution backend; no orchestration logic
// lives here.
type ContainerHandler struct {
	manager ContainerManager
}

// NewContainerHandler creates a new ContainerHandler.
func NewContainerHandler(manager ContainerManager) *ContainerHandler {
	return &ContainerHandler{manager: manager}
}

// ListContainers handles GET /api/containers requests.
func (h *ContainerHandler) ListContainers(w http.ResponseWriter, r *http.Request) {
	containers, err := h.manager.ListContainers(r.Context())
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadGateway, "Container runtime unavailable", err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, containers)
}

// StopContainer handles POST /api/containers/{repositoryID}/stop requests.
func (h *ContainerHandler) StopContainer(w http.ResponseWriter, r *http.Request) {
	h.manager.StopContainer(r.Context(), chi.URLParam(r, "repositoryID"), stopRequestTimeout)
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "stopped"})
}

// RemoveContainer handles DELETE /api/containers/{repositoryID} requests.
func (h *ContainerHandler) RemoveContainer(w http.ResponseWriter, r *http.Request) {
	h.manager.RemoveContainer(r.Context(), chi.URLParam(r, "repositoryID"), true)
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "removed"})
}

// CleanupContainers handles POST /api/containers/cleanup requests.
func (h *ContainerHandler) CleanupContainers(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.CleanupStoppedContainers(r.Context()); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadGateway, "Container runtime unavailable", err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "cleaned"})
}
