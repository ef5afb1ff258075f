package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/zihaoli-cn/codestat-agent/internal/api/shared"
	"github.com/zihaoli-cn/codestat-agent/internal/domain"
	"github.com/zihaoli-cn/codestat-agent/internal/platform/logger"
	"github.com/zihaoli-cn/codestat-agent/internal/store"
)

// UpsertRepositoryRequest is the request body for creating or updating a
// repository configuration.
type UpsertRepositoryRequest struct {
	RepositoryName string             `json:"repository_name" validate:"required"`
	RepositoryURL  string             `json:"repository_url"  validate:"required"`
	StatConfig     *domain.StatConfig `json:"stat_config"`
	WebhookSecret  string             `json:"webhook_secret"`
	Enabled        *bool              `json:"enabled"`
}

// RepositoryHandler serves repository configuration CRUD. Updates that carry
// an execution configuration also refresh the engine's live per-repository
// configuration so future tasks pick it up without a restart.
type RepositoryHandler struct {
	engine    Engine
	repoStore store.RepositoryStore
}

// NewRepositoryHandler creates a new RepositoryHandler.
func NewRepositoryHandler(engine Engine, repoStore store.RepositoryStore) *RepositoryHandler {
	return &RepositoryHandler{
		engine:    engine,
		repoStore: repoStore,
	}
}

// ListRepositories handles GET /api/repositories requests.
func (h *RepositoryHandler) ListRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := h.repoStore.List(r.Context(), false)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	responses := make([]RepositoryResponse, 0, len(repos))
	for _, repo := range repos {
		responses = append(responses, repositoryToResponse(repo))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, responses)
}

// GetRepository handles GET /api/repositories/{repositoryID} requests.
func (h *RepositoryHandler) GetRepository(w http.ResponseWriter, r *http.Request) {
	repo, err := h.repoStore.Get(r.Context(), chi.URLParam(r, "repositoryID"))
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, repositoryToResponse(repo))
}

// UpsertRepository handles POST /api/repositories/{repositoryID} requests.
func (h *RepositoryHandler) UpsertRepository(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	repositoryID := chi.URLParam(r, "repositoryID")

	var req UpsertRepositoryRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	repo := &domain.Repository{
		RepositoryID:   repositoryID,
		RepositoryName: req.RepositoryName,
		RepositoryURL:  req.RepositoryURL,
		StatConfig:     req.StatConfig,
		WebhookSecret:  req.WebhookSecret,
		Enabled:        enabled,
	}

	stored, err := h.repoStore.CreateOrUpdate(r.Context(), repo)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	if stored.StatConfig != nil {
		h.engine.SetRepositoryConfig(stored.RepositoryID, *stored.StatConfig)
		log.Info("repository configuration updated",
			"repository_id", stored.RepositoryID)
	}

	shared.RespondWithJSON(w, r, http.StatusOK, repositoryToResponse(stored))
}

// DeleteRepository handles DELETE /api/repositories/{repositoryID} requests.
func (h *RepositoryHandler) DeleteRepository(w http.ResponseWriter, r *http.Request) {
	if err := h.repoStore.Delete(r.Context(), chi.URLParam(r, "repositoryID")); err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}
