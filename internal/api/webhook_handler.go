package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/zihaoli-cn/codestat-agent/internal/api/shared"
	"github.com/zihaoli-cn/codestat-agent/internal/domain"
	"github.com/zihaoli-cn/codestat-agent/internal/platform/logger"
	"github.com/zihaoli-cn/codestat-agent/internal/store"
	"github.com/zihaoli-cn/codestat-agent/internal/webhook"
)

// Engine is the slice of the orchestration engine the HTTP surface uses.
// *scheduler.Scheduler satisfies it.
type Engine interface {
	Schedule(ctx context.Context, event *domain.PushEvent) *domain.Task
	GetTask(taskID string) *domain.Task
	SetRepositoryConfig(repositoryID string, cfg domain.StatConfig)
	Running() bool
}

// WebhookHandler turns provider webhook deliveries into scheduled tasks.
type WebhookHandler struct {
	engine    Engine
	repoStore store.RepositoryStore
	taskStore store.TaskStore
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(engine Engine, repoStore store.RepositoryStore, taskStore store.TaskStore) *WebhookHandler {
	return &WebhookHandler{
		engine:    engine,
		repoStore: repoStore,
		taskStore: taskStore,
	}
}

type webhookEventSummary struct {
	Provider   string `json:"provider"`
	Repository string `json:"repository"`
	Branch     string `json:"branch"`
	Commit     string `json:"commit"`
}

type webhookResponse struct {
	Status string               `json:"status"`
	Reason string               `json:"reason,omitempty"`
	TaskID string               `json:"task_id,omitempty"`
	Event  *webhookEventSummary `json:"event,omitempty"`
}

// Handle handles POST /webhook/{provider} requests.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	provider, err := domain.ParseGitProvider(chi.URLParam(r, "provider"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusNotFound, "Unsupported git provider")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Failed to read request body", err)
		return
	}

	parser, err := webhook.ParserFor(provider)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusNotFound, "Unsupported git provider")
		return
	}

	event, err := parser.Parse(body)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid JSON payload", err)
		return
	}
	if event == nil {
		shared.RespondWithJSON(w, r, http.StatusOK, webhookResponse{
			Status: "ignored",
			Reason: "not a push event",
		})
		return
	}

	if err := event.Validate(); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Incomplete push event", err)
		return
	}

	// Verification is enforced only for repositories with a configured secret.
	repo, err := h.repoStore.Get(r.Context(), event.RepositoryID())
	if err != nil && !errors.Is(err, store.ErrRepositoryNotFound) {
		log.Error("failed to look up repository for webhook",
			"repository_id", event.RepositoryID(),
			"error", err)
	}
	if repo != nil {
		if !repo.Enabled {
			shared.RespondWithJSON(w, r, http.StatusOK, webhookResponse{
				Status: "ignored",
				Reason: "repository disabled",
			})
			return
		}
		signature := r.Header.Get(webhook.SignatureHeader(provider))
		if !parser.VerifySignature(body, signature, repo.WebhookSecret) {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid webhook signature")
			return
		}
	}

	if !event.IsDefaultBranch() {
		shared.RespondWithJSON(w, r, http.StatusOK, webhookResponse{
			Status: "ignored",
			Reason: "not default branch (got: " + event.Branch + ")",
		})
		return
	}

	log.Info("received push event",
		"provider", string(provider),
		"repository", event.RepositoryName,
		"commit", event.ShortSHA())

	task := h.engine.Schedule(r.Context(), event)

	// The registry is authoritative; the durable copy is opportunistic.
	if err := h.taskStore.UpsertTask(r.Context(), task); err != nil {
		log.Error("failed to persist scheduled task",
			"task_id", task.TaskID,
			"error", err)
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, webhookResponse{
		Status: "accepted",
		TaskID: task.TaskID,
		Event: &webhookEventSummary{
			Provider:   string(provider),
			Repository: event.RepositoryName,
			Branch:     event.Branch,
			Commit:     event.ShortSHA(),
		},
	})
}
