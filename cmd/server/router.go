package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/zihaoli-cn/codestat-agent/internal/api"
	apiMiddleware "github.com/zihaoli-cn/codestat-agent/internal/api/middleware"
	"github.com/zihaoli-cn/codestat-agent/internal/api/shared"
)

// setupRouter creates and configures the application router with all routes
// and middleware. It accepts the application dependencies to create handlers
// and register routes. Returns the configured router.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	// Apply standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.TraceMiddleware)

	// Create API handlers using the application's services
	webhookHandler := api.NewWebhookHandler(app.scheduler, app.repoStore, app.taskStore)
	taskHandler := api.NewTaskHandler(app.scheduler, app.taskStore)
	repositoryHandler := api.NewRepositoryHandler(app.scheduler, app.repoStore)
	containerHandler := api.NewContainerHandler(app.manager)

	// Webhook ingestion (one route per provider, dispatched by path)
	r.Post("/webhook/{provider}", webhookHandler.Handle)

	// Register routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/tasks", taskHandler.ListTasks)
		r.Get("/tasks/{taskID}", taskHandler.GetTask)

		r.Get("/repositories", repositoryHandler.ListRepositories)
		r.Get("/repositories/{repositoryID}", repositoryHandler.GetRepository)
		r.Post("/repositories/{repositoryID}", repositoryHandler.UpsertRepository)
		r.Delete("/repositories/{repositoryID}", repositoryHandler.DeleteRepository)

		r.Get("/containers", containerHandler.ListContainers)
		r.Post("/containers/{repositoryID}/stop", containerHandler.StopContainer)
		r.Delete("/containers/{repositoryID}", containerHandler.RemoveContainer)
		r.Post("/containers/cleanup", containerHandler.CleanupContainers)
	})

	// Health check endpoint
	r.Get("/health", app.handleHealth)

	return r
}

// handleHealth reports process liveness plus the state of the scheduler and
// the database connection.
func (app *application) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	dbStatus := "ok"
	if err := app.db.PingContext(r.Context()); err != nil {
		dbStatus = "unavailable"
		status = http.StatusServiceUnavailable
	}

	schedulerStatus := "running"
	if !app.scheduler.Running() {
		schedulerStatus = "stopped"
		status = http.StatusServiceUnavailable
	}

	shared.RespondWithJSON(w, r, status, map[string]any{
		"database":  dbStatus,
		"scheduler": schedulerStatus,
		"tasks":     app.scheduler.TaskCount(),
	})
}
