package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/zihaoli-cn/codestat-agent/internal/config"
	"github.com/zihaoli-cn/codestat-agent/internal/docker"
	"github.com/zihaoli-cn/codestat-agent/internal/platform/postgres"
	"github.com/zihaoli-cn/codestat-agent/internal/scheduler"
	"github.com/zihaoli-cn/codestat-agent/internal/store"
)

// taskSyncInterval is how often in-memory task state is flushed to the
// database for durable history.
const taskSyncInterval = 10 * time.Second

// application holds the assembled dependency graph for the server process.
type application struct {
	// Configuration
	config *config.Config

	// Core services
	logger *slog.Logger
	db     *sql.DB

	// Stores (using interfaces for proper abstraction)
	taskStore store.TaskStore
	repoStore store.RepositoryStore

	// Execution backend and orchestration engine
	manager   *docker.Manager
	scheduler *scheduler.Scheduler

	// Background task sync lifecycle
	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

// newApplication creates a new application instance with all dependencies
// initialized. It accepts core dependencies like configuration, logger, and
// database connection that must be established before application
// initialization.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *sql.DB) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
	}

	// Initialize stores
	app.taskStore = postgres.NewTaskStore(db)
	app.repoStore = postgres.NewRepositoryStore(db)

	// Initialize the container execution backend
	manager, err := docker.NewManager(ctx, docker.Config{
		DataDir:     cfg.Storage.DataDir,
		WorkerImage: cfg.Container.WorkerImage,
		NetworkName: cfg.Container.NetworkName,
		MemoryLimit: cfg.Container.MemoryLimit,
		CPUQuota:    cfg.Container.CPUQuota,
	}, logger.With("component", "docker_manager"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize container backend: %w", err)
	}
	app.manager = manager
	logger.Info("Container backend initialized",
		"worker_image", cfg.Container.WorkerImage,
		"network", cfg.Container.NetworkName)

	// Initialize the task scheduler
	app.scheduler = scheduler.New(manager, cfg.Stat.Default(), scheduler.Config{
		CheckInterval:      cfg.Scheduler.CheckInterval(),
		MaxTasksInMemory:   cfg.Scheduler.MaxTasksInMemory,
		TaskRetention:      cfg.Scheduler.TaskRetention(),
		MaxConcurrentPolls: cfg.Scheduler.MaxConcurrentPolls,
	}, logger.With("component", "scheduler"))

	// Seed per-repository stat configs from the database so webhook
	// deliveries pick up overrides without a round trip per push.
	if err := app.loadRepositoryConfigs(ctx); err != nil {
		return nil, fmt.Errorf("failed to load repository configs: %w", err)
	}

	app.scheduler.Start()

	// Flush task state to the database in the background
	syncCtx, cancel := context.WithCancel(context.Background())
	app.syncCancel = cancel
	app.syncDone = make(chan struct{})
	go app.syncTasksLoop(syncCtx)

	logger.Info("Application initialized successfully")
	return app, nil
}

// loadRepositoryConfigs pushes configured stat settings for enabled
// repositories into the scheduler.
func (app *application) loadRepositoryConfigs(ctx context.Context) error {
	repos, err := app.repoStore.List(ctx, true)
	if err != nil {
		return err
	}

	for _, repo := range repos {
		if repo.StatConfig != nil {
			app.scheduler.SetRepositoryConfig(repo.RepositoryID, *repo.StatConfig)
		}
	}

	app.logger.Info("Repository configurations loaded", "count", len(repos))
	return nil
}

// syncTasksLoop periodically mirrors the scheduler's in-memory task registry
// to the database. The registry stays authoritative for live tasks; the
// database keeps history past retention.
func (app *application) syncTasksLoop(ctx context.Context) {
	defer close(app.syncDone)

	ticker := time.NewTicker(taskSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			app.syncTasks(ctx)
		}
	}
}

// syncTasks upserts every known task. Failures are logged and retried on the
// next tick.
func (app *application) syncTasks(ctx context.Context) {
	for _, task := range app.scheduler.Snapshot() {
		if err := app.taskStore.UpsertTask(ctx, task); err != nil {
			app.logger.Warn("Failed to sync task to database",
				"task_id", task.TaskID,
				"error", err)
		}
	}
}

// Run starts the application server, handling lifecycle and cleanup.
// It returns an error if the server fails to start or encounters problems.
func (app *application) Run(ctx context.Context) error {
	router := app.setupRouter()

	if err := app.startHTTPServer(ctx, router); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// cleanup handles graceful shutdown of application resources.
func (app *application) cleanup() {
	// Stop the background sync and take a final snapshot so terminal states
	// reached during shutdown are not lost.
	if app.syncCancel != nil {
		app.syncCancel()
		<-app.syncDone
	}

	if app.scheduler != nil {
		app.scheduler.Stop()
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.syncTasks(flushCtx)

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("Error closing database connection", "error", err)
		}
	}

	app.logger.Info("Application shutdown completed")
}
