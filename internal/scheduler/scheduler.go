package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zihaoli-cn/codestat-agent/internal/domain"
)

// ExecutionBackend is the slice of the container execution backend the
// scheduler depends on. *docker.Manager satisfies it.
type ExecutionBackend interface {
	// StartTask materializes and starts the container for a task, returning
	// its container ID.
	StartTask(ctx context.Context, task *domain.Task) (string, error)

	// TaskStatus reports the runtime status of a container, or the backend's
	// not-found sentinel if the reference no longer resolves.
	TaskStatus(ctx context.Context, containerID string) (string, error)

	// TaskResult reads the task's result file; (nil, nil) when absent or
	// unparseable.
	TaskResult(taskID string) (json.RawMessage, error)

	// ContainerLogs fetches recent container output, best-effort.
	ContainerLogs(ctx context.Context, containerID string, tailLines int) string

	// StopContainer stops the repository's container, best-effort.
	StopContainer(ctx context.Context, repositoryID string, timeout time.Duration)
}

// Runtime status strings the scheduler reacts to. They mirror the backend's
// sentinels so the scheduler never imports the docker package.
const (
	statusExited   = "exited"
	statusNotFound = "not_found"
)

// stopContainerTimeout bounds how long the runtime gets to stop a timed-out
// task's container gracefully.
const stopContainerTimeout = 10 * time.Second

// logTailLines is how much container output gets attached to a failed task's
// error message.
const logTailLines = 50

// Config tunes the scheduler.
type Config struct {
	// CheckInterval is the reconciliation loop period.
	CheckInterval time.Duration

	// MaxTasksInMemory caps the registry; terminal tasks beyond the cap are
	// evicted oldest-finished-first.
	MaxTasksInMemory int

	// TaskRetention evicts terminal tasks older than this. Zero disables the
	// age bound.
	TaskRetention time.Duration

	// MaxConcurrentPolls bounds the worker pool for blocking runtime calls
	// during a reconciliation pass.
	MaxConcurrentPolls int
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:      5 * time.Second,
		MaxTasksInMemory:   1000,
		TaskRetention:      24 * time.Hour,
		MaxConcurrentPolls: 8,
	}
}

// Scheduler owns the task state machine, the in-memory task registry, the
// live per-repository execution configuration, and the reconciliation loop
// that advances task state by polling the execution backend.
//
// Task fields are mutated only by the scheduler (single writer); the mutex
// guards registry membership and snapshots, not per-field access.
type Scheduler struct {
	backend       ExecutionBackend
	defaultConfig domain.StatConfig
	cfg           Config
	logger        *slog.Logger

	mu          sync.RWMutex
	tasks       map[string]*domain.Task
	repoConfigs map[string]domain.StatConfig

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a Scheduler. The background loop starts only on Start.
func New(backend ExecutionBackend, defaultConfig domain.StatConfig, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig().CheckInterval
	}
	if cfg.MaxTasksInMemory <= 0 {
		cfg.MaxTasksInMemory = DefaultConfig().MaxTasksInMemory
	}
	if cfg.MaxConcurrentPolls <= 0 {
		cfg.MaxConcurrentPolls = DefaultConfig().MaxConcurrentPolls
	}

	return &Scheduler{
		backend:       backend,
		defaultConfig: defaultConfig,
		cfg:           cfg,
		logger:        logger,
		tasks:         make(map[string]*domain.Task),
		repoConfigs:   make(map[string]domain.StatConfig),
	}
}

// SetRepositoryConfig sets the live execution configuration for a repository.
// Only tasks scheduled after the call are affected.
func (s *Scheduler) SetRepositoryConfig(repositoryID string, cfg domain.StatConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repoConfigs[repositoryID] = cfg.Clone()
}

// GetRepositoryConfig returns the effective execution configuration for a
// repository, falling back to the process-wide default.
func (s *Scheduler) GetRepositoryConfig(repositoryID string) domain.StatConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cfg, ok := s.repoConfigs[repositoryID]; ok {
		return cfg.Clone()
	}
	return s.defaultConfig.Clone()
}

// Schedule creates a task for a push event and immediately attempts to start
// it. The returned task is already running or failed; the call never blocks
// on task completion and never reports an error to the ingestion boundary,
// so a push event always yields a task record, even a failed one.
func (s *Scheduler) Schedule(ctx context.Context, event *domain.PushEvent) *domain.Task {
	taskID := s.newTaskID(event)
	cfg := s.GetRepositoryConfig(event.RepositoryID())

	task, err := domain.NewTask(taskID, event, cfg)
	if err != nil {
		// Validation failures still produce a task record so the caller has
		// something to report. Missing required fields get placeholders so
		// the record survives the durable store's own validation.
		task = &domain.Task{
			TaskID:         taskID,
			RepositoryID:   orPlaceholder(event.RepositoryID()),
			RepositoryName: orPlaceholder(event.RepositoryName),
			RepositoryURL:  orPlaceholder(event.RepositoryURL),
			Branch:         orPlaceholder(event.Branch),
			CommitSHA:      orPlaceholder(event.CommitSHA),
			Status:         domain.TaskStatusPending,
			Config:         cfg,
			CreatedAt:      time.Now().UTC(),
		}
		task.MarkFailed(fmt.Sprintf("invalid push event: %v", err))
		s.register(task)
		return task.Clone()
	}

	s.register(task)
	s.startTask(ctx, task)

	// Snapshot the task we already hold rather than re-querying the registry:
	// a concurrent retention pass may have evicted a task that failed to start
	// (it is terminal), and the caller must still get its record.
	s.mu.RLock()
	snapshot := task.Clone()
	s.mu.RUnlock()
	return snapshot
}

// newTaskID builds a task id unique against every live or retained task:
// <repository id>_<short sha>_<random suffix>.
func (s *Scheduler) newTaskID(event *domain.PushEvent) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for {
		suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		id := fmt.Sprintf("%s_%s_%s", event.RepositoryID(), event.ShortSHA(), suffix)
		if _, exists := s.tasks[id]; !exists {
			return id
		}
	}
}

func orPlaceholder(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func (s *Scheduler) register(task *domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.TaskID] = task
}

// startTask transitions a pending task to running by starting its container,
// or to failed if the runtime rejects the attempt.
func (s *Scheduler) startTask(ctx context.Context, task *domain.Task) {
	containerID, err := s.backend.StartTask(ctx, task)
	if err != nil {
		s.mu.Lock()
		task.MarkFailed(err.Error())
		s.mu.Unlock()
		s.logger.Error("task failed to start",
			"task_id", task.TaskID,
			"repository_id", task.RepositoryID,
			"error", err)
		return
	}

	s.mu.Lock()
	task.MarkRunning(containerID)
	s.mu.Unlock()
	s.logger.Info("task started",
		"task_id", task.TaskID,
		"repository_id", task.RepositoryID,
		"container_id", containerID)
}

// GetTask returns a copy of the task with the given ID, or nil if it is not
// in the registry.
func (s *Scheduler) GetTask(taskID string) *domain.Task {
	return s.snapshot(taskID)
}

func (s *Scheduler) snapshot(taskID string) *domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if task, ok := s.tasks[taskID]; ok {
		return task.Clone()
	}
	return nil
}

// ListFilter narrows ListTasks results. Zero values mean "no filter".
type ListFilter struct {
	RepositoryID string
	Status       domain.TaskStatus
	Limit        int
}

// ListTasks returns copies of registry tasks matching the filter, ordered by
// creation time, most recent first, truncated to the limit.
func (s *Scheduler) ListTasks(filter ListFilter) []*domain.Task {
	s.mu.RLock()
	tasks := make([]*domain.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if filter.RepositoryID != "" && task.RepositoryID != filter.RepositoryID {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		tasks = append(tasks, task.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks
}

// Snapshot returns copies of every task in the registry, for periodic
// durable snapshotting by the persistence boundary.
func (s *Scheduler) Snapshot() []*domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := make([]*domain.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task.Clone())
	}
	return tasks
}

// TaskCount returns the registry size.
func (s *Scheduler) TaskCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Running reports whether the reconciliation loop is active.
func (s *Scheduler) Running() bool {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.cancel != nil
}

// Start launches the background reconciliation loop. Idempotent.
func (s *Scheduler) Start() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)
	s.logger.Info("scheduler started", "check_interval", s.cfg.CheckInterval)
}

// Stop cancels the reconciliation loop and blocks until it has fully exited,
// including any in-flight pass. Safe to call when never started, and
// idempotent.
func (s *Scheduler) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.cancel == nil {
		return
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
}

// loop drives reconciliation and retention on a fixed cadence. Unexpected
// per-pass errors are contained so the loop always reaches the next tick.
func (s *Scheduler) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runPass(ctx)
		}
	}
}

// runPass executes one reconciliation pass followed by retention, recovering
// from panics so one bad pass cannot kill the loop.
func (s *Scheduler) runPass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("reconciliation pass panicked", "panic", r)
		}
	}()

	s.reconcile(ctx)
	s.retain()
}

// reconcile advances every running task's state from runtime-observed facts.
// Blocking runtime calls are dispatched to a bounded worker pool; the pass
// waits for all of them, so no task ever has two overlapping reconciliations.
func (s *Scheduler) reconcile(ctx context.Context) {
	s.mu.RLock()
	running := make([]*domain.Task, 0)
	for _, task := range s.tasks {
		// Tasks without a container reference must already be terminal from
		// the failed-start path; skip them either way.
		if task.Status == domain.TaskStatusRunning && task.ContainerID != "" {
			running = append(running, task)
		}
	}
	s.mu.RUnlock()

	if len(running) == 0 {
		return
	}

	sem := make(chan struct{}, s.cfg.MaxConcurrentPolls)
	var wg sync.WaitGroup
	for _, task := range running {
		wg.Add(1)
		sem <- struct{}{}
		go func(task *domain.Task) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("task reconciliation panicked",
						"task_id", task.TaskID, "panic", r)
				}
			}()
			s.reconcileTask(ctx, task)
		}(task)
	}
	wg.Wait()
}

// reconcileTask inspects one running task's container and applies the
// resulting transition, if any. The timeout check runs first: a task that
// both exceeded its budget and has an exited container is classified as
// timed out, not success or failure.
func (s *Scheduler) reconcileTask(ctx context.Context, task *domain.Task) {
	timeout := time.Duration(task.Config.TimeoutSeconds) * time.Second
	if elapsed := task.Elapsed(time.Now().UTC()); timeout > 0 && elapsed > timeout {
		s.backend.StopContainer(ctx, task.RepositoryID, stopContainerTimeout)
		s.finalize(task, func(t *domain.Task) {
			t.MarkTimeout(elapsed)
		})
		s.logger.Warn("task timed out",
			"task_id", task.TaskID,
			"elapsed", elapsed.Round(time.Second))
		return
	}

	status, err := s.backend.TaskStatus(ctx, task.ContainerID)
	if err != nil {
		// Runtime unreachable or rejecting the call: leave the task alone and
		// let a later pass retry the poll.
		s.logger.Error("failed to query container status",
			"task_id", task.TaskID,
			"container_id", task.ContainerID,
			"error", err)
		return
	}

	switch status {
	case statusNotFound:
		s.finalize(task, func(t *domain.Task) {
			t.MarkFailed("container no longer exists")
		})
		s.logger.Warn("task container lost", "task_id", task.TaskID)

	case statusExited:
		result, err := s.backend.TaskResult(task.TaskID)
		if err != nil {
			s.logger.Error("failed to read task result",
				"task_id", task.TaskID, "error", err)
			result = nil
		}

		if result != nil {
			s.finalize(task, func(t *domain.Task) {
				t.MarkSuccess(result)
			})
			s.logger.Info("task succeeded", "task_id", task.TaskID)
			return
		}

		message := "no result file generated"
		if logs := s.backend.ContainerLogs(ctx, task.ContainerID, logTailLines); logs != "" {
			message = fmt.Sprintf("%s; recent container output:\n%s", message, logs)
		}
		s.finalize(task, func(t *domain.Task) {
			t.MarkFailed(message)
		})
		s.logger.Warn("task finished without result", "task_id", task.TaskID)
	}
}

// finalize applies a terminal transition unless the task already left the
// running state.
func (s *Scheduler) finalize(task *domain.Task, apply func(*domain.Task)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.IsTerminal() {
		return
	}
	apply(task)
}

// retain bounds the in-memory registry: terminal tasks older than the
// retention age are dropped, then the oldest-finished terminal tasks are
// evicted until the registry fits the configured maximum. Non-terminal tasks
// are never evicted.
func (s *Scheduler) retain() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var terminal []*domain.Task
	for _, task := range s.tasks {
		if task.IsTerminal() && task.FinishedAt != nil {
			terminal = append(terminal, task)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].FinishedAt.Before(*terminal[j].FinishedAt)
	})

	evicted := 0

	if s.cfg.TaskRetention > 0 {
		cutoff := time.Now().UTC().Add(-s.cfg.TaskRetention)
		for len(terminal) > 0 && terminal[0].FinishedAt.Before(cutoff) {
			delete(s.tasks, terminal[0].TaskID)
			terminal = terminal[1:]
			evicted++
		}
	}

	for len(s.tasks) > s.cfg.MaxTasksInMemory && len(terminal) > 0 {
		delete(s.tasks, terminal[0].TaskID)
		terminal = terminal[1:]
		evicted++
	}

	if evicted > 0 {
		s.logger.Debug("evicted finished tasks from registry",
			"evicted", evicted,
			"remaining", len(s.tasks))
	}
}
