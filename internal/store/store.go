package store

import (
	"context"
	"database/sql"

	"github.com/zihaoli-cn/codestat-agent/internal/domain"
)

// DBTX abstracts over *sql.DB and *sql.Tx so stores can run inside or outside
// a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TaskListFilter narrows ListTasks results. Zero values mean "no filter".
type TaskListFilter struct {
	RepositoryID string
	Status       domain.TaskStatus
	Limit        int
}

// TaskStore persists task records. The scheduler's in-memory registry is the
// source of truth while the process runs; the store is its durable shadow,
// written opportunistically and consulted for history that has been evicted
// from memory.
type TaskStore interface {
	// UpsertTask inserts the task or, if a record with the same task_id
	// exists, replaces its mutable fields.
	UpsertTask(ctx context.Context, task *domain.Task) error

	// GetTask retrieves a task by its ID.
	// Returns ErrTaskNotFound if no such task exists.
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)

	// ListTasks retrieves tasks matching the filter, newest first.
	ListTasks(ctx context.Context, filter TaskListFilter) ([]*domain.Task, error)
}

// RepositoryStore persists repository configuration records.
type RepositoryStore interface {
	// CreateOrUpdate upserts a repository record keyed by repository_id.
	CreateOrUpdate(ctx context.Context, repo *domain.Repository) (*domain.Repository, error)

	// Get retrieves a repository by its ID.
	// Returns ErrRepositoryNotFound if no such repository exists.
	Get(ctx context.Context, repositoryID string) (*domain.Repository, error)

	// List retrieves all repositories, optionally only enabled ones.
	List(ctx context.Context, enabledOnly bool) ([]*domain.Repository, error)

	// Delete removes a repository record.
	// Returns ErrRepositoryNotFound if no such repository exists.
	Delete(ctx context.Context, repositoryID string) error
}
