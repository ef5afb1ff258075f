package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zihaoli-cn/codestat-agent/internal/domain"
	"github.com/zihaoli-cn/codestat-agent/internal/platform/logger"
	"github.com/zihaoli-cn/codestat-agent/internal/store"
)

// TaskStore implements store.TaskStore using PostgreSQL.
type TaskStore struct {
	db store.DBTX
}

// NewTaskStore creates a new TaskStore.
func NewTaskStore(db store.DBTX) *TaskStore {
	return &TaskStore{db: db}
}

// UpsertTask inserts the task or replaces the mutable fields of an existing
// record with the same task_id.
func (s *TaskStore) UpsertTask(ctx context.Context, task *domain.Task) error {
	log := logger.FromContext(ctx)

	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	cfg, err := json.Marshal(task.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal task config: %w", err)
	}

	query := `
		INSERT INTO tasks (
			task_id, repository_id, repository_name, repository_url,
			branch, commit_sha, status, container_id, stat_config,
			result, error_message, created_at, started_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			container_id = EXCLUDED.container_id,
			result = EXCLUDED.result,
			error_message = EXCLUDED.error_message,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at
	`

	_, err = s.db.ExecContext(ctx, query,
		task.TaskID,
		task.RepositoryID,
		task.RepositoryName,
		task.RepositoryURL,
		task.Branch,
		task.CommitSHA,
		string(task.Status),
		nullString(task.ContainerID),
		cfg,
		nullRawMessage(task.Result),
		nullString(task.ErrorMessage),
		task.CreatedAt,
		task.StartedAt,
		task.FinishedAt,
	)
	if err != nil {
		log.Error("failed to upsert task",
			"task_id", task.TaskID,
			"error", err)
		return fmt.Errorf("failed to upsert task: %w", MapError(err))
	}

	return nil
}

// GetTask retrieves a task by ID.
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	query := taskSelectColumns + ` WHERE task_id = $1`

	row := s.db.QueryRowContext(ctx, query, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", MapError(err))
	}

	return task, nil
}

// ListTasks retrieves tasks matching the filter, newest first.
func (s *TaskStore) ListTasks(ctx context.Context, filter store.TaskListFilter) ([]*domain.Task, error) {
	query := taskSelectColumns
	var conds []string
	var args []any

	if filter.RepositoryID != "" {
		args = append(args, filter.RepositoryID)
		conds = append(conds, fmt.Sprintf("repository_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task rows: %w", err)
	}

	return tasks, nil
}

const taskSelectColumns = `
	SELECT task_id, repository_id, repository_name, repository_url,
	       branch, commit_sha, status, container_id, stat_config,
	       result, error_message, created_at, started_at, finished_at
	FROM tasks`

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task         domain.Task
		status       string
		containerID  sql.NullString
		cfg          []byte
		result       []byte
		errorMessage sql.NullString
		startedAt    sql.NullTime
		finishedAt   sql.NullTime
	)

	err := row.Scan(
		&task.TaskID,
		&task.RepositoryID,
		&task.RepositoryName,
		&task.RepositoryURL,
		&task.Branch,
		&task.CommitSHA,
		&status,
		&containerID,
		&cfg,
		&result,
		&errorMessage,
		&task.CreatedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = domain.TaskStatus(status)
	task.ContainerID = containerID.String
	task.ErrorMessage = errorMessage.String
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		task.FinishedAt = &t
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &task.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task config: %w", err)
		}
	}
	if len(result) > 0 {
		task.Result = json.RawMessage(result)
	}

	return &task, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullRawMessage(m json.RawMessage) []byte {
	if len(m) == 0 {
		return nil
	}
	return m
}
