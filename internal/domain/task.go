package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TaskStatus represents the execution state of a statistics task.
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailed  TaskStatus = "failed"
	TaskStatusTimeout TaskStatus = "timeout"
)

// Common validation errors for Task
var (
	ErrEmptyTaskID        = errors.New("task ID cannot be empty")
	ErrEmptyRepositoryID  = errors.New("task repository ID cannot be empty")
	ErrEmptyRepositoryURL = errors.New("task repository URL cannot be empty")
	ErrEmptyBranch        = errors.New("task branch cannot be empty")
	ErrEmptyCommitSHA     = errors.New("task commit SHA cannot be empty")
	ErrInvalidTaskStatus  = errors.New("invalid task status")
	ErrTaskNotRunning     = errors.New("task is not running")
)

// Task represents one tracked attempt to compute code statistics for a
// specific repository, branch and commit. Tasks are created by the scheduler
// when a qualifying push event arrives and are mutated only by the scheduler.
type Task struct {
	TaskID         string     `json:"task_id"`
	RepositoryID   string     `json:"repository_id"`
	RepositoryName string     `json:"repository_name"`
	RepositoryURL  string     `json:"repository_url"`
	Branch         string     `json:"branch"`
	CommitSHA      string     `json:"commit_sha"`

	Status      TaskStatus `json:"status"`
	ContainerID string     `json:"container_id,omitempty"`

	// Config is a snapshot of the execution configuration in effect when the
	// task was created. Later changes to the live per-repository configuration
	// do not affect it.
	Config StatConfig `json:"stat_config"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// NewTask creates a Task in the pending state from a push event and the
// execution configuration resolved for its repository.
// Returns an error if validation fails.
func NewTask(taskID string, event *PushEvent, cfg StatConfig) (*Task, error) {
	task := &Task{
		TaskID:         taskID,
		RepositoryID:   event.RepositoryID(),
		RepositoryName: event.RepositoryName,
		RepositoryURL:  event.RepositoryURL,
		Branch:         event.Branch,
		CommitSHA:      event.CommitSHA,
		Status:         TaskStatusPending,
		Config:         cfg,
		CreatedAt:      time.Now().UTC(),
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks if the Task has valid data.
func (t *Task) Validate() error {
	if t.TaskID == "" {
		return ErrEmptyTaskID
	}
	if t.RepositoryID == "" {
		return ErrEmptyRepositoryID
	}
	if t.RepositoryURL == "" {
		return ErrEmptyRepositoryURL
	}
	if t.Branch == "" {
		return ErrEmptyBranch
	}
	if t.CommitSHA == "" {
		return ErrEmptyCommitSHA
	}
	if !isValidTaskStatus(t.Status) {
		return ErrInvalidTaskStatus
	}
	return nil
}

// IsTerminal reports whether the task has reached a final state.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case TaskStatusSuccess, TaskStatusFailed, TaskStatusTimeout:
		return true
	}
	return false
}

// MarkRunning transitions the task to running, recording the container it
// executes in and the start time.
func (t *Task) MarkRunning(containerID string) {
	now := time.Now().UTC()
	t.Status = TaskStatusRunning
	t.ContainerID = containerID
	t.StartedAt = &now
}

// MarkSuccess finalizes the task with its result payload.
func (t *Task) MarkSuccess(result json.RawMessage) {
	now := time.Now().UTC()
	t.Status = TaskStatusSuccess
	t.Result = result
	t.FinishedAt = &now
}

// MarkFailed finalizes the task with an error message.
func (t *Task) MarkFailed(message string) {
	now := time.Now().UTC()
	t.Status = TaskStatusFailed
	t.ErrorMessage = message
	t.FinishedAt = &now
}

// MarkTimeout finalizes the task as timed out after the given running duration.
func (t *Task) MarkTimeout(elapsed time.Duration) {
	now := time.Now().UTC()
	t.Status = TaskStatusTimeout
	t.ErrorMessage = fmt.Sprintf("task timeout after %.0fs", elapsed.Seconds())
	t.FinishedAt = &now
}

// Elapsed returns the time spent running so far, or zero if the task never
// started.
func (t *Task) Elapsed(now time.Time) time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return now.Sub(*t.StartedAt)
}

// Clone returns a deep copy of the task. Queries hand out clones so callers
// never observe in-place mutation by the scheduler.
func (t *Task) Clone() *Task {
	c := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.FinishedAt != nil {
		finished := *t.FinishedAt
		c.FinishedAt = &finished
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	c.Config = t.Config.Clone()
	return &c
}

func isValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSuccess,
		TaskStatusFailed, TaskStatusTimeout:
		return true
	}
	return false
}

// ParseTaskStatus converts a string into a TaskStatus.
// Returns an error for unknown values.
func ParseTaskStatus(s string) (TaskStatus, error) {
	status := TaskStatus(s)
	if !isValidTaskStatus(status) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTaskStatus, s)
	}
	return status, nil
}
