package api

import (
	"encoding/json"
	"time"

	"github.com/zihaoli-cn/codestat-agent/internal/domain"
)

// TaskResponse represents the response data for a task.
type TaskResponse struct {
	TaskID         string          `json:"task_id"`
	RepositoryID   string          `json:"repository_id"`
	RepositoryName string          `json:"repository_name"`
	Branch         string          `json:"branch"`
	CommitSHA      string          `json:"commit_sha"`
	Status         string          `json:"status"`
	ContainerID    string          `json:"container_id,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// RepositoryResponse represents the response data for a repository.
type RepositoryResponse struct {
	RepositoryID   string             `json:"repository_id"`
	RepositoryName string             `json:"repository_name"`
	RepositoryURL  string             `json:"repository_url"`
	StatConfig     *domain.StatConfig `json:"stat_config,omitempty"`
	Enabled        bool               `json:"enabled"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func taskToResponse(task *domain.Task) TaskResponse {
	return TaskResponse{
		TaskID:         task.TaskID,
		RepositoryID:   task.RepositoryID,
		RepositoryName: task.RepositoryName,
		Branch:         task.Branch,
		CommitSHA:      task.CommitSHA,
		Status:         string(task.Status),
		ContainerID:    task.ContainerID,
		Result:         task.Result,
		ErrorMessage:   task.ErrorMessage,
		CreatedAt:      task.CreatedAt,
		StartedAt:      task.StartedAt,
		FinishedAt:     task.FinishedAt,
	}
}

func repositoryToResponse(repo *domain.Repository) RepositoryResponse {
	return RepositoryResponse{
		RepositoryID:   repo.RepositoryID,
		RepositoryName: repo.RepositoryName,
		RepositoryURL:  repo.RepositoryURL,
		StatConfig:     repo.StatConfig,
		Enabled:        repo.Enabled,
		CreatedAt:      repo.CreatedAt,
		UpdatedAt:      repo.UpdatedAt,
	}
}
