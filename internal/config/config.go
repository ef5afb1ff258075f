package config

import (
	"time"

	"github.com/zihaoli-cn/codestat-agent/internal/domain"
)

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"    validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"  validate:"required"`
	Storage   StorageConfig   `mapstructure:"storage"   validate:"required"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" validate:"required"`
	Container ContainerConfig `mapstructure:"container" validate:"required"`
	Stat      StatConfig      `mapstructure:"stat"      validate:"required"`
}

// ServerConfig contains all HTTP-server-related configuration settings.
type ServerConfig struct {
	Host     string `mapstructure:"host"      validate:"required"`
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// StorageConfig locates the data directory holding per-repository workspaces
// and per-task result files.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir" validate:"required"`
}

// SchedulerConfig tunes the task orchestration engine.
type SchedulerConfig struct {
	// CheckIntervalSeconds is the reconciliation loop period.
	CheckIntervalSeconds int `mapstructure:"check_interval_seconds" validate:"required,gt=0"`

	// MaxTasksInMemory caps the in-memory task registry; terminal tasks beyond
	// the cap are evicted oldest-finished-first.
	MaxTasksInMemory int `mapstructure:"max_tasks_in_memory" validate:"required,gt=0"`

	// TaskRetentionHours evicts terminal tasks older than this from memory.
	TaskRetentionHours int `mapstructure:"task_retention_hours" validate:"required,gt=0"`

	// MaxConcurrentPolls bounds the worker pool used for blocking container
	// runtime calls during a reconciliation pass.
	MaxConcurrentPolls int `mapstructure:"max_concurrent_polls" validate:"required,gt=0"`
}

// CheckInterval returns the reconciliation period as a duration.
func (c SchedulerConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// TaskRetention returns the age bound as a duration.
func (c SchedulerConfig) TaskRetention() time.Duration {
	return time.Duration(c.TaskRetentionHours) * time.Hour
}

// ContainerConfig controls how worker containers are created.
type ContainerConfig struct {
	WorkerImage string `mapstructure:"worker_image" validate:"required"`

	// MemoryLimit is a docker-style size string, e.g. "512m".
	MemoryLimit string `mapstructure:"memory_limit" validate:"required"`

	// CPUQuota in microseconds per 100ms period; 50000 is half of one core.
	CPUQuota int64 `mapstructure:"cpu_quota" validate:"required,gt=0"`

	NetworkName string `mapstructure:"network_name" validate:"required"`
}

// StatConfig holds the process-wide default execution configuration applied
// to repositories without their own.
type StatConfig struct {
	OutputFormat   string `mapstructure:"output_format"   validate:"required,oneof=json csv yaml"`
	UseGitignore   bool   `mapstructure:"use_gitignore"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"required,gt=0"`
}

// Default returns the StatConfig group as a domain execution configuration.
func (c StatConfig) Default() domain.StatConfig {
	return domain.StatConfig{
		OutputFormat:   c.OutputFormat,
		UseGitignore:   c.UseGitignore,
		TimeoutSeconds: c.TimeoutSeconds,
	}
}
