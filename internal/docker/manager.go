package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/zihaoli-cn/codestat-agent/internal/domain"
)

// Sentinel values and errors for the execution backend.
const (
	// StatusNotFound is reported when a container reference no longer
	// resolves against the runtime.
	StatusNotFound = "not_found"

	// StatusExited is the runtime status of a container that has finished.
	StatusExited = "exited"

	// StatusRunning is the runtime status of a live container.
	StatusRunning = "running"

	containerNamePrefix = "codestat-"
	repoMountPath       = "/workspace/repo"
	resultsMountPath    = "/workspace/results"
)

var (
	// ErrContainerCreate indicates the runtime rejected container creation.
	ErrContainerCreate = errors.New("failed to create container")

	// ErrContainerStart indicates the runtime rejected starting a container.
	ErrContainerStart = errors.New("failed to start container")
)

// Config controls how worker containers are created.
type Config struct {
	// DataDir holds per-repository workspaces (repos/) and per-task result
	// files (results/).
	DataDir string

	WorkerImage string
	NetworkName string

	// MemoryLimit is a docker-style size string, e.g. "512m".
	MemoryLimit string

	// CPUQuota in microseconds per 100ms period.
	CPUQuota int64
}

// DefaultConfig returns the backend defaults matching the worker's
// expectations.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:     dataDir,
		WorkerImage: "codestat-worker:latest",
		NetworkName: "codestat-network",
		MemoryLimit: "512m",
		CPUQuota:    50000,
	}
}

// APIClient is the slice of the docker client the manager depends on.
// *client.Client satisfies it.
type APIClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	NetworkInspect(ctx context.Context, networkID string, options types.NetworkInspectOptions) (types.NetworkResource, error)
	NetworkCreate(ctx context.Context, name string, options types.NetworkCreate) (types.NetworkCreateResponse, error)
}

// Manager translates task intent into container runtime operations and
// filesystem-based result exchange. It has no knowledge of task state.
type Manager struct {
	cli        APIClient
	cfg        Config
	memLimit   int64
	reposDir   string
	resultsDir string
	logger     *slog.Logger
}

// NewManager connects to the local docker daemon and prepares the data
// directories and the worker network.
func NewManager(ctx context.Context, cfg Config, logger *slog.Logger) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker: %w", err)
	}
	return NewManagerWithClient(ctx, cli, cfg, logger)
}

// NewManagerWithClient builds a Manager over an existing runtime client.
func NewManagerWithClient(ctx context.Context, cli APIClient, cfg Config, logger *slog.Logger) (*Manager, error) {
	memLimit, err := units.RAMInBytes(cfg.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid memory limit %q: %w", cfg.MemoryLimit, err)
	}

	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir: %w", err)
	}

	m := &Manager{
		cli:        cli,
		cfg:        cfg,
		memLimit:   memLimit,
		reposDir:   filepath.Join(dataDir, "repos"),
		resultsDir: filepath.Join(dataDir, "results"),
		logger:     logger,
	}

	for _, dir := range []string{m.reposDir, m.resultsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir %s: %w", dir, err)
		}
	}

	if err := m.ensureNetwork(ctx); err != nil {
		return nil, err
	}

	return m, nil
}

// ensureNetwork creates the worker bridge network if it does not exist.
func (m *Manager) ensureNetwork(ctx context.Context) error {
	_, err := m.cli.NetworkInspect(ctx, m.cfg.NetworkName, types.NetworkInspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect network %s: %w", m.cfg.NetworkName, err)
	}

	_, err = m.cli.NetworkCreate(ctx, m.cfg.NetworkName, types.NetworkCreate{Driver: "bridge"})
	if err != nil {
		return fmt.Errorf("failed to create network %s: %w", m.cfg.NetworkName, err)
	}
	return nil
}

// ContainerName derives the deterministic container name for a repository.
func ContainerName(repositoryID string) string {
	return containerNamePrefix + repositoryID
}

// RepoPath returns the host workspace directory for a repository.
func (m *Manager) RepoPath(repositoryID string) string {
	return filepath.Join(m.reposDir, repositoryID)
}

// ResultPath returns the host path of a task's result file.
func (m *Manager) ResultPath(taskID string) string {
	return filepath.Join(m.resultsDir, taskID+".json")
}

// findContainer resolves the container for a repository by name.
// Returns a nil inspect result without error if no such container exists.
func (m *Manager) findContainer(ctx context.Context, repositoryID string) (*types.ContainerJSON, error) {
	info, err := m.cli.ContainerInspect(ctx, ContainerName(repositoryID))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &info, nil
}

// EnsureContainer returns the existing container for the task's repository or
// creates a new one. Idempotent: a second call for the same repository, even
// for a different task, reuses the container rather than creating a duplicate,
// so concurrent tasks for one repository share a single container.
func (m *Manager) EnsureContainer(ctx context.Context, task *domain.Task) (string, error) {
	existing, err := m.findContainer(ctx, task.RepositoryID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrContainerCreate, err)
	}
	if existing != nil {
		return existing.ID, nil
	}

	repoPath := m.RepoPath(task.RepositoryID)
	if err := os.MkdirAll(repoPath, 0o755); err != nil {
		return "", fmt.Errorf("%w: workspace dir: %v", ErrContainerCreate, err)
	}

	env := buildEnv(task)

	resp, err := m.cli.ContainerCreate(ctx,
		&container.Config{
			Image: m.cfg.WorkerImage,
			Env:   env,
		},
		&container.HostConfig{
			Binds: []string{
				repoPath + ":" + repoMountPath,
				m.resultsDir + ":" + resultsMountPath,
			},
			NetworkMode: container.NetworkMode(m.cfg.NetworkName),
			Resources: container.Resources{
				Memory:   m.memLimit,
				CPUQuota: m.cfg.CPUQuota,
			},
		},
		nil,
		nil,
		ContainerName(task.RepositoryID),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrContainerCreate, err)
	}

	m.logger.Debug("container created",
		"container_id", shortID(resp.ID),
		"repository_id", task.RepositoryID)

	return resp.ID, nil
}

// buildEnv assembles the environment the worker reads its instructions from.
func buildEnv(task *domain.Task) []string {
	useGitignore := "0"
	if task.Config.UseGitignore {
		useGitignore = "1"
	}
	return []string{
		"REPO_URL=" + task.RepositoryURL,
		"REPO_NAME=" + task.RepositoryName,
		"BRANCH=" + task.Branch,
		"COMMIT_SHA=" + task.CommitSHA,
		"TASK_ID=" + task.TaskID,
		"STAT_ARGS=" + strings.Join(task.Config.Args(), " "),
		"USE_GITIGNORE=" + useGitignore,
	}
}

// StartTask ensures the repository's container exists and starts it if it is
// not already running. Returns the container ID.
func (m *Manager) StartTask(ctx context.Context, task *domain.Task) (string, error) {
	containerID, err := m.EnsureContainer(ctx, task)
	if err != nil {
		return "", err
	}

	info, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrContainerStart, err)
	}

	if info.State == nil || info.State.Status != StatusRunning {
		if err := m.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
			return "", fmt.Errorf("%w: %v", ErrContainerStart, err)
		}
	}

	m.logger.Info("task container started",
		"task_id", task.TaskID,
		"container_id", shortID(containerID))

	return containerID, nil
}

// TaskStatus returns the runtime-reported status of a container, or
// StatusNotFound if the reference no longer resolves. It never returns an
// error for a missing container.
func (m *Manager) TaskStatus(ctx context.Context, containerID string) (string, error) {
	info, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StatusNotFound, nil
		}
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}
	if info.State == nil {
		return StatusNotFound, nil
	}
	return info.State.Status, nil
}

// TaskResult reads and parses the task's result file. A missing or
// unparseable file yields (nil, nil): the caller only needs a present/absent
// signal, and a corrupt result is as good as none.
func (m *Manager) TaskResult(taskID string) (json.RawMessage, error) {
	data, err := os.ReadFile(m.ResultPath(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, nil
	}

	if !json.Valid(data) {
		m.logger.Warn("discarding unparseable task result", "task_id", taskID)
		return nil, nil
	}

	return json.RawMessage(data), nil
}

// ContainerLogs fetches up to tailLines of recent container output.
// Best-effort: any failure yields an empty string.
func (m *Manager) ContainerLogs(ctx context.Context, containerID string, tailLines int) string {
	rc, err := m.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tailLines),
	})
	if err != nil {
		return ""
	}
	defer func() { _ = rc.Close() }()

	var buf bytes.Buffer
	// Container output is multiplexed; demux stdout and stderr together.
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return buf.String()
	}
	return buf.String()
}

// StopContainer stops the repository's container if it is running.
// Best-effort: runtime errors are logged and swallowed.
func (m *Manager) StopContainer(ctx context.Context, repositoryID string, timeout time.Duration) {
	info, err := m.findContainer(ctx, repositoryID)
	if err != nil || info == nil {
		return
	}
	if info.State == nil || info.State.Status != StatusRunning {
		return
	}

	secs := int(timeout.Seconds())
	if err := m.cli.ContainerStop(ctx, info.ID, container.StopOptions{Timeout: &secs}); err != nil {
		m.logger.Warn("failed to stop container",
			"repository_id", repositoryID,
			"container_id", shortID(info.ID),
			"error", err)
	}
}

// RemoveContainer removes the repository's container.
// Best-effort: runtime errors are logged and swallowed.
func (m *Manager) RemoveContainer(ctx context.Context, repositoryID string, force bool) {
	info, err := m.findContainer(ctx, repositoryID)
	if err != nil || info == nil {
		return
	}

	if err := m.cli.ContainerRemove(ctx, info.ID, container.RemoveOptions{Force: force}); err != nil {
		m.logger.Warn("failed to remove container",
			"repository_id", repositoryID,
			"container_id", shortID(info.ID),
			"error", err)
	}
}

// ContainerInfo is a summary of one worker container.
type ContainerInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Image  string `json:"image"`
}

// ListContainers lists all containers matching this system's naming
// convention, in any state.
func (m *Manager) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	containers, err := m.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", containerNamePrefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		infos = append(infos, ContainerInfo{
			ID:     shortID(c.ID),
			Name:   name,
			Status: c.State,
			Image:  c.Image,
		})
	}
	return infos, nil
}

// CleanupStoppedContainers removes all exited containers matching this
// system's naming convention. Per-container removal failures are logged and
// skipped.
func (m *Manager) CleanupStoppedContainers(ctx context.Context) error {
	containers, err := m.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("name", containerNamePrefix),
			filters.Arg("status", StatusExited),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to list stopped containers: %w", err)
	}

	for _, c := range containers {
		if err := m.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{}); err != nil {
			m.logger.Warn("failed to remove stopped container",
				"container_id", shortID(c.ID),
				"error", err)
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
