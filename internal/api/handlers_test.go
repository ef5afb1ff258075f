package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zihaoli-cn/codestat-agent/internal/docker"
	"github.com/zihaoli-cn/codestat-agent/internal/domain"
	"github.com/zihaoli-cn/codestat-agent/internal/store"
)

// stubEngine is an in-memory Engine for handler tests.
type stubEngine struct {
	mu sync.Mutex

	tasks       map[string]*domain.Task
	scheduled   []*domain.PushEvent
	repoConfigs map[string]domain.StatConfig
	running     bool
}

func newStubEngine() *stubEngine {
	return &stubEngine{
		tasks:       make(map[string]*domain.Task),
		repoConfigs: make(map[string]domain.StatConfig),
		running:     true,
	}
}

func (e *stubEngine) Schedule(_ context.Context, event *domain.PushEvent) *domain.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheduled = append(e.scheduled, event)
	task, _ := domain.NewTask(event.RepositoryID()+"_"+event.ShortSHA()+"_stub0001", event, domain.DefaultStatConfig())
	task.MarkRunning("container-" + event.RepositoryID())
	e.tasks[task.TaskID] = task
	return task
}

func (e *stubEngine) GetTask(taskID string) *domain.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	if task, ok := e.tasks[taskID]; ok {
		return task.Clone()
	}
	return nil
}

func (e *stubEngine) SetRepositoryConfig(repositoryID string, cfg domain.StatConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.repoConfigs[repositoryID] = cfg
}

func (e *stubEngine) Running() bool { return e.running }

// stubTaskStore is an in-memory TaskStore.
type stubTaskStore struct {
	mu sync.Mutex

	tasks      map[string]*domain.Task
	upserted   []string
	upsertErr  error
	listResult []*domain.Task
	listErr    error
	lastFilter store.TaskListFilter
}

func newStubTaskStore() *stubTaskStore {
	return &stubTaskStore{tasks: make(map[string]*domain.Task)}
}

func (s *stubTaskStore) UpsertTask(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserted = append(s.upserted, task.TaskID)
	s.tasks[task.TaskID] = task
	return nil
}

func (s *stubTaskStore) GetTask(_ context.Context, taskID string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[taskID]; ok {
		return task, nil
	}
	return nil, store.ErrTaskNotFound
}

func (s *stubTaskStore) ListTasks(_ context.Context, filter store.TaskListFilter) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFilter = filter
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.listResult, nil
}

// stubRepoStore is an in-memory RepositoryStore.
type stubRepoStore struct {
	mu sync.Mutex

	repos  map[string]*domain.Repository
	getErr error
}

func newStubRepoStore() *stubRepoStore {
	return &stubRepoStore{repos: make(map[string]*domain.Repository)}
}

func (s *stubRepoStore) CreateOrUpdate(_ context.Context, repo *domain.Repository) (*domain.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	stored := *repo
	if existing, ok := s.repos[repo.RepositoryID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.repos[repo.RepositoryID] = &stored
	return &stored, nil
}

func (s *stubRepoStore) Get(_ context.Context, repositoryID string) (*domain.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	if repo, ok := s.repos[repositoryID]; ok {
		return repo, nil
	}
	return nil, store.ErrRepositoryNotFound
}

func (s *stubRepoStore) List(_ context.Context, enabledOnly bool) ([]*domain.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var repos []*domain.Repository
	for _, repo := range s.repos {
		if enabledOnly && !repo.Enabled {
			continue
		}
		repos = append(repos, repo)
	}
	return repos, nil
}

func (s *stubRepoStore) Delete(_ context.Context, repositoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repos[repositoryID]; !ok {
		return store.ErrRepositoryNotFound
	}
	delete(s.repos, repositoryID)
	return nil
}

// stubContainerManager is a scriptable ContainerManager.
type stubContainerManager struct {
	containers []docker.ContainerInfo
	listErr    error
	cleanupErr error

	stopped []string
	removed []string
	cleaned int
}

func (m *stubContainerManager) ListContainers(_ context.Context) ([]docker.ContainerInfo, error) {
	return m.containers, m.listErr
}

func (m *stubContainerManager) StopContainer(_ context.Context, repositoryID string, _ time.Duration) {
	m.stopped = append(m.stopped, repositoryID)
}

func (m *stubContainerManager) RemoveContainer(_ context.Context, repositoryID string, _ bool) {
	m.removed = append(m.removed, repositoryID)
}

func (m *stubContainerManager) CleanupStoppedContainers(_ context.Context) error {
	if m.cleanupErr != nil {
		return m.cleanupErr
	}
	m.cleaned++
	return nil
}

// testEnv bundles the handlers behind a chi router so URL parameters resolve.
type testEnv struct {
	engine    *stubEngine
	taskStore *stubTaskStore
	repoStore *stubRepoStore
	manager   *stubContainerManager
	router    chi.Router
}

func newTestEnv() *testEnv {
	env := &testEnv{
		engine:    newStubEngine(),
		taskStore: newStubTaskStore(),
		repoStore: newStubRepoStore(),
		manager:   &stubContainerManager{},
	}

	webhookHandler := NewWebhookHandler(env.engine, env.repoStore, env.taskStore)
	taskHandler := NewTaskHandler(env.engine, env.taskStore)
	repositoryHandler := NewRepositoryHandler(env.engine, env.repoStore)
	containerHandler := NewContainerHandler(env.manager)

	r := chi.NewRouter()
	r.Post("/webhook/{provider}", webhookHandler.Handle)
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
	env.router = r

	return env
}

func (env *testEnv) do(t *testing.T, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), out))
}

const validGiteaPush = `{
	"ref": "refs/heads/main",
	"after": "0123456789abcdef0123456789abcdef01234567",
	"repository": {
		"clone_url": "https://gitea.example.com/acme/widget.git",
		"full_name": "acme/widget"
	},
	"pusher": {"username": "alice"}
}`

func TestWebhookHandler(t *testing.T) {
	t.Parallel()

	t.Run("accepted push schedules a task", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		rr := env.do(t, http.MethodPost, "/webhook/gitea", validGiteaPush, nil)

		require.Equal(t, http.StatusAccepted, rr.Code)

		var resp struct {
			Status string `json:"status"`
			TaskID string `json:"task_id"`
			Event  struct {
				Provider   string `json:"provider"`
				Repository string `json:"repository"`
				Branch     string `json:"branch"`
				Commit     string `json:"commit"`
			} `json:"event"`
		}
		decodeBody(t, rr, &resp)

		assert.Equal(t, "accepted", resp.Status)
		assert.NotEmpty(t, resp.TaskID)
		assert.Equal(t, "gitea", resp.Event.Provider)
		assert.Equal(t, "acme/widget", resp.Event.Repository)
		assert.Equal(t, "main", resp.Event.Branch)
		assert.Equal(t, "0123456", resp.Event.Commit)

		require.Len(t, env.engine.scheduled, 1)
		assert.Equal(t, []string{resp.TaskID}, env.taskStore.upserted, "scheduled task is persisted")
	})

	t.Run("unknown provider", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		rr := env.do(t, http.MethodPost, "/webhook/bitbucket", validGiteaPush, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("invalid payload", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		rr := env.do(t, http.MethodPost, "/webhook/gitea", `{broken`, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("tag push is ignored", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		rr := env.do(t, http.MethodPost, "/webhook/gitea", `{"ref": "refs/tags/v1.0.0"}`, nil)

		require.Equal(t, http.StatusOK, rr.Code)
		var resp struct {
			Status string `json:"status"`
			Reason string `json:"reason"`
		}
		decodeBody(t, rr, &resp)
		assert.Equal(t, "ignored", resp.Status)
		assert.Equal(t, "not a push event", resp.Reason)
		assert.Empty(t, env.engine.scheduled)
	})

	t.Run("incomplete event", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		rr := env.do(t, http.MethodPost, "/webhook/gitea",
			`{"ref": "refs/heads/main", "repository": {"full_name": "acme/widget"}}`, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("non-default branch is ignored", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		payload := strings.Replace(validGiteaPush, "refs/heads/main", "refs/heads/develop", 1)
		rr := env.do(t, http.MethodPost, "/webhook/gitea", payload, nil)

		require.Equal(t, http.StatusOK, rr.Code)
		var resp struct {
			Status string `json:"status"`
			Reason string `json:"reason"`
		}
		decodeBody(t, rr, &resp)
		assert.Equal(t, "ignored", resp.Status)
		assert.Contains(t, resp.Reason, "develop")
		assert.Empty(t, env.engine.scheduled)
	})

	t.Run("disabled repository is ignored", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		env.repoStore.repos["acme_widget"] = &domain.Repository{
			RepositoryID: "acme_widget",
			Enabled:      false,
		}

		rr := env.do(t, http.MethodPost, "/webhook/gitea", validGiteaPush, nil)

		require.Equal(t, http.StatusOK, rr.Code)
		var resp struct {
			Status string `json:"status"`
			Reason string `json:"reason"`
		}
		decodeBody(t, rr, &resp)
		assert.Equal(t, "ignored", resp.Status)
		assert.Equal(t, "repository disabled", resp.Reason)
	})

	t.Run("signature verification", func(t *testing.T) {
		t.Parallel()

		secret := "hook-secret"
		env := newTestEnv()
		env.repoStore.repos["acme_widget"] = &domain.Repository{
			RepositoryID:  "acme_widget",
			WebhookSecret: secret,
			Enabled:       true,
		}

		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(validGiteaPush))
		goodSig := hex.EncodeToString(mac.Sum(nil))

		rr := env.do(t, http.MethodPost, "/webhook/gitea", validGiteaPush,
			map[string]string{"X-Gitea-Signature": goodSig})
		assert.Equal(t, http.StatusAccepted, rr.Code)

		rr = env.do(t, http.MethodPost, "/webhook/gitea", validGiteaPush,
			map[string]string{"X-Gitea-Signature": "deadbeef"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestTaskHandlerGetTask(t *testing.T) {
	t.Parallel()

	t.Run("registry hit", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		task := env.engine.Schedule(context.Background(), &domain.PushEvent{
			Provider:       domain.ProviderGitea,
			RepositoryURL:  "https://git.example.com/acme/widget.git",
			RepositoryName: "acme/widget",
			Branch:         "main",
			CommitSHA:      "0123456789abcdef",
		})

		rr := env.do(t, http.MethodGet, "/api/tasks/"+task.TaskID, "", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp TaskResponse
		decodeBody(t, rr, &resp)
		assert.Equal(t, task.TaskID, resp.TaskID)
		assert.Equal(t, "running", resp.Status)
	})

	t.Run("store fallback after eviction", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		finished := time.Now().UTC()
		env.taskStore.tasks["evicted_task"] = &domain.Task{
			TaskID:       "evicted_task",
			RepositoryID: "acme_widget",
			Status:       domain.TaskStatusSuccess,
			FinishedAt:   &finished,
		}

		rr := env.do(t, http.MethodGet, "/api/tasks/evicted_task", "", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp TaskResponse
		decodeBody(t, rr, &resp)
		assert.Equal(t, "evicted_task", resp.TaskID)
	})

	t.Run("unknown task", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		rr := env.do(t, http.MethodGet, "/api/tasks/nope", "", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestTaskHandlerListTasks(t *testing.T) {
	t.Parallel()

	t.Run("filters forwarded to store", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		rr := env.do(t, http.MethodGet, "/api/tasks?repository_id=acme_widget&status=failed&limit=10", "", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		assert.Equal(t, store.TaskListFilter{
			RepositoryID: "acme_widget",
			Status:       domain.TaskStatusFailed,
			Limit:        10,
		}, env.taskStore.lastFilter)
	})

	t.Run("invalid status", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		rr := env.do(t, http.MethodGet, "/api/tasks?status=cancelled", "", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("invalid limit", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		for _, raw := range []string{"abc", "0", "-5", "9999"} {
			rr := env.do(t, http.MethodGet, "/api/tasks?limit="+raw, "", nil)
			assert.Equal(t, http.StatusBadRequest, rr.Code, "limit=%s", raw)
		}
	})

	t.Run("store error", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		env.taskStore.listErr = errors.New("connection refused")
		rr := env.do(t, http.MethodGet, "/api/tasks", "", nil)
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.NotContains(t, rr.Body.String(), "connection refused")
	})
}

func TestRepositoryHandler(t *testing.T) {
	t.Parallel()

	t.Run("upsert with defaults", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		body := `{
			"repository_name": "acme/widget",
			"repository_url": "https://git.example.com/acme/widget.git"
		}`
		rr := env.do(t, http.MethodPost, "/api/repositories/acme_widget", body, nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp RepositoryResponse
		decodeBody(t, rr, &resp)
		assert.Equal(t, "acme_widget", resp.RepositoryID)
		assert.True(t, resp.Enabled, "enabled defaults to true")
		assert.Nil(t, resp.StatConfig)

		// No stat config means the engine's live config is untouched.
		assert.Empty(t, env.engine.repoConfigs)
	})

	t.Run("upsert with stat config updates engine", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		body := `{
			"repository_name": "acme/widget",
			"repository_url": "https://git.example.com/acme/widget.git",
			"stat_config": {"output_format": "csv", "use_gitignore": true, "timeout": 120},
			"webhook_secret": "s3cret",
			"enabled": false
		}`
		rr := env.do(t, http.MethodPost, "/api/repositories/acme_widget", body, nil)
		require.Equal(t, http.StatusOK, rr.Code)

		cfg, ok := env.engine.repoConfigs["acme_widget"]
		require.True(t, ok)
		assert.Equal(t, "csv", cfg.OutputFormat)
		assert.Equal(t, 120, cfg.TimeoutSeconds)

		// The secret never appears in responses.
		assert.NotContains(t, rr.Body.String(), "s3cret")
	})

	t.Run("upsert validation failure", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		rr := env.do(t, http.MethodPost, "/api/repositories/acme_widget",
			`{"repository_name": "acme/widget"}`, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("get and list", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		env.repoStore.repos["acme_widget"] = &domain.Repository{
			RepositoryID:   "acme_widget",
			RepositoryName: "acme/widget",
			RepositoryURL:  "https://git.example.com/acme/widget.git",
			Enabled:        true,
		}

		rr := env.do(t, http.MethodGet, "/api/repositories/acme_widget", "", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		rr = env.do(t, http.MethodGet, "/api/repositories", "", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var list []RepositoryResponse
		decodeBody(t, rr, &list)
		assert.Len(t, list, 1)

		rr = env.do(t, http.MethodGet, "/api/repositories/unknown", "", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("delete", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		env.repoStore.repos["acme_widget"] = &domain.Repository{RepositoryID: "acme_widget"}

		rr := env.do(t, http.MethodDelete, "/api/repositories/acme_widget", "", nil)
		assert.Equal(t, http.StatusOK, rr.Code)

		rr = env.do(t, http.MethodDelete, "/api/repositories/acme_widget", "", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestContainerHandler(t *testing.T) {
	t.Parallel()

	t.Run("list", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		env.manager.containers = []docker.ContainerInfo{
			{ID: "0123456789ab", Name: "codestat-acme_widget", Status: "running", Image: "codestat-worker:latest"},
		}

		rr := env.do(t, http.MethodGet, "/api/containers", "", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var infos []docker.ContainerInfo
		decodeBody(t, rr, &infos)
		assert.Len(t, infos, 1)
	})

	t.Run("list runtime failure", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		env.manager.listErr = errors.New("daemon unreachable")
		rr := env.do(t, http.MethodGet, "/api/containers", "", nil)
		assert.Equal(t, http.StatusBadGateway, rr.Code)
	})

	t.Run("stop remove cleanup", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()

		rr := env.do(t, http.MethodPost, "/api/containers/acme_widget/stop", "", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, []string{"acme_widget"}, env.manager.stopped)

		rr = env.do(t, http.MethodDelete, "/api/containers/acme_widget", "", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, []string{"acme_widget"}, env.manager.removed)

		rr = env.do(t, http.MethodPost, "/api/containers/cleanup", "", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, 1, env.manager.cleaned)
	})
}
