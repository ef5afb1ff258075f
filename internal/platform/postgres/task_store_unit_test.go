package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zihaoli-cn/codestat-agent/internal/domain"
	"github.com/zihaoli-cn/codestat-agent/internal/store"
)

// mockDBTX records queries and returns scripted results.
type mockDBTX struct {
	execErr   error
	queryErr  error
	lastQuery string
	lastArgs  []any
}

func (m *mockDBTX) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	m.lastQuery = query
	m.lastArgs = args
	if m.execErr != nil {
		return nil, m.execErr
	}
	return driverResult{}, nil
}

func (m *mockDBTX) QueryContext(_ context.Context, query string, args ...any) (*sql.Rows, error) {
	m.lastQuery = query
	m.lastArgs = args
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return nil, sql.ErrNoRows
}

func (m *mockDBTX) QueryRowContext(_ context.Context, query string, args ...any) *sql.Row {
	m.lastQuery = query
	m.lastArgs = args
	return nil
}

type driverResult struct{}

func (driverResult) LastInsertId() (int64, error) { return 0, nil }
func (driverResult) RowsAffected() (int64, error) { return 1, nil }

func validTask(t *testing.T) *domain.Task {
	t.Helper()
	task, err := domain.NewTask("acme_widget_0123456_deadbeef", &domain.PushEvent{
		Provider:       domain.ProviderGitea,
		RepositoryURL:  "https://git.example.com/acme/widget.git",
		RepositoryName: "acme/widget",
		Branch:         "main",
		CommitSHA:      "0123456789abcdef",
	}, domain.DefaultStatConfig())
	require.NoError(t, err)
	return task
}

func TestUpsertTask(t *testing.T) {
	t.Parallel()

	t.Run("valid task", func(t *testing.T) {
		t.Parallel()

		db := &mockDBTX{}
		s := NewTaskStore(db)

		require.NoError(t, s.UpsertTask(context.Background(), validTask(t)))

		assert.Contains(t, db.lastQuery, "INSERT INTO tasks")
		assert.Contains(t, db.lastQuery, "ON CONFLICT (task_id) DO UPDATE")
		assert.Len(t, db.lastArgs, 14)
		assert.Equal(t, "acme_widget_0123456_deadbeef", db.lastArgs[0])
		assert.Equal(t, "pending", db.lastArgs[6])
	})

	t.Run("invalid task rejected before hitting the database", func(t *testing.T) {
		t.Parallel()

		db := &mockDBTX{}
		s := NewTaskStore(db)

		err := s.UpsertTask(context.Background(), &domain.Task{})
		assert.ErrorIs(t, err, store.ErrInvalidEntity)
		assert.Empty(t, db.lastQuery)
	})

	t.Run("database errors are mapped", func(t *testing.T) {
		t.Parallel()

		db := &mockDBTX{execErr: &pgconn.PgError{Code: "23505"}}
		s := NewTaskStore(db)

		err := s.UpsertTask(context.Background(), validTask(t))
		assert.ErrorIs(t, err, store.ErrDuplicate)
	})
}

func TestListTasksQueryConstruction(t *testing.T) {
	t.Parallel()

	t.Run("no filter uses default limit", func(t *testing.T) {
		t.Parallel()

		db := &mockDBTX{queryErr: sql.ErrConnDone}
		s := NewTaskStore(db)

		_, err := s.ListTasks(context.Background(), store.TaskListFilter{})
		require.Error(t, err)

		assert.NotContains(t, db.lastQuery, "WHERE")
		assert.Contains(t, db.lastQuery, "ORDER BY created_at DESC")
		assert.Contains(t, db.lastQuery, "LIMIT $1")
		assert.Equal(t, []any{100}, db.lastArgs)
	})

	t.Run("all filters", func(t *testing.T) {
		t.Parallel()

		db := &mockDBTX{queryErr: sql.ErrConnDone}
		s := NewTaskStore(db)

		_, err := s.ListTasks(context.Background(), store.TaskListFilter{
			RepositoryID: "acme_widget",
			Status:       domain.TaskStatusFailed,
			Limit:        25,
		})
		require.Error(t, err)

		assert.Contains(t, db.lastQuery, "WHERE repository_id = $1 AND status = $2")
		assert.Contains(t, db.lastQuery, "LIMIT $3")
		assert.Equal(t, []any{"acme_widget", "failed", 25}, db.lastArgs)
	})
}

// fakeRow feeds canned column values into scanTask.
type fakeRow struct {
	values []any
}

func (r fakeRow) Scan(dest ...any) error {
	for i, d := range dest {
		switch out := d.(type) {
		case *string:
			*out = r.values[i].(string)
		case *sql.NullString:
			if v, ok := r.values[i].(string); ok {
				*out = sql.NullString{String: v, Valid: true}
			}
		case *[]byte:
			if v, ok := r.values[i].([]byte); ok {
				*out = v
			}
		case *time.Time:
			*out = r.values[i].(time.Time)
		case *sql.NullTime:
			if v, ok := r.values[i].(time.Time); ok {
				*out = sql.NullTime{Time: v, Valid: true}
			}
		}
	}
	return nil
}

func TestScanTask(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	started := created.Add(time.Second)
	finished := created.Add(time.Minute)

	t.Run("full row", func(t *testing.T) {
		t.Parallel()

		task, err := scanTask(fakeRow{values: []any{
			"acme_widget_0123456_deadbeef",
			"acme_widget",
			"acme/widget",
			"https://git.example.com/acme/widget.git",
			"main",
			"0123456789abcdef",
			"success",
			"container-1",
			[]byte(`{"output_format": "json", "use_gitignore": true, "timeout": 600}`),
			[]byte(`{"total_lines": 42}`),
			nil,
			created,
			started,
			finished,
		}})
		require.NoError(t, err)

		assert.Equal(t, domain.TaskStatusSuccess, task.Status)
		assert.Equal(t, "container-1", task.ContainerID)
		assert.Equal(t, 600, task.Config.TimeoutSeconds)
		assert.JSONEq(t, `{"total_lines": 42}`, string(task.Result))
		require.NotNil(t, task.StartedAt)
		require.NotNil(t, task.FinishedAt)
		assert.Equal(t, finished, *task.FinishedAt)
	})

	t.Run("nullable columns absent", func(t *testing.T) {
		t.Parallel()

		task, err := scanTask(fakeRow{values: []any{
			"task1", "repo1", "acme/widget", "https://example.com/r.git",
			"main", "0123456", "pending",
			nil, nil, nil, nil,
			created, nil, nil,
		}})
		require.NoError(t, err)

		assert.Empty(t, task.ContainerID)
		assert.Nil(t, task.Result)
		assert.Nil(t, task.StartedAt)
		assert.Nil(t, task.FinishedAt)
	})

	t.Run("corrupt config", func(t *testing.T) {
		t.Parallel()

		_, err := scanTask(fakeRow{values: []any{
			"task1", "repo1", "acme/widget", "https://example.com/r.git",
			"main", "0123456", "pending",
			nil, []byte(`{broken`), nil, nil,
			created, nil, nil,
		}})
		assert.Error(t, err)
	})
}

func TestNullHelpers(t *testing.T) {
	t.Parallel()

	assert.False(t, nullString("").Valid)
	assert.True(t, nullString("x").Valid)

	assert.Nil(t, nullRawMessage(nil))
	assert.Nil(t, nullRawMessage(json.RawMessage{}))
	assert.Equal(t, []byte(`{}`), nullRawMessage(json.RawMessage(`{}`)))
}
