package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/zihaoli-cn/codestat-agent/internal/store"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	t.Run("nil passes through", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, MapError(nil))
	})

	t.Run("no rows maps to not found", func(t *testing.T) {
		t.Parallel()

		err := MapError(fmt.Errorf("query failed: %w", sql.ErrNoRows))
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("unique violation maps to duplicate", func(t *testing.T) {
		t.Parallel()

		err := MapError(&pgconn.PgError{Code: "23505", ConstraintName: "tasks_task_id_key"})
		assert.ErrorIs(t, err, store.ErrDuplicate)
	})

	t.Run("check violation maps to invalid entity", func(t *testing.T) {
		t.Parallel()

		err := MapError(&pgconn.PgError{Code: "23514", ConstraintName: "tasks_status_check"})
		assert.ErrorIs(t, err, store.ErrInvalidEntity)
		assert.Contains(t, err.Error(), "tasks_status_check")
	})

	t.Run("not null violation maps to invalid entity", func(t *testing.T) {
		t.Parallel()

		err := MapError(&pgconn.PgError{Code: "23502", ColumnName: "repository_id"})
		assert.ErrorIs(t, err, store.ErrInvalidEntity)
		assert.Contains(t, err.Error(), "repository_id")
	})

	t.Run("other errors pass through", func(t *testing.T) {
		t.Parallel()

		original := errors.New("connection refused")
		assert.Equal(t, original, MapError(original))
	})
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsUniqueViolation(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23514"}))
	assert.False(t, IsUniqueViolation(errors.New("plain")))
}
