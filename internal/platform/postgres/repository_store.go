package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zihaoli-cn/codestat-agent/internal/domain"
	"github.com/zihaoli-cn/codestat-agent/internal/platform/logger"
	"github.com/zihaoli-cn/codestat-agent/internal/store"
)

// RepositoryStore implements store.RepositoryStore using PostgreSQL.
type RepositoryStore struct {
	db store.DBTX
}

// NewRepositoryStore creates a new RepositoryStore.
func NewRepositoryStore(db store.DBTX) *RepositoryStore {
	return &RepositoryStore{db: db}
}

// CreateOrUpdate upserts a repository record keyed by repository_id and
// returns the stored record.
func (s *RepositoryStore) CreateOrUpdate(ctx context.Context, repo *domain.Repository) (*domain.Repository, error) {
	log := logger.FromContext(ctx)

	if err := repo.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	var cfg []byte
	if repo.StatConfig != nil {
		var err error
		cfg, err = json.Marshal(repo.StatConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stat config: %w", err)
		}
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO repositories (
			repository_id, repository_name, repository_url,
			stat_config, webhook_secret, enabled, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (repository_id) DO UPDATE SET
			repository_name = EXCLUDED.repository_name,
			repository_url = EXCLUDED.repository_url,
			stat_config = EXCLUDED.stat_config,
			webhook_secret = EXCLUDED.webhook_secret,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at
		RETURNING repository_id, repository_name, repository_url,
		          stat_config, webhook_secret, enabled, created_at, updated_at
	`

	row := s.db.QueryRowContext(ctx, query,
		repo.RepositoryID,
		repo.RepositoryName,
		repo.RepositoryURL,
		cfg,
		nullString(repo.WebhookSecret),
		repo.Enabled,
		now,
	)

	stored, err := scanRepository(row)
	if err != nil {
		log.Error("failed to upsert repository",
			"repository_id", repo.RepositoryID,
			"error", err)
		return nil, fmt.Errorf("failed to upsert repository: %w", MapError(err))
	}

	return stored, nil
}

// Get retrieves a repository by ID.
func (s *RepositoryStore) Get(ctx context.Context, repositoryID string) (*domain.Repository, error) {
	query := repositorySelectColumns + ` WHERE repository_id = $1`

	row := s.db.QueryRowContext(ctx, query, repositoryID)
	repo, err := scanRepository(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrRepositoryNotFound
		}
		return nil, fmt.Errorf("failed to get repository: %w", MapError(err))
	}

	return repo, nil
}

// List retrieves all repositories, optionally only enabled ones.
func (s *RepositoryStore) List(ctx context.Context, enabledOnly bool) ([]*domain.Repository, error) {
	query := repositorySelectColumns
	if enabledOnly {
		query += " WHERE enabled"
	}
	query += " ORDER BY repository_id"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var repos []*domain.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan repository row: %w", err)
		}
		repos = append(repos, repo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate repository rows: %w", err)
	}

	return repos, nil
}

// Delete removes a repository record.
func (s *RepositoryStore) Delete(ctx context.Context, repositoryID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM repositories WHERE repository_id = $1`, repositoryID)
	if err != nil {
		return fmt.Errorf("failed to delete repository: %w", MapError(err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrRepositoryNotFound
	}

	return nil
}

const repositorySelectColumns = `
	SELECT repository_id, repository_name, repository_url,
	       stat_config, webhook_secret, enabled, created_at, updated_at
	FROM repositories`

func scanRepository(row rowScanner) (*domain.Repository, error) {
	var (
		repo   domain.Repository
		cfg    []byte
		secret sql.NullString
	)

	err := row.Scan(
		&repo.RepositoryID,
		&repo.RepositoryName,
		&repo.RepositoryURL,
		&cfg,
		&secret,
		&repo.Enabled,
		&repo.CreatedAt,
		&repo.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	repo.WebhookSecret = secret.String
	if len(cfg) > 0 {
		var sc domain.StatConfig
		if err := json.Unmarshal(cfg, &sc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stat config: %w", err)
		}
		repo.StatConfig = &sc
	}

	return &repo, nil
}
