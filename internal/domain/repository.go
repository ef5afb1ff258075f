package domain

import "time"

// Repository is the durable configuration record for a tracked repository.
// The scheduler consults its StatConfig when scheduling future tasks; the
// webhook handler consults its secret when verifying signatures.
type Repository struct {
	RepositoryID   string      `json:"repository_id"`
	RepositoryName string      `json:"repository_name"`
	RepositoryURL  string      `json:"repository_url"`
	StatConfig     *StatConfig `json:"stat_config,omitempty"`
	WebhookSecret  string      `json:"-"`
	Enabled        bool        `json:"enabled"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Validate checks if the Repository has valid data.
func (r *Repository) Validate() error {
	if r.RepositoryID == "" {
		return ErrEmptyRepositoryID
	}
	if r.RepositoryName == "" {
		return ErrEmptyRepositoryID
	}
	if r.RepositoryURL == "" {
		return ErrEmptyRepositoryURL
	}
	return nil
}
