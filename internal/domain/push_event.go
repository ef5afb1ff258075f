package domain

import (
	"errors"
	"strings"
)

// GitProvider identifies the source-control host that sent a webhook.
type GitProvider string

// Supported Git providers
const (
	ProviderGitea  GitProvider = "gitea"
	ProviderGitHub GitProvider = "github"
	ProviderGitLab GitProvider = "gitlab"
)

// ErrUnknownProvider is returned for provider names outside the supported set.
var ErrUnknownProvider = errors.New("unknown git provider")

// ParseGitProvider converts a string into a GitProvider.
func ParseGitProvider(s string) (GitProvider, error) {
	switch GitProvider(strings.ToLower(s)) {
	case ProviderGitea:
		return ProviderGitea, nil
	case ProviderGitHub:
		return ProviderGitHub, nil
	case ProviderGitLab:
		return ProviderGitLab, nil
	}
	return "", ErrUnknownProvider
}

// PushEvent is the normalized push notification shared across providers.
// Required fields are the repository identity, clone URL, branch and commit;
// the rest is informational.
type PushEvent struct {
	Provider       GitProvider `json:"provider"`
	RepositoryURL  string      `json:"repository_url"`
	RepositoryName string      `json:"repository_name"`
	Branch         string      `json:"branch"`
	CommitSHA      string      `json:"commit_sha"`
	CommitMessage  string      `json:"commit_message,omitempty"`
	Pusher         string      `json:"pusher,omitempty"`
	Timestamp      string      `json:"timestamp,omitempty"`
}

// RepositoryID derives the stable repository identifier used for container
// naming and workspace paths. Slashes and dots are flattened so the result is
// safe as a container name fragment and a directory name.
func (e *PushEvent) RepositoryID() string {
	id := strings.ReplaceAll(e.RepositoryName, "/", "_")
	return strings.ReplaceAll(id, ".", "_")
}

// IsDefaultBranch reports whether the push targets the repository's default
// branch. Only default-branch pushes qualify for statistics runs.
func (e *PushEvent) IsDefaultBranch() bool {
	return e.Branch == "main" || e.Branch == "master"
}

// Validate checks that the event carries everything the scheduler needs.
func (e *PushEvent) Validate() error {
	if e.RepositoryName == "" {
		return ErrEmptyRepositoryID
	}
	if e.RepositoryURL == "" {
		return ErrEmptyRepositoryURL
	}
	if e.Branch == "" {
		return ErrEmptyBranch
	}
	if e.CommitSHA == "" {
		return ErrEmptyCommitSHA
	}
	return nil
}

// ShortSHA returns the first seven characters of the commit SHA for display
// and task-id construction.
func (e *PushEvent) ShortSHA() string {
	if len(e.CommitSHA) <= 7 {
		return e.CommitSHA
	}
	return e.CommitSHA[:7]
}
