package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/zihaoli-cn/codestat-agent/internal/domain"
)

const branchRefPrefix = "refs/heads/"

// Parser normalizes one provider's webhook payloads and verifies their
// signatures.
type Parser interface {
	// Parse extracts a push event from a raw payload. A nil event with a nil
	// error means the payload is not a branch push and should be ignored.
	Parse(payload []byte) (*domain.PushEvent, error)

	// VerifySignature checks the provider's signature over the raw request
	// body. An empty secret or signature passes: verification is only
	// enforced for repositories that configured a secret.
	VerifySignature(body []byte, signature, secret string) bool
}

// parsers is the provider dispatch table.
var parsers = map[domain.GitProvider]Parser{
	domain.ProviderGitea:  giteaParser{},
	domain.ProviderGitHub: githubParser{},
	domain.ProviderGitLab: gitlabParser{},
}

// ParserFor returns the parser for a provider.
func ParserFor(provider domain.GitProvider) (Parser, error) {
	p, ok := parsers[provider]
	if !ok {
		return nil, domain.ErrUnknownProvider
	}
	return p, nil
}

// SignatureHeader names the HTTP header carrying the provider's signature.
func SignatureHeader(provider domain.GitProvider) string {
	switch provider {
	case domain.ProviderGitea:
		return "X-Gitea-Signature"
	case domain.ProviderGitHub:
		return "X-Hub-Signature-256"
	case domain.ProviderGitLab:
		return "X-Gitlab-Token"
	}
	return ""
}

// branchFromRef strips the branch ref prefix; the second return value is
// false for tags and other non-branch refs.
func branchFromRef(ref string) (string, bool) {
	if !strings.HasPrefix(ref, branchRefPrefix) {
		return "", false
	}
	return strings.TrimPrefix(ref, branchRefPrefix), true
}

// hmacHex computes the hex-encoded HMAC-SHA256 of body under secret.
func hmacHex(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type commitInfo struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type repositoryInfo struct {
	CloneURL string `json:"clone_url"`
	FullName string `json:"full_name"`
}

// giteaParser handles Gitea push webhooks.
type giteaParser struct{}

func (giteaParser) Parse(payload []byte) (*domain.PushEvent, error) {
	var body struct {
		Ref        string         `json:"ref"`
		After      string         `json:"after"`
		Repository repositoryInfo `json:"repository"`
		Commits    []commitInfo   `json:"commits"`
		Pusher     struct {
			Username string `json:"username"`
		} `json:"pusher"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, err
	}

	branch, ok := branchFromRef(body.Ref)
	if !ok {
		return nil, nil
	}

	event := &domain.PushEvent{
		Provider:       domain.ProviderGitea,
		RepositoryURL:  body.Repository.CloneURL,
		RepositoryName: body.Repository.FullName,
		Branch:         branch,
		CommitSHA:      body.After,
		Pusher:         body.Pusher.Username,
	}
	if len(body.Commits) > 0 {
		latest := body.Commits[len(body.Commits)-1]
		event.CommitMessage = latest.Message
		event.Timestamp = latest.Timestamp
	}
	return event, nil
}

func (giteaParser) VerifySignature(body []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return true
	}
	return hmac.Equal([]byte(signature), []byte(hmacHex(body, secret)))
}

// githubParser handles GitHub push webhooks.
type githubParser struct{}

func (githubParser) Parse(payload []byte) (*domain.PushEvent, error) {
	var body struct {
		Ref        string         `json:"ref"`
		After      string         `json:"after"`
		Repository repositoryInfo `json:"repository"`
		HeadCommit *commitInfo    `json:"head_commit"`
		Pusher     struct {
			Name string `json:"name"`
		} `json:"pusher"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, err
	}

	branch, ok := branchFromRef(body.Ref)
	if !ok {
		return nil, nil
	}

	event := &domain.PushEvent{
		Provider:       domain.ProviderGitHub,
		RepositoryURL:  body.Repository.CloneURL,
		RepositoryName: body.Repository.FullName,
		Branch:         branch,
		CommitSHA:      body.After,
		Pusher:         body.Pusher.Name,
	}
	if body.HeadCommit != nil {
		event.CommitMessage = body.HeadCommit.Message
		event.Timestamp = body.HeadCommit.Timestamp
	}
	return event, nil
}

// VerifySignature checks the X-Hub-Signature-256 header ("sha256=<hex>").
func (githubParser) VerifySignature(body []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return true
	}
	expected := "sha256=" + hmacHex(body, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// gitlabParser handles GitLab push webhooks.
type gitlabParser struct{}

func (gitlabParser) Parse(payload []byte) (*domain.PushEvent, error) {
	var body struct {
		Ref     string `json:"ref"`
		After   string `json:"after"`
		Project struct {
			GitHTTPURL        string `json:"git_http_url"`
			PathWithNamespace string `json:"path_with_namespace"`
		} `json:"project"`
		Commits  []commitInfo `json:"commits"`
		UserName string       `json:"user_name"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, err
	}

	branch, ok := branchFromRef(body.Ref)
	if !ok {
		return nil, nil
	}

	event := &domain.PushEvent{
		Provider:       domain.ProviderGitLab,
		RepositoryURL:  body.Project.GitHTTPURL,
		RepositoryName: body.Project.PathWithNamespace,
		Branch:         branch,
		CommitSHA:      body.After,
		Pusher:         body.UserName,
	}
	if len(body.Commits) > 0 {
		latest := body.Commits[len(body.Commits)-1]
		event.CommitMessage = latest.Message
		event.Timestamp = latest.Timestamp
	}
	return event, nil
}

// VerifySignature compares the X-Gitlab-Token header against the secret in
// constant time; GitLab sends the shared token itself, not an HMAC.
func (gitlabParser) VerifySignature(body []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return true
	}
	return hmac.Equal([]byte(signature), []byte(secret))
}
