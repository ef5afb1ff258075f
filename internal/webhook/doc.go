// Package webhook normalizes push notifications from source-control hosts
// (Gitea, GitHub, GitLab) into a single event shape and verifies each
// provider's webhook signature scheme.
package webhook
