// Package logger configures the application's structured logging (log/slog)
// and provides helpers for carrying a request-scoped logger through contexts.
package logger
