// Package store defines the persistence interfaces and shared error types
// used by storage implementations. Concrete implementations live under
// internal/platform.
package store
