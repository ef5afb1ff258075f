// Package docker is the container execution backend. It translates task
// intent into docker runtime operations (idempotent per-repository container
// creation, start, inspect, stop, remove, list) and exchanges results with
// the worker through well-known filesystem paths. It holds no task state.
package docker
