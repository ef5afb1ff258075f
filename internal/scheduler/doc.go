// Package scheduler is the task orchestration engine. It owns the task state
// machine (pending, running, success, failed, timeout), the bounded in-memory
// task registry, the live per-repository execution configuration, and the
// background reconciliation loop that advances running tasks by polling the
// container execution backend.
package scheduler
