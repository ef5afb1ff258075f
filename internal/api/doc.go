// Package api implements the HTTP handlers: webhook ingestion per git
// provider, task queries, repository configuration CRUD, and administrative
// container operations. Handlers are thin pass-throughs to the orchestration
// engine, the stores, and the execution backend.
package api
