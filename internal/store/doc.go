// Package store provides durable persistence for coven-dispatch.
//
// # Architecture
//
// A single Store interface covers agents, jobs and status events. Two SQL
// implementations exist: SQLiteStore (modernc.org/sqlite, pure Go) in this
// package and the Postgres store in store/postgres. NopStore is used when
// persistence is disabled and MockStore backs unit tests.
//
// The in-memory registries in agent and job stay authoritative while the
// process runs. The store is write-through: a failed write is logged by the
// caller and never rolls back the in-memory transition.
//
// # Data Models
//
//   - Agent: registered worker, its capabilities and full manifest
//   - Job: unit of work, its status, payload and result
//   - StatusEvent: append-only copy of every job transition
//
// # Schema
//
// status_events.job_id references jobs.id, so a job row is always written
// before its first event. status_events is indexed on (agent_id, timestamp)
// to serve newest-first history per agent.
//
// Timestamps are stored as fixed-width UTC text so that lexical order in
// SQLite matches chronological order.
package store
