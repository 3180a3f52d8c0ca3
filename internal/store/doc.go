// Package store defines the persistence contracts for tasks, their progress
// and metrics, and the scheduler event log, together with the errors every
// implementation returns. The SQL implementations live in
// internal/platform/sqlstore; task.MockTaskStore is the in-memory one.
package store
