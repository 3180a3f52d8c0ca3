// Package task turns "start operation X" into a tracked, recoverable unit of
// background work.
//
// A Manager persists every task through a store.TaskStore, runs its operation
// on a bounded worker pool, wraps each attempt in a named circuit breaker and
// a retry profile, and records progress, metrics and the final result or a
// structured error. Callers poll GetStatus or subscribe to lifecycle events.
//
// Every failure that reaches the background execution path ends in a failed
// task record. Classify is the single place where errors are normalised into
// a domain.ErrorPayload.
package task
