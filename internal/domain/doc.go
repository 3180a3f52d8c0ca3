// Package domain holds the task lifecycle entities: tasks and their status
// machine, progress events, metrics rows, error payloads, analytics and the
// scheduler's event log and recurring tasks.
package domain
