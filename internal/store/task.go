package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskd/internal/domain"
)

// StatusUpdate carries the optional fields written together with a status change.
type StatusUpdate struct {
	Result json.RawMessage
	Error  *domain.ErrorPayload
	// CompletedAt overrides the completion time recorded for terminal statuses.
	CompletedAt *time.Time
}

// ListTasksParams filters and paginates ListTasks. An empty OwnerID lists all owners.
type ListTasksParams struct {
	OwnerID string
	Status  *domain.TaskStatus
	Limit   int
	Offset  int
}

// DefaultProgressLimit caps the number of progress events returned by GetTask.
const DefaultProgressLimit = 10

// TaskStore defines the interface for durable task records, their progress
// events and their metrics.
// Version: 1.0
type TaskStore interface {
	// CreateTask persists a new pending task and returns its ID.
	// Returns ErrInvalidEntity wrapping the validation error if the task is invalid.
	CreateTask(ctx context.Context, task *domain.Task) (uuid.UUID, error)

	// GetTask returns the task with its most recent progress events, newest first.
	// Returns nil, nil when the task does not exist.
	GetTask(ctx context.Context, id uuid.UUID) (*domain.TaskSnapshot, error)

	// UpdateStatus moves a task to status, writing the result or error payload.
	// The update only applies when the transition is allowed from the current status.
	// Returns ErrTaskNotFound or ErrInvalidTransition otherwise.
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.TaskStatus, update StatusUpdate) error

	// AppendProgress records a progress event. A pending task becomes running.
	// Returns ErrTaskNotFound, or ErrTaskTerminal if the task has finished.
	AppendProgress(ctx context.Context, event *domain.ProgressEvent) error

	// RecordMetrics stores a metrics row for an operation step.
	RecordMetrics(ctx context.Context, metrics *domain.TaskMetrics) error

	// IncrementRetryCount atomically increments retry_count and returns the new value.
	// Returns ErrRetriesExhausted once retry_count has reached max_retries.
	IncrementRetryCount(ctx context.Context, id uuid.UUID) (int, error)

	// ListTasks returns task summaries ordered newest first.
	ListTasks(ctx context.Context, params ListTasksParams) ([]domain.TaskSummary, error)

	// ListTasksByStatus returns tasks in status whose last update is before updatedBefore.
	// Used for startup recovery and stuck-task detection.
	ListTasksByStatus(ctx context.Context, status domain.TaskStatus, updatedBefore time.Time) ([]domain.Task, error)

	// CleanupTerminalTasks deletes terminal tasks created more than olderThanDays
	// days ago together with their progress and metrics. Returns the number of tasks removed.
	CleanupTerminalTasks(ctx context.Context, olderThanDays int) (int64, error)

	// AggregateAnalytics summarises tasks created within the last windowDays
	// days. An empty ownerID aggregates every owner.
	AggregateAnalytics(ctx context.Context, ownerID string, windowDays int) (*domain.Analytics, error)

	// WithTx returns a new TaskStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) TaskStore
}
