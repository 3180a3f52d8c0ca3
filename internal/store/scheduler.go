package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskd/internal/domain"
)

// SchedulerStore persists the scheduler event log and database-driven recurring tasks.
// Version: 1.0
type SchedulerStore interface {
	// AppendEvent adds a row to the scheduler event log and sets its ID.
	AppendEvent(ctx context.Context, event *domain.SchedulerEvent) error

	// CheckCycleTotals sums all check_cycle events. Returns zero totals when none exist.
	CheckCycleTotals(ctx context.Context) (domain.CheckCycleTotals, error)

	// ListEvents returns the most recent events, newest first.
	ListEvents(ctx context.Context, limit int) ([]domain.SchedulerEvent, error)

	// CreateRecurringTask persists a recurring task definition.
	CreateRecurringTask(ctx context.Context, task *domain.RecurringTask) error

	// ListActiveRecurringTasks returns all recurring tasks with status active.
	ListActiveRecurringTasks(ctx context.Context) ([]domain.RecurringTask, error)

	// ListDueRecurringTasks returns active recurring tasks whose next run is at or before now
	// and which are not currently processing.
	ListDueRecurringTasks(ctx context.Context, now time.Time) ([]domain.RecurringTask, error)

	// UpdateRecurringRun records the outcome of a run and the next scheduled run.
	// Returns ErrRecurringTaskNotFound if the row does not exist.
	UpdateRecurringRun(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, lastError string, lastRunAt time.Time, nextRunAt *time.Time) error

	// MarkRecurringProcessing sets last_execution_status to processing.
	// Returns ErrRecurringTaskNotFound if the row does not exist.
	MarkRecurringProcessing(ctx context.Context, id uuid.UUID, at time.Time) error

	// ScheduleRecurringRun sets last_run_at and next_run_at without touching
	// the execution status.
	// Returns ErrRecurringTaskNotFound if the row does not exist.
	ScheduleRecurringRun(ctx context.Context, id uuid.UUID, lastRunAt time.Time, nextRunAt *time.Time) error

	// FinishRecurringRun records the outcome of the task started for a
	// processing recurring task.
	// Returns ErrRecurringTaskNotFound if no processing row matches id.
	FinishRecurringRun(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, lastError string) error

	// WithTx returns a new SchedulerStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) SchedulerStore
}
