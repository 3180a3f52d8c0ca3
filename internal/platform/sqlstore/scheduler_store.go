package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskd/internal/domain"
	"github.com/phrazzld/taskd/internal/platform/logger"
	"github.com/phrazzld/taskd/internal/store"
)

const defaultEventLimit = 50

const recurringColumns = `id, owner_id, name, task_type, schedule, payload, status,
	last_execution_status, last_error, last_run_at, next_run_at, created_at, updated_at`

// SchedulerStore implements store.SchedulerStore on database/sql.
type SchedulerStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewSchedulerStore creates a SchedulerStore using db.
func NewSchedulerStore(db store.DBTX, logger *slog.Logger) *SchedulerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SchedulerStore{
		db:     db,
		logger: logger.With(slog.String("component", "scheduler_store")),
	}
}

var _ store.SchedulerStore = (*SchedulerStore)(nil)

// WithTx returns a new SchedulerStore that uses the provided transaction.
func (s *SchedulerStore) WithTx(tx *sql.Tx) store.SchedulerStore {
	return &SchedulerStore{db: tx, logger: s.logger}
}

// AppendEvent inserts one scheduler event log row.
func (s *SchedulerStore) AppendEvent(ctx context.Context, event *domain.SchedulerEvent) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	now := time.Now().UTC()
	if event.EventDate.IsZero() {
		event.EventDate = now
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	eventData, err := optionalJSON(event.EventData, len(event.EventData) > 0)
	if err != nil {
		return err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO scheduler_event_logs (event_type, event_date, tasks_found, tasks_executed,
			tasks_failed, check_cycle_number, check_interval_seconds, previous_interval_seconds,
			job_id, job_type, user_id, event_data, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`,
		event.EventType,
		event.EventDate.UTC(),
		event.TasksFound,
		event.TasksExecuted,
		event.TasksFailed,
		event.CheckCycleNumber,
		event.CheckIntervalSeconds,
		event.PreviousIntervalSecs,
		nullString(event.JobID),
		nullString(event.JobType),
		nullString(event.UserID),
		eventData,
		nullString(event.ErrorMessage),
		event.CreatedAt.UTC(),
	).Scan(&event.ID)
	if err != nil {
		log.Error("failed to append scheduler event",
			slog.String("error", err.Error()),
			slog.String("event_type", string(event.EventType)))
		return store.NewStoreError("scheduler_event", "append", "insert failed", MapError(err))
	}
	return nil
}

// CheckCycleTotals sums the counters of every check_cycle event.
func (s *SchedulerStore) CheckCycleTotals(ctx context.Context) (domain.CheckCycleTotals, error) {
	var totals domain.CheckCycleTotals
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(tasks_found), 0),
			COALESCE(SUM(tasks_executed), 0),
			COALESCE(SUM(tasks_failed), 0)
		FROM scheduler_event_logs
		WHERE event_type = $1
	`, domain.SchedulerEventCheckCycle).Scan(&totals.Cycles, &totals.TasksFound, &totals.TasksExecuted, &totals.TasksFailed)
	if err != nil {
		return domain.CheckCycleTotals{}, fmt.Errorf("failed to sum check cycles: %w", MapError(err))
	}
	return totals, nil
}

// ListEvents returns the newest events first.
func (s *SchedulerStore) ListEvents(ctx context.Context, limit int) ([]domain.SchedulerEvent, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, event_date, tasks_found, tasks_executed, tasks_failed,
			check_cycle_number, check_interval_seconds, previous_interval_seconds,
			job_id, job_type, user_id, event_data, error_message, created_at
		FROM scheduler_event_logs
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduler events: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	events := []domain.SchedulerEvent{}
	for rows.Next() {
		var (
			e                                  domain.SchedulerEvent
			jobID, jobType, userID, errMessage sql.NullString
			eventData                          sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.EventType, &e.EventDate, &e.TasksFound, &e.TasksExecuted, &e.TasksFailed,
			&e.CheckCycleNumber, &e.CheckIntervalSeconds, &e.PreviousIntervalSecs,
			&jobID, &jobType, &userID, &eventData, &errMessage, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scheduler event: %w", err)
		}
		e.JobID = jobID.String
		e.JobType = jobType.String
		e.UserID = userID.String
		e.ErrorMessage = errMessage.String
		e.EventDate = e.EventDate.UTC()
		e.CreatedAt = e.CreatedAt.UTC()
		if err := unmarshalNull(eventData, &e.EventData); err != nil {
			return nil, fmt.Errorf("failed to decode event data: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduler events: %w", err)
	}
	return events, nil
}

// CreateRecurringTask persists a recurring task definition.
func (s *SchedulerStore) CreateRecurringTask(ctx context.Context, task *domain.RecurringTask) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if task.Status == "" {
		task.Status = domain.RecurringTaskActive
	}
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recurring_tasks (id, owner_id, name, task_type, schedule, payload, status,
			last_execution_status, last_error, last_run_at, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		task.ID,
		task.OwnerID,
		task.Name,
		task.TaskType,
		task.Schedule,
		jsonArg(task.Payload),
		task.Status,
		task.LastExecutionStatus,
		task.LastError,
		timeArg(task.LastRunAt),
		timeArg(task.NextRunAt),
		task.CreatedAt.UTC(),
		task.UpdatedAt.UTC(),
	)
	if err != nil {
		log.Error("failed to create recurring task",
			slog.String("error", err.Error()),
			slog.String("recurring_task_id", task.ID.String()))
		return store.NewStoreError("recurring_task", "create", "insert failed", MapError(err))
	}
	return nil
}

// ListActiveRecurringTasks returns every active recurring task.
func (s *SchedulerStore) ListActiveRecurringTasks(ctx context.Context) ([]domain.RecurringTask, error) {
	return s.queryRecurring(ctx, `
		SELECT `+recurringColumns+`
		FROM recurring_tasks
		WHERE status = $1
		ORDER BY created_at ASC
	`, domain.RecurringTaskActive)
}

// ListDueRecurringTasks returns active tasks due at or before now that are not already processing.
// A task without a next run time is due immediately.
func (s *SchedulerStore) ListDueRecurringTasks(ctx context.Context, now time.Time) ([]domain.RecurringTask, error) {
	return s.queryRecurring(ctx, `
		SELECT `+recurringColumns+`
		FROM recurring_tasks
		WHERE status = $1
			AND last_execution_status <> $2
			AND (next_run_at IS NULL OR next_run_at <= $3)
		ORDER BY next_run_at ASC, created_at ASC
	`, domain.RecurringTaskActive, domain.ExecutionStatusProcessing, now.UTC())
}

func (s *SchedulerStore) queryRecurring(ctx context.Context, query string, args ...any) ([]domain.RecurringTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recurring tasks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var out []domain.RecurringTask
	for rows.Next() {
		var (
			r                domain.RecurringTask
			payload          sql.NullString
			lastRun, nextRun sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Name, &r.TaskType, &r.Schedule, &payload, &r.Status,
			&r.LastExecutionStatus, &r.LastError, &lastRun, &nextRun, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan recurring task: %w", err)
		}
		r.Payload = rawNull(payload)
		r.LastRunAt = timePtr(lastRun)
		r.NextRunAt = timePtr(nextRun)
		r.CreatedAt = r.CreatedAt.UTC()
		r.UpdatedAt = r.UpdatedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recurring tasks: %w", err)
	}
	return out, nil
}

// UpdateRecurringRun records a finished run and schedules the next one.
func (s *SchedulerStore) UpdateRecurringRun(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, lastError string, lastRunAt time.Time, nextRunAt *time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE recurring_tasks
		SET last_execution_status = $1, last_error = $2, last_run_at = $3, next_run_at = $4, updated_at = $5
		WHERE id = $6
	`, status, lastError, lastRunAt.UTC(), timeArg(nextRunAt), time.Now().UTC(), id)
	if err != nil {
		return store.NewStoreError("recurring_task", "update_run", "update failed", MapError(err))
	}
	return recurringRowsAffected(result)
}

// MarkRecurringProcessing flags a recurring task as running so the next check cycle skips it.
func (s *SchedulerStore) MarkRecurringProcessing(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE recurring_tasks
		SET last_execution_status = $1, updated_at = $2
		WHERE id = $3
	`, domain.ExecutionStatusProcessing, at.UTC(), id)
	if err != nil {
		return store.NewStoreError("recurring_task", "mark_processing", "update failed", MapError(err))
	}
	return recurringRowsAffected(result)
}

// ScheduleRecurringRun moves the schedule of a started recurring task forward.
func (s *SchedulerStore) ScheduleRecurringRun(ctx context.Context, id uuid.UUID, lastRunAt time.Time, nextRunAt *time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE recurring_tasks
		SET last_run_at = $1, next_run_at = $2
		WHERE id = $3
	`, lastRunAt.UTC(), timeArg(nextRunAt), id)
	if err != nil {
		return store.NewStoreError("recurring_task", "schedule_run", "update failed", MapError(err))
	}
	return recurringRowsAffected(result)
}

// FinishRecurringRun closes a processing run with the outcome of its task.
func (s *SchedulerStore) FinishRecurringRun(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, lastError string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE recurring_tasks
		SET last_execution_status = $1, last_error = $2, updated_at = $3
		WHERE id = $4 AND last_execution_status = $5
	`, status, lastError, time.Now().UTC(), id, domain.ExecutionStatusProcessing)
	if err != nil {
		return store.NewStoreError("recurring_task", "finish_run", "update failed", MapError(err))
	}
	return recurringRowsAffected(result)
}

func recurringRowsAffected(result sql.Result) error {
	err := CheckRowsAffected(result, "recurring task")
	if errors.Is(err, store.ErrNotFound) {
		return store.ErrRecurringTaskNotFound
	}
	return err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
