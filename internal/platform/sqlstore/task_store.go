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

const (
	defaultListLimit     = 20
	maxListLimit         = 100
	defaultRetentionDays = 7
	defaultWindowDays    = 7
)

const taskColumns = `id, owner_id, task_type, status, request_payload, result_payload, error_payload,
	correlation_id, operation_name, retry_count, max_retries, priority, metadata,
	created_at, updated_at, completed_at`

// TaskStore implements store.TaskStore on database/sql.
type TaskStore struct {
	db      store.DBTX
	dialect Dialect
	logger  *slog.Logger
}

// NewTaskStore creates a TaskStore using db, which may be a pool or a
// transaction. The SQL dialect is taken from db when it is a *DB and is
// Postgres otherwise.
func NewTaskStore(db store.DBTX, logger *slog.Logger) *TaskStore {
	if logger == nil {
		logger = slog.Default()
	}
	dialect := DialectPostgres
	if d, ok := db.(*DB); ok {
		dialect = d.Dialect
	}
	return &TaskStore{
		db:      db,
		dialect: dialect,
		logger:  logger.With(slog.String("component", "task_store")),
	}
}

var _ store.TaskStore = (*TaskStore)(nil)

// WithTx returns a new TaskStore that uses the provided transaction.
func (s *TaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &TaskStore{db: tx, dialect: s.dialect, logger: s.logger}
}

// CreateTask persists a new pending task.
func (s *TaskStore) CreateTask(ctx context.Context, task *domain.Task) (uuid.UUID, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if task.Status == "" {
		task.Status = domain.TaskStatusPending
	}
	if err := task.Validate(); err != nil {
		log.Warn("task validation failed during create",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return uuid.Nil, fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	if task.Status != domain.TaskStatusPending {
		return uuid.Nil, fmt.Errorf("%w: new tasks must be pending, got %s", store.ErrInvalidEntity, task.Status)
	}

	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt

	metadata := task.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := jsonText(metadata)
	if err != nil {
		return uuid.Nil, err
	}
	request := string(task.RequestPayload)
	if request == "" {
		request = "{}"
	}

	query := `
		INSERT INTO tasks (id, owner_id, task_type, status, request_payload, correlation_id,
			operation_name, retry_count, max_retries, priority, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		task.OwnerID,
		task.TaskType,
		task.Status,
		request,
		task.CorrelationID,
		task.OperationName,
		task.RetryCount,
		task.MaxRetries,
		task.Priority,
		metadataJSON,
		task.CreatedAt.UTC(),
		task.UpdatedAt.UTC(),
	)
	if err != nil {
		log.Error("failed to create task",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()),
			slog.String("task_type", task.TaskType))
		return uuid.Nil, store.NewStoreError("task", "create", "insert failed", MapError(err))
	}

	log.Debug("task created",
		slog.String("task_id", task.ID.String()),
		slog.String("task_type", task.TaskType),
		slog.String("owner_id", task.OwnerID))
	return task.ID, nil
}

// GetTask returns the task with its most recent progress events, or nil if it does not exist.
func (s *TaskStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.TaskSnapshot, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		log.Error("failed to get task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return nil, fmt.Errorf("failed to get task: %w", MapError(err))
	}

	progress, err := s.recentProgress(ctx, id, store.DefaultProgressLimit)
	if err != nil {
		log.Error("failed to get task progress",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return nil, err
	}

	return &domain.TaskSnapshot{Task: *task, Progress: progress}, nil
}

func (s *TaskStore) recentProgress(ctx context.Context, taskID uuid.UUID, limit int) ([]domain.ProgressEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, recorded_at, message, percentage, progress_type, metadata
		FROM task_progress
		WHERE task_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]domain.ProgressEvent, 0, limit)
	for rows.Next() {
		var (
			ev         domain.ProgressEvent
			percentage sql.NullInt64
			metadata   sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.Timestamp, &ev.Message, &percentage, &ev.ProgressType, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan progress row: %w", err)
		}
		ev.Timestamp = ev.Timestamp.UTC()
		if percentage.Valid {
			p := int(percentage.Int64)
			ev.Percentage = &p
		}
		if err := unmarshalNull(metadata, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode progress metadata: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating progress rows: %w", err)
	}
	return events, nil
}

// UpdateStatus moves a task to status if the transition is allowed from its current status.
func (s *TaskStore) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.TaskStatus, update store.StatusUpdate) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if !status.IsValid() {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, domain.ErrInvalidTaskStatus)
	}
	predecessors := domain.PredecessorsOf(status)
	if len(predecessors) == 0 {
		return fmt.Errorf("%w: no transition leads to %s", store.ErrInvalidTransition, status)
	}

	errorJSON, err := optionalJSON(update.Error, update.Error != nil)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var completedAt any
	if status.IsTerminal() {
		completedAt = now
		if update.CompletedAt != nil {
			completedAt = update.CompletedAt.UTC()
		}
	}

	args := []any{status, jsonArg(update.Result), errorJSON, completedAt, now, id}
	for _, p := range predecessors {
		args = append(args, p)
	}
	query := `
		UPDATE tasks
		SET status = $1,
			result_payload = COALESCE($2, result_payload),
			error_payload = COALESCE($3, error_payload),
			completed_at = COALESCE($4, completed_at),
			updated_at = $5
		WHERE id = $6 AND status IN (` + placeholders(7, len(predecessors)) + `)
	`

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to update task status",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()),
			slog.String("status", string(status)))
		return store.NewStoreError("task", "update_status", "update failed", MapError(err))
	}

	err = CheckRowsAffected(result, "task")
	if err == nil {
		log.Debug("task status updated",
			slog.String("task_id", id.String()),
			slog.String("status", string(status)))
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	current, err := s.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	log.Warn("rejected task status transition",
		slog.String("task_id", id.String()),
		slog.String("from", string(current)),
		slog.String("to", string(status)))
	return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, current, status)
}

func (s *TaskStore) currentStatus(ctx context.Context, id uuid.UUID) (domain.TaskStatus, error) {
	var status domain.TaskStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrTaskNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read task status: %w", MapError(err))
	}
	return status, nil
}

// AppendProgress records a progress event, moving a pending task to running
// in the same transaction. Terminal tasks reject new progress.
func (s *TaskStore) AppendProgress(ctx context.Context, event *domain.ProgressEvent) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ProgressType == "" {
		event.ProgressType = domain.ProgressTypeInfo
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	metadata, err := optionalJSON(event.Metadata, len(event.Metadata) > 0)
	if err != nil {
		return err
	}
	var percentage any
	if event.Percentage != nil {
		percentage = *event.Percentage
	}

	err = inTx(ctx, s.db, func(q store.DBTX) error {
		var status domain.TaskStatus
		err := q.QueryRowContext(ctx, `
			UPDATE tasks
			SET status = CASE WHEN status = 'pending' THEN 'running' ELSE status END,
				updated_at = $1
			WHERE id = $2 AND status IN ('pending', 'running')
			RETURNING status
		`, time.Now().UTC(), event.TaskID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			current, cerr := (&TaskStore{db: q, logger: s.logger}).currentStatus(ctx, event.TaskID)
			if cerr != nil {
				return cerr
			}
			return fmt.Errorf("%w: task is %s", store.ErrTaskTerminal, current)
		}
		if err != nil {
			return MapError(err)
		}

		return q.QueryRowContext(ctx, `
			INSERT INTO task_progress (task_id, recorded_at, message, percentage, progress_type, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, event.TaskID, event.Timestamp.UTC(), event.Message, percentage, event.ProgressType, metadata).Scan(&event.ID)
	})
	if err != nil {
		if errors.Is(err, store.ErrTaskTerminal) || errors.Is(err, store.ErrNotFound) {
			log.Debug("progress rejected",
				slog.String("task_id", event.TaskID.String()),
				slog.String("reason", err.Error()))
			return err
		}
		log.Error("failed to append progress",
			slog.String("error", err.Error()),
			slog.String("task_id", event.TaskID.String()))
		return store.NewStoreError("task_progress", "append", "insert failed", MapError(err))
	}
	return nil
}

// RecordMetrics inserts a metrics row for one operation step.
func (s *TaskStore) RecordMetrics(ctx context.Context, m *domain.TaskMetrics) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if m.TaskID == uuid.Nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, domain.ErrEmptyTaskID)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	tokenUsage, err := optionalJSON(m.TokenUsage, len(m.TokenUsage) > 0)
	if err != nil {
		return err
	}
	metadata, err := optionalJSON(m.Metadata, len(m.Metadata) > 0)
	if err != nil {
		return err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO task_metrics (task_id, operation, duration_ms, token_usage, api_calls,
			cache_hits, cache_misses, error_count, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, m.TaskID, m.Operation, m.DurationMS, tokenUsage, m.APICalls,
		m.CacheHits, m.CacheMisses, m.ErrorCount, metadata, m.CreatedAt.UTC()).Scan(&m.ID)
	if err != nil {
		log.Error("failed to record task metrics",
			slog.String("error", err.Error()),
			slog.String("task_id", m.TaskID.String()),
			slog.String("operation", m.Operation))
		return store.NewStoreError("task_metrics", "create", "insert failed", MapError(err))
	}
	return nil
}

// ListMetrics returns the metrics rows of a task in insertion order.
func (s *TaskStore) ListMetrics(ctx context.Context, taskID uuid.UUID) ([]domain.TaskMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, operation, duration_ms, token_usage, api_calls,
			cache_hits, cache_misses, error_count, metadata, created_at
		FROM task_metrics
		WHERE task_id = $1
		ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.TaskMetrics
	for rows.Next() {
		var (
			m                    domain.TaskMetrics
			tokenUsage, metadata sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.TaskID, &m.Operation, &m.DurationMS, &tokenUsage, &m.APICalls,
			&m.CacheHits, &m.CacheMisses, &m.ErrorCount, &metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task metrics: %w", err)
		}
		if err := unmarshalNull(tokenUsage, &m.TokenUsage); err != nil {
			return nil, err
		}
		if err := unmarshalNull(metadata, &m.Metadata); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// IncrementRetryCount atomically increments retry_count unless it has reached max_retries.
func (s *TaskStore) IncrementRetryCount(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET retry_count = retry_count + 1, updated_at = $1
		WHERE id = $2 AND retry_count < max_retries
		RETURNING retry_count
	`, time.Now().UTC(), id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		if _, serr := s.currentStatus(ctx, id); serr != nil {
			return 0, serr
		}
		return 0, store.ErrRetriesExhausted
	}
	if err != nil {
		return 0, store.NewStoreError("task", "increment_retry_count", "update failed", MapError(err))
	}
	return count, nil
}

// ListTasks returns task summaries ordered newest first.
func (s *TaskStore) ListTasks(ctx context.Context, params store.ListTasksParams) ([]domain.TaskSummary, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, owner_id, task_type, status, operation_name, retry_count, max_retries,
			priority, created_at, updated_at, completed_at
		FROM tasks
		WHERE 1 = 1`
	var args []any
	if params.OwnerID != "" {
		args = append(args, params.OwnerID)
		query += fmt.Sprintf(" AND owner_id = $%d", len(args))
	}
	if params.Status != nil {
		args = append(args, *params.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	summaries := []domain.TaskSummary{}
	for rows.Next() {
		var (
			ts          domain.TaskSummary
			completedAt sql.NullTime
		)
		if err := rows.Scan(&ts.ID, &ts.OwnerID, &ts.TaskType, &ts.Status, &ts.OperationName,
			&ts.RetryCount, &ts.MaxRetries, &ts.Priority, &ts.CreatedAt, &ts.UpdatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task summary: %w", err)
		}
		ts.CreatedAt = ts.CreatedAt.UTC()
		ts.UpdatedAt = ts.UpdatedAt.UTC()
		ts.CompletedAt = timePtr(completedAt)
		summaries = append(summaries, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return summaries, nil
}

// ListTasksByStatus returns tasks in status last updated before updatedBefore,
// highest priority first.
func (s *TaskStore) ListTasksByStatus(ctx context.Context, status domain.TaskStatus, updatedBefore time.Time) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = $1 AND updated_at < $2
		ORDER BY priority DESC, created_at ASC
	`, status, updatedBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by status: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

// CleanupTerminalTasks deletes terminal tasks created before the retention
// cutoff, together with their progress and metrics.
func (s *TaskStore) CleanupTerminalTasks(ctx context.Context, olderThanDays int) (int64, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if olderThanDays <= 0 {
		olderThanDays = defaultRetentionDays
	}
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanDays) * 24 * time.Hour)

	terminal := domain.TerminalStatuses()
	args := []any{cutoff}
	for _, st := range terminal {
		args = append(args, st)
	}
	match := `SELECT id FROM tasks WHERE created_at < $1 AND status IN (` + placeholders(2, len(terminal)) + `)`

	var deleted int64
	err := inTx(ctx, s.db, func(q store.DBTX) error {
		if _, err := q.ExecContext(ctx, `DELETE FROM task_progress WHERE task_id IN (`+match+`)`, args...); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM task_metrics WHERE task_id IN (`+match+`)`, args...); err != nil {
			return err
		}
		result, err := q.ExecContext(ctx, `DELETE FROM tasks WHERE id IN (`+match+`)`, args...)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	if err != nil {
		log.Error("failed to clean up terminal tasks",
			slog.String("error", err.Error()),
			slog.Int("older_than_days", olderThanDays))
		return 0, store.NewStoreError("task", "cleanup", "delete failed", MapError(err))
	}

	if deleted > 0 {
		log.Info("cleaned up terminal tasks",
			slog.Int64("deleted", deleted),
			slog.Int("older_than_days", olderThanDays))
	}
	return deleted, nil
}

// AggregateAnalytics summarises tasks created within the last windowDays
// days, grouped by task type and status in the database.
func (s *TaskStore) AggregateAnalytics(ctx context.Context, ownerID string, windowDays int) (*domain.Analytics, error) {
	if windowDays <= 0 {
		windowDays = defaultWindowDays
	}
	since := time.Now().UTC().Add(-time.Duration(windowDays) * 24 * time.Hour)

	query := `
		SELECT task_type, status, COUNT(*), COUNT(completed_at), COALESCE(SUM(` + s.durationSeconds() + `), 0)
		FROM tasks
		WHERE created_at >= $1`
	args := []any{since}
	if ownerID != "" {
		query += ` AND owner_id = $2`
		args = append(args, ownerID)
	}
	query += `
		GROUP BY task_type, status
		ORDER BY task_type, status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query analytics: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var groups []domain.AnalyticsRow
	for rows.Next() {
		var g domain.AnalyticsRow
		if err := rows.Scan(&g.TaskType, &g.Status, &g.Count, &g.Timed, &g.DurationSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan analytics row: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analytics rows: %w", err)
	}

	return domain.BuildAnalytics(windowDays, since, groups), nil
}

// durationSeconds is the run time of a finished task in seconds, NULL while
// completed_at is NULL.
func (s *TaskStore) durationSeconds() string {
	if s.dialect == DialectSQLite {
		return `(julianday(completed_at) - julianday(created_at)) * 86400.0`
	}
	return `EXTRACT(EPOCH FROM (completed_at - created_at))::float8`
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t                           domain.Task
		request                     string
		result, errorJSON, metadata sql.NullString
		completedAt                 sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.OwnerID, &t.TaskType, &t.Status, &request, &result, &errorJSON,
		&t.CorrelationID, &t.OperationName, &t.RetryCount, &t.MaxRetries, &t.Priority, &metadata,
		&t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.RequestPayload = []byte(request)
	t.ResultPayload = rawNull(result)
	if errorJSON.Valid && errorJSON.String != "" {
		t.ErrorPayload = &domain.ErrorPayload{}
		if err := unmarshalNull(errorJSON, t.ErrorPayload); err != nil {
			return nil, fmt.Errorf("failed to decode error payload: %w", err)
		}
	}
	t.Metadata = map[string]any{}
	if err := unmarshalNull(metadata, &t.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}
