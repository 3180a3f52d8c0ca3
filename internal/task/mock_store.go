package task

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskd/internal/domain"
	"github.com/phrazzld/taskd/internal/store"
)

// MockTaskStore is an in-memory store.TaskStore for tests. It enforces the
// same status transitions as the SQL stores. Setting one of the Fn fields
// replaces the corresponding method.
type MockTaskStore struct {
	mutex    sync.RWMutex
	tasks    map[uuid.UUID]*domain.Task
	progress map[uuid.UUID][]domain.ProgressEvent
	metrics  map[uuid.UUID][]domain.TaskMetrics
	nextID   int64

	CreateFn       func(ctx context.Context, task *domain.Task) (uuid.UUID, error)
	UpdateStatusFn func(ctx context.Context, id uuid.UUID, status domain.TaskStatus, update store.StatusUpdate) error
	AppendFn       func(ctx context.Context, event *domain.ProgressEvent) error
	CleanupFn      func(ctx context.Context, olderThanDays int) (int64, error)
	ListByStatusFn func(ctx context.Context, status domain.TaskStatus, updatedBefore time.Time) ([]domain.Task, error)
}

var _ store.TaskStore = (*MockTaskStore)(nil)

// NewMockTaskStore creates an empty MockTaskStore.
func NewMockTaskStore() *MockTaskStore {
	return &MockTaskStore{
		tasks:    make(map[uuid.UUID]*domain.Task),
		progress: make(map[uuid.UUID][]domain.ProgressEvent),
		metrics:  make(map[uuid.UUID][]domain.TaskMetrics),
	}
}

// Put stores a copy of task as is, bypassing validation. Used to seed state.
func (s *MockTaskStore) Put(task domain.Task) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.tasks[task.ID] = &task
}

// CreateTask stores a pending task.
func (s *MockTaskStore) CreateTask(ctx context.Context, task *domain.Task) (uuid.UUID, error) {
	if s.CreateFn != nil {
		return s.CreateFn(ctx, task)
	}
	if err := task.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return uuid.Nil, store.ErrDuplicate
	}
	cp := *task
	s.tasks[task.ID] = &cp
	return task.ID, nil
}

// GetTask returns a copy of the task and its newest progress events.
func (s *MockTaskStore) GetTask(_ context.Context, id uuid.UUID) (*domain.TaskSnapshot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	events := s.progress[id]
	recent := make([]domain.ProgressEvent, 0, store.DefaultProgressLimit)
	for i := len(events) - 1; i >= 0 && len(recent) < store.DefaultProgressLimit; i-- {
		recent = append(recent, events[i])
	}
	return &domain.TaskSnapshot{Task: *t, Progress: recent}, nil
}

// UpdateStatus applies an allowed transition.
func (s *MockTaskStore) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.TaskStatus, update store.StatusUpdate) error {
	if s.UpdateStatusFn != nil {
		return s.UpdateStatusFn(ctx, id, status, update)
	}
	if !status.IsValid() {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, domain.ErrInvalidTaskStatus)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if !t.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, t.Status, status)
	}

	now := time.Now().UTC()
	t.Status = status
	t.UpdatedAt = now
	if update.Result != nil {
		t.ResultPayload = update.Result
	}
	if update.Error != nil {
		t.ErrorPayload = update.Error
	}
	if status.IsTerminal() {
		completed := now
		if update.CompletedAt != nil {
			completed = *update.CompletedAt
		}
		t.CompletedAt = &completed
	}
	return nil
}

// AppendProgress records event, moving a pending task to running.
func (s *MockTaskStore) AppendProgress(ctx context.Context, event *domain.ProgressEvent) error {
	if s.AppendFn != nil {
		return s.AppendFn(ctx, event)
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	t, ok := s.tasks[event.TaskID]
	if !ok {
		return store.ErrTaskNotFound
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: task is %s", store.ErrTaskTerminal, t.Status)
	}
	if t.Status == domain.TaskStatusPending {
		t.Status = domain.TaskStatusRunning
	}
	t.UpdatedAt = time.Now().UTC()

	s.nextID++
	event.ID = s.nextID
	s.progress[event.TaskID] = append(s.progress[event.TaskID], *event)
	return nil
}

// Progress returns every progress event of a task in insertion order.
func (s *MockTaskStore) Progress(id uuid.UUID) []domain.ProgressEvent {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]domain.ProgressEvent(nil), s.progress[id]...)
}

// RecordMetrics stores a metrics row.
func (s *MockTaskStore) RecordMetrics(_ context.Context, m *domain.TaskMetrics) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.tasks[m.TaskID]; !ok {
		return store.ErrInvalidEntity
	}
	s.nextID++
	m.ID = s.nextID
	s.metrics[m.TaskID] = append(s.metrics[m.TaskID], *m)
	return nil
}

// Metrics returns the metrics rows of a task.
func (s *MockTaskStore) Metrics(id uuid.UUID) []domain.TaskMetrics {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]domain.TaskMetrics(nil), s.metrics[id]...)
}

// IncrementRetryCount increments retry_count up to max_retries.
func (s *MockTaskStore) IncrementRetryCount(_ context.Context, id uuid.UUID) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return 0, store.ErrTaskNotFound
	}
	if t.RetryCount >= t.MaxRetries {
		return 0, store.ErrRetriesExhausted
	}
	t.RetryCount++
	t.UpdatedAt = time.Now().UTC()
	return t.RetryCount, nil
}

// ListTasks filters by owner and status, newest first.
func (s *MockTaskStore) ListTasks(_ context.Context, params store.ListTasksParams) ([]domain.TaskSummary, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := []domain.TaskSummary{}
	for _, t := range s.tasks {
		if params.OwnerID != "" && t.OwnerID != params.OwnerID {
			continue
		}
		if params.Status != nil && t.Status != *params.Status {
			continue
		}
		out = append(out, domain.TaskSummary{
			ID: t.ID, OwnerID: t.OwnerID, TaskType: t.TaskType, Status: t.Status,
			OperationName: t.OperationName, RetryCount: t.RetryCount, MaxRetries: t.MaxRetries,
			Priority: t.Priority, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt, CompletedAt: t.CompletedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	if params.Offset >= len(out) {
		return []domain.TaskSummary{}, nil
	}
	out = out[params.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListTasksByStatus returns copies of matching tasks, highest priority first.
func (s *MockTaskStore) ListTasksByStatus(ctx context.Context, status domain.TaskStatus, updatedBefore time.Time) ([]domain.Task, error) {
	if s.ListByStatusFn != nil {
		return s.ListByStatusFn(ctx, status, updatedBefore)
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []domain.Task
	for _, t := range s.tasks {
		if t.Status == status && t.UpdatedAt.Before(updatedBefore) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CleanupTerminalTasks deletes terminal tasks created before the cutoff.
func (s *MockTaskStore) CleanupTerminalTasks(ctx context.Context, olderThanDays int) (int64, error) {
	if s.CleanupFn != nil {
		return s.CleanupFn(ctx, olderThanDays)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	cutoff := time.Now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	var deleted int64
	for id, t := range s.tasks {
		if t.Status.IsTerminal() && t.CreatedAt.Before(cutoff) {
			delete(s.tasks, id)
			delete(s.progress, id)
			delete(s.metrics, id)
			deleted++
		}
	}
	return deleted, nil
}

// AggregateAnalytics summarises tasks created within the window.
func (s *MockTaskStore) AggregateAnalytics(_ context.Context, ownerID string, windowDays int) (*domain.Analytics, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if windowDays <= 0 {
		windowDays = 7
	}
	since := time.Now().UTC().Add(-time.Duration(windowDays) * 24 * time.Hour)
	var timings []domain.TaskTiming
	for _, t := range s.tasks {
		if t.CreatedAt.Before(since) || (ownerID != "" && t.OwnerID != ownerID) {
			continue
		}
		timings = append(timings, domain.TaskTiming{
			TaskType: t.TaskType, Status: t.Status, CreatedAt: t.CreatedAt, CompletedAt: t.CompletedAt,
		})
	}
	return domain.BuildAnalytics(windowDays, since, domain.GroupTimings(timings)), nil
}

// WithTx returns the same store; the mock has no transactions.
func (s *MockTaskStore) WithTx(*sql.Tx) store.TaskStore {
	return s
}
