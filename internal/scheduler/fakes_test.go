package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskd/internal/domain"
	"github.com/phrazzld/taskd/internal/store"
	"github.com/phrazzld/taskd/internal/task"
)

type memSchedulerStore struct {
	mu        sync.Mutex
	events    []domain.SchedulerEvent
	recurring map[uuid.UUID]*domain.RecurringTask
	appendErr error
}

func newMemSchedulerStore() *memSchedulerStore {
	return &memSchedulerStore{recurring: map[uuid.UUID]*domain.RecurringTask{}}
}

func (s *memSchedulerStore) AppendEvent(_ context.Context, e *domain.SchedulerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	if err := e.Validate(); err != nil {
		return err
	}
	e.ID = int64(len(s.events) + 1)
	s.events = append(s.events, *e)
	return nil
}

func (s *memSchedulerStore) eventsOfType(t domain.SchedulerEventType) []domain.SchedulerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SchedulerEvent
	for _, e := range s.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

func (s *memSchedulerStore) CheckCycleTotals(context.Context) (domain.CheckCycleTotals, error) {
	var t domain.CheckCycleTotals
	for _, e := range s.eventsOfType(domain.SchedulerEventCheckCycle) {
		t.Cycles++
		t.TasksFound += int64(e.TasksFound)
		t.TasksExecuted += int64(e.TasksExecuted)
		t.TasksFailed += int64(e.TasksFailed)
	}
	return t, nil
}

func (s *memSchedulerStore) ListEvents(_ context.Context, limit int) ([]domain.SchedulerEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SchedulerEvent, 0, len(s.events))
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}

func (s *memSchedulerStore) CreateRecurringTask(_ context.Context, rt *domain.RecurringTask) error {
	if rt.Status == "" {
		rt.Status = domain.RecurringTaskActive
	}
	if err := rt.Validate(); err != nil {
		return err
	}
	if rt.CreatedAt.IsZero() {
		rt.CreatedAt = time.Now().UTC()
	}
	if rt.UpdatedAt.IsZero() {
		rt.UpdatedAt = rt.CreatedAt
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rt
	s.recurring[rt.ID] = &cp
	return nil
}

func (s *memSchedulerStore) get(id uuid.UUID) domain.RecurringTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.recurring[id]
}

func (s *memSchedulerStore) list(filter func(*domain.RecurringTask) bool) []domain.RecurringTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RecurringTask
	for _, rt := range s.recurring {
		if filter(rt) {
			out = append(out, *rt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *memSchedulerStore) ListActiveRecurringTasks(context.Context) ([]domain.RecurringTask, error) {
	return s.list(func(rt *domain.RecurringTask) bool { return rt.Status == domain.RecurringTaskActive }), nil
}

func (s *memSchedulerStore) ListDueRecurringTasks(_ context.Context, now time.Time) ([]domain.RecurringTask, error) {
	return s.list(func(rt *domain.RecurringTask) bool {
		return rt.Status == domain.RecurringTaskActive &&
			rt.LastExecutionStatus != domain.ExecutionStatusProcessing &&
			(rt.NextRunAt == nil || !rt.NextRunAt.After(now))
	}), nil
}

func (s *memSchedulerStore) UpdateRecurringRun(_ context.Context, id uuid.UUID, status domain.ExecutionStatus, lastError string, lastRunAt time.Time, nextRunAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.recurring[id]
	if !ok {
		return store.ErrRecurringTaskNotFound
	}
	rt.LastExecutionStatus = status
	rt.LastError = lastError
	rt.LastRunAt = &lastRunAt
	rt.NextRunAt = nextRunAt
	rt.UpdatedAt = lastRunAt
	return nil
}

func (s *memSchedulerStore) MarkRecurringProcessing(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.recurring[id]
	if !ok {
		return store.ErrRecurringTaskNotFound
	}
	rt.LastExecutionStatus = domain.ExecutionStatusProcessing
	rt.UpdatedAt = at
	return nil
}

func (s *memSchedulerStore) ScheduleRecurringRun(_ context.Context, id uuid.UUID, lastRunAt time.Time, nextRunAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.recurring[id]
	if !ok {
		return store.ErrRecurringTaskNotFound
	}
	rt.LastRunAt = &lastRunAt
	rt.NextRunAt = nextRunAt
	return nil
}

func (s *memSchedulerStore) FinishRecurringRun(_ context.Context, id uuid.UUID, status domain.ExecutionStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.recurring[id]
	if !ok || rt.LastExecutionStatus != domain.ExecutionStatusProcessing {
		return store.ErrRecurringTaskNotFound
	}
	rt.LastExecutionStatus = status
	rt.LastError = lastError
	rt.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memSchedulerStore) WithTx(*sql.Tx) store.SchedulerStore { return s }

type startCall struct {
	ownerID  string
	taskType string
	request  json.RawMessage
}

type fakeStarter struct {
	mu    sync.Mutex
	calls []startCall
	fail  map[string]bool
}

func (f *fakeStarter) StartTask(_ context.Context, ownerID, taskType string, request json.RawMessage, _ task.Operation, _ ...task.StartOption) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, startCall{ownerID: ownerID, taskType: taskType, request: request})
	if f.fail[taskType] {
		return uuid.Nil, errors.New("task queue is full")
	}
	return uuid.New(), nil
}

type staticJobs struct {
	jobs     []JobInfo
	counters CycleCounters
}

func (s staticJobs) Jobs() []JobInfo              { return s.jobs }
func (s staticJobs) CycleCounters() CycleCounters { return s.counters }
