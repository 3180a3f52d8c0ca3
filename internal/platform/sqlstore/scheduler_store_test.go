package sqlstore_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskd/internal/domain"
	"github.com/phrazzld/taskd/internal/platform/sqlstore"
	"github.com/phrazzld/taskd/internal/store"
	"github.com/phrazzld/taskd/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSchedulerStore(t *testing.T) *sqlstore.SchedulerStore {
	t.Helper()
	return sqlstore.NewSchedulerStore(testdb.Open(t), testdb.Logger(t))
}

func TestSchedulerStore_CheckCycleTotalsEmpty(t *testing.T) {
	s := newSchedulerStore(t)

	totals, err := s.CheckCycleTotals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.CheckCycleTotals{}, totals)

	events, err := s.ListEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSchedulerStore_Events(t *testing.T) {
	s := newSchedulerStore(t)
	ctx := context.Background()

	cycles := []domain.SchedulerEvent{
		{EventType: domain.SchedulerEventCheckCycle, TasksFound: 3, TasksExecuted: 2, TasksFailed: 1, CheckCycleNumber: 1},
		{EventType: domain.SchedulerEventCheckCycle, TasksFound: 1, TasksExecuted: 1, CheckCycleNumber: 2},
	}
	for i := range cycles {
		require.NoError(t, s.AppendEvent(ctx, &cycles[i]))
		assert.NotZero(t, cycles[i].ID)
	}
	failed := &domain.SchedulerEvent{
		EventType:    domain.SchedulerEventJobFailed,
		JobID:        "stale-task-monitor",
		JobType:      "interval",
		ErrorMessage: "boom",
		EventData:    map[string]any{"attempt": float64(2)},
	}
	require.NoError(t, s.AppendEvent(ctx, failed))

	totals, err := s.CheckCycleTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckCycleTotals{Cycles: 2, TasksFound: 4, TasksExecuted: 3, TasksFailed: 1}, totals)

	events, err := s.ListEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.SchedulerEventJobFailed, events[0].EventType)
	assert.Equal(t, "stale-task-monitor", events[0].JobID)
	assert.Equal(t, "boom", events[0].ErrorMessage)
	assert.Equal(t, float64(2), events[0].EventData["attempt"])
	assert.Equal(t, int64(2), events[1].CheckCycleNumber)

	err = s.AppendEvent(ctx, &domain.SchedulerEvent{EventType: "unknown"})
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
}

func TestSchedulerStore_RecurringTasks(t *testing.T) {
	s := newSchedulerStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := &domain.RecurringTask{
		ID: uuid.New(), OwnerID: "owner-1", Name: "nightly research", TaskType: "research",
		Schedule: "@daily", Payload: json.RawMessage(`{"keyword":"go"}`), NextRunAt: &past,
	}
	never := &domain.RecurringTask{
		ID: uuid.New(), OwnerID: "owner-1", Name: "first run", TaskType: "outline", Schedule: "@hourly",
	}
	later := &domain.RecurringTask{
		ID: uuid.New(), OwnerID: "owner-1", Name: "later", TaskType: "seo", Schedule: "@hourly", NextRunAt: &future,
	}
	paused := &domain.RecurringTask{
		ID: uuid.New(), OwnerID: "owner-1", Name: "paused", TaskType: "seo", Schedule: "@hourly",
		Status: domain.RecurringTaskPaused, NextRunAt: &past,
	}
	for _, r := range []*domain.RecurringTask{due, never, later, paused} {
		require.NoError(t, s.CreateRecurringTask(ctx, r))
	}

	active, err := s.ListActiveRecurringTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 3)

	dueTasks, err := s.ListDueRecurringTasks(ctx, now)
	require.NoError(t, err)
	require.Len(t, dueTasks, 2)
	ids := []uuid.UUID{dueTasks[0].ID, dueTasks[1].ID}
	assert.ElementsMatch(t, []uuid.UUID{due.ID, never.ID}, ids)

	require.NoError(t, s.MarkRecurringProcessing(ctx, due.ID, now))
	dueTasks, err = s.ListDueRecurringTasks(ctx, now)
	require.NoError(t, err)
	require.Len(t, dueTasks, 1)
	assert.Equal(t, never.ID, dueTasks[0].ID)

	next := now.Add(24 * time.Hour)
	require.NoError(t, s.UpdateRecurringRun(ctx, due.ID, domain.ExecutionStatusFailed, "quota", now, &next))
	active, err = s.ListActiveRecurringTasks(ctx)
	require.NoError(t, err)
	for _, r := range active {
		if r.ID != due.ID {
			continue
		}
		assert.Equal(t, domain.ExecutionStatusFailed, r.LastExecutionStatus)
		assert.Equal(t, "quota", r.LastError)
		require.NotNil(t, r.NextRunAt)
		assert.WithinDuration(t, next, *r.NextRunAt, time.Second)
		assert.JSONEq(t, `{"keyword":"go"}`, string(r.Payload))
	}

	// A started run keeps its processing status until the task finishes.
	require.NoError(t, s.MarkRecurringProcessing(ctx, never.ID, now))
	require.NoError(t, s.ScheduleRecurringRun(ctx, never.ID, now, &next))
	require.NoError(t, s.FinishRecurringRun(ctx, never.ID, domain.ExecutionStatusSuccess, ""))
	err = s.FinishRecurringRun(ctx, never.ID, domain.ExecutionStatusFailed, "late")
	assert.ErrorIs(t, err, store.ErrRecurringTaskNotFound)

	active, err = s.ListActiveRecurringTasks(ctx)
	require.NoError(t, err)
	for _, r := range active {
		if r.ID != never.ID {
			continue
		}
		assert.Equal(t, domain.ExecutionStatusSuccess, r.LastExecutionStatus)
		assert.Empty(t, r.LastError)
		require.NotNil(t, r.LastRunAt)
		require.NotNil(t, r.NextRunAt)
		assert.WithinDuration(t, next, *r.NextRunAt, time.Second)
	}

	err = s.ScheduleRecurringRun(ctx, uuid.New(), now, &next)
	assert.ErrorIs(t, err, store.ErrRecurringTaskNotFound)

	err = s.MarkRecurringProcessing(ctx, uuid.New(), now)
	assert.ErrorIs(t, err, store.ErrRecurringTaskNotFound)

	err = s.CreateRecurringTask(ctx, &domain.RecurringTask{ID: uuid.New(), OwnerID: "o", TaskType: "x", Schedule: "@daily"})
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
}
