package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskd/internal/domain"
	"github.com/phrazzld/taskd/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

func newRuntime(t *testing.T, s *memSchedulerStore, starter TaskStarter) *CronRuntime {
	t.Helper()
	r := NewCronRuntime(s, starter, time.Hour, logger.Discard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return r
}

func seedRecurring(t *testing.T, s *memSchedulerStore, name, taskType, schedule string, next *time.Time) uuid.UUID {
	t.Helper()
	rt := &domain.RecurringTask{
		ID:        uuid.New(),
		OwnerID:   "owner-" + name,
		Name:      name,
		TaskType:  taskType,
		Schedule:  schedule,
		Payload:   json.RawMessage(`{"name":"` + name + `"}`),
		NextRunAt: next,
	}
	require.NoError(t, s.CreateRecurringTask(context.Background(), rt))
	return rt.ID
}

func TestRunCheckCycle(t *testing.T) {
	t.Parallel()

	s := newMemSchedulerStore()
	starter := &fakeStarter{fail: map[string]bool{"seo": true}}
	r := newRuntime(t, s, starter)

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	ok := seedRecurring(t, s, "a-research", "research", "0 * * * *", &past)
	bad := seedRecurring(t, s, "b-seo", "seo", "*/5 * * * *", nil)
	notDue := seedRecurring(t, s, "c-content", "content", "0 0 * * *", &future)

	event, err := r.RunCheckCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, event.TasksFound)
	assert.Equal(t, 1, event.TasksExecuted)
	assert.Equal(t, 1, event.TasksFailed)
	assert.Equal(t, int64(1), event.CheckCycleNumber)
	assert.Equal(t, 3600, event.CheckIntervalSeconds)

	require.Len(t, starter.calls, 2)
	assert.Equal(t, "owner-a-research", starter.calls[0].ownerID)
	assert.JSONEq(t, `{"name":"a-research"}`, string(starter.calls[0].request))

	rt := s.get(ok)
	assert.Equal(t, domain.ExecutionStatusProcessing, rt.LastExecutionStatus)
	require.NotNil(t, rt.NextRunAt)
	assert.True(t, rt.NextRunAt.After(time.Now()))
	assert.NotNil(t, rt.LastRunAt)

	rt = s.get(bad)
	assert.Equal(t, domain.ExecutionStatusFailed, rt.LastExecutionStatus)
	assert.Contains(t, rt.LastError, "queue is full")

	rt = s.get(notDue)
	assert.Equal(t, domain.ExecutionStatusNone, rt.LastExecutionStatus)

	assert.Equal(t, CycleCounters{Cycles: 1, TasksFound: 2, TasksExecuted: 1, TasksFailed: 1}, r.CycleCounters())
	require.Len(t, s.eventsOfType(domain.SchedulerEventCheckCycle), 1)

	// Nothing is due on the next cycle.
	event, err = r.RunCheckCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, event.TasksFound)
	assert.Equal(t, int64(2), event.CheckCycleNumber)
}

func TestRunCheckCycle_SkipsProcessing(t *testing.T) {
	t.Parallel()

	s := newMemSchedulerStore()
	starter := &fakeStarter{}
	r := newRuntime(t, s, starter)

	id := seedRecurring(t, s, "a", "research", "@every 1h", nil)
	require.NoError(t, s.MarkRecurringProcessing(context.Background(), id, time.Now()))

	event, err := r.RunCheckCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, event.TasksFound)
	assert.Empty(t, starter.calls)
}

func TestRunCheckCycle_WithoutStarter(t *testing.T) {
	t.Parallel()

	s := newMemSchedulerStore()
	r := newRuntime(t, s, nil)
	id := seedRecurring(t, s, "a", "research", "not a schedule", nil)

	event, err := r.RunCheckCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, event.TasksFailed)

	rt := s.get(id)
	assert.Equal(t, domain.ExecutionStatusFailed, rt.LastExecutionStatus)
	require.NotNil(t, rt.NextRunAt)
	assert.WithinDuration(t, time.Now().Add(invalidScheduleDelay), *rt.NextRunAt, time.Minute)
}

func TestRunCheckCycle_EventLogFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	s := newMemSchedulerStore()
	s.appendErr = errors.New("disk full")
	r := newRuntime(t, s, &fakeStarter{})
	seedRecurring(t, s, "a", "research", "@every 1h", nil)

	event, err := r.RunCheckCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, event.TasksExecuted)
	assert.Equal(t, int64(1), r.CycleCounters().Cycles)
}

func TestRegisterRecurring(t *testing.T) {
	t.Parallel()

	s := newMemSchedulerStore()
	r := newRuntime(t, s, nil)

	rt := &domain.RecurringTask{OwnerID: "owner-1", Name: "weekly", TaskType: "seo", Schedule: "0 9 * * 1"}
	require.NoError(t, r.RegisterRecurring(context.Background(), rt))
	assert.NotEqual(t, uuid.Nil, rt.ID)
	require.NotNil(t, rt.NextRunAt)
	assert.Equal(t, time.Monday, rt.NextRunAt.Weekday())
	assert.Equal(t, 9, rt.NextRunAt.Hour())

	err := r.RegisterRecurring(context.Background(), &domain.RecurringTask{OwnerID: "o", Name: "n", TaskType: "seo", Schedule: "every day"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAddJob(t *testing.T) {
	t.Parallel()

	s := newMemSchedulerStore()
	r := newRuntime(t, s, nil)
	ctx := context.Background()

	noop := func(context.Context) error { return nil }
	require.NoError(t, r.AddJob(ctx, "token_refresh_user_42", "0 3 * * *", "token_refresh", nil, noop))
	require.NoError(t, r.AddJob(ctx, "digest", "@every 6h", "digest", map[string]any{"owner_id": "owner-7"}, noop))
	assert.ErrorIs(t, r.AddJob(ctx, "broken", "61 * * * *", "x", nil, noop), domain.ErrValidation)

	jobs := map[string]JobInfo{}
	for _, j := range r.Jobs() {
		jobs[j.ID] = j
	}
	require.Len(t, jobs, 2)
	assert.Equal(t, TriggerCron, jobs["token_refresh_user_42"].TriggerType)
	assert.Equal(t, TriggerInterval, jobs["digest"].TriggerType)
	require.NotNil(t, jobs["token_refresh_user_42"].NextRun)
	assert.Equal(t, 3, jobs["token_refresh_user_42"].NextRun.Hour())
	assert.Equal(t, "token_refresh", jobs["token_refresh_user_42"].Kwargs["job_type"])

	scheduled := s.eventsOfType(domain.SchedulerEventJobScheduled)
	require.Len(t, scheduled, 2)
	assert.Equal(t, "42", scheduled[0].UserID)
	assert.Equal(t, "owner-7", scheduled[1].UserID)

	// Re-adding replaces the job.
	require.NoError(t, r.AddJob(ctx, "digest", "@every 12h", "digest", nil, noop))
	assert.Len(t, r.Jobs(), 2)

	assert.True(t, r.RemoveJob("digest"))
	assert.False(t, r.RemoveJob("digest"))
	assert.Len(t, r.Jobs(), 1)
}

func TestCronRuntime_RunsJobs(t *testing.T) {
	t.Parallel()

	s := newMemSchedulerStore()
	r := newRuntime(t, s, nil)
	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	assert.Error(t, r.Start(ctx))

	var okRuns, onceRuns atomic.Int32
	require.NoError(t, r.AddJob(ctx, "ticker", "@every 1s", "ticker", nil, func(context.Context) error {
		okRuns.Add(1)
		return nil
	}))
	require.NoError(t, r.AddJob(ctx, "flaky", "@every 1s", "flaky", nil, func(context.Context) error {
		panic("flaky job")
	}))
	require.NoError(t, r.AddOneTimeJob(ctx, "once", time.Now().Add(50*time.Millisecond), "once", nil, func(context.Context) error {
		onceRuns.Add(1)
		return nil
	}))
	assert.ErrorIs(t, r.AddOneTimeJob(ctx, "late", time.Now().Add(-time.Second), "late", nil, nil), domain.ErrValidation)

	require.Eventually(t, func() bool {
		return okRuns.Load() >= 1 && onceRuns.Load() == 1 &&
			len(s.eventsOfType(domain.SchedulerEventJobFailed)) >= 1
	}, waitTimeout, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, j := range r.Jobs() {
			if j.ID == "once" {
				return false
			}
		}
		return true
	}, waitTimeout, 10*time.Millisecond)

	failed := s.eventsOfType(domain.SchedulerEventJobFailed)
	assert.Equal(t, "flaky", failed[0].JobID)
	assert.Contains(t, failed[0].ErrorMessage, "job panicked")

	ids := map[string]bool{}
	for _, j := range r.Jobs() {
		ids[j.ID] = true
	}
	assert.True(t, ids[CheckCycleJobID])

	stopCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	require.NoError(t, r.Stop(stopCtx))
	assert.Len(t, s.eventsOfType(domain.SchedulerEventStart), 1)
	assert.Len(t, s.eventsOfType(domain.SchedulerEventStop), 1)
	assert.Equal(t, int32(1), onceRuns.Load())
}

func TestOnceSchedule(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s := onceSchedule{at: at}
	assert.Equal(t, at, s.Next(at.Add(-time.Minute)))
	assert.True(t, s.Next(at).IsZero())
	assert.True(t, s.Next(at.Add(time.Minute)).IsZero())
}
