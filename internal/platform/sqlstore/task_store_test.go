package sqlstore_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
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

func newTaskStore(t *testing.T) (*sqlstore.TaskStore, *sqlstore.DB) {
	t.Helper()
	db := testdb.Open(t)
	return sqlstore.NewTaskStore(db, testdb.Logger(t)), db
}

func createTask(t *testing.T, s *sqlstore.TaskStore, owner string, opts ...domain.TaskOption) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(owner, "research", json.RawMessage(`{"keyword":"golang"}`), opts...)
	require.NoError(t, err)
	_, err = s.CreateTask(context.Background(), task)
	require.NoError(t, err)
	return task
}

func TestTaskStore_CreateAndGet(t *testing.T) {
	s, _ := newTaskStore(t)
	ctx := context.Background()

	task := createTask(t, s, "owner-1",
		domain.WithPriority(3),
		domain.WithMetadata(map[string]any{"source": "api"}),
	)

	snap, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)

	got := snap.Task
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.Equal(t, domain.TaskStatusPending, got.Status)
	assert.JSONEq(t, `{"keyword":"golang"}`, string(got.RequestPayload))
	assert.Equal(t, 3, got.Priority)
	assert.Equal(t, domain.DefaultMaxRetries, got.MaxRetries)
	assert.Equal(t, "api", got.Metadata["source"])
	assert.Nil(t, got.ResultPayload)
	assert.Nil(t, got.ErrorPayload)
	assert.Nil(t, got.CompletedAt)
	assert.WithinDuration(t, task.CreatedAt, got.CreatedAt, time.Second)
	assert.Empty(t, snap.Progress)
}

func TestTaskStore_GetMissing(t *testing.T) {
	s, _ := newTaskStore(t)

	snap, err := s.GetTask(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestTaskStore_CreateValidation(t *testing.T) {
	s, _ := newTaskStore(t)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, &domain.Task{ID: uuid.New(), TaskType: "research"})
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
	assert.ErrorIs(t, err, domain.ErrEmptyTaskOwnerID)

	task := createTask(t, s, "owner-1")
	dup := *task
	_, err = s.CreateTask(ctx, &dup)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	running, err := domain.NewTask("owner-1", "research", nil)
	require.NoError(t, err)
	running.Status = domain.TaskStatusRunning
	_, err = s.CreateTask(ctx, running)
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
}

func TestTaskStore_UpdateStatus(t *testing.T) {
	s, _ := newTaskStore(t)
	ctx := context.Background()

	t.Run("completed with result", func(t *testing.T) {
		task := createTask(t, s, "owner-1")

		require.NoError(t, s.UpdateStatus(ctx, task.ID, domain.TaskStatusRunning, store.StatusUpdate{}))
		require.NoError(t, s.UpdateStatus(ctx, task.ID, domain.TaskStatusCompleted, store.StatusUpdate{
			Result: json.RawMessage(`{"articles":3}`),
		}))

		snap, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCompleted, snap.Task.Status)
		assert.JSONEq(t, `{"articles":3}`, string(snap.Task.ResultPayload))
		require.NotNil(t, snap.Task.CompletedAt)
	})

	t.Run("failed with error payload", func(t *testing.T) {
		task := createTask(t, s, "owner-1")
		completedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

		err := s.UpdateStatus(ctx, task.ID, domain.TaskStatusFailed, store.StatusUpdate{
			Error: &domain.ErrorPayload{
				ErrorCode:       domain.ErrorCodeDomainFailure,
				UserMessage:     "no competitors found",
				RetrySuggested:  true,
				ActionableSteps: []string{"try a broader keyword"},
			},
			CompletedAt: &completedAt,
		})
		require.NoError(t, err)

		snap, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		require.NotNil(t, snap.Task.ErrorPayload)
		assert.Equal(t, "no competitors found", snap.Task.ErrorPayload.UserMessage)
		assert.True(t, snap.Task.ErrorPayload.RetrySuggested)
		assert.Equal(t, []string{"try a broader keyword"}, snap.Task.ErrorPayload.ActionableSteps)
		require.NotNil(t, snap.Task.CompletedAt)
		assert.True(t, completedAt.Equal(*snap.Task.CompletedAt))
	})

	t.Run("terminal statuses are final", func(t *testing.T) {
		task := createTask(t, s, "owner-1")
		require.NoError(t, s.UpdateStatus(ctx, task.ID, domain.TaskStatusCancelled, store.StatusUpdate{}))

		for _, next := range []domain.TaskStatus{domain.TaskStatusRunning, domain.TaskStatusCompleted, domain.TaskStatusFailed} {
			err := s.UpdateStatus(ctx, task.ID, next, store.StatusUpdate{})
			assert.ErrorIs(t, err, store.ErrInvalidTransition, "cancelled -> %s", next)
		}

		snap, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCancelled, snap.Task.Status)
	})

	t.Run("no move back to pending", func(t *testing.T) {
		task := createTask(t, s, "owner-1")
		require.NoError(t, s.UpdateStatus(ctx, task.ID, domain.TaskStatusRunning, store.StatusUpdate{}))

		err := s.UpdateStatus(ctx, task.ID, domain.TaskStatusPending, store.StatusUpdate{})
		assert.ErrorIs(t, err, store.ErrInvalidTransition)
		err = s.UpdateStatus(ctx, task.ID, domain.TaskStatusRunning, store.StatusUpdate{})
		assert.ErrorIs(t, err, store.ErrInvalidTransition)
	})

	t.Run("missing task", func(t *testing.T) {
		err := s.UpdateStatus(ctx, uuid.New(), domain.TaskStatusRunning, store.StatusUpdate{})
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
		assert.True(t, store.IsNotFoundError(err))
	})

	t.Run("invalid status", func(t *testing.T) {
		task := createTask(t, s, "owner-1")
		err := s.UpdateStatus(ctx, task.ID, domain.TaskStatus("paused"), store.StatusUpdate{})
		assert.ErrorIs(t, err, store.ErrInvalidEntity)
	})
}

func TestTaskStore_AppendProgress(t *testing.T) {
	s, _ := newTaskStore(t)
	ctx := context.Background()

	t.Run("first progress marks pending task running", func(t *testing.T) {
		task := createTask(t, s, "owner-1")

		ev, err := domain.NewProgressEvent(task.ID, "starting research", 0, domain.ProgressTypeInfo)
		require.NoError(t, err)
		require.NoError(t, s.AppendProgress(ctx, ev))
		assert.NotZero(t, ev.ID)

		snap, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusRunning, snap.Task.Status)
		require.Len(t, snap.Progress, 1)
		assert.Equal(t, "starting research", snap.Progress[0].Message)
		require.NotNil(t, snap.Progress[0].Percentage)
		assert.Equal(t, 0, *snap.Progress[0].Percentage)

		ev2, err := domain.NewProgressEvent(task.ID, "halfway", 50, domain.ProgressTypeInfo)
		require.NoError(t, err)
		ev2.Metadata = map[string]any{"step": "outline"}
		require.NoError(t, s.AppendProgress(ctx, ev2))

		snap, err = s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusRunning, snap.Task.Status)
		require.Len(t, snap.Progress, 2)
		assert.Equal(t, "halfway", snap.Progress[0].Message, "newest first")
		assert.Equal(t, "outline", snap.Progress[0].Metadata["step"])
	})

	t.Run("terminal task rejects progress", func(t *testing.T) {
		task := createTask(t, s, "owner-1")
		require.NoError(t, s.UpdateStatus(ctx, task.ID, domain.TaskStatusCompleted, store.StatusUpdate{}))

		ev, err := domain.NewProgressEvent(task.ID, "late", -1, domain.ProgressTypeInfo)
		require.NoError(t, err)
		err = s.AppendProgress(ctx, ev)
		assert.ErrorIs(t, err, store.ErrTaskTerminal)

		snap, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCompleted, snap.Task.Status)
		assert.Empty(t, snap.Progress)
	})

	t.Run("missing task", func(t *testing.T) {
		ev, err := domain.NewProgressEvent(uuid.New(), "orphan", -1, domain.ProgressTypeInfo)
		require.NoError(t, err)
		assert.ErrorIs(t, s.AppendProgress(ctx, ev), store.ErrTaskNotFound)
	})

	t.Run("snapshot caps progress", func(t *testing.T) {
		task := createTask(t, s, "owner-1")
		base := time.Now().UTC()
		for i := 0; i < store.DefaultProgressLimit+5; i++ {
			ev, err := domain.NewProgressEvent(task.ID, fmt.Sprintf("step %d", i), -1, domain.ProgressTypeInfo)
			require.NoError(t, err)
			ev.Timestamp = base.Add(time.Duration(i) * time.Millisecond)
			require.NoError(t, s.AppendProgress(ctx, ev))
		}

		snap, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		require.Len(t, snap.Progress, store.DefaultProgressLimit)
		assert.Equal(t, fmt.Sprintf("step %d", store.DefaultProgressLimit+4), snap.Progress[0].Message)
	})
}

func TestTaskStore_IncrementRetryCount(t *testing.T) {
	s, _ := newTaskStore(t)
	ctx := context.Background()

	task := createTask(t, s, "owner-1", domain.WithMaxRetries(2))

	n, err := s.IncrementRetryCount(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.IncrementRetryCount(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.IncrementRetryCount(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrRetriesExhausted)

	_, err = s.IncrementRetryCount(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestTaskStore_RecordMetrics(t *testing.T) {
	s, _ := newTaskStore(t)
	ctx := context.Background()

	task := createTask(t, s, "owner-1")
	m := &domain.TaskMetrics{
		TaskID:     task.ID,
		Operation:  "research",
		DurationMS: 1200,
		TokenUsage: map[string]int{"input": 100, "output": 40},
		APICalls:   2,
		ErrorCount: 1,
	}
	require.NoError(t, s.RecordMetrics(ctx, m))
	assert.NotZero(t, m.ID)

	rows, err := s.ListMetrics(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1200), rows[0].DurationMS)
	assert.Equal(t, 140, rows[0].TokenUsage["input"]+rows[0].TokenUsage["output"])
	assert.Equal(t, 1, rows[0].ErrorCount)

	err = s.RecordMetrics(ctx, &domain.TaskMetrics{TaskID: uuid.New(), Operation: "research"})
	assert.ErrorIs(t, err, store.ErrInvalidEntity, "foreign key violation")
}

func TestTaskStore_ListTasks(t *testing.T) {
	s, _ := newTaskStore(t)
	ctx := context.Background()

	var ids []uuid.UUID
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		task, err := domain.NewTask("owner-a", "research", nil)
		require.NoError(t, err)
		task.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		_, err = s.CreateTask(ctx, task)
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}
	createTask(t, s, "owner-b")
	require.NoError(t, s.UpdateStatus(ctx, ids[0], domain.TaskStatusFailed, store.StatusUpdate{}))

	all, err := s.ListTasks(ctx, store.ListTasksParams{})
	require.NoError(t, err)
	assert.Len(t, all, 6)

	owned, err := s.ListTasks(ctx, store.ListTasksParams{OwnerID: "owner-a", Limit: 2})
	require.NoError(t, err)
	require.Len(t, owned, 2)
	assert.Equal(t, ids[4], owned[0].ID)
	assert.Equal(t, ids[3], owned[1].ID)

	page2, err := s.ListTasks(ctx, store.ListTasksParams{OwnerID: "owner-a", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, ids[2], page2[0].ID)

	failed := domain.TaskStatusFailed
	onlyFailed, err := s.ListTasks(ctx, store.ListTasksParams{OwnerID: "owner-a", Status: &failed})
	require.NoError(t, err)
	require.Len(t, onlyFailed, 1)
	assert.Equal(t, ids[0], onlyFailed[0].ID)
	assert.NotNil(t, onlyFailed[0].CompletedAt)

	none, err := s.ListTasks(ctx, store.ListTasksParams{OwnerID: "nobody"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestTaskStore_ListTasksByStatus(t *testing.T) {
	s, _ := newTaskStore(t)
	ctx := context.Background()

	low := createTask(t, s, "owner-1", domain.WithPriority(1))
	high := createTask(t, s, "owner-1", domain.WithPriority(9))
	done := createTask(t, s, "owner-1")
	require.NoError(t, s.UpdateStatus(ctx, done.ID, domain.TaskStatusCompleted, store.StatusUpdate{}))

	tasks, err := s.ListTasksByStatus(ctx, domain.TaskStatusPending, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, high.ID, tasks[0].ID)
	assert.Equal(t, low.ID, tasks[1].ID)

	tasks, err = s.ListTasksByStatus(ctx, domain.TaskStatusPending, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestTaskStore_CleanupTerminalTasksIsIdempotent(t *testing.T) {
	s, _ := newTaskStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	var oldTerminal, oldRunning *domain.Task
	for i, status := range []domain.TaskStatus{domain.TaskStatusCompleted, domain.TaskStatusFailed, domain.TaskStatusCancelled, domain.TaskStatusRunning} {
		task, err := domain.NewTask("owner-1", "research", nil)
		require.NoError(t, err)
		task.CreatedAt = old
		_, err = s.CreateTask(ctx, task)
		require.NoError(t, err)

		ev, err := domain.NewProgressEvent(task.ID, fmt.Sprintf("event %d", i), -1, domain.ProgressTypeInfo)
		require.NoError(t, err)
		require.NoError(t, s.AppendProgress(ctx, ev))
		require.NoError(t, s.RecordMetrics(ctx, &domain.TaskMetrics{TaskID: task.ID, Operation: "research"}))

		if status != domain.TaskStatusRunning {
			require.NoError(t, s.UpdateStatus(ctx, task.ID, status, store.StatusUpdate{}))
			oldTerminal = task
		} else {
			oldRunning = task
		}
	}
	recent := createTask(t, s, "owner-1")
	require.NoError(t, s.UpdateStatus(ctx, recent.ID, domain.TaskStatusCompleted, store.StatusUpdate{}))

	deleted, err := s.CleanupTerminalTasks(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	deleted, err = s.CleanupTerminalTasks(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	snap, err := s.GetTask(ctx, oldTerminal.ID)
	require.NoError(t, err)
	assert.Nil(t, snap)
	metrics, err := s.ListMetrics(ctx, oldTerminal.ID)
	require.NoError(t, err)
	assert.Empty(t, metrics)

	for _, id := range []uuid.UUID{oldRunning.ID, recent.ID} {
		snap, err := s.GetTask(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, snap)
	}
}

func TestTaskStore_AggregateAnalytics(t *testing.T) {
	s, _ := newTaskStore(t)
	ctx := context.Background()

	a := createTask(t, s, "owner-1")
	b := createTask(t, s, "owner-1")
	createTask(t, s, "owner-1")
	require.NoError(t, s.UpdateStatus(ctx, a.ID, domain.TaskStatusCompleted, store.StatusUpdate{}))
	require.NoError(t, s.UpdateStatus(ctx, b.ID, domain.TaskStatusFailed, store.StatusUpdate{}))

	old, err := domain.NewTask("owner-1", "outline", nil)
	require.NoError(t, err)
	old.CreatedAt = time.Now().UTC().Add(-10 * 24 * time.Hour)
	_, err = s.CreateTask(ctx, old)
	require.NoError(t, err)

	other := createTask(t, s, "owner-2")
	require.NoError(t, s.UpdateStatus(ctx, other.ID, domain.TaskStatusCompleted, store.StatusUpdate{}))

	analytics, err := s.AggregateAnalytics(ctx, "owner-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 7, analytics.WindowDays)
	assert.Equal(t, 3, analytics.Summary.Total)
	assert.Equal(t, 1, analytics.Summary.Completed)
	assert.Equal(t, 1, analytics.Summary.Failed)
	assert.Equal(t, 1, analytics.Summary.Active)
	assert.InDelta(t, 0.5, analytics.Summary.SuccessRate, 0.0001)
	assert.NotContains(t, analytics.ByTaskType, "outline")

	all, err := s.AggregateAnalytics(ctx, "", 7)
	require.NoError(t, err)
	assert.Equal(t, 4, all.Summary.Total)
	assert.Equal(t, 2, all.Summary.Completed)
	assert.InDelta(t, 2.0/3.0, all.Summary.SuccessRate, 0.0001)
}

func TestTaskStore_WithTx(t *testing.T) {
	s, db := newTaskStore(t)
	ctx := context.Background()

	task, err := domain.NewTask("owner-1", "research", nil)
	require.NoError(t, err)

	err = store.RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := s.WithTx(tx).CreateTask(ctx, task); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	snap, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, snap, "rolled back")
}

// Many tasks for one owner receive progress from concurrent workers; every
// event is stored and every task ends in a terminal state.
func TestTaskStore_ConcurrentProgress(t *testing.T) {
	s, _ := newTaskStore(t)
	ctx := context.Background()

	const (
		taskCount      = 100
		eventsPerTask  = 3
		workersPerTask = 2
	)

	tasks := make([]*domain.Task, taskCount)
	var wg sync.WaitGroup
	errs := make(chan error, taskCount*(workersPerTask*eventsPerTask+1))
	for i := range tasks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := domain.NewTask("owner-1", "research", nil)
			if err != nil {
				errs <- err
				return
			}
			if _, err := s.CreateTask(ctx, task); err != nil {
				errs <- err
				return
			}
			tasks[i] = task
		}(i)
	}
	wg.Wait()

	terminal := []domain.TaskStatus{domain.TaskStatusCompleted, domain.TaskStatusFailed, domain.TaskStatusCancelled}
	for i, task := range tasks {
		require.NotNil(t, task)
		wg.Add(1)
		go func(i int, task *domain.Task) {
			defer wg.Done()

			var workers sync.WaitGroup
			for w := 0; w < workersPerTask; w++ {
				workers.Add(1)
				go func(w int) {
					defer workers.Done()
					for e := 0; e < eventsPerTask; e++ {
						ev, err := domain.NewProgressEvent(task.ID, fmt.Sprintf("worker %d event %d", w, e), -1, domain.ProgressTypeInfo)
						if err == nil {
							err = s.AppendProgress(ctx, ev)
						}
						if err != nil {
							errs <- err
						}
					}
				}(w)
			}
			workers.Wait()

			if err := s.UpdateStatus(ctx, task.ID, terminal[i%len(terminal)], store.StatusUpdate{}); err != nil {
				errs <- err
			}
		}(i, task)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	summaries, err := s.ListTasks(ctx, store.ListTasksParams{OwnerID: "owner-1", Limit: 100})
	require.NoError(t, err)
	require.Len(t, summaries, taskCount)
	for _, ts := range summaries {
		assert.True(t, ts.Status.IsTerminal(), "task %s left %s", ts.ID, ts.Status)
	}

	var stored int
	for _, task := range tasks {
		snap, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		stored += len(snap.Progress)
	}
	assert.Equal(t, taskCount*workersPerTask*eventsPerTask, stored)
}
