package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/taskd/internal/domain"
	"github.com/phrazzld/taskd/internal/events"
	"github.com/phrazzld/taskd/internal/store"
)

// recoverTasks handles tasks left unfinished by a previous process. Tasks
// still pending are queued again when their type is registered; tasks that
// were running were interrupted and are failed.
func (m *Manager) recoverTasks(ctx context.Context, before time.Time) error {
	pending, err := m.store.ListTasksByStatus(ctx, domain.TaskStatusPending, before)
	if err != nil {
		return fmt.Errorf("failed to get pending tasks: %w", err)
	}
	running, err := m.store.ListTasksByStatus(ctx, domain.TaskStatusRunning, before)
	if err != nil {
		return fmt.Errorf("failed to get running tasks: %w", err)
	}

	m.logger.Info("recovering unfinished tasks",
		"pending_count", len(pending),
		"running_count", len(running))

	for i := range running {
		task := &running[i]
		m.fail(ctx, task, lifecyclePayload(domain.ErrorCodeInterrupted,
			"The service restarted while this task was running.", true,
			"Submit the task again"), nil, task.CreatedAt)
	}

	for i := range pending {
		task := &pending[i]
		op, reg, err := m.registry.Build(task.TaskType, task.RequestPayload)
		if err != nil {
			m.logger.Warn("pending task cannot be resumed",
				"task_id", task.ID,
				"task_type", task.TaskType,
				"error", err)
			m.fail(ctx, task, lifecyclePayload(domain.ErrorCodeInterrupted,
				"The service restarted before this task could run.", true,
				"Submit the task again"), nil, task.CreatedAt)
			continue
		}

		item := &workItem{task: task, operation: op, breaker: reg.Breaker, profile: reg.RetryProfile}
		if err := m.queue.Enqueue(item); err != nil {
			m.logger.Error("failed to requeue pending task",
				"task_id", task.ID,
				"task_type", task.TaskType,
				"error", err)
			m.fail(ctx, task, lifecyclePayload(domain.ErrorCodeQueueFull,
				"The service is busy and could not resume the task.", true,
				"Try again in a few minutes"), nil, task.CreatedAt)
			continue
		}
		m.logger.Info("requeued pending task", "task_id", task.ID, "task_type", task.TaskType)
	}
	return nil
}

// RunCleanup deletes terminal tasks older than the retention window once.
func (m *Manager) RunCleanup(ctx context.Context) (deleted int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panicked: %v", r)
		}
	}()
	return m.store.CleanupTerminalTasks(ctx, m.cfg.RetentionDays)
}

// cleanupLoop runs RunCleanup every CleanupInterval. After a failed cycle it
// waits CleanupRetryInterval instead. It only stops when ctx is done.
func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.loops.Done()

	wait := m.cfg.CleanupInterval
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		deleted, err := m.RunCleanup(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = m.cfg.CleanupRetryInterval
			m.logger.Error("task cleanup failed",
				"error", err,
				"retry_in", wait)
		} else {
			wait = m.cfg.CleanupInterval
			m.logger.Debug("task cleanup finished", "deleted", deleted)
		}
		timer.Reset(wait)
	}
}

// FailStuckTasks fails running tasks whose last update is older than
// StuckTaskAge and cancels their operations if they run in this process.
func (m *Manager) FailStuckTasks(ctx context.Context) (int, error) {
	stuck, err := m.store.ListTasksByStatus(ctx, domain.TaskStatusRunning, m.now().Add(-m.cfg.StuckTaskAge))
	if err != nil {
		return 0, fmt.Errorf("failed to check for stuck tasks: %w", err)
	}

	failed := 0
	for i := range stuck {
		task := &stuck[i]
		payload := lifecyclePayload(domain.ErrorCodeTimedOut,
			fmt.Sprintf("The task made no progress for %s and was stopped.", m.cfg.StuckTaskAge), true,
			"Submit the task again")
		err := m.store.UpdateStatus(ctx, task.ID, domain.TaskStatusFailed, store.StatusUpdate{Error: payload})
		if errors.Is(err, store.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			m.logger.Error("failed to fail stuck task", "task_id", task.ID, "error", err)
			continue
		}

		m.mu.Lock()
		cancel := m.running[task.ID]
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		task.Status = domain.TaskStatusFailed
		task.ErrorPayload = payload
		m.emit(ctx, events.TaskStatusChanged, task, nil)
		m.recorder.TaskFinished(task.TaskType, domain.TaskStatusFailed, m.now().Sub(task.CreatedAt))
		m.logger.Warn("failed stuck task",
			"task_id", task.ID,
			"task_type", task.TaskType,
			"last_update", task.UpdatedAt)
		failed++
	}
	return failed, nil
}

func (m *Manager) stuckTaskMonitor(ctx context.Context) {
	defer m.loops.Done()

	ticker := time.NewTicker(m.cfg.StuckCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.FailStuckTasks(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("stuck task check failed", "error", err)
			}
		}
	}
}
