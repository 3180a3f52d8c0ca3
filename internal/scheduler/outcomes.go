package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/taskd/internal/domain"
	"github.com/phrazzld/taskd/internal/events"
	"github.com/phrazzld/taskd/internal/redact"
	"github.com/phrazzld/taskd/internal/store"
)

// RecurringTaskIDKey is the task metadata key linking a task to the recurring
// task that started it.
const RecurringTaskIDKey = "recurring_task_id"

// RecurringOutcomes is an events.EventHandler that writes the terminal status
// of tasks started by the check cycle back onto their recurring task.
type RecurringOutcomes struct {
	store  store.SchedulerStore
	logger *slog.Logger
}

var _ events.EventHandler = (*RecurringOutcomes)(nil)

// NewRecurringOutcomes creates a handler writing to schedulerStore.
func NewRecurringOutcomes(schedulerStore store.SchedulerStore, logger *slog.Logger) *RecurringOutcomes {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecurringOutcomes{
		store:  schedulerStore,
		logger: logger.With("component", "recurring_outcomes"),
	}
}

// HandleEvent ignores everything except terminal status changes of tasks
// carrying RecurringTaskIDKey.
func (h *RecurringOutcomes) HandleEvent(ctx context.Context, event *events.TaskEvent) error {
	if event.Type != events.TaskStatusChanged || !event.Status.IsTerminal() {
		return nil
	}
	raw, _ := event.Metadata[RecurringTaskIDKey].(string)
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.logger.Warn("task carries a malformed recurring task id",
			"task_id", event.TaskID,
			"recurring_task_id", raw)
		return nil
	}

	status, lastError := domain.ExecutionStatusSuccess, ""
	if event.Status != domain.TaskStatusCompleted {
		status, lastError = domain.ExecutionStatusFailed, failureMessage(event)
	}

	err = h.store.FinishRecurringRun(ctx, id, status, lastError)
	switch {
	case errors.Is(err, store.ErrRecurringTaskNotFound):
		h.logger.Debug("recurring task is no longer processing",
			"recurring_task_id", id,
			"task_id", event.TaskID)
		return nil
	case err != nil:
		return fmt.Errorf("failed to record recurring run outcome: %w", err)
	}

	h.logger.Info("recurring run finished",
		"recurring_task_id", id,
		"task_id", event.TaskID,
		"status", status)
	return nil
}

func failureMessage(event *events.TaskEvent) string {
	if event.Error == nil {
		return "task " + string(event.Status)
	}
	if event.Error.ErrorMessage != "" {
		return redact.String(event.Error.ErrorMessage)
	}
	return redact.String(event.Error.UserMessage)
}
