package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// SchedulerEventType identifies a scheduler lifecycle event
type SchedulerEventType string

// Possible scheduler event types
const (
	SchedulerEventCheckCycle         SchedulerEventType = "check_cycle"
	SchedulerEventJobScheduled       SchedulerEventType = "job_scheduled"
	SchedulerEventJobCompleted       SchedulerEventType = "job_completed"
	SchedulerEventJobFailed          SchedulerEventType = "job_failed"
	SchedulerEventIntervalAdjustment SchedulerEventType = "interval_adjustment"
	SchedulerEventStart              SchedulerEventType = "start"
	SchedulerEventStop               SchedulerEventType = "stop"
)

// ErrInvalidSchedulerEvent is returned for events with an unknown type.
var ErrInvalidSchedulerEvent = errors.New("invalid scheduler event type")

// SchedulerEvent is one append-only row of the scheduler event log.
type SchedulerEvent struct {
	ID                   int64              `json:"id"`
	EventType            SchedulerEventType `json:"event_type"`
	EventDate            time.Time          `json:"event_date"`
	TasksFound           int                `json:"tasks_found"`
	TasksExecuted        int                `json:"tasks_executed"`
	TasksFailed          int                `json:"tasks_failed"`
	CheckCycleNumber     int64              `json:"check_cycle_number"`
	CheckIntervalSeconds int                `json:"check_interval_seconds,omitempty"`
	PreviousIntervalSecs int                `json:"previous_interval_seconds,omitempty"`
	JobID                string             `json:"job_id,omitempty"`
	JobType              string             `json:"job_type,omitempty"`
	UserID               string             `json:"user_id,omitempty"`
	EventData            map[string]any     `json:"event_data,omitempty"`
	ErrorMessage         string             `json:"error_message,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
}

// Validate checks the event type.
func (e *SchedulerEvent) Validate() error {
	switch e.EventType {
	case SchedulerEventCheckCycle, SchedulerEventJobScheduled, SchedulerEventJobCompleted,
		SchedulerEventJobFailed, SchedulerEventIntervalAdjustment, SchedulerEventStart,
		SchedulerEventStop:
		return nil
	default:
		return ErrInvalidSchedulerEvent
	}
}

// CheckCycleTotals sums all check_cycle events.
type CheckCycleTotals struct {
	Cycles        int64 `json:"total_check_cycles"`
	TasksFound    int64 `json:"tasks_found"`
	TasksExecuted int64 `json:"tasks_executed"`
	TasksFailed   int64 `json:"tasks_failed"`
}

// RecurringTaskStatus is the activation state of a persisted recurring task
type RecurringTaskStatus string

// Possible recurring task statuses
const (
	RecurringTaskActive   RecurringTaskStatus = "active"
	RecurringTaskPaused   RecurringTaskStatus = "paused"
	RecurringTaskDisabled RecurringTaskStatus = "disabled"
)

// ExecutionStatus is the outcome of the latest run of a recurring task
type ExecutionStatus string

// Possible execution statuses
const (
	ExecutionStatusNone       ExecutionStatus = ""
	ExecutionStatusProcessing ExecutionStatus = "processing"
	ExecutionStatusSuccess    ExecutionStatus = "success"
	ExecutionStatusFailed     ExecutionStatus = "failed"
)

// Common validation errors for RecurringTask
var (
	ErrEmptyRecurringName     = errors.New("recurring task name cannot be empty")
	ErrEmptyRecurringSchedule = errors.New("recurring task schedule cannot be empty")
)

// RecurringTask is database-driven recurring work that is not registered in
// the live scheduler: the scheduler's check cycle picks it up when due.
type RecurringTask struct {
	ID                  uuid.UUID           `json:"id"`
	OwnerID             string              `json:"owner_id"`
	Name                string              `json:"name"`
	TaskType            string              `json:"task_type"`
	Schedule            string              `json:"schedule"`
	Payload             json.RawMessage     `json:"payload,omitempty"`
	Status              RecurringTaskStatus `json:"status"`
	LastExecutionStatus ExecutionStatus     `json:"last_execution_status,omitempty"`
	LastError           string              `json:"last_error,omitempty"`
	LastRunAt           *time.Time          `json:"last_run_at,omitempty"`
	NextRunAt           *time.Time          `json:"next_run_at,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// Validate checks if the RecurringTask has valid data.
func (r *RecurringTask) Validate() error {
	if r.ID == uuid.Nil {
		return ErrEmptyTaskID
	}
	if r.OwnerID == "" {
		return ErrEmptyTaskOwnerID
	}
	if r.Name == "" {
		return ErrEmptyRecurringName
	}
	if r.TaskType == "" {
		return ErrEmptyTaskType
	}
	if r.Schedule == "" {
		return ErrEmptyRecurringSchedule
	}
	return nil
}
