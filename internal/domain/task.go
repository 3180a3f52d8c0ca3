package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// DefaultMaxRetries is applied when a task is created without an explicit retry limit.
const DefaultMaxRetries = 3

// Common validation errors for Task
var (
	ErrEmptyTaskID       = errors.New("task ID cannot be empty")
	ErrEmptyTaskOwnerID  = errors.New("task owner ID cannot be empty")
	ErrEmptyTaskType     = errors.New("task type cannot be empty")
	ErrInvalidTaskStatus = errors.New("invalid task status")
	ErrNegativeRetries   = errors.New("max retries cannot be negative")
)

// TerminalStatuses lists the statuses from which no further transition occurs.
func TerminalStatuses() []TaskStatus {
	return []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled}
}

// IsTerminal reports whether the status is completed, failed or cancelled.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsValid reports whether the status is one of the known values.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next keeps the status
// sequence monotonic: pending -> running -> terminal, with pending allowed
// to jump straight to a terminal state.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusRunning || next.IsTerminal()
	case TaskStatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// PredecessorsOf returns the statuses a task may be in before moving to next.
func PredecessorsOf(next TaskStatus) []TaskStatus {
	var out []TaskStatus
	for _, s := range []TaskStatus{TaskStatusPending, TaskStatusRunning} {
		if s.CanTransitionTo(next) {
			out = append(out, s)
		}
	}
	return out
}

// Task is a trackable, asynchronously executed unit of work.
type Task struct {
	ID             uuid.UUID       `json:"id"`
	OwnerID        string          `json:"owner_id"`
	TaskType       string          `json:"task_type"`
	Status         TaskStatus      `json:"status"`
	RequestPayload json.RawMessage `json:"request_payload"`
	ResultPayload  json.RawMessage `json:"result_payload,omitempty"`
	ErrorPayload   *ErrorPayload   `json:"error_payload,omitempty"`
	CorrelationID  string          `json:"correlation_id"`
	OperationName  string          `json:"operation_name"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	Priority       int             `json:"priority"`
	Metadata       map[string]any  `json:"metadata"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// TaskOption customises a task built by NewTask.
type TaskOption func(*Task)

// WithCorrelationID sets the correlation ID instead of generating one.
func WithCorrelationID(id string) TaskOption {
	return func(t *Task) {
		if id != "" {
			t.CorrelationID = id
		}
	}
}

// WithOperationName records the name of the domain operation the task runs.
func WithOperationName(name string) TaskOption {
	return func(t *Task) { t.OperationName = name }
}

// WithPriority sets the task priority.
func WithPriority(priority int) TaskOption {
	return func(t *Task) { t.Priority = priority }
}

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) TaskOption {
	return func(t *Task) { t.MaxRetries = n }
}

// WithMetadata attaches free-form metadata to the task.
func WithMetadata(metadata map[string]any) TaskOption {
	return func(t *Task) {
		if metadata != nil {
			t.Metadata = metadata
		}
	}
}

// NewTask creates a pending Task owned by ownerID.
// A fresh correlation ID is generated unless one is supplied.
func NewTask(ownerID, taskType string, request json.RawMessage, opts ...TaskOption) (*Task, error) {
	now := time.Now().UTC()
	if len(request) == 0 {
		request = json.RawMessage(`{}`)
	}

	t := &Task{
		ID:             uuid.New(),
		OwnerID:        ownerID,
		TaskType:       taskType,
		Status:         TaskStatusPending,
		RequestPayload: request,
		CorrelationID:  uuid.NewString(),
		OperationName:  taskType,
		MaxRetries:     DefaultMaxRetries,
		Metadata:       map[string]any{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	for _, opt := range opts {
		opt(t)
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}

	return t, nil
}

// Validate checks if the Task has valid data.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}

	if t.OwnerID == "" {
		return ErrEmptyTaskOwnerID
	}

	if t.TaskType == "" {
		return ErrEmptyTaskType
	}

	if !t.Status.IsValid() {
		return ErrInvalidTaskStatus
	}

	if t.MaxRetries < 0 {
		return ErrNegativeRetries
	}

	if len(t.RequestPayload) > 0 && !json.Valid(t.RequestPayload) {
		return NewValidationError("request_payload", "is not valid JSON", ErrInvalidPayload)
	}

	return nil
}

// TaskSnapshot is a task together with its most recent progress events, newest first.
type TaskSnapshot struct {
	Task     Task            `json:"task"`
	Progress []ProgressEvent `json:"progress"`
}

// TaskSummary is the list view of a task.
type TaskSummary struct {
	ID            uuid.UUID  `json:"id"`
	OwnerID       string     `json:"owner_id"`
	TaskType      string     `json:"task_type"`
	Status        TaskStatus `json:"status"`
	OperationName string     `json:"operation_name"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	Priority      int        `json:"priority"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}
