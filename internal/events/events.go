package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskd/internal/domain"
)

// EventType identifies what happened to a task.
type EventType string

// Task lifecycle event types.
const (
	TaskCreated       EventType = "task.created"
	TaskStatusChanged EventType = "task.status_changed"
	TaskProgress      EventType = "task.progress"
)

// TaskEvent describes a change to one task.
type TaskEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	Type          EventType             `json:"type"`
	TaskID        uuid.UUID             `json:"task_id"`
	OwnerID       string                `json:"owner_id"`
	TaskType      string                `json:"task_type"`
	CorrelationID string                `json:"correlation_id,omitempty"`
	Status        domain.TaskStatus     `json:"status"`
	Progress      *domain.ProgressEvent `json:"progress,omitempty"`
	Error         *domain.ErrorPayload  `json:"error,omitempty"`
	Metadata      map[string]any        `json:"metadata,omitempty"`

	// CreatedAt is the timestamp when the event was created
	CreatedAt time.Time `json:"created_at"`
}

// NewTaskEvent creates an event of eventType for task in its current status.
func NewTaskEvent(eventType EventType, task *domain.Task) *TaskEvent {
	return &TaskEvent{
		ID:            uuid.New(),
		Type:          eventType,
		TaskID:        task.ID,
		OwnerID:       task.OwnerID,
		TaskType:      task.TaskType,
		CorrelationID: task.CorrelationID,
		Status:        task.Status,
		Error:         task.ErrorPayload,
		Metadata:      task.Metadata,
		CreatedAt:     time.Now().UTC(),
	}
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *TaskEvent) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, event *TaskEvent) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, event *TaskEvent) error {
	return f(ctx, event)
}

// EventEmitter defines an interface for components that can emit events.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *TaskEvent) error
}

// NopEmitter discards every event.
type NopEmitter struct{}

// EmitEvent does nothing.
func (NopEmitter) EmitEvent(context.Context, *TaskEvent) error { return nil }
