package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ProgressType classifies a progress event
type ProgressType string

// Possible progress types
const (
	ProgressTypeInfo    ProgressType = "info"
	ProgressTypeSuccess ProgressType = "success"
	ProgressTypeError   ProgressType = "error"
)

// Common validation errors for ProgressEvent
var (
	ErrEmptyProgressMessage = errors.New("progress message cannot be empty")
	ErrInvalidPercentage    = errors.New("progress percentage must be between 0 and 100")
	ErrInvalidProgressType  = errors.New("invalid progress type")
)

// ProgressEvent is an append-only note describing incremental task activity.
type ProgressEvent struct {
	ID           int64          `json:"id"`
	TaskID       uuid.UUID      `json:"task_id"`
	Timestamp    time.Time      `json:"timestamp"`
	Message      string         `json:"message"`
	Percentage   *int           `json:"percentage,omitempty"`
	ProgressType ProgressType   `json:"progress_type"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NewProgressEvent builds an event for taskID. A negative percentage means "not reported".
func NewProgressEvent(taskID uuid.UUID, message string, percentage int, progressType ProgressType) (*ProgressEvent, error) {
	if progressType == "" {
		progressType = ProgressTypeInfo
	}

	ev := &ProgressEvent{
		TaskID:       taskID,
		Timestamp:    time.Now().UTC(),
		Message:      message,
		ProgressType: progressType,
	}
	if percentage >= 0 {
		p := percentage
		ev.Percentage = &p
	}

	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// Validate checks if the ProgressEvent has valid data.
func (e *ProgressEvent) Validate() error {
	if e.TaskID == uuid.Nil {
		return ErrEmptyTaskID
	}
	if e.Message == "" {
		return ErrEmptyProgressMessage
	}
	if e.Percentage != nil && (*e.Percentage < 0 || *e.Percentage > 100) {
		return ErrInvalidPercentage
	}
	switch e.ProgressType {
	case ProgressTypeInfo, ProgressTypeSuccess, ProgressTypeError:
	default:
		return ErrInvalidProgressType
	}
	return nil
}

// TaskMetrics records resource usage of one completed operation step.
type TaskMetrics struct {
	ID          int64          `json:"id"`
	TaskID      uuid.UUID      `json:"task_id"`
	Operation   string         `json:"operation"`
	DurationMS  int64          `json:"duration_ms"`
	TokenUsage  map[string]int `json:"token_usage,omitempty"`
	APICalls    int            `json:"api_calls"`
	CacheHits   int            `json:"cache_hits"`
	CacheMisses int            `json:"cache_misses"`
	ErrorCount  int            `json:"error_count"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
