package store

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every store implementation. Callers match them
// with errors.Is; implementations wrap them with context.
var (
	ErrNotFound          = errors.New("entity not found")
	ErrDuplicate         = errors.New("entity already exists")
	ErrInvalidEntity     = errors.New("invalid entity")
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrInvalidTransition is returned when a status update is not allowed
	// from the task's current status.
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrTaskTerminal rejects progress for tasks that already finished.
	ErrTaskTerminal = errors.New("task is in a terminal state")

	// ErrRetriesExhausted is returned by IncrementRetryCount once retry_count
	// has reached max_retries.
	ErrRetriesExhausted = errors.New("task retries exhausted")

	ErrTaskNotFound          = fmt.Errorf("%w: task", ErrNotFound)
	ErrRecurringTaskNotFound = fmt.Errorf("%w: recurring task", ErrNotFound)
)

// IsNotFoundError reports whether err is, or wraps, ErrNotFound.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// StoreError records which store call failed on which entity.
type StoreError struct {
	Entity    string
	Operation string
	Message   string
	Err       error
}

func (e *StoreError) Error() string {
	msg := e.Entity + " " + e.Operation + ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError wraps err with the entity and operation that produced it.
func NewStoreError(entity, operation, message string, err error) *StoreError {
	return &StoreError{Entity: entity, Operation: operation, Message: message, Err: err}
}
