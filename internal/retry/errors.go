package retry

import (
	"fmt"
	"time"
)

// ConfigurationError reports an unusable retry configuration.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid retry configuration: %s %s", e.Field, e.Message)
}

// RateLimitError is returned when an operation kept failing with a rate
// limit and no attempts remain.
type RateLimitError struct {
	Operation  string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited, retry after %s: %v", e.Operation, e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// TimeoutError is returned when an operation kept timing out and no attempts remain.
type TimeoutError struct {
	Operation  string
	RetryAfter time.Duration
	Err        error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out, retry after %s: %v", e.Operation, e.RetryAfter, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// PermanentError marks an error that must not be retried whatever its message says.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so WithBackoff returns it after the current attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
