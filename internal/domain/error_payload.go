package domain

// Error codes recorded in ErrorPayload.ErrorCode by the task lifecycle itself.
// Domain operations may use their own codes.
const (
	ErrorCodeTransient       = "transient_error"
	ErrorCodeRateLimited     = "rate_limited"
	ErrorCodeTimeout         = "timeout"
	ErrorCodeCircuitOpen     = "circuit_open"
	ErrorCodeValidation      = "validation_error"
	ErrorCodeInternal        = "internal_error"
	ErrorCodeCancelled       = "cancelled"
	ErrorCodeQueueFull       = "queue_full"
	ErrorCodeInterrupted     = "interrupted"
	ErrorCodeTimedOut        = "timed_out"
	ErrorCodeDomainFailure   = "operation_failed"
	ErrorCodeRetryExhaustion = "retries_exhausted"
)

// ErrorPayload is the structured error stored on a failed task. Callers use
// RetrySuggested and ActionableSteps to decide whether to re-submit.
type ErrorPayload struct {
	ErrorCode         string   `json:"error_code"`
	UserMessage       string   `json:"user_message"`
	RetrySuggested    bool     `json:"retry_suggested"`
	ActionableSteps   []string `json:"actionable_steps"`
	ErrorMessage      string   `json:"error_message,omitempty"`
	ErrorType         string   `json:"error_type,omitempty"`
	RetryAfterSeconds float64  `json:"retry_after_seconds,omitempty"`
}
