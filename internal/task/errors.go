package task

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/phrazzld/taskd/internal/circuit"
	"github.com/phrazzld/taskd/internal/domain"
	"github.com/phrazzld/taskd/internal/redact"
	"github.com/phrazzld/taskd/internal/retry"
	"github.com/phrazzld/taskd/internal/store"
)

// Common errors returned by the Manager and its queue
var (
	ErrQueueClosed     = errors.New("task queue is closed")
	ErrQueueFull       = errors.New("task queue is full")
	ErrManagerStopped  = errors.New("task manager is not running")
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrNoOperation     = errors.New("no operation for task")
)

// DomainFailure is an operation's own report that it could not produce a
// result. It is recorded as a failed task and never retried.
type DomainFailure struct {
	Code            string
	Message         string
	RetrySuggested  bool
	ActionableSteps []string
}

func (e *DomainFailure) Error() string {
	return "operation failed: " + e.Message
}

// PanicError carries a value recovered from a panicking operation.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("operation panicked: %v", e.Value)
}

// ErrorKind is the coarse class of a task failure.
type ErrorKind int

// Error kinds, from most to least expected.
const (
	KindTransient ErrorKind = iota
	KindPermanent
	KindValidation
	KindResourceProtection
	KindSystem
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindValidation:
		return "validation"
	case KindResourceProtection:
		return "resource_protection"
	default:
		return "system"
	}
}

// Classify maps err to an ErrorKind.
func Classify(err error) ErrorKind {
	var (
		df      *DomainFailure
		open    *circuit.OpenError
		rl      *retry.RateLimitError
		to      *retry.TimeoutError
		vErr    *domain.ValidationError
		cfgErr  *retry.ConfigurationError
		panicEr *PanicError
	)
	switch {
	case errors.As(err, &df):
		return KindPermanent
	case errors.As(err, &open):
		return KindResourceProtection
	case errors.As(err, &panicEr), errors.As(err, &cfgErr):
		return KindSystem
	case errors.As(err, &rl), errors.As(err, &to),
		errors.Is(err, circuit.ErrCallTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.As(err, &vErr), errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidPayload), errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, ErrUnknownTaskType):
		return KindValidation
	case retry.IsRetryable(err, retry.DefaultRetryablePatterns):
		return KindTransient
	default:
		return KindSystem
	}
}

// NewErrorPayload normalises err into the structured error stored on a failed task.
func NewErrorPayload(err error) *domain.ErrorPayload {
	p := &domain.ErrorPayload{
		ErrorMessage: redact.Error(err),
		ErrorType:    errorType(err),
	}

	var (
		df   *DomainFailure
		open *circuit.OpenError
		rl   *retry.RateLimitError
		to   *retry.TimeoutError
	)
	switch {
	case errors.As(err, &df):
		p.ErrorCode = df.Code
		if p.ErrorCode == "" {
			p.ErrorCode = domain.ErrorCodeDomainFailure
		}
		p.UserMessage = redact.String(df.Message)
		p.RetrySuggested = df.RetrySuggested
		p.ActionableSteps = df.ActionableSteps
	case errors.As(err, &open):
		p.ErrorCode = domain.ErrorCodeCircuitOpen
		p.UserMessage = fmt.Sprintf("The %s service is temporarily unavailable.", open.Name)
		p.RetrySuggested = true
		p.RetryAfterSeconds = open.RetryAfter.Seconds()
		p.ActionableSteps = []string{
			fmt.Sprintf("Wait %d seconds before trying again", int(math.Ceil(open.RetryAfter.Seconds()))),
		}
	case errors.As(err, &rl):
		p.ErrorCode = domain.ErrorCodeRateLimited
		p.UserMessage = "The upstream service is rate limiting requests."
		p.RetrySuggested = true
		p.RetryAfterSeconds = rl.RetryAfter.Seconds()
		p.ActionableSteps = []string{"Wait a few minutes before trying again", "Reduce the number of concurrent requests"}
	case errors.As(err, &to):
		p.ErrorCode = domain.ErrorCodeTimeout
		p.UserMessage = "The operation took too long to complete."
		p.RetrySuggested = true
		p.RetryAfterSeconds = to.RetryAfter.Seconds()
		p.ActionableSteps = []string{"Try again with a smaller request"}
	default:
		switch Classify(err) {
		case KindTransient:
			p.ErrorCode = domain.ErrorCodeTransient
			p.UserMessage = "A temporary error occurred."
			p.RetrySuggested = true
			p.ActionableSteps = []string{"Try again in a moment"}
		case KindValidation:
			p.ErrorCode = domain.ErrorCodeValidation
			p.UserMessage = "The request is invalid."
			p.ActionableSteps = []string{"Check the request payload and try again"}
		default:
			p.ErrorCode = domain.ErrorCodeInternal
			p.UserMessage = "An unexpected error occurred."
			p.RetrySuggested = true
			p.ActionableSteps = []string{"Try again later", "Contact support if the problem persists"}
		}
	}

	if p.ActionableSteps == nil {
		p.ActionableSteps = []string{}
	}
	return p
}

// lifecyclePayload builds the payload for failures the manager itself decides on.
func lifecyclePayload(code, message string, retrySuggested bool, steps ...string) *domain.ErrorPayload {
	if steps == nil {
		steps = []string{}
	}
	return &domain.ErrorPayload{
		ErrorCode:       code,
		UserMessage:     message,
		RetrySuggested:  retrySuggested,
		ActionableSteps: steps,
		ErrorMessage:    message,
	}
}

// errorType names the most specific typed error in err's chain.
func errorType(err error) string {
	var (
		df      *DomainFailure
		open    *circuit.OpenError
		rl      *retry.RateLimitError
		to      *retry.TimeoutError
		panicEr *PanicError
	)
	switch {
	case errors.As(err, &df):
		return "DomainFailure"
	case errors.As(err, &open):
		return "CircuitOpenError"
	case errors.As(err, &rl):
		return "RateLimitError"
	case errors.As(err, &to):
		return "TimeoutError"
	case errors.As(err, &panicEr):
		return "PanicError"
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}
