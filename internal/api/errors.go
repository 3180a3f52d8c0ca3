package api

import (
	"errors"
	"net/http"

	"github.com/phrazzld/taskd/internal/api/middleware"
	"github.com/phrazzld/taskd/internal/api/shared"
	"github.com/phrazzld/taskd/internal/domain"
	"github.com/phrazzld/taskd/internal/store"
	"github.com/phrazzld/taskd/internal/task"
)

// Handler level errors
var (
	// ErrTaskNotOwned is returned when a task exists but belongs to another owner.
	// It maps to 404 so task IDs of other owners are not disclosed.
	ErrTaskNotOwned = errors.New("task belongs to another owner")

	// ErrUnavailable is returned when an optional component is not configured.
	ErrUnavailable = errors.New("component not available")

	// ErrBreakerNotFound is returned when resetting an unknown circuit breaker.
	ErrBreakerNotFound = errors.New("circuit breaker not found")
)

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// leaking internal error types to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, middleware.ErrMissingToken),
		errors.Is(err, middleware.ErrInvalidToken),
		errors.Is(err, middleware.ErrExpiredToken),
		errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized

	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, ErrTaskNotOwned),
		errors.Is(err, ErrBreakerNotFound):
		return http.StatusNotFound

	case errors.Is(err, store.ErrTaskTerminal),
		errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict

	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidPayload),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, task.ErrUnknownTaskType):
		return http.StatusBadRequest

	case errors.Is(err, task.ErrQueueFull),
		errors.Is(err, task.ErrManagerStopped),
		errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a user-facing message for err.
func GetSafeErrorMessage(err error) string {
	var vErr *domain.ValidationError
	switch {
	case err == nil:
		return "An unexpected error occurred"
	case errors.As(err, &vErr):
		return "Invalid " + vErr.Field + ": " + vErr.Message
	case errors.Is(err, store.ErrTaskNotFound), errors.Is(err, ErrTaskNotOwned):
		return "Task not found"
	case errors.Is(err, domain.ErrUnauthorized):
		return "Authentication required"
	case errors.Is(err, ErrBreakerNotFound):
		return "Circuit breaker not found"
	case errors.Is(err, store.ErrTaskTerminal), errors.Is(err, store.ErrInvalidTransition):
		return "Task has already finished"
	case errors.Is(err, task.ErrUnknownTaskType):
		return "Unknown task type"
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidPayload):
		return "Invalid request"
	case errors.Is(err, task.ErrQueueFull):
		return "The service is busy, try again later"
	case errors.Is(err, task.ErrManagerStopped):
		return "The service is shutting down"
	case errors.Is(err, ErrUnavailable):
		return "This feature is not enabled"
	default:
		return "An unexpected error occurred"
	}
}

// respondWithError maps err to a status and a safe message and logs the details.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var opts []shared.ResponseOption
	var vErr *domain.ValidationError
	if errors.As(err, &vErr) {
		opts = append(opts, shared.WithField(vErr.Field))
	}
	shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err, opts...)
}
