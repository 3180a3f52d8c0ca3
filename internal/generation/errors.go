package generation

import "errors"

// Common errors returned by generators and operations
var (
	// ErrInvalidResponse is returned when the model response cannot be parsed or is malformed
	ErrInvalidResponse = errors.New("invalid response from language model")

	// ErrContentBlocked is returned when the model refuses the prompt due to safety filters
	ErrContentBlocked = errors.New("content blocked by language model safety filters")

	// ErrTransientFailure is returned for upstream errors that might resolve on retry
	ErrTransientFailure = errors.New("language model temporarily unavailable")

	// ErrRequestRejected is returned when the provider refuses the request itself
	ErrRequestRejected = errors.New("language model rejected the request")

	// ErrInvalidConfig is returned when the generator configuration is invalid
	ErrInvalidConfig = errors.New("invalid generator configuration")

	// ErrEmptyOutput is returned when the model produced no text
	ErrEmptyOutput = errors.New("language model returned empty output")
)
