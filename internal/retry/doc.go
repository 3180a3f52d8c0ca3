// Package retry decides whether failed calls to external dependencies are
// worth repeating and drives the backoff between attempts.
//
// The decision functions (IsRetryable, ComputeDelay) are pure. WithBackoff
// combines them with a wall-clock Budget and returns typed errors
// (RateLimitError, TimeoutError) when attempts run out.
package retry
