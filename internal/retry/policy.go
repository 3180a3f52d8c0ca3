package retry

import (
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// DefaultRetryablePatterns are the lowercase message fragments that mark an
// error as transient.
var DefaultRetryablePatterns = []string{
	"503", "502", "504", "429",
	"rate limit", "timeout", "timed out", "overloaded",
	"connection", "busy", "unavailable", "deadline exceeded",
}

// IsRetryable reports whether the lowercased error message contains any of
// patterns. Errors wrapped by Permanent are never retryable.
func IsRetryable(err error, patterns []string) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if p != "" && strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// jitterFraction bounds the random perturbation applied by ComputeDelay.
const jitterFraction = 0.1

// ComputeDelay returns min(base * expBase^attempt, maxDelay), perturbed by up to
// ±10% when jitter is set. The result is never negative.
func ComputeDelay(attempt int, base, maxDelay time.Duration, expBase float64, jitter bool) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(base) * math.Pow(expBase, float64(attempt))
	if maxDelay > 0 && delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter {
		delay += delay * jitterFraction * (rand.Float64()*2 - 1)
	}

	if delay < 0 || math.IsNaN(delay) {
		return 0
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

func isRateLimit(msg string) bool {
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit")
}

func isTimeout(msg string) bool {
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded")
}
