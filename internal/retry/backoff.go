package retry

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Config controls WithBackoff.
type Config struct {
	// MaxAttempts is the total number of calls including the first attempt.
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
	// MaxTotalTime bounds all attempts and sleeps together. Zero means unlimited.
	MaxTotalTime time.Duration
	// RetryablePatterns defaults to DefaultRetryablePatterns when empty.
	RetryablePatterns []string
	// OnRetry runs after attempt (1-indexed) failed and before sleeping delay.
	// A non-nil return stops retrying.
	OnRetry func(attempt int, err error, delay time.Duration) error
	Logger  *slog.Logger
}

func (c Config) validate() error {
	if c.MaxAttempts <= 0 {
		return &ConfigurationError{Field: "max_attempts", Message: "must be positive"}
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 || c.MaxTotalTime < 0 {
		return &ConfigurationError{Field: "delays", Message: "must not be negative"}
	}
	return nil
}

func (c Config) patterns() []string {
	if len(c.RetryablePatterns) == 0 {
		return DefaultRetryablePatterns
	}
	return c.RetryablePatterns
}

func (c Config) expBase() float64 {
	if c.ExponentialBase <= 0 {
		return 2
	}
	return c.ExponentialBase
}

// WithBackoff calls fn up to cfg.MaxAttempts times. Retries stop early when
// the error is not retryable, the budget is spent, or the next sleep would
// overrun the budget. When attempts run out on a rate limit or timeout the
// last error is returned as *RateLimitError or *TimeoutError.
func WithBackoff(ctx context.Context, cfg Config, operationName string, fn func(context.Context) error) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("operation", operationName)

	budget := NewBudget(cfg.MaxTotalTime)
	patterns := cfg.patterns()

	var (
		attempt   int
		lastDelay time.Duration
		lastErr   error
	)

	backoff := goretry.BackoffFunc(func() (time.Duration, bool) {
		if attempt >= cfg.MaxAttempts {
			return 0, true
		}
		if !budget.CanRetry() {
			log.Warn("retry budget exhausted",
				"attempt", attempt,
				"elapsed", budget.Elapsed())
			return 0, true
		}

		delay := ComputeDelay(attempt-1, cfg.BaseDelay, cfg.MaxDelay, cfg.expBase(), cfg.Jitter)
		if delay >= budget.Remaining() {
			log.Warn("next retry would exceed budget",
				"attempt", attempt,
				"delay", delay,
				"remaining", budget.Remaining())
			return 0, true
		}

		if cfg.OnRetry != nil {
			if err := cfg.OnRetry(attempt, lastErr, delay); err != nil {
				log.Warn("retry vetoed", "attempt", attempt, "error", err)
				return 0, true
			}
		}

		log.Info("retrying operation",
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"delay", delay,
			"error", lastErr)
		lastDelay = delay
		return delay, false
	})

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err, patterns) {
			return err
		}
		return goretry.RetryableError(err)
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}

	retryAfter := 2 * lastDelay
	if lastDelay == 0 {
		retryAfter = 2 * cfg.BaseDelay
	}
	return upgrade(err, operationName, retryAfter)
}

func upgrade(err error, operationName string, retryAfter time.Duration) error {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return err
	}

	var rl *RateLimitError
	var to *TimeoutError
	if errors.As(err, &rl) || errors.As(err, &to) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case isRateLimit(msg):
		return &RateLimitError{Operation: operationName, RetryAfter: retryAfter, Err: err}
	case isTimeout(msg):
		return &TimeoutError{Operation: operationName, RetryAfter: retryAfter, Err: err}
	default:
		return err
	}
}
