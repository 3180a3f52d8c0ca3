// Package circuit protects named external dependencies from cascading
// failure. A Breaker short-circuits calls after sustained failures and
// tests recovery lazily once its cooldown has elapsed.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the position of a breaker in its state machine.
type State string

// Breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// failureWindow is the sliding window used for the per-minute failure limit.
const failureWindow = time.Minute

// Settings configures a Breaker.
type Settings struct {
	FailureThreshold     int
	MaxFailuresPerMinute int
	RecoveryTimeout      time.Duration
	SuccessThreshold     int
	CallTimeout          time.Duration
}

// DefaultSettings returns threshold 5, 10 failures per minute, 60s recovery,
// 3 half-open successes and a 30s call timeout.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:     5,
		MaxFailuresPerMinute: 10,
		RecoveryTimeout:      60 * time.Second,
		SuccessThreshold:     3,
		CallTimeout:          30 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.MaxFailuresPerMinute <= 0 {
		s.MaxFailuresPerMinute = d.MaxFailuresPerMinute
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = d.RecoveryTimeout
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = d.SuccessThreshold
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = d.CallTimeout
	}
	return s
}

// OpenError is returned without invoking the operation while a breaker is open.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, retry after %s", e.Name, e.RetryAfter)
}

// ErrCallTimeout is wrapped by errors returned when a call exceeds the breaker's call timeout.
var ErrCallTimeout = errors.New("circuit breaker call timed out")

// Snapshot is a read-only view of a breaker.
type Snapshot struct {
	Name                 string     `json:"name"`
	State                State      `json:"state"`
	FailureCount         int        `json:"failure_count"`
	SuccessCount         int        `json:"success_count"`
	LastFailureTime      *time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime      *time.Time `json:"last_success_time,omitempty"`
	FailuresInLastMinute int        `json:"failures_in_last_minute"`
}

// StateObserver is notified after every state transition.
type StateObserver func(name string, from, to State)

// Breaker guards one named resource. It is safe for concurrent use.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time
	observe  StateObserver

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	lastFailure  time.Time
	lastSuccess  time.Time
	failureTimes []time.Time
	// trialInFlight is set while the single half-open trial call runs.
	trialInFlight bool
}

// Option customises a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithObserver registers a callback for state transitions.
func WithObserver(o StateObserver) Option {
	return func(b *Breaker) { b.observe = o }
}

// NewBreaker creates a closed breaker. Zero settings take their defaults.
func NewBreaker(name string, settings Settings, opts ...Option) *Breaker {
	b := &Breaker{
		name:     name,
		settings: settings.withDefaults(),
		now:      time.Now,
		state:    StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the resource name.
func (b *Breaker) Name() string { return b.name }

// Call runs fn under the per-call timeout. While the breaker is open it
// returns *OpenError without calling fn. Half-open admits one trial call at
// a time and rejects the rest with *OpenError. Errors and timeouts are
// recorded as failures.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	trial, err := b.allow()
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.settings.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("panic in %s call: %v", b.name, p)
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err = <-done:
	case <-callCtx.Done():
		err = callCtx.Err()
	}

	if err != nil && ctx.Err() != nil {
		// The caller gave up; this says nothing about the resource.
		if trial {
			b.endTrial()
		}
		return err
	}
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %v", ErrCallTimeout, b.settings.CallTimeout, err)
	}

	if err != nil {
		b.recordFailure(trial)
		return err
	}
	b.recordSuccess(trial)
	return nil
}

// allow reports whether the admitted call is the half-open trial.
func (b *Breaker) allow() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateHalfOpen:
		if b.trialInFlight {
			return false, &OpenError{Name: b.name, RetryAfter: b.settings.CallTimeout}
		}
		b.trialInFlight = true
		return true, nil
	}

	elapsed := b.now().Sub(b.lastFailure)
	if elapsed >= b.settings.RecoveryTimeout {
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return true, nil
	}

	retryAfter := b.settings.RecoveryTimeout - elapsed
	if retryAfter < 0 {
		retryAfter = 0
	}
	return false, &OpenError{Name: b.name, RetryAfter: retryAfter}
}

func (b *Breaker) endTrial() {
	b.mu.Lock()
	b.trialInFlight = false
	b.mu.Unlock()
}

func (b *Breaker) recordFailure(trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
	}
	now := b.now()
	b.lastFailure = now
	b.failureCount++
	b.failureTimes = append(pruneBefore(b.failureTimes, now.Add(-failureWindow)), now)

	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen)
	case StateClosed:
		if b.failureCount >= b.settings.FailureThreshold ||
			len(b.failureTimes) >= b.settings.MaxFailuresPerMinute {
			b.transition(StateOpen)
		}
	}
}

func (b *Breaker) recordSuccess(trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
	}
	b.lastSuccess = b.now()

	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.settings.SuccessThreshold {
			b.transition(StateClosed)
		}
	case StateClosed:
		b.failureCount = 0
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.successCount = 0
	b.trialInFlight = false
	if to == StateClosed {
		b.failureCount = 0
		b.failureTimes = nil
	}
	if b.observe != nil {
		b.observe(b.name, from, to)
	}
}

// Reset forces the breaker closed with all counters zeroed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transition(StateClosed)
	b.failureCount = 0
	b.successCount = 0
	b.failureTimes = nil
}

// State returns a snapshot without changing the breaker.
func (b *Breaker) State() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	inWindow := 0
	cutoff := now.Add(-failureWindow)
	for _, t := range b.failureTimes {
		if t.After(cutoff) {
			inWindow++
		}
	}

	s := Snapshot{
		Name:                 b.name,
		State:                b.state,
		FailureCount:         b.failureCount,
		SuccessCount:         b.successCount,
		FailuresInLastMinute: inWindow,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailureTime = &t
	}
	if !b.lastSuccess.IsZero() {
		t := b.lastSuccess
		s.LastSuccessTime = &t
	}
	return s
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}
