package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/phrazzld/taskd/internal/circuit"
	"github.com/phrazzld/taskd/internal/domain"
	"github.com/phrazzld/taskd/internal/events"
	"github.com/phrazzld/taskd/internal/platform/logger"
	"github.com/phrazzld/taskd/internal/retry"
	"github.com/phrazzld/taskd/internal/store"
)

// progressReporter appends progress events for one task.
type progressReporter struct {
	m    *Manager
	task *domain.Task
}

func (r *progressReporter) Report(ctx context.Context, message string, percentage int) error {
	return r.report(ctx, message, percentage, domain.ProgressTypeInfo)
}

func (r *progressReporter) report(ctx context.Context, message string, percentage int, progressType domain.ProgressType) error {
	ev, err := domain.NewProgressEvent(r.task.ID, message, percentage, progressType)
	if err != nil {
		return err
	}
	if err := r.m.store.AppendProgress(ctx, ev); err != nil {
		return err
	}
	r.m.emit(ctx, events.TaskProgress, r.task, ev)
	return nil
}

// execute is the worker handler. It never lets an error or panic escape:
// every path ends with the task in a terminal state or deliberately left
// pending for recovery.
func (m *Manager) execute(ctx context.Context, item *workItem) {
	task := item.task
	log := m.logger.With(
		"task_id", task.ID,
		"task_type", task.TaskType,
		"correlation_id", task.CorrelationID,
	)
	m.recorder.QueueDepth(m.queue.Len())

	if ctx.Err() != nil {
		log.Info("manager stopping, task left pending for recovery")
		return
	}

	runCtx, cancel := context.WithCancel(logger.WithLogger(ctx, log))
	defer cancel()
	m.track(task.ID, cancel)
	defer m.untrack(task.ID)

	started := m.now()
	reporter := &progressReporter{m: m, task: task}

	defer func() {
		if r := recover(); r != nil {
			log.Error("task execution panicked",
				"panic", r,
				"stack", string(debug.Stack()))
			m.fail(context.WithoutCancel(runCtx), task, NewErrorPayload(&PanicError{Value: r}), reporter, started)
		}
	}()

	if err := reporter.report(runCtx, fmt.Sprintf("Starting %s", task.OperationName), 0, domain.ProgressTypeInfo); err != nil {
		if errors.Is(err, store.ErrTaskTerminal) || store.IsNotFoundError(err) {
			log.Info("task is no longer runnable", "reason", err)
			return
		}
		log.Error("failed to record start of task", "error", err)
		m.fail(context.WithoutCancel(runCtx), task, NewErrorPayload(err), nil, started)
		return
	}
	task.Status = domain.TaskStatusRunning
	m.emit(runCtx, events.TaskStatusChanged, task, nil)
	log.Info("processing task")

	outcome, err := m.run(runCtx, item, reporter)
	finishCtx := context.WithoutCancel(runCtx)

	switch {
	case err == nil:
		m.complete(finishCtx, task, outcome, reporter, started)
	case ctx.Err() != nil:
		log.Warn("task interrupted by shutdown", "error", err)
		m.fail(finishCtx, task, lifecyclePayload(domain.ErrorCodeInterrupted,
			"The service stopped while this task was running.", true,
			"Submit the task again"), nil, started)
	case runCtx.Err() != nil:
		log.Info("task execution cancelled", "error", err)
	default:
		payload := NewErrorPayload(err)
		log.Warn("task failed",
			"error", err,
			"error_code", payload.ErrorCode,
			"error_kind", Classify(err).String(),
			"retry_count", task.RetryCount)
		m.fail(finishCtx, task, payload, reporter, started)
	}
}

// run executes the operation under the task's retry configuration.
func (m *Manager) run(ctx context.Context, item *workItem, reporter *progressReporter) (*Outcome, error) {
	task := item.task
	log := logger.FromContext(ctx)

	cfg := m.retryConfig(ctx, item)
	cfg.Logger = log
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) error {
		if _, incErr := m.store.IncrementRetryCount(ctx, task.ID); incErr != nil {
			return incErr
		}
		task.RetryCount++
		m.recorder.TaskRetried(task.TaskType)
		msg := fmt.Sprintf("Attempt %d failed, retrying in %s", attempt, delay.Round(time.Millisecond))
		if err := reporter.report(ctx, msg, -1, domain.ProgressTypeInfo); errors.Is(err, store.ErrTaskTerminal) {
			return err
		}
		return nil
	}

	var (
		outcome  *Outcome
		attempts int
	)
	err := retry.WithBackoff(ctx, cfg, task.OperationName, func(ctx context.Context) error {
		attempts++
		o, err := m.attempt(ctx, item, reporter, attempts)
		if err != nil {
			var (
				open    *circuit.OpenError
				panicEr *PanicError
			)
			if errors.As(err, &open) || errors.As(err, &panicEr) {
				return retry.Permanent(err)
			}
			return err
		}
		if !o.Success {
			msg := o.ErrorMessage
			if msg == "" {
				msg = "the operation reported a failure"
			}
			return retry.Permanent(&DomainFailure{
				Code:            o.ErrorCode,
				Message:         msg,
				RetrySuggested:  o.RetrySuggested,
				ActionableSteps: o.ActionableSteps,
			})
		}
		outcome = o
		return nil
	})
	return outcome, err
}

// retryConfig resolves the backoff settings. Attempts are max_retries + 1,
// capped by the profile's MaxAttempts.
func (m *Manager) retryConfig(ctx context.Context, item *workItem) retry.Config {
	cfg := m.retryDefaults
	if item.profile != "" {
		if p, ok := m.profiles.Get(item.profile); ok {
			cfg = p.Config()
		} else {
			logger.FromContext(ctx).Warn("unknown retry profile, using defaults", "profile", item.profile)
		}
	}

	attempts := item.task.MaxRetries + 1
	if cfg.MaxAttempts > 0 && cfg.MaxAttempts < attempts {
		attempts = cfg.MaxAttempts
	}
	cfg.MaxAttempts = attempts
	return cfg
}

// attempt invokes the operation once, under the task's breaker if any, and
// records a metrics row for the invocation.
func (m *Manager) attempt(ctx context.Context, item *workItem, reporter *progressReporter, n int) (*Outcome, error) {
	start := m.now()

	var outcome *Outcome
	call := func(ctx context.Context) error {
		o, err := safeExecute(ctx, item.operation, reporter)
		if err != nil {
			return err
		}
		if o == nil {
			o = &Outcome{Success: true}
		}
		outcome = o
		return nil
	}

	var err error
	if item.breaker != "" && m.breakers != nil {
		err = m.breakers.Call(ctx, item.breaker, call)
	} else {
		err = call(ctx)
	}

	var open *circuit.OpenError
	if !errors.As(err, &open) {
		var recorded *Outcome
		if err == nil {
			recorded = outcome
		}
		m.recordAttempt(ctx, item.task, n, m.now().Sub(start), recorded, err)
	}

	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// safeExecute converts a panic in op into a *PanicError.
func safeExecute(ctx context.Context, op Operation, reporter ProgressReporter) (outcome *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Error("operation panicked",
				"panic", r,
				"stack", string(debug.Stack()))
			outcome, err = nil, &PanicError{Value: r}
		}
	}()
	return op.Execute(ctx, reporter)
}

func (m *Manager) recordAttempt(ctx context.Context, task *domain.Task, n int, d time.Duration, outcome *Outcome, err error) {
	metrics := &domain.TaskMetrics{
		TaskID:     task.ID,
		Operation:  task.OperationName,
		DurationMS: d.Milliseconds(),
		Metadata:   map[string]any{"attempt": n},
	}
	if outcome != nil {
		metrics.APICalls = outcome.Usage.APICalls
		metrics.TokenUsage = outcome.Usage.TokenUsage
		metrics.CacheHits = outcome.Usage.CacheHits
		metrics.CacheMisses = outcome.Usage.CacheMisses
		if !outcome.Success {
			metrics.ErrorCount = 1
		}
	}
	if err != nil {
		metrics.ErrorCount = 1
		metrics.Metadata["error_kind"] = Classify(err).String()
	}

	if recErr := m.store.RecordMetrics(context.WithoutCancel(ctx), metrics); recErr != nil {
		logger.FromContext(ctx).Warn("failed to record task metrics", "attempt", n, "error", recErr)
	}
}

func (m *Manager) complete(ctx context.Context, task *domain.Task, outcome *Outcome, reporter *progressReporter, started time.Time) {
	log := logger.FromContextOrDefault(ctx, m.logger)

	if err := reporter.report(ctx, "Completed", 100, domain.ProgressTypeSuccess); err != nil {
		if errors.Is(err, store.ErrTaskTerminal) {
			log.Info("task finished after it was cancelled")
			return
		}
		log.Warn("failed to record completion progress", "error", err)
	}

	err := m.store.UpdateStatus(ctx, task.ID, domain.TaskStatusCompleted, store.StatusUpdate{Result: outcome.Result})
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			log.Info("task finished after it was cancelled")
			return
		}
		log.Error("failed to mark task completed", "error", err)
		m.fail(ctx, task, NewErrorPayload(err), nil, started)
		return
	}

	task.Status = domain.TaskStatusCompleted
	task.ResultPayload = outcome.Result
	m.emit(ctx, events.TaskStatusChanged, task, nil)
	m.recorder.TaskFinished(task.TaskType, domain.TaskStatusCompleted, m.now().Sub(started))
	log.Info("task completed successfully",
		"duration", m.now().Sub(started),
		"retry_count", task.RetryCount)
}

// fail records task as failed with payload. An error progress event is
// appended first when reporter is non-nil.
func (m *Manager) fail(ctx context.Context, task *domain.Task, payload *domain.ErrorPayload, reporter *progressReporter, started time.Time) {
	log := logger.FromContextOrDefault(ctx, m.logger)

	if reporter != nil {
		if err := reporter.report(ctx, payload.UserMessage, -1, domain.ProgressTypeError); err != nil && !errors.Is(err, store.ErrTaskTerminal) {
			log.Warn("failed to record error progress", "task_id", task.ID, "error", err)
		}
	}

	err := m.store.UpdateStatus(ctx, task.ID, domain.TaskStatusFailed, store.StatusUpdate{Error: payload})
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			log.Info("task already finished, failure not recorded", "task_id", task.ID, "error_code", payload.ErrorCode)
			return
		}
		log.Error("failed to mark task failed", "task_id", task.ID, "error", err)
		return
	}

	task.Status = domain.TaskStatusFailed
	task.ErrorPayload = payload
	m.emit(ctx, events.TaskStatusChanged, task, nil)
	m.recorder.TaskFinished(task.TaskType, domain.TaskStatusFailed, m.now().Sub(started))
}
