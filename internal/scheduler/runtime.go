package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskd/internal/domain"
	"github.com/phrazzld/taskd/internal/redact"
	"github.com/phrazzld/taskd/internal/store"
	"github.com/phrazzld/taskd/internal/task"
	"github.com/robfig/cron/v3"
)

// TriggerType describes how a live job is scheduled.
type TriggerType string

// Trigger types reported for live jobs.
const (
	TriggerCron     TriggerType = "cron"
	TriggerInterval TriggerType = "interval"
	TriggerDate     TriggerType = "date"
)

// CheckCycleJobID is the live job that runs RunCheckCycle.
const CheckCycleJobID = "scheduler:check_cycle"

// invalidScheduleDelay postpones recurring tasks whose schedule cannot be parsed.
const invalidScheduleDelay = 24 * time.Hour

// JobInfo is one entry of the live job registry.
type JobInfo struct {
	ID          string
	TriggerType TriggerType
	NextRun     *time.Time
	Kwargs      map[string]any
}

// CycleCounters are the in-memory check cycle totals since process start.
type CycleCounters struct {
	Cycles        int64
	TasksFound    int64
	TasksExecuted int64
	TasksFailed   int64
}

// JobSource is the read-only view of a live scheduling runtime.
type JobSource interface {
	Jobs() []JobInfo
	CycleCounters() CycleCounters
}

// TaskStarter submits recurring work to the task manager.
type TaskStarter interface {
	StartTask(ctx context.Context, ownerID, taskType string, request json.RawMessage, op task.Operation, opts ...task.StartOption) (uuid.UUID, error)
}

// JobFunc is the body of a live job.
type JobFunc func(ctx context.Context) error

type liveJob struct {
	entryID cron.EntryID
	trigger TriggerType
	jobType string
	kwargs  map[string]any
	oneTime bool
}

// CronRuntime is the live job registry. It wraps a robfig/cron scheduler and
// appends every lifecycle event to the scheduler event log.
type CronRuntime struct {
	cron          *cron.Cron
	store         store.SchedulerStore
	starter       TaskStarter
	checkInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu       sync.Mutex
	jobs     map[string]*liveJob
	counters CycleCounters
	baseCtx  context.Context
	cancel   context.CancelFunc
	started  bool
}

// NewCronRuntime creates a stopped runtime. starter may be nil, in which case
// due recurring tasks are counted as failed.
func NewCronRuntime(schedulerStore store.SchedulerStore, starter TaskStarter, checkInterval time.Duration, logger *slog.Logger) *CronRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	if checkInterval <= 0 {
		checkInterval = time.Minute
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}

	return &CronRuntime{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		store:         schedulerStore,
		starter:       starter,
		checkInterval: checkInterval,
		logger:        logger,
		now:           time.Now,
		jobs:          make(map[string]*liveJob),
		baseCtx:       context.Background(),
	}
}

// Start appends a start event, registers the check cycle job and starts the cron loop.
func (r *CronRuntime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("scheduler already started")
	}
	r.baseCtx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.started = true
	r.mu.Unlock()

	spec := "@every " + r.checkInterval.String()
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid check interval %s: %w", r.checkInterval, err)
	}
	job := cron.NewChain(cron.SkipIfStillRunning(cronLogger{logger: r.logger})).Then(cron.FuncJob(func() {
		if _, err := r.RunCheckCycle(r.context()); err != nil {
			r.logger.Error("check cycle failed", "error", err)
		}
	}))
	r.register(CheckCycleJobID, &liveJob{trigger: TriggerInterval, jobType: "check_cycle"}, schedule, job)

	r.cron.Start()
	r.appendEvent(ctx, &domain.SchedulerEvent{
		EventType:            domain.SchedulerEventStart,
		CheckIntervalSeconds: int(r.checkInterval.Seconds()),
	})
	r.logger.Info("scheduler started", "check_interval", r.checkInterval)
	return nil
}

// Stop stops the cron loop, waits for running jobs or ctx and appends a stop event.
func (r *CronRuntime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	done := r.cron.Stop()

	var waitErr error
	select {
	case <-done.Done():
	case <-ctx.Done():
		waitErr = fmt.Errorf("waiting for scheduled jobs: %w", ctx.Err())
	}

	counters := r.CycleCounters()
	r.appendEvent(context.WithoutCancel(ctx), &domain.SchedulerEvent{
		EventType:        domain.SchedulerEventStop,
		CheckCycleNumber: counters.Cycles,
		EventData: map[string]any{
			"tasks_found":    counters.TasksFound,
			"tasks_executed": counters.TasksExecuted,
			"tasks_failed":   counters.TasksFailed,
		},
	})
	r.logger.Info("scheduler stopped", "check_cycles", counters.Cycles)
	return waitErr
}

// AddJob registers fn under id with a standard cron spec or an "@every"
// interval. An existing job with the same id is replaced.
func (r *CronRuntime) AddJob(ctx context.Context, id, spec, jobType string, kwargs map[string]any, fn JobFunc) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("%w: invalid schedule %q: %w", domain.ErrValidation, spec, err)
	}
	trigger := TriggerCron
	if strings.HasPrefix(spec, "@every") {
		trigger = TriggerInterval
	}

	lj := &liveJob{trigger: trigger, jobType: jobType, kwargs: kwargs}
	r.register(id, lj, schedule, r.wrap(id, lj, fn))
	r.jobScheduled(ctx, id, lj)
	return nil
}

// AddOneTimeJob runs fn once at at and then removes it from the registry.
func (r *CronRuntime) AddOneTimeJob(ctx context.Context, id string, at time.Time, jobType string, kwargs map[string]any, fn JobFunc) error {
	if !at.After(r.now()) {
		return fmt.Errorf("%w: run time %s is in the past", domain.ErrValidation, at.Format(time.RFC3339))
	}

	lj := &liveJob{trigger: TriggerDate, jobType: jobType, kwargs: kwargs, oneTime: true}
	r.register(id, lj, onceSchedule{at: at.UTC()}, r.wrap(id, lj, fn))
	r.jobScheduled(ctx, id, lj)
	return nil
}

// RemoveJob unregisters id. It reports whether the job existed.
func (r *CronRuntime) RemoveJob(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id, nil)
}

// Jobs lists the live jobs with their next run time.
func (r *CronRuntime) Jobs() []JobInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]JobInfo, 0, len(r.jobs))
	for id, lj := range r.jobs {
		info := JobInfo{ID: id, TriggerType: lj.trigger, Kwargs: copyKwargs(lj.kwargs)}
		if lj.jobType != "" {
			info.Kwargs["job_type"] = lj.jobType
		}
		if entry := r.cron.Entry(lj.entryID); entry.Valid() {
			next := entry.Next
			if next.IsZero() {
				next = entry.Schedule.Next(r.now())
			}
			if !next.IsZero() {
				info.NextRun = &next
			}
		}
		out = append(out, info)
	}
	return out
}

// CycleCounters returns the check cycle totals of this process.
func (r *CronRuntime) CycleCounters() CycleCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

// RegisterRecurring validates the schedule of rt, computes its first run and persists it.
func (r *CronRuntime) RegisterRecurring(ctx context.Context, rt *domain.RecurringTask) error {
	schedule, err := cron.ParseStandard(rt.Schedule)
	if err != nil {
		return fmt.Errorf("%w: invalid schedule %q: %w", domain.ErrValidation, rt.Schedule, err)
	}
	if rt.ID == uuid.Nil {
		rt.ID = uuid.New()
	}
	if rt.NextRunAt == nil {
		next := schedule.Next(r.now().UTC())
		rt.NextRunAt = &next
	}
	return r.store.CreateRecurringTask(ctx, rt)
}

// RunCheckCycle submits every due recurring task to the task manager,
// records the outcome on each task and appends a check_cycle event.
func (r *CronRuntime) RunCheckCycle(ctx context.Context) (domain.SchedulerEvent, error) {
	now := r.now().UTC()
	due, err := r.store.ListDueRecurringTasks(ctx, now)
	if err != nil {
		return domain.SchedulerEvent{}, fmt.Errorf("failed to list due recurring tasks: %w", err)
	}

	var executed, failed int
	for i := range due {
		if r.runRecurring(ctx, &due[i], now) {
			executed++
		} else {
			failed++
		}
	}

	r.mu.Lock()
	r.counters.Cycles++
	r.counters.TasksFound += int64(len(due))
	r.counters.TasksExecuted += int64(executed)
	r.counters.TasksFailed += int64(failed)
	cycle := r.counters.Cycles
	r.mu.Unlock()

	event := domain.SchedulerEvent{
		EventType:            domain.SchedulerEventCheckCycle,
		EventDate:            now,
		TasksFound:           len(due),
		TasksExecuted:        executed,
		TasksFailed:          failed,
		CheckCycleNumber:     cycle,
		CheckIntervalSeconds: int(r.checkInterval.Seconds()),
	}
	r.appendEvent(ctx, &event)

	if len(due) > 0 {
		r.logger.Info("check cycle finished",
			"cycle", cycle,
			"tasks_found", len(due),
			"tasks_executed", executed,
			"tasks_failed", failed)
	}
	return event, nil
}

// runRecurring starts the task for rt. The row stays processing until
// RecurringOutcomes records how the started task finished.
func (r *CronRuntime) runRecurring(ctx context.Context, rt *domain.RecurringTask, now time.Time) bool {
	log := r.logger.With("recurring_task_id", rt.ID, "task_type", rt.TaskType)

	if err := r.store.MarkRecurringProcessing(ctx, rt.ID, now); err != nil {
		log.Error("failed to mark recurring task processing", "error", err)
		return false
	}

	var (
		taskID uuid.UUID
		runErr error
	)
	if r.starter == nil {
		runErr = errors.New("no task manager configured")
	} else {
		taskID, runErr = r.starter.StartTask(ctx, rt.OwnerID, rt.TaskType, rt.Payload, nil,
			task.WithTaskOptions(domain.WithMetadata(map[string]any{
				RecurringTaskIDKey: rt.ID.String(),
				"recurring_name":   rt.Name,
			})))
	}

	next := r.nextRun(rt, now, log)
	if runErr != nil {
		log.Warn("recurring task could not be started", "error", runErr)
		if err := r.store.UpdateRecurringRun(ctx, rt.ID, domain.ExecutionStatusFailed, redact.Error(runErr), now, next); err != nil {
			log.Error("failed to record recurring task run", "error", err)
		}
		return false
	}

	log.Info("recurring task started", "task_id", taskID, "next_run_at", next)
	if err := r.store.ScheduleRecurringRun(ctx, rt.ID, now, next); err != nil {
		log.Error("failed to schedule next recurring run", "error", err)
	}
	return true
}

func (r *CronRuntime) nextRun(rt *domain.RecurringTask, now time.Time, log *slog.Logger) *time.Time {
	schedule, err := cron.ParseStandard(rt.Schedule)
	if err != nil {
		log.Error("recurring task has an invalid schedule",
			"schedule", rt.Schedule,
			"error", err)
		next := now.Add(invalidScheduleDelay)
		return &next
	}
	next := schedule.Next(now)
	return &next
}

func (r *CronRuntime) register(id string, lj *liveJob, schedule cron.Schedule, job cron.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id, nil)
	lj.entryID = r.cron.Schedule(schedule, job)
	r.jobs[id] = lj
}

// removeLocked removes id when it is still bound to want (or unconditionally when want is nil).
func (r *CronRuntime) removeLocked(id string, want *liveJob) bool {
	lj, ok := r.jobs[id]
	if !ok || (want != nil && lj != want) {
		return false
	}
	r.cron.Remove(lj.entryID)
	delete(r.jobs, id)
	return true
}

func (r *CronRuntime) context() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.baseCtx
}

// wrap runs fn with panic recovery and logs its completion or failure.
func (r *CronRuntime) wrap(id string, lj *liveJob, fn JobFunc) cron.Job {
	return cron.FuncJob(func() {
		ctx := r.context()
		start := r.now()
		err := safeRun(ctx, fn)

		event := &domain.SchedulerEvent{
			EventType: domain.SchedulerEventJobCompleted,
			JobID:     id,
			JobType:   lj.jobType,
			UserID:    ownerOf(id, lj.kwargs),
			EventData: map[string]any{"duration_ms": r.now().Sub(start).Milliseconds()},
		}
		if err != nil {
			event.EventType = domain.SchedulerEventJobFailed
			event.ErrorMessage = redact.Error(err)
			r.logger.Error("scheduled job failed", "job_id", id, "error", err)
		}
		r.appendEvent(context.WithoutCancel(ctx), event)

		if lj.oneTime {
			r.mu.Lock()
			r.removeLocked(id, lj)
			r.mu.Unlock()
		}
	})
}

func (r *CronRuntime) jobScheduled(ctx context.Context, id string, lj *liveJob) {
	event := &domain.SchedulerEvent{
		EventType: domain.SchedulerEventJobScheduled,
		JobID:     id,
		JobType:   lj.jobType,
		UserID:    ownerOf(id, lj.kwargs),
		EventData: map[string]any{"trigger_type": string(lj.trigger)},
	}
	r.appendEvent(ctx, event)
}

// appendEvent writes to the event log. The log is observability only, so
// failures are logged and otherwise ignored.
func (r *CronRuntime) appendEvent(ctx context.Context, event *domain.SchedulerEvent) {
	if r.store == nil {
		return
	}
	if err := r.store.AppendEvent(ctx, event); err != nil {
		r.logger.Warn("failed to append scheduler event",
			"event_type", event.EventType,
			"job_id", event.JobID,
			"error", err)
	}
}

func safeRun(ctx context.Context, fn JobFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v\n%s", rec, debug.Stack())
		}
	}()
	return fn(ctx)
}

func copyKwargs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// onceSchedule fires a single time.
type onceSchedule struct {
	at time.Time
}

func (s onceSchedule) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
