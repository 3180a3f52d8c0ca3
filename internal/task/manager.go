package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskd/internal/circuit"
	"github.com/phrazzld/taskd/internal/config"
	"github.com/phrazzld/taskd/internal/domain"
	"github.com/phrazzld/taskd/internal/events"
	"github.com/phrazzld/taskd/internal/platform/logger"
	"github.com/phrazzld/taskd/internal/retry"
	"github.com/phrazzld/taskd/internal/store"
)

// Config controls the worker pool and the background loops of a Manager.
type Config struct {
	WorkerCount          int
	QueueSize            int
	CleanupInterval      time.Duration
	CleanupRetryInterval time.Duration
	RetentionDays        int
	StuckTaskAge         time.Duration
	StuckCheckInterval   time.Duration
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		WorkerCount:          8,
		QueueSize:            256,
		CleanupInterval:      time.Hour,
		CleanupRetryInterval: 5 * time.Minute,
		RetentionDays:        7,
		StuckTaskAge:         30 * time.Minute,
		StuckCheckInterval:   5 * time.Minute,
	}
}

// ConfigFromSettings converts the loaded task settings.
func ConfigFromSettings(s config.TaskConfig) Config {
	return Config{
		WorkerCount:          s.WorkerCount,
		QueueSize:            s.QueueSize,
		CleanupInterval:      s.CleanupInterval,
		CleanupRetryInterval: s.CleanupRetryInterval,
		RetentionDays:        s.RetentionDays,
		StuckTaskAge:         s.StuckTaskAge,
		StuckCheckInterval:   s.StuckCheckInterval,
	}.withDefaults()
}

// withDefaults replaces zero or negative fields with DefaultConfig values.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WorkerCount <= 0 {
		c.WorkerCount = d.WorkerCount
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.CleanupRetryInterval <= 0 {
		c.CleanupRetryInterval = d.CleanupRetryInterval
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = d.RetentionDays
	}
	if c.StuckTaskAge <= 0 {
		c.StuckTaskAge = d.StuckTaskAge
	}
	if c.StuckCheckInterval <= 0 {
		c.StuckCheckInterval = d.StuckCheckInterval
	}
	return c
}

// Recorder receives task lifecycle measurements.
type Recorder interface {
	TaskStarted(taskType string)
	TaskFinished(taskType string, status domain.TaskStatus, duration time.Duration)
	TaskRetried(taskType string)
	QueueDepth(depth int)
}

type nopRecorder struct{}

func (nopRecorder) TaskStarted(string) {}
func (nopRecorder) TaskFinished(string, domain.TaskStatus, time.Duration) {}
func (nopRecorder) TaskRetried(string) {}
func (nopRecorder) QueueDepth(int) {}

// workItem is one queued execution of a task.
type workItem struct {
	task      *domain.Task
	operation Operation
	breaker   string
	profile   string
}

// Option configures a Manager.
type Option func(*Manager)

// WithRegistry sets the registry used to build operations by task type.
func WithRegistry(r *Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithBreakers sets the circuit breaker registry shared with other components.
func WithBreakers(b *circuit.Manager) Option {
	return func(m *Manager) { m.breakers = b }
}

// WithRetryProfiles sets the named retry profiles.
func WithRetryProfiles(p *retry.Profiles) Option {
	return func(m *Manager) { m.profiles = p }
}

// WithDefaultRetry sets the retry configuration for tasks without a profile.
// A zero MaxAttempts means max_retries + 1.
func WithDefaultRetry(cfg retry.Config) Option {
	return func(m *Manager) { m.retryDefaults = cfg }
}

// WithEmitter sets the destination of lifecycle events.
func WithEmitter(e events.EventEmitter) Option {
	return func(m *Manager) { m.emitter = e }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// Manager creates tasks, executes them on a bounded worker pool and records
// their progress and outcome.
type Manager struct {
	store         store.TaskStore
	cfg           Config
	registry      *Registry
	breakers      *circuit.Manager
	profiles      *retry.Profiles
	retryDefaults retry.Config
	emitter       events.EventEmitter
	recorder      Recorder
	logger        *slog.Logger
	now           func() time.Time

	queue *TaskQueue
	pool  *WorkerPool
	loops sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	running map[uuid.UUID]context.CancelFunc
}

// NewManager creates a Manager. Start must be called before tasks run.
func NewManager(taskStore store.TaskStore, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:    taskStore,
		cfg:      cfg.withDefaults(),
		registry: NewRegistry(),
		breakers: circuit.NewManager(circuit.DefaultSettings()),
		profiles: retry.NewProfiles(config.RetryConfig{}),
		retryDefaults: retry.Config{
			BaseDelay:       time.Second,
			MaxDelay:        30 * time.Second,
			ExponentialBase: 2,
			Jitter:          true,
		},
		emitter:  events.NopEmitter{},
		recorder: nopRecorder{},
		logger:   logger.With("component", "task_manager"),
		now:      time.Now,
		running:  make(map[uuid.UUID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.queue = NewTaskQueue(m.cfg.QueueSize, m.logger)
	m.pool = NewWorkerPool(m.queue, m.cfg.WorkerCount, m.execute, m.logger)
	return m
}

// Registry returns the operation registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Start recovers unfinished tasks from a previous run, starts the workers and
// launches the cleanup and stuck-task loops. They run until Stop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("task manager already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.started = true
	recoverBefore := m.now()
	m.mu.Unlock()

	m.pool.Start(runCtx)

	if err := m.recoverTasks(runCtx, recoverBefore); err != nil {
		m.logger.Error("failed to recover unfinished tasks", "error", err)
	}

	m.loops.Add(2)
	go m.cleanupLoop(runCtx)
	go m.stuckTaskMonitor(runCtx)

	m.logger.Info("task manager started",
		"worker_count", m.cfg.WorkerCount,
		"queue_size", m.cfg.QueueSize)
	return nil
}

// Stop stops accepting tasks, cancels running operations and waits for the
// workers and loops to return or ctx to expire. Queued tasks stay pending and
// are recovered by the next Start.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	m.cancel()
	m.queue.Close()

	done := make(chan struct{})
	go func() {
		m.pool.Wait()
		m.loops.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("task manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for task workers: %w", ctx.Err())
	}
}

func (m *Manager) accepting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started && !m.stopped
}

type startOptions struct {
	breaker     string
	profile     string
	taskOptions []domain.TaskOption
}

// StartOption customises StartTask.
type StartOption func(*startOptions)

// WithBreaker runs every attempt under the named circuit breaker.
func WithBreaker(name string) StartOption {
	return func(o *startOptions) { o.breaker = name }
}

// WithRetryProfile bounds attempts with the named retry profile.
func WithRetryProfile(name string) StartOption {
	return func(o *startOptions) { o.profile = name }
}

// WithTaskOptions passes options through to domain.NewTask.
func WithTaskOptions(opts ...domain.TaskOption) StartOption {
	return func(o *startOptions) { o.taskOptions = append(o.taskOptions, opts...) }
}

// StartTask persists a pending task and queues op for background execution.
// When op is nil the operation is built from the registry using taskType.
// It returns as soon as the task is queued. If the queue is full the task is
// recorded as failed and its ID is returned together with ErrQueueFull.
func (m *Manager) StartTask(
	ctx context.Context,
	ownerID, taskType string,
	request json.RawMessage,
	op Operation,
	opts ...StartOption,
) (uuid.UUID, error) {
	log := logger.FromContextOrDefault(ctx, m.logger)

	if !m.accepting() {
		return uuid.Nil, ErrManagerStopped
	}

	var so startOptions
	if reg, ok := m.registry.Lookup(taskType); ok {
		so.breaker = reg.Breaker
		so.profile = reg.RetryProfile
	}
	for _, opt := range opts {
		opt(&so)
	}

	if op == nil {
		built, _, err := m.registry.Build(taskType, request)
		if err != nil {
			return uuid.Nil, err
		}
		op = built
	}

	task, err := domain.NewTask(ownerID, taskType, request, so.taskOptions...)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	if _, err := m.store.CreateTask(ctx, task); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create task: %w", err)
	}
	m.emit(ctx, events.TaskCreated, task, nil)
	m.recorder.TaskStarted(task.TaskType)

	item := &workItem{task: task, operation: op, breaker: so.breaker, profile: so.profile}
	if err := m.queue.Enqueue(item); err != nil {
		log.Warn("task rejected by queue",
			"task_id", task.ID,
			"task_type", task.TaskType,
			"error", err)
		m.fail(context.WithoutCancel(ctx), task, lifecyclePayload(domain.ErrorCodeQueueFull,
			"The service is busy and could not accept the task.", true,
			"Try again in a few minutes"), nil, task.CreatedAt)
		if errors.Is(err, ErrQueueClosed) {
			return task.ID, ErrManagerStopped
		}
		return task.ID, err
	}
	m.recorder.QueueDepth(m.queue.Len())

	log.Info("task started",
		"task_id", task.ID,
		"task_type", task.TaskType,
		"owner_id", task.OwnerID,
		"correlation_id", task.CorrelationID)
	return task.ID, nil
}

// StatusView is the external shape of a task returned to pollers.
type StatusView struct {
	TaskID        uuid.UUID              `json:"task_id"`
	TaskType      string                 `json:"task_type"`
	OwnerID       string                 `json:"owner_id"`
	CorrelationID string                 `json:"correlation_id"`
	OperationName string                 `json:"operation_name"`
	Status        domain.TaskStatus      `json:"status"`
	Progress      []domain.ProgressEvent `json:"progress_messages"`
	Result        json.RawMessage        `json:"result,omitempty"`
	Error         *domain.ErrorPayload   `json:"error,omitempty"`
	RetryCount    int                    `json:"retry_count"`
	MaxRetries    int                    `json:"max_retries"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

// GetStatus returns the task with its recent progress, or nil if it does not exist.
func (m *Manager) GetStatus(ctx context.Context, id uuid.UUID) (*StatusView, error) {
	snap, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	return newStatusView(snap), nil
}

func newStatusView(snap *domain.TaskSnapshot) *StatusView {
	t := snap.Task
	progress := snap.Progress
	if progress == nil {
		progress = []domain.ProgressEvent{}
	}
	return &StatusView{
		TaskID:        t.ID,
		TaskType:      t.TaskType,
		OwnerID:       t.OwnerID,
		CorrelationID: t.CorrelationID,
		OperationName: t.OperationName,
		Status:        t.Status,
		Progress:      progress,
		Result:        t.ResultPayload,
		Error:         t.ErrorPayload,
		RetryCount:    t.RetryCount,
		MaxRetries:    t.MaxRetries,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		CompletedAt:   t.CompletedAt,
	}
}

// ListTasks returns task summaries newest first.
func (m *Manager) ListTasks(ctx context.Context, params store.ListTasksParams) ([]domain.TaskSummary, error) {
	return m.store.ListTasks(ctx, params)
}

// Analytics aggregates tasks of ownerID created within the last windowDays
// days. An empty ownerID covers every owner.
func (m *Manager) Analytics(ctx context.Context, ownerID string, windowDays int) (*domain.Analytics, error) {
	return m.store.AggregateAnalytics(ctx, ownerID, windowDays)
}

// Cancel marks a pending or running task cancelled and cancels the context of
// its running operation. Operations observe cancellation cooperatively.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) error {
	payload := lifecyclePayload(domain.ErrorCodeCancelled, "The task was cancelled.", false)
	if err := m.store.UpdateStatus(ctx, id, domain.TaskStatusCancelled, store.StatusUpdate{Error: payload}); err != nil {
		return err
	}

	m.mu.Lock()
	cancel := m.running[id]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	snap, err := m.store.GetTask(ctx, id)
	if err != nil || snap == nil {
		m.logger.Warn("cancelled task could not be reloaded", "task_id", id, "error", err)
		return nil
	}
	m.emit(ctx, events.TaskStatusChanged, &snap.Task, nil)
	m.recorder.TaskFinished(snap.Task.TaskType, domain.TaskStatusCancelled, m.now().Sub(snap.Task.CreatedAt))

	logger.FromContextOrDefault(ctx, m.logger).Info("task cancelled",
		"task_id", id,
		"was_running", cancel != nil)
	return nil
}

func (m *Manager) track(id uuid.UUID, cancel context.CancelFunc) {
	m.mu.Lock()
	m.running[id] = cancel
	m.mu.Unlock()
}

func (m *Manager) untrack(id uuid.UUID) {
	m.mu.Lock()
	delete(m.running, id)
	m.mu.Unlock()
}

// Running returns the number of tasks currently executing.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

func (m *Manager) emit(ctx context.Context, eventType events.EventType, task *domain.Task, progress *domain.ProgressEvent) {
	ev := events.NewTaskEvent(eventType, task)
	ev.Progress = progress
	if err := m.emitter.EmitEvent(ctx, ev); err != nil {
		logger.FromContextOrDefault(ctx, m.logger).Warn("failed to emit task event",
			"task_id", task.ID,
			"event_type", eventType,
			"error", err)
	}
}
