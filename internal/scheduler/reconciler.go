package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/phrazzld/taskd/internal/domain"
	"github.com/phrazzld/taskd/internal/store"
)

// DefaultStaleAfter is how long a recurring task may stay processing before
// the dashboard reports it as timed out.
const DefaultStaleAfter = 30 * time.Minute

const (
	snapshotCacheKey = "scheduler:dashboard"

	sourceScheduler = "scheduler"
	sourceDatabase  = "database"

	recurringJobPrefix = "recurring:"
)

// DashboardStats holds the cumulative check cycle counters.
type DashboardStats struct {
	TotalCheckCycles     int64 `json:"total_check_cycles"`
	TasksFound           int64 `json:"tasks_found"`
	TasksExecuted        int64 `json:"tasks_executed"`
	TasksFailed          int64 `json:"tasks_failed"`
	LiveCheckCycles      int64 `json:"live_check_cycles"`
	ActiveRecurringTasks int   `json:"active_recurring_tasks"`
	StaleRecurringTasks  int   `json:"stale_recurring_tasks"`
	// CountersConsistent is false when this process ran check cycles but none were persisted.
	CountersConsistent bool `json:"counters_consistent"`
}

// JobView is one job on the dashboard.
type JobView struct {
	ID                  string                 `json:"id"`
	TriggerType         TriggerType            `json:"trigger_type"`
	NextRunTime         *time.Time             `json:"next_run_time,omitempty"`
	UserID              string                 `json:"user_id,omitempty"`
	JobType             string                 `json:"job_type,omitempty"`
	Source              string                 `json:"source"`
	LastExecutionStatus domain.ExecutionStatus `json:"last_execution_status,omitempty"`
	LastError           string                 `json:"last_error,omitempty"`
	LastRunAt           *time.Time             `json:"last_run_at,omitempty"`
}

// DashboardView is a read-only snapshot of scheduling health.
type DashboardView struct {
	Stats         DashboardStats `json:"stats"`
	Jobs          []JobView      `json:"jobs"`
	JobCount      int            `json:"job_count"`
	RecurringJobs int            `json:"recurring_jobs"`
	OneTimeJobs   int            `json:"one_time_jobs"`
	LastUpdated   time.Time      `json:"last_updated"`
}

// SnapshotCache stores serialised snapshots between requests.
type SnapshotCache interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte, ttl time.Duration) error
}

// SnapshotRecorder receives the shape of each freshly built snapshot.
type SnapshotRecorder interface {
	SnapshotTaken(recurring, oneTime, stale int)
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

// WithSnapshotCache caches built snapshots for ttl.
func WithSnapshotCache(c SnapshotCache, ttl time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.cache = c
		r.cacheTTL = ttl
	}
}

// WithSnapshotRecorder sets the metrics recorder.
func WithSnapshotRecorder(rec SnapshotRecorder) ReconcilerOption {
	return func(r *Reconciler) { r.recorder = rec }
}

// WithReconcilerClock replaces time.Now.
func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler merges the live job registry, the persisted event log and the
// persisted recurring tasks into a DashboardView. It never writes.
type Reconciler struct {
	store      store.SchedulerStore
	jobs       JobSource
	staleAfter time.Duration
	cache      SnapshotCache
	cacheTTL   time.Duration
	recorder   SnapshotRecorder
	logger     *slog.Logger
	now        func() time.Time
}

// NewReconciler creates a Reconciler. jobs may be nil when no live runtime runs.
func NewReconciler(schedulerStore store.SchedulerStore, jobs JobSource, logger *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		store:      schedulerStore,
		jobs:       jobs,
		staleAfter: DefaultStaleAfter,
		logger:     logger.With("component", "scheduler_reconciler"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshot returns the cached snapshot when one is fresh, building a new one otherwise.
func (r *Reconciler) Snapshot(ctx context.Context) (*DashboardView, error) {
	if r.cache != nil && r.cacheTTL > 0 {
		if data, ok, err := r.cache.Get(snapshotCacheKey); err != nil {
			r.logger.Warn("failed to read cached dashboard snapshot", "error", err)
		} else if ok {
			var view DashboardView
			if err := json.Unmarshal(data, &view); err == nil {
				return &view, nil
			}
			r.logger.Warn("discarding unreadable cached dashboard snapshot")
		}
	}

	view, err := r.Build(ctx)
	if err != nil {
		return nil, err
	}

	if r.cache != nil && r.cacheTTL > 0 {
		data, err := json.Marshal(view)
		if err == nil {
			err = r.cache.Set(snapshotCacheKey, data, r.cacheTTL)
		}
		if err != nil {
			r.logger.Warn("failed to cache dashboard snapshot", "error", err)
		}
	}
	return view, nil
}

// Build computes a fresh snapshot.
func (r *Reconciler) Build(ctx context.Context) (*DashboardView, error) {
	now := r.now().UTC()
	view := &DashboardView{
		Jobs:        []JobView{},
		LastUpdated: now,
	}

	var live []JobInfo
	var liveCounters CycleCounters
	if r.jobs != nil {
		live = r.jobs.Jobs()
		liveCounters = r.jobs.CycleCounters()
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })

	seen := make(map[string]bool, len(live))
	for _, j := range live {
		seen[j.ID] = true
		if id, ok := j.Kwargs["recurring_task_id"].(string); ok {
			seen[recurringJobPrefix+id] = true
		}
		view.Jobs = append(view.Jobs, JobView{
			ID:          j.ID,
			TriggerType: j.TriggerType,
			NextRunTime: j.NextRun,
			UserID:      ownerOf(j.ID, j.Kwargs),
			JobType:     stringArg(j.Kwargs, "job_type"),
			Source:      sourceScheduler,
		})
	}

	recurring, err := r.store.ListActiveRecurringTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list recurring tasks: %w", err)
	}
	view.Stats.ActiveRecurringTasks = len(recurring)
	for _, rt := range recurring {
		id := recurringJobPrefix + rt.ID.String()
		if seen[id] {
			continue
		}
		seen[id] = true

		jv := JobView{
			ID:                  id,
			TriggerType:         TriggerCron,
			NextRunTime:         rt.NextRunAt,
			UserID:              rt.OwnerID,
			JobType:             rt.TaskType,
			Source:              sourceDatabase,
			LastExecutionStatus: rt.LastExecutionStatus,
			LastError:           rt.LastError,
			LastRunAt:           rt.LastRunAt,
		}
		if r.isStale(rt, now) {
			jv.LastExecutionStatus = domain.ExecutionStatusFailed
			jv.LastError = fmt.Sprintf("timed out: processing for more than %s", r.staleAfter)
			view.Stats.StaleRecurringTasks++
		}
		view.Jobs = append(view.Jobs, jv)
	}

	totals, err := r.store.CheckCycleTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate check cycles: %w", err)
	}
	view.Stats.TotalCheckCycles = totals.Cycles
	view.Stats.TasksFound = totals.TasksFound
	view.Stats.TasksExecuted = totals.TasksExecuted
	view.Stats.TasksFailed = totals.TasksFailed
	view.Stats.LiveCheckCycles = liveCounters.Cycles
	view.Stats.CountersConsistent = true

	if totals.Cycles == 0 {
		if liveCounters.Cycles > 0 {
			view.Stats.CountersConsistent = false
			r.logger.Warn("check cycles ran but none were persisted",
				"live_check_cycles", liveCounters.Cycles,
				"live_tasks_found", liveCounters.TasksFound)
		} else {
			r.logger.Debug("no check cycles have run yet")
		}
	}

	for _, j := range view.Jobs {
		if j.TriggerType == TriggerDate {
			view.OneTimeJobs++
		} else {
			view.RecurringJobs++
		}
	}
	view.JobCount = len(view.Jobs)

	if r.recorder != nil {
		r.recorder.SnapshotTaken(view.RecurringJobs, view.OneTimeJobs, view.Stats.StaleRecurringTasks)
	}
	return view, nil
}

func (r *Reconciler) isStale(rt domain.RecurringTask, now time.Time) bool {
	return rt.LastExecutionStatus == domain.ExecutionStatusProcessing &&
		now.Sub(rt.UpdatedAt) > r.staleAfter
}

// ownerOf finds the owner of a live job from its kwargs, falling back to a
// "user_<id>" segment in the job id.
func ownerOf(id string, kwargs map[string]any) string {
	for _, key := range []string{"user_id", "owner_id"} {
		if v := stringArg(kwargs, key); v != "" {
			return v
		}
	}

	i := strings.Index(id, "user_")
	if i < 0 {
		return ""
	}
	rest := id[i+len("user_"):]
	if end := strings.IndexAny(rest, "_:"); end >= 0 {
		rest = rest[:end]
	}
	return rest
}

func stringArg(kwargs map[string]any, key string) string {
	switch v := kwargs[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}
