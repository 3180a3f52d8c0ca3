package domain

import (
	"sort"
	"time"
)

// AnalyticsGroup holds counts for one (task_type, status) pair.
type AnalyticsGroup struct {
	TaskType           string     `json:"task_type"`
	Status             TaskStatus `json:"status"`
	Count              int        `json:"count"`
	AvgDurationSeconds float64    `json:"avg_duration_seconds"`
}

// AnalyticsSummary holds totals over the analytics window.
type AnalyticsSummary struct {
	Total              int     `json:"total"`
	Completed          int     `json:"completed"`
	Failed             int     `json:"failed"`
	Cancelled          int     `json:"cancelled"`
	Active             int     `json:"active"`
	SuccessRate        float64 `json:"success_rate"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
}

// TypeStats aggregates one task type across statuses.
type TypeStats struct {
	Total              int                `json:"total"`
	ByStatus           map[TaskStatus]int `json:"by_status"`
	AvgDurationSeconds float64            `json:"avg_duration_seconds"`
}

// Analytics is the read-only aggregate over tasks created within a window.
type Analytics struct {
	WindowDays  int                  `json:"window_days"`
	Since       time.Time            `json:"since"`
	Summary     AnalyticsSummary     `json:"summary"`
	ByTaskType  map[string]TypeStats `json:"by_task_type"`
	ByStatus    map[TaskStatus]int   `json:"by_status"`
	Groups      []AnalyticsGroup     `json:"groups"`
	GeneratedAt time.Time            `json:"generated_at"`
}

// TaskTiming is the projection of one task that GroupTimings aggregates.
type TaskTiming struct {
	TaskType    string
	Status      TaskStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// AnalyticsRow is one (task_type, status) group. Timed counts the tasks of
// the group with a completion time and DurationSeconds sums their run times.
type AnalyticsRow struct {
	TaskType        string
	Status          TaskStatus
	Count           int
	Timed           int
	DurationSeconds float64
}

// GroupTimings groups timings the way the SQL stores do, ordered by task
// type and status.
func GroupTimings(timings []TaskTiming) []AnalyticsRow {
	index := map[[2]string]int{}
	var rows []AnalyticsRow
	for _, t := range timings {
		key := [2]string{t.TaskType, string(t.Status)}
		i, ok := index[key]
		if !ok {
			i = len(rows)
			index[key] = i
			rows = append(rows, AnalyticsRow{TaskType: t.TaskType, Status: t.Status})
		}
		rows[i].Count++
		if t.CompletedAt != nil {
			rows[i].Timed++
			rows[i].DurationSeconds += max(t.CompletedAt.Sub(t.CreatedAt).Seconds(), 0)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TaskType != rows[j].TaskType {
			return rows[i].TaskType < rows[j].TaskType
		}
		return rows[i].Status < rows[j].Status
	})
	return rows
}

// BuildAnalytics folds grouped rows into an Analytics value. Averages only
// cover tasks with a completion time.
func BuildAnalytics(windowDays int, since time.Time, rows []AnalyticsRow) *Analytics {
	a := &Analytics{
		WindowDays:  windowDays,
		Since:       since,
		ByTaskType:  map[string]TypeStats{},
		ByStatus:    map[TaskStatus]int{},
		Groups:      make([]AnalyticsGroup, 0, len(rows)),
		GeneratedAt: time.Now().UTC(),
	}

	type timed struct {
		n   int
		sum float64
	}
	perType := map[string]*timed{}
	var total timed

	for _, row := range rows {
		group := AnalyticsGroup{TaskType: row.TaskType, Status: row.Status, Count: row.Count}
		if row.Timed > 0 {
			group.AvgDurationSeconds = row.DurationSeconds / float64(row.Timed)
		}
		a.Groups = append(a.Groups, group)

		ts := a.ByTaskType[row.TaskType]
		if ts.ByStatus == nil {
			ts.ByStatus = map[TaskStatus]int{}
		}
		ts.ByStatus[row.Status] += row.Count
		ts.Total += row.Count
		tt := perType[row.TaskType]
		if tt == nil {
			tt = &timed{}
			perType[row.TaskType] = tt
		}
		tt.n += row.Timed
		tt.sum += row.DurationSeconds
		if tt.n > 0 {
			ts.AvgDurationSeconds = tt.sum / float64(tt.n)
		}
		a.ByTaskType[row.TaskType] = ts

		total.n += row.Timed
		total.sum += row.DurationSeconds

		a.ByStatus[row.Status] += row.Count
		a.Summary.Total += row.Count
		switch row.Status {
		case TaskStatusCompleted:
			a.Summary.Completed += row.Count
		case TaskStatusFailed:
			a.Summary.Failed += row.Count
		case TaskStatusCancelled:
			a.Summary.Cancelled += row.Count
		default:
			a.Summary.Active += row.Count
		}
	}

	if finished := a.Summary.Completed + a.Summary.Failed + a.Summary.Cancelled; finished > 0 {
		a.Summary.SuccessRate = float64(a.Summary.Completed) / float64(finished)
	}
	if total.n > 0 {
		a.Summary.AvgDurationSeconds = total.sum / float64(total.n)
	}
	return a
}
