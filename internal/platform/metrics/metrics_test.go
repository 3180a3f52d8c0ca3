package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/phrazzld/taskd/internal/circuit"
	"github.com/phrazzld/taskd/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskRecorder(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.TaskStarted("research")
	m.TaskStarted("research")
	m.TaskRetried("research")
	m.TaskFinished("research", domain.TaskStatusCompleted, 2*time.Second)
	m.QueueDepth(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TasksStarted.WithLabelValues("research")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksInFlight.WithLabelValues("research")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksFinished.WithLabelValues("research", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskRetries.WithLabelValues("research")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.QueuedItems))
	assert.Equal(t, 1, testutil.CollectAndCount(m.TaskDuration))
}

func TestObserveBreaker(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveBreaker("gemini", circuit.StateClosed, circuit.StateOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("gemini")))

	m.ObserveBreaker("gemini", circuit.StateOpen, circuit.StateHalfOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("gemini")))

	m.ObserveBreaker("gemini", circuit.StateHalfOpen, circuit.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("gemini")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerChanges.WithLabelValues("gemini", "closed", "open")))
}

func TestSnapshotTaken(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SnapshotTaken(3, 1, 2)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.DashboardJobs.WithLabelValues("recurring")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DashboardJobs.WithLabelValues("one_time")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StaleRecurring))
}

func TestHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.TaskStarted("seo")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `taskd_task_started_total{task_type="seo"} 1`)
}
