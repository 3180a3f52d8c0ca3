package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskd/internal/api/middleware"
	"github.com/phrazzld/taskd/internal/circuit"
	"github.com/phrazzld/taskd/internal/config"
	"github.com/phrazzld/taskd/internal/domain"
	"github.com/phrazzld/taskd/internal/events"
	"github.com/phrazzld/taskd/internal/platform/logger"
	"github.com/phrazzld/taskd/internal/retry"
	"github.com/phrazzld/taskd/internal/task"
	"github.com/stretchr/testify/require"
)

const (
	testSecret  = "test-secret-that-is-long-enough-123456"
	waitTimeout = 5 * time.Second

	// adminOwner is on the admin allowlist of every test environment.
	adminOwner = "admin"
)

type testEnv struct {
	server   *httptest.Server
	manager  *task.Manager
	store    *task.MockTaskStore
	auth     *middleware.Authenticator
	breakers *circuit.Manager
	hub      *Hub
	release  chan struct{}
}

type envOption func(*Deps)

func withDashboard(d DashboardSource) envOption {
	return func(deps *Deps) { deps.Dashboard = d }
}

func withHealthChecks(checks map[string]HealthCheck) envOption {
	return func(deps *Deps) { deps.HealthChecks = checks }
}

// newTestEnv starts a task manager with two task types: "echo" returns its
// request as the result and "wait" blocks until env.release is closed.
func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	log := logger.Discard()

	env := &testEnv{
		store:    task.NewMockTaskStore(),
		auth:     middleware.NewAuthenticator(config.AuthConfig{Enabled: true, JWTSecret: testSecret, AdminOwners: []string{adminOwner}}, log),
		breakers: circuit.NewManager(circuit.DefaultSettings()),
		hub:      NewHub(log),
		release:  make(chan struct{}),
	}

	registry := task.NewRegistry()
	require.NoError(t, registry.Register(task.Registration{
		TaskType: "echo",
		Factory: func(request json.RawMessage) (task.Operation, error) {
			return task.OperationFunc(func(ctx context.Context, _ task.ProgressReporter) (*task.Outcome, error) {
				return task.Succeeded(request), nil
			}), nil
		},
		Breaker: "echo",
	}))
	require.NoError(t, registry.Register(task.Registration{
		TaskType: "wait",
		Factory: func(json.RawMessage) (task.Operation, error) {
			return task.OperationFunc(func(ctx context.Context, p task.ProgressReporter) (*task.Outcome, error) {
				if err := p.Report(ctx, "waiting", 50); err != nil {
					return nil, err
				}
				select {
				case <-env.release:
					return task.Succeeded(json.RawMessage(`{"done":true}`)), nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}), nil
		},
	}))

	emitter := events.NewInMemoryEventEmitter(log)
	emitter.RegisterHandler(env.hub)

	cfg := task.DefaultConfig()
	cfg.WorkerCount = 2
	cfg.QueueSize = 8
	env.manager = task.NewManager(env.store, cfg, log,
		task.WithRegistry(registry),
		task.WithBreakers(env.breakers),
		task.WithDefaultRetry(retry.Config{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, ExponentialBase: 2}),
		task.WithEmitter(emitter),
	)
	require.NoError(t, env.manager.Start(context.Background()))

	deps := Deps{
		Tasks:    env.manager,
		Breakers: env.breakers,
		Hub:      env.hub,
		Auth:     env.auth,
		Logger:   log,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	env.server = httptest.NewServer(NewRouter(deps))

	t.Cleanup(func() {
		env.server.Close()
		select {
		case <-env.release:
		default:
			close(env.release)
		}
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = env.manager.Stop(ctx)
	})
	return env
}

func (e *testEnv) token(t *testing.T, owner string) string {
	t.Helper()
	tok, err := e.auth.IssueToken(owner, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, owner, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if owner != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, owner))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) createTask(t *testing.T, owner, body string) uuid.UUID {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/tasks", owner, body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created CreateTaskResponse
	decode(t, resp, &created)
	return created.TaskID
}

func (e *testEnv) waitForStatus(t *testing.T, id uuid.UUID, want domain.TaskStatus) *task.StatusView {
	t.Helper()
	var view *task.StatusView
	require.Eventually(t, func() bool {
		v, err := e.manager.GetStatus(context.Background(), id)
		if err != nil || v == nil {
			return false
		}
		view = v
		return v.Status == want
	}, waitTimeout, 5*time.Millisecond, "task %s never reached %s", id, want)
	return view
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

type errorBody struct {
	Error   string `json:"error"`
	Field   string `json:"field"`
	TraceID string `json:"trace_id"`
}
