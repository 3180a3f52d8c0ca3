package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/taskd/internal/api/middleware"
)

// DefaultRequestTimeout bounds every non-streaming request.
const DefaultRequestTimeout = 30 * time.Second

// Deps holds everything the router serves. Dashboard, Breakers, Hub and
// Metrics are optional.
type Deps struct {
	Tasks          TaskService
	Dashboard      DashboardSource
	Breakers       BreakerRegistry
	Hub            *Hub
	Auth           *middleware.Authenticator
	Metrics        http.Handler
	HealthChecks   map[string]HealthCheck
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// NewRouter builds the HTTP routes.
func NewRouter(deps Deps) http.Handler {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	tasks := NewTaskHandler(deps.Tasks, log)
	admin := NewAdminHandler(deps.Dashboard, deps.Breakers, log)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.NewTraceMiddleware(log))

	r.Get("/health", HealthHandler(deps.HealthChecks))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)

		// Streams are long lived and run without the request timeout.
		if deps.Hub != nil {
			stream := NewStreamHandler(tasks, deps.Hub)
			r.Get("/tasks/{id}/stream", stream.Stream)
		}

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(timeout))

			r.Post("/tasks", tasks.CreateTask)
			r.Get("/tasks", tasks.ListTasks)
			r.Get("/tasks/{id}", tasks.GetTask)
			r.Post("/tasks/{id}/cancel", tasks.CancelTask)
			r.Get("/analytics", tasks.Analytics)

			// Process-wide state shared by every owner.
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)
				r.Get("/scheduler/dashboard", admin.Dashboard)
				r.Get("/circuit-breakers", admin.Breakers)
				r.Post("/circuit-breakers/{name}/reset", admin.ResetBreaker)
			})
		})
	})

	return r
}
