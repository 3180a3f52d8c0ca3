package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/phrazzld/taskd/internal/api/shared"
	"github.com/phrazzld/taskd/internal/domain"
	"github.com/phrazzld/taskd/internal/platform/logger"
	"github.com/phrazzld/taskd/internal/store"
	"github.com/phrazzld/taskd/internal/task"
)

// TaskService is the part of *task.Manager used by the handlers.
type TaskService interface {
	StartTask(ctx context.Context, ownerID, taskType string, request json.RawMessage, op task.Operation, opts ...task.StartOption) (uuid.UUID, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*task.StatusView, error)
	ListTasks(ctx context.Context, params store.ListTasksParams) ([]domain.TaskSummary, error)
	Analytics(ctx context.Context, ownerID string, windowDays int) (*domain.Analytics, error)
	Cancel(ctx context.Context, id uuid.UUID) error
}

// Query limits
const (
	defaultListLimit     = 50
	maxListLimit         = 200
	defaultAnalyticsDays = 7
	maxAnalyticsDays     = 365
)

// CreateTaskRequest is the body of POST /api/tasks.
type CreateTaskRequest struct {
	TaskType      string          `json:"task_type" validate:"required,max=100"`
	Request       json.RawMessage `json:"request,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty" validate:"max=200"`
	Priority      int             `json:"priority,omitempty" validate:"gte=0,lte=10"`
	MaxRetries    *int            `json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=10"`
}

// CreateTaskResponse is returned when a task has been queued.
type CreateTaskResponse struct {
	TaskID    uuid.UUID         `json:"task_id"`
	Status    domain.TaskStatus `json:"status"`
	StatusURL string            `json:"status_url"`
	StreamURL string            `json:"stream_url"`
}

// ListTasksResponse is returned by GET /api/tasks.
type ListTasksResponse struct {
	Tasks  []domain.TaskSummary `json:"tasks"`
	Count  int                  `json:"count"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// TaskHandler serves the task endpoints.
type TaskHandler struct {
	tasks  TaskService
	logger *slog.Logger
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(tasks TaskService, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{tasks: tasks, logger: logger.With("component", "task_handler")}
}

// CreateTask handles POST /api/tasks.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	owner, err := ownerFromContext(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	var req CreateTaskRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		respondWithError(w, r, err)
		return
	}

	taskOpts := []domain.TaskOption{domain.WithPriority(req.Priority)}
	if req.CorrelationID != "" {
		taskOpts = append(taskOpts, domain.WithCorrelationID(req.CorrelationID))
	} else if reqID := logger.RequestIDFromContext(r.Context()); reqID != "" {
		taskOpts = append(taskOpts, domain.WithCorrelationID(reqID))
	}
	if req.MaxRetries != nil {
		taskOpts = append(taskOpts, domain.WithMaxRetries(*req.MaxRetries))
	}

	id, err := h.tasks.StartTask(r.Context(), owner, req.TaskType, req.Request, nil, task.WithTaskOptions(taskOpts...))
	if err != nil {
		if errors.Is(err, task.ErrQueueFull) && id != uuid.Nil {
			log.Warn("task rejected by full queue", "task_id", id, "task_type", req.TaskType)
		}
		respondWithError(w, r, err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, CreateTaskResponse{
		TaskID:    id,
		Status:    domain.TaskStatusPending,
		StatusURL: "/api/tasks/" + id.String(),
		StreamURL: "/api/tasks/" + id.String() + "/stream",
	})
}

// GetTask handles GET /api/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	view, err := h.ownedTask(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, view)
}

// ListTasks handles GET /api/tasks?status=&limit=&offset=.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromContext(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	params := store.ListTasksParams{OwnerID: owner}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := domain.TaskStatus(raw)
		if !status.IsValid() {
			respondWithError(w, r, domain.NewValidationError("status", "is not a task status", domain.ErrValidation))
			return
		}
		params.Status = &status
	}
	if params.Limit, err = queryInt(r, "limit", defaultListLimit, 1, maxListLimit); err != nil {
		respondWithError(w, r, err)
		return
	}
	if params.Offset, err = queryInt(r, "offset", 0, 0, 1<<30); err != nil {
		respondWithError(w, r, err)
		return
	}

	tasks, err := h.tasks.ListTasks(r.Context(), params)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []domain.TaskSummary{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ListTasksResponse{
		Tasks:  tasks,
		Count:  len(tasks),
		Limit:  params.Limit,
		Offset: params.Offset,
	})
}

// CancelTask handles POST /api/tasks/{id}/cancel.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	view, err := h.ownedTask(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if err := h.tasks.Cancel(r.Context(), view.TaskID); err != nil {
		respondWithError(w, r, err)
		return
	}

	updated, err := h.tasks.GetStatus(r.Context(), view.TaskID)
	if err != nil || updated == nil {
		view.Status = domain.TaskStatusCancelled
		updated = view
	}
	shared.RespondWithJSON(w, r, http.StatusOK, updated)
}

// Analytics handles GET /api/analytics?days=. Admins see every owner's
// tasks, everyone else only their own.
func (h *TaskHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromContext(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	days, err := queryInt(r, "days", defaultAnalyticsDays, 1, maxAnalyticsDays)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if shared.IsAdmin(r.Context()) {
		owner = ""
	}
	a, err := h.tasks.Analytics(r.Context(), owner, days)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, a)
}

// ownedTask loads the task named by the {id} path parameter and checks that
// it belongs to the request owner.
func (h *TaskHandler) ownedTask(r *http.Request) (*task.StatusView, error) {
	owner, err := ownerFromContext(r)
	if err != nil {
		return nil, err
	}
	id, err := getPathUUID(r, "id")
	if err != nil {
		return nil, err
	}
	view, err := h.tasks.GetStatus(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if view == nil {
		return nil, store.ErrTaskNotFound
	}
	if view.OwnerID != owner {
		return nil, ErrTaskNotOwned
	}
	return view, nil
}
