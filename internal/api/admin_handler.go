package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/taskd/internal/api/shared"
	"github.com/phrazzld/taskd/internal/circuit"
	"github.com/phrazzld/taskd/internal/platform/logger"
	"github.com/phrazzld/taskd/internal/scheduler"
)

// DashboardSource produces the scheduler dashboard.
type DashboardSource interface {
	Snapshot(ctx context.Context) (*scheduler.DashboardView, error)
}

// BreakerRegistry exposes circuit breaker state.
type BreakerRegistry interface {
	States() []circuit.Snapshot
	Reset(name string) bool
}

// BreakersResponse is returned by GET /api/circuit-breakers.
type BreakersResponse struct {
	Breakers []circuit.Snapshot `json:"breakers"`
}

// AdminHandler serves the scheduler dashboard and circuit breaker endpoints.
type AdminHandler struct {
	dashboard DashboardSource
	breakers  BreakerRegistry
	logger    *slog.Logger
}

// NewAdminHandler creates an AdminHandler. Either source may be nil, in
// which case its endpoints answer 503.
func NewAdminHandler(dashboard DashboardSource, breakers BreakerRegistry, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		dashboard: dashboard,
		breakers:  breakers,
		logger:    logger.With("component", "admin_handler"),
	}
}

// Dashboard handles GET /api/scheduler/dashboard.
func (h *AdminHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	if h.dashboard == nil {
		respondWithError(w, r, ErrUnavailable)
		return
	}
	view, err := h.dashboard.Snapshot(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, view)
}

// Breakers handles GET /api/circuit-breakers.
func (h *AdminHandler) Breakers(w http.ResponseWriter, r *http.Request) {
	if h.breakers == nil {
		respondWithError(w, r, ErrUnavailable)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, BreakersResponse{Breakers: h.breakers.States()})
}

// ResetBreaker handles POST /api/circuit-breakers/{name}/reset.
func (h *AdminHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	if h.breakers == nil {
		respondWithError(w, r, ErrUnavailable)
		return
	}
	name := chi.URLParam(r, "name")
	if !h.breakers.Reset(name) {
		respondWithError(w, r, ErrBreakerNotFound)
		return
	}

	owner, _ := shared.OwnerID(r.Context())
	logger.FromContextOrDefault(r.Context(), h.logger).Warn("circuit breaker reset manually",
		"breaker", name,
		"owner_id", owner)

	for _, s := range h.breakers.States() {
		if s.Name == name {
			shared.RespondWithJSON(w, r, http.StatusOK, s)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
