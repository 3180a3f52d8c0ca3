package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/taskd/internal/api/shared"
	"github.com/phrazzld/taskd/internal/domain"
)

// ownerFromContext returns the owner resolved by the auth middleware.
func ownerFromContext(r *http.Request) (string, error) {
	owner, ok := shared.OwnerID(r.Context())
	if !ok {
		return "", domain.ErrUnauthorized
	}
	return owner, nil
}

// getPathUUID parses the named chi URL parameter as a UUID.
func getPathUUID(r *http.Request, paramName string) (uuid.UUID, error) {
	raw := chi.URLParam(r, paramName)
	if raw == "" {
		return uuid.Nil, domain.NewValidationError(paramName, "is required", domain.ErrValidation)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, domain.NewValidationError(paramName, "has invalid format", domain.ErrInvalidID)
	}
	return id, nil
}

// queryInt reads an integer query parameter bounded by [lo, hi].
func queryInt(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, domain.NewValidationError(name,
			"must be an integer between "+strconv.Itoa(lo)+" and "+strconv.Itoa(hi), domain.ErrValidation)
	}
	return v, nil
}
