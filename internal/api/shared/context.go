// Package shared holds request context keys and the JSON request/response
// helpers used by the api package and its middleware.
package shared

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// ContextKey is the type of context keys set by the api middleware.
type ContextKey string

// Context keys for request scoped values
const (
	// OwnerIDContextKey is the context key for the authenticated owner ID
	OwnerIDContextKey ContextKey = "ownerID"

	// AdminContextKey marks requests authenticated with admin rights
	AdminContextKey ContextKey = "admin"

	// TraceIDKey is the key for the trace ID in the request context
	TraceIDKey ContextKey = "traceID"

	// TraceIDLength is the number of bytes used to generate the trace ID
	TraceIDLength = 16
)

// WithOwnerID returns a copy of ctx carrying ownerID.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, OwnerIDContextKey, ownerID)
}

// OwnerID returns the authenticated owner stored in ctx.
func OwnerID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(OwnerIDContextKey).(string)
	return id, ok && id != ""
}

// WithAdmin returns a copy of ctx recording whether the request has admin rights.
func WithAdmin(ctx context.Context, admin bool) context.Context {
	return context.WithValue(ctx, AdminContextKey, admin)
}

// IsAdmin reports whether the request was authenticated with admin rights.
func IsAdmin(ctx context.Context) bool {
	admin, _ := ctx.Value(AdminContextKey).(bool)
	return admin
}

// SetTraceID adds a new trace ID to the context.
func SetTraceID(ctx context.Context) context.Context {
	return context.WithValue(ctx, TraceIDKey, generateTraceID())
}

// GetTraceID retrieves the trace ID from the context, or "" if none is set.
func GetTraceID(ctx context.Context) string {
	traceID, _ := ctx.Value(TraceIDKey).(string)
	return traceID
}

func generateTraceID() string {
	b := make([]byte, TraceIDLength)
	if _, err := rand.Read(b); err != nil {
		// uuid falls back to its own entropy pool
		return uuid.NewString()
	}
	return hex.EncodeToString(b)
}
