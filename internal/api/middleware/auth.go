package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/phrazzld/taskd/internal/api/shared"
	"github.com/phrazzld/taskd/internal/config"
	"github.com/phrazzld/taskd/internal/platform/logger"
)

// Authentication errors
var (
	ErrMissingToken = errors.New("authentication token is missing")
	ErrInvalidToken = errors.New("invalid authentication token")
	ErrExpiredToken = errors.New("authentication token has expired")
	ErrNotAdmin     = errors.New("admin privileges required")
)

// AnonymousOwner is the owner of requests when authentication is disabled
// and no X-Owner-ID header is sent.
const AnonymousOwner = "anonymous"

// OwnerHeader selects the owner when authentication is disabled.
const OwnerHeader = "X-Owner-ID"

// tokenQueryParam carries the token for websocket clients that cannot set headers.
const tokenQueryParam = "access_token"

// Claims are the JWT claims accepted by the API. OwnerID falls back to the
// registered subject when empty. Admin grants access to the routes wrapped
// in RequireAdmin.
type Claims struct {
	OwnerID string `json:"owner_id,omitempty"`
	Admin   bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// TokenOption customises a token signed by IssueToken.
type TokenOption func(*Claims)

// AsAdmin signs the token with the admin claim.
func AsAdmin() TokenOption {
	return func(c *Claims) { c.Admin = true }
}

// Authenticator verifies HS256 bearer tokens and stores the owner ID and
// admin flag in the request context.
type Authenticator struct {
	secret    []byte
	enabled   bool
	admins    map[string]bool
	clockSkew time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewAuthenticator creates an Authenticator from cfg.
func NewAuthenticator(cfg config.AuthConfig, log *slog.Logger) *Authenticator {
	if log == nil {
		log = slog.Default()
	}
	admins := make(map[string]bool, len(cfg.AdminOwners))
	for _, owner := range cfg.AdminOwners {
		admins[owner] = true
	}
	return &Authenticator{
		secret:    []byte(cfg.JWTSecret),
		enabled:   cfg.Enabled,
		admins:    admins,
		clockSkew: 30 * time.Second,
		now:       time.Now,
		logger:    log.With("component", "auth"),
	}
}

// IssueToken signs a token for ownerID valid for ttl.
func (a *Authenticator) IssueToken(ownerID string, ttl time.Duration, opts ...TokenOption) (string, error) {
	if ownerID == "" {
		return "", errors.New("owner ID cannot be empty")
	}
	if len(a.secret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	now := a.now().UTC()
	claims := Claims{
		OwnerID: ownerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	for _, opt := range opts {
		opt(&claims)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates token and returns its owner ID.
func (a *Authenticator) ParseToken(token string) (string, error) {
	claims, err := a.parseClaims(token)
	if err != nil {
		return "", err
	}
	return claims.OwnerID, nil
}

// parseClaims validates token and returns its claims with OwnerID resolved.
func (a *Authenticator) parseClaims(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return a.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(a.clockSkew),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.OwnerID == "" {
		claims.OwnerID = claims.Subject
	}
	if claims.OwnerID == "" {
		return nil, fmt.Errorf("%w: no owner claim", ErrInvalidToken)
	}
	return claims, nil
}

// Authenticate resolves the request owner and rejects unauthenticated requests.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled {
			owner := r.Header.Get(OwnerHeader)
			if owner == "" {
				owner = AnonymousOwner
			}
			ctx := shared.WithOwnerID(r.Context(), owner)
			next.ServeHTTP(w, r.WithContext(shared.WithAdmin(ctx, a.admins[owner])))
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid authorization format")
			return
		}

		claims, err := a.parseClaims(token)
		if err != nil {
			msg := "Invalid token"
			switch {
			case errors.Is(err, ErrMissingToken):
				msg = "Authorization header required"
			case errors.Is(err, ErrExpiredToken):
				msg = "Token expired"
			}
			shared.RespondWithErrorAndLog(w, r, http.StatusUnauthorized, msg, err, shared.WithElevatedLogLevel())
			return
		}

		owner := claims.OwnerID
		ctx := shared.WithOwnerID(r.Context(), owner)
		ctx = shared.WithAdmin(ctx, claims.Admin || a.admins[owner])
		ctx = logger.WithLogger(ctx, logger.FromContextOrDefault(ctx, a.logger).With("owner_id", owner))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects requests that Authenticate did not mark as admin.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shared.IsAdmin(r.Context()) {
			shared.RespondWithErrorAndLog(w, r, http.StatusForbidden, "Admin privileges required",
				ErrNotAdmin, shared.WithElevatedLogLevel())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from the Authorization header or, failing
// that, the access_token query parameter. ok is false for a malformed header.
func bearerToken(r *http.Request) (token string, ok bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return r.URL.Query().Get(tokenQueryParam), true
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return strings.TrimSpace(token), true
}
