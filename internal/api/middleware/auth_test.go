package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/phrazzld/taskd/internal/api/shared"
	"github.com/phrazzld/taskd/internal/config"
	"github.com/phrazzld/taskd/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-that-is-long-enough-123456"

func newTestAuthenticator(enabled bool) *Authenticator {
	return NewAuthenticator(config.AuthConfig{Enabled: enabled, JWTSecret: testSecret}, logger.Discard())
}

// ownerEcho writes the resolved owner ID as the response body.
var ownerEcho = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	owner, _ := shared.OwnerID(r.Context())
	_, _ = w.Write([]byte(owner))
})

func TestParseToken(t *testing.T) {
	t.Parallel()

	auth := newTestAuthenticator(true)
	token, err := auth.IssueToken("owner-1", time.Hour)
	require.NoError(t, err)

	owner, err := auth.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", owner)

	t.Run("expired", func(t *testing.T) {
		t.Parallel()
		past := newTestAuthenticator(true)
		past.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
		expired, err := past.IssueToken("owner-1", time.Hour)
		require.NoError(t, err)

		_, err = auth.ParseToken(expired)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("within clock skew", func(t *testing.T) {
		t.Parallel()
		past := newTestAuthenticator(true)
		past.now = func() time.Time { return time.Now().Add(-time.Hour - 10*time.Second) }
		tok, err := past.IssueToken("owner-1", time.Hour)
		require.NoError(t, err)

		_, err = auth.ParseToken(tok)
		assert.NoError(t, err)
	})

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()
		other := NewAuthenticator(config.AuthConfig{Enabled: true, JWTSecret: "another-secret-that-is-long-enough-000"}, logger.Discard())
		tok, err := other.IssueToken("owner-1", time.Hour)
		require.NoError(t, err)

		_, err = auth.ParseToken(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		t.Parallel()
		claims := Claims{OwnerID: "owner-1", RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)

		_, err = auth.ParseToken(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing expiry", func(t *testing.T) {
		t.Parallel()
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{OwnerID: "owner-1"}).SignedString([]byte(testSecret))
		require.NoError(t, err)

		_, err = auth.ParseToken(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("subject fallback", func(t *testing.T) {
		t.Parallel()
		claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "owner-from-sub",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)

		owner, err := auth.ParseToken(tok)
		require.NoError(t, err)
		assert.Equal(t, "owner-from-sub", owner)
	})

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		_, err := auth.ParseToken("")
		assert.ErrorIs(t, err, ErrMissingToken)
	})
}

func TestIssueToken_Errors(t *testing.T) {
	t.Parallel()

	_, err := newTestAuthenticator(true).IssueToken("", time.Hour)
	assert.Error(t, err)

	_, err = NewAuthenticator(config.AuthConfig{Enabled: true}, logger.Discard()).IssueToken("owner", time.Hour)
	assert.Error(t, err)
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	auth := newTestAuthenticator(true)
	token, err := auth.IssueToken("owner-1", time.Hour)
	require.NoError(t, err)
	handler := auth.Authenticate(ownerEcho)

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
		wantOwner  string
	}{
		{"bearer header", "Bearer " + token, "", http.StatusOK, "owner-1"},
		{"lowercase scheme", "bearer " + token, "", http.StatusOK, "owner-1"},
		{"query parameter", "", token, http.StatusOK, "owner-1"},
		{"no credentials", "", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic " + token, "", http.StatusUnauthorized, ""},
		{"garbage token", "Bearer not.a.token", "", http.StatusUnauthorized, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			target := "/api/tasks"
			if tc.query != "" {
				target += "?access_token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantStatus == http.StatusOK {
				assert.Equal(t, tc.wantOwner, rec.Body.String())
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	t.Parallel()

	cfg := config.AuthConfig{Enabled: true, JWTSecret: testSecret, AdminOwners: []string{"ops-1"}}
	auth := NewAuthenticator(cfg, logger.Discard())
	handler := auth.Authenticate(RequireAdmin(ownerEcho))

	issue := func(owner string, opts ...TokenOption) string {
		tok, err := auth.IssueToken(owner, time.Hour, opts...)
		require.NoError(t, err)
		return tok
	}

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"admin claim", issue("owner-9", AsAdmin()), http.StatusOK},
		{"allowlisted owner", issue("ops-1"), http.StatusOK},
		{"regular owner", issue("owner-9"), http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/circuit-breakers/gemini/reset", nil)
			req.Header.Set("Authorization", "Bearer "+tc.token)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.wantStatus, rec.Code)
		})
	}

	t.Run("disabled auth uses the allowlist", func(t *testing.T) {
		cfg := config.AuthConfig{AdminOwners: []string{"ops-1"}}
		handler := NewAuthenticator(cfg, logger.Discard()).Authenticate(RequireAdmin(ownerEcho))

		req := httptest.NewRequest(http.MethodGet, "/api/circuit-breakers", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)

		req = httptest.NewRequest(http.MethodGet, "/api/circuit-breakers", nil)
		req.Header.Set(OwnerHeader, "ops-1")
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestAuthenticate_Disabled(t *testing.T) {
	t.Parallel()

	handler := newTestAuthenticator(false).Authenticate(ownerEcho)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, AnonymousOwner, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set(OwnerHeader, "owner-7")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "owner-7", rec.Body.String())
}

func TestTraceMiddleware(t *testing.T) {
	t.Parallel()

	log, buf := logger.GetTestLogger(t)
	var traceID string
	handler := NewTraceMiddleware(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = shared.GetTraceID(r.Context())
		logger.FromContext(r.Context()).Info("inside handler")
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	require.NotEmpty(t, traceID)
	logger.AssertLogContains(t, buf, traceID)
	logger.AssertLogContains(t, buf, "inside handler")
}
