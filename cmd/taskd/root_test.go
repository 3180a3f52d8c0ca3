package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/phrazzld/taskd/internal/api/middleware"
	"github.com/phrazzld/taskd/internal/config"
	"github.com/phrazzld/taskd/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-that-is-long-enough-123456"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "taskd dev")
	assert.Contains(t, out, "go version:")
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("TASKD_AUTH_ENABLED", "true")
	t.Setenv("TASKD_AUTH_JWT_SECRET", testSecret)

	out, err := execute(t, "token", "owner-42", "--ttl", "1h")
	require.NoError(t, err)

	auth := middleware.NewAuthenticator(config.AuthConfig{Enabled: true, JWTSecret: testSecret}, logger.Discard())
	owner, err := auth.ParseToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "owner-42", owner)
}

func TestTokenCommand_Admin(t *testing.T) {
	t.Setenv("TASKD_AUTH_ENABLED", "true")
	t.Setenv("TASKD_AUTH_JWT_SECRET", testSecret)

	auth := middleware.NewAuthenticator(config.AuthConfig{Enabled: true, JWTSecret: testSecret}, logger.Discard())
	protected := auth.Authenticate(middleware.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	for _, tc := range []struct {
		args []string
		want int
	}{
		{[]string{"token", "ops-1", "--admin"}, http.StatusNoContent},
		{[]string{"token", "user-1"}, http.StatusForbidden},
	} {
		out, err := execute(t, tc.args...)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(out))
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, "%v", tc.args)
	}
}

func TestTokenCommand_RequiresSecret(t *testing.T) {
	t.Setenv("TASKD_AUTH_JWT_SECRET", "")

	_, err := execute(t, "token", "owner-42")
	assert.Error(t, err)

	_, err = execute(t, "token")
	assert.Error(t, err)
}

func TestLoadRejectsInvalidFlag(t *testing.T) {
	_, err := execute(t, "migrate", "status", "--db-driver", "oracle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
}
