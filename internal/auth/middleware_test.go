package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgov/gatekeeper/internal/auth"
)

func serve(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestDisabledWhenNoSecret(t *testing.T) {
	h := auth.NewMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rr := serve(h, "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRejectsMissingToken(t *testing.T) {
	h := auth.NewMiddleware("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))
	rr := serve(h, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRejectsBadToken(t *testing.T) {
	h := auth.NewMiddleware("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))
	rr := serve(h, "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRejectsWrongSecret(t *testing.T) {
	token, err := auth.SignToken("other-secret", "agent-1", nil)
	require.NoError(t, err)
	h := auth.NewMiddleware("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))
	rr := serve(h, token)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAcceptsSignedTokenAndExposesPrincipal(t *testing.T) {
	token, err := auth.SignToken("secret", "operator", []string{"admin", "viewer"})
	require.NoError(t, err)

	var principal *auth.Principal
	h := auth.NewMiddleware("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal = auth.FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	rr := serve(h, token)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, principal)
	assert.Equal(t, "operator", principal.Subject)
	assert.True(t, principal.HasRole("admin"))
	assert.False(t, principal.HasRole("root"))
}

func TestHasRoleNilPrincipal(t *testing.T) {
	var p *auth.Principal
	assert.False(t, p.HasRole("admin"))
}
