package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom-api/internal/auth"
)

// stubVerifier accepts exactly one token string.
type stubVerifier struct {
	token  string
	userID uuid.UUID
	err    error
}

func (s *stubVerifier) VerifyToken(_ context.Context, tokenString string) (*auth.Claims, error) {
	if s.err != nil {
		return nil, s.err
	}
	if tokenString != s.token {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Claims{UserID: s.userID}, nil
}

func runAuth(t *testing.T, verifier auth.TokenVerifier, r *http.Request) (*httptest.ResponseRecorder, uuid.UUID, bool) {
	t.Helper()
	var gotUserID uuid.UUID
	var called bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		gotUserID, _ = GetUserID(r)
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	NewAuthMiddleware(verifier).Authenticate(next).ServeHTTP(w, r)
	return w, gotUserID, called
}

func TestAuthenticate_ValidBearerToken(t *testing.T) {
	userID := uuid.New()
	verifier := &stubVerifier{token: "good-token", userID: userID}

	r := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	r.Header.Set("Authorization", "Bearer good-token")

	w, gotUserID, called := runAuth(t, verifier, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, called)
	assert.Equal(t, userID, gotUserID)
}

func TestAuthenticate_QueryParameterFallback(t *testing.T) {
	userID := uuid.New()
	verifier := &stubVerifier{token: "good-token", userID: userID}

	// EventSource clients cannot set headers.
	r := httptest.NewRequest(http.MethodGet, "/api/events?projectId=p&access_token=good-token", nil)

	w, gotUserID, called := runAuth(t, verifier, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, called)
	assert.Equal(t, userID, gotUserID)
}

func TestAuthenticate_MissingHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)

	w, _, called := runAuth(t, &stubVerifier{token: "good-token"}, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, called)
}

func TestAuthenticate_MalformedHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

	w, _, called := runAuth(t, &stubVerifier{token: "good-token"}, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, called)
}

func TestAuthenticate_ExpiredToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	r.Header.Set("Authorization", "Bearer stale")

	w, _, called := runAuth(t, &stubVerifier{err: auth.ErrExpiredToken}, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, called)
	assert.Contains(t, w.Body.String(), "Token expired")
}

func TestAuthenticate_VerifierFailure(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	r.Header.Set("Authorization", "Bearer whatever")

	w, _, called := runAuth(t, &stubVerifier{err: errors.New("keystore unreachable")}, r)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, called)
}
