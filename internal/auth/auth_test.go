package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom-api/internal/config"
)

const testSecret = "test-secret-that-is-at-least-32-characters-long"

// signToken mints a token the way the identity service does.
func signToken(t *testing.T, secret string, userID uuid.UUID, tokenType string, expiresAt time.Time) string {
	t.Helper()
	claims := tokenClaims{
		UserID:    userID,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func newVerifier(t *testing.T) TokenVerifier {
	t.Helper()
	verifier, err := NewTokenVerifier(config.AuthConfig{JWTSecret: testSecret})
	require.NoError(t, err)
	return verifier
}

func TestNewTokenVerifier_RejectsShortSecret(t *testing.T) {
	_, err := NewTokenVerifier(config.AuthConfig{JWTSecret: "too-short"})
	assert.Error(t, err)
}

func TestVerifyToken_Valid(t *testing.T) {
	verifier := newVerifier(t)
	userID := uuid.New()
	token := signToken(t, testSecret, userID, "access", time.Now().Add(time.Hour))

	claims, err := verifier.VerifyToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, userID.String(), claims.Subject)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, 5*time.Second)
}

func TestVerifyToken_Expired(t *testing.T) {
	verifier := newVerifier(t)
	token := signToken(t, testSecret, uuid.New(), "access", time.Now().Add(-time.Hour))

	_, err := verifier.VerifyToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	verifier := newVerifier(t)
	token := signToken(t, "another-secret-that-is-32-chars-long!!", uuid.New(), "access", time.Now().Add(time.Hour))

	_, err := verifier.VerifyToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyToken_RefreshTokenRejected(t *testing.T) {
	verifier := newVerifier(t)
	token := signToken(t, testSecret, uuid.New(), "refresh", time.Now().Add(time.Hour))

	_, err := verifier.VerifyToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyToken_Malformed(t *testing.T) {
	verifier := newVerifier(t)

	_, err := verifier.VerifyToken(context.Background(), "not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyToken_MissingUserID(t *testing.T) {
	verifier := newVerifier(t)
	token := signToken(t, testSecret, uuid.Nil, "access", time.Now().Add(time.Hour))

	_, err := verifier.VerifyToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
