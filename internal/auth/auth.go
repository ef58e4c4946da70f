// Package auth verifies the JWT access tokens minted by the identity
// service. This process never issues tokens; it only checks signatures and
// extracts the caller's identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/storyloom/storyloom-api/internal/config"
	"github.com/storyloom/storyloom-api/internal/platform/logger"
)

// Common token verification errors.
var (
	// ErrInvalidToken indicates the token format is invalid or the signature
	// does not match.
	ErrInvalidToken = errors.New("invalid authentication token")

	// ErrExpiredToken indicates the token has expired.
	ErrExpiredToken = errors.New("authentication token has expired")

	// ErrTokenNotYetValid indicates the token's nbf claim is in the future.
	ErrTokenNotYetValid = errors.New("authentication token not yet valid")
)

// Claims carries the verified identity extracted from an access token.
type Claims struct {
	UserID    uuid.UUID
	Subject   string
	ExpiresAt time.Time
}

// TokenVerifier validates access tokens from incoming requests.
type TokenVerifier interface {
	// VerifyToken validates the token string and extracts its claims.
	// Returns ErrExpiredToken, ErrTokenNotYetValid or ErrInvalidToken when
	// validation fails.
	VerifyToken(ctx context.Context, tokenString string) (*Claims, error)
}

// hmacVerifier verifies HMAC-SHA256 signed tokens against a shared secret.
type hmacVerifier struct {
	signingKey []byte
	clockSkew  time.Duration
	timeFunc   func() time.Time // injectable for tests
}

var _ TokenVerifier = (*hmacVerifier)(nil)

// tokenClaims is the wire shape of the claims the identity service mints.
type tokenClaims struct {
	UserID    uuid.UUID `json:"uid"`
	TokenType string    `json:"type"`
	jwt.RegisteredClaims
}

// NewTokenVerifier creates a verifier for the shared-secret scheme in cfg.
func NewTokenVerifier(cfg config.AuthConfig) (TokenVerifier, error) {
	if len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 characters")
	}

	return &hmacVerifier{
		signingKey: []byte(cfg.JWTSecret),
		clockSkew:  2 * time.Minute,
		timeFunc:   time.Now,
	}, nil
}

// VerifyToken validates an access token and returns its claims.
func (v *hmacVerifier) VerifyToken(ctx context.Context, tokenString string) (*Claims, error) {
	log := logger.FromContext(ctx)
	now := v.timeFunc()

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(v.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}

	token, err := jwt.ParseWithClaims(
		tokenString,
		&tokenClaims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.signingKey, nil
		},
		parserOpts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			log.Debug("token validation failed: token expired", "error", err)
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenNotValidYet):
			log.Debug("token validation failed: token not yet valid", "error", err)
			return nil, ErrTokenNotYetValid
		default:
			log.Debug("token validation failed", "error", err)
			return nil, ErrInvalidToken
		}
	}

	claims, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	// Refresh tokens are for the identity service only.
	if claims.TokenType != "access" {
		log.Debug("token validation failed: wrong token type",
			"token_type", claims.TokenType)
		return nil, ErrInvalidToken
	}

	if claims.UserID == uuid.Nil {
		return nil, ErrInvalidToken
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return &Claims{
		UserID:    claims.UserID,
		Subject:   claims.Subject,
		ExpiresAt: expiresAt,
	}, nil
}
