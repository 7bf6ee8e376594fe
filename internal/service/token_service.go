package service

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/minWang916/kms-api/internal/models"
	"github.com/minWang916/kms-api/pkg/config"
)

// TokenStatus is the outcome of verifying a signed token.
type TokenStatus int

const (
	TokenValid TokenStatus = iota
	TokenInvalidSignature
	TokenInvalidPayload
	TokenExpired
)

// String returns a stable name for logging and rejection messages.
func (s TokenStatus) String() string {
	switch s {
	case TokenValid:
		return "valid"
	case TokenInvalidSignature:
		return "invalid_signature"
	case TokenExpired:
		return "expired"
	default:
		return "invalid_payload"
	}
}

// TokenService creates and verifies signed time-bounded tokens. It is
// stateless aside from the secret and the two configured lifetimes.
type TokenService struct {
	secret            []byte
	accessExpiration  time.Duration
	refreshExpiration time.Duration
}

// NewTokenService constructs a token service from JWT configuration.
func NewTokenService(cfg config.JWTConfig) *TokenService {
	return &TokenService{
		secret:            []byte(cfg.Secret),
		accessExpiration:  cfg.AccessExpiration,
		refreshExpiration: cfg.RefreshExpiration,
	}
}

// AccessExpiration exposes the configured access token lifetime.
func (s *TokenService) AccessExpiration() time.Duration {
	return s.accessExpiration
}

// RefreshExpiration exposes the configured refresh token lifetime.
func (s *TokenService) RefreshExpiration() time.Duration {
	return s.refreshExpiration
}

// IssueAccessToken signs an access token with subject=username and the
// embedded email and user id claims.
func (s *TokenService) IssueAccessToken(username, email string, userID int64) (string, error) {
	now := time.Now().UTC()
	claims := &models.AccessClaims{
		Email:  email,
		UserID: strconv.FormatInt(userID, 10),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessExpiration)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// IssueRefreshToken signs a refresh token carrying only the subject.
func (s *TokenService) IssueRefreshToken(username string) (string, error) {
	now := time.Now().UTC()
	claims := &jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshExpiration)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign refresh token: %w", err)
	}
	return signed, nil
}

// Verify checks signature then expiry and always reports one of the four
// outcomes; malformed input never produces a panic or an error value.
func (s *TokenService) Verify(token string) TokenStatus {
	_, err := jwt.ParseWithClaims(token, &models.AccessClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})

	switch {
	case err == nil:
		return TokenValid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return TokenInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return TokenExpired
	default:
		return TokenInvalidPayload
	}
}

// RemainingLifetime decodes the expiry claim without re-verifying the
// signature and returns how long the token is still live, floored at zero.
func (s *TokenService) RemainingLifetime(token string) time.Duration {
	claims := &models.AccessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0
	}
	if claims.ExpiresAt == nil {
		return 0
	}

	remaining := time.Until(claims.ExpiresAt.Time)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Decode extracts the subject and claim set without verifying the signature.
// Callers must have verified the token already; this is not a substitute.
func (s *TokenService) Decode(token string) (string, *models.AccessClaims, error) {
	claims := &models.AccessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", nil, fmt.Errorf("decode token: %w", err)
	}
	return claims.Subject, claims, nil
}
