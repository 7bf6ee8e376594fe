package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// RegisterRequest holds a new account registration.
type RegisterRequest struct {
	Username string `json:"username" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	FullName string `json:"fullName"`
}

// LoginRequest holds credentials for authenticating a user.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse returns the issued token pair and a confirmation message.
type LoginResponse struct {
	Message      string `json:"message"`
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// RefreshResponse carries the freshly minted access token.
type RefreshResponse struct {
	Token string `json:"token"`
}

// LogoutRequest revokes the presented access token and the caller's session.
// UserID arrives as a string and is parsed at the service boundary.
type LogoutRequest struct {
	Token  string `json:"token" validate:"required"`
	UserID string `json:"userId" validate:"required"`
}

// AccessClaims is the JWT payload of access tokens. The subject registered
// claim carries the username.
type AccessClaims struct {
	Email  string `json:"email"`
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}
