package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/minWang916/kms-api/internal/middleware"
	"github.com/minWang916/kms-api/internal/models"
	appErrors "github.com/minWang916/kms-api/pkg/errors"
	"github.com/minWang916/kms-api/pkg/response"
)

type authService interface {
	Register(ctx context.Context, req models.RegisterRequest, origin string) (string, error)
	Verify(ctx context.Context, code string) (string, error)
	Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*models.RefreshResponse, error)
	Logout(ctx context.Context, req models.LogoutRequest) (string, error)
}

// AuthHandler wires the HTTP auth endpoints to the auth service.
type AuthHandler struct {
	service authService

	// publicURL, when set, overrides the request-derived origin used in
	// verification links.
	publicURL string
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(svc authService, publicURL string) *AuthHandler {
	return &AuthHandler{service: svc, publicURL: publicURL}
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid registration payload"))
		return
	}

	msg, err := h.service.Register(c.Request.Context(), req, h.origin(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, msg)
}

// Verify handles GET /auth/verify?code=.
func (h *AuthHandler) Verify(c *gin.Context) {
	code := c.Query("code")

	msg, err := h.service.Verify(c.Request.Context(), code)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, msg)
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid login payload"))
		return
	}

	res, err := h.service.Login(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res)
}

// Refresh handles POST /auth/refresh-token. The refresh token arrives in the
// refreshToken header.
func (h *AuthHandler) Refresh(c *gin.Context) {
	refreshToken := c.GetHeader("refreshToken")

	res, err := h.service.RefreshAccessToken(c.Request.Context(), refreshToken)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res)
}

// Logout handles POST /auth/logout.
func (h *AuthHandler) Logout(c *gin.Context) {
	var req models.LogoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid logout payload"))
		return
	}

	msg, err := h.service.Logout(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, msg)
}

// Me returns the authenticated caller's identity.
func (h *AuthHandler) Me(c *gin.Context) {
	claims := middleware.CurrentUser(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	response.JSON(c, http.StatusOK, gin.H{
		"username": claims.Subject,
		"email":    claims.Email,
		"userId":   claims.UserID,
	})
}

func (h *AuthHandler) origin(c *gin.Context) string {
	if h.publicURL != "" {
		return h.publicURL
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}
