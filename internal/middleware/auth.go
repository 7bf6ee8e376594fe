package middleware

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/minWang916/kms-api/internal/models"
	"github.com/minWang916/kms-api/internal/service"
	appErrors "github.com/minWang916/kms-api/pkg/errors"
	"github.com/minWang916/kms-api/pkg/response"
)

// ContextUserKey is the gin context key storing the caller's access claims.
const ContextUserKey = "currentUser"

// Authenticate is the per-request authentication gate. Requests without a
// bearer token proceed unauthenticated; the routing layer decides whether
// the target endpoint permits that. Requests with a token are either
// rejected (bad signature, bad payload, expired, blacklisted) or continue
// with the caller's identity established in the request context.
func Authenticate(tokens *service.TokenService, blacklist service.TokenBlacklist, metrics *service.MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.Next()
			return
		}
		token := parts[1]

		status := tokens.Verify(token)
		if status != service.TokenValid {
			if metrics != nil {
				metrics.RecordTokenRejection(status.String())
			}
			reject(c, rejectionMessage(status))
			return
		}

		_, claims, err := tokens.Decode(token)
		if err != nil {
			reject(c, "Invalid token payload")
			return
		}
		userID, err := strconv.ParseInt(claims.UserID, 10, 64)
		if err != nil {
			reject(c, "Invalid token payload")
			return
		}

		blacklisted, err := blacklist.Get(c.Request.Context(), userID)
		if err != nil && !appErrors.Is(err, appErrors.ErrCacheMiss) {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check token revocation"))
			c.Abort()
			return
		}
		if err == nil && blacklisted == token {
			if metrics != nil {
				metrics.RecordTokenRejection("blacklisted")
			}
			reject(c, "Token has been blacklisted")
			return
		}

		// Only the first authentication in the chain is honored.
		if _, exists := c.Get(ContextUserKey); !exists {
			c.Set(ContextUserKey, claims)
		}

		c.Next()
	}
}

// RequireUser aborts requests that reached a protected route without an
// established identity.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentUser(c) == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		c.Next()
	}
}

// CurrentUser returns the access claims established by the gate, or nil.
func CurrentUser(c *gin.Context) *models.AccessClaims {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.AccessClaims)
	if !ok {
		return nil
	}
	return claims
}

func rejectionMessage(status service.TokenStatus) string {
	switch status {
	case service.TokenInvalidSignature:
		return "Invalid token signature"
	case service.TokenExpired:
		return "Token has expired"
	default:
		return "Invalid token payload"
	}
}

func reject(c *gin.Context, message string) {
	response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, message))
	c.Abort()
}
