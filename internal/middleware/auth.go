package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/carouselio/broadcast-api/internal/handler"
	"github.com/carouselio/broadcast-api/pkg/auth"
	apperrors "github.com/carouselio/broadcast-api/pkg/errors"
)

type AuthMiddleware struct {
	tokens auth.JWTService
}

func NewAuthMiddleware(tokens auth.JWTService) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// AdminAuth verifies the bearer token and sets the admin's id and email in context.
func (m *AuthMiddleware) AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			handler.RespondError(c, apperrors.NewUnauthorized("missing authorization header", nil))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			handler.RespondError(c, apperrors.NewUnauthorized("invalid authorization format", nil))
			return
		}

		claims, err := m.tokens.ValidateAdminToken(parts[1])
		if err != nil {
			if errors.Is(err, auth.ErrNotAdmin) {
				handler.RespondError(c, apperrors.NewForbidden("admin access required", err))
				return
			}
			handler.RespondError(c, apperrors.NewUnauthorized("invalid token", err))
			return
		}

		c.Set(handler.ContextUserID, claims.Subject)
		c.Set(handler.ContextUserEmail, claims.Email)
		c.Next()
	}
}
