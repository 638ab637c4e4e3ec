package middleware

import (
	"net/http"
	"strings"

	"huddle/internal/core/services"

	"github.com/gin-gonic/gin"
)

// ContextUserID is the gin context key holding the authenticated user id.
const ContextUserID = "user_id"

func bearer(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware requires a relay secret as bearer token.
func AuthMiddleware(credentials services.CredentialService) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret, ok := bearer(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		claims, err := credentials.Validate(secret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Next()
	}
}

// OptionalAuthMiddleware records the user when a valid secret is present
// and lets anonymous requests through.
func OptionalAuthMiddleware(credentials services.CredentialService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret, ok := bearer(c); ok {
			if claims, err := credentials.Validate(secret); err == nil {
				c.Set(ContextUserID, claims.UserID)
			}
		}
		c.Next()
	}
}
