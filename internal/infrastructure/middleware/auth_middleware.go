package middleware

import (
	"net/http"
	"strings"

	"rillcall/internal/core/ports"

	"github.com/gin-gonic/gin"
)

// Context keys set by the auth middlewares.
const (
	ContextSubject  = "subject"
	ContextUsername = "username"
)

// BearerToken returns the token of an "Authorization: Bearer" header.
func BearerToken(header string) (string, bool) {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func AuthMiddleware(authService ports.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}

		token, ok := BearerToken(authHeader)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}

		claims, err := authService.ValidateToken(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(ContextSubject, claims.Subject)
		c.Set(ContextUsername, claims.Username)
		c.Next()
	}
}

func OptionalAuthMiddleware(authService ports.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := BearerToken(c.GetHeader("Authorization")); ok {
			if claims, err := authService.ValidateToken(c.Request.Context(), token); err == nil {
				c.Set(ContextSubject, claims.Subject)
				c.Set(ContextUsername, claims.Username)
			}
		}
		c.Next()
	}
}
