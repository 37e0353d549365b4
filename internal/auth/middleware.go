// Package auth identifies the caller of an API request.
//
// Company authentication happens upstream: the gateway forwards the
// authenticated company id in X-Actor-ID. Administrative routes require the
// shared admin secret as a bearer token.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderActor carries the authenticated company or operator id.
	HeaderActor = "X-Actor-ID"
	// HeaderAdminSecret is accepted as an alternative to a bearer token.
	HeaderAdminSecret = "X-Admin-Secret"

	// ContextKeyActor is the key for storing the caller id in gin context
	ContextKeyActor = "actorID"
	// ContextKeyAdmin marks requests authenticated with the admin secret
	ContextKeyAdmin = "isAdmin"
)

// Middleware copies the forwarded actor id into the gin context.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actor := strings.TrimSpace(c.GetHeader(HeaderActor)); actor != "" {
			c.Set(ContextKeyActor, actor)
		}
		c.Next()
	}
}

// RequireActor rejects requests without an actor id.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetActor(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Caller identity required. Include the '" + HeaderActor + "' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests that do not present secret. An empty secret
// disables the protected routes entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API is disabled (ADMIN_SECRET not configured).",
			})
			return
		}
		presented := c.GetHeader(HeaderAdminSecret)
		if presented == "" {
			presented = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin credentials required.",
			})
			return
		}
		c.Set(ContextKeyAdmin, true)
		if GetActor(c) == "" {
			c.Set(ContextKeyActor, "admin")
		}
		c.Next()
	}
}

// MarkAdmin flags requests that present secret as administrator requests
// without rejecting the rest. Party routes use it so operators can read any
// trade.
func MarkAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret != "" {
			presented := c.GetHeader(HeaderAdminSecret)
			if presented != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1 {
				c.Set(ContextKeyAdmin, true)
				if GetActor(c) == "" {
					c.Set(ContextKeyActor, "admin")
				}
			}
		}
		c.Next()
	}
}

// GetActor returns the caller id, or "".
func GetActor(c *gin.Context) string {
	return c.GetString(ContextKeyActor)
}

// IsAdmin reports whether the request was authenticated as an administrator.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}
