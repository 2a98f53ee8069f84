package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/logging"
)

const (
	// ContextKeyUserID is the key for storing the authenticated user id in gin context
	ContextKeyUserID = "authUserID"
	// ContextKeyRole is the key for storing the authenticated role in gin context
	ContextKeyRole = "authRole"
)

// Middleware rejects requests without a valid bearer token. The /ws
// upgrade may pass the token as ?token= since browsers cannot set headers
// on WebSocket requests.
func Middleware(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearer(c.GetHeader("Authorization"))
		if raw == "" {
			raw = c.Query("token")
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}

		p, err := a.Verify(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "Invalid or expired token.",
			})
			return
		}

		c.Set(ContextKeyUserID, p.UserID)
		c.Set(ContextKeyRole, p.Role)
		c.Request = c.Request.WithContext(logging.With(c.Request.Context(), "user_id", p.UserID))
		c.Next()
	}
}

func bearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// RequireRole rejects authenticated callers whose role is not listed.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !HasRole(c, roles...) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "This operation requires one of the roles: " + joinRoles(roles),
			})
			return
		}
		c.Next()
	}
}

// HasRole reports whether the caller holds one of roles.
func HasRole(c *gin.Context, roles ...Role) bool {
	role := RoleOf(c)
	for _, r := range roles {
		if role == r {
			return true
		}
	}
	return false
}

// UserID returns the authenticated user's id
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// RoleOf returns the authenticated caller's role
func RoleOf(c *gin.Context) Role {
	v, ok := c.Get(ContextKeyRole)
	if !ok {
		return ""
	}
	role, _ := v.(Role)
	return role
}

// IsOperator reports whether the caller acts on behalf of the platform.
func IsOperator(c *gin.Context) bool {
	return HasRole(c, RoleAdmin, RoleSystem)
}

func joinRoles(roles []Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, ", ")
}
