package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKeyPrincipal is the gin context key for the authenticated principal.
const ContextKeyPrincipal = "authPrincipal"

var anonymousAdmin = &Principal{Subject: "anonymous", Role: RoleAdmin, Method: MethodPermissive}

// Middleware extracts and validates credentials from the request.
// It never aborts; RequireAuth and RequireRole enforce.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.Permissive() {
			c.Set(ContextKeyPrincipal, anonymousAdmin)
			c.Next()
			return
		}

		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}
		if raw != "" {
			if p, err := m.Authenticate(raw); err == nil {
				c.Set(ContextKeyPrincipal, p)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid principal.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetPrincipal(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Credentials required. Include 'Authorization: Bearer <api key or token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects requests whose principal holds none of roles.
// Admins pass every role check.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Credentials required.",
			})
			return
		}
		if p.Role == RoleAdmin {
			c.Next()
			return
		}
		for _, r := range roles {
			if p.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Your role may not perform this operation.",
		})
	}
}

// GetPrincipal returns the authenticated principal, if any.
func GetPrincipal(c *gin.Context) (*Principal, bool) {
	v, exists := c.Get(ContextKeyPrincipal)
	if !exists {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

// Subject returns the authenticated subject or "" when unauthenticated.
func Subject(c *gin.Context) string {
	if p, ok := GetPrincipal(c); ok {
		return p.Subject
	}
	return ""
}
