package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for auth introspection
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"header":     "Authorization: Bearer <credential>",
		"altHeader":  "X-API-Key: <api key>",
		"apiKeys":    len(h.manager.keyHashes) > 0,
		"jwt":        len(h.manager.secret) > 0,
		"permissive": h.manager.Permissive(),
		"roles":      []Role{RoleService, RoleReviewer, RoleAdmin},
	})
}

// Whoami returns the caller's principal
func (h *Handler) Whoami(c *gin.Context) {
	p, ok := GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Credentials required."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"principal": p})
}
