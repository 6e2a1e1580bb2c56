package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"whatsapp-bridge/internal/session"
)

type HealthHandler struct {
	Registry *session.Registry
}

func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "sessions": h.Registry.OpenCount()})
}
