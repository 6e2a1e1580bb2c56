package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"whatsapp-bridge/internal/auth"
	"whatsapp-bridge/internal/middleware"
	"whatsapp-bridge/internal/notify"
	"whatsapp-bridge/internal/session"
	"whatsapp-bridge/internal/store"
)

type WhatsAppHandler struct {
	Registry   *session.Registry
	Sessions   store.SessionStore
	Authorizer *auth.Authorizer
	Notifier   notify.Notifier
}

type linkSessionBody struct {
	ChatflowID     string `json:"chatflowId" binding:"required"`
	SocketClientID string `json:"socketClientId"`
}

// Link authenticates on its own so a rejected token can still be reported
// to the socket that is waiting for a pairing code.
func (h *WhatsAppHandler) Link(c *gin.Context) {
	var body linkSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	userID, err := middleware.Authenticate(c, h.Authorizer)
	if err != nil {
		if nerr := h.Notifier.Notify(c.Request.Context(), body.SocketClientID, notify.EventQRCode, notify.LinkFailed(err.Error())); nerr != nil {
			log.WithError(nerr).Warn("Failed to notify link failure")
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	sessionID, err := h.Registry.Link(c.Request.Context(), userID, body.ChatflowID, body.SocketClientID)
	if err != nil {
		log.WithError(err).WithField("flow_id", body.ChatflowID).Error("Failed to link session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to link session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID})
}

func (h *WhatsAppHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	rows, err := h.Sessions.ListByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list sessions"})
		return
	}

	resp := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		state := "INACTIVE"
		if handle, ok := h.Registry.Get(row.SessionID); ok {
			state = string(handle.State())
		}
		resp = append(resp, gin.H{
			"id":          row.ID,
			"chatflowId":  row.ChatflowID,
			"userId":      row.UserID,
			"sessionId":   row.SessionID,
			"phoneNumber": row.PhoneNumber,
			"isActive":    row.IsActive,
			"createdDate": row.CreatedDate,
			"updatedDate": row.UpdatedDate,
			"state":       state,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": resp})
}

func (h *WhatsAppHandler) Unlink(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sessionID := c.Param("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session id"})
		return
	}

	err := h.Registry.Unlink(c.Request.Context(), userID, sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
	case errors.Is(err, session.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "Session belongs to another user"})
	case err != nil:
		log.WithError(err).WithField("session_id", sessionID).Error("Failed to unlink session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to unlink session"})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}
