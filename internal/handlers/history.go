package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"property-chat/internal/store"
	"property-chat/internal/telemetry"
)

// HistoryHandler serves the non-live path to the recent-event window.
type HistoryHandler struct {
	events     store.EventStore
	properties store.PropertyStore
	audit      *telemetry.AuditEmitter
}

// NewHistoryHandler constructs a HistoryHandler.
func NewHistoryHandler(events store.EventStore, properties store.PropertyStore, audit *telemetry.AuditEmitter) *HistoryHandler {
	return &HistoryHandler{events: events, properties: properties, audit: audit}
}

// RecentMessages returns the most recent events of a property, oldest first,
// for participants only. Same window the relay replays on join.
func (h *HistoryHandler) RecentMessages(c *gin.Context) {
	propertyID, err := strconv.Atoi(c.Param("property_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid property id"})
		return
	}

	userID := c.GetInt("userID")
	member, err := h.properties.IsParticipant(c.Request.Context(), propertyID, userID)
	if err != nil {
		h.emitAudit(c, "ERROR", "membership check failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "membership check failed"})
		return
	}
	if !member {
		h.emitAudit(c, "ERROR", "not a participant")
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	events, err := h.events.RecentEvents(c.Request.Context(), propertyID, store.HistoryWindow)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": events})
}

func (h *HistoryHandler) emitAudit(c *gin.Context, level, text string) {
	h.audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), userIDFromContext(c))
}
