package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mindops.dev/sidecar/internal/model"
	"mindops.dev/sidecar/internal/queue"
)

// SessionHandler exposes the manual-observe control surface: an externally
// driven way to raise a ManualShortcut trigger into the Session Observer
// Queue without waiting for a token threshold or task completion.
type SessionHandler struct {
	queue *queue.SessionObserverQueue
}

func NewSessionHandler(q *queue.SessionObserverQueue) *SessionHandler {
	return &SessionHandler{queue: q}
}

type manualObserveRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
}

type manualObserveResponse struct {
	Accepted       bool   `json:"accepted"`
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
}

// ManualObserve raises a ManualShortcut trigger (priority Urgent, bypasses
// debounce) for the given session/conversation pair.
func (h *SessionHandler) ManualObserve(c *gin.Context) {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}

	var req manualObserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id is required"})
		return
	}

	h.queue.EnqueueWithTrigger(sessionID, req.ConversationID, model.ManualShortcutTrigger(), time.Now())

	c.JSON(http.StatusAccepted, manualObserveResponse{
		Accepted:       true,
		SessionID:      sessionID,
		ConversationID: req.ConversationID,
	})
}
