package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"wordchat/backend/internal/models"
)

type sendRequest struct {
	Text string `json:"text"`
}

type typingRequest struct {
	Typing bool `json:"typing"`
}

type seenRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// GetRoom handles GET /rooms/:id and returns the caller's view of the room.
func (h *Handler) GetRoom(c *gin.Context) {
	view, err := h.Rooms.View(c.Request.Context(), c.Param("id"), anonID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ListMessages handles GET /rooms/:id/messages.
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.Rooms.Messages(c.Request.Context(), c.Param("id"), anonID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// SendMessage handles POST /rooms/:id/messages. Blank text is accepted and
// ignored with 204.
func (h *Handler) SendMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	msg, err := h.Rooms.SendMessage(c.Request.Context(), c.Param("id"), anonID(c), req.Text)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if msg == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// LeaveRoom handles POST /rooms/:id/leave.
func (h *Handler) LeaveRoom(c *gin.Context) {
	if err := h.Rooms.LeaveRoom(c.Request.Context(), c.Param("id"), anonID(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetTyping handles POST /rooms/:id/typing.
func (h *Handler) SetTyping(c *gin.Context) {
	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.Rooms.SetTyping(c.Request.Context(), c.Param("id"), anonID(c), req.Typing); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MarkSeen handles POST /rooms/:id/seen.
func (h *Handler) MarkSeen(c *gin.Context) {
	var req seenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.Rooms.MarkSeen(c.Request.Context(), c.Param("id"), anonID(c), req.MessageIDs); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Ping handles POST /rooms/:id/ping.
func (h *Handler) Ping(c *gin.Context) {
	if err := h.Rooms.Ping(c.Request.Context(), c.Param("id"), anonID(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
