package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wordchat/backend/internal/chathub"
	"wordchat/backend/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Any origin is accepted; tokens travel explicitly, never as cookies.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeRoomSocket handles GET /ws/rooms/:id. Membership is checked before the
// upgrade so refusals are plain HTTP errors.
func (h *Handler) ServeRoomSocket(c *gin.Context) {
	roomID, userID := c.Param("id"), anonID(c)
	if _, err := h.Rooms.View(c.Request.Context(), roomID, userID); err != nil {
		h.respondError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	client := chathub.NewRoomClient(conn, h.Rooms, roomID, userID, h.log)
	client.Run(h.Sessions)
}

// ServeMatchSocket handles GET /ws/match?word=. It streams the rooms created for
// the caller on that word.
func (h *Handler) ServeMatchSocket(c *gin.Context) {
	word := models.NormalizeWord(c.Query("word"))
	if word == "" {
		h.respondError(c, chathub.ErrEmptyWord)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	client := chathub.NewMatchClient(conn, h.Matcher, anonID(c), word, h.log)
	client.Run(h.Sessions)
}
