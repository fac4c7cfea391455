package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"wordchat/backend/internal/chathub"
	"wordchat/backend/internal/logger"
)

// Handler exposes the matcher and room operations over HTTP and WebSocket.
type Handler struct {
	Matcher *chathub.MatcherService
	Rooms   *chathub.RoomManager
	Auth    *Auth

	// Sessions bounds WebSocket sessions, which outlive their upgrade request.
	// Cancelling it on shutdown ends them.
	Sessions context.Context

	log *zap.Logger
}

func NewHandler(matcher *chathub.MatcherService, rooms *chathub.RoomManager, auth *Auth, log *zap.Logger) *Handler {
	return &Handler{
		Matcher:  matcher,
		Rooms:    rooms,
		Auth:     auth,
		Sessions: context.Background(),
		log:      logger.OrNop(log).Named("http"),
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/anonid", h.GetAnonID)

	authed := r.Group("/", h.Auth.Middleware())
	authed.POST("/match", h.RequestMatch)
	authed.DELETE("/match", h.CancelWait)

	rooms := authed.Group("/rooms/:id")
	rooms.GET("", h.GetRoom)
	rooms.GET("/messages", h.ListMessages)
	rooms.POST("/messages", h.SendMessage)
	rooms.POST("/leave", h.LeaveRoom)
	rooms.POST("/typing", h.SetTyping)
	rooms.POST("/seen", h.MarkSeen)
	rooms.POST("/ping", h.Ping)

	authed.GET("/ws/match", h.ServeMatchSocket)
	authed.GET("/ws/rooms/:id", h.ServeRoomSocket)
}
