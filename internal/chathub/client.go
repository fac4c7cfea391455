package chathub

import (
	"context"

	"wordchat/backend/internal/models"
)

// Client is one connected presentation client. Run blocks until the connection
// ends; Close ends it from the server side.
type Client interface {
	// GetUserID returns the anonymous identity the connection was authenticated as.
	GetUserID() string
	Run(ctx context.Context)
	Close()
}

// Frame types sent by clients.
const (
	FrameSend   = "send"
	FrameTyping = "typing"
	FrameSeen   = "seen"
	FramePing   = "ping"
	FrameLeave  = "leave"
	FrameCancel = "cancel"
)

// Frame types sent by the server.
const (
	FrameRoom     = "room"
	FrameMessages = "messages"
	FrameMatch    = "match"
	FrameError    = "error"
)

// ClientFrame is a command received over the socket.
type ClientFrame struct {
	Type       string   `json:"type"`
	Text       string   `json:"text,omitempty"`
	Typing     bool     `json:"typing,omitempty"`
	MessageIDs []string `json:"message_ids,omitempty"`
}

// ServerFrame is pushed to the client; exactly one payload field is set.
type ServerFrame struct {
	Type     string           `json:"type"`
	Room     *models.RoomView `json:"room,omitempty"`
	Messages []models.Message `json:"messages,omitempty"`
	Match    *models.ChatRoom `json:"match,omitempty"`
	Error    string           `json:"error,omitempty"`
	Code     string           `json:"code,omitempty"`
}

func errorFrame(err error) ServerFrame {
	return ServerFrame{Type: FrameError, Error: err.Error(), Code: ErrorCode(err)}
}
