package chathub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wordchat/backend/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 16
)

var _ Client = (*WebSocketClient)(nil)

// WebSocketClient bridges one socket to the chat services. Feeds push server
// frames from subscriptions; handle executes client commands.
type WebSocketClient struct {
	UserID string
	Conn   *websocket.Conn
	Send   chan ServerFrame

	handle      func(ctx context.Context, f ClientFrame) error
	feeds       []func(ctx context.Context) error
	onGoingAway func(ctx context.Context)

	log       *zap.Logger
	stop      context.CancelFunc
	closeOnce sync.Once
	mu        sync.Mutex
}

// NewRoomClient streams a room's view and messages to a participant and accepts
// send, typing, seen, ping and leave commands.
func NewRoomClient(conn *websocket.Conn, rooms *RoomManager, roomID, userID string, log *zap.Logger) *WebSocketClient {
	c := newWebSocketClient(conn, userID, logger.OrNop(log).With(zap.String("room_id", roomID)))

	c.handle = func(ctx context.Context, f ClientFrame) error {
		switch f.Type {
		case FrameSend:
			_, err := rooms.SendMessage(ctx, roomID, userID, f.Text)
			return err
		case FrameTyping:
			return rooms.SetTyping(ctx, roomID, userID, f.Typing)
		case FrameSeen:
			return rooms.MarkSeen(ctx, roomID, userID, f.MessageIDs)
		case FramePing:
			return rooms.Ping(ctx, roomID, userID)
		case FrameLeave:
			return rooms.LeaveRoom(ctx, roomID, userID)
		default:
			return fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
		}
	}

	c.feeds = []func(ctx context.Context) error{
		func(ctx context.Context) error {
			views, err := rooms.SubscribeRoom(ctx, roomID, userID)
			if err != nil {
				return err
			}
			for v := range views {
				if !c.push(ctx, ServerFrame{Type: FrameRoom, Room: &v}) {
					return nil
				}
			}
			return nil
		},
		func(ctx context.Context) error {
			snapshots, err := rooms.SubscribeMessages(ctx, roomID, userID)
			if err != nil {
				return err
			}
			for msgs := range snapshots {
				if !c.push(ctx, ServerFrame{Type: FrameMessages, Messages: msgs}) {
					return nil
				}
			}
			return nil
		},
	}

	c.onGoingAway = func(ctx context.Context) {
		if err := rooms.LeaveRoom(ctx, roomID, userID); err != nil {
			c.log.Debug("teardown leave failed", zap.Error(err))
		}
	}
	return c
}

// NewMatchClient streams the rooms created for userID on word and accepts a
// cancel command that withdraws the waiting entry.
func NewMatchClient(conn *websocket.Conn, matcher *MatcherService, userID, word string, log *zap.Logger) *WebSocketClient {
	c := newWebSocketClient(conn, userID, logger.OrNop(log).With(zap.String("word", word)))

	c.handle = func(ctx context.Context, f ClientFrame) error {
		switch f.Type {
		case FrameCancel:
			return matcher.CancelWait(ctx, userID)
		case FramePing:
			return nil
		default:
			return fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
		}
	}

	c.feeds = []func(ctx context.Context) error{
		func(ctx context.Context) error {
			rooms, err := matcher.SubscribeRoomsForUser(ctx, userID, word)
			if err != nil {
				return err
			}
			for room := range rooms {
				if !c.push(ctx, ServerFrame{Type: FrameMatch, Match: &room}) {
					return nil
				}
			}
			return nil
		},
	}

	c.onGoingAway = func(ctx context.Context) {
		if err := matcher.CancelWait(ctx, userID); err != nil {
			c.log.Debug("teardown cancel failed", zap.Error(err))
		}
	}
	return c
}

func newWebSocketClient(conn *websocket.Conn, userID string, log *zap.Logger) *WebSocketClient {
	return &WebSocketClient{
		UserID: userID,
		Conn:   conn,
		Send:   make(chan ServerFrame, sendBuffer),
		log:    log.With(zap.String("user_id", userID)),
	}
}

func (c *WebSocketClient) GetUserID() string { return c.UserID }

// Run starts the feeds and pumps and blocks until the connection ends.
func (c *WebSocketClient) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.stop = cancel
	c.mu.Unlock()
	defer cancel()

	for _, feed := range c.feeds {
		go func(feed func(ctx context.Context) error) {
			if err := feed(ctx); err != nil && ctx.Err() == nil {
				c.push(ctx, errorFrame(err))
			}
		}(feed)
	}
	go c.writePump(ctx)
	c.readPump(ctx)
}

// Close ends the session from the server side.
func (c *WebSocketClient) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		stop := c.stop
		c.mu.Unlock()
		if stop != nil {
			stop()
		}
		_ = c.Conn.Close()
	})
}

// push queues a frame for the writer; false means the session is over.
func (c *WebSocketClient) push(ctx context.Context, f ServerFrame) bool {
	select {
	case c.Send <- f:
		return true
	case <-ctx.Done():
		return false
	}
}
