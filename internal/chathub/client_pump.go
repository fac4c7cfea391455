package chathub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// readPump reads commands from the socket until it fails or closes. A client
// that closes with "going away" (tab closed, app killed) triggers the teardown
// hook, which is best effort.
func (c *WebSocketClient) readPump(ctx context.Context) {
	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("error reading message", zap.Error(err))
			}
			if websocket.IsCloseError(err, websocket.CloseGoingAway) && c.onGoingAway != nil {
				teardown, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeWait)
				c.onGoingAway(teardown)
				cancel()
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Debug("error decoding frame", zap.Error(err))
			c.push(ctx, errorFrame(ErrUnknownFrame))
			continue
		}
		if c.handle == nil {
			continue
		}
		if err := c.handle(ctx, frame); err != nil {
			c.push(ctx, errorFrame(err))
		}
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
// It owns closing the connection.
func (c *WebSocketClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case frame := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteJSON(frame); err != nil {
				c.log.Debug("error writing frame", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
