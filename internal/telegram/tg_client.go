package telegram

import (
	"context"
	"errors"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"wordchat/backend/internal/chathub"
	"wordchat/backend/internal/localization"
	"wordchat/backend/internal/models"
	"wordchat/backend/internal/storage"
)

// Sender is the part of the bot API the bridge writes through.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// UserID is the anonymous identity of a Telegram chat inside the matcher.
func UserID(chatID int64) string {
	return "tg:" + strconv.FormatInt(chatID, 10)
}

// Client is one Telegram chat bridged to the chat services. It holds at most one
// search or one room at a time; the feeds behind them stop when they are replaced.
type Client struct {
	ChatID int64
	UserID string

	api     Sender
	matcher *chathub.MatcherService
	rooms   *chathub.RoomManager
	loc     *localization.Localizer
	log     *zap.Logger

	mu        sync.Mutex
	lang      string
	roomID    string
	stopFeed  context.CancelFunc
	forwarded map[string]bool
}

func (c *Client) GetUserID() string { return c.UserID }

// RoomID returns the room the chat is currently in, or "".
func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Client) setLanguage(lang string) {
	if lang == "" {
		return
	}
	c.mu.Lock()
	c.lang = lang
	c.mu.Unlock()
}

func (c *Client) text(key string, args ...any) string {
	c.mu.Lock()
	lang := c.lang
	c.mu.Unlock()
	if len(args) > 0 {
		return c.loc.Format(lang, key, args...)
	}
	return c.loc.GetString(lang, key)
}

func (c *Client) reply(text string) {
	if _, err := c.api.Send(tgbotapi.NewMessage(c.ChatID, text)); err != nil {
		c.log.Warn("failed to send telegram message", zap.Error(err))
	}
}

// search leaves the current room, if any, and asks the matcher for word. A
// waiting chat is moved into the room as soon as one is created for it.
func (c *Client) search(ctx context.Context, word string) {
	if current := c.RoomID(); current != "" {
		if err := c.rooms.LeaveRoom(ctx, current, c.UserID); err != nil && !errors.Is(err, chathub.ErrRoomNotFound) {
			c.log.Warn("leaving previous room failed", zap.String("room_id", current), zap.Error(err))
		}
	}
	feedCtx := c.resetFeed(ctx, "")

	// Subscribe before requesting so the room created by a partner is not missed.
	matches, err := c.matcher.SubscribeRoomsForUser(feedCtx, c.UserID, word)
	if err != nil {
		c.fail(err)
		return
	}
	res, err := c.matcher.RequestMatch(ctx, c.UserID, word)
	if err != nil {
		c.fail(err)
		return
	}
	if res.Matched {
		c.join(ctx, res.RoomID)
		return
	}
	c.reply(c.text("searching", models.NormalizeWord(word)))

	go func() {
		for room := range matches {
			if room.Active && c.RoomID() == "" {
				c.join(ctx, room.RoomID)
				return
			}
		}
	}()
}

// join switches the chat into roomID and starts forwarding the partner's messages.
func (c *Client) join(ctx context.Context, roomID string) {
	feedCtx := c.resetFeed(ctx, roomID)
	snapshots, err := c.rooms.SubscribeMessages(feedCtx, roomID, c.UserID)
	if err != nil {
		c.fail(err)
		c.clearRoom(roomID)
		return
	}
	c.reply(c.text("matched"))
	go c.forward(feedCtx, roomID, snapshots)
}

// forward relays new partner and system messages to the chat and marks the
// partner's ones as seen; Telegram delivery counts as observed.
func (c *Client) forward(ctx context.Context, roomID string, snapshots <-chan []models.Message) {
	for msgs := range snapshots {
		var seen []string
		closed := false
		for _, m := range msgs {
			if m.SenderID == c.UserID || !c.markForwarded(m.ID) {
				continue
			}
			c.reply(m.Text)
			if m.IsSystem() {
				closed = true
				continue
			}
			seen = append(seen, m.ID)
		}
		if len(seen) > 0 {
			if err := c.rooms.MarkSeen(ctx, roomID, c.UserID, seen); err != nil && ctx.Err() == nil {
				c.log.Debug("marking messages seen failed", zap.String("room_id", roomID), zap.Error(err))
			}
		}
		if closed {
			c.clearRoom(roomID)
			return
		}
	}
}

// cancel withdraws the search. A chat already in a room keeps it.
func (c *Client) cancel(ctx context.Context) {
	if c.RoomID() == "" {
		c.Close()
	}
	if err := c.matcher.CancelWait(ctx, c.UserID); err != nil {
		c.fail(err)
		return
	}
	c.reply(c.text("search_cancelled"))
}

// leave closes the current room. The leaving side gets the generic notice;
// the partner receives the room's own system message.
func (c *Client) leave(ctx context.Context) {
	roomID := c.RoomID()
	if roomID == "" {
		c.reply(c.text("not_in_room"))
		return
	}
	c.clearRoom(roomID)
	if err := c.rooms.LeaveRoom(ctx, roomID, c.UserID); err != nil {
		c.fail(err)
		return
	}
	c.reply(c.text("room_closed"))
}

// say sends text into the current room.
func (c *Client) say(ctx context.Context, text string) {
	roomID := c.RoomID()
	if roomID == "" {
		c.reply(c.text("not_in_room"))
		return
	}
	if _, err := c.rooms.SendMessage(ctx, roomID, c.UserID, text); err != nil {
		if errors.Is(err, chathub.ErrRoomInactive) || errors.Is(err, chathub.ErrRoomNotFound) {
			c.clearRoom(roomID)
		}
		c.fail(err)
	}
}

func (c *Client) fail(err error) {
	switch {
	case errors.Is(err, chathub.ErrEmptyWord):
		c.reply(c.text("usage_word"))
	case errors.Is(err, chathub.ErrRateLimited):
		c.reply(c.text("rate_limited"))
	case errors.Is(err, chathub.ErrRoomInactive), errors.Is(err, chathub.ErrRoomNotFound), errors.Is(err, chathub.ErrNotParticipant):
		c.reply(c.text("room_inactive"))
	default:
		if !storage.IsRetryable(err) {
			c.log.Error("telegram command failed", zap.Error(err))
		}
		c.reply(c.text("try_again"))
	}
}

// resetFeed stops the running feed and records roomID as current.
func (c *Client) resetFeed(ctx context.Context, roomID string) context.Context {
	feedCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopFeed != nil {
		c.stopFeed()
	}
	c.stopFeed = cancel
	if roomID != c.roomID {
		c.forwarded = make(map[string]bool)
	}
	c.roomID = roomID
	return feedCtx
}

// clearRoom drops roomID as current, unless the chat already moved on.
func (c *Client) clearRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roomID != roomID {
		return
	}
	c.roomID = ""
	if c.stopFeed != nil {
		c.stopFeed()
		c.stopFeed = nil
	}
}

func (c *Client) markForwarded(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.forwarded[id] {
		return false
	}
	c.forwarded[id] = true
	return true
}

// Close stops the chat's feeds.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopFeed != nil {
		c.stopFeed()
		c.stopFeed = nil
	}
}
