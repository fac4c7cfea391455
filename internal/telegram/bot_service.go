// Package telegram bridges Telegram chats to the word matcher and chat rooms. It
// is a second presentation client of the same operations the web client uses.
package telegram

import (
	"context"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"wordchat/backend/internal/chathub"
	"wordchat/backend/internal/localization"
	"wordchat/backend/internal/logger"
)

// BotService receives Telegram updates and routes them to per-chat clients.
type BotService struct {
	BotAPI    *tgbotapi.BotAPI
	Matcher   *chathub.MatcherService
	Rooms     *chathub.RoomManager
	Localizer *localization.Localizer

	api     Sender
	mu      sync.Mutex
	clients map[int64]*Client
	log     *zap.Logger
}

// NewBotService authorizes token against the Bot API.
func NewBotService(token string, matcher *chathub.MatcherService, rooms *chathub.RoomManager, loc *localization.Localizer, log *zap.Logger) (*BotService, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	bot.Debug = false

	s := newBotService(bot, matcher, rooms, loc, log)
	s.BotAPI = bot
	s.log.Info("authorized on telegram", zap.String("account", bot.Self.UserName))
	return s, nil
}

func newBotService(api Sender, matcher *chathub.MatcherService, rooms *chathub.RoomManager, loc *localization.Localizer, log *zap.Logger) *BotService {
	return &BotService{
		Matcher:   matcher,
		Rooms:     rooms,
		Localizer: loc,
		api:       api,
		clients:   make(map[int64]*Client),
		log:       logger.OrNop(log).Named("telegram"),
	}
}

// Run long-polls for updates until ctx ends.
func (s *BotService) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := s.BotAPI.GetUpdatesChan(u)
	s.log.Info("telegram bridge started")

	for {
		select {
		case <-ctx.Done():
			s.BotAPI.StopReceivingUpdates()
			s.closeClients()
			s.log.Info("telegram bridge stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			s.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate processes one update. Feeds started by commands live until ctx ends
// or the chat moves on.
func (s *BotService) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil {
		return
	}
	c := s.client(msg.Chat.ID)
	if msg.From != nil {
		c.setLanguage(msg.From.LanguageCode)
	}

	if msg.IsCommand() {
		switch msg.Command() {
		case "word":
			word := strings.TrimSpace(msg.CommandArguments())
			if word == "" {
				c.reply(c.text("usage_word"))
				return
			}
			c.search(ctx, word)
		case "cancel":
			c.cancel(ctx)
		case "leave":
			c.leave(ctx)
		default:
			c.reply(c.text("usage_word"))
		}
		return
	}

	if text := strings.TrimSpace(msg.Text); text != "" {
		c.say(ctx, text)
	}
}

// client returns the bridge client for chatID, creating it on first contact.
func (s *BotService) client(chatID int64) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[chatID]; ok {
		return c
	}
	userID := UserID(chatID)
	c := &Client{
		ChatID:    chatID,
		UserID:    userID,
		api:       s.api,
		matcher:   s.Matcher,
		rooms:     s.Rooms,
		loc:       s.Localizer,
		log:       s.log.With(zap.String("user_id", userID)),
		lang:      localization.DefaultLanguage,
		forwarded: make(map[string]bool),
	}
	s.clients[chatID] = c
	return c
}

func (s *BotService) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.Close()
	}
}
