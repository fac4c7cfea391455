package chathub

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"wordchat/backend/internal/config"
	"wordchat/backend/internal/models"
	"wordchat/backend/internal/pubsub"
	"wordchat/backend/internal/storage"
)

// MatcherService pairs two users who asked for the same word, oldest waiter first.
type MatcherService struct {
	Storage storage.Storage
	Bus     pubsub.Bus
	Config  config.MatchingConfig

	// Now and NewID are replaceable in tests.
	Now   func() time.Time
	NewID func() string

	log *zap.Logger
}

func NewMatcherService(s storage.Storage, bus pubsub.Bus, cfg config.MatchingConfig, log *zap.Logger) *MatcherService {
	if log == nil {
		log = zap.NewNop()
	}
	return &MatcherService{
		Storage: s,
		Bus:     bus,
		Config:  cfg,
		log:     log.Named("matcher"),
	}
}

// RequestMatch pairs userID with the oldest other user waiting for the same word,
// or registers userID as waiting. Lost races are retried MaxRetries times and then
// fall back to waiting; they are never returned to the caller.
func (m *MatcherService) RequestMatch(ctx context.Context, userID, word string) (models.MatchResult, error) {
	if userID == "" {
		return models.MatchResult{}, ErrInvalidIdentity
	}
	word = models.NormalizeWord(word)
	if word == "" {
		return models.MatchResult{}, ErrEmptyWord
	}
	log := m.log.With(zap.String("user_id", userID), zap.String("word", word))

	// A previous request for another word must not stay matchable.
	if err := storage.IgnoreNotFound(m.Storage.DeleteWaiting(ctx, userID)); err != nil {
		return models.MatchResult{}, err
	}

	var (
		result  models.MatchResult
		partner string
		err     error
	)
	for attempt := 0; attempt <= m.Config.MaxRetries; attempt++ {
		result, partner, err = m.pair(ctx, userID, word)
		if !errors.Is(err, storage.ErrConflict) {
			break
		}
		log.Debug("pairing transaction conflicted", zap.Int("attempt", attempt+1))
	}

	if errors.Is(err, storage.ErrConflict) {
		log.Info("pairing kept conflicting, registering as waiting")
		entry := models.NewWaitingEntry(userID, word, currentTime(m.Now), m.Config.WaitTTL)
		// A conflict here means a concurrent request already registered the user.
		if err := m.Storage.PutWaiting(ctx, entry); err != nil && !errors.Is(err, storage.ErrConflict) {
			return models.MatchResult{}, err
		}
		return models.MatchResult{Matched: false}, nil
	}
	if err != nil {
		log.Warn("match request failed", zap.Error(err))
		return models.MatchResult{}, err
	}

	if result.Matched {
		log.Info("users matched", zap.String("room_id", result.RoomID), zap.String("partner_id", partner))
		m.announceRoom(ctx, result.RoomID, userID, partner)
	} else {
		log.Debug("waiting for a partner")
	}
	return result, nil
}

// pair runs one pairing transaction.
func (m *MatcherService) pair(ctx context.Context, userID, word string) (models.MatchResult, string, error) {
	var (
		result  models.MatchResult
		partner string
	)
	now := currentTime(m.Now)

	err := m.Storage.RunInTx(ctx, func(tx storage.Tx) error {
		result, partner = models.MatchResult{}, ""

		candidate, err := tx.OldestWaiting(word, userID, now.Add(-m.Config.WaitTTL))
		if errors.Is(err, storage.ErrNotFound) {
			return tx.PutWaiting(models.NewWaitingEntry(userID, word, now, m.Config.WaitTTL))
		}
		if err != nil {
			return err
		}

		room, err := tx.ActiveRoomForPair(word, userID, candidate.UserID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			room = models.NewChatRoom(newID(m.NewID), word, candidate.UserID, userID, now, m.Config.RoomTTL)
			if err := tx.PutRoom(room); err != nil {
				return err
			}
		case err != nil:
			return err
		}

		// The candidate's entry is the claim; if someone else took it first the
		// whole attempt is a lost race.
		if err := tx.DeleteWaiting(candidate.UserID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return storage.ErrConflict
			}
			return err
		}
		if err := storage.IgnoreNotFound(tx.DeleteWaiting(userID)); err != nil {
			return err
		}

		result = models.MatchResult{Matched: true, RoomID: room.RoomID}
		partner = candidate.UserID
		return nil
	})
	if err != nil {
		return models.MatchResult{}, "", err
	}
	return result, partner, nil
}

// CancelWait withdraws userID from the waiting pool. Nothing to withdraw is success.
func (m *MatcherService) CancelWait(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidIdentity
	}
	if err := storage.IgnoreNotFound(m.Storage.DeleteWaiting(ctx, userID)); err != nil {
		m.log.Warn("cancel wait failed", zap.String("user_id", userID), zap.Error(err))
		return err
	}
	return nil
}

// SubscribeRoomsForUser streams every fresh active room for word that contains
// userID, each exactly once, until ctx ends. It replaces client-side polling for a
// room whose id the waiting user cannot know yet.
func (m *MatcherService) SubscribeRoomsForUser(ctx context.Context, userID, word string) (<-chan models.ChatRoom, error) {
	if userID == "" {
		return nil, ErrInvalidIdentity
	}
	word = models.NormalizeWord(word)
	if word == "" {
		return nil, ErrEmptyWord
	}

	// Subscribe before the first read so a room created in between is not missed.
	events, err := m.Bus.Subscribe(ctx, pubsub.UserRoomsTopic(userID))
	if err != nil {
		return nil, err
	}

	out := make(chan models.ChatRoom, 1)
	go func() {
		defer close(out)
		seen := make(map[string]bool)

		emit := func() bool {
			since := currentTime(m.Now).Add(-m.Config.FreshRoomWindow)
			rooms, err := m.Storage.RoomsForUser(ctx, userID, word, since)
			if err != nil {
				if ctx.Err() == nil {
					m.log.Warn("listing rooms for user failed", zap.String("user_id", userID), zap.Error(err))
				}
				return ctx.Err() == nil
			}
			// Oldest first, so a late subscriber sees rooms in creation order.
			for i := len(rooms) - 1; i >= 0; i-- {
				if seen[rooms[i].RoomID] {
					continue
				}
				seen[rooms[i].RoomID] = true
				select {
				case out <- rooms[i]:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		resync := time.NewTicker(resyncInterval)
		defer resync.Stop()

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
			case <-resync.C:
			}
			if !emit() {
				return
			}
		}
	}()
	return out, nil
}

// announceRoom tells both participants' room streams to re-read.
func (m *MatcherService) announceRoom(ctx context.Context, roomID string, users ...string) {
	ev := pubsub.Event{Kind: pubsub.KindRoomCreated, RoomID: roomID, At: currentTime(m.Now)}
	for _, u := range users {
		ev.UserID = u
		if err := m.Bus.Publish(ctx, pubsub.UserRoomsTopic(u), ev); err != nil {
			m.log.Warn("publishing room failed", zap.String("room_id", roomID), zap.String("user_id", u), zap.Error(err))
		}
	}
}
