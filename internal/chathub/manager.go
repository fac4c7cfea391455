package chathub

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"wordchat/backend/internal/config"
	"wordchat/backend/internal/localization"
	"wordchat/backend/internal/models"
	"wordchat/backend/internal/pubsub"
	"wordchat/backend/internal/ratelimit"
	"wordchat/backend/internal/storage"
)

// RoomManager governs a room after it was created: messages, the typing and seen
// side channels, and the one-way Active to Inactive transition.
type RoomManager struct {
	Storage   storage.Storage
	Bus       pubsub.Bus
	Limiter   ratelimit.Limiter
	Localizer *localization.Localizer
	Config    config.RoomConfig

	Now   func() time.Time
	NewID func() string

	log *zap.Logger
}

func NewRoomManager(
	s storage.Storage,
	bus pubsub.Bus,
	limiter ratelimit.Limiter,
	loc *localization.Localizer,
	cfg config.RoomConfig,
	log *zap.Logger,
) *RoomManager {
	if log == nil {
		log = zap.NewNop()
	}
	if limiter == nil {
		limiter = ratelimit.NewInterval(cfg.MessageInterval, nil)
	}
	return &RoomManager{
		Storage:   s,
		Bus:       bus,
		Limiter:   limiter,
		Localizer: loc,
		Config:    cfg,
		log:       log.Named("rooms"),
	}
}

// SendMessage appends text to the room. Blank text is ignored and returns a nil
// message. A room found past its deadline is closed on the spot and the send is
// refused with ErrRoomInactive.
func (r *RoomManager) SendMessage(ctx context.Context, roomID, senderID, text string) (*models.Message, error) {
	if senderID == "" {
		return nil, ErrInvalidIdentity
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	// Refused sends must not spend the sender's interval.
	current, err := r.roomFor(ctx, roomID, senderID)
	if err != nil {
		return nil, err
	}
	if !current.Active {
		return nil, ErrRoomInactive
	}

	allowed, err := r.Limiter.Allow(ctx, ratelimit.Key(roomID, senderID))
	if err != nil {
		r.log.Warn("rate limiter failed", zap.String("room_id", roomID), zap.String("user_id", senderID), zap.Error(err))
	}
	if !allowed {
		return nil, ErrRateLimited
	}

	var (
		msg    *models.Message
		closed bool
	)
	err = r.retry(ctx, roomID, func() error {
		msg, closed = nil, false
		now := currentTime(r.Now)

		return r.Storage.RunInTx(ctx, func(tx storage.Tx) error {
			room, err := r.participantRoom(tx, roomID, senderID)
			if err != nil {
				return err
			}
			if !room.Active {
				return ErrRoomInactive
			}
			if reason := room.DueReason(now, r.Config.InactivityWindow); reason != "" {
				closed, err = r.closeInTx(tx, room, now, reason)
				return err
			}

			msg = models.NewMessage(newID(r.NewID), roomID, senderID, text, nextMessageTime(room, now))
			room.LastActivityAt = now
			if room.TypingUserID == senderID {
				room.TypingUserID = ""
				room.TypingAt = nil
			}
			if err := tx.PutRoom(room); err != nil {
				return err
			}
			return tx.AddMessage(msg)
		})
	})
	if err != nil {
		return nil, err
	}
	r.publish(ctx, roomID, true)
	if closed {
		return nil, ErrRoomInactive
	}
	return msg, nil
}

// LeaveRoom closes the room on behalf of a participant. Leaving an inactive room
// is a no-op.
func (r *RoomManager) LeaveRoom(ctx context.Context, roomID, userID string) error {
	if userID == "" {
		return ErrInvalidIdentity
	}
	var closed bool
	err := r.retry(ctx, roomID, func() error {
		closed = false
		now := currentTime(r.Now)
		return r.Storage.RunInTx(ctx, func(tx storage.Tx) error {
			room, err := r.participantRoom(tx, roomID, userID)
			if err != nil {
				return err
			}
			closed, err = r.closeInTx(tx, room, now, models.EndReasonLeft)
			return err
		})
	})
	if err != nil {
		return err
	}
	if closed {
		r.log.Info("room closed", zap.String("room_id", roomID), zap.String("user_id", userID), zap.String("reason", models.EndReasonLeft))
		r.publish(ctx, roomID, true)
	}
	return nil
}

// Ping records presence and restarts the inactivity window.
func (r *RoomManager) Ping(ctx context.Context, roomID, userID string) error {
	if userID == "" {
		return ErrInvalidIdentity
	}
	var closed bool
	err := r.retry(ctx, roomID, func() error {
		closed = false
		now := currentTime(r.Now)
		return r.Storage.RunInTx(ctx, func(tx storage.Tx) error {
			room, err := r.participantRoom(tx, roomID, userID)
			if err != nil {
				return err
			}
			if !room.Active {
				return ErrRoomInactive
			}
			if reason := room.DueReason(now, r.Config.InactivityWindow); reason != "" {
				closed, err = r.closeInTx(tx, room, now, reason)
				return err
			}
			room.LastActivityAt = now
			return tx.PutRoom(room)
		})
	})
	if err != nil {
		return err
	}
	r.publish(ctx, roomID, closed)
	if closed {
		return ErrRoomInactive
	}
	return nil
}

// SetTyping sets or clears the typing hint. It is not activity and is ignored on
// inactive rooms.
func (r *RoomManager) SetTyping(ctx context.Context, roomID, userID string, typing bool) error {
	if userID == "" {
		return ErrInvalidIdentity
	}
	var changed bool
	err := r.retry(ctx, roomID, func() error {
		changed = false
		now := currentTime(r.Now)
		return r.Storage.RunInTx(ctx, func(tx storage.Tx) error {
			room, err := r.participantRoom(tx, roomID, userID)
			if err != nil {
				return err
			}
			if !room.Active {
				return nil
			}
			switch {
			case typing:
				room.TypingUserID = userID
				room.TypingAt = &now
			case room.TypingUserID == userID:
				room.TypingUserID = ""
				room.TypingAt = nil
			default:
				return nil
			}
			changed = true
			return tx.PutRoom(room)
		})
	})
	if err != nil {
		return err
	}
	if changed {
		r.publish(ctx, roomID, false)
	}
	return nil
}

// MarkSeen adds userID to seenBy of the given messages. Unknown ids, the user's
// own messages and messages already seen are skipped.
func (r *RoomManager) MarkSeen(ctx context.Context, roomID, userID string, messageIDs []string) error {
	if userID == "" {
		return ErrInvalidIdentity
	}
	if len(messageIDs) == 0 {
		return nil
	}
	var changed bool
	err := r.retry(ctx, roomID, func() error {
		changed = false
		return r.Storage.RunInTx(ctx, func(tx storage.Tx) error {
			if _, err := r.participantRoom(tx, roomID, userID); err != nil {
				return err
			}
			for _, id := range messageIDs {
				msg, err := tx.GetMessage(roomID, id)
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if msg.SenderID == userID || !msg.MarkSeen(userID) {
					continue
				}
				if err := tx.PutMessage(msg); err != nil {
					return err
				}
				changed = true
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	if changed {
		r.publishMessages(ctx, roomID)
	}
	return nil
}

// CloseRoom is the operator path: it closes any room regardless of participants.
// It reports whether this call made the transition.
func (r *RoomManager) CloseRoom(ctx context.Context, roomID, reason string) (bool, error) {
	if reason == "" {
		reason = models.EndReasonClosed
	}
	var closed bool
	err := r.retry(ctx, roomID, func() error {
		closed = false
		now := currentTime(r.Now)
		return r.Storage.RunInTx(ctx, func(tx storage.Tx) error {
			room, err := tx.GetRoom(roomID)
			if errors.Is(err, storage.ErrNotFound) {
				return ErrRoomNotFound
			}
			if err != nil {
				return err
			}
			closed, err = r.closeInTx(tx, room, now, reason)
			return err
		})
	})
	if err != nil {
		return false, err
	}
	if closed {
		r.log.Info("room closed", zap.String("room_id", roomID), zap.String("reason", reason))
		r.publish(ctx, roomID, true)
	}
	return closed, nil
}

// ExpireIdleRooms closes every active room whose inactivity deadline or absolute
// TTL has passed. It returns how many rooms it closed; a failure on one room does
// not stop the others.
func (r *RoomManager) ExpireIdleRooms(ctx context.Context) (int, error) {
	now := currentTime(r.Now)
	rooms, err := r.Storage.IdleRooms(ctx, now, now.Add(-r.Config.InactivityWindow))
	if err != nil {
		return 0, err
	}

	var (
		closedCount int
		errs        []error
	)
	for _, candidate := range rooms {
		closed, err := r.expireRoom(ctx, candidate.RoomID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if closed {
			closedCount++
		}
	}
	return closedCount, errors.Join(errs...)
}

func (r *RoomManager) expireRoom(ctx context.Context, roomID string) (bool, error) {
	var (
		closed bool
		reason string
	)
	err := r.retry(ctx, roomID, func() error {
		closed, reason = false, ""
		now := currentTime(r.Now)
		return r.Storage.RunInTx(ctx, func(tx storage.Tx) error {
			room, err := tx.GetRoom(roomID)
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			// Re-checked inside the transaction: a message may have landed since the scan.
			if reason = room.DueReason(now, r.Config.InactivityWindow); reason == "" {
				return nil
			}
			closed, err = r.closeInTx(tx, room, now, reason)
			return err
		})
	})
	if err != nil {
		return false, err
	}
	if closed {
		r.log.Info("room closed", zap.String("room_id", roomID), zap.String("reason", reason))
		r.publish(ctx, roomID, true)
	}
	return closed, nil
}

// RunWatcher calls ExpireIdleRooms every interval until ctx ends.
func (r *RoomManager) RunWatcher(ctx context.Context, interval time.Duration) {
	r.log.Info("room watcher started", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("room watcher stopped")
			return
		case <-ticker.C:
			n, err := r.ExpireIdleRooms(ctx)
			if err != nil && ctx.Err() == nil {
				r.log.Error("expiring idle rooms failed", zap.Int("closed", n), zap.Error(err))
				continue
			}
			if n > 0 {
				r.log.Info("expired idle rooms", zap.Int("closed", n))
			}
		}
	}
}

// View returns the room as seen by a participant at this instant.
func (r *RoomManager) View(ctx context.Context, roomID, userID string) (models.RoomView, error) {
	room, err := r.roomFor(ctx, roomID, userID)
	if err != nil {
		return models.RoomView{}, err
	}
	return r.view(room, currentTime(r.Now)), nil
}

// Messages returns the room's messages, oldest first.
func (r *RoomManager) Messages(ctx context.Context, roomID, userID string) ([]models.Message, error) {
	if _, err := r.roomFor(ctx, roomID, userID); err != nil {
		return nil, err
	}
	return r.Storage.ListMessages(ctx, roomID)
}

func (r *RoomManager) view(room *models.ChatRoom, now time.Time) models.RoomView {
	return models.NewRoomView(room, now, r.Config.InactivityWindow, r.Config.InactivityWarning, r.Config.TypingTTL)
}

// roomFor loads a room outside a transaction and checks membership.
func (r *RoomManager) roomFor(ctx context.Context, roomID, userID string) (*models.ChatRoom, error) {
	if userID == "" {
		return nil, ErrInvalidIdentity
	}
	room, err := r.Storage.GetRoom(ctx, roomID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	if !room.HasUser(userID) {
		return nil, ErrNotParticipant
	}
	return room, nil
}

func (r *RoomManager) participantRoom(tx storage.Tx, roomID, userID string) (*models.ChatRoom, error) {
	room, err := tx.GetRoom(roomID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	if !room.HasUser(userID) {
		return nil, ErrNotParticipant
	}
	return room, nil
}

// closeInTx deactivates room and appends the system notice. It returns false and
// writes nothing when the room was already inactive.
func (r *RoomManager) closeInTx(tx storage.Tx, room *models.ChatRoom, now time.Time, reason string) (bool, error) {
	if !room.Deactivate(now, reason) {
		return false, nil
	}
	lang := r.Config.Language
	if lang == "" {
		lang = localization.DefaultLanguage
	}
	var text string
	if r.Localizer != nil {
		text = r.Localizer.ClosedNotice(lang, reason)
	} else {
		text = "room_closed_" + reason
	}
	notice := models.NewMessage(newID(r.NewID), room.RoomID, models.SystemSenderID, text, nextMessageTime(room, now))
	if err := tx.PutRoom(room); err != nil {
		return false, err
	}
	if err := tx.AddMessage(notice); err != nil {
		return false, err
	}
	return true, nil
}

// nextMessageTime keeps message timestamps strictly increasing within a room.
func nextMessageTime(room *models.ChatRoom, now time.Time) time.Time {
	t := now
	if !t.After(room.LastMessageAt) {
		t = room.LastMessageAt.Add(time.Microsecond)
	}
	room.LastMessageAt = t
	return t
}

// retry re-runs op while it loses races, up to maxLifecycleRetries times.
func (r *RoomManager) retry(ctx context.Context, roomID string, op func() error) error {
	var err error
	for attempt := 0; attempt <= maxLifecycleRetries; attempt++ {
		if err = op(); !errors.Is(err, storage.ErrConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Debug("room transaction conflicted", zap.String("room_id", roomID), zap.Int("attempt", attempt+1))
	}
	return err
}

func (r *RoomManager) publish(ctx context.Context, roomID string, messages bool) {
	ev := pubsub.Event{Kind: pubsub.KindRoomUpdated, RoomID: roomID, At: currentTime(r.Now)}
	if err := r.Bus.Publish(ctx, pubsub.RoomTopic(roomID), ev); err != nil {
		r.log.Warn("publishing room change failed", zap.String("room_id", roomID), zap.Error(err))
	}
	if messages {
		r.publishMessages(ctx, roomID)
	}
}

func (r *RoomManager) publishMessages(ctx context.Context, roomID string) {
	ev := pubsub.Event{Kind: pubsub.KindMessage, RoomID: roomID, At: currentTime(r.Now)}
	if err := r.Bus.Publish(ctx, pubsub.MessagesTopic(roomID), ev); err != nil {
		r.log.Warn("publishing messages failed", zap.String("room_id", roomID), zap.Error(err))
	}
}
