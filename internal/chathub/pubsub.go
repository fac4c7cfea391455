package chathub

import (
	"context"
	"errors"
	"reflect"
	"time"

	"go.uber.org/zap"

	"wordchat/backend/internal/models"
	"wordchat/backend/internal/pubsub"
	"wordchat/backend/internal/storage"
)

// minWake keeps timer-driven re-renders from spinning.
const minWake = 50 * time.Millisecond

// SubscribeRoom streams the participant's view of the room. A view is emitted on
// every change and also when only time moved it: a typing hint going stale, or
// each second of the countdown before the deadline. The channel closes when ctx
// ends or the room is deleted.
func (r *RoomManager) SubscribeRoom(ctx context.Context, roomID, userID string) (<-chan models.RoomView, error) {
	events, err := r.subscribeParticipant(ctx, pubsub.RoomTopic(roomID), roomID, userID)
	if err != nil {
		return nil, err
	}

	out := make(chan models.RoomView, 1)
	go func() {
		defer close(out)
		var (
			last models.RoomView
			sent bool
		)
		timer := time.NewTimer(time.Hour)
		defer timer.Stop()
		resync := time.NewTicker(resyncInterval)
		defer resync.Stop()

		for {
			room, err := r.Storage.GetRoom(ctx, roomID)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				return
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				r.log.Warn("reading subscribed room failed", zap.String("room_id", roomID), zap.Error(err))
			default:
				now := currentTime(r.Now)
				view := r.view(room, now)
				if !sent || !reflect.DeepEqual(view, last) {
					select {
					case out <- view:
					case <-ctx.Done():
						return
					}
					last, sent = view, true
				}
				resetTimer(timer, r.nextWake(room, view, now))
			}

			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
			case <-timer.C:
			case <-resync.C:
			}
		}
	}()
	return out, nil
}

// SubscribeMessages streams ordered snapshots of the room's messages: the current
// list first, then again after every change.
func (r *RoomManager) SubscribeMessages(ctx context.Context, roomID, userID string) (<-chan []models.Message, error) {
	events, err := r.subscribeParticipant(ctx, pubsub.MessagesTopic(roomID), roomID, userID)
	if err != nil {
		return nil, err
	}

	out := make(chan []models.Message, 1)
	go func() {
		defer close(out)
		var last []models.Message
		sent := false
		resync := time.NewTicker(resyncInterval)
		defer resync.Stop()

		for {
			msgs, err := r.Storage.ListMessages(ctx, roomID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.log.Warn("listing subscribed messages failed", zap.String("room_id", roomID), zap.Error(err))
			} else if !sent || !reflect.DeepEqual(msgs, last) {
				select {
				case out <- msgs:
				case <-ctx.Done():
					return
				}
				last, sent = msgs, true
			}

			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
			case <-resync.C:
			}
		}
	}()
	return out, nil
}

// subscribeParticipant checks membership and opens the topic subscription before
// the first read, so no change between the two is lost.
func (r *RoomManager) subscribeParticipant(ctx context.Context, topic, roomID, userID string) (<-chan pubsub.Event, error) {
	if _, err := r.roomFor(ctx, roomID, userID); err != nil {
		return nil, err
	}
	return r.Bus.Subscribe(ctx, topic)
}

// nextWake is how long until the view of room changes without any write.
// Zero means never.
func (r *RoomManager) nextWake(room *models.ChatRoom, view models.RoomView, now time.Time) time.Duration {
	if !room.Active {
		return 0
	}
	var wake time.Duration
	consider := func(d time.Duration) {
		if d < minWake {
			d = minWake
		}
		if wake == 0 || d < wake {
			wake = d
		}
	}

	if view.TypingUserID != "" && room.TypingAt != nil {
		consider(room.TypingAt.Add(r.Config.TypingTTL).Sub(now))
	}

	left := view.Deadline.Sub(now)
	switch {
	case left <= 0:
		// Due; the watcher or the next write closes it.
		consider(time.Second)
	case view.Warning:
		step := left % time.Second
		if step == 0 {
			step = time.Second
		}
		consider(step)
	default:
		consider(left - r.Config.InactivityWarning)
	}
	return wake
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	if d > 0 {
		t.Reset(d)
	}
}
