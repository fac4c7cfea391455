package models

import "time"

// MatchResult is the outcome of a match request. RoomID is set only when Matched.
type MatchResult struct {
	Matched bool   `json:"matched"`
	RoomID  string `json:"room_id,omitempty"`
}

// RoomView is a room snapshot plus state derived at a given instant, pushed to
// subscribed clients.
type RoomView struct {
	Room ChatRoom `json:"room"`
	// TypingUserID is the typing hint with stale values cleared.
	TypingUserID string `json:"typing_user_id,omitempty"`
	// Deadline is when the room closes without further activity.
	Deadline time.Time `json:"deadline"`
	// Warning is true inside the grace countdown before Deadline.
	Warning     bool `json:"warning"`
	SecondsLeft int  `json:"seconds_left"`
}

// NewRoomView derives the client-facing state of room at now.
func NewRoomView(room *ChatRoom, now time.Time, inactivity, warning, typingTTL time.Duration) RoomView {
	v := RoomView{
		Room:         *room.Clone(),
		TypingUserID: room.EffectiveTypingUser(now, typingTTL),
	}
	if !room.Active {
		return v
	}
	v.Deadline = room.Deadline(inactivity)
	left := v.Deadline.Sub(now)
	if left < 0 {
		left = 0
	}
	v.SecondsLeft = int((left + time.Second - 1) / time.Second)
	v.Warning = left <= warning
	return v
}

// CleanupReport is what one sweep removed.
type CleanupReport struct {
	WaitingDeleted int `json:"waiting_deleted"`
	RoomsDeleted   int `json:"rooms_deleted"`
}
