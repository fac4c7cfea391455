package models_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wordchat/backend/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRoom() *models.ChatRoom {
	return models.NewChatRoom(uuid.NewString(), "banana", "alice", "bob", t0, 30*time.Minute)
}

// TestPairKeyIgnoresUserOrder verifies both orders of a pair share one key.
func TestPairKeyIgnoresUserOrder(t *testing.T) {
	assert.Equal(t, models.PairKey("banana", "alice", "bob"), models.PairKey("banana", "bob", "alice"))
	assert.NotEqual(t, models.PairKey("banana", "alice", "bob"), models.PairKey("kiwi", "alice", "bob"))
}

// TestNewChatRoom_Fields checks the initial state of a freshly matched room.
func TestNewChatRoom_Fields(t *testing.T) {
	room := newRoom()

	assert.True(t, room.Active)
	assert.Equal(t, t0, room.LastActivityAt)
	assert.Equal(t, t0.Add(30*time.Minute), room.ExpiresAt)
	assert.True(t, room.HasUser("alice"))
	assert.False(t, room.HasUser("carol"))
	assert.Equal(t, "bob", room.Partner("alice"))
	assert.NoError(t, room.Validate())
}

// TestDueReason covers the live, inactive and expired cases.
func TestDueReason(t *testing.T) {
	inactivity := 10 * time.Minute

	tests := []struct {
		name     string
		activity time.Duration
		at       time.Duration
		want     string
	}{
		{name: "live", at: 9 * time.Minute, want: ""},
		{name: "idle exactly at the window", at: 10 * time.Minute, want: models.EndReasonInactive},
		{name: "kept alive by activity", activity: 25 * time.Minute, at: 29 * time.Minute, want: ""},
		{name: "past the ceiling", activity: 25 * time.Minute, at: 30 * time.Minute, want: models.EndReasonExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := newRoom()
			room.LastActivityAt = t0.Add(tt.activity)

			assert.Equal(t, tt.want, room.DueReason(t0.Add(tt.at), inactivity))
		})
	}
}

// TestDeactivate_OnlyOnce verifies a closed room never reopens and keeps its first reason.
func TestDeactivate_OnlyOnce(t *testing.T) {
	// Arrange
	room := newRoom()
	typingAt := t0
	room.TypingUserID, room.TypingAt = "alice", &typingAt

	// Act
	first := room.Deactivate(t0.Add(time.Minute), models.EndReasonLeft)
	second := room.Deactivate(t0.Add(2*time.Minute), models.EndReasonClosed)

	// Assert
	assert.True(t, first)
	assert.False(t, second)
	assert.False(t, room.Active)
	assert.Equal(t, models.EndReasonLeft, room.EndReason)
	require.NotNil(t, room.EndedAt)
	assert.Equal(t, t0.Add(time.Minute), *room.EndedAt)
	assert.Empty(t, room.TypingUserID)
}

// TestEffectiveTypingUser drops stale hints.
func TestEffectiveTypingUser(t *testing.T) {
	room := newRoom()
	at := t0
	room.TypingUserID, room.TypingAt = "alice", &at

	assert.Equal(t, "alice", room.EffectiveTypingUser(t0.Add(3*time.Second), 5*time.Second))
	assert.Empty(t, room.EffectiveTypingUser(t0.Add(5*time.Second), 5*time.Second))
}

// TestValidate_RejectsForeignRecords checks malformed rooms are refused.
func TestValidate_RejectsForeignRecords(t *testing.T) {
	tests := map[string]func(r *models.ChatRoom){
		"schema version": func(r *models.ChatRoom) { r.SchemaVersion = 2 },
		"same user":      func(r *models.ChatRoom) { r.Users[1] = r.Users[0] },
		"one user":       func(r *models.ChatRoom) { r.Users = r.Users[:1] },
		"stale pair key": func(r *models.ChatRoom) { r.Word = "kiwi" },
		"missing id":     func(r *models.ChatRoom) { r.RoomID = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			room := newRoom()
			mutate(room)

			assert.ErrorIs(t, room.Validate(), models.ErrInvalidRecord)
		})
	}
}

// TestClone_DoesNotShareState ensures edits on a copy never reach the stored room.
func TestClone_DoesNotShareState(t *testing.T) {
	room := newRoom()
	room.Deactivate(t0, models.EndReasonLeft)

	c := room.Clone()
	c.Users[0] = "mallory"
	*c.EndedAt = t0.Add(time.Hour)

	assert.Equal(t, "alice", room.Users[0])
	assert.Equal(t, t0, *room.EndedAt)
}

// TestNewRoomView_Countdown checks the derived deadline and warning flag.
func TestNewRoomView_Countdown(t *testing.T) {
	room := newRoom()

	calm := models.NewRoomView(room, t0.Add(time.Minute), 10*time.Minute, 30*time.Second, 5*time.Second)
	warn := models.NewRoomView(room, t0.Add(9*time.Minute+40*time.Second), 10*time.Minute, 30*time.Second, 5*time.Second)

	assert.False(t, calm.Warning)
	assert.Equal(t, 540, calm.SecondsLeft)
	assert.Equal(t, t0.Add(10*time.Minute), warn.Deadline)
	assert.True(t, warn.Warning)
	assert.Equal(t, 20, warn.SecondsLeft)
}

// TestNewRoomView_Closed leaves the countdown empty.
func TestNewRoomView_Closed(t *testing.T) {
	room := newRoom()
	room.Deactivate(t0, models.EndReasonInactive)

	v := models.NewRoomView(room, t0.Add(time.Minute), 10*time.Minute, 30*time.Second, 5*time.Second)

	assert.False(t, v.Warning)
	assert.Zero(t, v.SecondsLeft)
	assert.True(t, v.Deadline.IsZero())
}

// TestMessageMarkSeen is idempotent per user.
func TestMessageMarkSeen(t *testing.T) {
	m := models.NewMessage(uuid.NewString(), "room", "alice", "hi", t0)

	assert.True(t, m.MarkSeen("bob"))
	assert.False(t, m.MarkSeen("bob"))
	assert.True(t, m.SeenByUser("bob"))
	assert.False(t, m.SeenByUser("alice"))
	assert.False(t, m.IsSystem())
}

// TestWaitingEntry_Validate rejects words that were not normalized.
func TestWaitingEntry_Validate(t *testing.T) {
	ok := models.NewWaitingEntry("alice", "banana", t0, time.Minute)
	bad := models.NewWaitingEntry("alice", " Banana", t0, time.Minute)

	assert.NoError(t, ok.Validate())
	assert.ErrorIs(t, bad.Validate(), models.ErrInvalidRecord)
	assert.Equal(t, "banana", models.NormalizeWord("  BaNaNa "))
}
