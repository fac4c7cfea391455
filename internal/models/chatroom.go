package models

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
)

// SchemaVersion is the record version written by this build. Records carrying any
// other version are treated as foreign documents and ignored by the storage layer.
const SchemaVersion = 1

// Reasons a room became inactive.
const (
	EndReasonLeft     = "left"
	EndReasonInactive = "inactive"
	EndReasonExpired  = "expired"
	EndReasonClosed   = "closed"
)

var ErrInvalidRecord = errors.New("invalid record")

// ChatRoom represents a private, time-bounded conversation between the two users
// who submitted the same word.
type ChatRoom struct {
	// RoomID is the unique identifier for the chat room (UUID).
	RoomID string `gorm:"primaryKey" json:"room_id"`
	// Word is the normalized word both participants asked for.
	Word string `gorm:"type:text;not null;index" json:"word"`
	// Users holds exactly two distinct anonymous IDs.
	Users pq.StringArray `gorm:"type:text[];not null" json:"users"`
	// PairKey identifies the (word, unordered pair) combination. At most one active
	// room exists per PairKey.
	PairKey string `gorm:"type:text;not null;uniqueIndex:idx_rooms_active_pair,where:active = true" json:"-"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	// ExpiresAt is the absolute ceiling, CreatedAt + room TTL.
	ExpiresAt time.Time `gorm:"not null" json:"expires_at"`
	// LastActivityAt is moved forward by messages and presence pings.
	LastActivityAt time.Time `gorm:"not null" json:"last_activity_at"`
	// LastMessageAt keeps message timestamps strictly increasing within the room.
	LastMessageAt time.Time `json:"-"`

	Active    bool       `gorm:"not null;index" json:"active"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason string     `gorm:"type:text" json:"end_reason,omitempty"`

	TypingUserID string     `gorm:"type:text" json:"typing_user_id,omitempty"`
	TypingAt     *time.Time `json:"typing_at,omitempty"`

	SchemaVersion int `gorm:"not null;default:1" json:"v"`
}

// NewChatRoom builds an active room for two users at the given instant.
func NewChatRoom(roomID, word, userA, userB string, now time.Time, ttl time.Duration) *ChatRoom {
	return &ChatRoom{
		RoomID:         roomID,
		Word:           word,
		Users:          pq.StringArray{userA, userB},
		PairKey:        PairKey(word, userA, userB),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		LastActivityAt: now,
		Active:         true,
		SchemaVersion:  SchemaVersion,
	}
}

// PairKey returns the key shared by every room of the same word and unordered pair.
func PairKey(word, userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return word + "\x00" + pair[0] + "\x00" + pair[1]
}

// HasUser reports whether userID participates in the room.
func (r *ChatRoom) HasUser(userID string) bool {
	for _, u := range r.Users {
		if u == userID {
			return true
		}
	}
	return false
}

// Partner returns the other participant.
func (r *ChatRoom) Partner(userID string) string {
	for _, u := range r.Users {
		if u != userID {
			return u
		}
	}
	return ""
}

// Deadline is the instant the room closes if nothing happens: the earlier of the
// inactivity deadline and the absolute TTL.
func (r *ChatRoom) Deadline(inactivity time.Duration) time.Time {
	idle := r.LastActivityAt.Add(inactivity)
	if r.ExpiresAt.Before(idle) {
		return r.ExpiresAt
	}
	return idle
}

// DueReason reports why an active room must close at now, or "" if it is still live.
func (r *ChatRoom) DueReason(now time.Time, inactivity time.Duration) string {
	if !r.Active {
		return ""
	}
	if !now.Before(r.ExpiresAt) {
		return EndReasonExpired
	}
	if !now.Before(r.LastActivityAt.Add(inactivity)) {
		return EndReasonInactive
	}
	return ""
}

// Deactivate flips the room to inactive. It returns false when the room was already
// inactive; the transition never goes back.
func (r *ChatRoom) Deactivate(now time.Time, reason string) bool {
	if !r.Active {
		return false
	}
	r.Active = false
	r.EndedAt = &now
	r.EndReason = reason
	r.TypingUserID = ""
	r.TypingAt = nil
	return true
}

// EffectiveTypingUser returns the typing user unless the hint went stale.
func (r *ChatRoom) EffectiveTypingUser(now time.Time, ttl time.Duration) string {
	if !r.Active || r.TypingUserID == "" || r.TypingAt == nil {
		return ""
	}
	if now.Sub(*r.TypingAt) >= ttl {
		return ""
	}
	return r.TypingUserID
}

// Validate checks the room against the shape this build writes.
func (r *ChatRoom) Validate() error {
	switch {
	case r.SchemaVersion != SchemaVersion:
		return ErrInvalidRecord
	case r.RoomID == "" || r.Word == "":
		return ErrInvalidRecord
	case len(r.Users) != 2 || r.Users[0] == "" || r.Users[1] == "" || r.Users[0] == r.Users[1]:
		return ErrInvalidRecord
	case r.PairKey != PairKey(r.Word, r.Users[0], r.Users[1]):
		return ErrInvalidRecord
	}
	return nil
}

// Clone returns a deep copy so stored records are never shared with callers.
func (r *ChatRoom) Clone() *ChatRoom {
	c := *r
	c.Users = append(pq.StringArray(nil), r.Users...)
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	if r.TypingAt != nil {
		t := *r.TypingAt
		c.TypingAt = &t
	}
	return &c
}

// NormalizeWord trims and lowercases user input.
func NormalizeWord(word string) string {
	return strings.ToLower(strings.TrimSpace(word))
}
