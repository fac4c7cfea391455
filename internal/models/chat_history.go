package models

import (
	"time"

	"github.com/lib/pq"
)

// SystemSenderID marks notices written by the room lifecycle rather than a user.
const SystemSenderID = "system"

// Message is one chat line within a room. Messages are append-only; only SeenBy grows.
type Message struct {
	// ID is the message identifier (UUID).
	ID string `gorm:"primaryKey" json:"id"`
	// RoomID is the owning room; messages are removed together with it.
	RoomID string `gorm:"type:text;not null;index:idx_room_msg,priority:1" json:"room_id"`
	// SenderID is a participant's anonymous ID or SystemSenderID.
	SenderID string `gorm:"type:text;not null" json:"sender_id"`
	Text     string `gorm:"type:text;not null" json:"text"`
	// CreatedAt orders messages within a room and is strictly increasing per room.
	CreatedAt time.Time `gorm:"not null;index:idx_room_msg,priority:2" json:"created_at"`
	// SeenBy lists the users who observed the message while their client was visible.
	SeenBy pq.StringArray `gorm:"type:text[]" json:"seen_by"`

	SchemaVersion int `gorm:"not null;default:1" json:"v"`
}

// IsSystem reports whether the message is a lifecycle notice.
func (m *Message) IsSystem() bool {
	return m.SenderID == SystemSenderID
}

// SeenByUser reports whether userID already marked the message as seen.
func (m *Message) SeenByUser(userID string) bool {
	for _, u := range m.SeenBy {
		if u == userID {
			return true
		}
	}
	return false
}

// MarkSeen adds userID to SeenBy. It returns false if it was already present.
func (m *Message) MarkSeen(userID string) bool {
	if m.SeenByUser(userID) {
		return false
	}
	m.SeenBy = append(m.SeenBy, userID)
	return true
}

func (m *Message) Validate() error {
	if m.SchemaVersion != SchemaVersion || m.ID == "" || m.RoomID == "" || m.SenderID == "" {
		return ErrInvalidRecord
	}
	return nil
}

func (m *Message) Clone() *Message {
	c := *m
	c.SeenBy = append(pq.StringArray(nil), m.SeenBy...)
	return &c
}

// NewMessage builds a message stamped with the current schema version.
func NewMessage(id, roomID, senderID, text string, at time.Time) *Message {
	return &Message{
		ID:            id,
		RoomID:        roomID,
		SenderID:      senderID,
		Text:          text,
		CreatedAt:     at,
		SeenBy:        pq.StringArray{},
		SchemaVersion: SchemaVersion,
	}
}
