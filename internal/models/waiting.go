package models

import "time"

// WaitingEntry is one user's open request to be matched on a word.
// UserID is the primary key, so a user can wait for one word at a time.
type WaitingEntry struct {
	UserID    string    `gorm:"primaryKey" json:"user_id"`
	Word      string    `gorm:"type:text;not null;index:idx_waiting_word_created,priority:1" json:"word"`
	CreatedAt time.Time `gorm:"not null;index:idx_waiting_word_created,priority:2" json:"created_at"`
	ExpiresAt time.Time `gorm:"not null" json:"expires_at"`

	SchemaVersion int `gorm:"not null;default:1" json:"v"`
}

// NewWaitingEntry creates an entry that stays matchable for ttl.
func NewWaitingEntry(userID, word string, now time.Time, ttl time.Duration) *WaitingEntry {
	return &WaitingEntry{
		UserID:        userID,
		Word:          word,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		SchemaVersion: SchemaVersion,
	}
}

func (e *WaitingEntry) Validate() error {
	if e.SchemaVersion != SchemaVersion || e.UserID == "" || e.Word == "" || e.Word != NormalizeWord(e.Word) {
		return ErrInvalidRecord
	}
	return nil
}

func (e *WaitingEntry) Clone() *WaitingEntry {
	c := *e
	return &c
}
