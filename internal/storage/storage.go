// Package storage is the transactional document store behind matching and the room
// lifecycle. Records cross this boundary as typed, versioned models; anything that
// fails validation is ignored and reported as ErrNotFound.
package storage

import (
	"context"
	"errors"
	"time"

	"wordchat/backend/internal/models"
)

var (
	// ErrNotFound is returned when a key has no (valid) record.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a transaction's reads were invalidated by a
	// concurrent commit. Nothing was written; the caller may retry.
	ErrConflict = errors.New("storage: transaction conflict")
	// ErrUnavailable wraps I/O failures of the underlying store. Retryable.
	ErrUnavailable = errors.New("storage: unavailable")
)

// Tx is the view of the store inside RunInTx. Reads observe the transaction's own
// writes; writes become visible to others only on commit.
type Tx interface {
	GetWaiting(userID string) (*models.WaitingEntry, error)
	// OldestWaiting returns the earliest entry for word created after since,
	// never the one owned by excludeUserID.
	OldestWaiting(word, excludeUserID string, since time.Time) (*models.WaitingEntry, error)
	PutWaiting(entry *models.WaitingEntry) error
	DeleteWaiting(userID string) error

	GetRoom(roomID string) (*models.ChatRoom, error)
	ActiveRoomForPair(word, userA, userB string) (*models.ChatRoom, error)
	PutRoom(room *models.ChatRoom) error

	AddMessage(msg *models.Message) error
	GetMessage(roomID, messageID string) (*models.Message, error)
	PutMessage(msg *models.Message) error
}

// Storage is implemented by the in-memory store and the PostgreSQL service.
type Storage interface {
	// RunInTx runs fn atomically. If fn returns an error nothing is written and the
	// error is returned unchanged. A commit that lost a race returns ErrConflict.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	PutWaiting(ctx context.Context, entry *models.WaitingEntry) error
	DeleteWaiting(ctx context.Context, userID string) error

	GetRoom(ctx context.Context, roomID string) (*models.ChatRoom, error)
	ListMessages(ctx context.Context, roomID string) ([]models.Message, error)
	// RoomsForUser lists active rooms for word containing userID created after
	// since, newest first.
	RoomsForUser(ctx context.Context, userID, word string, since time.Time) ([]models.ChatRoom, error)
	// IdleRooms lists active rooms with no activity since idleBefore or whose
	// absolute TTL passed at now.
	IdleRooms(ctx context.Context, now, idleBefore time.Time) ([]models.ChatRoom, error)

	// DeleteStaleWaiting removes entries created before the cutoff.
	DeleteStaleWaiting(ctx context.Context, before time.Time) (int, error)
	// DeleteExpiredRooms removes inactive rooms created before the cutoff, with
	// their messages. The condition is re-checked at delete time.
	DeleteExpiredRooms(ctx context.Context, before time.Time) (int, error)

	Close() error
}

// IgnoreNotFound turns ErrNotFound into success, for idempotent deletes.
func IgnoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// IsRetryable reports whether the caller may try the same operation again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable)
}
