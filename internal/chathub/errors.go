package chathub

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"wordchat/backend/internal/storage"
)

// Business errors returned by the chat services. Store failures are returned as
// the storage sentinels (ErrUnavailable, ErrConflict) and are retryable.
var (
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrEmptyWord       = errors.New("word is empty")
	ErrRoomNotFound    = errors.New("room not found")
	ErrNotParticipant  = errors.New("not a participant of this room")
	ErrRoomInactive    = errors.New("room is no longer active")
	ErrRateLimited     = errors.New("too many messages")
)

// maxLifecycleRetries bounds retries of a room transaction that lost a race.
const maxLifecycleRetries = 3

// resyncInterval re-reads subscribed state even without events, covering
// notifications dropped by a best-effort bus.
const resyncInterval = 5 * time.Second

// currentTime reads now, or the wall clock when now is nil, at the microsecond
// precision PostgreSQL stores.
func currentTime(now func() time.Time) time.Time {
	if now == nil {
		return time.Now().Truncate(time.Microsecond)
	}
	return now().Truncate(time.Microsecond)
}

func newID(gen func() string) string {
	if gen == nil {
		return uuid.New().String()
	}
	return gen()
}

// ErrUnknownFrame is returned for a socket command the server does not know.
var ErrUnknownFrame = errors.New("unknown frame type")

// ErrorCode is a stable machine-readable name for err, shared by the HTTP and
// socket transports.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidIdentity):
		return "invalid_identity"
	case errors.Is(err, ErrEmptyWord), errors.Is(err, ErrUnknownFrame):
		return "bad_request"
	case errors.Is(err, ErrRoomNotFound):
		return "not_found"
	case errors.Is(err, ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, ErrRoomInactive):
		return "room_inactive"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case storage.IsRetryable(err):
		return "unavailable"
	default:
		return "internal"
	}
}
