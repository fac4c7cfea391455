// Package pubsub carries change notifications between writers and subscribers.
// Events only say that something changed; subscribers re-read the store to build
// the snapshot they emit, so a dropped or coalesced event never loses state.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the event schema written by this build.
const Version = 1

// subscriberBuffer bounds how far a slow subscriber can fall behind before
// events for it are dropped.
const subscriberBuffer = 16

type Kind string

const (
	KindRoomCreated Kind = "room_created"
	KindRoomUpdated Kind = "room_updated"
	KindMessage     Kind = "message"
)

var (
	ErrBadEvent = errors.New("pubsub: malformed event")
	ErrClosed   = errors.New("pubsub: bus closed")
)

type Event struct {
	Version int       `json:"v"`
	Kind    Kind      `json:"kind"`
	RoomID  string    `json:"room_id,omitempty"`
	UserID  string    `json:"user_id,omitempty"`
	At      time.Time `json:"at"`
}

// Bus delivers events published on a topic to every current subscriber of it.
// Delivery is best effort.
type Bus interface {
	Publish(ctx context.Context, topic string, ev Event) error
	// Subscribe returns a channel that is closed when ctx ends or the bus closes.
	Subscribe(ctx context.Context, topic string) (<-chan Event, error)
	Close() error
}

func RoomTopic(roomID string) string { return "room:" + roomID }

func MessagesTopic(roomID string) string { return "room:" + roomID + ":messages" }

func UserRoomsTopic(userID string) string { return "user:" + userID + ":rooms" }

// Encode serializes ev, stamping the current version.
func Encode(ev Event) ([]byte, error) {
	ev.Version = Version
	return json.Marshal(ev)
}

// Decode parses a payload, refusing anything not written by this schema version.
func Decode(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	if ev.Version != Version || ev.Kind == "" {
		return Event{}, fmt.Errorf("%w: version %d kind %q", ErrBadEvent, ev.Version, ev.Kind)
	}
	return ev, nil
}
