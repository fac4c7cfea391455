// Package ratelimit enforces "at most one message per interval" per room participant.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter decides whether the action identified by key may happen now.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Key scopes a limit to one participant of one room.
func Key(roomID, userID string) string {
	return "ratelimit:" + roomID + ":" + userID
}

// pruneEvery is how many Allow calls pass between sweeps of idle keys.
const pruneEvery = 1024

// Interval is the single-process limiter.
type Interval struct {
	interval time.Duration
	now      func() time.Time

	mu    sync.Mutex
	last  map[string]time.Time
	calls int
}

var _ Limiter = (*Interval)(nil)

// NewInterval allows one action per key per interval. now may be nil.
func NewInterval(interval time.Duration, now func() time.Time) *Interval {
	if now == nil {
		now = time.Now
	}
	return &Interval{interval: interval, now: now, last: make(map[string]time.Time)}
}

func (l *Interval) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%pruneEvery == 0 {
		for k, t := range l.last {
			if now.Sub(t) >= l.interval {
				delete(l.last, k)
			}
		}
	}

	if t, ok := l.last[key]; ok && now.Sub(t) < l.interval {
		return false, nil
	}
	l.last[key] = now
	return true, nil
}
