package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wordchat/backend/internal/ratelimit"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

// TestInterval_OnePerInterval verifies the "one message per second" rule per key.
func TestInterval_OnePerInterval(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := ratelimit.NewInterval(time.Second, clock.now)
	ctx := context.Background()
	key := ratelimit.Key("r1", "u1")

	ok, err := l.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	clock.t = clock.t.Add(999 * time.Millisecond)
	ok, _ = l.Allow(ctx, key)
	assert.False(t, ok, "second send within the interval must be refused")

	clock.t = clock.t.Add(time.Millisecond)
	ok, _ = l.Allow(ctx, key)
	assert.True(t, ok)
}

// TestInterval_KeysAreIndependent verifies that participants and rooms don't share quota.
func TestInterval_KeysAreIndependent(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := ratelimit.NewInterval(time.Second, clock.now)
	ctx := context.Background()

	for _, key := range []string{ratelimit.Key("r1", "u1"), ratelimit.Key("r1", "u2"), ratelimit.Key("r2", "u1")} {
		ok, err := l.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, key)
	}
}

// TestInterval_RefusedAttemptDoesNotExtend verifies that a refused send doesn't
// push the window forward.
func TestInterval_RefusedAttemptDoesNotExtend(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := ratelimit.NewInterval(time.Second, clock.now)
	ctx := context.Background()
	key := ratelimit.Key("r1", "u1")

	_, _ = l.Allow(ctx, key)
	clock.t = clock.t.Add(500 * time.Millisecond)
	ok, _ := l.Allow(ctx, key)
	require.False(t, ok)
	clock.t = clock.t.Add(500 * time.Millisecond)
	ok, _ = l.Allow(ctx, key)
	assert.True(t, ok)
}
