//go:build integration

package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wordchat/backend/internal/ratelimit"
	"wordchat/backend/internal/testutils"
)

// TestRedis_OnePerInterval verifies the shared limiter against a real Redis.
func TestRedis_OnePerInterval(t *testing.T) {
	l := ratelimit.NewRedis(testutils.RedisClient(t), 200*time.Millisecond)
	ctx := context.Background()
	key := ratelimit.Key("r1", "u1")

	ok, err := l.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Eventually(t, func() bool {
		ok, err := l.Allow(ctx, key)
		return err == nil && ok
	}, 2*time.Second, 50*time.Millisecond)
}
