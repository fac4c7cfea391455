//go:build integration

package pubsub_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wordchat/backend/internal/pubsub"
	"wordchat/backend/internal/testutils"
)

// TestRedisBus_RoundTrip verifies delivery across two bus instances and that
// foreign payloads on the channel are skipped.
func TestRedisBus_RoundTrip(t *testing.T) {
	client := testutils.RedisClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := pubsub.NewRedis(client, nil)
	pub := pubsub.NewRedis(client, nil)

	ch, err := sub.Subscribe(ctx, pubsub.UserRoomsTopic("u1"))
	require.NoError(t, err)

	require.NoError(t, client.Publish(ctx, "wordchat:"+pubsub.UserRoomsTopic("u1"), `{"v":9,"kind":"x"}`).Err())
	require.NoError(t, pub.Publish(ctx, pubsub.UserRoomsTopic("u1"), pubsub.Event{Kind: pubsub.KindRoomCreated, RoomID: "r1"}))

	ev := receive(t, ch)
	assert.Equal(t, pubsub.KindRoomCreated, ev.Kind)
	assert.Equal(t, "r1", ev.RoomID)
}
