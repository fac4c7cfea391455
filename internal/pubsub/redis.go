package pubsub

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisChannelPrefix = "wordchat:"

var _ Bus = (*Redis)(nil)

// Redis fans events out across server instances over Redis Pub/Sub.
type Redis struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedis(client *redis.Client, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{client: client, log: log}
}

func (b *Redis) Publish(ctx context.Context, topic string, ev Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, redisChannelPrefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("pubsub: publish %s: %w", topic, err)
	}
	return nil
}

func (b *Redis) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	ps := b.client.Subscribe(ctx, redisChannelPrefix+topic)
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("pubsub: subscribe %s: %w", topic, err)
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		defer ps.Close()

		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, err := Decode([]byte(msg.Payload))
				if err != nil {
					b.log.Warn("dropping event", zap.String("topic", topic), zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the client is owned by the caller.
func (b *Redis) Close() error { return nil }
