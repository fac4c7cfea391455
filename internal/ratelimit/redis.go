package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares the limit across server instances with SET NX PX.
type Redis struct {
	client   *redis.Client
	interval time.Duration
}

var _ Limiter = (*Redis)(nil)

func NewRedis(client *redis.Client, interval time.Duration) *Redis {
	return &Redis{client: client, interval: interval}
}

// Allow claims the key for one interval. If Redis cannot be reached the action
// is allowed and the error returned so the caller can log it.
func (l *Redis) Allow(ctx context.Context, key string) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, 1, l.interval).Result()
	if err != nil {
		return true, fmt.Errorf("ratelimit: %w", err)
	}
	return ok, nil
}
