package relay

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisTransport uses Redis PUBLISH/SUBSCRIBE. go-redis reconnects the
// underlying pub/sub connection on its own; Subscribe only returns when the
// message channel is closed or ctx ends.
type RedisTransport struct {
	rdb redis.UniversalClient
}

func NewRedisTransport(rdb redis.UniversalClient) *RedisTransport {
	return &RedisTransport{rdb: rdb}
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, data []byte) error {
	return t.rdb.Publish(ctx, channel, data).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, channel string, fn func([]byte)) error {
	ps := t.rdb.Subscribe(ctx, channel)
	defer ps.Close()

	// wait for the subscription confirmation so failures surface here
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	log.Info().Str("channel", channel).Msg("relay subscribed (redis)")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", channel)
			}
			fn([]byte(msg.Payload))
		}
	}
}

func (t *RedisTransport) Close() error {
	return t.rdb.Close()
}
