package presence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisStore keeps presence keys in Redis with native expirations.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(namespace string, conversationID, userID int64) string {
	return s.prefix + Key(namespace, conversationID, userID)
}

func (s *RedisStore) SetTyping(ctx context.Context, conversationID, userID int64, isTyping bool) error {
	typingKey := s.key(NamespaceTyping, conversationID, userID)
	onlineKey := s.key(NamespaceOnline, conversationID, userID)

	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		if isTyping {
			p.Set(ctx, typingKey, 1, TypingTTL)
		} else {
			p.Del(ctx, typingKey)
		}
		p.Set(ctx, onlineKey, 1, OnlineTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

func (s *RedisStore) Touch(ctx context.Context, conversationID, userID int64) error {
	if err := s.rdb.Set(ctx, s.key(NamespaceOnline, conversationID, userID), 1, OnlineTTL).Err(); err != nil {
		return fmt.Errorf("touch online: %w", err)
	}
	return nil
}

func (s *RedisStore) ListTyping(ctx context.Context, conversationID int64) ([]int64, error) {
	return s.list(ctx, NamespaceTyping, conversationID)
}

func (s *RedisStore) ListOnline(ctx context.Context, conversationID int64) ([]int64, error) {
	return s.list(ctx, NamespaceOnline, conversationID)
}

// list scans the namespace and validates each key's remaining TTL. Keys with
// no time left (or no expiry at all) are evicted and skipped.
func (s *RedisStore) list(ctx context.Context, namespace string, conversationID int64) ([]int64, error) {
	ids := make(map[int64]struct{})
	_, err := s.scan(ctx, s.prefix+pattern(namespace, conversationID), func(key string) {
		if id, ok := userFromKey(key); ok {
			ids[id] = struct{}{}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", namespace, err)
	}
	return sortedIDs(ids), nil
}

// Sweep evicts keys in both namespaces that carry no expiry. Redis removes
// expired keys itself.
func (s *RedisStore) Sweep(ctx context.Context) (int, error) {
	total := 0
	for _, ns := range []string{NamespaceTyping, NamespaceOnline} {
		n, err := s.scan(ctx, s.prefix+pattern(ns, AnyConversation), func(string) {})
		total += n
		if err != nil {
			return total, fmt.Errorf("sweep %s: %w", ns, err)
		}
	}
	return total, nil
}

// scan calls live for every key matching match that still has time left and
// returns how many keys were evicted.
func (s *RedisStore) scan(ctx context.Context, match string, live func(key string)) (int, error) {
	evicted := 0
	iter := s.rdb.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ttl, err := s.rdb.TTL(ctx, key).Result()
		if err != nil {
			return evicted, fmt.Errorf("ttl %s: %w", key, err)
		}
		if ttl <= 0 {
			if err := s.rdb.Del(ctx, key).Err(); err != nil {
				log.Debug().Err(err).Str("key", key).Msg("evict presence key")
				continue
			}
			evicted++
			continue
		}
		live(key)
	}
	return evicted, iter.Err()
}
