package state

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements Presence and Unread on a shared Redis instance so all
// gateway processes observe the same ephemeral state.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(redisURL string, presenceTTL time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{rdb: rdb, ttl: presenceTTL}, nil
}

func (s *RedisStore) MarkOnline(ctx context.Context, userID string) error {
	return s.rdb.Set(ctx, presenceKey(userID), "online", s.ttl).Err()
}

func (s *RedisStore) MarkOffline(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, presenceKey(userID)).Err()
}

func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Increment(ctx context.Context, conversationID, userID string) (int64, error) {
	return s.rdb.Incr(ctx, unreadKey(conversationID, userID)).Result()
}

func (s *RedisStore) Reset(ctx context.Context, conversationID, userID string) error {
	// DEL rather than SET 0: a missing key already reads as zero, and repeated
	// resets stay idempotent.
	return s.rdb.Del(ctx, unreadKey(conversationID, userID)).Err()
}

func (s *RedisStore) Get(ctx context.Context, conversationID, userID string) (int64, error) {
	n, err := s.rdb.Get(ctx, unreadKey(conversationID, userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
