package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"
)

// RedisBroker fans events across processes via Redis pub/sub pattern
// subscriptions.
type RedisBroker struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewRedisBroker(redisURL string, logger *slog.Logger) (*RedisBroker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("connected to redis", "addr", opt.Addr)

	return &RedisBroker{rdb: rdb, logger: logger}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, pattern string, h Handler) (func(), error) {
	pubsub := b.rdb.PSubscribe(ctx, pattern)

	// Wait for subscription confirmation before reporting success; otherwise
	// the caller may publish before the pattern is registered.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}

	b.logger.Info("subscribed to broker pattern", "pattern", pattern)

	go func() {
		for msg := range pubsub.Channel() {
			h(msg.Channel, []byte(msg.Payload))
		}
		b.logger.Info("broker subscription closed", "pattern", pattern)
	}()

	return func() { _ = pubsub.Close() }, nil
}

func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}
