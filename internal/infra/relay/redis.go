package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 5 * time.Second

// RedisPublisher publishes relay messages with PUBLISH and keeps the latest ledger view
// with SET.
type RedisPublisher struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPublisher connects to redisURL (redis://[user:pass@]host:port/db) and verifies
// the connection. ttl bounds stored keys; zero keeps them until overwritten.
func NewRedisPublisher(ctx context.Context, redisURL string, ttl time.Duration) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisPublisher{client: client, ttl: ttl}, nil
}

// Publish sends payload to every subscriber of channel.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH failed: %w", err)
	}
	return nil
}

// Store overwrites key with payload.
func (p *RedisPublisher) Store(ctx context.Context, key string, payload []byte) error {
	if err := p.client.Set(ctx, key, payload, p.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection pool.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
