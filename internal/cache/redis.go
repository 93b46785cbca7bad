package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces result cache keys.
const DefaultRedisPrefix = "relay:cache:"

// RedisBackend shares cached results between relay processes.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// DialRedis parses url, connects and verifies the connection.
func DialRedis(ctx context.Context, url string, ttl time.Duration) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisBackend(client, DefaultRedisPrefix, ttl), nil
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set writes the value only if the key is absent, keeping entries immutable.
func (r *RedisBackend) Set(ctx context.Context, key, value string) error {
	return r.client.SetNX(ctx, r.prefix+key, value, r.ttl).Err()
}

// Clear deletes every key under the prefix.
func (r *RedisBackend) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 200).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Len counts keys under the prefix.
func (r *RedisBackend) Len(ctx context.Context) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 200).Result()
		if err != nil {
			return 0, err
		}
		total += len(keys)
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

func (r *RedisBackend) Close() error { return r.client.Close() }
