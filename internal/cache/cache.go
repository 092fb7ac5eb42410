// Package cache keeps hot lookups in Redis. A nil client disables caching
// and every call falls through to the source.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrCacheNotAvailable = errors.New("cache not available")
	ErrCacheNotFound     = errors.New("cache not found")
)

// Helper wraps a Redis client with a key prefix and JSON encoding.
type Helper struct {
	client *redis.Client
	prefix string
}

func NewHelper(client *redis.Client, prefix string) *Helper {
	return &Helper{client: client, prefix: prefix}
}

// NewClient parses a redis:// URL and checks the server is reachable.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Enabled reports whether a client is configured.
func (h *Helper) Enabled() bool { return h.client != nil }

func (h *Helper) key(k string) string { return h.prefix + k }

// Get decodes a cached value into dest.
func (h *Helper) Get(ctx context.Context, key string, dest any) error {
	if h.client == nil {
		return ErrCacheNotAvailable
	}
	data, err := h.client.Get(ctx, h.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheNotFound
		}
		return fmt.Errorf("cache get: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache unmarshal: %w", err)
	}
	return nil
}

// Set stores value as JSON with the given TTL.
func (h *Helper) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if h.client == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}
	return h.client.Set(ctx, h.key(key), data, ttl).Err()
}

// Delete removes keys.
func (h *Helper) Delete(ctx context.Context, keys ...string) error {
	if h.client == nil || len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = h.key(k)
	}
	return h.client.Del(ctx, full...).Err()
}

// InvalidatePattern removes every key matching pattern. It walks the
// keyspace with SCAN so large caches do not block the server.
func (h *Helper) InvalidatePattern(ctx context.Context, pattern string) error {
	if h.client == nil {
		return nil
	}
	full := h.key(pattern)
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := h.client.Scan(ctx, cursor, full, 100).Result()
		if err != nil {
			slog.ErrorContext(ctx, "cache scan error", "error", err, "pattern", full)
			return fmt.Errorf("cache scan: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil
	}

	pipe := h.client.Pipeline()
	const batchSize = 100
	for i := 0; i < len(keys); i += batchSize {
		pipe.Del(ctx, keys[i:min(i+batchSize, len(keys))]...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}
