package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores recommendation lists for a movie.
type Cache interface {
	Get(ctx context.Context, key string) ([]string, bool, error)
	Set(ctx context.Context, key string, titles []string) error
}

// RedisCache keeps lists as JSON strings with a fixed TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]string, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var titles []string
	if err := json.Unmarshal(raw, &titles); err != nil {
		return nil, false, err
	}
	return titles, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, titles []string) error {
	raw, err := json.Marshal(titles)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, c.ttl).Err()
}

// cacheKey normalizes title and genres so trivially different requests share
// an entry.
func cacheKey(title, genres string) string {
	norm := func(s string) string { return strings.Join(strings.Fields(strings.ToLower(s)), " ") }
	return "recommendations:" + norm(title) + "|" + norm(genres)
}
