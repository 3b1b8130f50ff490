package metacache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/ytget/ytmux/internal/logger"
	"github.com/ytget/ytmux/types"
)

const redisTimeout = 2 * time.Second

// RedisCache stores metadata as JSON values with a native Redis expiry so
// several service instances can share resolutions.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*types.MediaInfo, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.WithComponent(logger.ComponentCache).Warn("Redis get failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		return nil, false
	}
	var info types.MediaInfo
	if err := json.Unmarshal(val, &info); err != nil {
		_ = c.client.Del(ctx, key).Err()
		return nil, false
	}
	return &info, true
}

func (c *RedisCache) Set(ctx context.Context, key string, info *types.MediaInfo) {
	b, err := json.Marshal(info)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	if err := c.client.Set(ctx, key, b, c.ttl).Err(); err != nil {
		logger.WithComponent(logger.ComponentCache).Warn("Redis set failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// NewRedisClient builds a client with the timeouts used across the service.
// It returns nil when addr is empty.
func NewRedisClient(addr, password string, db int) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// PingRedis validates the connection.
func PingRedis(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	return client.Ping(ctx).Err()
}
