package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Redis implements Cache on a Redis endpoint.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects to the Redis endpoint given by a URL like
// redis://host:6379/0 and verifies connectivity.
func NewRedis(ctx context.Context, redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, eris.Wrap(err, "cache: parse redis url")
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, eris.Wrapf(err, "cache: ping %s", opts.Addr)
	}

	zap.L().Info("connected to redis", zap.String("addr", opts.Addr))
	return &Redis{rdb: rdb}, nil
}

// Get returns the value for key. Transport errors degrade to a cache miss.
func (c *Redis) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			zap.L().Debug("cache get failed", zap.String("key", key), zap.Error(err))
		}
		return "", false
	}
	return val, true
}

// Set stores value under key with the given TTL. Failures are dropped.
func (c *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		zap.L().Debug("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Del removes key. Failures are dropped.
func (c *Redis) Del(ctx context.Context, key string) {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		zap.L().Debug("cache del failed", zap.String("key", key), zap.Error(err))
	}
}

// Close releases the underlying connection.
func (c *Redis) Close() error {
	return c.rdb.Close()
}
