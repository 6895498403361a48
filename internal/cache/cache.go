// Package cache provides the best-effort TTL key-value store shared by the
// resolvers and the LLM validator. Every caller must stay correct when Get
// returns empty and Set fails silently.
package cache

import (
	"context"
	"time"
)

// Miss is the distinguished sentinel stored for cached negative lookups, so
// a "known miss" is distinguishable from "never looked up".
const Miss = "__miss__"

// Cache is a TTL key-value store. Implementations never surface transport
// errors to callers: a failing Get reports not-found, a failing Set or Del
// is a no-op.
type Cache interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool)

	// Set stores value under key with the given TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration)

	// Del removes key.
	Del(ctx context.Context, key string)
}

// Noop is a Cache that stores nothing, used when no cache endpoint is
// configured or reachable.
type Noop struct{}

func (Noop) Get(ctx context.Context, key string) (string, bool)            { return "", false }
func (Noop) Set(ctx context.Context, key, value string, ttl time.Duration) {}
func (Noop) Del(ctx context.Context, key string)                           {}
