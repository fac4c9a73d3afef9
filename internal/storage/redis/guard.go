// Package redis shares the notification once-only guard across engine
// instances.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xenking/order-engine/internal/domain/notify"
)

// DefaultTTL bounds how long a dispatched notification key is remembered.
const DefaultTTL = 7 * 24 * time.Hour

// Cmdable is the subset of the redis client the guard uses.
type Cmdable interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

var _ notify.Guard = (*Guard)(nil)

// Guard records dispatched notification keys with SETNX.
type Guard struct {
	client Cmdable
	prefix string
	ttl    time.Duration
}

// NewGuard returns a Guard storing keys under prefix. A non-positive ttl
// means DefaultTTL.
func NewGuard(client Cmdable, prefix string, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{client: client, prefix: prefix, ttl: ttl}
}

// NewClient connects to the redis server at addr.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (g *Guard) key(k string) string {
	return fmt.Sprintf("%s:%s", g.prefix, k)
}

// Acquire reports whether k was not dispatched before and marks it.
func (g *Guard) Acquire(ctx context.Context, k string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.key(k), time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring notification key %q: %w", k, err)
	}
	return ok, nil
}

// Release forgets k so a failed dispatch can be retried.
func (g *Guard) Release(ctx context.Context, k string) error {
	if err := g.client.Del(ctx, g.key(k)).Err(); err != nil {
		return fmt.Errorf("releasing notification key %q: %w", k, err)
	}
	return nil
}
