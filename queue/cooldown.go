package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cooldown grants at most one claim per key within its TTL across all
// processes sharing the Redis instance.
type Cooldown struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewCooldown(client redis.UniversalClient, prefix string, ttl time.Duration) *Cooldown {
	return &Cooldown{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (c *Cooldown) key(name string) string {
	return fmt.Sprintf("%s:%s", c.prefix, name)
}

// Claim returns true when the caller owns the key for the next TTL.
func (c *Cooldown) Claim(ctx context.Context, name string) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key(name), time.Now().UnixMilli(), c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim cooldown %s: %w", name, err)
	}
	return ok, nil
}

// Release drops a claim early, e.g. when the guarded action never happened.
func (c *Cooldown) Release(ctx context.Context, name string) error {
	return c.client.Del(ctx, c.key(name)).Err()
}
