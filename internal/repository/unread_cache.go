package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// UnreadCache keeps unread counters per (user, workspace) in redis.
// A nil client turns every call into a miss.
type UnreadCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewUnreadCache(client *redis.Client, ttl time.Duration) *UnreadCache {
	return &UnreadCache{client: client, ttl: ttl}
}

func UnreadKey(userID, workspaceID string) string {
	return fmt.Sprintf("unread:%s:%s", userID, workspaceID)
}

// Get returns the cached count. ok is false on a miss.
func (c *UnreadCache) Get(ctx context.Context, userID, workspaceID string) (int64, bool, error) {
	if c == nil || c.client == nil {
		return 0, false, nil
	}
	count, err := c.client.Get(ctx, UnreadKey(userID, workspaceID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return count, true, nil
}

func (c *UnreadCache) Set(ctx context.Context, userID, workspaceID string, count int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Set(ctx, UnreadKey(userID, workspaceID), count, c.ttl).Err()
}

func (c *UnreadCache) Invalidate(ctx context.Context, userID, workspaceID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, UnreadKey(userID, workspaceID)).Err()
}
