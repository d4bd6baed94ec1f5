package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/salon-subscriptions/internal/identity"
)

// RoleCache is a denormalized copy of each user's role keyed by external id,
// so request authentication can skip Postgres. The users table stays
// authoritative: every role change overwrites the entry.
type RoleCache struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRoleCache(client *redis.Client, ttl time.Duration) *RoleCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RoleCache{redis: client, ttl: ttl}
}

func (c *RoleCache) key(externalID string) string {
	return fmt.Sprintf("salon:caller:%s", externalID)
}

// Get returns the cached caller for externalID.
func (c *RoleCache) Get(ctx context.Context, externalID string) (identity.Caller, bool, error) {
	data, err := c.redis.Get(ctx, c.key(externalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return identity.Caller{}, false, nil
	}
	if err != nil {
		return identity.Caller{}, false, fmt.Errorf("users: get cached caller: %w", err)
	}
	var caller identity.Caller
	if err := json.Unmarshal(data, &caller); err != nil {
		return identity.Caller{}, false, fmt.Errorf("users: unmarshal cached caller: %w", err)
	}
	return caller, caller.UserID != "", nil
}

// Set stores caller under its external id.
func (c *RoleCache) Set(ctx context.Context, caller identity.Caller) error {
	data, err := json.Marshal(caller)
	if err != nil {
		return fmt.Errorf("users: marshal caller: %w", err)
	}
	if err := c.redis.Set(ctx, c.key(caller.ExternalID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("users: cache caller: %w", err)
	}
	return nil
}

// Delete drops the entry for externalID.
func (c *RoleCache) Delete(ctx context.Context, externalID string) error {
	if err := c.redis.Del(ctx, c.key(externalID)).Err(); err != nil {
		return fmt.Errorf("users: evict caller: %w", err)
	}
	return nil
}
