package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/copytrader/internal/domain"
	"github.com/redis/go-redis/v9"
)

const followerPositionTTL = 30 * time.Second

// FollowerPositionCache implements domain.FollowerPositionCache using Redis
// hashes with JSON-serialized FollowerPosition data, keyed by token ID.
//
// Key schema:
//
//	followerpos:{tokenID} - hash with field "data" containing JSON
type FollowerPositionCache struct {
	rdb *redis.Client
}

// NewFollowerPositionCache creates a FollowerPositionCache backed by the
// given Client.
func NewFollowerPositionCache(c *Client) *FollowerPositionCache {
	return &FollowerPositionCache{rdb: c.Underlying()}
}

func followerPositionKey(tokenID string) string { return "followerpos:" + tokenID }

// Set stores a FollowerPosition in the cache with a short TTL. The TTL is
// kept tight because the Reconciler and sizing paths need a fresh read of
// the follower's actual holdings, not a stale one.
func (fc *FollowerPositionCache) Set(ctx context.Context, pos domain.FollowerPosition) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("redis: marshal follower position %s: %w", pos.TokenID, err)
	}

	key := followerPositionKey(pos.TokenID)

	pipe := fc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, followerPositionTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set follower position %s: %w", pos.TokenID, err)
	}
	return nil
}

// Get retrieves a FollowerPosition by token ID from the cache.
// It returns domain.ErrNotFound when the key does not exist, signaling the
// caller to fall back to its durable FollowerPositionStore.
func (fc *FollowerPositionCache) Get(ctx context.Context, tokenID string) (domain.FollowerPosition, error) {
	data, err := fc.rdb.HGet(ctx, followerPositionKey(tokenID), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.FollowerPosition{}, domain.ErrNotFound
		}
		return domain.FollowerPosition{}, fmt.Errorf("redis: get follower position %s: %w", tokenID, err)
	}

	var pos domain.FollowerPosition
	if err := json.Unmarshal(data, &pos); err != nil {
		return domain.FollowerPosition{}, fmt.Errorf("redis: unmarshal follower position %s: %w", tokenID, err)
	}
	return pos, nil
}

// Invalidate removes a FollowerPosition from the cache, so the next read
// misses until the position is Set again.
func (fc *FollowerPositionCache) Invalidate(ctx context.Context, tokenID string) error {
	if err := fc.rdb.Del(ctx, followerPositionKey(tokenID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate follower position %s: %w", tokenID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.FollowerPositionCache = (*FollowerPositionCache)(nil)
