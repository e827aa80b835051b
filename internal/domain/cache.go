package domain

import (
	"context"
	"time"
)

// MarketCache provides fast market metadata lookups ahead of the viability
// gate, backed by Redis (§4.5).
type MarketCache interface {
	Set(ctx context.Context, market Market) error
	Get(ctx context.Context, id string) (Market, error)
	GetByToken(ctx context.Context, tokenID string) (Market, error)
	Invalidate(ctx context.Context, id string) error
}

// FollowerPositionCache is a read-through cache in front of the exchange's
// positions endpoint, keyed by tokenID, feeding both sizing and the
// Reconciler (§4.4, §4.6).
type FollowerPositionCache interface {
	Set(ctx context.Context, pos FollowerPosition) error
	Get(ctx context.Context, tokenID string) (FollowerPosition, error)
	Invalidate(ctx context.Context, tokenID string) error
}

// RateLimiter provides distributed rate limiting shared across workers so
// concurrent Guarded Executor instances don't collectively exceed the
// exchange's per-key request budget.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}
