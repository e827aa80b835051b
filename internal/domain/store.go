package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists market metadata used by the viability gate (§4.5).
type MarketStore interface {
	Upsert(ctx context.Context, market Market) error
	UpsertBatch(ctx context.Context, markets []Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	GetByTokenID(ctx context.Context, tokenID string) (Market, error)
	GetBySlug(ctx context.Context, slug string) (Market, error)
	ListActive(ctx context.Context, opts ListOpts) ([]Market, error)
	Count(ctx context.Context) (int64, error)
}

// TradeRecordStore persists TradeRecord rows and exposes the atomic
// conditional updates the Lease Manager, Guarded Executor and Reconciler
// rely on in place of an in-process lock (§5).
type TradeRecordStore interface {
	// Insert adds a newly detected trade. The natural key
	// (leaderAddress, transactionHash, tokenID) is unique; Insert returns
	// ErrAlreadyExists on a duplicate so the detector can treat it as a
	// no-op rather than an error.
	Insert(ctx context.Context, rec TradeRecord) error

	GetByID(ctx context.Context, id string) (TradeRecord, error)

	// Claim atomically transitions a record from detected (or an
	// expired claimed/executing lease) to claimed, setting claimedBy and
	// leaseExpiresAt in the same UPDATE. It returns ErrAlreadyClaimed if
	// another worker holds an unexpired lease.
	Claim(ctx context.Context, id, workerID string, leaseTTL time.Duration, now time.Time) (TradeRecord, error)

	// ExtendLease bumps leaseExpiresAt for a record claimed by workerID.
	// Returns ErrLeaseNotHeld if claimedBy no longer matches workerID. The
	// current leaseExpiresAt is not checked, so a lease that has expired
	// but not yet been reclaimed can still be extended.
	ExtendLease(ctx context.Context, id, workerID string, leaseTTL time.Duration, now time.Time) error

	// Release clears claimedBy/leaseExpiresAt and sets the record to the
	// given terminal or recovery state in one UPDATE, guarded by
	// workerID so a worker that lost its lease cannot clobber a new
	// owner's progress.
	Release(ctx context.Context, id, workerID string, next TradeState, fields TradeUpdateFields) error

	// ReserveIdempotencyKey atomically sets idempotencyKey on a record
	// that does not yet have one. Returns ErrIdempotencyConflict if a key
	// is already set, which the caller treats as "already attempted".
	ReserveIdempotencyKey(ctx context.Context, id, key string) error

	// ClearExpiredLeases resets every claimed record whose leaseExpiresAt
	// has passed back to detected, incrementing nothing (recovery is not a
	// retry). Executing records are left as they are. Returns the count
	// recovered.
	ClearExpiredLeases(ctx context.Context, now time.Time) (int64, error)

	ListByState(ctx context.Context, state TradeState, opts ListOpts) ([]TradeRecord, error)
	ListByLeader(ctx context.Context, leaderAddress string, opts ListOpts) ([]TradeRecord, error)
	GetLastTimestamp(ctx context.Context, leaderAddress string) (time.Time, error)

	// UpdateMyBoughtSize adjusts an already-executed BUY record's tracked
	// follower lot size, independent of the lease mechanism, so that SELL
	// accounting (§4.3) can shrink prior BUYs without reacquiring a lease
	// on a record that has already reached a terminal state.
	UpdateMyBoughtSize(ctx context.Context, id string, size float64) error

	// MarkExecutedReconciled transitions every executed record for tokenID
	// to reconciled, once the Reconciler has confirmed the exchange's
	// reported position matches this engine's expectation for it.
	MarkExecutedReconciled(ctx context.Context, tokenID string) (int64, error)
}

// TradeUpdateFields carries the optional fields Release may set alongside
// the new state, keeping the store interface from growing one method per
// terminal outcome.
type TradeUpdateFields struct {
	SkipReason        string
	FailureReason     string
	ClobOrderID       *string
	IntendedSize      float64
	FilledSize        float64
	ActualTokens      float64
	AvgFillPrice      float64
	ExpectedTokens    float64
	ExecutedAt        *time.Time
	NeedsManualReview bool
	MyBoughtSize      *float64 // nil means "leave unchanged"
	IncrementRetry    bool
}

// FollowerPositionStore persists the cached view of the follower's
// exchange positions.
type FollowerPositionStore interface {
	Upsert(ctx context.Context, pos FollowerPosition) error
	GetByTokenID(ctx context.Context, tokenID string) (FollowerPosition, error)
	List(ctx context.Context) ([]FollowerPosition, error)
}

// LeaderPositionStore persists the last-known position of each followed
// leader, used by the SELL sizing formula (§4.4).
type LeaderPositionStore interface {
	Upsert(ctx context.Context, pos LeaderPosition) error
	GetByTokenID(ctx context.Context, leaderAddress, tokenID string) (LeaderPosition, error)
}

// ReconciliationStore persists Reconciler run output.
type ReconciliationStore interface {
	Insert(ctx context.Context, res ReconciliationResult) error
	ListRecent(ctx context.Context, limit int) ([]ReconciliationResult, error)
	ListBySeverity(ctx context.Context, sev Severity, opts ListOpts) ([]ReconciliationResult, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log, used for lease
// acquisitions, gate rejections and reconciliation alerts.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
