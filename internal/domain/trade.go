package domain

import "time"

// TradeSide is the direction of a leader or follower trade.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// TradeState is the lifecycle state of a TradeRecord. Legal transitions:
//
//	detected  -> claimed
//	claimed   -> executing
//	claimed   -> detected   (lease expiry recovery)
//	executing -> executed | skipped | failed
//	executed  -> reconciled
//	failed    -> claimed    (retry, while retryCount < RETRY_LIMIT)
//	detected  -> claimed    (re-entry on retry)
type TradeState string

const (
	TradeStateDetected   TradeState = "detected"
	TradeStateClaimed    TradeState = "claimed"
	TradeStateExecuting  TradeState = "executing"
	TradeStateExecuted   TradeState = "executed"
	TradeStateSkipped    TradeState = "skipped"
	TradeStateFailed     TradeState = "failed"
	TradeStateReconciled TradeState = "reconciled"
)

// TradeRecord is the atomic unit of the replication pipeline: one row per
// observed leader trade, carrying its full lifecycle from detection through
// execution and reconciliation.
type TradeRecord struct {
	// Identity
	ID              string
	LeaderAddress   string
	TransactionHash string
	TokenID         string
	ConditionID     string
	Timestamp       time.Time

	// Leader action
	Side     TradeSide
	Size     float64 // tokens traded by the leader
	USDCSize float64 // USD notional of the leader's trade
	Price    float64

	// Market metadata
	Title        string
	Slug         string
	Outcome      string
	OutcomeIndex int
	EndDate      time.Time

	// Lifecycle
	State         TradeState
	RetryCount    int
	LastRetryAt   *time.Time
	SkipReason    string
	FailureReason string

	// Lease (claim ownership is a field on this same row, coordinated via
	// atomic conditional UPDATEs rather than an external lock service)
	ClaimedBy      *string
	LeaseExpiresAt *time.Time
	ClaimedAt      *time.Time

	// Idempotency
	IdempotencyKey *string
	ClobOrderID    *string

	// Execution results
	IntendedSize      float64 // USD for BUY, tokens for SELL
	FilledSize        float64 // USD filled
	ActualTokens      float64 // tokens moved
	AvgFillPrice      float64
	ExpectedTokens    float64
	ExecutedAt        *time.Time
	NeedsManualReview bool

	// Follower tracking (BUY only; mutated by later SELL accounting)
	MyBoughtSize float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LeaseHeld reports whether the lease is currently held by anyone, per
// invariant 3: claimedBy is non-null iff state in {claimed, executing} AND
// leaseExpiresAt > now.
func (r TradeRecord) LeaseHeld(now time.Time) bool {
	if r.ClaimedBy == nil || r.LeaseExpiresAt == nil {
		return false
	}
	if r.State != TradeStateClaimed && r.State != TradeStateExecuting {
		return false
	}
	return r.LeaseExpiresAt.After(now)
}

// ActivityEntry is a single row returned by the exchange's leader-activity
// feed, before it has been classified and persisted as a TradeRecord.
type ActivityEntry struct {
	Timestamp       int64
	ConditionID     string
	Size            float64
	USDCSize        float64
	Price           float64
	Asset           string
	Side            TradeSide
	TransactionHash string
	OutcomeIndex    int
	Slug            string
	Title           string
	Outcome         string
	EndDate         time.Time
}
