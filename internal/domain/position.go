package domain

import "time"

// FollowerPosition is the exchange's view of tokens the follower account
// holds for a given asset. It is treated as a read-through cache of the
// exchange's positions endpoint and is used by both sizing (§4.4) and the
// Reconciler (§4.6).
type FollowerPosition struct {
	TokenID     string
	ConditionID string
	Size        float64
	AvgPrice    float64
	CurPrice    float64
	Slug        string
	EndDate     time.Time
	Redeemable  bool
	Mergeable   bool
	UpdatedAt   time.Time
}

// LeaderPosition is a leader account's current exposure in a tokenID, used
// by the sizing rules to derive leaderPositionBefore/After for SELL copy
// sizing (§4.4).
type LeaderPosition struct {
	LeaderAddress string
	TokenID       string
	Size          float64
	UpdatedAt     time.Time
}

// Severity classifies how far a reconciliation discrepancy has drifted.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ReconciliationResult is a snapshot of (expected - actual) position for one
// tokenID, produced by a single Reconciler run.
type ReconciliationResult struct {
	ID            string
	LeaderAddress string
	TokenID       string
	Expected      float64
	Actual        float64
	Diff          float64
	DiffPercent   float64
	Severity      Severity
	Unknown       bool // follower holds tokens with no executed trade on record
	Matched       bool
	CreatedAt     time.Time
}
