package copytrade

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/copytrader/internal/domain"
)

// minDriftTokens is the absolute floor under the 1%-of-expected relative
// threshold, so a discrepancy on a near-zero expected position still has
// to clear a meaningful token amount before it counts as drift.
const minDriftTokens = 0.1

// PositionFeed is the follower's live on-chain position read, used by the
// Reconciler to compare against the engine's own execution ledger.
// Satisfied by *polymarket.DataAPIClient through an adapter.
type PositionFeed interface {
	GetPositions(ctx context.Context, wallet string) ([]FollowerPositionSnapshot, error)
}

// FollowerPositionSnapshot is the minimal shape the Reconciler needs from
// a positions-feed row.
type FollowerPositionSnapshot struct {
	TokenID string
	Size    float64
}

// Reconciler periodically compares the follower's expected position per
// tokenID (derived from this engine's own executed trades) against the
// exchange's actual reported position, flags drift by severity, and
// records the result (spec §4.6).
type Reconciler struct {
	trades   domain.TradeRecordStore
	feed     PositionFeed
	store    domain.ReconciliationStore
	wallet   string

	warnPercent     float64
	criticalPercent float64

	log *slog.Logger
}

// NewReconciler creates a Reconciler. warnPercent and criticalPercent are
// the diff-as-percent-of-expected thresholds that separate info from
// warning from critical severity.
func NewReconciler(
	trades domain.TradeRecordStore,
	feed PositionFeed,
	store domain.ReconciliationStore,
	wallet string,
	warnPercent, criticalPercent float64,
	log *slog.Logger,
) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		trades:          trades,
		feed:            feed,
		store:           store,
		wallet:          wallet,
		warnPercent:     warnPercent,
		criticalPercent: criticalPercent,
		log:             log.With("component", "reconciler"),
	}
}

// Run performs one reconciliation pass across every tokenID the engine has
// executed a trade for, plus any tokenID the exchange reports a position
// in that the engine has no record of at all (an "unknown" position).
func (r *Reconciler) Run(ctx context.Context, now time.Time) ([]domain.ReconciliationResult, error) {
	expected, err := r.expectedByToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("copytrade/reconciler: compute expected positions: %w", err)
	}

	actualRows, err := r.feed.GetPositions(ctx, r.wallet)
	if err != nil {
		return nil, fmt.Errorf("copytrade/reconciler: fetch actual positions: %w", err)
	}
	actual := make(map[string]float64, len(actualRows))
	for _, row := range actualRows {
		actual[row.TokenID] = row.Size
	}

	tokenIDs := make(map[string]struct{}, len(expected)+len(actual))
	for id := range expected {
		tokenIDs[id] = struct{}{}
	}
	for id := range actual {
		tokenIDs[id] = struct{}{}
	}

	results := make([]domain.ReconciliationResult, 0, len(tokenIDs))
	for tokenID := range tokenIDs {
		exp, hasExpected := expected[tokenID]
		act := actual[tokenID]

		res := domain.ReconciliationResult{
			ID:        uuid.NewString(),
			TokenID:   tokenID,
			Expected:  exp,
			Actual:    act,
			CreatedAt: now,
		}

		switch {
		case !hasExpected:
			// The exchange reports a position the engine never executed a
			// trade for.
			res.Unknown = true
			res.Diff = act
		default:
			res.Diff = act - exp
		}

		res.DiffPercent = diffPercent(res.Diff, exp)

		// A discrepancy under max(1% of expected, 0.1 tokens) is rounding
		// noise from price/lot-size effects, not a real drift; only
		// discrepancies past that floor get severity-tiered by the warn/
		// critical percent bands below.
		threshold := math.Max(0.01*exp, minDriftTokens)
		withinThreshold := !res.Unknown && math.Abs(res.Diff) <= threshold

		if withinThreshold {
			res.Severity = domain.SeverityInfo
		} else {
			res.Severity = classifySeverity(res.DiffPercent, res.Unknown, r.warnPercent, r.criticalPercent)
		}
		res.Matched = withinThreshold

		if err := r.store.Insert(ctx, res); err != nil {
			r.log.Error("failed to record reconciliation result", "token_id", tokenID, "err", err)
			continue
		}
		results = append(results, res)

		if res.Matched {
			if _, err := r.trades.MarkExecutedReconciled(ctx, tokenID); err != nil {
				r.log.Error("failed to mark trades reconciled", "token_id", tokenID, "err", err)
			}
		}

		if res.Severity != domain.SeverityInfo {
			r.log.Warn("position discrepancy detected",
				"token_id", tokenID, "expected", exp, "actual", act,
				"diff_percent", res.DiffPercent, "severity", res.Severity, "unknown", res.Unknown)
		}
	}

	return results, nil
}

// expectedByToken sums executed BUY/SELL trades' net effect on the
// follower's position, per tokenID, across every leader followed.
func (r *Reconciler) expectedByToken(ctx context.Context) (map[string]float64, error) {
	executed, err := r.trades.ListByState(ctx, domain.TradeStateExecuted, domain.ListOpts{Limit: 10000})
	if err != nil {
		return nil, err
	}
	reconciled, err := r.trades.ListByState(ctx, domain.TradeStateReconciled, domain.ListOpts{Limit: 10000})
	if err != nil {
		return nil, err
	}

	expected := make(map[string]float64)
	for _, rec := range append(executed, reconciled...) {
		switch rec.Side {
		case domain.TradeSideBuy:
			expected[rec.TokenID] += rec.ActualTokens
		case domain.TradeSideSell:
			expected[rec.TokenID] -= rec.ActualTokens
		}
	}
	for id, v := range expected {
		if v < 0 {
			expected[id] = 0
		}
	}
	return expected, nil
}

func diffPercent(diff, expected float64) float64 {
	if expected == 0 {
		if diff == 0 {
			return 0
		}
		return 100
	}
	return math.Abs(diff) / math.Abs(expected) * 100
}

func classifySeverity(diffPercent float64, unknown bool, warnPercent, criticalPercent float64) domain.Severity {
	if unknown {
		return domain.SeverityWarning
	}
	switch {
	case diffPercent >= criticalPercent:
		return domain.SeverityCritical
	case diffPercent >= warnPercent:
		return domain.SeverityWarning
	default:
		return domain.SeverityInfo
	}
}
