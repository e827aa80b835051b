package copytrade

import (
	"math"

	"github.com/alanyoungcy/copytrader/internal/config"
	"github.com/alanyoungcy/copytrader/internal/domain"
)

// SizingInput bundles the values the sizing rules need to size a copy
// trade, gathered by the executor loop before invoking the Guarded
// Executor.
type SizingInput struct {
	Trade domain.TradeRecord

	FollowerBalanceUSD  float64
	FollowerPositionUSD float64 // follower's position value in this market
	FollowerEquityUSD   float64 // follower's total account equity

	FollowerPositionTokens float64 // follower's current FollowerPosition.Size for this tokenId
	TrackedBoughtTokens    float64 // sum of surviving myBoughtSize for this tokenId

	LeaderPositionAfter float64 // leader's LeaderPosition.Size for this tokenId, post-trade
}

// SizingResult is the outcome of applying the sizing rules to one leader
// trade: a USD amount for BUY or a token amount for SELL/MERGE, plus the
// name of whichever cap bound it (empty if none did), kept for logging.
type SizingResult struct {
	IntendedSize float64
	CappedBy     string
}

// Sizer translates a leader trade into a follower order size using the
// configured mode (percentage, fixed, adaptive), a uniform multiplier, and
// the fixed cap chain: hard max, position-value cap, balance cap, minimum
// size (spec §4.4). The minimum-size check itself lives in the Guarded
// Executor's gate 7, not here, since it can terminate the trade.
type Sizer struct {
	cfg config.SizingConfig
}

// NewSizer creates a Sizer bound to the given sizing configuration.
func NewSizer(cfg config.SizingConfig) *Sizer {
	return &Sizer{cfg: cfg}
}

// Buy computes the USD amount for a BUY copy trade.
func (s *Sizer) Buy(in SizingInput) SizingResult {
	base := s.baseAmount(in.Trade.USDCSize) * s.multiplier()

	capped, reason := base, ""

	if s.cfg.MaxOrderSizeUSD > 0 && capped > s.cfg.MaxOrderSizeUSD {
		capped = s.cfg.MaxOrderSizeUSD
		reason = "max_order_size"
	}

	if in.FollowerEquityUSD > 0 && s.cfg.PositionValueCapFraction > 0 {
		positionCap := in.FollowerEquityUSD*s.cfg.PositionValueCapFraction - in.FollowerPositionUSD
		if positionCap < 0 {
			positionCap = 0
		}
		if capped > positionCap {
			capped = positionCap
			reason = "position_value_cap"
		}
	}

	balanceCap := in.FollowerBalanceUSD * 0.99
	if capped > balanceCap {
		capped = balanceCap
		reason = "balance_cap"
	}

	return SizingResult{IntendedSize: math.Max(capped, 0), CappedBy: reason}
}

// Sell computes the token amount for a SELL copy trade.
//
//	base_tokens = trackedBoughtTokens × (leaderTradeSize / leaderPositionBefore)
//
// where leaderPositionBefore = leaderPositionAfter + leaderTradeSize. If no
// tracked purchases exist, falls back to followerPositionSize × sellRatio.
// If the leader has fully exited, the entire follower position is sold.
// The result is always capped at the follower's current position size.
func (s *Sizer) Sell(in SizingInput) SizingResult {
	var tokens float64
	var reason string

	switch {
	case in.LeaderPositionAfter <= 0:
		tokens = in.FollowerPositionTokens
		reason = "leader_fully_exited"
	case in.TrackedBoughtTokens > 0:
		leaderPositionBefore := in.LeaderPositionAfter + in.Trade.Size
		if leaderPositionBefore > 0 {
			tokens = in.TrackedBoughtTokens * (in.Trade.Size / leaderPositionBefore)
		}
	default:
		tokens = in.FollowerPositionTokens * s.sellRatio()
		reason = "sell_ratio_fallback"
	}

	if tokens > in.FollowerPositionTokens {
		tokens = in.FollowerPositionTokens
		if reason == "" {
			reason = "position_size_cap"
		}
	}

	return SizingResult{IntendedSize: math.Max(tokens, 0), CappedBy: reason}
}

// MergeSellAll returns the follower's entire position for the losing
// outcome of a settled market, which is always sold in full at the best
// bid (spec §4.4 MERGE).
func (s *Sizer) MergeSellAll(followerPositionTokens float64) SizingResult {
	return SizingResult{IntendedSize: math.Max(followerPositionTokens, 0), CappedBy: "merge_full_exit"}
}

func (s *Sizer) baseAmount(leaderUsdcSize float64) float64 {
	switch s.cfg.Mode {
	case "fixed":
		return s.cfg.FixedAmountUSD
	case "adaptive":
		return leaderUsdcSize * s.adaptiveFactor(leaderUsdcSize)
	default: // "percentage"
		return leaderUsdcSize * s.cfg.CopyPercent
	}
}

// adaptiveFactor walks the configured tiers and returns the factor of the
// highest-threshold tier the leader's trade size meets or exceeds.
func (s *Sizer) adaptiveFactor(leaderUsdcSize float64) float64 {
	best := 1.0
	bestThreshold := math.Inf(-1)
	for _, tier := range s.cfg.AdaptiveSchedule {
		if leaderUsdcSize >= tier.ThresholdUSD && tier.ThresholdUSD >= bestThreshold {
			bestThreshold = tier.ThresholdUSD
			best = tier.Factor
		}
	}
	return best
}

func (s *Sizer) multiplier() float64 {
	if s.cfg.Multiplier <= 0 {
		return 1.0
	}
	return s.cfg.Multiplier
}

func (s *Sizer) sellRatio() float64 {
	if s.cfg.SellRatio <= 0 {
		return 1.0
	}
	return s.cfg.SellRatio
}
