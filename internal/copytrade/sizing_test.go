package copytrade

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/copytrader/internal/config"
	"github.com/alanyoungcy/copytrader/internal/domain"
)

func TestSizer_Buy_PercentageMode(t *testing.T) {
	s := NewSizer(config.SizingConfig{
		Mode:        "percentage",
		CopyPercent: 0.2,
		Multiplier:  1.0,
	})

	result := s.Buy(SizingInput{
		Trade:              domain.TradeRecord{USDCSize: 100},
		FollowerBalanceUSD: 1000,
	})

	assert.Equal(t, 20.0, result.IntendedSize)
	assert.Empty(t, result.CappedBy)
}

func TestSizer_Buy_FixedMode(t *testing.T) {
	s := NewSizer(config.SizingConfig{Mode: "fixed", FixedAmountUSD: 15, Multiplier: 1.0})

	result := s.Buy(SizingInput{
		Trade:              domain.TradeRecord{USDCSize: 5000},
		FollowerBalanceUSD: 1000,
	})

	assert.Equal(t, 15.0, result.IntendedSize)
}

func TestSizer_Buy_AdaptiveMode(t *testing.T) {
	s := NewSizer(config.SizingConfig{
		Mode:       "adaptive",
		Multiplier: 1.0,
		AdaptiveSchedule: []config.AdaptiveTier{
			{ThresholdUSD: 0, Factor: 1.0},
			{ThresholdUSD: 1000, Factor: 0.5},
			{ThresholdUSD: 10000, Factor: 0.1},
		},
	})

	cases := []struct {
		leaderUSDC float64
		want       float64
	}{
		{500, 500},     // below the first real tier, factor 1.0
		{1000, 500},    // exactly at 1000 tier, factor 0.5
		{10000, 1000},  // exactly at 10000 tier, factor 0.1
		{50000, 5000},  // above highest tier, factor 0.1 still applies
	}

	for _, c := range cases {
		result := s.Buy(SizingInput{
			Trade:              domain.TradeRecord{USDCSize: c.leaderUSDC},
			FollowerBalanceUSD: 1_000_000,
		})
		assert.Equal(t, c.want, result.IntendedSize, "leaderUSDC=%v", c.leaderUSDC)
	}
}

func TestSizer_Buy_MaxOrderSizeCap(t *testing.T) {
	s := NewSizer(config.SizingConfig{
		Mode:            "percentage",
		CopyPercent:     1.0,
		Multiplier:      1.0,
		MaxOrderSizeUSD: 50,
	})

	result := s.Buy(SizingInput{
		Trade:              domain.TradeRecord{USDCSize: 1000},
		FollowerBalanceUSD: 1_000_000,
	})

	assert.Equal(t, 50.0, result.IntendedSize)
	assert.Equal(t, "max_order_size", result.CappedBy)
}

func TestSizer_Buy_PositionValueCap(t *testing.T) {
	s := NewSizer(config.SizingConfig{
		Mode:                     "fixed",
		FixedAmountUSD:           100,
		Multiplier:               1.0,
		PositionValueCapFraction: 0.25,
	})

	result := s.Buy(SizingInput{
		Trade:               domain.TradeRecord{USDCSize: 100},
		FollowerBalanceUSD:  1_000_000,
		FollowerEquityUSD:   1000,
		FollowerPositionUSD: 240, // cap is 250, so only 10 is left
	})

	assert.Equal(t, 10.0, result.IntendedSize)
	assert.Equal(t, "position_value_cap", result.CappedBy)
}

func TestSizer_Buy_BalanceCap(t *testing.T) {
	s := NewSizer(config.SizingConfig{Mode: "fixed", FixedAmountUSD: 100, Multiplier: 1.0})

	result := s.Buy(SizingInput{
		Trade:              domain.TradeRecord{USDCSize: 100},
		FollowerBalanceUSD: 20,
	})

	assert.InDelta(t, 19.8, result.IntendedSize, 0.001)
	assert.Equal(t, "balance_cap", result.CappedBy)
}

func TestSizer_Sell_ProportionalToLeaderExit(t *testing.T) {
	s := NewSizer(config.SizingConfig{SellRatio: 1.0})

	// Leader had 100 tokens, sells 40, leaving 60.
	result := s.Sell(SizingInput{
		Trade:                  domain.TradeRecord{Size: 40},
		FollowerPositionTokens: 1000,
		TrackedBoughtTokens:    50,
		LeaderPositionAfter:    60,
	})

	// base_tokens = 50 * (40 / 100) = 20
	assert.InDelta(t, 20.0, result.IntendedSize, 0.001)
}

func TestSizer_Sell_LeaderFullyExited(t *testing.T) {
	s := NewSizer(config.SizingConfig{SellRatio: 1.0})

	result := s.Sell(SizingInput{
		Trade:                  domain.TradeRecord{Size: 100},
		FollowerPositionTokens: 35,
		TrackedBoughtTokens:    35,
		LeaderPositionAfter:    0,
	})

	assert.Equal(t, 35.0, result.IntendedSize)
	assert.Equal(t, "leader_fully_exited", result.CappedBy)
}

func TestSizer_Sell_NoTrackedBuys_FallsBackToRatio(t *testing.T) {
	s := NewSizer(config.SizingConfig{SellRatio: 0.5})

	result := s.Sell(SizingInput{
		Trade:                  domain.TradeRecord{Size: 10},
		FollowerPositionTokens: 40,
		TrackedBoughtTokens:    0,
		LeaderPositionAfter:    90,
	})

	assert.Equal(t, 20.0, result.IntendedSize)
	assert.Equal(t, "sell_ratio_fallback", result.CappedBy)
}

func TestSizer_Sell_CappedAtFollowerPosition(t *testing.T) {
	s := NewSizer(config.SizingConfig{})

	result := s.Sell(SizingInput{
		Trade:                  domain.TradeRecord{Size: 100},
		FollowerPositionTokens: 5,
		TrackedBoughtTokens:    200,
		LeaderPositionAfter:    50,
	})

	assert.Equal(t, 5.0, result.IntendedSize)
	assert.Equal(t, "position_size_cap", result.CappedBy)
}

func TestSizer_MergeSellAll(t *testing.T) {
	s := NewSizer(config.SizingConfig{})

	result := s.MergeSellAll(42.5)

	assert.Equal(t, 42.5, result.IntendedSize)
	assert.Equal(t, "merge_full_exit", result.CappedBy)
}
