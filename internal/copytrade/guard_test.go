package copytrade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copytrader/internal/config"
	"github.com/alanyoungcy/copytrader/internal/crypto"
	"github.com/alanyoungcy/copytrader/internal/domain"
)

type fakeOrderBookFetcher struct {
	book domain.OrderbookSnapshot
	err  error
}

func (f *fakeOrderBookFetcher) GetOrderBook(ctx context.Context, tokenID string) (domain.OrderbookSnapshot, error) {
	return f.book, f.err
}

type fakeOrderSubmitter struct {
	results []domain.OrderResult
	errs    []error
	calls   int
}

func (f *fakeOrderSubmitter) PlaceMarketOrder(ctx context.Context, req domain.OrderRequest, wallet string) (domain.OrderResult, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return domain.OrderResult{}, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return domain.OrderResult{}, errors.New("fakeOrderSubmitter: no more results queued")
}

type fakeSigner struct{}

func (fakeSigner) SignOrder(order crypto.OrderPayload) (string, error) { return "0xsignature", nil }
func (fakeSigner) Address() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000001")
}

func defaultGuardConfigs() (config.ViabilityConfig, config.EdgeFilterConfig, config.ExecutionConfig, config.SizingConfig, config.LeadersConfig) {
	return config.ViabilityConfig{
			PriceLimit:              0.97,
			MinTimeBeforeEndMinutes: 60,
			MaxSpreadBps:            1000,
			MinDepthUSD:             5.0,
		}, config.EdgeFilterConfig{
			MinPositionDeltaUSD:       1.0,
			RequirePositionForSell:    true,
			MinTradePercentOfPosition: 0,
		}, config.ExecutionConfig{
			RetryLimit:     3,
			MaxSlippageBps: 500,
		}, config.SizingConfig{
			MinOrderSizeUSD:    1.0,
			MinOrderSizeTokens: 1.0,
		}, config.LeadersConfig{
			TooOldTimestampHours: 24,
		}
}

func liquidBook() domain.OrderbookSnapshot {
	return domain.OrderbookSnapshot{
		AssetID: "tok1",
		Bids:    []domain.PriceLevel{{Price: 0.50, Size: 1000}},
		Asks:    []domain.PriceLevel{{Price: 0.51, Size: 1000}},
		BestBid: 0.50,
		BestAsk: 0.51,
	}
}

func newTestGuard(trades domain.TradeRecordStore, books OrderBookFetcher, orders OrderSubmitter) *GuardedExecutor {
	viability, edge, execution, sizing, leaders := defaultGuardConfigs()
	lm := NewLeaseManager(trades, time.Minute)
	return NewGuardedExecutor(trades, lm, books, orders, fakeSigner{}, "0xfollower", 1, viability, edge, execution, sizing, leaders)
}

func TestGuardedExecutor_BuyExecutesFullyOnGoodFill(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec := domain.TradeRecord{
		ID: "t1", TokenID: "1", State: domain.TradeStateDetected,
		Side: domain.TradeSideBuy, Timestamp: now.Add(-time.Minute),
		USDCSize: 20, Price: 0.51,
	}
	store := newFakeTradeRecordStore(rec)
	books := &fakeOrderBookFetcher{book: liquidBook()}
	orders := &fakeOrderSubmitter{results: []domain.OrderResult{
		{Success: true, OrderID: "ord1", FilledPrice: 0.51, FilledSize: 20},
	}}
	g := newTestGuard(store, books, orders)

	req := GuardRequest{
		Kind: TradeKindBuy, TokenID: "1", Amount: 20, TraderPrice: 0.51,
		TradeID: "t1", TradeUSDCSize: 20, TradeTimestamp: rec.Timestamp,
	}

	result, err := g.Run(context.Background(), now, req)
	require.NoError(t, err)
	assert.True(t, result.Executed)
	assert.Equal(t, "ord1", result.OrderID)
	assert.InDelta(t, 20.0, result.FilledSize, 0.001)

	final := store.get("t1")
	assert.Equal(t, domain.TradeStateExecuted, final.State)
	assert.Nil(t, final.ClaimedBy)
}

func TestGuardedExecutor_SkipsWhenAlreadyExecuted(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	orderID := "ord-already"
	rec := domain.TradeRecord{
		ID: "t1", TokenID: "1", State: domain.TradeStateExecuted,
		Side: domain.TradeSideBuy, Timestamp: now.Add(-time.Minute),
		ClobOrderID: &orderID,
	}
	store := newFakeTradeRecordStore(rec)
	g := newTestGuard(store, &fakeOrderBookFetcher{book: liquidBook()}, &fakeOrderSubmitter{})

	req := GuardRequest{Kind: TradeKindBuy, TokenID: "1", Amount: 20, TradeID: "t1", TradeTimestamp: rec.Timestamp}
	result, err := g.Run(context.Background(), now, req)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "idempotency_already_executed", result.Reason)
	assert.Equal(t, orderID, result.OrderID)
}

func TestGuardedExecutor_SkipsStaleTrade(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec := domain.TradeRecord{ID: "t1", TokenID: "1", State: domain.TradeStateDetected, Timestamp: now.Add(-48 * time.Hour)}
	store := newFakeTradeRecordStore(rec)
	g := newTestGuard(store, &fakeOrderBookFetcher{book: liquidBook()}, &fakeOrderSubmitter{})

	req := GuardRequest{Kind: TradeKindBuy, TokenID: "1", Amount: 20, TradeID: "t1", TradeTimestamp: rec.Timestamp}
	result, err := g.Run(context.Background(), now, req)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "trade_too_stale", result.Reason)
}

func TestGuardedExecutor_BuyRejectsResolvedMarket(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec := domain.TradeRecord{ID: "t1", TokenID: "1", State: domain.TradeStateDetected, Timestamp: now.Add(-time.Minute)}
	store := newFakeTradeRecordStore(rec)
	resolvedBook := domain.OrderbookSnapshot{
		Bids: []domain.PriceLevel{{Price: 0.99, Size: 1000}},
		Asks: []domain.PriceLevel{{Price: 0.995, Size: 1000}},
		BestBid: 0.99, BestAsk: 0.995,
	}
	g := newTestGuard(store, &fakeOrderBookFetcher{book: resolvedBook}, &fakeOrderSubmitter{})

	req := GuardRequest{Kind: TradeKindBuy, TokenID: "1", Amount: 20, TradeID: "t1", TradeTimestamp: rec.Timestamp}
	result, err := g.Run(context.Background(), now, req)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "market_appears_resolved", result.Reason)
}

func TestGuardedExecutor_SellProceedsOnResolvedMarketAsWarningOnly(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec := domain.TradeRecord{ID: "t1", TokenID: "1", State: domain.TradeStateDetected, Timestamp: now.Add(-time.Minute)}
	store := newFakeTradeRecordStore(rec)
	resolvedBook := domain.OrderbookSnapshot{
		Bids: []domain.PriceLevel{{Price: 0.99, Size: 1000}},
		Asks: []domain.PriceLevel{{Price: 0.995, Size: 1000}},
		BestBid: 0.99, BestAsk: 0.995,
	}
	orders := &fakeOrderSubmitter{results: []domain.OrderResult{
		{Success: true, OrderID: "ord1", FilledPrice: 0.99, FilledSize: 9.9},
	}}
	g := newTestGuard(store, &fakeOrderBookFetcher{book: resolvedBook}, orders)

	req := GuardRequest{
		Kind: TradeKindSell, TokenID: "1", Amount: 10, TraderPrice: 0.99,
		TradeID: "t1", TradeUSDCSize: 5, TradeTimestamp: rec.Timestamp,
		MyPositionSize: 10,
	}
	result, err := g.Run(context.Background(), now, req)
	require.NoError(t, err)
	assert.True(t, result.Executed)
}

func TestGuardedExecutor_RejectsIlliquidMarketForBothSides(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec := domain.TradeRecord{ID: "t1", TokenID: "1", State: domain.TradeStateDetected, Timestamp: now.Add(-time.Minute)}
	sellRec := domain.TradeRecord{ID: "t2", TokenID: "1", State: domain.TradeStateDetected, Timestamp: now.Add(-time.Minute)}
	store := newFakeTradeRecordStore(rec, sellRec)
	illiquid := domain.OrderbookSnapshot{
		Bids: []domain.PriceLevel{{Price: 0.40, Size: 1}},
		Asks: []domain.PriceLevel{{Price: 0.60, Size: 1}},
		BestBid: 0.40, BestAsk: 0.60,
	}
	g := newTestGuard(store, &fakeOrderBookFetcher{book: illiquid}, &fakeOrderSubmitter{})

	req := GuardRequest{Kind: TradeKindBuy, TokenID: "1", Amount: 20, TradeID: "t1", TradeTimestamp: rec.Timestamp}
	result, err := g.Run(context.Background(), now, req)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Contains(t, result.Reason, "illiquid_market")

	sellReq := GuardRequest{
		Kind: TradeKindSell, TokenID: "1", Amount: 10,
		TradeID: "t2", TradeUSDCSize: 5, TradeTimestamp: sellRec.Timestamp,
		MyPositionSize: 10,
	}
	sellResult, err := g.Run(context.Background(), now, sellReq)
	require.NoError(t, err)
	assert.True(t, sellResult.Skipped)
	assert.Contains(t, sellResult.Reason, "illiquid_market")
}

func TestGuardedExecutor_RejectsBelowMinPositionDelta(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec := domain.TradeRecord{ID: "t1", TokenID: "1", State: domain.TradeStateDetected, Timestamp: now.Add(-time.Minute)}
	store := newFakeTradeRecordStore(rec)
	g := newTestGuard(store, &fakeOrderBookFetcher{book: liquidBook()}, &fakeOrderSubmitter{})

	req := GuardRequest{
		Kind: TradeKindBuy, TokenID: "1", Amount: 20, TradeID: "t1",
		TradeUSDCSize: 0.10, TradeTimestamp: rec.Timestamp,
	}
	result, err := g.Run(context.Background(), now, req)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Contains(t, result.Reason, "position_delta")
}

func TestGuardedExecutor_SellRejectsWithoutPosition(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec := domain.TradeRecord{ID: "t1", TokenID: "1", State: domain.TradeStateDetected, Timestamp: now.Add(-time.Minute)}
	store := newFakeTradeRecordStore(rec)
	g := newTestGuard(store, &fakeOrderBookFetcher{book: liquidBook()}, &fakeOrderSubmitter{})

	req := GuardRequest{
		Kind: TradeKindSell, TokenID: "1", Amount: 10, TraderPrice: 0.50,
		TradeID: "t1", TradeUSDCSize: 5, TradeTimestamp: rec.Timestamp,
		MyPositionSize: 0,
	}
	result, err := g.Run(context.Background(), now, req)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "no_position_to_sell", result.Reason)
}

func TestGuardedExecutor_RejectsBelowMinOrderSize(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec := domain.TradeRecord{ID: "t1", TokenID: "1", State: domain.TradeStateDetected, Timestamp: now.Add(-time.Minute)}
	store := newFakeTradeRecordStore(rec)
	g := newTestGuard(store, &fakeOrderBookFetcher{book: liquidBook()}, &fakeOrderSubmitter{})

	req := GuardRequest{
		Kind: TradeKindBuy, TokenID: "1", Amount: 0.5, TradeID: "t1",
		TradeUSDCSize: 5, TradeTimestamp: rec.Timestamp,
	}
	result, err := g.Run(context.Background(), now, req)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "below_min_order_size_usd", result.Reason)
}

func TestGuardedExecutor_HardAbortOnInsufficientBalance(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec := domain.TradeRecord{ID: "t1", TokenID: "1", State: domain.TradeStateDetected, Timestamp: now.Add(-time.Minute)}
	store := newFakeTradeRecordStore(rec)
	orders := &fakeOrderSubmitter{errs: []error{errors.New("not enough balance / allowance")}}
	g := newTestGuard(store, &fakeOrderBookFetcher{book: liquidBook()}, orders)

	req := GuardRequest{
		Kind: TradeKindBuy, TokenID: "1", Amount: 20, TraderPrice: 0.51,
		TradeID: "t1", TradeUSDCSize: 20, TradeTimestamp: rec.Timestamp,
	}
	result, err := g.Run(context.Background(), now, req)
	require.NoError(t, err)
	assert.True(t, result.Failed)
	assert.False(t, result.IsRetryable)
	assert.Equal(t, "insufficient_funds_or_allowance", result.Reason)

	final := store.get("t1")
	assert.Equal(t, domain.TradeStateFailed, final.State)
}

func TestGuardedExecutor_ExhaustsRetriesOnRepeatedTransientError(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec := domain.TradeRecord{ID: "t1", TokenID: "1", State: domain.TradeStateDetected, Timestamp: now.Add(-time.Minute)}
	store := newFakeTradeRecordStore(rec)
	orders := &fakeOrderSubmitter{errs: []error{
		errors.New("timeout"), errors.New("timeout"), errors.New("timeout"),
	}}
	viability, edge, execution, sizing, leaders := defaultGuardConfigs()
	execution.RetryLimit = 3
	lm := NewLeaseManager(store, time.Minute)
	g := NewGuardedExecutor(store, lm, &fakeOrderBookFetcher{book: liquidBook()}, orders, fakeSigner{}, "0xfollower", 1, viability, edge, execution, sizing, leaders)

	req := GuardRequest{
		Kind: TradeKindBuy, TokenID: "1", Amount: 20, TraderPrice: 0.51,
		TradeID: "t1", TradeUSDCSize: 20, TradeTimestamp: rec.Timestamp,
	}
	result, err := g.Run(context.Background(), now, req)
	require.NoError(t, err)
	assert.True(t, result.Failed)
	assert.True(t, result.IsRetryable)
	assert.Equal(t, "max_retries_exceeded", result.Reason)

	final := store.get("t1")
	assert.Equal(t, 1, final.RetryCount)
}

func TestGuardedExecutor_FlagsManualReviewOnPartialFill(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec := domain.TradeRecord{ID: "t1", TokenID: "1", State: domain.TradeStateDetected, Timestamp: now.Add(-time.Minute)}
	store := newFakeTradeRecordStore(rec)
	thinBook := domain.OrderbookSnapshot{
		Bids: []domain.PriceLevel{{Price: 0.50, Size: 1000}},
		Asks: []domain.PriceLevel{{Price: 0.51, Size: 10}}, // only $5.10 worth on the ask
		BestBid: 0.50, BestAsk: 0.51,
	}
	orders := &fakeOrderSubmitter{results: []domain.OrderResult{
		{Success: true, OrderID: "ord1", FilledPrice: 0.51, FilledSize: 5.1},
	}}
	g := newTestGuard(store, &fakeOrderBookFetcher{book: thinBook}, orders)

	req := GuardRequest{
		Kind: TradeKindBuy, TokenID: "1", Amount: 20, TraderPrice: 0.51,
		TradeID: "t1", TradeUSDCSize: 20, TradeTimestamp: rec.Timestamp,
	}
	result, err := g.Run(context.Background(), now, req)
	require.NoError(t, err)
	assert.True(t, result.Executed)
	assert.True(t, result.NeedsManualReview)
}
