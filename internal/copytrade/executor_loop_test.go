package copytrade

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copytrader/internal/config"
	"github.com/alanyoungcy/copytrader/internal/domain"
)

type fakeFollowerPositionStore struct {
	mu   sync.Mutex
	rows map[string]domain.FollowerPosition
}

func newFakeFollowerPositionStore(rows ...domain.FollowerPosition) *fakeFollowerPositionStore {
	s := &fakeFollowerPositionStore{rows: make(map[string]domain.FollowerPosition)}
	for _, r := range rows {
		s.rows[r.TokenID] = r
	}
	return s
}

func (s *fakeFollowerPositionStore) Upsert(ctx context.Context, pos domain.FollowerPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[pos.TokenID] = pos
	return nil
}

func (s *fakeFollowerPositionStore) GetByTokenID(ctx context.Context, tokenID string) (domain.FollowerPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.rows[tokenID]
	if !ok {
		return domain.FollowerPosition{}, domain.ErrNotFound
	}
	return pos, nil
}

func (s *fakeFollowerPositionStore) List(ctx context.Context) ([]domain.FollowerPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.FollowerPosition, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	return out, nil
}

type fakeBalanceReader struct {
	balance float64
	equity  float64
}

func (f fakeBalanceReader) BalanceUSD(ctx context.Context) (float64, error) { return f.balance, nil }
func (f fakeBalanceReader) EquityUSD(ctx context.Context) (float64, error) { return f.equity, nil }

func TestSortByTimestampAsc_OrdersOldestFirst(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	recs := []domain.TradeRecord{
		{ID: "c", Timestamp: base.Add(3 * time.Minute)},
		{ID: "a", Timestamp: base.Add(1 * time.Minute)},
		{ID: "b", Timestamp: base.Add(2 * time.Minute)},
	}
	sortByTimestampAsc(recs)
	assert.Equal(t, []string{"a", "b", "c"}, []string{recs[0].ID, recs[1].ID, recs[2].ID})
}

func TestClassify_BuySideIsAlwaysBuy(t *testing.T) {
	rec := domain.TradeRecord{Side: domain.TradeSideBuy}
	assert.Equal(t, TradeKindBuy, classify(rec))
}

func TestClassify_SellBeforeEndDateIsSell(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec := domain.TradeRecord{Side: domain.TradeSideSell, Timestamp: now, EndDate: now.Add(24 * time.Hour)}
	assert.Equal(t, TradeKindSell, classify(rec))
}

func TestClassify_SellAfterEndDateIsMerge(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec := domain.TradeRecord{Side: domain.TradeSideSell, Timestamp: now, EndDate: now.Add(-time.Hour)}
	assert.Equal(t, TradeKindMerge, classify(rec))
}

func newExecutorLoopForTest(store *fakeTradeRecordStore, followerPos *fakeFollowerPositionStore, leaderPos *fakeLeaderPositionStore, books OrderBookFetcher, orders OrderSubmitter, balances BalanceReader) *ExecutorLoop {
	viability, edge, execution, sizing, leaders := defaultGuardConfigs()
	execution.BatchSize = 20
	execution.RetryLimit = 3
	lm := NewLeaseManager(store, time.Minute)
	guard := NewGuardedExecutor(store, lm, books, orders, fakeSigner{}, "0xfollower", 1, viability, edge, execution, sizing, leaders)
	sizer := NewSizer(sizing)
	return NewExecutorLoop(store, followerPos, leaderPos, nil, balances, sizer, guard, nil, execution, nil)
}

func TestExecutorLoop_SelectBatchOrdersDetectedAndEligibleFailedOldestFirst(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := newFakeTradeRecordStore(
		domain.TradeRecord{ID: "newest", State: domain.TradeStateDetected, Timestamp: now.Add(-time.Minute)},
		domain.TradeRecord{ID: "oldest", State: domain.TradeStateDetected, Timestamp: now.Add(-time.Hour)},
		domain.TradeRecord{ID: "retryable", State: domain.TradeStateFailed, RetryCount: 1, Timestamp: now.Add(-30 * time.Minute)},
		domain.TradeRecord{ID: "exhausted", State: domain.TradeStateFailed, RetryCount: 3, Timestamp: now.Add(-20 * time.Minute)},
	)
	loop := newExecutorLoopForTest(store, newFakeFollowerPositionStore(), newFakeLeaderPositionStore(), &fakeOrderBookFetcher{book: liquidBook()}, &fakeOrderSubmitter{}, fakeBalanceReader{})

	batch, err := loop.selectBatch(context.Background())
	require.NoError(t, err)

	var ids []string
	for _, rec := range batch {
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"oldest", "retryable", "newest"}, ids)
	assert.NotContains(t, ids, "exhausted")
}

func TestExecutorLoop_ProcessBuySizesAndExecutes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec := domain.TradeRecord{
		ID: "t1", LeaderAddress: "leader1", TokenID: "1", State: domain.TradeStateDetected,
		Side: domain.TradeSideBuy, Timestamp: now.Add(-time.Minute), USDCSize: 100, Price: 0.51,
	}
	store := newFakeTradeRecordStore(rec)
	orders := &fakeOrderSubmitter{results: []domain.OrderResult{
		{Success: true, OrderID: "ord1", FilledPrice: 0.51, FilledSize: 20},
	}}
	loop := newExecutorLoopForTest(store, newFakeFollowerPositionStore(), newFakeLeaderPositionStore(),
		&fakeOrderBookFetcher{book: liquidBook()}, orders, fakeBalanceReader{balance: 1000, equity: 1000})
	// Sizing config is percentage-mode default-zero, so override via a custom sizer:
	loop.sizer = NewSizer(config.SizingConfig{Mode: "percentage", CopyPercent: 0.2, Multiplier: 1.0})

	n, err := loop.RunOnce(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	final := store.get("t1")
	assert.Equal(t, domain.TradeStateExecuted, final.State)
	assert.True(t, final.MyBoughtSize > 0)

	snap := loop.metrics.Snapshot()
	assert.EqualValues(t, 1, snap.TradesCopied)
}

func TestExecutorLoop_ApplySellAccountingReducesPriorBuysProportionally(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	buy1 := domain.TradeRecord{
		ID: "buy1", LeaderAddress: "leader1", TokenID: "tok1", Side: domain.TradeSideBuy,
		State: domain.TradeStateExecuted, MyBoughtSize: 30, Timestamp: now.Add(-2 * time.Hour),
	}
	buy2 := domain.TradeRecord{
		ID: "buy2", LeaderAddress: "leader1", TokenID: "tok1", Side: domain.TradeSideBuy,
		State: domain.TradeStateExecuted, MyBoughtSize: 70, Timestamp: now.Add(-time.Hour),
	}
	sell := domain.TradeRecord{
		ID: "sell1", LeaderAddress: "leader1", TokenID: "tok1", Side: domain.TradeSideSell,
		State: domain.TradeStateExecuting, Timestamp: now,
	}
	store := newFakeTradeRecordStore(buy1, buy2, sell)
	loop := newExecutorLoopForTest(store, newFakeFollowerPositionStore(), newFakeLeaderPositionStore(),
		&fakeOrderBookFetcher{book: liquidBook()}, &fakeOrderSubmitter{}, fakeBalanceReader{})

	// Follower sells 50 out of a tracked 100 (30+70) total -> each buy
	// shrinks proportionally: buy1 by 15 (half of 30), buy2 by 35 (half of 70).
	err := loop.applySellAccounting(context.Background(), sell, 50)
	require.NoError(t, err)

	assert.InDelta(t, 15.0, store.get("buy1").MyBoughtSize, 0.001)
	assert.InDelta(t, 35.0, store.get("buy2").MyBoughtSize, 0.001)
}

func TestExecutorLoop_ApplySellAccountingZeroesDustRemainder(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	buy := domain.TradeRecord{
		ID: "buy1", LeaderAddress: "leader1", TokenID: "tok1", Side: domain.TradeSideBuy,
		State: domain.TradeStateExecuted, MyBoughtSize: 10, Timestamp: now.Add(-time.Hour),
	}
	sell := domain.TradeRecord{ID: "sell1", LeaderAddress: "leader1", TokenID: "tok1", Side: domain.TradeSideSell}
	store := newFakeTradeRecordStore(buy, sell)
	loop := newExecutorLoopForTest(store, newFakeFollowerPositionStore(), newFakeLeaderPositionStore(),
		&fakeOrderBookFetcher{book: liquidBook()}, &fakeOrderSubmitter{}, fakeBalanceReader{})

	// Selling 9.95 of 10 leaves 0.05, which is <=1% of the original and
	// should be cleared to zero rather than left as accounting dust.
	err := loop.applySellAccounting(context.Background(), sell, 9.95)
	require.NoError(t, err)

	assert.Equal(t, 0.0, store.get("buy1").MyBoughtSize)
}

func TestExecutorLoop_TrackedBoughtTokensSumsExecutedBuysOnly(t *testing.T) {
	store := newFakeTradeRecordStore(
		domain.TradeRecord{ID: "b1", LeaderAddress: "leader1", TokenID: "tok1", Side: domain.TradeSideBuy, State: domain.TradeStateExecuted, MyBoughtSize: 10},
		domain.TradeRecord{ID: "b2", LeaderAddress: "leader1", TokenID: "tok1", Side: domain.TradeSideBuy, State: domain.TradeStateExecuted, MyBoughtSize: 20},
		domain.TradeRecord{ID: "b3", LeaderAddress: "leader1", TokenID: "tok1", Side: domain.TradeSideBuy, State: domain.TradeStateDetected, MyBoughtSize: 999},
		domain.TradeRecord{ID: "s1", LeaderAddress: "leader1", TokenID: "tok1", Side: domain.TradeSideSell, State: domain.TradeStateExecuted},
	)
	loop := newExecutorLoopForTest(store, newFakeFollowerPositionStore(), newFakeLeaderPositionStore(),
		&fakeOrderBookFetcher{book: liquidBook()}, &fakeOrderSubmitter{}, fakeBalanceReader{})

	total, err := loop.trackedBoughtTokens(context.Background(), "leader1", "tok1")
	require.NoError(t, err)
	assert.Equal(t, 30.0, total)
}
