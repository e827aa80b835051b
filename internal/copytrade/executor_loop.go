package copytrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/copytrader/internal/config"
	"github.com/alanyoungcy/copytrader/internal/domain"
)

// BalanceReader reports the follower account's available USDC balance and
// total equity, used by the sizing caps. Backed by the exchange client in
// production and a fake in tests.
type BalanceReader interface {
	BalanceUSD(ctx context.Context) (float64, error)
	EquityUSD(ctx context.Context) (float64, error)
}

// ExecutorLoop is the Trade Executor Loop (§4.3): it polls detected and
// retry-eligible TradeRecords, resolves each one's current position
// context, sizes it, and hands it to the GuardedExecutor. It never talks
// to the exchange directly.
type ExecutorLoop struct {
	trades      domain.TradeRecordStore
	followerPos domain.FollowerPositionStore
	leaderPos   domain.LeaderPositionStore
	posCache    domain.FollowerPositionCache
	balances    BalanceReader
	sizer       *Sizer
	guard       *GuardedExecutor
	metrics     *Metrics

	execution config.ExecutionConfig

	log *slog.Logger
}

// NewExecutorLoop creates an ExecutorLoop.
func NewExecutorLoop(
	trades domain.TradeRecordStore,
	followerPos domain.FollowerPositionStore,
	leaderPos domain.LeaderPositionStore,
	posCache domain.FollowerPositionCache,
	balances BalanceReader,
	sizer *Sizer,
	guard *GuardedExecutor,
	metrics *Metrics,
	execution config.ExecutionConfig,
	log *slog.Logger,
) *ExecutorLoop {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &ExecutorLoop{
		trades:      trades,
		followerPos: followerPos,
		leaderPos:   leaderPos,
		posCache:    posCache,
		balances:    balances,
		sizer:       sizer,
		guard:       guard,
		metrics:     metrics,
		execution:   execution,
		log:         log.With("component", "executor_loop"),
	}
}

// PollIntervalMS returns the configured poll interval, for callers wiring
// up their own ticker.
func (l *ExecutorLoop) PollIntervalMS() time.Duration {
	return time.Duration(l.execution.PollIntervalMS) * time.Millisecond
}

// RunOnce selects one batch of eligible records — detected, plus failed
// records still under the retry budget — ordered oldest first, and drives
// each through sizing and the Guarded Executor. It returns the number of
// records it attempted.
func (l *ExecutorLoop) RunOnce(ctx context.Context, now time.Time) (int, error) {
	batch, err := l.selectBatch(ctx)
	if err != nil {
		return 0, err
	}

	attempted := 0
	for _, rec := range batch {
		if ctx.Err() != nil {
			break
		}
		if err := l.processOne(ctx, rec, now); err != nil {
			l.log.Error("processing trade record failed", "trade_id", rec.ID, "err", err)
		}
		attempted++
	}
	return attempted, nil
}

func (l *ExecutorLoop) selectBatch(ctx context.Context) ([]domain.TradeRecord, error) {
	opts := domain.ListOpts{Limit: l.execution.BatchSize}

	detected, err := l.trades.ListByState(ctx, domain.TradeStateDetected, opts)
	if err != nil {
		return nil, fmt.Errorf("copytrade/executor_loop: list detected: %w", err)
	}

	failed, err := l.trades.ListByState(ctx, domain.TradeStateFailed, opts)
	if err != nil {
		return nil, fmt.Errorf("copytrade/executor_loop: list failed: %w", err)
	}

	batch := make([]domain.TradeRecord, 0, len(detected)+len(failed))
	batch = append(batch, detected...)
	for _, rec := range failed {
		if rec.RetryCount < l.execution.RetryLimit {
			batch = append(batch, rec)
		}
	}

	sortByTimestampAsc(batch)
	if len(batch) > l.execution.BatchSize {
		batch = batch[:l.execution.BatchSize]
	}
	return batch, nil
}

func (l *ExecutorLoop) processOne(ctx context.Context, rec domain.TradeRecord, now time.Time) error {
	followerPos, err := l.currentFollowerPosition(ctx, rec.TokenID)
	if err != nil {
		return fmt.Errorf("load follower position: %w", err)
	}

	leaderPos, err := l.leaderPos.GetByTokenID(ctx, rec.LeaderAddress, rec.TokenID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("load leader position: %w", err)
	}

	kind := classify(rec)

	req := GuardRequest{
		Kind:            kind,
		TokenID:         rec.TokenID,
		TraderPrice:     rec.Price,
		EndDate:         rec.EndDate,
		MyPositionSize:  followerPos.Size,
		MyPositionValue: followerPos.Size * followerPos.CurPrice,
		TradeID:         rec.ID,
		TradeUSDCSize:   rec.USDCSize,
		TradeTimestamp:  rec.Timestamp,
		MarketSlug:      rec.Slug,

		LeaderTradeSize:      rec.Size,
		LeaderPositionBefore: leaderPos.Size + rec.Size,
	}

	switch kind {
	case TradeKindBuy:
		balance, err := l.balances.BalanceUSD(ctx)
		if err != nil {
			return fmt.Errorf("read follower balance: %w", err)
		}
		equity, err := l.balances.EquityUSD(ctx)
		if err != nil {
			return fmt.Errorf("read follower equity: %w", err)
		}
		sizing := l.sizer.Buy(SizingInput{
			Trade:               rec,
			FollowerBalanceUSD:  balance,
			FollowerPositionUSD: followerPos.Size * followerPos.CurPrice,
			FollowerEquityUSD:   equity,
		})
		req.Amount = sizing.IntendedSize
	case TradeKindMerge:
		sizing := l.sizer.MergeSellAll(followerPos.Size)
		req.Amount = sizing.IntendedSize
	default: // SELL
		tracked, err := l.trackedBoughtTokens(ctx, rec.LeaderAddress, rec.TokenID)
		if err != nil {
			return fmt.Errorf("sum tracked bought tokens: %w", err)
		}
		sizing := l.sizer.Sell(SizingInput{
			Trade:                  rec,
			FollowerPositionTokens: followerPos.Size,
			TrackedBoughtTokens:    tracked,
			LeaderPositionAfter:    leaderPos.Size,
		})
		req.Amount = sizing.IntendedSize
	}

	result, err := l.guard.Run(ctx, now, req)
	if err != nil {
		return fmt.Errorf("guarded executor: %w", err)
	}

	switch {
	case result.Executed:
		l.metrics.RecordExecuted(now.Sub(rec.Timestamp))
	case result.Failed:
		l.metrics.RecordFailed()
	default:
		l.metrics.RecordSkipped()
	}

	if result.Executed && kind == TradeKindSell {
		if err := l.applySellAccounting(ctx, rec, result.FilledTokens); err != nil {
			l.log.Error("sell accounting update failed", "trade_id", rec.ID, "err", err)
		}
	}

	return nil
}

// applySellAccounting proportionally reduces the myBoughtSize of prior BUY
// records for this leader/tokenID pair, so the SELL sizing formula's
// trackedBoughtTokens input keeps tracking the follower's actual open lot
// rather than drifting from it (spec §4.3 SELL accounting step). A BUY
// whose remaining tracked size falls to 1% or less of its original is
// cleared to zero instead of left as accounting dust.
func (l *ExecutorLoop) applySellAccounting(ctx context.Context, sell domain.TradeRecord, soldTokens float64) error {
	if soldTokens <= 0 {
		return nil
	}

	buys, err := l.trades.ListByLeader(ctx, sell.LeaderAddress, domain.ListOpts{Limit: 1000})
	if err != nil {
		return fmt.Errorf("list leader trades: %w", err)
	}

	var totalBought float64
	var matching []domain.TradeRecord
	for _, b := range buys {
		if b.TokenID != sell.TokenID || b.Side != domain.TradeSideBuy || b.State != domain.TradeStateExecuted {
			continue
		}
		if b.MyBoughtSize <= 0 {
			continue
		}
		matching = append(matching, b)
		totalBought += b.MyBoughtSize
	}
	if totalBought <= 0 {
		return nil
	}

	remaining := soldTokens
	for _, b := range matching {
		share := b.MyBoughtSize / totalBought * soldTokens
		if share > remaining {
			share = remaining
		}
		newSize := b.MyBoughtSize - share
		if newSize/b.MyBoughtSize <= 0.01 {
			newSize = 0
		}
		if err := l.trades.UpdateMyBoughtSize(ctx, b.ID, newSize); err != nil {
			l.log.Warn("failed to update buy record's tracked size", "buy_id", b.ID, "err", err)
			continue
		}
		remaining -= share
		if remaining <= 0 {
			break
		}
	}
	return nil
}

func (l *ExecutorLoop) trackedBoughtTokens(ctx context.Context, leaderAddress, tokenID string) (float64, error) {
	buys, err := l.trades.ListByLeader(ctx, leaderAddress, domain.ListOpts{Limit: 1000})
	if err != nil {
		return 0, err
	}
	var total float64
	for _, b := range buys {
		if b.TokenID == tokenID && b.Side == domain.TradeSideBuy && b.State == domain.TradeStateExecuted {
			total += b.MyBoughtSize
		}
	}
	return total, nil
}

func (l *ExecutorLoop) currentFollowerPosition(ctx context.Context, tokenID string) (domain.FollowerPosition, error) {
	if l.posCache != nil {
		if pos, err := l.posCache.Get(ctx, tokenID); err == nil {
			return pos, nil
		}
	}
	pos, err := l.followerPos.GetByTokenID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.FollowerPosition{TokenID: tokenID}, nil
		}
		return domain.FollowerPosition{}, err
	}
	return pos, nil
}

// classify derives the copy-trade kind from a TradeRecord's leader side.
// MERGE is signalled by a SELL whose market has already closed (the leader
// redeemed/merged a settled outcome rather than trading it on the book).
func classify(rec domain.TradeRecord) TradeKind {
	if rec.Side == domain.TradeSideBuy {
		return TradeKindBuy
	}
	if !rec.EndDate.IsZero() && !rec.EndDate.After(rec.Timestamp) {
		return TradeKindMerge
	}
	return TradeKindSell
}

// sortByTimestampAsc orders records oldest-first with a simple insertion
// sort; batch sizes are small (spec §4.3 BatchSize default, low hundreds).
func sortByTimestampAsc(recs []domain.TradeRecord) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].Timestamp.Before(recs[j-1].Timestamp); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}
