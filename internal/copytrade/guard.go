package copytrade

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/copytrader/internal/config"
	"github.com/alanyoungcy/copytrader/internal/crypto"
	"github.com/alanyoungcy/copytrader/internal/domain"
)

// TradeKind classifies a copy trade's direction for gate purposes. SELL and
// MERGE are both "exit" paths for the viability and edge-filter gates;
// MERGE additionally always liquidates the entire position.
type TradeKind string

const (
	TradeKindBuy   TradeKind = "BUY"
	TradeKindSell  TradeKind = "SELL"
	TradeKindMerge TradeKind = "MERGE"
)

// GuardRequest is the Guarded Executor's input: a classified, sized copy
// trade intent. It is distinct from domain.OrderRequest, which is the
// signed sub-order the sweep loop submits to the exchange.
type GuardRequest struct {
	Kind    TradeKind
	TokenID string
	Amount  float64 // USD for BUY, tokens for SELL/MERGE

	TraderPrice float64 // leader's execution price, for the slippage gate
	EndDate     time.Time

	MyPositionSize  float64
	MyPositionValue float64

	TradeID        string // record id; empty disables the record-bound gates
	TradeUSDCSize  float64
	TradeTimestamp time.Time
	MarketSlug     string

	LeaderTradeSize      float64 // tokens moved by the leader in this trade
	LeaderPositionBefore float64 // leader's position in this tokenId immediately before the trade
}

// GuardResult is the Guarded Executor's output. Exactly one of Executed,
// Skipped, Failed is true.
type GuardResult struct {
	Executed bool
	Skipped  bool
	Failed   bool

	FilledSize   float64 // USD
	FilledTokens float64
	AvgFillPrice float64

	Reason            string
	IsRetryable       bool
	OrderID           string
	IdempotencyKey    string
	NeedsManualReview bool
}

func skippedResult(reason string) GuardResult { return GuardResult{Skipped: true, Reason: reason} }
func failedResult(reason string, retryable bool) GuardResult {
	return GuardResult{Failed: true, Reason: reason, IsRetryable: retryable}
}

// OrderBookFetcher is the order-book read used by the viability gate and
// the sub-order sweep loop.
type OrderBookFetcher interface {
	GetOrderBook(ctx context.Context, tokenID string) (domain.OrderbookSnapshot, error)
}

// OrderSubmitter is the exchange's order-placement operation. GuardedExecutor
// is the only caller of it anywhere in this module.
type OrderSubmitter interface {
	PlaceMarketOrder(ctx context.Context, req domain.OrderRequest, wallet string) (domain.OrderResult, error)
}

// OrderSigner produces the EIP-712 signature for a sub-order built by the
// sweep loop.
type OrderSigner interface {
	SignOrder(order crypto.OrderPayload) (string, error)
	Address() common.Address
}

// GuardedExecutor is the sole site permitted to submit orders to the
// exchange. Every other component reaches the exchange only by calling
// into this type (spec §4.5). It owns the full gate chain, idempotency
// reservation, the fill-or-kill sweep loop, and result classification.
type GuardedExecutor struct {
	trades domain.TradeRecordStore
	lease  *LeaseManager
	books  OrderBookFetcher
	orders OrderSubmitter
	signer OrderSigner
	wallet string
	sigType int

	viability config.ViabilityConfig
	edge      config.EdgeFilterConfig
	execution config.ExecutionConfig
	sizing    config.SizingConfig
	leaders   config.LeadersConfig
}

// NewGuardedExecutor creates a GuardedExecutor. wallet is the follower's
// proxy wallet address used as maker/owner on every signed order. sigType
// is the Polymarket signature type (0=EOA, 1=POLY_PROXY, 2=POLY_GNOSIS_SAFE)
// stamped onto every sub-order.
func NewGuardedExecutor(
	trades domain.TradeRecordStore,
	lease *LeaseManager,
	books OrderBookFetcher,
	orders OrderSubmitter,
	signer OrderSigner,
	wallet string,
	sigType int,
	viability config.ViabilityConfig,
	edge config.EdgeFilterConfig,
	execution config.ExecutionConfig,
	sizing config.SizingConfig,
	leaders config.LeadersConfig,
) *GuardedExecutor {
	return &GuardedExecutor{
		trades:    trades,
		lease:     lease,
		books:     books,
		orders:    orders,
		signer:    signer,
		wallet:    wallet,
		sigType:   sigType,
		viability: viability,
		edge:      edge,
		execution: execution,
		sizing:    sizing,
		leaders:   leaders,
	}
}

// Run executes the full gate chain against req and, if every gate passes,
// the fill-or-kill sweep loop. The lease is released on every exit path
// except when the caller is expected to release it themselves because no
// lease was ever touched (TradeID empty).
func (g *GuardedExecutor) Run(ctx context.Context, now time.Time, req GuardRequest) (GuardResult, error) {
	isExit := req.Kind != TradeKindBuy

	// Gate 1: timestamp freshness.
	if req.TradeID != "" {
		if req.TradeTimestamp.IsZero() {
			return skippedResult("missing_trade_timestamp"), nil
		}
		freshness := time.Duration(g.leaders.TooOldTimestampHours) * time.Hour
		if now.Sub(req.TradeTimestamp) > freshness {
			return skippedResult("trade_too_stale"), nil
		}
	}

	// Gate 2: idempotency pre-check, against a durable read (never trust
	// the record the caller is holding in memory).
	var current domain.TradeRecord
	if req.TradeID != "" {
		rec, err := g.trades.GetByID(ctx, req.TradeID)
		if err != nil {
			return GuardResult{}, fmt.Errorf("copytrade/guard: load trade record %s: %w", req.TradeID, err)
		}
		current = rec

		if current.State == domain.TradeStateExecuted || current.IdempotencyKey != nil || current.ClobOrderID != nil {
			orderID := ""
			if current.ClobOrderID != nil {
				orderID = *current.ClobOrderID
			}
			return GuardResult{Skipped: true, Reason: "idempotency_already_executed", OrderID: orderID}, nil
		}
	}

	// Gate 3: lease acquisition.
	if req.TradeID != "" && !current.LeaseHeld(now) {
		claimed, ok, err := g.lease.Acquire(ctx, req.TradeID, now)
		if err != nil {
			return GuardResult{}, fmt.Errorf("copytrade/guard: acquire lease: %w", err)
		}
		if !ok {
			return failedResult("lease_acquisition_failed", true), nil
		}
		current = claimed
	}

	// Gate 4: market viability.
	book, err := g.books.GetOrderBook(ctx, req.TokenID)
	if err != nil {
		g.releaseOnGateFailure(ctx, req, domain.TradeStateFailed, domain.TradeUpdateFields{FailureReason: "order_book_fetch_failed", IncrementRetry: true})
		return failedResult("order_book_fetch_failed", true), nil
	}
	verdict, warning := g.checkViability(book, req.EndDate, isExit, now)
	if !verdict.Pass {
		g.releaseOnGateFailure(ctx, req, domain.TradeStateSkipped, domain.TradeUpdateFields{SkipReason: verdict.Reason})
		return skippedResult(verdict.Reason), nil
	}
	_ = warning // surfaced by the caller's structured logger, not fatal here

	// Gate 5: edge filters.
	if v := g.checkEdgeFilters(req, isExit); !v.Pass {
		g.releaseOnGateFailure(ctx, req, domain.TradeStateSkipped, domain.TradeUpdateFields{SkipReason: v.Reason})
		return skippedResult(v.Reason), nil
	}

	// Gate 6: sell requires position (unconditional, unlike gate 5's
	// configurable variant).
	if isExit && req.MyPositionSize <= 0 {
		g.releaseOnGateFailure(ctx, req, domain.TradeStateSkipped, domain.TradeUpdateFields{SkipReason: "no_position_to_sell"})
		return skippedResult("no_position_to_sell"), nil
	}

	// Gate 7: min/max sizing.
	if !isExit && req.Amount < g.sizing.MinOrderSizeUSD {
		g.releaseOnGateFailure(ctx, req, domain.TradeStateSkipped, domain.TradeUpdateFields{SkipReason: "below_min_order_size_usd"})
		return skippedResult("below_min_order_size_usd"), nil
	}
	if isExit && req.Amount < g.sizing.MinOrderSizeTokens {
		g.releaseOnGateFailure(ctx, req, domain.TradeStateSkipped, domain.TradeUpdateFields{SkipReason: "below_min_order_size_tokens"})
		return skippedResult("below_min_order_size_tokens"), nil
	}

	// Idempotency reservation: set exactly once, before the first order
	// attempt. A lost race means another worker already owns this record.
	idempotencyKey := uuid.NewString()
	if req.TradeID != "" {
		if err := g.trades.ReserveIdempotencyKey(ctx, req.TradeID, idempotencyKey); err != nil {
			if errors.Is(err, domain.ErrIdempotencyConflict) {
				g.releaseLease(ctx, req.TradeID, domain.TradeStateDetected, domain.TradeUpdateFields{})
				return skippedResult("idempotency_in_progress"), nil
			}
			return GuardResult{}, fmt.Errorf("copytrade/guard: reserve idempotency key: %w", err)
		}
	}

	side := domain.OrderSideBuy
	if isExit {
		side = domain.OrderSideSell
	}

	filledTokens, filledSize, avgFillPrice, lastOrderID, hardAbort, exhausted, sweepSkipReason := g.sweep(ctx, req.TokenID, side, req.TraderPrice, req.Amount)

	result := g.classify(req, filledTokens, filledSize, avgFillPrice, lastOrderID, hardAbort, exhausted, sweepSkipReason)
	result.IdempotencyKey = idempotencyKey

	if req.TradeID != "" {
		g.writeback(ctx, req.TradeID, result)
	}

	return result, nil
}

// checkViability implements spec §4.5 gate 4. For BUY, any failure is a
// hard skip. For SELL/MERGE, spread/depth failures are hard skips; price
// (market appears resolved) and time-to-end failures are downgraded to a
// warning and execution proceeds.
func (g *GuardedExecutor) checkViability(book domain.OrderbookSnapshot, endDate time.Time, isExit bool, now time.Time) (domain.GateVerdict, string) {
	cfg := g.viability

	resolved := book.BestBid >= cfg.PriceLimit || (book.BestAsk > 0 && book.BestAsk <= 1-cfg.PriceLimit)

	tooCloseToEnd := false
	if !endDate.IsZero() {
		tooCloseToEnd = endDate.Sub(now) < time.Duration(cfg.MinTimeBeforeEndMinutes)*time.Minute
	}

	mid := (book.BestBid + book.BestAsk) / 2
	var spreadBps float64
	if mid > 0 {
		spreadBps = (book.BestAsk - book.BestBid) / mid * 10000
	}

	var relevantDepth float64
	if isExit {
		if len(book.Bids) > 0 {
			relevantDepth = book.Bids[0].Size * book.Bids[0].Price
		}
	} else if len(book.Asks) > 0 {
		relevantDepth = book.Asks[0].Size * book.Asks[0].Price
	}

	if spreadBps > float64(cfg.MaxSpreadBps) || relevantDepth < cfg.MinDepthUSD {
		return domain.Reject(fmt.Sprintf("illiquid_market_spread_%.0fbps_depth_%.2fusd", spreadBps, relevantDepth)), ""
	}

	if !isExit {
		if resolved {
			return domain.Reject("market_appears_resolved"), ""
		}
		if tooCloseToEnd {
			return domain.Reject("too_close_to_end"), ""
		}
		return domain.Allow(), ""
	}

	warning := ""
	if resolved {
		warning = "market_appears_resolved"
	} else if tooCloseToEnd {
		warning = "too_close_to_end"
	}
	return domain.Allow(), warning
}

// checkEdgeFilters implements spec §4.5 gate 5.
func (g *GuardedExecutor) checkEdgeFilters(req GuardRequest, isExit bool) domain.GateVerdict {
	cfg := g.edge

	if req.TradeUSDCSize < cfg.MinPositionDeltaUSD {
		return domain.Reject(fmt.Sprintf("position_delta_%.2fusd_below_min_%.2fusd", req.TradeUSDCSize, cfg.MinPositionDeltaUSD))
	}

	if isExit {
		if cfg.RequirePositionForSell && req.MyPositionSize <= 0 {
			return domain.Reject("no_position_to_sell")
		}
		if cfg.MinTradePercentOfPosition > 0 && req.LeaderPositionBefore > 0 {
			pct := req.LeaderTradeSize / req.LeaderPositionBefore * 100
			if pct < cfg.MinTradePercentOfPosition {
				return domain.Reject(fmt.Sprintf("trade_percent_%.2f_below_min_%.2f", pct, cfg.MinTradePercentOfPosition))
			}
		}
	}

	return domain.Allow()
}

// sweep runs the fill-or-kill sub-order loop: repeat until remaining falls
// below the minimum, the retry budget is exhausted, a hard abort fires, or
// the relevant side of the book is empty (spec §4.5 execution loop).
func (g *GuardedExecutor) sweep(ctx context.Context, tokenID string, side domain.OrderSide, traderPrice, remaining float64) (filledTokens, filledSize, avgFillPrice float64, lastOrderID string, hardAbort, exhausted bool, skipReason string) {
	retries := 0
	minRemaining := g.sizing.MinOrderSizeUSD
	if side == domain.OrderSideSell {
		minRemaining = g.sizing.MinOrderSizeTokens
	}

	for remaining >= minRemaining {
		book, err := g.books.GetOrderBook(ctx, tokenID)
		if err != nil {
			retries++
			if retries >= g.execution.RetryLimit {
				exhausted = true
				break
			}
			continue
		}

		var levels []domain.PriceLevel
		if side == domain.OrderSideBuy {
			levels = book.Asks
		} else {
			levels = book.Bids
		}
		if len(levels) == 0 {
			break
		}

		bestPrice := levels[0].Price
		bestSize := levels[0].Size

		bps := slippageBps(side, traderPrice, bestPrice)
		if bps > float64(g.execution.MaxSlippageBps) {
			skipReason = fmt.Sprintf("slippage_%.0fbps_exceeds_max_%dbps", bps, g.execution.MaxSlippageBps)
			break
		}

		var tokens, subUSD float64
		if side == domain.OrderSideBuy {
			subUSD = math.Min(remaining, bestSize*bestPrice)
			tokens = subUSD / bestPrice
		} else {
			tokens = math.Min(remaining, bestSize)
			subUSD = tokens * bestPrice
		}

		req, err := g.buildSubOrder(tokenID, side, bestPrice, tokens)
		if err != nil {
			exhausted = true
			break
		}

		result, err := g.orders.PlaceMarketOrder(ctx, req, g.wallet)
		if err != nil {
			if isHardAbortError(err) {
				hardAbort = true
				break
			}
			retries++
			if retries >= g.execution.RetryLimit {
				exhausted = true
				break
			}
			continue
		}

		gotPrice := result.FilledPrice
		if gotPrice <= 0 {
			gotPrice = bestPrice
		}
		gotUSD := result.FilledSize
		if gotUSD <= 0 {
			gotUSD = subUSD
		}

		filledTokens += tokens
		filledSize += gotUSD
		lastOrderID = result.OrderID
		if side == domain.OrderSideBuy {
			remaining -= subUSD
		} else {
			remaining -= tokens
		}
		retries = 0
	}

	if filledTokens > 0 {
		avgFillPrice = filledSize / filledTokens
	}
	return
}

// classify implements spec §4.5 result classification.
func (g *GuardedExecutor) classify(req GuardRequest, filledTokens, filledSize, avgFillPrice float64, orderID string, hardAbort, exhausted bool, sweepSkipReason string) GuardResult {
	if hardAbort {
		return failedResult("insufficient_funds_or_allowance", false)
	}
	if exhausted && filledTokens == 0 {
		return failedResult("max_retries_exceeded", true)
	}
	if sweepSkipReason != "" && filledTokens == 0 {
		return skippedResult(sweepSkipReason)
	}

	if filledTokens > 0 {
		result := GuardResult{
			Executed:     true,
			FilledSize:   filledSize,
			FilledTokens: filledTokens,
			AvgFillPrice: avgFillPrice,
			OrderID:      orderID,
		}
		if req.Amount > 0 {
			ratio := filledSize / req.Amount
			if req.Kind != TradeKindBuy {
				ratio = filledTokens / req.Amount
			}
			if ratio < 0.80 || ratio > 1.20 {
				result.NeedsManualReview = true
			}
		}
		return result
	}

	return skippedResult("no_fill")
}

// writeback persists the outcome and releases the lease on every exit path.
func (g *GuardedExecutor) writeback(ctx context.Context, tradeID string, result GuardResult) {
	fields := domain.TradeUpdateFields{
		SkipReason:        "",
		FailureReason:     "",
		NeedsManualReview: result.NeedsManualReview,
	}
	next := domain.TradeStateSkipped

	switch {
	case result.Executed:
		next = domain.TradeStateExecuted
		now := time.Now()
		fields.ExecutedAt = &now
		fields.FilledSize = result.FilledSize
		fields.ActualTokens = result.FilledTokens
		fields.AvgFillPrice = result.AvgFillPrice
		if result.OrderID != "" {
			orderID := result.OrderID
			fields.ClobOrderID = &orderID
		}
		boughtSize := result.FilledTokens
		fields.MyBoughtSize = &boughtSize
	case result.Failed:
		next = domain.TradeStateFailed
		fields.FailureReason = result.Reason
		fields.IncrementRetry = true
	default:
		fields.SkipReason = result.Reason
	}

	if err := g.lease.Release(ctx, tradeID, next, fields); err != nil {
		// The lease was already lost to clearExpired; the record will be
		// reclaimed and this outcome is discarded rather than risking a
		// clobbered write from a worker that no longer owns it.
		return
	}
}

// releaseOnGateFailure releases a lease that guard itself acquired (or
// that was already held) when an early gate rejects the trade, so the
// caller does not need special-case handling for each gate.
func (g *GuardedExecutor) releaseOnGateFailure(ctx context.Context, req GuardRequest, next domain.TradeState, fields domain.TradeUpdateFields) {
	if req.TradeID == "" {
		return
	}
	g.releaseLease(ctx, req.TradeID, next, fields)
}

func (g *GuardedExecutor) releaseLease(ctx context.Context, tradeID string, next domain.TradeState, fields domain.TradeUpdateFields) {
	_ = g.lease.Release(ctx, tradeID, next, fields)
}

// buildSubOrder constructs and signs a single FOK sub-order.
func (g *GuardedExecutor) buildSubOrder(tokenID string, side domain.OrderSide, price, size float64) (domain.OrderRequest, error) {
	priceTicks := int64(math.Round(price * 1e6))
	sizeUnits := int64(math.Round(size * 1e6))

	tokenUnits := big.NewInt(sizeUnits)
	usdUnits := big.NewInt(int64(math.Round(size * price * 1e6)))

	var makerAmount, takerAmount *big.Int
	sideCode := 0
	if side == domain.OrderSideBuy {
		makerAmount, takerAmount = usdUnits, tokenUnits
	} else {
		makerAmount, takerAmount = tokenUnits, usdUnits
		sideCode = 1
	}

	tokenIDBig, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return domain.OrderRequest{}, fmt.Errorf("copytrade/guard: invalid tokenID %q", tokenID)
	}

	salt, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 256))
	if err != nil {
		return domain.OrderRequest{}, fmt.Errorf("copytrade/guard: generate salt: %w", err)
	}

	payload := crypto.OrderPayload{
		Salt:          salt.String(),
		Maker:         g.wallet,
		Signer:        g.signer.Address().Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       tokenIDBig.String(),
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          sideCode,
		SignatureType: g.sigType,
	}

	sig, err := g.signer.SignOrder(payload)
	if err != nil {
		return domain.OrderRequest{}, fmt.Errorf("copytrade/guard: sign sub-order: %w", err)
	}

	return domain.OrderRequest{
		TokenID:     tokenID,
		Side:        side,
		Type:        domain.OrderTypeFOK,
		PriceTicks:  priceTicks,
		SizeUnits:   sizeUnits,
		MakerAmount: makerAmount,
		TakerAmount: takerAmount,
		Signature:   sig,
	}, nil
}

func slippageBps(side domain.OrderSide, traderPrice, execPrice float64) float64 {
	if traderPrice <= 0 {
		return 0
	}
	if side == domain.OrderSideBuy {
		return (execPrice - traderPrice) / traderPrice * 10000
	}
	return (traderPrice - execPrice) / traderPrice * 10000
}

// isHardAbortError reports whether err's message indicates the follower
// cannot fund the order at all, which the spec calls out as a hard abort
// rather than a retryable failure (spec §6 order submission errors).
func isHardAbortError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not enough balance") ||
		strings.Contains(msg, "insufficient balance") ||
		strings.Contains(msg, "allowance")
}
