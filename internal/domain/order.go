package domain

import (
	"fmt"
	"math/big"
	"time"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType indicates the time-in-force policy. The Guarded Executor only
// ever places FOK sub-orders (§4.5); GTC/GTD survive here because the
// signer/relayer payloads are shaped generically.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC"
	OrderTypeGTD OrderType = "GTD"
	OrderTypeFOK OrderType = "FOK"
	OrderTypeFAK OrderType = "FAK"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusMatched   OrderStatus = "matched"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusFailed    OrderStatus = "failed"
)

// OrderRequest is a single fill-or-kill market sub-order built by the
// Guarded Executor's sweep loop (§4.5). One TradeRecord may produce several
// of these as it walks the order book.
type OrderRequest struct {
	TokenID     string
	Side        OrderSide
	Type        OrderType
	PriceTicks  int64    // fixed-point: price * 1e6, the limit price for this sweep level
	SizeUnits   int64    // fixed-point: size * 1e6
	MakerAmount *big.Int // integer notional for the signed payload
	TakerAmount *big.Int // integer quantity for the signed payload
	Signature   string   // EIP-712 hex, populated by the signer
}

// Price returns the float64 display price from fixed-point ticks.
func (r OrderRequest) Price() float64 {
	return float64(r.PriceTicks) / 1e6
}

// Size returns the float64 display size from fixed-point units.
func (r OrderRequest) Size() float64 {
	return float64(r.SizeUnits) / 1e6
}

// OrderResult wraps the exchange's response after a single sub-order
// submission. One TradeRecord's execution accumulates several of these.
type OrderResult struct {
	Success     bool
	OrderID     string
	Status      OrderStatus
	Message     string
	ShouldRetry bool
	FilledPrice float64
	FilledSize  float64
	FeeUSD      float64
	CreatedAt   time.Time
}

// ExchangeError is a sum type over the two shapes the CLOB's error
// responses take (§9 "Dynamic error shapes"): a bare string, or a nested
// object carrying both a machine error code and a human message. Callers
// use Error() for logging and IsRetryable() for gate/executor flow control.
type ExchangeError struct {
	raw string // set when the response body was a bare JSON string

	hasNested  bool
	ErrorCode  string
	ErrorMsg   string
	StatusCode int
}

// NewExchangeErrorString builds an ExchangeError from a bare string body.
func NewExchangeErrorString(s string) *ExchangeError {
	return &ExchangeError{raw: s}
}

// NewExchangeErrorNested builds an ExchangeError from a {error, message}
// object body.
func NewExchangeErrorNested(code, message string, statusCode int) *ExchangeError {
	return &ExchangeError{hasNested: true, ErrorCode: code, ErrorMsg: message, StatusCode: statusCode}
}

func (e *ExchangeError) Error() string {
	if e == nil {
		return ""
	}
	if e.hasNested {
		return fmt.Sprintf("exchange error %d: %s: %s", e.StatusCode, e.ErrorCode, e.ErrorMsg)
	}
	return e.raw
}

// IsRetryable reports whether the classification is transient: rate limits
// and 5xx statuses are retryable, anything else (bad signature, insufficient
// balance, market closed) is not.
func (e *ExchangeError) IsRetryable() bool {
	if e == nil {
		return false
	}
	if e.hasNested {
		return e.StatusCode == 429 || e.StatusCode >= 500
	}
	return false
}

// GateVerdict is the non-throwing result of a Guarded Executor gate check
// (§4.5). A failing gate never returns an error; it returns Pass=false with
// a human Reason so the caller can record SkipReason on the TradeRecord.
type GateVerdict struct {
	Pass   bool
	Reason string
}

// Allow is the passing verdict shared by every gate.
func Allow() GateVerdict { return GateVerdict{Pass: true} }

// Reject builds a failing verdict with the given reason.
func Reject(reason string) GateVerdict { return GateVerdict{Pass: false, Reason: reason} }
