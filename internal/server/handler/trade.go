package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/copytrader/internal/domain"
)

// TradeService defines the trade-record queries the handler needs from the
// store layer, so this package does not depend on the concrete Postgres type.
type TradeService interface {
	GetByID(ctx context.Context, id string) (domain.TradeRecord, error)
	ListByState(ctx context.Context, state domain.TradeState, opts domain.ListOpts) ([]domain.TradeRecord, error)
	ListByLeader(ctx context.Context, leaderAddress string, opts domain.ListOpts) ([]domain.TradeRecord, error)
}

// TradeHandler serves the terminal-state query surface over TradeRecords
// (spec §7): the admin dashboard polls this instead of reading Postgres
// directly.
type TradeHandler struct {
	trades TradeService
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logger}
}

type listTradesResponse struct {
	Trades []domain.TradeRecord `json:"trades"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// ListTrades returns trade records filtered by leader address or, when no
// leader is given, by state (detected by default). The state parameter is
// ignored when leader is set.
// GET /api/trades?state=executed&leader=0x...&limit=50&offset=0
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	q := r.URL.Query()

	var (
		trades []domain.TradeRecord
		err    error
	)

	switch {
	case q.Get("leader") != "":
		trades, err = h.trades.ListByLeader(r.Context(), q.Get("leader"), opts)
	case q.Get("state") != "":
		trades, err = h.trades.ListByState(r.Context(), domain.TradeState(q.Get("state")), opts)
	default:
		trades, err = h.trades.ListByState(r.Context(), domain.TradeStateDetected, opts)
	}
	if err != nil {
		logHandler(h.logger, "trades.list").ErrorContext(r.Context(), "list trades failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}

	writeJSON(w, http.StatusOK, listTradesResponse{Trades: trades, Limit: opts.Limit, Offset: opts.Offset})
}

// GetTrade returns a single trade record by its ID.
// GET /api/trades/{id}
func (h *TradeHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing trade id")
		return
	}

	trade, err := h.trades.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "trade not found")
			return
		}
		logHandler(h.logger, "trades.get").ErrorContext(r.Context(), "get trade failed", slog.String("trade_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get trade")
		return
	}

	writeJSON(w, http.StatusOK, trade)
}
