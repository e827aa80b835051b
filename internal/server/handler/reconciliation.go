package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/copytrader/internal/domain"
)

// ReconciliationService defines the reconciliation queries the handler
// needs from the store layer.
type ReconciliationService interface {
	ListRecent(ctx context.Context, limit int) ([]domain.ReconciliationResult, error)
	ListBySeverity(ctx context.Context, sev domain.Severity, opts domain.ListOpts) ([]domain.ReconciliationResult, error)
}

// ReconciliationHandler serves reconciliation results, surfacing position
// drift the Reconciler flagged between what the engine expects to hold and
// what the exchange actually reports (spec §4.6, §7).
type ReconciliationHandler struct {
	recon  ReconciliationService
	logger *slog.Logger
}

// NewReconciliationHandler creates a ReconciliationHandler.
func NewReconciliationHandler(recon ReconciliationService, logger *slog.Logger) *ReconciliationHandler {
	return &ReconciliationHandler{recon: recon, logger: logger}
}

// ListRecent returns the most recent reconciliation results, optionally
// filtered by severity.
// GET /api/reconciliation?severity=critical&limit=50
func (h *ReconciliationHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	sev := r.URL.Query().Get("severity")

	var (
		results []domain.ReconciliationResult
		err     error
	)
	if sev != "" {
		results, err = h.recon.ListBySeverity(r.Context(), domain.Severity(sev), opts)
	} else {
		results, err = h.recon.ListRecent(r.Context(), opts.Limit)
	}
	if err != nil {
		logHandler(h.logger, "reconciliation.list").ErrorContext(r.Context(), "list reconciliation results failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list reconciliation results")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
