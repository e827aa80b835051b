package handler

import (
	"net/http"

	"github.com/alanyoungcy/copytrader/internal/copytrade"
)

// MetricsSource is the read side of the in-process Metrics counters (spec
// §4.7), satisfied by *copytrade.Metrics.
type MetricsSource interface {
	Snapshot() copytrade.Snapshot
}

// MetricsHandler exposes the Trade Executor Loop's running counters over
// HTTP for the admin dashboard.
type MetricsHandler struct {
	metrics MetricsSource
}

// NewMetricsHandler creates a MetricsHandler.
func NewMetricsHandler(metrics MetricsSource) *MetricsHandler {
	return &MetricsHandler{metrics: metrics}
}

// GetMetrics returns the current metrics snapshot.
// GET /api/metrics
func (h *MetricsHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}
