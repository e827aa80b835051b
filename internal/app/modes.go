package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/copytrader/internal/domain"
	"github.com/alanyoungcy/copytrader/internal/server"
	"github.com/alanyoungcy/copytrader/internal/server/handler"
)

// marketService adapts domain.MarketStore's GetByID into the GetMarket name
// the admin handler expects.
type marketService struct {
	domain.MarketStore
}

func (m marketService) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	return m.MarketStore.GetByID(ctx, id)
}

// DetectMode runs only the Activity Detector: it polls every configured
// leader's activity feed on its own interval and inserts detected
// TradeRecords, without ever sizing or submitting an order.
func (a *App) DetectMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting detect mode", slog.Int("leaders", len(a.cfg.Leaders.Addresses)))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.runDetectorLoop(ctx, deps) })

	return g.Wait()
}

// ExecuteMode runs the Trade Executor Loop and the Reconciler, but not the
// Detector: it drains whatever TradeRecords are already detected. Useful
// for running detection and execution as separate deployments sharing one
// Postgres instance.
func (a *App) ExecuteMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting execute mode")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.runExecutorLoop(ctx, deps) })
	g.Go(func() error { return a.runReconcilerLoop(ctx, deps) })
	g.Go(func() error { return a.runFollowerPositionSyncLoop(ctx, deps) })
	if deps.Archiver != nil {
		g.Go(func() error { return a.runArchiveLoop(ctx, deps) })
	}

	return g.Wait()
}

// MonitorMode runs a loop that refreshes the stored markets from Gamma
// market metadata, without detecting or executing any trades. It
// exists so the admin surface has fresh market data even when execution is
// deployed separately.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.runMarketSyncLoop(ctx, deps) })

	return g.Wait()
}

// ServerMode runs only the HTTP admin query surface, reading whatever the
// other modes have already recorded. It never places or touches orders.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startAdminServer(ctx, g, deps)

	return g.Wait()
}

// FullMode runs the Detector, the Executor Loop, the Reconciler, and the
// HTTP admin surface together, all supervised under one errgroup: a fatal
// error in any of them cancels the shared context and unwinds the rest.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.runDetectorLoop(ctx, deps) })
	g.Go(func() error { return a.runExecutorLoop(ctx, deps) })
	g.Go(func() error { return a.runReconcilerLoop(ctx, deps) })
	g.Go(func() error { return a.runFollowerPositionSyncLoop(ctx, deps) })
	if deps.Archiver != nil {
		g.Go(func() error { return a.runArchiveLoop(ctx, deps) })
	}

	if a.cfg.Server.Enabled {
		a.startAdminServer(ctx, g, deps)
	}

	return g.Wait()
}

// runDetectorLoop polls every configured leader on LeadersConfig's fetch
// interval until ctx is cancelled.
func (a *App) runDetectorLoop(ctx context.Context, deps *Dependencies) error {
	interval := time.Duration(a.cfg.Leaders.FetchIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, leader := range a.cfg.Leaders.Addresses {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			inserted, err := deps.Detector.PollLeader(ctx, leader, time.Now().UTC())
			if err != nil {
				a.logger.ErrorContext(ctx, "detector: poll leader failed",
					slog.String("leader", leader), slog.String("error", err.Error()))
				continue
			}
			if inserted > 0 {
				a.logger.InfoContext(ctx, "detector: inserted trade records",
					slog.String("leader", leader), slog.Int("count", inserted))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runExecutorLoop drives the Trade Executor Loop's poll-size-execute cycle
// on ExecutionConfig's poll interval until ctx is cancelled.
func (a *App) runExecutorLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(deps.ExecutorLoop.PollIntervalMS())
	defer ticker.Stop()

	for {
		attempted, err := deps.ExecutorLoop.RunOnce(ctx, time.Now().UTC())
		if err != nil {
			a.logger.ErrorContext(ctx, "executor loop: run failed", slog.String("error", err.Error()))
		} else if attempted > 0 {
			a.logger.DebugContext(ctx, "executor loop: processed batch", slog.Int("attempted", attempted))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runFollowerPositionSyncLoop refreshes the follower's own position book
// from the Data API on the executor's poll cadence, keeping
// FollowerPositionStore and FollowerPositionCache current. Without this,
// the Trade Executor Loop's SELL/MERGE sizing has nothing to read: it
// would treat every token as a zero position and skip the trade.
func (a *App) runFollowerPositionSyncLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(deps.ExecutorLoop.PollIntervalMS())
	defer ticker.Stop()

	wallet := a.cfg.Wallet.ProxyWallet

	for {
		rows, err := deps.Data.GetPositions(ctx, wallet)
		if err != nil {
			a.logger.ErrorContext(ctx, "follower position sync: fetch failed", slog.String("error", err.Error()))
		} else {
			now := time.Now().UTC()
			for _, row := range rows {
				pos := row.ToDomainFollowerPosition(now)
				if err := deps.FollowerPositions.Upsert(ctx, pos); err != nil {
					a.logger.WarnContext(ctx, "follower position sync: store upsert failed",
						slog.String("token_id", pos.TokenID), slog.String("error", err.Error()))
					continue
				}
				if deps.PositionCache != nil {
					if err := deps.PositionCache.Set(ctx, pos); err != nil {
						a.logger.WarnContext(ctx, "follower position sync: cache set failed",
							slog.String("token_id", pos.TokenID), slog.String("error", err.Error()))
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runArchiveLoop moves trade records and reconciliation results older than
// S3Config.RetentionDays into blob storage once a day, per spec §8's data
// retention policy. It only runs when Wire constructed an Archiver.
func (a *App) runArchiveLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	retention := time.Duration(a.cfg.S3.RetentionDays) * 24 * time.Hour

	runOnce := func() {
		before := time.Now().UTC().Add(-retention)

		trades, err := deps.Archiver.ArchiveTradeRecords(ctx, before)
		if err != nil {
			a.logger.ErrorContext(ctx, "archive loop: archive trade records failed", slog.String("error", err.Error()))
		} else if trades > 0 {
			a.logger.InfoContext(ctx, "archive loop: archived trade records", slog.Int64("count", trades))
		}

		recons, err := deps.Archiver.ArchiveReconciliations(ctx, before)
		if err != nil {
			a.logger.ErrorContext(ctx, "archive loop: archive reconciliations failed", slog.String("error", err.Error()))
		} else if recons > 0 {
			a.logger.InfoContext(ctx, "archive loop: archived reconciliations", slog.Int64("count", recons))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			runOnce()
		}
	}
}

// runReconcilerLoop runs the Reconciler on ExecutionConfig's reconcile
// interval until ctx is cancelled.
func (a *App) runReconcilerLoop(ctx context.Context, deps *Dependencies) error {
	interval := time.Duration(a.cfg.Execution.ReconcileIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		results, err := deps.Reconciler.Run(ctx, time.Now().UTC())
		if err != nil {
			a.logger.ErrorContext(ctx, "reconciler: run failed", slog.String("error", err.Error()))
		} else if len(results) > 0 {
			a.logger.InfoContext(ctx, "reconciler: recorded results", slog.Int("count", len(results)))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runMarketSyncLoop lists up to 200 active markets from the MarketStore,
// re-fetches each by slug from Gamma and upserts the result back into the
// MarketStore, on the leaders' fetch interval. It does not touch the Redis
// MarketCache and never writes a TradeRecord.
func (a *App) runMarketSyncLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(time.Duration(a.cfg.Leaders.FetchIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		markets, err := deps.Markets.ListActive(ctx, domain.ListOpts{Limit: 200})
		if err != nil {
			a.logger.ErrorContext(ctx, "monitor: list active markets failed", slog.String("error", err.Error()))
		} else {
			for _, m := range markets {
				fresh, err := deps.Gamma.GetMarketBySlug(ctx, m.Slug)
				if err != nil {
					a.logger.WarnContext(ctx, "monitor: refresh market failed",
						slog.String("slug", m.Slug), slog.String("error", err.Error()))
					continue
				}
				if err := deps.Markets.Upsert(ctx, fresh); err != nil {
					a.logger.WarnContext(ctx, "monitor: upsert market failed",
						slog.String("slug", m.Slug), slog.String("error", err.Error()))
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// startAdminServer registers the read-only admin HTTP surface (spec §7) on
// g and arranges for it to shut down gracefully when ctx is cancelled.
func (a *App) startAdminServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	handlers := server.Handlers{
		Health:         handler.NewHealthHandler(a.logger),
		Status:         handler.NewStatusHandler(a.cfg.Mode, "copytrader"),
		Markets:        handler.NewMarketHandler(marketService{deps.Markets}, a.logger),
		Trades:         handler.NewTradeHandler(deps.Trades, a.logger),
		Reconciliation: handler.NewReconciliationHandler(deps.Reconciliations, a.logger),
		Metrics:        handler.NewMetricsHandler(deps.Metrics),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
	}, handlers, a.logger)

	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
