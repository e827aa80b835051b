package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/copytrader/internal/blob/s3"
	redisCache "github.com/alanyoungcy/copytrader/internal/cache/redis"
	"github.com/alanyoungcy/copytrader/internal/config"
	"github.com/alanyoungcy/copytrader/internal/copytrade"
	"github.com/alanyoungcy/copytrader/internal/crypto"
	"github.com/alanyoungcy/copytrader/internal/domain"
	"github.com/alanyoungcy/copytrader/internal/platform/polymarket"
	"github.com/alanyoungcy/copytrader/internal/store/postgres"
)

// Dependencies aggregates every constructed collaborator the app's modes
// need. It is built once in Wire and torn down by the returned cleanup
// func. Fields a given mode does not use are left nil; modes.go must only
// dereference the dependencies its own mode requests.
type Dependencies struct {
	PG    *postgres.Client
	Redis *redisCache.Client
	S3    *s3blob.Client

	Trades            domain.TradeRecordStore
	Markets           domain.MarketStore
	FollowerPositions domain.FollowerPositionStore
	LeaderPositions   domain.LeaderPositionStore
	Reconciliations   domain.ReconciliationStore
	Audit             domain.AuditStore

	MarketCache   domain.MarketCache
	PositionCache domain.FollowerPositionCache
	RateLimiter   domain.RateLimiter

	Clob   *polymarket.ClobClient
	Gamma  *polymarket.GammaClient
	Data   *polymarket.DataAPIClient
	Signer *crypto.Signer

	Archiver domain.Archiver

	Detector     *copytrade.Detector
	LeaseManager *copytrade.LeaseManager
	Sizer        *copytrade.Sizer
	GuardedExec  *copytrade.GuardedExecutor
	ExecutorLoop *copytrade.ExecutorLoop
	Reconciler   *copytrade.Reconciler
	Metrics      *copytrade.Metrics
}

// needsPostgres reports whether mode touches the trade/position/
// reconciliation tables at all.
func needsPostgres(mode string) bool {
	switch mode {
	case "detect", "execute", "monitor", "server", "full":
		return true
	default:
		return false
	}
}

// needsRedis reports whether mode needs the read-through caches and
// distributed rate limiter.
func needsRedis(mode string) bool {
	switch mode {
	case "execute", "monitor", "full":
		return true
	default:
		return false
	}
}

// needsS3 reports whether mode runs the archiver.
func needsS3(mode string) bool {
	return mode == "execute" || mode == "full"
}

// needsWallet reports whether mode signs and submits orders.
func needsWallet(mode string) bool {
	return mode == "execute" || mode == "full"
}

// Wire constructs every dependency the configured mode needs and returns a
// cleanup func that closes them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Dependencies, func(), error) {
	if log == nil {
		log = slog.Default()
	}

	deps := &Dependencies{}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	mode := cfg.Mode

	if needsPostgres(mode) {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("app/wire: postgres: %w", err)
		}
		closers = append(closers, pg.Close)
		deps.PG = pg

		if cfg.Supabase.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("app/wire: run migrations: %w", err)
			}
		}

		pool := pg.Pool()
		deps.Trades = postgres.NewTradeRecordStore(pool)
		deps.Markets = postgres.NewMarketStore(pool)
		deps.FollowerPositions = postgres.NewFollowerPositionStore(pool)
		deps.LeaderPositions = postgres.NewLeaderPositionStore(pool)
		deps.Reconciliations = postgres.NewReconciliationStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
	}

	if needsRedis(mode) {
		rdb, err := redisCache.New(ctx, redisCache.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("app/wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = rdb.Close() })
		deps.Redis = rdb

		deps.MarketCache = redisCache.NewMarketCache(rdb)
		deps.PositionCache = redisCache.NewFollowerPositionCache(rdb)
		deps.RateLimiter = redisCache.NewRateLimiter(rdb)
	}

	if needsS3(mode) {
		s3c, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("app/wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3c.Close() })
		deps.S3 = s3c

		writer := s3blob.NewWriter(s3c)
		tradeStore, ok := deps.Trades.(*postgres.TradeRecordStore)
		if !ok {
			cleanup()
			return nil, nil, fmt.Errorf("app/wire: archiver requires a postgres trade store")
		}
		reconStore, ok := deps.Reconciliations.(*postgres.ReconciliationStore)
		if !ok {
			cleanup()
			return nil, nil, fmt.Errorf("app/wire: archiver requires a postgres reconciliation store")
		}
		deps.Archiver = s3blob.NewArchiver(writer, tradeStore, reconStore, deps.Audit)
	}

	deps.Gamma = polymarket.NewGammaClient(cfg.Polymarket.GammaHost)
	deps.Data = polymarket.NewDataAPIClient(cfg.Polymarket.DataHost)

	if needsWallet(mode) {
		keyHex, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("app/wire: load wallet key: %w", err)
		}

		signer, err := crypto.NewSigner(keyHex, cfg.Polymarket.ChainID)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("app/wire: new signer: %w", err)
		}
		deps.Signer = signer

		var hmacAuth *crypto.HMACAuth
		if cfg.Builder.ApiKey != "" {
			hmacAuth = &crypto.HMACAuth{
				Key:        cfg.Builder.ApiKey,
				Secret:     cfg.Builder.ApiSecret,
				Passphrase: cfg.Builder.ApiPassphrase,
			}
		}
		deps.Clob = polymarket.NewClobClient(cfg.Polymarket.ClobHost, signer, hmacAuth)
		if hmacAuth == nil {
			if err := deps.Clob.DeriveAPIKey(ctx); err != nil {
				log.Warn("app/wire: could not derive CLOB API key at startup, will retry lazily", "error", err)
			}
		}
	}

	if mode == "detect" || mode == "full" {
		deps.Detector = copytrade.NewDetector(deps.Data, deps.Gamma, deps.Trades, deps.LeaderPositions, cfg.Leaders, log)
	}

	if mode == "execute" || mode == "full" {
		deps.LeaseManager = copytrade.NewLeaseManager(deps.Trades, time.Duration(cfg.Lease.TimeoutMS)*time.Millisecond)
		deps.Sizer = copytrade.NewSizer(cfg.Sizing)
		deps.Metrics = copytrade.NewMetrics()

		deps.GuardedExec = copytrade.NewGuardedExecutor(
			deps.Trades,
			deps.LeaseManager,
			deps.Clob,
			deps.Clob,
			deps.Signer,
			cfg.Wallet.ProxyWallet,
			cfg.Polymarket.SignatureType,
			cfg.Viability,
			cfg.EdgeFilter,
			cfg.Execution,
			cfg.Sizing,
			cfg.Leaders,
		)

		balances := &clobBalanceReader{clob: deps.Clob, data: deps.Data, wallet: cfg.Wallet.ProxyWallet}

		deps.ExecutorLoop = copytrade.NewExecutorLoop(
			deps.Trades,
			deps.FollowerPositions,
			deps.LeaderPositions,
			deps.PositionCache,
			balances,
			deps.Sizer,
			deps.GuardedExec,
			deps.Metrics,
			cfg.Execution,
			log,
		)

		deps.Reconciler = copytrade.NewReconciler(
			deps.Trades,
			&dataAPIPositionFeed{data: deps.Data},
			deps.Reconciliations,
			cfg.Wallet.ProxyWallet,
			cfg.Execution.WarnDriftPercent,
			cfg.Execution.CriticalDriftPercent,
			log,
		)
	}

	return deps, cleanup, nil
}

// clobBalanceReader adapts the CLOB's collateral-balance read and the Data
// API's positions feed into the BalanceReader shape the Trade Executor
// Loop's sizing caps need (spec §4.4): available balance bounds BUY sizing
// directly, while equity (balance plus open position value) bounds the
// position-value cap.
type clobBalanceReader struct {
	clob   *polymarket.ClobClient
	data   *polymarket.DataAPIClient
	wallet string
}

func (b *clobBalanceReader) BalanceUSD(ctx context.Context) (float64, error) {
	return b.clob.GetCollateralBalance(ctx)
}

func (b *clobBalanceReader) EquityUSD(ctx context.Context) (float64, error) {
	balance, err := b.clob.GetCollateralBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("app/wire: equity: collateral balance: %w", err)
	}

	positions, err := b.data.GetPositions(ctx, b.wallet)
	if err != nil {
		return 0, fmt.Errorf("app/wire: equity: positions: %w", err)
	}

	total := balance
	for _, p := range positions {
		total += p.Size * p.CurPrice
	}
	return total, nil
}

// dataAPIPositionFeed adapts DataAPIClient.GetPositions into the
// copytrade.PositionFeed shape the Reconciler consumes (spec §4.6).
type dataAPIPositionFeed struct {
	data *polymarket.DataAPIClient
}

func (f *dataAPIPositionFeed) GetPositions(ctx context.Context, wallet string) ([]copytrade.FollowerPositionSnapshot, error) {
	rows, err := f.data.GetPositions(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("app/wire: position feed: %w", err)
	}

	out := make([]copytrade.FollowerPositionSnapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, copytrade.FollowerPositionSnapshot{TokenID: r.Asset, Size: r.Size})
	}
	return out, nil
}
