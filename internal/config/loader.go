package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies COPYTRADER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known COPYTRADER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "COPYTRADER_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.ProxyWallet, "COPYTRADER_WALLET_PROXY_WALLET")
	setStr(&cfg.Wallet.EncryptedKeyPath, "COPYTRADER_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "COPYTRADER_WALLET_KEY_PASSWORD")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "COPYTRADER_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "COPYTRADER_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.DataHost, "COPYTRADER_POLYMARKET_DATA_HOST")
	setStr(&cfg.Polymarket.WsHost, "COPYTRADER_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "COPYTRADER_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "COPYTRADER_POLYMARKET_SIGNATURE_TYPE")

	// ── Builder ──
	setStr(&cfg.Builder.ApiKey, "COPYTRADER_BUILDER_API_KEY")
	setStr(&cfg.Builder.ApiSecret, "COPYTRADER_BUILDER_API_SECRET")
	setStr(&cfg.Builder.ApiPassphrase, "COPYTRADER_BUILDER_API_PASSPHRASE")

	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "COPYTRADER_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "COPYTRADER_SUPABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "COPYTRADER_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "COPYTRADER_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "COPYTRADER_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "COPYTRADER_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "COPYTRADER_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "COPYTRADER_SUPABASE_SSLMODE")
	setStr(&cfg.Supabase.SSLMode, "COPYTRADER_SUPABASE_SSL_MODE") // compatibility alias
	setInt(&cfg.Supabase.PoolMaxConns, "COPYTRADER_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "COPYTRADER_SUPABASE_POOL_MIN_CONNS")
	setStr(&cfg.Supabase.ApiURL, "COPYTRADER_SUPABASE_API_URL")
	setStr(&cfg.Supabase.ApiKey, "COPYTRADER_SUPABASE_API_KEY")
	setBool(&cfg.Supabase.RunMigrations, "COPYTRADER_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "COPYTRADER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "COPYTRADER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COPYTRADER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "COPYTRADER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "COPYTRADER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "COPYTRADER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "COPYTRADER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "COPYTRADER_S3_REGION")
	setStr(&cfg.S3.Bucket, "COPYTRADER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "COPYTRADER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "COPYTRADER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "COPYTRADER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "COPYTRADER_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "COPYTRADER_S3_RETENTION_DAYS")
	setStr(&cfg.S3.ArchiveCron, "COPYTRADER_S3_ARCHIVE_CRON")

	// ── Leaders ──
	setStringSlice(&cfg.Leaders.Addresses, "COPYTRADER_LEADERS_ADDRESSES")
	setInt(&cfg.Leaders.FetchIntervalSeconds, "COPYTRADER_LEADERS_FETCH_INTERVAL_SECONDS")
	setInt(&cfg.Leaders.TooOldTimestampHours, "COPYTRADER_LEADERS_TOO_OLD_TIMESTAMP_HOURS")

	// ── Sizing ──
	setStr(&cfg.Sizing.Mode, "COPYTRADER_SIZING_MODE")
	setFloat64(&cfg.Sizing.CopyPercent, "COPYTRADER_SIZING_COPY_PERCENT")
	setFloat64(&cfg.Sizing.FixedAmountUSD, "COPYTRADER_SIZING_FIXED_AMOUNT_USD")
	setFloat64(&cfg.Sizing.Multiplier, "COPYTRADER_SIZING_MULTIPLIER")
	setFloat64(&cfg.Sizing.MaxOrderSizeUSD, "COPYTRADER_SIZING_MAX_ORDER_SIZE_USD")
	setFloat64(&cfg.Sizing.PositionValueCapFraction, "COPYTRADER_SIZING_POSITION_VALUE_CAP_FRACTION")
	setFloat64(&cfg.Sizing.MinOrderSizeUSD, "COPYTRADER_SIZING_MIN_ORDER_SIZE_USD")
	setFloat64(&cfg.Sizing.MinOrderSizeTokens, "COPYTRADER_SIZING_MIN_ORDER_SIZE_TOKENS")
	setFloat64(&cfg.Sizing.SellRatio, "COPYTRADER_SIZING_SELL_RATIO")

	// ── Viability ──
	setFloat64(&cfg.Viability.PriceLimit, "COPYTRADER_VIABILITY_PRICE_LIMIT")
	setInt(&cfg.Viability.MinTimeBeforeEndMinutes, "COPYTRADER_VIABILITY_MIN_TIME_BEFORE_END_MINUTES")
	setInt(&cfg.Viability.MaxSpreadBps, "COPYTRADER_VIABILITY_MAX_SPREAD_BPS")
	setFloat64(&cfg.Viability.MinDepthUSD, "COPYTRADER_VIABILITY_MIN_DEPTH_USD")

	// ── Edge filter ──
	setFloat64(&cfg.EdgeFilter.MinPositionDeltaUSD, "COPYTRADER_EDGE_MIN_POSITION_DELTA_USD")
	setBool(&cfg.EdgeFilter.RequirePositionForSell, "COPYTRADER_EDGE_REQUIRE_POSITION_FOR_SELL")
	setFloat64(&cfg.EdgeFilter.MinTradePercentOfPosition, "COPYTRADER_EDGE_MIN_TRADE_PERCENT_OF_POSITION")

	// ── Lease ──
	setInt64(&cfg.Lease.TimeoutMS, "COPYTRADER_LEASE_TIMEOUT_MS")

	// ── Execution ──
	setInt64(&cfg.Execution.PollIntervalMS, "COPYTRADER_EXECUTION_POLL_INTERVAL_MS")
	setInt(&cfg.Execution.BatchSize, "COPYTRADER_EXECUTION_BATCH_SIZE")
	setInt(&cfg.Execution.RetryLimit, "COPYTRADER_EXECUTION_RETRY_LIMIT")
	setInt(&cfg.Execution.MaxSlippageBps, "COPYTRADER_EXECUTION_MAX_SLIPPAGE_BPS")
	setInt(&cfg.Execution.ReconcileIntervalSec, "COPYTRADER_EXECUTION_RECONCILE_INTERVAL_SEC")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "COPYTRADER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "COPYTRADER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "COPYTRADER_SERVER_CORS_ORIGINS")

	// ── Top-level ──
	setStr(&cfg.Mode, "COPYTRADER_MODE")
	setStr(&cfg.LogLevel, "COPYTRADER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
