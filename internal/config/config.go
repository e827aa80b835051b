// Package config defines the top-level configuration for the copy-trading
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by COPYTRADER_* environment
// variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Builder    BuilderConfig    `toml:"builder"`
	Supabase   SupabaseConfig   `toml:"supabase"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Leaders    LeadersConfig    `toml:"leaders"`
	Sizing     SizingConfig     `toml:"sizing"`
	Viability  ViabilityConfig  `toml:"viability"`
	EdgeFilter EdgeFilterConfig `toml:"edge_filter"`
	Lease      LeaseConfig      `toml:"lease"`
	Execution  ExecutionConfig  `toml:"execution"`
	Server     ServerConfig     `toml:"server"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds Ethereum wallet credentials for the follower account.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	ProxyWallet      string `toml:"proxy_wallet"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PolymarketConfig holds Polymarket API endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost      string `toml:"clob_host"`
	GammaHost     string `toml:"gamma_host"`
	DataHost      string `toml:"data_host"`
	WsHost        string `toml:"ws_host"`
	ChainID       int    `toml:"chain_id"`
	SignatureType int    `toml:"signature_type"`
}

// BuilderConfig holds Polymarket builder-program API credentials.
type BuilderConfig struct {
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	ApiURL        string `toml:"api_url"`
	ApiKey        string `toml:"api_key"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters, used by the
// Archiver to move terminal trade records to cold storage.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	RetentionDays  int    `toml:"retention_days"`
	ArchiveCron    string `toml:"archive_cron"`
}

// LeadersConfig holds the set of leader accounts to copy and the Activity
// Detector's polling parameters (spec §4.1, §6).
type LeadersConfig struct {
	Addresses            []string `toml:"addresses"`
	FetchIntervalSeconds int      `toml:"fetch_interval_seconds"`
	TooOldTimestampHours int      `toml:"too_old_timestamp_hours"`
}

// AdaptiveTier is one piecewise-linear segment of the ADAPTIVE sizing
// schedule: trades with leaderUsdcSize at or above ThresholdUSD scale by
// Factor instead of the lower tier's factor.
type AdaptiveTier struct {
	ThresholdUSD float64 `toml:"threshold_usd"`
	Factor       float64 `toml:"factor"`
}

// SizingConfig selects the sizing mode and its parameters (spec §4.4).
type SizingConfig struct {
	// Mode is one of "percentage", "fixed", "adaptive".
	Mode string `toml:"mode"`

	CopyPercent     float64 `toml:"copy_percent"`
	FixedAmountUSD  float64 `toml:"fixed_amount_usd"`

	// AdaptiveSchedule is consulted in descending ThresholdUSD order; the
	// first tier whose threshold the leader's usdcSize meets or exceeds wins.
	AdaptiveSchedule []AdaptiveTier `toml:"adaptive_schedule"`

	// Multiplier is applied uniformly to base after the sizing mode computes
	// it, ahead of the cap chain.
	Multiplier float64 `toml:"multiplier"`

	MaxOrderSizeUSD          float64 `toml:"max_order_size_usd"`
	PositionValueCapFraction float64 `toml:"position_value_cap_fraction"`
	MinOrderSizeUSD          float64 `toml:"min_order_size_usd"`
	MinOrderSizeTokens       float64 `toml:"min_order_size_tokens"`

	// SellRatio is the fallback fraction of the follower's position sold
	// when no tracked BUYs exist for a SELL (spec §4.4).
	SellRatio float64 `toml:"sell_ratio"`
}

// ViabilityConfig bounds the market-viability gate (spec §4.5 gate 4). The
// hard caps named in the spec are enforced in Validate, not here.
type ViabilityConfig struct {
	PriceLimit              float64 `toml:"price_limit"`
	MinTimeBeforeEndMinutes int     `toml:"min_time_before_end_minutes"`
	MaxSpreadBps            int     `toml:"max_spread_bps"`
	MinDepthUSD             float64 `toml:"min_depth_usd"`
}

// EdgeFilterConfig bounds the edge-filter gate (spec §4.5 gate 5).
type EdgeFilterConfig struct {
	MinPositionDeltaUSD       float64 `toml:"min_position_delta_usd"`
	RequirePositionForSell    bool    `toml:"require_position_for_sell"`
	MinTradePercentOfPosition float64 `toml:"min_trade_percent_of_position"`
}

// LeaseConfig controls the Lease Manager's claim timeout (spec §4.2, §6).
type LeaseConfig struct {
	TimeoutMS int64 `toml:"timeout_ms"`
}

// ExecutionConfig controls the Trade Executor Loop and the Guarded
// Executor's sub-order retry loop (spec §4.3, §4.5).
type ExecutionConfig struct {
	PollIntervalMS       int64   `toml:"poll_interval_ms"`
	BatchSize            int     `toml:"batch_size"`
	RetryLimit           int     `toml:"retry_limit"`
	MaxSlippageBps       int     `toml:"max_slippage_bps"`
	ReconcileIntervalSec int     `toml:"reconcile_interval_sec"`

	// WarnDriftPercent and CriticalDriftPercent bound the Reconciler's
	// severity classification (spec §4.6): drift below WarnDriftPercent is
	// Info, at or above CriticalDriftPercent is Critical, otherwise Warning.
	WarnDriftPercent     float64 `toml:"warn_drift_percent"`
	CriticalDriftPercent float64 `toml:"critical_drift_percent"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters for the admin query surface
// (spec §7 "terminal states are reported via the admin query surface").
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:      "https://clob.polymarket.com",
			GammaHost:     "https://gamma-api.polymarket.com",
			DataHost:      "https://data-api.polymarket.com",
			WsHost:        "wss://ws-subscriptions-clob.polymarket.com",
			ChainID:       137,
			SignatureType: 2,
		},
		Supabase: SupabaseConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "copytrader-archive",
			UseSSL:         false,
			ForcePathStyle: true,
			RetentionDays:  90,
			ArchiveCron:    "0 3 1 * *",
		},
		Leaders: LeadersConfig{
			FetchIntervalSeconds: 5,
			TooOldTimestampHours: 24,
		},
		Sizing: SizingConfig{
			Mode:            "percentage",
			CopyPercent:     0.2,
			FixedAmountUSD:  10.0,
			Multiplier:      1.0,
			AdaptiveSchedule: []AdaptiveTier{
				{ThresholdUSD: 0, Factor: 1.0},
				{ThresholdUSD: 1000, Factor: 0.5},
				{ThresholdUSD: 10000, Factor: 0.1},
			},
			MaxOrderSizeUSD:          100.0,
			PositionValueCapFraction: 0.25,
			MinOrderSizeUSD:          1.0,
			MinOrderSizeTokens:       1.0,
			SellRatio:                1.0,
		},
		Viability: ViabilityConfig{
			PriceLimit:              0.95,
			MinTimeBeforeEndMinutes: 60,
			MaxSpreadBps:            1000,
			MinDepthUSD:             5.0,
		},
		EdgeFilter: EdgeFilterConfig{
			MinPositionDeltaUSD:       1.0,
			RequirePositionForSell:    true,
			MinTradePercentOfPosition: 2.0,
		},
		Lease: LeaseConfig{
			TimeoutMS: 30_000,
		},
		Execution: ExecutionConfig{
			PollIntervalMS:       300,
			BatchSize:            20,
			RetryLimit:           3,
			MaxSlippageBps:       500,
			ReconcileIntervalSec: 60,
			WarnDriftPercent:     5.0,
			CriticalDriftPercent: 20.0,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"detect":  true,
	"execute": true,
	"monitor": true,
	"server":  true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values, including
// the hard, non-overridable caps named in spec §4.5, and returns a combined
// error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: detect, execute, monitor, server, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet
	needsWallet := c.Mode == "execute" || c.Mode == "full"
	if needsWallet {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Wallet.ProxyWallet == "" {
			errs = append(errs, "wallet: proxy_wallet must be set for mode "+c.Mode)
		}
	}

	// Polymarket endpoints
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty")
	}
	if c.Polymarket.DataHost == "" {
		errs = append(errs, "polymarket: data_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.SignatureType != 1 && c.Polymarket.SignatureType != 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 1 (POLY_PROXY) or 2 (POLY_GNOSIS_SAFE), got %d", c.Polymarket.SignatureType))
	}

	// Builder — all three fields must be set together, or all empty.
	bk := c.Builder.ApiKey != ""
	bs := c.Builder.ApiSecret != ""
	bp := c.Builder.ApiPassphrase != ""
	if bk || bs || bp {
		if !(bk && bs && bp) {
			errs = append(errs, "builder: api_key, api_secret, and api_passphrase must all be set together")
		}
	}

	// Supabase
	if strings.TrimSpace(c.Supabase.DSN) == "" {
		if c.Supabase.Host == "" {
			errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
		}
		if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
			errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
		}
		if c.Supabase.Database == "" {
			errs = append(errs, "supabase: database must not be empty")
		}
	}
	if c.Supabase.PoolMaxConns < 1 {
		errs = append(errs, "supabase: pool_max_conns must be >= 1")
	}
	if c.Supabase.PoolMinConns < 0 {
		errs = append(errs, "supabase: pool_min_conns must be >= 0")
	}
	if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
		errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Endpoint == "" {
		errs = append(errs, "s3: endpoint must not be empty")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}
	if c.S3.RetentionDays < 1 {
		errs = append(errs, "s3: retention_days must be >= 1")
	}

	// Leaders
	if needsWallet && len(c.Leaders.Addresses) == 0 {
		errs = append(errs, "leaders: addresses must not be empty for mode "+c.Mode)
	}
	if c.Leaders.FetchIntervalSeconds < 1 {
		errs = append(errs, "leaders: fetch_interval_seconds must be >= 1")
	}
	if c.Leaders.TooOldTimestampHours < 1 {
		errs = append(errs, "leaders: too_old_timestamp_hours must be >= 1")
	}

	// Sizing
	switch c.Sizing.Mode {
	case "percentage", "fixed", "adaptive":
	default:
		errs = append(errs, fmt.Sprintf("sizing: unknown mode %q (valid: percentage, fixed, adaptive)", c.Sizing.Mode))
	}
	if c.Sizing.MaxOrderSizeUSD <= 0 {
		errs = append(errs, "sizing: max_order_size_usd must be > 0")
	}
	if c.Sizing.MinOrderSizeUSD < 1.0 {
		errs = append(errs, "sizing: min_order_size_usd must be >= 1.0 (spec §4.5 gate 7 default)")
	}
	if c.Sizing.MinOrderSizeTokens < 1.0 {
		errs = append(errs, "sizing: min_order_size_tokens must be >= 1.0 (spec §4.5 gate 7 default)")
	}
	if c.Sizing.PositionValueCapFraction <= 0 || c.Sizing.PositionValueCapFraction > 1 {
		errs = append(errs, "sizing: position_value_cap_fraction must be in (0, 1]")
	}

	// Viability — hard, non-overridable caps (spec §4.5 gate 4).
	if c.Viability.PriceLimit <= 0 || c.Viability.PriceLimit > 0.95 {
		errs = append(errs, "viability: price_limit must be in (0, 0.95]")
	}
	if c.Viability.MinTimeBeforeEndMinutes < 5 {
		errs = append(errs, "viability: min_time_before_end_minutes must be >= 5")
	}
	if c.Viability.MaxSpreadBps <= 0 || c.Viability.MaxSpreadBps > 2000 {
		errs = append(errs, "viability: max_spread_bps must be in (0, 2000]")
	}
	if c.Viability.MinDepthUSD < 0.50 {
		errs = append(errs, "viability: min_depth_usd must be >= 0.50")
	}

	// Edge filter — hard floors (spec §4.5 gate 5).
	if c.EdgeFilter.MinPositionDeltaUSD < 0.50 {
		errs = append(errs, "edge_filter: min_position_delta_usd must be >= 0.50")
	}
	if c.EdgeFilter.MinTradePercentOfPosition < 1.0 {
		errs = append(errs, "edge_filter: min_trade_percent_of_position must be >= 1.0")
	}

	// Lease
	if c.Lease.TimeoutMS < 1000 {
		errs = append(errs, "lease: timeout_ms must be >= 1000")
	}

	// Execution
	if c.Execution.PollIntervalMS < 1 {
		errs = append(errs, "execution: poll_interval_ms must be >= 1")
	}
	if c.Execution.BatchSize < 1 {
		errs = append(errs, "execution: batch_size must be >= 1")
	}
	if c.Execution.RetryLimit < 1 {
		errs = append(errs, "execution: retry_limit must be >= 1")
	}
	if c.Execution.MaxSlippageBps <= 0 || c.Execution.MaxSlippageBps > 1000 {
		errs = append(errs, "execution: max_slippage_bps must be in (0, 1000]")
	}
	if c.Execution.ReconcileIntervalSec < 1 {
		errs = append(errs, "execution: reconcile_interval_sec must be >= 1")
	}
	if c.Execution.WarnDriftPercent <= 0 {
		errs = append(errs, "execution: warn_drift_percent must be > 0")
	}
	if c.Execution.CriticalDriftPercent <= c.Execution.WarnDriftPercent {
		errs = append(errs, "execution: critical_drift_percent must exceed warn_drift_percent")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
