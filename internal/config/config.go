// Package config defines the top-level configuration for the arbitrage engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PARB_* environment variables. The
// configuration is read once at startup and never mutated afterwards.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Scanner    ScannerConfig    `toml:"scanner"`
	Arbitrage  ArbitrageConfig  `toml:"arbitrage"`
	Execution  ExecutionConfig  `toml:"execution"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Proxy      ProxyConfig      `toml:"proxy"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds Ethereum wallet credentials used for order signing.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	Address          string `toml:"address"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PolymarketConfig holds venue API endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost  string `toml:"clob_host"`
	GammaHost string `toml:"gamma_host"`
	WsHost    string `toml:"ws_host"`
	ChainID   int    `toml:"chain_id"`
}

// ScannerConfig holds market discovery and stream-sharding parameters.
type ScannerConfig struct {
	Connections      int      `toml:"connections"`         // stream connections in the pool
	MaxTokensPerConn int      `toml:"max_tokens_per_conn"` // subscription ceiling per connection
	MinLiquidityUSD  float64  `toml:"min_liquidity_usd"`   // liquidity floor for eligibility
	MinDaysToResolve int      `toml:"min_days_to_resolve"` // resolution-window floor
	MaxDaysToResolve int      `toml:"max_days_to_resolve"` // resolution-window ceiling
	RefreshInterval  Duration `toml:"refresh_interval"`    // catalog poll interval
	MaxBookStale     Duration `toml:"max_book_stale"`      // freshness bound for evaluation
}

// ArbitrageConfig holds the pricing test parameters.
type ArbitrageConfig struct {
	MinProfitThreshold float64 `toml:"min_profit_threshold"` // e.g. 0.005 = 0.5%
	FeeMargin          float64 `toml:"fee_margin"`           // venue fee buffer, e.g. 0.01
	MaxPositionUSD     float64 `toml:"max_position_usd"`     // per-opportunity size cap
	MinTradableSize    float64 `toml:"min_tradable_size"`    // discard smaller opportunities
	MaxMarketExposure  float64 `toml:"max_market_exposure"`  // committed USD ceiling per market
	MaxTotalExposure   float64 `toml:"max_total_exposure"`   // committed USD ceiling, aggregate
}

// ExecutionConfig holds order-lifecycle parameters.
type ExecutionConfig struct {
	FillTimeout    Duration `toml:"fill_timeout"`     // hard deadline for paired fills
	StatusInterval Duration `toml:"status_interval"`  // fill poll cadence
	SubmitRetries  int      `toml:"submit_retries"`   // retry budget for transient submit failures
	RescueMarkup   float64  `toml:"rescue_markup"`    // price bump for the marketable retry leg
	DryRun         bool     `toml:"dry_run"`          // exercise the full path without submitting
	OrderRateLimit int      `toml:"order_rate_limit"` // submissions allowed per second

	// RedemptionInterval is the cadence of the sweep that frees capital
	// held by filled positions in resolved markets.
	RedemptionInterval Duration `toml:"redemption_interval"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
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

// S3Config holds S3-compatible object storage parameters for history exports.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ProxyConfig holds the optional SOCKS5 forward proxy for order submission
// from geo-restricted execution environments. Stream and catalog traffic is
// never proxied; only the venue order API is.
type ProxyConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// Enabled reports whether a proxy host is configured.
func (p ProxyConfig) Enabled() bool { return p.Host != "" }

// Addr returns the host:port dial address.
func (p ProxyConfig) Addr() string { return fmt.Sprintf("%s:%d", p.Host, p.Port) }

// NotifyConfig holds alerting channel credentials.
type NotifyConfig struct {
	TelegramToken   string   `toml:"telegram_token"`
	TelegramChatID  string   `toml:"telegram_chat_id"`
	SlackWebhookURL string   `toml:"slack_webhook_url"`
	Events          []string `toml:"events"`
}

// Duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:  "https://clob.polymarket.com",
			GammaHost: "https://gamma-api.polymarket.com",
			WsHost:    "wss://ws-subscriptions-clob.polymarket.com",
			ChainID:   137,
		},
		Scanner: ScannerConfig{
			Connections:      6,
			MaxTokensPerConn: 500,
			MinLiquidityUSD:  10_000,
			MinDaysToResolve: 0,
			MaxDaysToResolve: 7,
			RefreshInterval:  Duration{5 * time.Minute},
			MaxBookStale:     Duration{10 * time.Second},
		},
		Arbitrage: ArbitrageConfig{
			MinProfitThreshold: 0.005,
			FeeMargin:          0.01,
			MaxPositionUSD:     100,
			MinTradableSize:    5,
			MaxMarketExposure:  200,
			MaxTotalExposure:   1_000,
		},
		Execution: ExecutionConfig{
			FillTimeout:        Duration{10 * time.Second},
			StatusInterval:     Duration{500 * time.Millisecond},
			SubmitRetries:      2,
			RescueMarkup:       0.02,
			DryRun:             true,
			OrderRateLimit:     10,
			RedemptionInterval: Duration{5 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "parb",
			User:          "parb",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "parb-history",
			ForcePathStyle: true,
		},
		Proxy: ProxyConfig{
			Port: 1080,
		},
		Notify: NotifyConfig{
			Events: []string{"opportunity_detected", "order_terminal", "one_sided_exposure"},
		},
		Mode:     "scan",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"scan":    true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, scan, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet — live trading requires a signing key. A missing signer must
	// abort startup rather than run degraded.
	if c.Mode == "trade" && !c.Execution.DryRun {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for live trading")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty")
	}
	if c.Polymarket.WsHost == "" {
		errs = append(errs, "polymarket: ws_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}

	if c.Scanner.Connections < 1 || c.Scanner.Connections > 20 {
		errs = append(errs, fmt.Sprintf("scanner: connections must be 1-20, got %d", c.Scanner.Connections))
	}
	if c.Scanner.MaxTokensPerConn < 2 {
		errs = append(errs, "scanner: max_tokens_per_conn must be >= 2")
	}
	if c.Scanner.MinDaysToResolve < 0 {
		errs = append(errs, "scanner: min_days_to_resolve must be >= 0")
	}
	if c.Scanner.MaxDaysToResolve <= c.Scanner.MinDaysToResolve {
		errs = append(errs, "scanner: max_days_to_resolve must exceed min_days_to_resolve")
	}

	if c.Arbitrage.MinProfitThreshold <= 0 || c.Arbitrage.MinProfitThreshold > 0.1 {
		errs = append(errs, fmt.Sprintf("arbitrage: min_profit_threshold must be in (0, 0.1], got %v", c.Arbitrage.MinProfitThreshold))
	}
	if c.Arbitrage.FeeMargin < 0 {
		errs = append(errs, "arbitrage: fee_margin must be >= 0")
	}
	if c.Arbitrage.MaxPositionUSD <= 0 {
		errs = append(errs, "arbitrage: max_position_usd must be > 0")
	}
	if c.Arbitrage.MinTradableSize < 0 {
		errs = append(errs, "arbitrage: min_tradable_size must be >= 0")
	}
	if c.Arbitrage.MaxMarketExposure <= 0 {
		errs = append(errs, "arbitrage: max_market_exposure must be > 0")
	}
	if c.Arbitrage.MaxTotalExposure < c.Arbitrage.MaxMarketExposure {
		errs = append(errs, "arbitrage: max_total_exposure must be >= max_market_exposure")
	}

	if c.Execution.FillTimeout.Duration <= 0 {
		errs = append(errs, "execution: fill_timeout must be > 0")
	}
	if c.Execution.StatusInterval.Duration <= 0 {
		errs = append(errs, "execution: status_interval must be > 0")
	}
	if c.Execution.SubmitRetries < 0 {
		errs = append(errs, "execution: submit_retries must be >= 0")
	}
	if c.Execution.RedemptionInterval.Duration <= 0 {
		errs = append(errs, "execution: redemption_interval must be > 0")
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	if c.Proxy.Enabled() {
		if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
			errs = append(errs, fmt.Sprintf("proxy: port must be 1-65535, got %d", c.Proxy.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// MaxMarkets returns the market capacity implied by the stream shard pool:
// each market consumes two token subscriptions.
func (c *Config) MaxMarkets() int {
	return (c.Scanner.MaxTokensPerConn / 2) * c.Scanner.Connections
}
