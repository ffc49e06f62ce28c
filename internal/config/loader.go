package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PARB_* environment variable overrides, and
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

// applyEnvOverrides reads well-known PARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "PARB_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.Address, "PARB_WALLET_ADDRESS")
	setStr(&cfg.Wallet.EncryptedKeyPath, "PARB_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "PARB_WALLET_KEY_PASSWORD")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "PARB_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "PARB_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.WsHost, "PARB_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "PARB_POLYMARKET_CHAIN_ID")

	// ── Scanner ──
	setInt(&cfg.Scanner.Connections, "PARB_SCANNER_CONNECTIONS")
	setInt(&cfg.Scanner.MaxTokensPerConn, "PARB_SCANNER_MAX_TOKENS_PER_CONN")
	setFloat64(&cfg.Scanner.MinLiquidityUSD, "PARB_SCANNER_MIN_LIQUIDITY_USD")
	setInt(&cfg.Scanner.MinDaysToResolve, "PARB_SCANNER_MIN_DAYS_TO_RESOLVE")
	setInt(&cfg.Scanner.MaxDaysToResolve, "PARB_SCANNER_MAX_DAYS_TO_RESOLVE")
	setDuration(&cfg.Scanner.RefreshInterval, "PARB_SCANNER_REFRESH_INTERVAL")
	setDuration(&cfg.Scanner.MaxBookStale, "PARB_SCANNER_MAX_BOOK_STALE")

	// ── Arbitrage ──
	setFloat64(&cfg.Arbitrage.MinProfitThreshold, "PARB_ARBITRAGE_MIN_PROFIT_THRESHOLD")
	setFloat64(&cfg.Arbitrage.FeeMargin, "PARB_ARBITRAGE_FEE_MARGIN")
	setFloat64(&cfg.Arbitrage.MaxPositionUSD, "PARB_ARBITRAGE_MAX_POSITION_USD")
	setFloat64(&cfg.Arbitrage.MinTradableSize, "PARB_ARBITRAGE_MIN_TRADABLE_SIZE")
	setFloat64(&cfg.Arbitrage.MaxMarketExposure, "PARB_ARBITRAGE_MAX_MARKET_EXPOSURE")
	setFloat64(&cfg.Arbitrage.MaxTotalExposure, "PARB_ARBITRAGE_MAX_TOTAL_EXPOSURE")

	// ── Execution ──
	setDuration(&cfg.Execution.FillTimeout, "PARB_EXECUTION_FILL_TIMEOUT")
	setDuration(&cfg.Execution.StatusInterval, "PARB_EXECUTION_STATUS_INTERVAL")
	setInt(&cfg.Execution.SubmitRetries, "PARB_EXECUTION_SUBMIT_RETRIES")
	setFloat64(&cfg.Execution.RescueMarkup, "PARB_EXECUTION_RESCUE_MARKUP")
	setBool(&cfg.Execution.DryRun, "PARB_EXECUTION_DRY_RUN")
	setInt(&cfg.Execution.OrderRateLimit, "PARB_EXECUTION_ORDER_RATE_LIMIT")
	setDuration(&cfg.Execution.RedemptionInterval, "PARB_EXECUTION_REDEMPTION_INTERVAL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PARB_POSTGRES_SSLMODE")
	setStr(&cfg.Postgres.SSLMode, "PARB_POSTGRES_SSL_MODE") // compatibility alias
	setInt(&cfg.Postgres.PoolMaxConns, "PARB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PARB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PARB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PARB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PARB_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PARB_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PARB_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PARB_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "PARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PARB_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "PARB_S3_FORCE_PATH_STYLE")

	// ── Proxy ──
	setStr(&cfg.Proxy.Host, "PARB_PROXY_HOST")
	setInt(&cfg.Proxy.Port, "PARB_PROXY_PORT")
	setStr(&cfg.Proxy.User, "PARB_PROXY_USER")
	setStr(&cfg.Proxy.Password, "PARB_PROXY_PASSWORD")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.SlackWebhookURL, "PARB_NOTIFY_SLACK_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PARB_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PARB_MODE")
	setStr(&cfg.LogLevel, "PARB_LOG_LEVEL")
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

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
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
