package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/oddlot/parb/internal/blob/s3"
	"github.com/oddlot/parb/internal/cache/redis"
	"github.com/oddlot/parb/internal/crypto"
	"github.com/oddlot/parb/internal/domain"
	"github.com/oddlot/parb/internal/notify"
	"github.com/oddlot/parb/internal/platform/polymarket"
	"github.com/oddlot/parb/internal/store/postgres"
)

// Dependencies bundles the infrastructure the application modes compose
// services from. It is constructed by Wire and torn down by the returned
// cleanup function. Fields gated by mode are nil when the mode does not
// need them.
type Dependencies struct {
	// Stores (trade and scan modes)
	Markets       domain.MarketStore
	Orders        domain.OrderStore
	Opportunities domain.OpportunityStore
	Trades        domain.TradeStore

	// Caches (all modes)
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Venue (trade and scan modes; Clob and Signer trade mode only)
	Gamma  *polymarket.GammaClient
	Clob   *polymarket.ClobClient
	Signer *crypto.Signer
	Wallet string

	// History export (nil unless s3.enabled)
	Exporter *s3blob.Exporter

	// Alerting
	Notifier *notify.Notifier
}

// needsPostgres returns true for modes that persist markets, orders, and
// history. Monitor mode only consumes bus events.
func needsPostgres(mode string) bool {
	switch mode {
	case "trade", "scan":
		return true
	default:
		return false
	}
}

// needsVenue returns true for modes that submit orders.
func needsVenue(mode string) bool { return mode == "trade" }

// Wire constructs concrete dependency implementations from the configuration
// and returns them with a cleanup function for shutdown.
func (a *App) Wire(ctx context.Context) (*Dependencies, func(), error) {
	cfg := a.cfg

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	if needsPostgres(cfg.Mode) {
		pg, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		closers = append(closers, pg.Close)

		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("postgres migrations: %w", err)
			}
		}

		pool := pg.Pool()
		deps.Markets = postgres.NewMarketStore(pool)
		deps.Orders = postgres.NewOrderStore(pool)
		deps.Opportunities = postgres.NewOpportunityStore(pool)
		deps.Trades = postgres.NewTradeStore(pool)
	}

	// --- Redis ---
	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	closers = append(closers, func() { _ = rc.Close() })

	deps.MarketCache = redis.NewMarketCache(rc)
	deps.RateLimiter = redis.NewRateLimiter(rc)
	deps.LockManager = redis.NewLockManager(rc)
	deps.SignalBus = redis.NewSignalBus(rc)

	// --- Venue clients ---
	if needsPostgres(cfg.Mode) {
		deps.Gamma = polymarket.NewGammaClient(cfg.Polymarket.GammaHost)
	}

	if needsVenue(cfg.Mode) {
		signer, wallet, err := a.buildSigner()
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("signer: %w", err)
		}
		deps.Signer = signer
		deps.Wallet = wallet

		var opts []polymarket.ClobOption
		if cfg.Proxy.Enabled() {
			a.logger.InfoContext(ctx, "routing order submission through proxy",
				slog.String("addr", cfg.Proxy.Addr()),
			)
			opts = append(opts, polymarket.WithSOCKS5Proxy(
				cfg.Proxy.Addr(), cfg.Proxy.User, cfg.Proxy.Password,
			))
		}
		clob, err := polymarket.NewClobClient(cfg.Polymarket.ClobHost, signer, nil, opts...)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("clob client: %w", err)
		}
		if signer != nil && !cfg.Execution.DryRun {
			if err := clob.DeriveAPIKey(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("clob auth: %w", err)
			}
		}
		deps.Clob = clob
	}

	// --- S3 history export ---
	if cfg.S3.Enabled && deps.Opportunities != nil && deps.Trades != nil {
		s3c, err := s3blob.New(ctx, cfg.S3)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("s3: %w", err)
		}
		deps.Exporter = s3blob.NewExporter(
			s3blob.NewWriter(s3c), deps.Opportunities, deps.Trades, 0, a.logger,
		)
	}

	// --- Alerting ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.SlackWebhookURL != "" {
		senders = append(senders, notify.NewSlackSender(cfg.Notify.SlackWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, a.logger)

	return deps, cleanup, nil
}

// buildSigner loads the signing key from config. In dry-run mode a missing
// key is tolerated because no order ever reaches the wire; live trading
// without a key is rejected at config validation.
func (a *App) buildSigner() (*crypto.Signer, string, error) {
	w := a.cfg.Wallet
	if w.PrivateKey == "" && w.EncryptedKeyPath == "" {
		return nil, w.Address, nil
	}

	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    w.PrivateKey,
		EncryptedKeyPath: w.EncryptedKeyPath,
		KeyPassword:      w.KeyPassword,
	})
	if err != nil {
		return nil, "", fmt.Errorf("load key: %w", err)
	}

	signer, err := crypto.NewSigner(key, a.cfg.Polymarket.ChainID)
	if err != nil {
		return nil, "", err
	}
	return signer, signer.Address().Hex(), nil
}
