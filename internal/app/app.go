// Package app wires configuration into concrete dependencies and runs the
// selected application mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oddlot/parb/internal/config"
)

// App is the top-level application. It owns the dependency graph and the
// cleanup functions registered during wiring.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	closers []func()
}

// New creates an App from a validated configuration.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Run wires the dependencies and blocks in the configured mode until ctx is
// cancelled or the mode returns an error.
func (a *App) Run(ctx context.Context) error {
	deps, cleanup, err := a.Wire(ctx)
	if err != nil {
		return fmt.Errorf("app: wire: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "trade":
		return a.TradeMode(ctx, deps)
	case "scan":
		return a.ScanMode(ctx, deps)
	case "monitor":
		return a.MonitorMode(ctx, deps)
	default:
		return fmt.Errorf("app: unknown mode %q", a.cfg.Mode)
	}
}

// Close releases all wired resources in reverse registration order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
