package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "bogus"
	cfg.Scanner.Connections = 0
	cfg.Arbitrage.MinProfitThreshold = -1
	cfg.Execution.FillTimeout = Duration{0}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"unknown mode", "connections", "min_profit_threshold", "fill_timeout"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLiveTradingRequiresSigningKey(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Execution.DryRun = false

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "wallet") {
		t.Fatalf("expected wallet error for live trading without key, got: %v", err)
	}

	cfg.Wallet.PrivateKey = "0xdeadbeef"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config with private key should validate: %v", err)
	}
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parb.toml")
	body := `
mode = "trade"

[scanner]
connections = 4
refresh_interval = "2m"

[arbitrage]
min_profit_threshold = 0.01
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("PARB_SCANNER_CONNECTIONS", "8")
	t.Setenv("PARB_EXECUTION_DRY_RUN", "false")
	t.Setenv("PARB_NOTIFY_EVENTS", "order_terminal, one_sided_exposure")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "trade", cfg.Mode)
	// Env overrides the file value.
	assert.Equal(t, 8, cfg.Scanner.Connections)
	assert.Equal(t, 2*time.Minute, cfg.Scanner.RefreshInterval.Duration)
	assert.Equal(t, 0.01, cfg.Arbitrage.MinProfitThreshold)
	assert.False(t, cfg.Execution.DryRun)
	// Untouched fields keep their defaults.
	assert.Equal(t, 0.01, cfg.Arbitrage.FeeMargin)
	assert.Equal(t, []string{"order_terminal", "one_sided_exposure"}, cfg.Notify.Events)
}

func TestMaxMarkets(t *testing.T) {
	cfg := Defaults()
	// 6 connections x 500 tokens, two tokens per market.
	if got := cfg.MaxMarkets(); got != 1500 {
		t.Errorf("MaxMarkets = %d, want 1500", got)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "0xsecret"
	cfg.Postgres.Password = "hunter2"
	cfg.Notify.SlackWebhookURL = "https://hooks.slack.com/services/x"

	red := RedactedConfig(&cfg)

	if red.Wallet.PrivateKey != "***" || red.Postgres.Password != "***" || red.Notify.SlackWebhookURL != "***" {
		t.Error("secrets not redacted")
	}
	if cfg.Wallet.PrivateKey != "0xsecret" {
		t.Error("original config mutated")
	}
	// Empty secrets stay empty rather than becoming "***".
	if red.Redis.Password != "" {
		t.Errorf("empty password should stay empty, got %q", red.Redis.Password)
	}
}
