package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.NeedsWallet() {
		t.Fatal("default mode must not need a wallet")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "polyarb.toml")
	body := `
mode = "paper"

[binary]
min_edge_bps = 75
max_size = 40

[categorical]
min_edge_bps = 150
max_outcomes = 6

[executor]
fill_timeout = "12s"

[notify]
events = ["trade_failed"]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("POLYARB_LOG_LEVEL", "debug")
	t.Setenv("POLYARB_RISK_KILL_SWITCH", "true")
	t.Setenv("POLYARB_NOTIFY_EVENTS", " trade_completed , ,merge_failed")
	t.Setenv("POLYARB_DETECTOR_COOLDOWN", "2s")
	t.Setenv("POLYARB_CATALOG_MAX_MARKETS", "not-a-number")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != "paper" {
		t.Fatalf("mode = %q", cfg.Mode)
	}
	if cfg.Binary.MinEdgeBps != 75 || cfg.Binary.MaxSize != 40 {
		t.Fatalf("binary = %+v", cfg.Binary)
	}
	// Unset keys keep their defaults.
	if cfg.Binary.MinSize != 10 {
		t.Fatalf("binary min_size = %v, want default 10", cfg.Binary.MinSize)
	}
	if cfg.Categorical.MinEdgeBps != 150 || cfg.Categorical.MaxOutcomes != 6 || cfg.Categorical.MaxSize != 50 {
		t.Fatalf("categorical = %+v", cfg.Categorical)
	}
	if cfg.Executor.FillTimeout.Duration != 12*time.Second {
		t.Fatalf("fill_timeout = %v", cfg.Executor.FillTimeout)
	}
	if cfg.LogLevel != "debug" || !cfg.Risk.KillSwitch {
		t.Fatalf("env overrides not applied: log=%q kill=%v", cfg.LogLevel, cfg.Risk.KillSwitch)
	}
	if got := strings.Join(cfg.Notify.Events, ","); got != "trade_completed,merge_failed" {
		t.Fatalf("events = %q", got)
	}
	if cfg.Detector.Cooldown.Duration != 2*time.Second {
		t.Fatalf("cooldown = %v", cfg.Detector.Cooldown)
	}
	if cfg.Catalog.MaxMarkets != 0 {
		t.Fatalf("unparsable override should be ignored, got %d", cfg.Catalog.MaxMarkets)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRunModeNeedsWallet(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "run"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "wallet: either private_key") {
		t.Fatalf("expected wallet error, got %v", err)
	}

	cfg.Wallet.PrivateKey = "0xabc"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate with key: %v", err)
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "backtest"
	cfg.LogLevel = "trace"
	cfg.Wallet.APIKey = "k"
	cfg.Polygon.Collateral = "not-an-address"
	cfg.Binary.MaxSize = 1
	cfg.Categorical.MaxOutcomes = 2
	cfg.Executor.OrderType = "IOC"
	cfg.Archive.Enabled = true

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		`unknown mode "backtest"`,
		`unknown log_level "trace"`,
		"api_key, api_secret, and api_passphrase",
		"polygon: collateral is not a hex address",
		"binary: max_size must be >= min_size",
		"categorical: max_outcomes must be >= 3",
		`unknown order_type "IOC"`,
		"archive: requires both s3 and postgres",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "0xsecret"
	cfg.Wallet.APISecret = "s"
	cfg.Postgres.Password = "pw"
	cfg.Notify.TelegramToken = "tok"

	out := RedactedConfig(&cfg)
	for name, v := range map[string]string{
		"private_key":    out.Wallet.PrivateKey,
		"api_secret":     out.Wallet.APISecret,
		"postgres":       out.Postgres.Password,
		"telegram_token": out.Notify.TelegramToken,
	} {
		if v != redacted {
			t.Errorf("%s = %q, want redacted", name, v)
		}
	}
	if out.Wallet.KeyPassword != "" {
		t.Fatal("empty secrets should stay empty")
	}
	if cfg.Wallet.PrivateKey != "0xsecret" {
		t.Fatal("original config was modified")
	}

	out.Notify.Events[0] = "changed"
	if cfg.Notify.Events[0] == "changed" {
		t.Fatal("events slice is shared with the original")
	}
}
