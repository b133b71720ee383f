package config

import (
	"errors"
	"testing"
	"time"
)

// TestDefaultsValidate tests that the shipped defaults form a tradable
// configuration
func TestDefaultsValidate(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Should validate the defaults, got %v", err)
	}
	if len(cfg.TradingConfig.Symbols) == 0 {
		t.Error("Should default at least one symbol")
	}
	if cfg.TickInterval() != 5*time.Second {
		t.Errorf("Should default a 5s tick, got %s", cfg.TickInterval())
	}
	if cfg.Cooldown() != 10*time.Minute {
		t.Errorf("Should default a 10m cooldown, got %s", cfg.Cooldown())
	}
}

// TestValidateRejections tests the per-field guard rails
func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"no symbols", func(c *Config) { c.TradingConfig.Symbols = nil }, "trading.symbols"},
		{"leverage too high", func(c *Config) { c.TradingConfig.Leverage = 200 }, "trading.leverage"},
		{"bad margin type", func(c *Config) { c.TradingConfig.MarginType = "HEDGED" }, "trading.margin_type"},
		{"negative k", func(c *Config) { c.StrategyConfig.K = -1 }, "strategy.k"},
		{"single vol bar", func(c *Config) { c.StrategyConfig.VolBars = 1 }, "strategy.vol_bars"},
		{"negative stop", func(c *Config) { c.ExitConfig.StopLossBps = -1 }, "exits.stop_loss_bps"},
		{"callback too wide", func(c *Config) { c.ExitConfig.CallbackRate = 15 }, "exits.callback_rate"},
		{"margin multiple below 1", func(c *Config) { c.RiskConfig.MarginSafetyMultiple = 0.5 }, "risk.margin_safety_multiple"},
		{"bad halt time", func(c *Config) { c.RiskConfig.EntryHaltUTC = "25:00" }, "risk.entry_halt_utc"},
		{"no sizing", func(c *Config) { c.RiskConfig.RiskPct = -1 }, "risk.risk_pct"},
	}

	for _, tc := range cases {
		cfg := &Config{}
		applyDefaults(cfg)
		tc.mutate(cfg)

		err := cfg.Validate()
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			t.Errorf("%s: Should fail validation, got %v", tc.name, err)
			continue
		}
		if cfgErr.Field != tc.field {
			t.Errorf("%s: Should flag %s, got %s", tc.name, tc.field, cfgErr.Field)
		}
	}
}

// TestParseUTCMinute tests the HH:MM conversion and the off switch
func TestParseUTCMinute(t *testing.T) {
	if m, err := ParseUTCMinute("23:00"); err != nil || m != 1380 {
		t.Errorf("Should parse 23:00 as 1380, got %d %v", m, err)
	}
	if m, err := ParseUTCMinute("9:5"); err != nil || m != 545 {
		t.Errorf("Should parse 9:5 as 545, got %d %v", m, err)
	}
	if m, err := ParseUTCMinute(""); err != nil || m != -1 {
		t.Errorf("Should disable on empty, got %d %v", m, err)
	}
	if m, err := ParseUTCMinute("off"); err != nil || m != -1 {
		t.Errorf("Should disable on off, got %d %v", m, err)
	}

	for _, bad := range []string{"24:00", "12:60", "noon", "12", "12:00:00"} {
		if _, err := ParseUTCMinute(bad); err == nil {
			t.Errorf("Should reject %q", bad)
		}
	}
}

// TestSplitSymbols tests the environment list format
func TestSplitSymbols(t *testing.T) {
	got := splitSymbols(" btcusdt, ETHUSDT ,,solusdt ")
	want := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}

	if len(got) != len(want) {
		t.Fatalf("Should split 3 symbols, got %d", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Should normalize to %s, got %s", want[i], got[i])
		}
	}
}
