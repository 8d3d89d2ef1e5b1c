package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
app:
  environment: test
  simulation: true
chain:
  chain_id: 1337
  router_address: "0xdddddddddddddddddddddddddddddddddddddddd"
  base_tokens:
    - "0xcccccccccccccccccccccccccccccccccccccccc"
wallets:
  - id: w1
    tier: standard
grid:
  base_token: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
  quote_token: "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
  wallet: w1
  lower_price: 1500
  upper_price: 2500
  step_percent: 2
risk:
  tiers:
    standard:
      min_order_wei: "1000"
      max_order_wei: "1000000000000000000"
  default_tier: standard
database:
  in_memory: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfigAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.App.Environment != "test" || !cfg.App.Simulation {
		t.Errorf("unexpected app config: %+v", cfg.App)
	}
	if cfg.Chain.ChainID != 1337 {
		t.Errorf("expected chain id 1337, got %d", cfg.Chain.ChainID)
	}
	if cfg.Quote.MaxAge <= 0 {
		t.Errorf("expected default quote.max_age, got %v", cfg.Quote.MaxAge)
	}
	if cfg.Engine.ConfirmTimeout <= 0 || cfg.Engine.ConfirmPollInterval <= 0 {
		t.Errorf("expected default engine confirmation settings, got %+v", cfg.Engine)
	}
	if cfg.Engine.SubmitTimeout != 15*time.Second {
		t.Errorf("expected default engine.submit_timeout 15s, got %v", cfg.Engine.SubmitTimeout)
	}
	if cfg.Batch.Concurrency <= 0 || cfg.Batch.MaxAttempts <= 0 {
		t.Errorf("expected default batch settings, got %+v", cfg.Batch)
	}
	if cfg.Grid.MaxSlippageBps != 50 {
		t.Errorf("expected default grid.max_slippage_bps=50, got %d", cfg.Grid.MaxSlippageBps)
	}
	if cfg.Grid.DeadlineOffset != 2*time.Minute {
		t.Errorf("expected default grid.deadline_offset=2m, got %v", cfg.Grid.DeadlineOffset)
	}
	if cfg.Feed.Interval <= 0 {
		t.Errorf("expected default feed.interval, got %v", cfg.Feed.Interval)
	}
	if cfg.Logging.Level == "" || len(cfg.Logging.OutputPaths) == 0 {
		t.Errorf("expected default logging config, got %+v", cfg.Logging)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoadValidationFailures(t *testing.T) {
	cases := []struct {
		name    string
		mangle  func(string) string
		wantMsg string
	}{
		{
			name:    "bad router address",
			mangle:  func(s string) string { return strings.Replace(s, "0xdddddddddddddddddddddddddddddddddddddddd", "not-an-address", 1) },
			wantMsg: "router_address",
		},
		{
			name:    "inverted grid bounds",
			mangle:  func(s string) string { return strings.Replace(s, "upper_price: 2500", "upper_price: 1000", 1) },
			wantMsg: "lower_price",
		},
		{
			name:    "unknown grid wallet",
			mangle:  func(s string) string { return strings.Replace(s, "wallet: w1", "wallet: ghost", 1) },
			wantMsg: "grid.wallet",
		},
		{
			name:    "undefined default tier",
			mangle:  func(s string) string { return strings.Replace(s, "default_tier: standard", "default_tier: platinum", 1) },
			wantMsg: "default_tier",
		},
		{
			name:    "undefined wallet tier",
			mangle:  func(s string) string { return strings.Replace(s, "tier: standard", "tier: platinum", 1) },
			wantMsg: "tier",
		},
	}

	for _, tc := range cases {
		_, err := Load(writeConfig(t, tc.mangle(validYAML)))
		if err == nil {
			t.Errorf("%s: expected validation error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.wantMsg) {
			t.Errorf("%s: expected message containing %q, got %v", tc.name, tc.wantMsg, err)
		}
	}
}

func TestLoadLiveModeRequiresKeys(t *testing.T) {
	live := strings.Replace(validYAML, "simulation: true", "simulation: false", 1)
	_, err := Load(writeConfig(t, live))
	if err == nil {
		t.Fatalf("expected error for live mode without rpc url and private keys")
	}
	if !strings.Contains(err.Error(), "rpc_url") || !strings.Contains(err.Error(), "private_key") {
		t.Errorf("expected rpc_url and private_key violations, got %v", err)
	}
}

func TestParseWei(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", "0", true},
		{"0", "0", true},
		{" 123456789 ", "123456789", true},
		{"1000000000000000000", "1000000000000000000", true},
		{"-1", "", false},
		{"1.5", "", false},
		{"abc", "", false},
	}
	for _, tc := range cases {
		got, err := ParseWei(tc.in)
		if tc.ok {
			if err != nil {
				t.Errorf("ParseWei(%q) returned error: %v", tc.in, err)
				continue
			}
			if got.String() != tc.want {
				t.Errorf("ParseWei(%q) = %s, want %s", tc.in, got, tc.want)
			}
		} else if err == nil {
			t.Errorf("ParseWei(%q): expected error", tc.in)
		}
	}
}
