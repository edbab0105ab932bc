package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
venues:
  polymarket:
    enabled: true
    rest_base_url: https://clob.example.com
    gamma_base_url: https://gamma.example.com
    ws_market_url: wss://clob.example.com/market
    ws_user_url: wss://clob.example.com/user
    rate_limit: 5
    consume: 1
    max_orders_per_batch: 10
    accounts:
      - id: main
        credentials:
          privateKey: "0xabc"
  derivex:
    enabled: false
risk:
  max_position_per_symbol: 1000
  max_account_exposure: 5000
  max_daily_loss: 500
quote:
  gamma: 0.5
  order_size: 50
logging:
  level: info
  format: json
server:
  enabled: true
  port: 8080
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadParsesVenueBlocks(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	pm, ok := cfg.Venues["polymarket"]
	if !ok || !pm.Enabled {
		t.Fatal("polymarket venue missing or disabled")
	}
	if pm.RateLimit != 5 || pm.MaxOrdersPerBatch != 10 {
		t.Errorf("pipeline tuning = %v/%v, want 5/10", pm.RateLimit, pm.MaxOrdersPerBatch)
	}
	if len(pm.Accounts) != 1 || pm.Accounts[0].Credentials["privateKey"] != "0xabc" {
		t.Errorf("accounts = %+v", pm.Accounts)
	}
	if dx := cfg.Venues["derivex"]; dx.Enabled {
		t.Error("derivex should be disabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestEnvOverlaysCredentials(t *testing.T) {
	t.Setenv("VW_POLYMARKET_PRIVATE_KEY", "0xfromenv")
	path := writeConfig(t, sampleYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	got := cfg.Venues["polymarket"].Accounts[0].Credentials["privateKey"]
	if got != "0xfromenv" {
		t.Errorf("privateKey = %q, want env override", got)
	}
}

func TestValidateRejectsEmptyAndUnknown(t *testing.T) {
	cfg := &Config{Venues: map[string]VenueConfig{}}
	if err := cfg.Validate(); err == nil {
		t.Error("no enabled venue must be rejected")
	}

	cfg = &Config{Venues: map[string]VenueConfig{
		"nonsuch": {Enabled: true},
	}}
	if err := cfg.Validate(); err == nil {
		t.Error("unknown venue must be rejected")
	}

	cfg = &Config{Venues: map[string]VenueConfig{
		"dexagg": {Enabled: true, RPCURL: "http://rpc"},
	}}
	if err := cfg.Validate(); err == nil {
		t.Error("dexagg without router/pairs must be rejected")
	}
}
