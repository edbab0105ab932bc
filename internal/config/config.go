// Package config defines all configuration for the multi-venue worker
// runtime. Config is loaded from a YAML file (default:
// configs/config.yaml) with sensitive fields overridable via VW_<VENUE>_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"venueworker/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure: one block per venue plus shared risk/quote/logging/server
// sections.
type Config struct {
	Venues  map[string]VenueConfig `mapstructure:"venues"`
	Risk    RiskConfig             `mapstructure:"risk"`
	Quote   QuoteConfig            `mapstructure:"quote"`
	Logging LoggingConfig          `mapstructure:"logging"`
	Server  ServerConfig           `mapstructure:"server"`
}

// VenueConfig wires one venue worker: endpoints, rate limits, and the
// accounts to attach on start. Fields irrelevant to a venue are left
// empty (e.g. RPCURL only matters to the on-chain aggregator). Unknown
// keys inside Options are passed through to the venue and ignored if
// unrecognized.
type VenueConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// REST / WS endpoints.
	RESTBaseURL  string `mapstructure:"rest_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
	WSURL        string `mapstructure:"ws_url"`

	// Chain connectivity (on-chain venues).
	RPCURL        string `mapstructure:"rpc_url"`
	RouterAddress string `mapstructure:"router_address"`
	ChainID       int64  `mapstructure:"chain_id"`

	// Order pipeline tuning (defaults: 5 orders/sec, consume 1,
	// batches of 10).
	RateLimit         float64 `mapstructure:"rate_limit"`
	Consume           float64 `mapstructure:"consume"`
	MaxOrdersPerBatch int     `mapstructure:"max_orders_per_batch"`

	DryRun bool `mapstructure:"dry_run"`

	Accounts []AccountConfig   `mapstructure:"accounts"`
	Pairs    []PairConfig      `mapstructure:"pairs"`
	Options  map[string]string `mapstructure:"options"`

	// QuoteSymbols lists the symbols the quoting engine runs on for every
	// account of this venue. Empty disables quoting.
	QuoteSymbols []string `mapstructure:"quote_symbols"`
}

// AccountConfig is one venue account: an opaque ID plus whatever
// credential keys that venue's signing scheme needs (privateKey, apiKey,
// secretKey, passphrase, ...).
type AccountConfig struct {
	ID          string            `mapstructure:"id"`
	Credentials map[string]string `mapstructure:"credentials"`
}

// PairConfig is one tradable route on the DEX aggregator venue.
type PairConfig struct {
	Symbol        string `mapstructure:"symbol"`
	BaseToken     string `mapstructure:"base_token"`
	QuoteToken    string `mapstructure:"quote_token"`
	BaseDecimals  int32  `mapstructure:"base_decimals"`
	QuoteDecimals int32  `mapstructure:"quote_decimals"`
}

// QuoteConfig tunes the Avellaneda-Stoikov quoting engine.
//
//   - Gamma: risk aversion parameter. Higher = tighter spread, less inventory risk.
//   - Sigma: estimated price volatility (annualized std dev).
//   - K:     order arrival rate. Higher K = more aggressive quotes.
//   - T:     time horizon in years (e.g. 1.0 = 1 year).
//   - DefaultSpreadBps: minimum spread floor in basis points.
//   - OrderSize: target size per quote order.
//   - RefreshInterval: how often to recompute and reconcile quotes.
//
// Flow detection:
//   - FlowWindow: rolling time window for tracking fills (e.g., 60s).
//   - FlowToxicityThreshold: toxicity score above this triggers spread widening (e.g., 0.6).
//   - FlowCooldownPeriod: stay wide for this duration after toxicity detected (e.g., 120s).
//   - FlowMaxSpreadMultiplier: maximum spread widening factor (e.g., 3.0x).
type QuoteConfig struct {
	Gamma            float64       `mapstructure:"gamma"`
	Sigma            float64       `mapstructure:"sigma"`
	K                float64       `mapstructure:"k"`
	T                float64       `mapstructure:"t"`
	DefaultSpreadBps int           `mapstructure:"default_spread_bps"`
	OrderSize        float64       `mapstructure:"order_size"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`

	FlowWindow              time.Duration `mapstructure:"flow_window"`
	FlowToxicityThreshold   float64       `mapstructure:"flow_toxicity_threshold"`
	FlowCooldownPeriod      time.Duration `mapstructure:"flow_cooldown_period"`
	FlowMaxSpreadMultiplier float64       `mapstructure:"flow_max_spread_multiplier"`
}

// RiskConfig sets hard limits that trigger order cancellation (kill
// switch), scoped to one worker's accounts.
//
//   - MaxPositionPerSymbol: max notional exposure on any single symbol.
//   - MaxAccountExposure: max notional exposure across an account's positions.
//   - KillSwitchDropPct: if price moves this % within the window, kill switch fires.
//   - KillSwitchWindowSec: time window for measuring rapid price movement.
//   - MaxDailyLoss: max combined (realized + unrealized) loss before kill switch.
//   - CooldownAfterKill: how long the kill switch stays engaged after firing.
type RiskConfig struct {
	MaxPositionPerSymbol float64       `mapstructure:"max_position_per_symbol"`
	MaxAccountExposure   float64       `mapstructure:"max_account_exposure"`
	KillSwitchDropPct    float64       `mapstructure:"kill_switch_drop_pct"`
	KillSwitchWindowSec  int           `mapstructure:"kill_switch_window_sec"`
	MaxDailyLoss         float64       `mapstructure:"max_daily_loss"`
	CooldownAfterKill    time.Duration `mapstructure:"cooldown_after_kill"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig controls the host's event/metrics HTTP server.
type ServerConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides. Credential
// fields use venue-prefixed env vars: VW_POLYMARKET_PRIVATE_KEY,
// VW_DERIVEX_API_KEY, VW_DERIVEX_SECRET_KEY, and so on — the var name is
// VW_<VENUE>_<CREDENTIAL> with the credential key upper-snake-cased.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("VW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvCredentials(&cfg)
	return &cfg, nil
}

// applyEnvCredentials overlays VW_<VENUE>_<KEY> environment variables onto
// every account's credential map, so secrets never need to live in the
// YAML file. viper lower-cases map keys on Unmarshal, so the camelCase
// credential keys the venues read are restored first.
func applyEnvCredentials(cfg *Config) {
	for venueName, vc := range cfg.Venues {
		prefix := "VW_" + strings.ToUpper(venueName) + "_"
		for i := range vc.Accounts {
			if vc.Accounts[i].Credentials == nil {
				vc.Accounts[i].Credentials = make(map[string]string)
			}
			creds := vc.Accounts[i].Credentials
			for _, key := range []string{"privateKey", "apiKey", "secretKey", "funderAddress", "chainId", "signatureType"} {
				if val, ok := creds[strings.ToLower(key)]; ok {
					delete(creds, strings.ToLower(key))
					creds[key] = val
				}
			}
			for _, key := range []string{"privateKey", "apiKey", "secretKey", "secret", "passphrase", "funderAddress"} {
				envKey := prefix + toUpperSnake(key)
				if val := os.Getenv(envKey); val != "" {
					vc.Accounts[i].Credentials[key] = val
				}
			}
		}
		cfg.Venues[venueName] = vc
	}
}

func toUpperSnake(camel string) string {
	var b strings.Builder
	for i, r := range camel {
		if r >= 'A' && r <= 'Z' && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	enabled := 0
	for name, vc := range c.Venues {
		if !vc.Enabled {
			continue
		}
		enabled++
		switch types.VenueName(name) {
		case types.Polymarket:
			if vc.RESTBaseURL == "" {
				return fmt.Errorf("venues.%s.rest_base_url is required", name)
			}
		case types.Hyperlicked, types.DerivEx:
			if vc.RESTBaseURL == "" {
				return fmt.Errorf("venues.%s.rest_base_url is required", name)
			}
			if vc.WSURL == "" && vc.WSMarketURL == "" {
				return fmt.Errorf("venues.%s.ws_url is required", name)
			}
		case types.DexAgg:
			if vc.RPCURL == "" || vc.RouterAddress == "" {
				return fmt.Errorf("venues.%s needs rpc_url and router_address", name)
			}
			if len(vc.Pairs) == 0 {
				return fmt.Errorf("venues.%s.pairs must not be empty", name)
			}
		default:
			return fmt.Errorf("unknown venue %q", name)
		}
		if vc.RateLimit < 0 || vc.Consume < 0 {
			return fmt.Errorf("venues.%s rate_limit/consume must be >= 0", name)
		}
		for i, acc := range vc.Accounts {
			if acc.ID == "" {
				return fmt.Errorf("venues.%s.accounts[%d].id is required", name, i)
			}
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no venue enabled")
	}
	if c.Quote.Gamma < 0 {
		return fmt.Errorf("quote.gamma must be >= 0")
	}
	if c.Risk.MaxDailyLoss < 0 {
		return fmt.Errorf("risk.max_daily_loss must be >= 0")
	}
	return nil
}
