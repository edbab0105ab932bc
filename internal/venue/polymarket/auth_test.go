package polymarket

import (
	"math"
	"math/big"
	"testing"
)

func TestRoundDown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		val      float64
		decimals int
		want     float64
	}{
		{"truncate 2 decimals", 1.2345, 2, 1.23},
		{"truncate 4 decimals", 0.55559, 4, 0.5555},
		{"exact value unchanged", 0.55, 2, 0.55},
		{"zero", 0.0, 2, 0.0},
		{"negative truncates toward zero", -1.239, 2, -1.23},
		{"high precision", 0.123456789, 6, 0.123456},
		{"whole number", 5.0, 2, 5.0},
		{"zero decimals", 3.99, 0, 3.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := roundDown(tt.val, tt.decimals)
			if math.Abs(got-tt.want) > 1e-10 {
				t.Errorf("roundDown(%v, %d) = %v, want %v", tt.val, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestPriceToAmounts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		price    float64
		size     float64
		side     Side
		tickSize TickSize
		wantMkr  int64
		wantTkr  int64
	}{
		{"BUY at 0.50, size 100", 0.50, 100.0, BUY, Tick001, 50_000_000, 100_000_000},
		{"SELL at 0.50, size 100", 0.50, 100.0, SELL, Tick001, 100_000_000, 50_000_000},
		{"BUY at 0.75, size 10", 0.75, 10.0, BUY, Tick001, 7_500_000, 10_000_000},
		{"BUY small size truncated", 0.55, 1.999, BUY, Tick001, 1_094_500, 1_990_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mkr, tkr := PriceToAmounts(tt.price, tt.size, tt.side, tt.tickSize)
			if mkr.Cmp(big.NewInt(tt.wantMkr)) != 0 {
				t.Errorf("makerAmount = %s, want %d", mkr.String(), tt.wantMkr)
			}
			if tkr.Cmp(big.NewInt(tt.wantTkr)) != 0 {
				t.Errorf("takerAmount = %s, want %d", tkr.String(), tt.wantTkr)
			}
		})
	}
}

func TestPriceToAmountsSellMirrorsBuy(t *testing.T) {
	t.Parallel()
	buyMkr, buyTkr := PriceToAmounts(0.60, 50.0, BUY, Tick001)
	sellMkr, sellTkr := PriceToAmounts(0.60, 50.0, SELL, Tick001)

	if buyMkr.Cmp(sellTkr) != 0 {
		t.Errorf("BUY maker (%s) != SELL taker (%s)", buyMkr, sellTkr)
	}
	if buyTkr.Cmp(sellMkr) != 0 {
		t.Errorf("BUY taker (%s) != SELL maker (%s)", buyTkr, sellMkr)
	}
}

func TestNewAuthFromAccountConfigDefaults(t *testing.T) {
	t.Parallel()
	auth, err := newAuthFromAccountConfig(map[string]string{
		"privateKey": "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
	})
	if err != nil {
		t.Fatalf("newAuthFromAccountConfig: %v", err)
	}
	if auth.ChainID().Int64() != 137 {
		t.Errorf("chainID default = %d, want 137", auth.ChainID().Int64())
	}
	if auth.FunderAddress() != auth.Address() {
		t.Error("funder address should default to the EOA address")
	}
	if auth.sigType != SigEOA {
		t.Errorf("sigType default = %v, want SigEOA", auth.sigType)
	}
}

func TestL2HeadersCarriesRequiredFields(t *testing.T) {
	t.Parallel()
	auth, err := newAuthFromAccountConfig(map[string]string{
		"privateKey": "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
		"apiKey":     "key",
		"secret":     "c2VjcmV0",
		"passphrase": "pass",
	})
	if err != nil {
		t.Fatalf("newAuthFromAccountConfig: %v", err)
	}
	headers, err := auth.L2Headers("POST", "/orders", "{}")
	if err != nil {
		t.Fatalf("L2Headers: %v", err)
	}
	for _, key := range []string{"POLY_ADDRESS", "POLY_SIGNATURE", "POLY_TIMESTAMP", "POLY_API_KEY", "POLY_PASSPHRASE"} {
		if headers[key] == "" {
			t.Errorf("missing header %s", key)
		}
	}
}

func TestSignOrderFillsSaltAndSignature(t *testing.T) {
	t.Parallel()
	auth, err := newAuthFromAccountConfig(map[string]string{
		"privateKey": "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
	})
	if err != nil {
		t.Fatalf("newAuthFromAccountConfig: %v", err)
	}

	order := SignedOrder{
		Maker:       auth.FunderAddress().Hex(),
		Signer:      auth.Address().Hex(),
		Taker:       "0x0000000000000000000000000000000000000000",
		TokenID:     "123456",
		MakerAmount: big.NewInt(5_000_000),
		TakerAmount: big.NewInt(10_000_000),
		Side:        BUY,
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  "0",
	}
	if err := auth.SignOrder(&order, false); err != nil {
		t.Fatalf("SignOrder: %v", err)
	}
	if order.Salt == "" {
		t.Error("salt not generated")
	}
	if len(order.Signature) != 2+65*2 {
		t.Errorf("signature length = %d, want 0x + 65 bytes hex", len(order.Signature))
	}

	// Same salt must reproduce the same signature; neg-risk markets verify
	// against a different contract, so the signature must differ.
	plain := order.Signature
	if err := auth.SignOrder(&order, true); err != nil {
		t.Fatalf("SignOrder neg-risk: %v", err)
	}
	if order.Signature == plain {
		t.Error("neg-risk signature should differ (different verifying contract)")
	}
}
