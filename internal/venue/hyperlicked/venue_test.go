package hyperlicked

import (
	"io"
	"log/slog"
	"testing"

	"venueworker/internal/venue"
	"venueworker/pkg/types"
)

func discardTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func orderReq(kind types.OrderKind, postOnly bool, tif types.TimeInForce) venue.OrderRequest {
	return venue.OrderRequest{
		Symbol:      "HYPL",
		Side:        types.Buy,
		Type:        kind,
		Price:       12.5,
		Amount:      1.25,
		PostOnly:    postOnly,
		TimeInForce: tif,
	}
}

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestSignActionBindsNonce(t *testing.T) {
	t.Parallel()
	signer, err := NewSigner(testKey, 1337)
	if err != nil {
		t.Fatal(err)
	}
	action := Action{Type: "order", Orders: []OrderWire{{Asset: 0, IsBuy: true, LimitPx: "10", Sz: "1",
		OrderType: OrderTypeWire{Limit: &LimitOrderType{Tif: TifGtc}}}}}

	sig1, err := signer.SignAction(action, 1000)
	if err != nil {
		t.Fatal(err)
	}
	sig2, err := signer.SignAction(action, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if sig1 != sig2 {
		t.Error("same action+nonce must sign identically")
	}

	sig3, err := signer.SignAction(action, 1001)
	if err != nil {
		t.Fatal(err)
	}
	if sig1 == sig3 {
		t.Error("different nonce must change the signature")
	}
	if sig1.V != 27 && sig1.V != 28 {
		t.Errorf("V = %d, want 27 or 28", sig1.V)
	}
}

func TestActionHashChangesWithAction(t *testing.T) {
	t.Parallel()
	a := Action{Type: "cancel", Cancels: []CancelWire{{Asset: 1, Oid: 7}}}
	b := Action{Type: "cancel", Cancels: []CancelWire{{Asset: 1, Oid: 8}}}
	ha, err := ActionHash(a, 5)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := ActionHash(b, 5)
	if err != nil {
		t.Fatal(err)
	}
	if ha == hb {
		t.Error("different actions must hash differently")
	}
}

func TestOrderToWireTifMapping(t *testing.T) {
	t.Parallel()
	v := NewVenue(ClientConfig{ChainID: 1337}, "", discardTestLogger())
	v.assets["HYPL"] = assetMeta{index: 3, szDecimals: 2, pxDecimals: 1}

	cases := []struct {
		name string
		req  func() (OrderWire, error)
		tif  Tif
	}{
		{"post-only maps to Alo", func() (OrderWire, error) {
			return v.orderToWire(orderReq(types.KindLimit, true, ""))
		}, TifAlo},
		{"market maps to Ioc", func() (OrderWire, error) {
			return v.orderToWire(orderReq(types.KindMarket, false, ""))
		}, TifIoc},
		{"plain limit maps to Gtc", func() (OrderWire, error) {
			return v.orderToWire(orderReq(types.KindLimit, false, ""))
		}, TifGtc},
		{"explicit IOC maps to Ioc", func() (OrderWire, error) {
			return v.orderToWire(orderReq(types.KindLimit, false, types.IOC))
		}, TifIoc},
	}
	for _, tc := range cases {
		wire, err := tc.req()
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if wire.OrderType.Limit == nil || wire.OrderType.Limit.Tif != tc.tif {
			t.Errorf("%s: got %+v", tc.name, wire.OrderType)
		}
	}

	wire, err := v.orderToWire(orderReq(types.KindLimit, false, ""))
	if err != nil {
		t.Fatal(err)
	}
	if wire.Asset != 3 || wire.LimitPx != "12.5" || wire.Sz != "1.25" {
		t.Errorf("wire = %+v, want asset 3, px 12.5, sz 1.25", wire)
	}
}

func TestPositionFromWireSignedSize(t *testing.T) {
	t.Parallel()
	var ap AssetPosition
	ap.Position.Coin = "HYPL"
	ap.Position.Szi = "-2.5"
	ap.Position.EntryPx = "10"
	ap.Position.UPnL = "1.5"
	ap.Position.Leverage.Type = "isolated"
	ap.Position.Leverage.Value = 4

	p, ok := positionFromWire("A", ap)
	if !ok {
		t.Fatal("position dropped")
	}
	if p.Side != types.Short || p.Contracts != 2.5 {
		t.Errorf("side/contracts = %s/%v, want Short/2.5", p.Side, p.Contracts)
	}
	if p.Leverage != 4 || !p.IsHedged {
		t.Errorf("leverage/hedged = %v/%v, want 4/true", p.Leverage, p.IsHedged)
	}

	ap.Position.Szi = "0"
	if _, ok := positionFromWire("A", ap); ok {
		t.Error("flat position should be dropped")
	}
}

func TestFormatDecimalTrimsZeros(t *testing.T) {
	t.Parallel()
	if got := formatDecimal(12.500, 3); got != "12.5" {
		t.Errorf("got %q, want 12.5", got)
	}
	if got := formatDecimal(10, 2); got != "10" {
		t.Errorf("got %q, want 10", got)
	}
}
