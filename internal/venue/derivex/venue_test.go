package derivex

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/url"
	"testing"

	"venueworker/internal/venue"
	"venueworker/pkg/types"
)

func discardTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSignIsDeterministicHexHMAC(t *testing.T) {
	t.Parallel()
	c := NewClient(ClientConfig{SecretKey: "topsecret"}, discardTestLogger())
	q := url.Values{}
	q.Set("symbol", "BTCUSDT")
	q.Set("timestamp", "1700000000000")
	sig1 := c.sign(q.Encode())
	sig2 := c.sign(q.Encode())
	if sig1 != sig2 {
		t.Error("same query must sign identically")
	}
	if len(sig1) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(sig1))
	}

	q.Set("timestamp", "1700000000001")
	if c.sign(q.Encode()) == sig1 {
		t.Error("different query must change the signature")
	}
}

func TestOrderParamsMapping(t *testing.T) {
	t.Parallel()
	params, err := orderParams(venue.OrderRequest{
		Symbol: "BTCUSDT", Side: types.Buy, Type: types.KindLimit,
		Price: 50000, Amount: 0.5, PostOnly: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if params.Get("type") != "LIMIT" || params.Get("timeInForce") != "GTX" {
		t.Errorf("post-only limit params = %v, want type LIMIT tif GTX", params)
	}
	if params.Get("price") != "50000" || params.Get("quantity") != "0.5" {
		t.Errorf("price/quantity = %s/%s", params.Get("price"), params.Get("quantity"))
	}

	params, err = orderParams(venue.OrderRequest{
		Symbol: "BTCUSDT", Side: types.Sell, Type: types.KindMarket, Amount: 1, ReduceOnly: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if params.Get("type") != "MARKET" || params.Get("side") != "SELL" || params.Get("reduceOnly") != "true" {
		t.Errorf("market params = %v", params)
	}
	if params.Get("timeInForce") != "" {
		t.Error("market order must not carry timeInForce")
	}

	if _, err := orderParams(venue.OrderRequest{Symbol: "BTCUSDT", Type: types.KindStopMarket}); err == nil {
		t.Error("conditional kinds must be rejected here (they go through PlacePositionStop)")
	}
}

func TestPositionFromWireSignedAmount(t *testing.T) {
	t.Parallel()
	p, ok := positionFromWire("A", AccountPosition{
		Symbol: "ETHUSDT", PositionAmt: -3, EntryPrice: 2000, UnrealizedProfit: -60, Leverage: 10,
	})
	if !ok {
		t.Fatal("position dropped")
	}
	if p.Side != types.Short || p.Contracts != 3 || p.Notional != 6000 {
		t.Errorf("position = %+v", p)
	}
	if _, ok := positionFromWire("A", AccountPosition{Symbol: "ETHUSDT"}); ok {
		t.Error("flat position should be dropped")
	}
}

func TestKlineUnmarshalsPositionalArray(t *testing.T) {
	t.Parallel()
	raw := `[1700000000000, "100.5", "101.0", "99.9", "100.2", "1234.5", 1700000059999]`
	var k Kline
	if err := json.Unmarshal([]byte(raw), &k); err != nil {
		t.Fatal(err)
	}
	if k.OpenTime != 1700000000000 || k.Open != 100.5 || k.Close != 100.2 || k.Volume != 1234.5 {
		t.Errorf("kline = %+v", k)
	}
}

func TestStatusFromWireTerminalMapping(t *testing.T) {
	t.Parallel()
	if statusFromWire("FILLED") != types.OrderClosed {
		t.Error("FILLED must map to Closed")
	}
	if statusFromWire("CANCELED") != types.OrderCanceled {
		t.Error("CANCELED must map to Canceled")
	}
	if statusFromWire("PARTIALLY_FILLED") != types.OrderOpen {
		t.Error("PARTIALLY_FILLED must stay Open")
	}
}
