package polymarket

import (
	"testing"

	"venueworker/pkg/types"
)

func TestTickSizeFromFloat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   float64
		want TickSize
	}{
		{0.1, Tick01},
		{0.01, Tick001},
		{0.001, Tick0001},
		{0.0001, Tick00001},
	}
	for _, tt := range tests {
		if got := tickSizeFromFloat(tt.in); got != tt.want {
			t.Errorf("tickSizeFromFloat(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSplitTokenIDs(t *testing.T) {
	t.Parallel()
	yes, no := splitTokenIDs(`["111","222"]`)
	if yes != "111" || no != "222" {
		t.Errorf("splitTokenIDs = (%q, %q), want (111, 222)", yes, no)
	}

	yes, no = splitTokenIDs("not-json")
	if yes != "" || no != "" {
		t.Errorf("splitTokenIDs on bad input should return empty strings, got (%q, %q)", yes, no)
	}
}

func TestOrderSideFromWireRoundTrips(t *testing.T) {
	t.Parallel()
	if orderSideFromWire(string(BUY)) != types.Buy {
		t.Error("BUY should map to types.Buy")
	}
	if orderSideFromWire(string(SELL)) != types.Sell {
		t.Error("SELL should map to types.Sell")
	}
	if sideToWire(types.Sell) != SELL {
		t.Error("types.Sell should map to SELL")
	}
	if sideToWire(types.Buy) != BUY {
		t.Error("types.Buy should map to BUY")
	}
}

func TestOrderFromWSEventMarksCancellation(t *testing.T) {
	t.Parallel()
	order := orderFromWSEvent("acct-1", WSOrderEvent{
		ID:           "o1",
		Market:       "cond-1",
		Side:         string(BUY),
		Price:        "0.5",
		OriginalSize: "10",
		SizeMatched:  "0",
		Type:         "CANCELLATION",
	})
	if order.Status != types.OrderCanceled {
		t.Errorf("status = %v, want OrderCanceled", order.Status)
	}
	if !order.Status.IsTerminal() {
		t.Error("canceled order should be terminal")
	}
}

func TestOrderFromWSEventMarksFullFillClosed(t *testing.T) {
	t.Parallel()
	order := orderFromWSEvent("acct-1", WSOrderEvent{
		ID:           "o1",
		Side:         string(SELL),
		Price:        "0.5",
		OriginalSize: "10",
		SizeMatched:  "10",
		Type:         "UPDATE",
	})
	if order.Status != types.OrderClosed {
		t.Errorf("status = %v, want OrderClosed", order.Status)
	}
	if order.Remaining != 0 {
		t.Errorf("remaining = %v, want 0", order.Remaining)
	}
}
