package quote

import (
	"fmt"
	"testing"
	"time"

	"venueworker/pkg/types"
)

func TestFlowTracker_NoFills(t *testing.T) {
	ft := NewFlowTracker(60*time.Second, 0.6, 120*time.Second, 3.0)

	metrics := ft.CalculateToxicity()

	if metrics.ToxicityScore != 0 {
		t.Errorf("expected toxicity score 0 with no fills, got %f", metrics.ToxicityScore)
	}

	if metrics.IsAverse {
		t.Error("expected IsAverse to be false with no fills")
	}

	multiplier := ft.GetSpreadMultiplier()
	if multiplier != 1.0 {
		t.Errorf("expected spread multiplier 1.0 with no fills, got %f", multiplier)
	}
}

func TestFlowTracker_DirectionalImbalance(t *testing.T) {
	ft := NewFlowTracker(60*time.Second, 0.6, 120*time.Second, 3.0)

	// Add 5 consecutive buy fills
	now := time.Now()
	for i := 0; i < 5; i++ {
		ft.AddFill(Fill{
			Timestamp: now.Add(time.Duration(i) * time.Second),
			Side:      types.Buy,
			Price:     100,
			Size:      10.0,
			TradeID:   fmt.Sprintf("t%d", i),
		})
	}

	metrics := ft.CalculateToxicity()

	// 100% of fills are buys, so directional imbalance should be 1.0
	if metrics.DirectionalImbalance != 1.0 {
		t.Errorf("expected directional imbalance 1.0, got %f", metrics.DirectionalImbalance)
	}

	// Toxicity score should be >0.6 (threshold)
	if metrics.ToxicityScore <= 0.6 {
		t.Errorf("expected toxicity score >0.6 with 100%% imbalance, got %f", metrics.ToxicityScore)
	}

	if !metrics.IsAverse {
		t.Error("expected IsAverse to be true with 100% directional imbalance")
	}
}

func TestFlowTracker_BalancedFills(t *testing.T) {
	ft := NewFlowTracker(60*time.Second, 0.6, 120*time.Second, 3.0)

	// Add alternating buy/sell fills
	now := time.Now()
	for i := 0; i < 10; i++ {
		side := types.Buy
		if i%2 == 1 {
			side = types.Sell
		}
		ft.AddFill(Fill{
			Timestamp: now.Add(time.Duration(i) * time.Second),
			Side:      side,
			Price:     100,
			Size:      10.0,
			TradeID:   fmt.Sprintf("t%d", i),
		})
	}

	metrics := ft.CalculateToxicity()

	// 50/50 split: directional imbalance is 0.5
	if metrics.DirectionalImbalance != 0.5 {
		t.Errorf("expected directional imbalance 0.5, got %f", metrics.DirectionalImbalance)
	}
}

func TestFlowTracker_SpreadMultiplierWidensWhenToxic(t *testing.T) {
	ft := NewFlowTracker(60*time.Second, 0.6, 120*time.Second, 3.0)

	now := time.Now()
	for i := 0; i < 10; i++ {
		ft.AddFill(Fill{
			Timestamp: now.Add(time.Duration(i) * time.Second),
			Side:      types.Sell,
			Price:     100,
			Size:      10.0,
			TradeID:   fmt.Sprintf("t%d", i),
		})
	}

	multiplier := ft.GetSpreadMultiplier()
	if multiplier <= 1.0 {
		t.Errorf("expected spread multiplier > 1.0 under one-way flow, got %f", multiplier)
	}
	if multiplier > 3.0 {
		t.Errorf("expected spread multiplier capped at 3.0, got %f", multiplier)
	}
}

func TestFlowTracker_EvictsStaleFills(t *testing.T) {
	ft := NewFlowTracker(50*time.Millisecond, 0.6, 10*time.Millisecond, 3.0)

	ft.AddFill(Fill{Timestamp: time.Now(), Side: types.Buy, Price: 100, Size: 1, TradeID: "old"})
	time.Sleep(80 * time.Millisecond)
	ft.CalculateToxicity()

	if got := ft.GetFillCount(); got != 0 {
		t.Errorf("fill count after window = %d, want 0", got)
	}
}
