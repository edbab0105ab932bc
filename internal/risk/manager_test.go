package risk

import (
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"venueworker/internal/config"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionPerSymbol: 100,
		MaxAccountExposure:   500,
		KillSwitchDropPct:    0.10, // 10%
		KillSwitchWindowSec:  60,
		MaxDailyLoss:         50,
		CooldownAfterKill:    5 * time.Minute,
	}
}

func newTestManager() *Manager {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewManager(testRiskConfig(), logger)
}

func TestProcessReportUnderLimits(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	rm.processReport(PositionReport{
		AccountID:     "A",
		Symbol:        "BTC",
		Notional:      50,
		RealizedPnL:   0,
		UnrealizedPnL: 0,
		LastPrice:     100,
		Timestamp:     time.Now(),
	})

	if rm.killSwitchActive {
		t.Error("kill switch should not fire for report under limits")
	}

	// No signal on channel
	select {
	case sig := <-rm.killCh:
		t.Errorf("unexpected kill signal: %+v", sig)
	default:
	}
}

func TestProcessReportPerSymbolBreach(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	rm.processReport(PositionReport{
		AccountID: "A",
		Symbol:    "BTC",
		Notional:  150, // exceeds 100 limit
		LastPrice: 100,
		Timestamp: time.Now(),
	})

	if !rm.killSwitchActive {
		t.Error("kill switch should fire for per-symbol breach")
	}

	select {
	case sig := <-rm.killCh:
		if sig.Symbol != "BTC" || sig.AccountID != "A" {
			t.Errorf("kill signal = %+v, want account A symbol BTC", sig)
		}
	default:
		t.Error("expected kill signal on channel")
	}
}

func TestProcessReportAccountBreach(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	// Submit multiple symbols that together exceed the account limit
	for i := 0; i < 6; i++ {
		rm.processReport(PositionReport{
			AccountID: "A",
			Symbol:    fmt.Sprintf("SYM%d", i),
			Notional:  90,
			LastPrice: 100,
			Timestamp: time.Now(),
		})
	}

	// Total = 540 > 500 account limit
	if !rm.killSwitchActive {
		t.Error("kill switch should fire for account exposure breach")
	}

	// Drain all kill signals
	drained := 0
	for {
		select {
		case <-rm.killCh:
			drained++
		default:
			goto done
		}
	}
done:
	if drained == 0 {
		t.Error("expected at least one kill signal")
	}
}

func TestProcessReportDailyLossBreach(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	rm.processReport(PositionReport{
		AccountID:     "A",
		Symbol:        "BTC",
		Notional:      10,
		RealizedPnL:   -30,
		UnrealizedPnL: -25,
		LastPrice:     100,
		Timestamp:     time.Now(),
	})

	// total PnL = -30 + -25 = -55 < -50 threshold
	if !rm.killSwitchActive {
		t.Error("kill switch should fire for daily loss breach")
	}
}

func TestCheckPriceMovementNormal(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	now := time.Now()

	// Set anchor
	rm.processReport(PositionReport{
		AccountID: "A",
		Symbol:    "BTC",
		LastPrice: 100,
		Timestamp: now,
	})

	// Small price move within window
	rm.processReport(PositionReport{
		AccountID: "A",
		Symbol:    "BTC",
		LastPrice: 104, // 4% move, below 10% threshold
		Timestamp: now.Add(10 * time.Second),
	})

	select {
	case <-rm.killCh:
		t.Error("should not fire kill for 4% move")
	default:
	}
}

func TestCheckPriceMovementSpike(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	now := time.Now()

	// Set anchor
	rm.processReport(PositionReport{
		AccountID: "A",
		Symbol:    "BTC",
		LastPrice: 100,
		Timestamp: now,
	})

	// Large price move within window
	rm.processReport(PositionReport{
		AccountID: "A",
		Symbol:    "BTC",
		LastPrice: 70, // 30% drop, exceeds 10% threshold
		Timestamp: now.Add(10 * time.Second),
	})

	if !rm.killSwitchActive {
		t.Error("kill switch should fire for 30% price spike")
	}
}

func TestRemainingBudget(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	// No position → full budget
	remaining := rm.RemainingBudget("A", "BTC")
	if remaining != 100 { // min(per-symbol 100, account 500)
		t.Errorf("remaining = %v, want 100", remaining)
	}

	// After some exposure
	rm.processReport(PositionReport{
		AccountID: "A",
		Symbol:    "BTC",
		Notional:  60,
		LastPrice: 100,
		Timestamp: time.Now(),
	})

	remaining = rm.RemainingBudget("A", "BTC")
	if remaining != 40 { // 100 - 60 per-symbol; 500 - 60 account; min = 40
		t.Errorf("remaining = %v, want 40", remaining)
	}
}

func TestRemainingBudgetAccountConstrained(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	// Fill up the account's exposure with other symbols
	for i := 0; i < 5; i++ {
		rm.processReport(PositionReport{
			AccountID: "A",
			Symbol:    fmt.Sprintf("OTHER%d", i),
			Notional:  95,
			LastPrice: 100,
			Timestamp: time.Now(),
		})
	}
	// Drain any pending kill signals (5 x 95 = 475 stays under the account limit)
	for {
		select {
		case <-rm.killCh:
		default:
			goto done
		}
	}
done:

	// Total exposure = 475. Account remaining = 500 - 475 = 25.
	// Per-symbol BTC = 100 (no position). Min(100, 25) = 25.
	remaining := rm.RemainingBudget("A", "BTC")
	if remaining != 25 {
		t.Errorf("remaining = %v, want 25 (account constrained)", remaining)
	}

	// A different account is unaffected.
	if got := rm.RemainingBudget("B", "BTC"); got != 100 {
		t.Errorf("other account remaining = %v, want 100", got)
	}
}

func TestIsKillSwitchCooldown(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	// Activate kill switch with short cooldown for testing
	rm.cfg.CooldownAfterKill = 100 * time.Millisecond
	rm.processReport(PositionReport{
		AccountID: "A",
		Symbol:    "BTC",
		Notional:  200, // exceeds per-symbol limit
		LastPrice: 100,
		Timestamp: time.Now(),
	})

	if !rm.IsKillSwitchActive() {
		t.Error("kill switch should be active immediately after breach")
	}

	// Wait for cooldown to expire
	time.Sleep(150 * time.Millisecond)

	if rm.IsKillSwitchActive() {
		t.Error("kill switch should expire after cooldown")
	}
}

func TestRemoveSymbolFreesBudget(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	now := time.Now()
	rm.processReport(PositionReport{AccountID: "A", Symbol: "BTC", Notional: 60, LastPrice: 100, Timestamp: now})
	rm.processReport(PositionReport{AccountID: "A", Symbol: "ETH", Notional: 70, LastPrice: 10, Timestamp: now})

	if got := rm.RemainingBudget("A", "SOL"); got != 100 {
		t.Fatalf("remaining before remove = %v, want 100 (per-symbol bound)", got)
	}

	rm.RemoveSymbol("A", "ETH")

	// Account exposure drops from 130 to 60.
	if got := rm.RemainingBudget("A", "BTC"); got != 40 {
		t.Fatalf("remaining after remove = %v, want 40", got)
	}
}
