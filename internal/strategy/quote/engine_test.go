package quote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"venueworker/internal/config"
	"venueworker/internal/risk"
	"venueworker/internal/venue"
	"venueworker/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testQuoteConfig() config.QuoteConfig {
	return config.QuoteConfig{
		Gamma:                   0.5,
		Sigma:                   0.05,
		K:                       1.5,
		T:                       1.0,
		DefaultSpreadBps:        20,
		OrderSize:               1,
		RefreshInterval:         10 * time.Millisecond,
		FlowWindow:              time.Minute,
		FlowToxicityThreshold:   0.6,
		FlowCooldownPeriod:      time.Minute,
		FlowMaxSpreadMultiplier: 3,
	}
}

func testRiskManager() *risk.Manager {
	return risk.NewManager(config.RiskConfig{
		MaxPositionPerSymbol: 1e6,
		MaxAccountExposure:   1e6,
		MaxDailyLoss:         1e6,
		KillSwitchDropPct:    1,
		KillSwitchWindowSec:  60,
		CooldownAfterKill:    time.Minute,
	}, discardLogger())
}

// fakeExecutor is a scriptable Executor.
type fakeExecutor struct {
	mu       sync.Mutex
	ticker   types.Ticker
	market   types.Market
	fills    []types.Notification
	placed   [][]venue.OrderRequest
	canceled [][]string
	nextID   int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		ticker: types.Ticker{Symbol: "BTC", Last: 100, Bid: 99.9, Ask: 100.1},
		market: types.Market{
			Symbol:    "BTC",
			Precision: types.Precision{Price: 0.1, Amount: 0.01},
			Limits:    types.Limits{Amount: types.AmountLimits{Min: 0.01}},
		},
	}
}

func (f *fakeExecutor) PlaceStrategyOrders(ctx context.Context, accountID types.AccountID, orders []venue.OrderRequest, priority bool) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, orders)
	ids := make([]string, len(orders))
	for i := range orders {
		f.nextID++
		ids[i] = fmt.Sprintf("q-%d", f.nextID)
	}
	return ids, nil
}

func (f *fakeExecutor) CancelStrategyOrders(ctx context.Context, accountID types.AccountID, ids []string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, ids)
	return ids
}

func (f *fakeExecutor) TickerSnapshot(string) types.Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticker
}

func (f *fakeExecutor) MarketSnapshot(string) types.Market { return f.market }

func (f *fakeExecutor) FillsSnapshot(types.AccountID) []types.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Notification(nil), f.fills...)
}

func TestComputeQuotesStraddleAndSkew(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor()
	e := NewEngine(testQuoteConfig(), "A", "BTC", exec, testRiskManager(), discardLogger())

	bid, ask := e.computeQuotes(100, 1e6)
	if bid == nil || ask == nil {
		t.Fatal("expected both quotes")
	}
	if bid.Price >= ask.Price {
		t.Errorf("bid %v must be below ask %v", bid.Price, ask.Price)
	}
	if !bid.PostOnly || !ask.PostOnly {
		t.Error("quotes must be post-only")
	}
	flatMid := (bid.Price + ask.Price) / 2

	// Long inventory skews the reservation price down.
	e.inventory.OnFill(fill(types.Buy, 100, 5))
	bid2, ask2 := e.computeQuotes(100, 1e6)
	if bid2 == nil || ask2 == nil {
		t.Fatal("expected both quotes")
	}
	longMid := (bid2.Price + ask2.Price) / 2
	if longMid >= flatMid {
		t.Errorf("long inventory should lower the quote mid: flat %v, long %v", flatMid, longMid)
	}
}

func TestReconcileKeepsMatchingOrders(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor()
	e := NewEngine(testQuoteConfig(), "A", "BTC", exec, testRiskManager(), discardLogger())
	ctx := context.Background()

	e.quoteUpdate(ctx)
	exec.mu.Lock()
	placedRounds := len(exec.placed)
	exec.mu.Unlock()
	if placedRounds != 1 {
		t.Fatalf("first tick placed %d rounds, want 1", placedRounds)
	}
	if len(e.activeOrders) != 2 {
		t.Fatalf("active orders = %d, want 2", len(e.activeOrders))
	}

	// Second tick with unchanged price: quotes match, nothing placed or
	// cancelled.
	e.quoteUpdate(ctx)
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.placed) != 1 {
		t.Errorf("unchanged quotes re-placed: %d rounds", len(exec.placed))
	}
	if len(exec.canceled) != 0 {
		t.Errorf("unchanged quotes cancelled: %v", exec.canceled)
	}
}

func TestReconcileReplacesOnPriceMove(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor()
	e := NewEngine(testQuoteConfig(), "A", "BTC", exec, testRiskManager(), discardLogger())
	ctx := context.Background()

	e.quoteUpdate(ctx)

	exec.mu.Lock()
	exec.ticker.Last = 110
	exec.mu.Unlock()

	e.quoteUpdate(ctx)
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.canceled) == 0 {
		t.Error("stale quotes were not cancelled after a price move")
	}
	if len(exec.placed) != 2 {
		t.Errorf("placed rounds = %d, want 2", len(exec.placed))
	}
}

func TestConsumeFillsUpdatesInventory(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor()
	e := NewEngine(testQuoteConfig(), "A", "BTC", exec, testRiskManager(), discardLogger())
	ctx := context.Background()

	e.quoteUpdate(ctx)

	// Find the resting bid's id and report a fill on it.
	var bidID string
	for id, o := range e.activeOrders {
		if o.side == types.Buy {
			bidID = id
		}
	}
	if bidID == "" {
		t.Fatal("no resting bid")
	}
	exec.mu.Lock()
	exec.fills = append(exec.fills, types.Notification{
		ID: "n1", Type: "order_fill",
		Data: types.NotificationData{ID: bidID, Side: types.Buy, Amount: 1, Symbol: "BTC", Price: "99.8"},
	})
	exec.mu.Unlock()

	e.consumeFills()
	if got := e.inventory.Snapshot().Qty; got != 1 {
		t.Errorf("inventory qty = %v, want 1", got)
	}

	// Replaying the same stream must not double-count.
	e.consumeFills()
	if got := e.inventory.Snapshot().Qty; got != 1 {
		t.Errorf("inventory qty after replay = %v, want 1", got)
	}
}
