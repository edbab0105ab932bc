package worker

import (
	"testing"
	"time"

	"venueworker/pkg/types"
)

// pollUntil re-checks cond on a short interval until it holds or the
// deadline passes. Used for strategy goroutines that advance on their own
// timers rather than on command responses.
func pollUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// drainEvents keeps the worker's outbound channel from filling while a
// test only inspects the store.
func drainEvents(t *testing.T, w *Worker) {
	t.Helper()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case <-w.Events():
			case <-done:
				return
			}
		}
	}()
}

func TestTWAPExecutesAllLotsAndRemovesItself(t *testing.T) {
	t.Parallel()
	fv := newFakeVenue()
	w := New(fv, discardLogger(), nil)
	startRunning(t, w)
	addAccount(t, w, "A")
	drainEvents(t, w)

	w.Send(Command{Kind: CmdStartTWAP, RequestID: "t1", AccountID: "A", TWAPID: "tw", TWAP: types.TWAPOpts{
		Symbol:    "BTC",
		Side:      types.Buy,
		Amount:    10,
		LotsCount: 4,
		// duration 0 => lots fire back to back; the pipeline still paces.
	}})

	pollUntil(t, 3*time.Second, func() bool {
		fv.mu.Lock()
		defer fv.mu.Unlock()
		return len(fv.placed) >= 4
	})

	fv.mu.Lock()
	total := 0.0
	for _, chunk := range fv.placed {
		for _, o := range chunk {
			if o.Type != types.KindMarket {
				t.Errorf("lot order type = %s, want Market", o.Type)
			}
			total += o.Amount
		}
	}
	fv.mu.Unlock()
	if total < 9.99 || total > 10.01 {
		t.Errorf("total submitted = %v, want 10", total)
	}

	// Completed instance removes its state mirror.
	pollUntil(t, 2*time.Second, func() bool {
		var states []types.TWAPState
		w.Store().Decode("fake.private.A.twaps", &states)
		return len(states) == 0
	})
}

func TestTWAPPauseHoldsRemainingLots(t *testing.T) {
	t.Parallel()
	fv := newFakeVenue()
	w := New(fv, discardLogger(), nil)
	startRunning(t, w)
	addAccount(t, w, "A")
	drainEvents(t, w)

	// Long duration so no lot fires on its own during the test.
	w.Send(Command{Kind: CmdStartTWAP, AccountID: "A", TWAPID: "tw", TWAP: types.TWAPOpts{
		Symbol: "BTC", Side: types.Buy, Amount: 10, LotsCount: 4, DurationMin: 60,
	}})

	pollUntil(t, 2*time.Second, func() bool {
		var states []types.TWAPState
		w.Store().Decode("fake.private.A.twaps", &states)
		return len(states) == 1
	})

	w.Send(Command{Kind: CmdPauseTWAP, TWAPID: "tw"})
	pollUntil(t, 2*time.Second, func() bool {
		var states []types.TWAPState
		w.Store().Decode("fake.private.A.twaps", &states)
		return len(states) == 1 && states[0].Status == types.TWAPPaused
	})

	// Resume re-fires immediately: the first lot goes out well before the
	// 15-minute schedule would have fired it.
	w.Send(Command{Kind: CmdResumeTWAP, TWAPID: "tw"})
	pollUntil(t, 3*time.Second, func() bool {
		fv.mu.Lock()
		defer fv.mu.Unlock()
		return len(fv.placed) >= 1
	})

	w.Send(Command{Kind: CmdStopTWAP, TWAPID: "tw"})
	pollUntil(t, 2*time.Second, func() bool {
		var states []types.TWAPState
		w.Store().Decode("fake.private.A.twaps", &states)
		return len(states) == 0
	})
}

func TestChaseTracksTouchAndStopsOnFill(t *testing.T) {
	t.Parallel()
	fv := newFakeVenue()
	w := New(fv, discardLogger(), nil)
	startRunning(t, w)
	addAccount(t, w, "A")
	drainEvents(t, w)

	w.Send(Command{Kind: CmdStartChase, AccountID: "A", ChaseID: "ch", Chase: types.ChaseOpts{
		Symbol: "BTC", Side: types.Buy, Amount: 1, Min: 0, Max: 1000, Infinite: true,
	}})

	// Initial ticker: ask=101, price tick 0.5 => target 100.5.
	pollUntil(t, 2*time.Second, func() bool {
		var states []types.ChaseState
		w.Store().Decode("fake.private.A.chases", &states)
		return len(states) == 1 && states[0].Price == 100.5
	})

	fv.mu.Lock()
	if len(fv.placed) != 1 || !fv.placed[0][0].PostOnly {
		t.Fatalf("expected one post-only placement, got %+v", fv.placed)
	}
	fv.mu.Unlock()

	// Ask ticks up: the chase cancels and replaces at the new target.
	done := make(chan struct{})
	w.post(func() {
		w.applyTicker(types.Ticker{Symbol: "BTC", Bid: 104, Ask: 106, Last: 105})
		close(done)
	})
	<-done

	pollUntil(t, 2*time.Second, func() bool {
		var states []types.ChaseState
		w.Store().Decode("fake.private.A.chases", &states)
		return len(states) == 1 && states[0].Price == 105.5
	})
	fv.mu.Lock()
	if len(fv.canceled) < 1 {
		t.Error("previous resting order was not canceled before the replace")
	}
	var lastOrderID string
	fv.mu.Unlock()

	var orders []types.Order
	w.Store().Decode("fake.private.A.orders", &orders)
	for _, o := range orders {
		if o.ParentID == "ch" && o.Status == types.OrderOpen && o.Price == 105.5 {
			lastOrderID = o.ID
		}
	}
	if lastOrderID == "" {
		t.Fatal("no open chase order at the new target recorded in the shard")
	}

	// A fill on the chase's order stops the instance and removes its state.
	cb := fv.fillCallbacks("A")
	cb.OnFill(types.Notification{ID: "n1", Type: "order_fill", Data: types.NotificationData{
		ID: lastOrderID, Side: types.Buy, Amount: 1, Symbol: "BTC", Price: "105.5",
	}})

	pollUntil(t, 2*time.Second, func() bool {
		var states []types.ChaseState
		w.Store().Decode("fake.private.A.chases", &states)
		return len(states) == 0
	})
}
