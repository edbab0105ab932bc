package twap

import (
	"math"
	"math/rand"
	"testing"

	"venueworker/pkg/types"
)

func TestLotPlanSumsToAmount(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(1))
	lots := LotPlan(10, 4, 0.1, 0.01, rng)
	if len(lots) != 4 {
		t.Fatalf("len(lots) = %d, want 4", len(lots))
	}
	var sum float64
	for _, l := range lots {
		sum += l
	}
	if math.Abs(sum-10) > 0.02 {
		t.Errorf("sum = %v, want ≈10", sum)
	}
}

func TestLotPlanDeviationBoundedExceptLast(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(2))
	const lotsCount = 6
	const amount = 30.0
	const randomness = 0.1
	lots := LotPlan(amount, lotsCount, randomness, 0.001, rng)
	mean := amount / lotsCount
	for i, l := range lots[:len(lots)-1] {
		dev := math.Abs(l - mean)
		if dev > mean*randomness+0.01 {
			t.Errorf("lot[%d] = %v deviates from mean %v by more than randomness allows", i, l, mean)
		}
	}
}

func TestLotPlanOddCountHasResidual(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(3))
	lots := LotPlan(9, 3, 0, 0.01, rng)
	if len(lots) != 3 {
		t.Fatalf("len(lots) = %d, want 3", len(lots))
	}
	// randomness=0 means pairs are exactly mean; only the last lot
	// absorbs rounding residue.
	if math.Abs(lots[0]-3) > 0.01 || math.Abs(lots[1]-3) > 0.01 {
		t.Errorf("lots = %v, want first two ≈3", lots)
	}
}

func TestInstanceExecutionLifecycle(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(4))
	opts := Opts{Symbol: "BTC-USD", Side: types.Buy, Amount: 4, DurationMin: 1, LotsCount: 4, Randomness: 0}
	inst := NewInstance("t1", "acct-1", opts, 0.01, rng)

	if !inst.IsRunning() {
		t.Fatal("new instance should be Running")
	}
	if inst.IsDone() {
		t.Fatal("new instance should not be done")
	}

	for i := 0; i < 4; i++ {
		if inst.IsDone() {
			t.Fatalf("instance done early at lot %d", i)
		}
		size := inst.CurrentLotSize()
		if size <= 0 {
			t.Fatalf("lot %d size = %v, want > 0", i, size)
		}
		inst.RecordLotSent()
	}

	if !inst.IsDone() {
		t.Fatal("instance should be done after all lots sent")
	}
	state := inst.State()
	if state.LotsExecuted != 4 {
		t.Errorf("lotsExecuted = %d, want 4", state.LotsExecuted)
	}
	if math.Abs(state.AmountExecuted-4) > 0.05 {
		t.Errorf("amountExecuted = %v, want ≈4", state.AmountExecuted)
	}
}

func TestPauseInProfitSkipsWithoutDecrementing(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(5))
	opts := Opts{
		Symbol: "BTC-USD", Side: types.Buy, Amount: 4, DurationMin: 1, LotsCount: 4,
		PauseInProfit: true, ReduceOnly: false,
	}
	inst := NewInstance("t2", "acct-1", opts, 0.01, rng)

	before := inst.State().LotsExecuted
	if !inst.ShouldSkipForProfit(true, 1.5) {
		t.Fatal("expected skip when in profit")
	}
	after := inst.State().LotsExecuted
	if before != after {
		t.Errorf("lotsExecuted changed on skip check alone: %d -> %d", before, after)
	}

	// reduceOnly=true must never skip regardless of profit.
	inst2 := NewInstance("t3", "acct-1", Opts{
		Amount: 4, LotsCount: 4, PauseInProfit: true, ReduceOnly: true,
	}, 0.01, rng)
	if inst2.ShouldSkipForProfit(true, 1.5) {
		t.Error("reduceOnly=true should never skip for profit")
	}
}

func TestNextDelayWithinJitterBand(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(6))
	opts := Opts{Amount: 10, DurationMin: 2, LotsCount: 4, Randomness: 0.1}
	inst := NewInstance("t4", "acct-1", opts, 0.01, rng)

	wantMs := 2.0 * 60 * 1000 / 4 // 30_000ms
	for i := 0; i < 20; i++ {
		d := inst.NextDelay()
		ms := float64(d.Milliseconds())
		if ms < wantMs*0.9-1 || ms > wantMs*1.1+1 {
			t.Errorf("NextDelay() = %vms, want within ±10%% of %vms", ms, wantMs)
		}
	}
}
