package chase

import (
	"math"
	"testing"

	"venueworker/pkg/types"
)

func TestTargetPriceStalkBuy(t *testing.T) {
	t.Parallel()
	opts := Opts{Side: types.Buy, Distance: 0.5, Stalk: true, Min: 0, Max: 1000, Infinite: false}
	target := TargetPrice(opts, 99.0, 100.0, 0.01)
	want := 100.0 - 0.005*100.0
	if math.Abs(target-want) > 0.01 {
		t.Errorf("target = %v, want ≈%v", target, want)
	}
}

func TestTargetPriceTracksAskTicks(t *testing.T) {
	t.Parallel()
	opts := Opts{Side: types.Buy, Distance: 0.5, Stalk: true, Min: 0, Max: 1000, Infinite: false}

	target := TargetPrice(opts, 99.90, 100.00, 0.01)
	if math.Abs(target-99.50) > 0.01 {
		t.Errorf("initial target = %v, want 99.50", target)
	}

	target = TargetPrice(opts, 100.10, 100.20, 0.01)
	if math.Abs(target-99.70) > 0.01 {
		t.Errorf("target after ask tick = %v, want 99.70", target)
	}
}

func TestTargetPriceAtTouchSell(t *testing.T) {
	t.Parallel()
	opts := Opts{Side: types.Sell, Stalk: false, Min: 0, Max: 1000}
	target := TargetPrice(opts, 99.0, 100.0, 0.01)
	if math.Abs(target-99.01) > 0.001 {
		t.Errorf("target = %v, want 99.01", target)
	}
}

func TestTargetPriceClampsToBand(t *testing.T) {
	t.Parallel()
	opts := Opts{Side: types.Buy, Stalk: false, Min: 50, Max: 60, Infinite: false}
	target := TargetPrice(opts, 99.0, 100.0, 0.01)
	if target != 60 {
		t.Errorf("target = %v, want clamped to max 60", target)
	}
}

func TestTargetPriceInfiniteSkipsClamp(t *testing.T) {
	t.Parallel()
	opts := Opts{Side: types.Buy, Stalk: false, Min: 50, Max: 60, Infinite: true}
	target := TargetPrice(opts, 99.0, 100.0, 0.01)
	if target == 60 {
		t.Error("infinite=true should not clamp to max")
	}
}

func TestInstanceReplaceLifecycle(t *testing.T) {
	t.Parallel()
	opts := Opts{Side: types.Buy, Distance: 0.5, Stalk: true, Min: 0, Max: 1000}
	inst := NewInstance("c1", "acct-1", opts, 0.01)

	target := inst.Target(99.90, 100.00)
	if !inst.NeedsReplace(target) {
		t.Fatal("fresh instance should need a replace")
	}

	inst.BeginPlace()
	if inst.NeedsReplace(target) {
		t.Error("should not need replace while a place is in flight")
	}
	inst.CompletePlace("order-1", target)

	if inst.NeedsReplace(target) {
		t.Error("should not need replace once order matches target")
	}

	newTarget := inst.Target(100.10, 100.20)
	if !inst.NeedsReplace(newTarget) {
		t.Error("should need replace once ticker moves target")
	}

	if !inst.MatchesOrder("order-1") {
		t.Error("MatchesOrder should recognize the resting order id")
	}
	if inst.MatchesOrder("order-2") {
		t.Error("MatchesOrder should reject a foreign order id")
	}

	inst.Stop()
	if inst.IsActive() {
		t.Error("instance should be inactive after Stop")
	}
	if inst.NeedsReplace(newTarget) {
		t.Error("stopped instance should never need a replace")
	}
}
