// Package twap implements the TWAP engine: slicing a parent
// order into lotsCount child orders spread over a duration, with
// per-lot and inter-arrival jitter.
//
// Instance is deliberately free of any venue or transport dependency —
// the worker drives it by calling CurrentLotSize/RecordLotSent/NextDelay
// and placing the resulting order itself, keeping decision separate from
// execution.
package twap

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"venueworker/pkg/types"
)

// LotPlan computes lotsCount lot sizes summing to amount: split into
// ⌊lotsCount/2⌋ pairs and one residual; for
// each pair pick r∈[0,randomness] and emit mean·(1+r), mean·(1−r); the
// residual (if any) emits exactly mean. Each lot is rounded down to
// precision; the rounding residue is absorbed into the last lot.
func LotPlan(amount float64, lotsCount int, randomness, precision float64, rng *rand.Rand) []float64 {
	if lotsCount <= 0 {
		return nil
	}
	mean := amount / float64(lotsCount)
	lots := make([]float64, 0, lotsCount)

	pairs := lotsCount / 2
	for i := 0; i < pairs; i++ {
		r := rng.Float64() * randomness
		lots = append(lots, mean*(1+r), mean*(1-r))
	}
	if lotsCount%2 == 1 {
		lots = append(lots, mean)
	}

	sum := 0.0
	for i, lot := range lots {
		rounded := roundDownToPrecision(lot, precision)
		lots[i] = rounded
		sum += rounded
	}
	if n := len(lots); n > 0 {
		residue := amount - sum
		adjusted := roundDownToPrecision(lots[n-1]+residue, precision)
		if adjusted < 0 {
			adjusted = 0
		}
		lots[n-1] = adjusted
	}
	return lots
}

func roundDownToPrecision(v, precision float64) float64 {
	if precision <= 0 {
		return v
	}
	return math.Floor(v/precision) * precision
}

// Opts mirrors TWAPOpts.
type Opts struct {
	Symbol        string
	Side          types.OrderSide
	Amount        float64
	DurationMin   float64
	LotsCount     int
	Randomness    float64
	ReduceOnly    bool
	LimitOrders   bool
	PauseInProfit bool
}

// Instance is one running TWAP execution. The worker's task loop snapshots
// State while the instance's own timer goroutine advances execution, so the
// mutable fields are mutex-guarded.
type Instance struct {
	id        string
	accountID types.AccountID
	opts      Opts
	lots      []float64

	mu             sync.Mutex
	lotsExecuted   int
	amountExecuted float64
	status         types.TWAPStatus

	intervalMs float64
	rng        *rand.Rand
}

// NewInstance builds an Instance with its lot plan precomputed.
// precision is the market's amount tick (e.g. 0.01).
func NewInstance(id string, accountID types.AccountID, opts Opts, precision float64, rng *rand.Rand) *Instance {
	interval := 0.0
	if opts.LotsCount > 0 {
		interval = opts.DurationMin * 60 * 1000 / float64(opts.LotsCount)
	}
	return &Instance{
		id:         id,
		accountID:  accountID,
		opts:       opts,
		lots:       LotPlan(opts.Amount, opts.LotsCount, opts.Randomness, precision, rng),
		status:     types.TWAPRunning,
		intervalMs: interval,
		rng:        rng,
	}
}

// State returns the store mirror of this instance.
func (i *Instance) State() types.TWAPState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return types.TWAPState{
		ID:             i.id,
		AccountID:      i.accountID,
		Symbol:         i.opts.Symbol,
		Amount:         i.opts.Amount,
		AmountExecuted: i.amountExecuted,
		Lots:           append([]float64(nil), i.lots...),
		Side:           i.opts.Side,
		Status:         i.status,
		LotsCount:      i.opts.LotsCount,
		LotsExecuted:   i.lotsExecuted,
	}
}

func (i *Instance) Pause() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = types.TWAPPaused
}

func (i *Instance) Resume() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = types.TWAPRunning
}

func (i *Instance) IsRunning() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status == types.TWAPRunning
}

func (i *Instance) IsDone() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lotsExecuted >= len(i.lots)
}

// NextDelay returns the jittered delay to the next fire: Δ·(1+r) for
// r∈[−randomness, randomness].
func (i *Instance) NextDelay() time.Duration {
	r := (i.rng.Float64()*2 - 1) * i.opts.Randomness
	ms := i.intervalMs * (1 + r)
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// CurrentLotSize is the size of the next lot to submit, or 0 if done.
func (i *Instance) CurrentLotSize() float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.lotsExecuted >= len(i.lots) {
		return 0
	}
	return i.lots[i.lotsExecuted]
}

// OrderKind reports Limit or Market per opts.LimitOrders.
func (i *Instance) OrderKind() types.OrderKind {
	if i.opts.LimitOrders {
		return types.KindLimit
	}
	return types.KindMarket
}

// ShouldSkipForProfit implements pauseInProfit semantics: skip
// this lot — without decrementing remaining lots — when reduceOnly=false,
// pauseInProfit=true, and the account holds a profitable position on
// (symbol, side).
func (i *Instance) ShouldSkipForProfit(havePosition bool, positionUPnL float64) bool {
	return !i.opts.ReduceOnly && i.opts.PauseInProfit && havePosition && positionUPnL > 0
}

// RecordLotSent advances execution bookkeeping after a (non-skipped) lot
// is submitted.
func (i *Instance) RecordLotSent() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.lotsExecuted < len(i.lots) {
		i.amountExecuted += i.lots[i.lotsExecuted]
	}
	i.lotsExecuted++
}

// RecordLotFailed advances past a lot whose placement failed — the lot is
// skipped, not retried, so executed amount stays unchanged.
func (i *Instance) RecordLotFailed() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lotsExecuted++
}

func (i *Instance) Opts() Opts                   { return i.opts }
func (i *Instance) ID() string                   { return i.id }
func (i *Instance) AccountID() types.AccountID   { return i.accountID }
