// Package chase implements the chase engine: a single
// resting post-only order that tracks the best-of-book until filled,
// canceled, or the price escapes its band.
package chase

import (
	"math"
	"sync"

	"venueworker/pkg/types"
)

// Opts mirrors ChaseOpts.
type Opts struct {
	Symbol     string
	Side       types.OrderSide
	Amount     float64
	Min        float64
	Max        float64
	Distance   float64 // percent of price
	ReduceOnly bool
	Stalk      bool
	Infinite   bool
}

// TargetPrice computes the desired resting price: the
// reference is ask for Buy / bid for Sell; stalk quotes behind the touch
// by distance%, otherwise at the touch by one price tick; the result is
// clamped to [min, max] unless infinite=true.
func TargetPrice(opts Opts, bid, ask, priceTick float64) float64 {
	ref := bid
	if opts.Side == types.Buy {
		ref = ask
	}

	var target float64
	if opts.Stalk {
		delta := (opts.Distance / 100) * ref
		if opts.Side == types.Buy {
			target = ref - delta
		} else {
			target = ref + delta
		}
	} else {
		if opts.Side == types.Buy {
			target = ref - priceTick
		} else {
			target = ref + priceTick
		}
	}

	target = roundToTick(target, priceTick)

	if !opts.Infinite {
		target = clamp(target, opts.Min, opts.Max)
	}
	return target
}

func roundToTick(v, tick float64) float64 {
	if tick <= 0 {
		return v
	}
	return math.Round(v/tick) * tick
}

func clamp(v, lo, hi float64) float64 {
	if lo > hi {
		return v
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Instance is one running chase execution: exactly one open order at a
// time, tracked against the current ticker. The worker's task loop
// snapshots State and matches fills while the instance's own goroutine
// replaces orders, so the mutable fields are mutex-guarded.
type Instance struct {
	id        string
	accountID types.AccountID
	opts      Opts
	priceTick float64

	mu         sync.Mutex
	orderID    string
	orderPrice float64
	placing    bool
	active     bool
}

// NewInstance builds an active Instance. priceTick is the market's price
// tick (e.g. 0.01).
func NewInstance(id string, accountID types.AccountID, opts Opts, priceTick float64) *Instance {
	return &Instance{id: id, accountID: accountID, opts: opts, priceTick: priceTick, active: true}
}

// State returns the store mirror of this instance.
func (c *Instance) State() types.ChaseState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.ChaseState{
		ID:        c.id,
		AccountID: c.accountID,
		Side:      c.opts.Side,
		Symbol:    c.opts.Symbol,
		Max:       c.opts.Max,
		Min:       c.opts.Min,
		Amount:    c.opts.Amount,
		Price:     c.orderPrice,
		Stalk:     c.opts.Stalk,
	}
}

// Target recomputes the desired price from the current best bid/ask.
func (c *Instance) Target(bid, ask float64) float64 {
	return TargetPrice(c.opts, bid, ask, c.priceTick)
}

// NeedsReplace reports whether target differs from the resting order's
// price and no place is already in flight.
func (c *Instance) NeedsReplace(target float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active && !c.placing && target != c.orderPrice
}

func (c *Instance) IsPlacing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.placing
}

func (c *Instance) BeginPlace() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.placing = true
}

func (c *Instance) AbortPlace() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.placing = false
}

func (c *Instance) CurrentOrderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orderID
}

func (c *Instance) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// CompletePlace records a successful replace: the old resting order is
// assumed already canceled by the caller — cancels always precede place.
func (c *Instance) CompletePlace(orderID string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.placing = false
	c.orderID = orderID
	c.orderPrice = price
}

// MatchesOrder reports whether orderID is the instance's current resting
// order — used to recognize the terminal fill notification.
func (c *Instance) MatchesOrder(orderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orderID != "" && c.orderID == orderID
}

// Stop marks the instance terminal; the worker still cancels any
// surviving order id as a cascade.
func (c *Instance) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
}

func (c *Instance) Opts() Opts  { return c.opts }
func (c *Instance) ID() string  { return c.id }
