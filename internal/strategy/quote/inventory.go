package quote

import (
	"math"
	"sync"
	"time"

	"venueworker/pkg/types"
)

// Position represents current holdings on a single symbol: signed quantity
// (positive long, negative short), volume-weighted entry, and PnL.
type Position struct {
	Qty           float64   `json:"qty"`
	AvgEntry      float64   `json:"avgEntry"`
	RealizedPnL   float64   `json:"realizedPnl"`
	UnrealizedPnL float64   `json:"unrealizedPnl"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

// Fill records a single execution.
type Fill struct {
	Timestamp time.Time       `json:"timestamp"`
	Side      types.OrderSide `json:"side"`
	Price     float64         `json:"price"`
	Size      float64         `json:"size"`
	TradeID   string          `json:"tradeId"`
}

// Inventory tracks the position for one symbol. Thread-safe via RWMutex.
// It handles fill processing, PnL tracking, and provides inventory skew
// (NetDelta) that drives the Avellaneda-Stoikov reservation price
// adjustment.
type Inventory struct {
	mu     sync.RWMutex
	symbol string
	// maxQty normalizes NetDelta: a position of ±maxQty reads as ±1 skew.
	maxQty float64
	pos    Position
}

// NewInventory creates inventory tracking for a symbol. maxQty bounds the
// skew normalization; zero or negative falls back to 1.
func NewInventory(symbol string, maxQty float64) *Inventory {
	if maxQty <= 0 {
		maxQty = 1
	}
	return &Inventory{symbol: symbol, maxQty: maxQty}
}

// OnFill processes a fill event. Buys increase the signed quantity, sells
// decrease it; crossing through or reducing toward zero realizes PnL
// against the volume-weighted entry.
func (inv *Inventory) OnFill(fill Fill) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	signed := fill.Size
	if fill.Side == types.Sell {
		signed = -fill.Size
	}

	switch {
	case inv.pos.Qty == 0 || sameSign(inv.pos.Qty, signed):
		// Extending (or opening) the position: re-average entry.
		totalCost := inv.pos.AvgEntry*math.Abs(inv.pos.Qty) + fill.Price*fill.Size
		inv.pos.Qty += signed
		if inv.pos.Qty != 0 {
			inv.pos.AvgEntry = totalCost / math.Abs(inv.pos.Qty)
		}
	default:
		// Reducing: realize PnL on the closed portion.
		closed := math.Min(fill.Size, math.Abs(inv.pos.Qty))
		direction := 1.0
		if inv.pos.Qty < 0 {
			direction = -1
		}
		inv.pos.RealizedPnL += (fill.Price - inv.pos.AvgEntry) * closed * direction
		inv.pos.Qty += signed
		if inv.pos.Qty == 0 {
			inv.pos.AvgEntry = 0
		} else if !sameSign(inv.pos.Qty, -signed) {
			// Flipped through zero: the remainder opens at the fill price.
			inv.pos.AvgEntry = fill.Price
		}
	}

	inv.pos.LastUpdated = time.Now()
}

func sameSign(a, b float64) bool {
	return (a >= 0 && b >= 0) || (a <= 0 && b <= 0)
}

// Snapshot returns a copy of the current position.
func (inv *Inventory) Snapshot() Position {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.pos
}

// NetDelta returns inventory skew in [-1, 1]: +1 fully long, -1 fully
// short at the configured maximum. This is the "q" parameter in the
// Avellaneda-Stoikov model that skews quotes to reduce directional
// exposure.
func (inv *Inventory) NetDelta() float64 {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	delta := inv.pos.Qty / inv.maxQty
	if delta > 1 {
		return 1
	}
	if delta < -1 {
		return -1
	}
	return delta
}

// Notional returns the absolute position value at the given price.
func (inv *Inventory) Notional(price float64) float64 {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return math.Abs(inv.pos.Qty) * price
}

// UpdateMarkToMarket recalculates unrealized PnL at the given price.
func (inv *Inventory) UpdateMarkToMarket(price float64) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.pos.UnrealizedPnL = inv.pos.Qty * (price - inv.pos.AvgEntry)
	if inv.pos.Qty == 0 {
		inv.pos.UnrealizedPnL = 0
	}
}
