// Package quote implements a continuous two-sided quoting engine built on
// the Avellaneda-Stoikov model, generalized to the unified long/short
// position model so any venue worker can run it.
//
// The core idea: post a bid below and an ask above a "reservation price"
// that accounts for inventory risk. When long, it lowers quotes to attract
// sellers; when short, it raises quotes to attract buyers.
//
// Per-tick flow (every RefreshInterval):
//  1. Check risk limits and kill-switch state.
//  2. Compute reservation price:  r = last - q * γ * σ² * T * last
//  3. Compute optimal spread:     δ = (γ * σ² * T + (2/γ) * ln(1 + γ/k)) * last
//  4. Derive bid = r - δ/2, ask = r + δ/2, rounded to the price tick.
//  5. Reconcile: cancel stale orders, place new post-only quotes.
//
// The engine earns the spread when both sides fill. Inventory skew (q)
// ensures it doesn't accumulate unbounded directional risk, and the flow
// tracker widens quotes when fills look adversely selected.
package quote

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"venueworker/internal/config"
	"venueworker/internal/risk"
	"venueworker/internal/venue"
	"venueworker/pkg/types"
)

// Executor is the slice of a worker the engine drives: order submission
// through the worker's rate-limited pipeline plus read-only views of the
// worker's shard. *worker.Worker satisfies it.
type Executor interface {
	PlaceStrategyOrders(ctx context.Context, accountID types.AccountID, orders []venue.OrderRequest, priority bool) ([]string, error)
	CancelStrategyOrders(ctx context.Context, accountID types.AccountID, ids []string) []string
	TickerSnapshot(symbol string) types.Ticker
	MarketSnapshot(symbol string) types.Market
	FillsSnapshot(accountID types.AccountID) []types.Notification
}

type activeOrder struct {
	side  types.OrderSide
	price float64
	size  float64
}

// Engine quotes one (account, symbol) pair. It maintains a map of its own
// resting orders and reconciles them each tick.
type Engine struct {
	cfg       config.QuoteConfig
	accountID types.AccountID
	symbol    string
	exec      Executor
	inventory *Inventory
	riskMgr   *risk.Manager

	flowTracker *FlowTracker

	activeOrders map[string]activeOrder
	seenFills    int // high-water mark into the shard's fill stream

	logger *slog.Logger
}

// NewEngine creates a quoting engine for one (account, symbol) pair.
func NewEngine(cfg config.QuoteConfig, accountID types.AccountID, symbol string, exec Executor, riskMgr *risk.Manager, logger *slog.Logger) *Engine {
	maxQty := cfg.OrderSize * 10
	return &Engine{
		cfg:          cfg,
		accountID:    accountID,
		symbol:       symbol,
		exec:         exec,
		inventory:    NewInventory(symbol, maxQty),
		riskMgr:      riskMgr,
		flowTracker:  NewFlowTracker(cfg.FlowWindow, cfg.FlowToxicityThreshold, cfg.FlowCooldownPeriod, cfg.FlowMaxSpreadMultiplier),
		activeOrders: make(map[string]activeOrder),
		logger: logger.With(
			"component", "quote",
			"account", accountID,
			"symbol", symbol,
		),
	}
}

// Run is the main loop. Blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.RefreshInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("quoting started", "order_size", e.cfg.OrderSize)

	for {
		select {
		case <-ctx.Done():
			e.cancelAllMyOrders(context.Background())
			e.logger.Info("quoting stopped")
			return
		case <-ticker.C:
			e.consumeFills()
			e.quoteUpdate(ctx)
		}
	}
}

// consumeFills folds any new entries of the shard's fill stream into the
// inventory and flow tracker. The shard is the venue's authoritative fill
// record, so the engine rides it instead of a private feed of its own.
func (e *Engine) consumeFills() {
	fills := e.exec.FillsSnapshot(e.accountID)
	for ; e.seenFills < len(fills); e.seenFills++ {
		n := fills[e.seenFills]
		if n.Data.Symbol != e.symbol {
			continue
		}
		if _, mine := e.activeOrders[n.Data.ID]; !mine {
			continue
		}
		price := parseNotificationPrice(n.Data.Price)
		if price == 0 {
			price = e.exec.TickerSnapshot(e.symbol).Last
		}
		fill := Fill{
			Timestamp: time.Now(),
			Side:      n.Data.Side,
			Price:     price,
			Size:      n.Data.Amount,
			TradeID:   n.ID,
		}
		e.inventory.OnFill(fill)
		e.flowTracker.AddFill(fill)

		toxicity := e.flowTracker.CalculateToxicity()
		if toxicity.IsAverse {
			e.logger.Warn("toxic flow detected",
				"side", n.Data.Side,
				"toxicity_score", toxicity.ToxicityScore,
				"directional_imbalance", toxicity.DirectionalImbalance,
				"fill_velocity", toxicity.FillVelocity,
				"fill_count", e.flowTracker.GetFillCount(),
			)
		}
	}
}

// quoteUpdate is the core per-tick logic.
func (e *Engine) quoteUpdate(ctx context.Context) {
	t := e.exec.TickerSnapshot(e.symbol)
	if t.Last <= 0 {
		e.logger.Debug("no price available")
		return
	}

	e.inventory.UpdateMarkToMarket(t.Last)

	// Report position to the risk manager
	pos := e.inventory.Snapshot()
	e.riskMgr.Report(risk.PositionReport{
		AccountID:     e.accountID,
		Symbol:        e.symbol,
		LastPrice:     t.Last,
		Notional:      e.inventory.Notional(t.Last),
		UnrealizedPnL: pos.UnrealizedPnL,
		RealizedPnL:   pos.RealizedPnL,
		Timestamp:     time.Now(),
	})

	if e.riskMgr.IsKillSwitchActive() {
		e.logger.Warn("kill switch active, cancelling all orders")
		e.cancelAllMyOrders(ctx)
		return
	}

	remaining := e.riskMgr.RemainingBudget(e.accountID, e.symbol)
	if remaining <= 0 {
		e.logger.Info("risk budget exhausted")
		e.cancelAllMyOrders(ctx)
		return
	}

	bid, ask := e.computeQuotes(t.Last, remaining)
	if err := e.reconcileOrders(ctx, bid, ask); err != nil {
		e.logger.Error("reconcile orders failed", "error", err)
	}
}

// computeQuotes implements the Avellaneda-Stoikov model.
//
// Variables:
//
//	q     = inventory skew in [-1, 1] from NetDelta()
//	gamma = risk aversion (higher = tighter spread, less inventory risk)
//	sigma = estimated volatility, relative to price
//	k     = order arrival intensity
//	T     = time horizon
//
// Formulas:
//
//	reservation_price = last - q * gamma * sigma^2 * T * last
//	optimal_spread    = (gamma * sigma^2 * T + (2/gamma) * ln(1 + gamma/k)) * last
//	bid = reservation_price - optimal_spread/2
//	ask = reservation_price + optimal_spread/2
func (e *Engine) computeQuotes(last, remainingBudget float64) (bid, ask *venue.OrderRequest) {
	q := e.inventory.NetDelta()
	gamma := e.cfg.Gamma
	sigma := e.cfg.Sigma
	k := e.cfg.K
	T := e.cfg.T
	minSpread := float64(e.cfg.DefaultSpreadBps) / 10000.0 * last

	market := e.exec.MarketSnapshot(e.symbol)
	tick := market.Precision.Price
	if tick <= 0 {
		tick = 0.01
	}

	// Apply flow toxicity adjustment
	flowMultiplier := e.flowTracker.GetSpreadMultiplier()
	minSpread *= flowMultiplier

	// Step 1: Reservation price, skewed against inventory
	reservationPrice := last - q*gamma*sigma*sigma*T*last

	// Step 2: Optimal spread (with toxicity adjustment)
	optSpread := (gamma*sigma*sigma*T + (2.0/gamma)*math.Log(1+gamma/k)) * last
	optSpread *= flowMultiplier // Widen spread when flow is toxic

	// Step 3: Raw bid/ask
	bidRaw := reservationPrice - optSpread/2
	askRaw := reservationPrice + optSpread/2

	// Step 4: Enforce minimum spread
	if (askRaw - bidRaw) < minSpread {
		bidRaw = reservationPrice - minSpread/2
		askRaw = reservationPrice + minSpread/2
	}

	// Step 5: Round to tick and keep the pair positive and ordered
	bidPrice := math.Floor(bidRaw/tick) * tick
	askPrice := math.Ceil(askRaw/tick) * tick
	if bidPrice <= 0 {
		bidPrice = tick
	}
	if bidPrice >= askPrice {
		askPrice = bidPrice + tick
	}

	// Step 6: Compute size
	absQ := math.Abs(q)
	sizeFactor := 1.0 - 0.5*absQ // reduce size when heavily positioned
	size := e.cfg.OrderSize * sizeFactor
	minSize := market.Limits.Amount.Min
	if size < minSize {
		size = minSize
	}

	// Keep combined quoted notional within the remaining risk headroom.
	totalNotional := size * (bidPrice + askPrice)
	if totalNotional > remainingBudget && totalNotional > 0 {
		size *= remainingBudget / totalNotional
	}

	toxicity := e.flowTracker.CalculateToxicity()
	e.logger.Debug("quotes computed",
		"last", last,
		"q", q,
		"reservation", reservationPrice,
		"bid", bidPrice,
		"ask", askPrice,
		"size", size,
		"spread", askPrice-bidPrice,
		"toxicity_score", toxicity.ToxicityScore,
		"flow_spread_multiplier", flowMultiplier,
	)

	if size < minSize || size <= 0 {
		return nil, nil
	}
	return &venue.OrderRequest{
			Symbol:   e.symbol,
			Side:     types.Buy,
			Type:     types.KindLimit,
			Price:    bidPrice,
			Amount:   size,
			PostOnly: true,
		}, &venue.OrderRequest{
			Symbol:   e.symbol,
			Side:     types.Sell,
			Type:     types.KindLimit,
			Price:    askPrice,
			Amount:   size,
			PostOnly: true,
		}
}

// reconcileOrders diffs desired quotes against active orders. An existing
// order is kept if its price is within one tick and its size within 10% of
// the desired quote; everything else is cancelled and replaced.
func (e *Engine) reconcileOrders(ctx context.Context, bid, ask *venue.OrderRequest) error {
	market := e.exec.MarketSnapshot(e.symbol)
	tick := market.Precision.Price
	if tick <= 0 {
		tick = 0.01
	}
	const sizeTolerance = 0.10

	var toCancel []string
	var toPlace []venue.OrderRequest
	matchedBid := false
	matchedAsk := false

	for id, order := range e.activeOrders {
		if order.side == types.Buy && bid != nil {
			if math.Abs(order.price-bid.Price) <= tick &&
				math.Abs(order.size-bid.Amount)/bid.Amount <= sizeTolerance {
				matchedBid = true
				continue
			}
		}
		if order.side == types.Sell && ask != nil {
			if math.Abs(order.price-ask.Price) <= tick &&
				math.Abs(order.size-ask.Amount)/ask.Amount <= sizeTolerance {
				matchedAsk = true
				continue
			}
		}
		// Order doesn't match any desired quote, cancel it
		toCancel = append(toCancel, id)
	}

	if !matchedBid && bid != nil {
		toPlace = append(toPlace, *bid)
	}
	if !matchedAsk && ask != nil {
		toPlace = append(toPlace, *ask)
	}

	if len(toCancel) > 0 {
		for _, id := range e.exec.CancelStrategyOrders(ctx, e.accountID, toCancel) {
			delete(e.activeOrders, id)
		}
	}

	if len(toPlace) > 0 {
		ids, err := e.exec.PlaceStrategyOrders(ctx, e.accountID, toPlace, false)
		if err != nil {
			return err
		}
		for i, id := range ids {
			if id == "" || i >= len(toPlace) {
				continue
			}
			e.activeOrders[id] = activeOrder{
				side:  toPlace[i].Side,
				price: toPlace[i].Price,
				size:  toPlace[i].Amount,
			}
		}
	}
	return nil
}

// cancelAllMyOrders cancels every order this engine has resting.
func (e *Engine) cancelAllMyOrders(ctx context.Context) {
	if len(e.activeOrders) == 0 {
		return
	}
	ids := make([]string, 0, len(e.activeOrders))
	for id := range e.activeOrders {
		ids = append(ids, id)
	}
	for _, id := range e.exec.CancelStrategyOrders(ctx, e.accountID, ids) {
		delete(e.activeOrders, id)
	}
}

// parseNotificationPrice handles the "MARKET" sentinel in fill prices.
func parseNotificationPrice(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
