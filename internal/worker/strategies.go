package worker

// Strategy instance management: TWAP and Chase engines attached to this
// worker. Each instance runs on its own goroutine; all
// shared bookkeeping (instance registries, store mirrors) stays on the
// worker's task loop, reached via post.

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"venueworker/internal/pipeline"
	"venueworker/internal/store"
	"venueworker/internal/strategy/chase"
	"venueworker/internal/strategy/twap"
	"venueworker/internal/venue"
	"venueworker/pkg/types"
)

type twapSignal int

const (
	sigPause twapSignal = iota
	sigResume
)

type twapRun struct {
	id      string
	inst    *twap.Instance
	cancel  context.CancelFunc
	signals chan twapSignal
}

type chaseRun struct {
	id        string
	accountID types.AccountID
	inst      *chase.Instance
	cancel    context.CancelFunc
	tickCh    chan types.Ticker
	stopCh    chan struct{}
	stopped   bool
}

// placeForStrategy submits orders through the account's queue and blocks
// until the venue has replied, then reflects successes into the shard.
func (w *Worker) placeForStrategy(ctx context.Context, accountID types.AccountID, orders []venue.OrderRequest, priority bool, parentID string) ([]string, error) {
	type result struct {
		ids []string
		err error
	}
	ch := make(chan result, 1)
	w.submitChunked(accountID, orders, priority, func(ids []string, err error) {
		ch <- result{ids, err}
	})
	select {
	case r := <-ch:
		if r.err == nil {
			w.post(func() { w.recordPlacedOrders(accountID, orders, r.ids, parentID) })
		}
		return r.ids, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cancelForStrategy cancels ids at priority, blocking until confirmed.
func (w *Worker) cancelForStrategy(ctx context.Context, accountID types.AccountID, ids []string) []string {
	done := make(chan []string, 1)
	q := w.pipe.For(string(accountID))
	q.Enqueue(&pipeline.Job{
		Priority: true,
		Submit: func(jobCtx context.Context) (any, error) {
			return w.venue.CancelOrders(jobCtx, accountID, ids)
		},
		Resolve: func(result any, err error) {
			canceled, _ := result.([]string)
			if err == nil && len(canceled) > 0 {
				w.post(func() { w.markOrdersCanceled(accountID, canceled) })
			}
			done <- canceled
		},
	})
	select {
	case canceled := <-done:
		return canceled
	case <-ctx.Done():
		return nil
	}
}

// PlaceStrategyOrders submits orders through the account's rate-limited
// queue on behalf of an externally attached strategy engine, blocking
// until the venue replies.
func (w *Worker) PlaceStrategyOrders(ctx context.Context, accountID types.AccountID, orders []venue.OrderRequest, priority bool) ([]string, error) {
	return w.placeForStrategy(ctx, accountID, orders, priority, "")
}

// CancelStrategyOrders cancels ids at priority on behalf of an externally
// attached strategy engine, returning the confirmed cancels.
func (w *Worker) CancelStrategyOrders(ctx context.Context, accountID types.AccountID, ids []string) []string {
	return w.cancelForStrategy(ctx, accountID, ids)
}

// TickerSnapshot reads the current ticker for symbol from the shard.
func (w *Worker) TickerSnapshot(symbol string) types.Ticker {
	var t types.Ticker
	w.store.Decode(w.prefix+"public.tickers."+symbol, &t)
	return t
}

// MarketSnapshot reads the market metadata for symbol from the shard.
func (w *Worker) MarketSnapshot(symbol string) types.Market {
	var m types.Market
	w.store.Decode(w.prefix+"public.markets."+symbol, &m)
	return m
}

// FillsSnapshot reads an account's fill stream from the shard.
func (w *Worker) FillsSnapshot(accountID types.AccountID) []types.Notification {
	var fills []types.Notification
	w.store.Decode(w.prefix+"private."+string(accountID)+".fills", &fills)
	return fills
}

func (w *Worker) marketPrecision(symbol string) types.Precision {
	var m types.Market
	if err := w.store.Decode(w.prefix+"public.markets."+symbol, &m); err != nil {
		w.logger.Warn("decode market", "symbol", symbol, "error", err)
	}
	return m.Precision
}

func (w *Worker) tickerLast(symbol string) float64 {
	var t types.Ticker
	if err := w.store.Decode(w.prefix+"public.tickers."+symbol, &t); err != nil {
		w.logger.Warn("decode ticker", "symbol", symbol, "error", err)
	}
	return t.Last
}

// ————————————————————————————————————————————————————————————————————————
// TWAP
// ————————————————————————————————————————————————————————————————————————

func (w *Worker) handleStartTWAP(cmd Command) {
	if _, ok := w.accounts[cmd.AccountID]; !ok {
		w.emitError(venue.NewError(venue.KindProgramming, fmt.Sprintf("startTwap for unknown account %s", cmd.AccountID), nil))
		w.respond(cmd.RequestID, nil)
		return
	}
	opts := twap.Opts{
		Symbol:        cmd.TWAP.Symbol,
		Side:          cmd.TWAP.Side,
		Amount:        cmd.TWAP.Amount,
		DurationMin:   cmd.TWAP.DurationMin,
		LotsCount:     cmd.TWAP.LotsCount,
		Randomness:    cmd.TWAP.Randomness,
		ReduceOnly:    cmd.TWAP.ReduceOnly,
		LimitOrders:   cmd.TWAP.LimitOrders,
		PauseInProfit: cmd.TWAP.PauseInProfit,
	}
	id := cmd.TWAPID
	if id == "" {
		id = fmt.Sprintf("twap-%s-%d", opts.Symbol, time.Now().UnixNano())
	}
	if _, exists := w.twaps[id]; exists {
		w.emitError(venue.NewError(venue.KindProgramming, fmt.Sprintf("twap %s already running", id), nil))
		w.respond(cmd.RequestID, nil)
		return
	}

	precision := w.marketPrecision(opts.Symbol)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	inst := twap.NewInstance(id, cmd.AccountID, opts, precision.Amount, rng)

	ctx, cancel := context.WithCancel(w.ctx)
	run := &twapRun{id: id, inst: inst, cancel: cancel, signals: make(chan twapSignal, 1)}
	w.twaps[id] = run
	w.mirrorTWAP(run, time.Time{})
	w.metrics.SetStrategyActive(string(w.venue.Name()), "twap", len(w.twaps))

	w.spawn(func() { w.runTWAP(ctx, run) })
	w.respond(cmd.RequestID, id)
}

func (w *Worker) handlePauseTWAP(cmd Command) {
	run, ok := w.twaps[cmd.TWAPID]
	if !ok {
		w.respond(cmd.RequestID, false)
		return
	}
	select {
	case run.signals <- sigPause:
	default:
	}
	w.respond(cmd.RequestID, true)
}

func (w *Worker) handleResumeTWAP(cmd Command) {
	run, ok := w.twaps[cmd.TWAPID]
	if !ok {
		w.respond(cmd.RequestID, false)
		return
	}
	select {
	case run.signals <- sigResume:
	default:
	}
	w.respond(cmd.RequestID, true)
}

func (w *Worker) handleStopTWAP(cmd Command) {
	if _, ok := w.twaps[cmd.TWAPID]; !ok {
		w.respond(cmd.RequestID, false)
		return
	}
	w.stopTWAPLocked(cmd.TWAPID)
	w.respond(cmd.RequestID, true)
}

// stopTWAPLocked cancels the run and removes its store mirror. Loop-owned.
func (w *Worker) stopTWAPLocked(id string) {
	run, ok := w.twaps[id]
	if !ok {
		return
	}
	run.cancel()
	delete(w.twaps, id)
	w.removeTWAPState(run)
	w.metrics.SetStrategyActive(string(w.venue.Name()), "twap", len(w.twaps))
}

// runTWAP is the per-instance timer loop: jittered sleeps between lots,
// pause/resume via signals, pause-in-profit lot skipping.
func (w *Worker) runTWAP(ctx context.Context, run *twapRun) {
	inst := run.inst
	for !inst.IsDone() {
		delay := inst.NextDelay()
		nextAt := time.Now().Add(delay)
		w.post(func() { w.mirrorTWAP(run, nextAt) })

		timer := time.NewTimer(delay)
		fire := false
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case sig := <-run.signals:
			timer.Stop()
			if sig == sigPause {
				inst.Pause()
				w.post(func() { w.mirrorTWAP(run, time.Time{}) })
				// Remaining lots are kept; resume re-fires immediately.
				resumed := false
				for !resumed {
					select {
					case <-ctx.Done():
						return
					case next := <-run.signals:
						if next == sigResume {
							resumed = true
						}
					}
				}
				inst.Resume()
				fire = true
			}
		case <-timer.C:
			fire = true
		}
		if !fire {
			continue
		}

		if w.shouldSkipLotForProfit(inst) {
			// The skipped lot keeps its slot; lotsExecuted is untouched.
			continue
		}
		w.fireTWAPLot(ctx, run)
	}
	w.post(func() {
		delete(w.twaps, run.id)
		w.removeTWAPState(run)
		w.metrics.SetStrategyActive(string(w.venue.Name()), "twap", len(w.twaps))
	})
}

func (w *Worker) shouldSkipLotForProfit(inst *twap.Instance) bool {
	opts := inst.Opts()
	positions := w.accountPositions(inst.AccountID())
	side := types.Long
	if opts.Side == types.Sell {
		side = types.Short
	}
	for _, p := range positions {
		if p.Symbol == opts.Symbol && p.Side == side {
			return inst.ShouldSkipForProfit(true, p.UPnL)
		}
	}
	return inst.ShouldSkipForProfit(false, 0)
}

func (w *Worker) fireTWAPLot(ctx context.Context, run *twapRun) {
	inst := run.inst
	opts := inst.Opts()
	lot := inst.CurrentLotSize()
	if lot <= 0 {
		inst.RecordLotFailed()
		return
	}

	req := venue.OrderRequest{
		Symbol:     opts.Symbol,
		Side:       opts.Side,
		Type:       inst.OrderKind(),
		Amount:     lot,
		ReduceOnly: opts.ReduceOnly,
	}
	if opts.LimitOrders {
		req.Price = w.tickerLast(opts.Symbol)
	}

	ids, err := w.placeForStrategy(ctx, inst.AccountID(), []venue.OrderRequest{req}, false, run.id)
	if err != nil || len(ids) == 0 {
		// Placement failure skips the lot.
		w.post(func() { w.emitError(wrapOrderErr("twap lot", err)) })
		inst.RecordLotFailed()
	} else {
		inst.RecordLotSent()
	}
	w.post(func() { w.mirrorTWAP(run, time.Time{}) })
}

// mirrorTWAP writes the instance's TWAPState into private.<acc>.twaps at
// its current index (appending on first write). A zero nextOrderAt keeps
// the previously mirrored firing time. Loop-owned.
func (w *Worker) mirrorTWAP(run *twapRun, nextOrderAt time.Time) {
	state := run.inst.State()
	base := w.prefix + "private." + string(state.AccountID) + ".twaps"
	var current []types.TWAPState
	w.store.Decode(base, &current)
	idx := -1
	for i, s := range current {
		if s.ID == run.id {
			idx = i
			break
		}
	}
	state.NextOrderAt = nextOrderAt
	if nextOrderAt.IsZero() && idx >= 0 {
		state.NextOrderAt = current[idx].NextOrderAt
	}
	if idx < 0 {
		idx = len(current)
	}
	w.emit([]store.Command{w.put(fmt.Sprintf("%s.%d", base, idx), state)})
}

func (w *Worker) removeTWAPState(run *twapRun) {
	accountID := run.inst.AccountID()
	idx := w.twapStateIndex(accountID, run.id)
	if idx < 0 {
		return
	}
	base := w.prefix + "private." + string(accountID) + ".twaps"
	w.emit([]store.Command{store.RemoveArrayElementCmd(base, idx)})
}

func (w *Worker) twapStateIndex(accountID types.AccountID, id string) int {
	var states []types.TWAPState
	w.store.Decode(w.prefix+"private."+string(accountID)+".twaps", &states)
	for i, s := range states {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// ————————————————————————————————————————————————————————————————————————
// Chase
// ————————————————————————————————————————————————————————————————————————

func (w *Worker) handleStartChase(cmd Command) {
	if _, ok := w.accounts[cmd.AccountID]; !ok {
		w.emitError(venue.NewError(venue.KindProgramming, fmt.Sprintf("startChase for unknown account %s", cmd.AccountID), nil))
		w.respond(cmd.RequestID, nil)
		return
	}
	opts := chase.Opts{
		Symbol:     cmd.Chase.Symbol,
		Side:       cmd.Chase.Side,
		Amount:     cmd.Chase.Amount,
		Min:        cmd.Chase.Min,
		Max:        cmd.Chase.Max,
		Distance:   cmd.Chase.Distance,
		ReduceOnly: cmd.Chase.ReduceOnly,
		Stalk:      cmd.Chase.Stalk,
		Infinite:   cmd.Chase.Infinite,
	}
	id := cmd.ChaseID
	if id == "" {
		id = fmt.Sprintf("chase-%s-%d", opts.Symbol, time.Now().UnixNano())
	}
	if _, exists := w.chases[id]; exists {
		w.emitError(venue.NewError(venue.KindProgramming, fmt.Sprintf("chase %s already running", id), nil))
		w.respond(cmd.RequestID, nil)
		return
	}

	precision := w.marketPrecision(opts.Symbol)
	inst := chase.NewInstance(id, cmd.AccountID, opts, precision.Price)

	ctx, cancel := context.WithCancel(w.ctx)
	run := &chaseRun{
		id:        id,
		accountID: cmd.AccountID,
		inst:      inst,
		cancel:    cancel,
		tickCh:    make(chan types.Ticker, 1),
		stopCh:    make(chan struct{}),
	}
	w.chases[id] = run
	w.mirrorChase(run)
	w.metrics.SetStrategyActive(string(w.venue.Name()), "chase", len(w.chases))

	// Seed with the current ticker so the first order goes out without
	// waiting for the next tick.
	if t, ok := w.tickers[opts.Symbol]; ok {
		run.tickCh <- t
	}

	w.spawn(func() { w.runChase(ctx, run) })
	w.respond(cmd.RequestID, id)
}

func (w *Worker) handleStopChase(cmd Command) {
	if _, ok := w.chases[cmd.ChaseID]; !ok {
		w.respond(cmd.RequestID, false)
		return
	}
	w.stopChaseLocked(cmd.ChaseID, true)
	w.respond(cmd.RequestID, true)
}

// stopChaseLocked tears down a chase; cancelLeftover cascade-cancels any
// surviving resting order. Loop-owned.
func (w *Worker) stopChaseLocked(id string, cancelLeftover bool) {
	run, ok := w.chases[id]
	if !ok {
		return
	}
	run.inst.Stop()
	run.cancel()
	delete(w.chases, id)
	w.removeChaseState(run)
	w.metrics.SetStrategyActive(string(w.venue.Name()), "chase", len(w.chases))

	if cancelLeftover {
		if orderID := run.inst.CurrentOrderID(); orderID != "" {
			accountID := run.accountID
			w.spawn(func() {
				w.cancelForStrategy(w.ctx, accountID, []string{orderID})
			})
		}
	}
}

// notifyChases hands a fresh ticker to every chase on that symbol,
// replacing any stale undelivered tick (drain-then-send).
func (w *Worker) notifyChases(t types.Ticker) {
	for _, run := range w.chases {
		if run.inst.Opts().Symbol != t.Symbol {
			continue
		}
		select {
		case <-run.tickCh:
		default:
		}
		select {
		case run.tickCh <- t:
		default:
		}
	}
}

// notifyChaseFill stops any chase whose resting order the fill matches.
func (w *Worker) notifyChaseFill(accountID types.AccountID, n types.Notification) {
	for _, run := range w.chases {
		if run.accountID != accountID || !run.inst.MatchesOrder(n.Data.ID) {
			continue
		}
		if !run.stopped {
			run.stopped = true
			close(run.stopCh)
		}
	}
}

// runChase is the per-instance reactive loop: each delivered ticker may
// trigger a cancel-then-replace at the freshly computed target price.
func (w *Worker) runChase(ctx context.Context, run *chaseRun) {
	inst := run.inst
	for {
		select {
		case <-ctx.Done():
			return
		case <-run.stopCh:
			// Filled: cascade-cancel any leftover order and remove the
			// instance.
			w.post(func() { w.stopChaseLocked(run.id, true) })
			return
		case t := <-run.tickCh:
			target := inst.Target(t.Bid, t.Ask)
			if !inst.NeedsReplace(target) {
				continue
			}
			inst.BeginPlace()
			if old := inst.CurrentOrderID(); old != "" {
				w.cancelForStrategy(ctx, run.accountID, []string{old})
			}
			opts := inst.Opts()
			ids, err := w.placeForStrategy(ctx, run.accountID, []venue.OrderRequest{{
				Symbol:     opts.Symbol,
				Side:       opts.Side,
				Type:       types.KindLimit,
				Price:      target,
				Amount:     opts.Amount,
				ReduceOnly: opts.ReduceOnly,
				PostOnly:   true,
			}}, true, run.id)
			if err != nil || len(ids) == 0 || ids[0] == "" {
				// Rejected (e.g. post-only crossed): retry immediately.
				inst.AbortPlace()
				select {
				case run.tickCh <- t:
				default:
				}
				continue
			}
			inst.CompletePlace(ids[0], target)
			w.post(func() { w.mirrorChase(run) })
		}
	}
}

// mirrorChase writes the instance's ChaseState into private.<acc>.chases at
// its current index (appending on first write). Loop-owned.
func (w *Worker) mirrorChase(run *chaseRun) {
	state := run.inst.State()
	base := w.prefix + "private." + string(run.accountID) + ".chases"
	idx := w.chaseStateIndex(run.accountID, run.id)
	if idx < 0 {
		var current []types.ChaseState
		w.store.Decode(base, &current)
		idx = len(current)
	}
	w.emit([]store.Command{w.put(fmt.Sprintf("%s.%d", base, idx), state)})
}

func (w *Worker) removeChaseState(run *chaseRun) {
	idx := w.chaseStateIndex(run.accountID, run.id)
	if idx < 0 {
		return
	}
	base := w.prefix + "private." + string(run.accountID) + ".chases"
	w.emit([]store.Command{store.RemoveArrayElementCmd(base, idx)})
}

func (w *Worker) chaseStateIndex(accountID types.AccountID, id string) int {
	var states []types.ChaseState
	w.store.Decode(w.prefix+"private."+string(accountID)+".chases", &states)
	for i, s := range states {
		if s.ID == id {
			return i
		}
	}
	return -1
}
