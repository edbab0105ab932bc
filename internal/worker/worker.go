// Package worker implements the Exchange Worker Core: the long-lived,
// isolated controller for a single venue. A Worker owns the
// venue's sockets, the ticker/market cache, per-account private state, the
// order pipeline, and any attached strategy instances. The host talks to it
// exclusively through the inbound Command / outbound Event envelopes — the
// worker is the only writer of its venue's store shard; the host mirrors
// state by replaying the forwarded mutation stream.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"venueworker/internal/metrics"
	"venueworker/internal/pipeline"
	"venueworker/internal/store"
	"venueworker/internal/venue"
	"venueworker/pkg/types"
)

// State is the worker's lifecycle state.
type State string

const (
	Idle     State = "Idle"
	Starting State = "Starting"
	Running  State = "Running"
	Stopped  State = "Stopped"
)

// Worker drives one venue. All store mutations and strategy bookkeeping
// happen on its single task loop (Run); venue I/O runs on short-lived
// goroutines that resynchronize through the loop before touching state.
type Worker struct {
	venue   venue.Venue
	store   *store.Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	cmds   chan Command
	events chan Event
	tasks  chan func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Everything below is owned by the task loop.
	state    State
	prefix   string
	accounts map[types.AccountID]venue.Account
	pipe     *pipeline.Manager
	batchMax int
	tickers  map[string]types.Ticker

	obRefs      map[string]int
	obStops     map[string]func()
	candleRefs  map[string]int
	candleStops map[string]func()

	twaps  map[string]*twapRun
	chases map[string]*chaseRun

	publicCancel context.CancelFunc
}

// New builds an idle worker for v. m may be nil.
func New(v venue.Venue, logger *slog.Logger, m *metrics.Metrics) *Worker {
	rate, consume := v.RateLimit()
	name := string(v.Name())
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		ctx:         ctx,
		cancel:      cancel,
		venue:       v,
		store:       store.New(),
		logger:      logger.With("component", "worker", "venue", name),
		metrics:     m,
		cmds:        make(chan Command, 64),
		events:      make(chan Event, 256),
		tasks:       make(chan func(), 256),
		state:       Idle,
		prefix:      name + ".",
		accounts:    make(map[types.AccountID]venue.Account),
		pipe:        pipeline.NewManager(rate, consume, logger),
		batchMax:    v.MaxOrdersPerBatch(),
		tickers:     make(map[string]types.Ticker),
		obRefs:      make(map[string]int),
		obStops:     make(map[string]func()),
		candleRefs:  make(map[string]int),
		candleStops: make(map[string]func()),
		twaps:       make(map[string]*twapRun),
		chases:      make(map[string]*chaseRun),
	}
}

// Events is the outbound event stream consumed by the host. The worker
// blocks on a full channel rather than dropping — mutation order is the
// host's source of truth.
func (w *Worker) Events() <-chan Event { return w.events }

// Send enqueues an inbound command.
func (w *Worker) Send(cmd Command) { w.cmds <- cmd }

// Store exposes the worker's local shard for strategy reads and tests.
// Mutation still only happens through the worker's own emit path.
func (w *Worker) Store() *store.Store { return w.store }

// Run is the worker's single task loop. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, w.cancel)
	defer stop()
	defer w.cancel()
	for {
		select {
		case <-w.ctx.Done():
			w.wg.Wait()
			return
		case cmd := <-w.cmds:
			w.dispatch(cmd)
		case fn := <-w.tasks:
			fn()
		}
	}
}

// post schedules fn onto the task loop from another goroutine.
func (w *Worker) post(fn func()) {
	select {
	case w.tasks <- fn:
	case <-w.ctx.Done():
	}
}

// spawn runs fn on its own goroutine, tracked for shutdown.
func (w *Worker) spawn(fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// ————————————————————————————————————————————————————————————————————————
// Event emission
// ————————————————————————————————————————————————————————————————————————

// emit applies cmds to the local shard and forwards the identical sequence
// to the host. Safe from any goroutine — the store
// serializes appliers, and the events channel preserves send order per
// sender; loop-owned callers are already serialized.
func (w *Worker) emit(cmds []store.Command) {
	if len(cmds) == 0 {
		return
	}
	applied, err := w.store.EmitChanges(cmds)
	if err != nil {
		w.emitError(venue.NewError(venue.KindProgramming, "apply mutation batch", err))
	}
	if len(applied) == 0 {
		return
	}
	w.metrics.AddMutations(string(w.venue.Name()), len(applied))
	w.sendEvent(Event{Kind: EvUpdate, Changes: applied})
}

func (w *Worker) sendEvent(ev Event) {
	select {
	case w.events <- ev:
	case <-w.ctx.Done():
	}
}

func (w *Worker) respond(requestID string, data any) {
	if requestID == "" {
		return
	}
	w.sendEvent(Event{Kind: EvResponse, RequestID: requestID, Data: data})
}

func (w *Worker) emitError(err *venue.Error) {
	w.logger.Error("worker error", "kind", err.Kind, "error", err)
	w.metrics.IncCommandError(string(w.venue.Name()), string(err.Kind))
	w.sendEvent(Event{Kind: EvError, Err: err})
}

func (w *Worker) emitLog(msg string) {
	w.sendEvent(Event{Kind: EvLog, Message: msg})
}

// put JSON-normalizes value into a single update command without applying
// it — the caller batches and emits.
func (w *Worker) put(path string, value any) store.Command {
	generic, err := store.Normalize(value)
	if err != nil {
		w.emitError(venue.NewError(venue.KindProgramming, fmt.Sprintf("normalize %s", path), err))
		return store.UpdateCmd(path, nil)
	}
	return store.UpdateCmd(path, generic)
}

// ————————————————————————————————————————————————————————————————————————
// Command dispatch
// ————————————————————————————————————————————————————————————————————————

// dispatch is a total match over the command set. Unknown tags
// emit error and are dropped.
func (w *Worker) dispatch(cmd Command) {
	switch cmd.Kind {
	case CmdStart:
		w.handleStart(cmd)
	case CmdStop:
		w.handleStop()
	case CmdAddAccounts:
		w.handleAddAccounts(cmd)
	case CmdRemoveAccount:
		w.handleRemoveAccount(cmd)
	case CmdPlaceOrders:
		w.handlePlaceOrders(cmd)
	case CmdUpdateOrders:
		w.handleUpdateOrders(cmd)
	case CmdCancelOrders:
		w.handleCancelOrders(cmd)
	case CmdCancelSymbolOrders:
		w.handleCancelSymbolOrders(cmd)
	case CmdCancelAllOrders:
		w.handleCancelAllOrders(cmd)
	case CmdFetchOHLCV:
		w.handleFetchOHLCV(cmd)
	case CmdListenOHLCV:
		w.handleListenOHLCV(cmd)
	case CmdUnlistenOHLCV:
		w.handleUnlistenOHLCV(cmd)
	case CmdListenOB:
		w.handleListenOB(cmd)
	case CmdUnlistenOB:
		w.handleUnlistenOB(cmd)
	case CmdFetchPositionMetadata:
		w.handleFetchPositionMetadata(cmd)
	case CmdSetLeverage:
		w.handleSetLeverage(cmd)
	case CmdPlacePositionStop:
		w.handlePlacePositionStop(cmd)
	case CmdStartTWAP:
		w.handleStartTWAP(cmd)
	case CmdPauseTWAP:
		w.handlePauseTWAP(cmd)
	case CmdResumeTWAP:
		w.handleResumeTWAP(cmd)
	case CmdStopTWAP:
		w.handleStopTWAP(cmd)
	case CmdStartChase:
		w.handleStartChase(cmd)
	case CmdStopChase:
		w.handleStopChase(cmd)
	default:
		w.emitError(venue.NewError(venue.KindProgramming, fmt.Sprintf("unknown command %q", cmd.Kind), nil))
	}
}

// ————————————————————————————————————————————————————————————————————————
// Lifecycle commands
// ————————————————————————————————————————————————————————————————————————

func (w *Worker) handleStart(cmd Command) {
	if w.state != Idle {
		w.emitError(venue.NewError(venue.KindProgramming, fmt.Sprintf("start in state %s", w.state), nil))
		w.respond(cmd.RequestID, false)
		return
	}
	w.state = Starting
	w.applyStartConfig(cmd.Config)

	accounts := cmd.Accounts
	w.spawn(func() {
		markets, tickers, err := w.venue.FetchMarketsAndTickers(w.ctx)
		if err != nil {
			// loaded flags stay false; retries are the caller's.
			w.emitError(venue.NewError(venue.KindTransport, "public snapshot", err))
			w.post(func() {
				w.state = Idle
				w.respond(cmd.RequestID, false)
			})
			return
		}

		w.post(func() {
			batch := []store.Command{
				w.put(w.prefix+"public.latency", 0.0),
				w.put(w.prefix+"public.markets", markets),
				w.put(w.prefix+"public.tickers", tickers),
				store.UpdateCmd(w.prefix+"loaded.markets", true),
				store.UpdateCmd(w.prefix+"loaded.tickers", true),
			}
			w.emit(batch)
			for sym, t := range tickers {
				w.tickers[sym] = t
			}

			w.openPublicFeed()
			w.state = Running
			w.emitLog(fmt.Sprintf("public snapshot loaded: %d markets, %d tickers", len(markets), len(tickers)))

			if len(accounts) == 0 {
				w.respond(cmd.RequestID, true)
				return
			}
			w.spawn(func() {
				w.addAccountsSerially(accounts)
				w.post(func() { w.respond(cmd.RequestID, true) })
			})
		})
	})
}

func (w *Worker) applyStartConfig(cfg map[string]any) {
	if cfg == nil {
		return
	}
	// Recognized keys only; unknown keys are ignored.
	rate, consume := w.venue.RateLimit()
	if v, ok := asFloat(cfg["rateLimit"]); ok && v > 0 {
		rate = v
	}
	if v, ok := asFloat(cfg["consume"]); ok && v > 0 {
		consume = v
	}
	w.pipe = pipeline.NewManager(rate, consume, w.logger)
	if v, ok := asFloat(cfg["maxOrdersPerBatch"]); ok && int(v) > 0 {
		w.batchMax = int(v)
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func (w *Worker) openPublicFeed() {
	feedCtx, cancel := context.WithCancel(w.ctx)
	w.publicCancel = cancel
	w.spawn(func() {
		err := w.venue.OpenPublicFeed(feedCtx,
			func(t types.Ticker) { w.post(func() { w.applyTicker(t) }) },
			func(symbol string) {},
		)
		if err != nil && feedCtx.Err() == nil {
			w.metrics.IncReconnects(string(w.venue.Name()))
			w.post(func() { w.emitError(venue.NewError(venue.KindTransport, "public feed", err)) })
		}
	})
}

// handleStop is fire-and-forget: cancel strategies, close sockets, clear
// timers and caches. Never emits a response.
func (w *Worker) handleStop() {
	for id := range w.twaps {
		w.stopTWAPLocked(id)
	}
	for id := range w.chases {
		w.stopChaseLocked(id, false)
	}
	for _, stop := range w.obStops {
		stop()
	}
	for _, stop := range w.candleStops {
		stop()
	}
	w.obRefs = make(map[string]int)
	w.obStops = make(map[string]func())
	w.candleRefs = make(map[string]int)
	w.candleStops = make(map[string]func())
	if w.publicCancel != nil {
		w.publicCancel()
		w.publicCancel = nil
	}
	for id := range w.accounts {
		if err := w.venue.RemoveAccount(w.ctx, id); err != nil {
			w.logger.Warn("remove account on stop", "account", id, "error", err)
		}
		w.pipe.Remove(string(id))
	}
	w.accounts = make(map[types.AccountID]venue.Account)
	w.tickers = make(map[string]types.Ticker)
	w.state = Stopped
}

// ————————————————————————————————————————————————————————————————————————
// Accounts
// ————————————————————————————————————————————————————————————————————————

func (w *Worker) handleAddAccounts(cmd Command) {
	accounts := cmd.Accounts
	w.spawn(func() {
		w.addAccountsSerially(accounts)
		w.post(func() { w.respond(cmd.RequestID, true) })
	})
}

// addAccountsSerially hydrates one account at a time to avoid REST
// bursts. Runs off-loop; store writes resynchronize per account.
func (w *Worker) addAccountsSerially(accounts []venue.Account) {
	for _, acc := range accounts {
		acc := acc
		done := make(chan struct{})
		w.post(func() {
			w.accounts[acc.ID] = acc
			w.emit([]store.Command{w.put(w.prefix+"private."+string(acc.ID), types.NewAccountShard())})
			close(done)
		})
		select {
		case <-done:
		case <-w.ctx.Done():
			return
		}

		shard, err := w.venue.AddAccount(w.ctx, acc, venue.AccountCallbacks{
			OnFill:        func(n types.Notification) { w.post(func() { w.applyFill(acc.ID, n) }) },
			OnOrderUpdate: func(o types.Order) { w.post(func() { w.applyOrderUpdate(acc.ID, o) }) },
			OnPosition:    func(ps []types.Position) { w.post(func() { w.updateAccountPositions(acc.ID, ps) }) },
			OnBalance:     func(b types.Balance) { w.post(func() { w.applyBalance(acc.ID, b) }) },
		})
		if err != nil {
			kerr, ok := err.(*venue.Error)
			if !ok {
				kerr = venue.NewError(venue.KindTransport, "add account", err)
			}
			w.post(func() { w.emitError(kerr) })
			continue
		}

		hydrated := make(chan struct{})
		w.post(func() {
			base := w.prefix + "private." + string(acc.ID)
			batch := []store.Command{w.put(base+".balance", shard.Balance)}
			for i, o := range shard.Orders {
				batch = append(batch, w.put(fmt.Sprintf("%s.orders.%d", base, i), o))
			}
			w.emit(batch)
			if len(shard.Positions) > 0 {
				w.updateAccountPositions(acc.ID, shard.Positions)
			}
			close(hydrated)
		})
		select {
		case <-hydrated:
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Worker) handleRemoveAccount(cmd Command) {
	id := cmd.AccountID
	for twapID, run := range w.twaps {
		if run.inst.AccountID() == id {
			w.stopTWAPLocked(twapID)
		}
	}
	for chaseID, run := range w.chases {
		if run.accountID == id {
			w.stopChaseLocked(chaseID, false)
		}
	}
	w.spawn(func() {
		if err := w.venue.RemoveAccount(w.ctx, id); err != nil {
			w.post(func() { w.emitError(venue.NewError(venue.KindTransport, "remove account", err)) })
		}
		w.post(func() {
			delete(w.accounts, id)
			w.pipe.Remove(string(id))
			w.emit([]store.Command{store.RemoveObjectKeyCmd(w.prefix+"private", string(id))})
			w.respond(cmd.RequestID, true)
		})
	})
}

// ————————————————————————————————————————————————————————————————————————
// Public-data application (loop-owned)
// ————————————————————————————————————————————————————————————————————————

// tickerFieldDeltas emits one update per changed scalar field.
func tickerFieldDeltas(base string, old, next types.Ticker) []store.Command {
	var cmds []store.Command
	add := func(field string, o, n float64) {
		if o != n {
			cmds = append(cmds, store.UpdateCmd(base+"."+field, n))
		}
	}
	add("bid", old.Bid, next.Bid)
	add("ask", old.Ask, next.Ask)
	add("last", old.Last, next.Last)
	add("mark", old.Mark, next.Mark)
	add("index", old.Index, next.Index)
	add("percentage", old.Percentage, next.Percentage)
	add("openInterest", old.OpenInterest, next.OpenInterest)
	add("fundingRate", old.FundingRate, next.FundingRate)
	add("volume", old.Volume, next.Volume)
	add("quoteVolume", old.QuoteVolume, next.QuoteVolume)
	return cmds
}

// applyTicker merges a ticker tick: per-field deltas, plus — when `last`
// moved — derived notional/upnl updates for every position on that symbol,
// all in one batch so the host sees them atomically.
func (w *Worker) applyTicker(t types.Ticker) {
	base := w.prefix + "public.tickers." + t.Symbol
	old, known := w.tickers[t.Symbol]

	var batch []store.Command
	if !known {
		batch = append(batch, w.put(base, t))
	} else {
		batch = tickerFieldDeltas(base, old, t)
		if t.Polymarket != nil && (old.Polymarket == nil || *old.Polymarket != *t.Polymarket) {
			batch = append(batch, w.put(base+".polymarket", t.Polymarket))
		}
	}

	if t.Last != old.Last && t.Last > 0 {
		batch = append(batch, w.positionMarkDeltas(t.Symbol, t.Last)...)
	}
	w.emit(batch)
	w.tickers[t.Symbol] = t

	w.notifyChases(t)
}

// positionMarkDeltas recomputes notional and upnl for every position on
// symbol across all accounts, from the new last price.
func (w *Worker) positionMarkDeltas(symbol string, last float64) []store.Command {
	var cmds []store.Command
	for _, id := range w.accountIDs() {
		positions := w.accountPositions(id)
		for idx, p := range positions {
			if p.Symbol != symbol {
				continue
			}
			notional := last * p.Contracts
			upnl := (last - p.EntryPrice) * p.Contracts
			if p.Side == types.Short {
				upnl = -upnl
			}
			base := fmt.Sprintf("%sprivate.%s.positions.%d", w.prefix, id, idx)
			cmds = append(cmds,
				store.UpdateCmd(base+".notional", notional),
				store.UpdateCmd(base+".upnl", upnl),
			)
		}
	}
	return cmds
}

func (w *Worker) accountIDs() []types.AccountID {
	ids := make([]types.AccountID, 0, len(w.accounts))
	for id := range w.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (w *Worker) accountPositions(id types.AccountID) []types.Position {
	var ps []types.Position
	if err := w.store.Decode(w.prefix+"private."+string(id)+".positions", &ps); err != nil {
		w.logger.Warn("decode positions", "account", id, "error", err)
	}
	return ps
}

func (w *Worker) accountOrders(id types.AccountID) []types.Order {
	var os []types.Order
	if err := w.store.Decode(w.prefix+"private."+string(id)+".orders", &os); err != nil {
		w.logger.Warn("decode orders", "account", id, "error", err)
	}
	return os
}

// ————————————————————————————————————————————————————————————————————————
// Private-state application (loop-owned)
// ————————————————————————————————————————————————————————————————————————

func (w *Worker) applyBalance(id types.AccountID, b types.Balance) {
	w.emit([]store.Command{w.put(w.prefix + "private." + string(id) + ".balance", b)})
}

// updateAccountPositions partitions input into existing (matched by
// (symbol, side), updated in place at their current index) and new
// (appended starting at the current length), writing leverage/hedge
// metadata for every input — one batch.
func (w *Worker) updateAccountPositions(id types.AccountID, positions []types.Position) {
	current := w.accountPositions(id)
	index := make(map[string]int, len(current))
	for i, p := range current {
		index[p.Symbol+"|"+string(p.Side)] = i
	}

	base := w.prefix + "private." + string(id)
	var batch []store.Command
	appendAt := len(current)
	for _, p := range positions {
		p.Exchange = w.venue.Name()
		p.AccountID = id
		key := p.Symbol + "|" + string(p.Side)
		if i, ok := index[key]; ok {
			batch = append(batch, w.put(fmt.Sprintf("%s.positions.%d", base, i), p))
		} else {
			batch = append(batch, w.put(fmt.Sprintf("%s.positions.%d", base, appendAt), p))
			index[key] = appendAt
			appendAt++
		}
		batch = append(batch,
			store.UpdateCmd(base+".metadata.leverage."+p.Symbol, p.Leverage),
			store.UpdateCmd(base+".metadata.hedgedPosition."+p.Symbol, p.IsHedged),
		)
	}
	w.emit(batch)
}

// removeAccountPositions removes the given positions from the shard. Indices
// are computed ascending, each decremented by the count of already-removed
// earlier elements so the host can apply them sequentially.
func (w *Worker) removeAccountPositions(id types.AccountID, positions []types.Position) {
	current := w.accountPositions(id)
	var indices []int
	for _, victim := range positions {
		for i, p := range current {
			if p.Symbol == victim.Symbol && p.Side == victim.Side {
				indices = append(indices, i)
				break
			}
		}
	}
	sort.Ints(indices)

	base := w.prefix + "private." + string(id) + ".positions"
	var batch []store.Command
	for removed, idx := range indices {
		batch = append(batch, store.RemoveArrayElementCmd(base, idx-removed))
	}
	w.emit(batch)
}

// applyOrderUpdate upserts an order event from the venue's private feed.
// Terminal transitions come only from the venue's own final status event.
func (w *Worker) applyOrderUpdate(id types.AccountID, o types.Order) {
	o.Exchange = w.venue.Name()
	o.AccountID = id
	orders := w.accountOrders(id)
	base := w.prefix + "private." + string(id) + ".orders"
	for i, existing := range orders {
		if existing.ID == o.ID {
			w.emit([]store.Command{w.put(fmt.Sprintf("%s.%d", base, i), o)})
			return
		}
	}
	w.emit([]store.Command{w.put(fmt.Sprintf("%s.%d", base, len(orders)), o)})
}

// applyFill appends the notification to both the notifications and fills
// streams (append-only within a connection) and lets any chase on
// this account react to it.
func (w *Worker) applyFill(id types.AccountID, n types.Notification) {
	n.AccountID = id
	base := w.prefix + "private." + string(id)
	var notifications, fills []types.Notification
	w.store.Decode(base+".notifications", &notifications)
	w.store.Decode(base+".fills", &fills)
	w.emit([]store.Command{
		w.put(fmt.Sprintf("%s.notifications.%d", base, len(notifications)), n),
		w.put(fmt.Sprintf("%s.fills.%d", base, len(fills)), n),
	})
	w.notifyChaseFill(id, n)
}

// ————————————————————————————————————————————————————————————————————————
// Order-path commands
// ————————————————————————————————————————————————————————————————————————

// submitChunked splits orders into venue-sized chunks, enqueues each on the
// account's rate-limited queue (inheriting the priority flag), and calls
// done with the concatenated results in input order.
func (w *Worker) submitChunked(accountID types.AccountID, orders []venue.OrderRequest, priority bool, done func([]string, error)) {
	chunks := pipeline.Chunk(orders, w.batchMax)
	if len(chunks) == 0 {
		done([]string{}, nil)
		return
	}

	var mu sync.Mutex
	results := make([][]string, len(chunks))
	var firstErr error
	remaining := len(chunks)

	q := w.pipe.For(string(accountID))
	for i, chunk := range chunks {
		i, chunk := i, chunk
		q.Enqueue(&pipeline.Job{
			Priority: priority,
			Submit: func(ctx context.Context) (any, error) {
				return w.placeWithThrottleRetry(ctx, accountID, chunk)
			},
			Resolve: func(result any, err error) {
				mu.Lock()
				if err != nil && firstErr == nil {
					firstErr = err
				}
				if ids, ok := result.([]string); ok {
					results[i] = ids
				}
				remaining--
				finished := remaining == 0
				mu.Unlock()
				if finished {
					var all []string
					for _, ids := range results {
						all = append(all, ids...)
					}
					done(all, firstErr)
				}
			},
		})
	}
}

// placeWithThrottleRetry retries Throttled rejections with exponential
// backoff; every other failure kind surfaces immediately.
func (w *Worker) placeWithThrottleRetry(ctx context.Context, accountID types.AccountID, chunk []venue.OrderRequest) (any, error) {
	backoff := time.Second
	for attempt := 0; ; attempt++ {
		ids, err := w.venue.PlaceOrders(ctx, accountID, chunk)
		if err == nil {
			return ids, nil
		}
		var verr *venue.Error
		if !asVenueError(err, &verr) || verr.Kind != venue.KindThrottled || attempt >= 4 {
			return ids, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func asVenueError(err error, target **venue.Error) bool {
	return errors.As(err, target)
}

func (w *Worker) handlePlaceOrders(cmd Command) {
	if _, ok := w.accounts[cmd.AccountID]; !ok {
		w.emitError(venue.NewError(venue.KindProgramming, fmt.Sprintf("placeOrders for unknown account %s", cmd.AccountID), nil))
		w.respond(cmd.RequestID, []string{})
		return
	}
	orders := cmd.Orders
	w.metrics.IncOrders(string(w.venue.Name()), "place", len(orders))
	w.submitChunked(cmd.AccountID, orders, cmd.Priority, func(ids []string, err error) {
		w.post(func() {
			if err != nil {
				w.emitError(wrapOrderErr("place orders", err))
				w.respond(cmd.RequestID, []string{})
				return
			}
			w.recordPlacedOrders(cmd.AccountID, orders, ids, "")
			w.respond(cmd.RequestID, ids)
		})
	})
}

// recordPlacedOrders reflects successful placements into the shard as Open
// orders. The venue's own status feed drives all later transitions.
func (w *Worker) recordPlacedOrders(accountID types.AccountID, orders []venue.OrderRequest, ids []string, parentID string) {
	existing := w.accountOrders(accountID)
	known := make(map[string]bool, len(existing))
	for _, o := range existing {
		known[o.ID] = true
	}
	base := w.prefix + "private." + string(accountID) + ".orders"
	at := len(existing)
	var batch []store.Command
	for i, id := range ids {
		if id == "" || i >= len(orders) || known[id] {
			continue
		}
		req := orders[i]
		batch = append(batch, w.put(fmt.Sprintf("%s.%d", base, at), types.Order{
			ID:          id,
			Exchange:    w.venue.Name(),
			AccountID:   accountID,
			ParentID:    parentID,
			Status:      types.OrderOpen,
			Symbol:      req.Symbol,
			Type:        req.Type,
			Side:        req.Side,
			Price:       req.Price,
			Amount:      req.Amount,
			Filled:      0,
			Remaining:   req.Amount,
			ReduceOnly:  req.ReduceOnly,
			TimeInForce: req.TimeInForce,
		}))
		at++
	}
	w.emit(batch)
}

func wrapOrderErr(op string, err error) *venue.Error {
	var verr *venue.Error
	if asVenueError(err, &verr) {
		return verr
	}
	return venue.NewError(venue.KindTransport, op, err)
}

func (w *Worker) handleUpdateOrders(cmd Command) {
	if _, ok := w.accounts[cmd.AccountID]; !ok {
		w.emitError(venue.NewError(venue.KindProgramming, fmt.Sprintf("updateOrders for unknown account %s", cmd.AccountID), nil))
		w.respond(cmd.RequestID, []string{})
		return
	}
	accountID, orderIDs, orders := cmd.AccountID, cmd.OrderIDs, cmd.Orders
	q := w.pipe.For(string(accountID))
	q.Enqueue(&pipeline.Job{
		Priority: cmd.Priority,
		Submit: func(ctx context.Context) (any, error) {
			return w.venue.UpdateOrders(ctx, accountID, orderIDs, orders)
		},
		Resolve: func(result any, err error) {
			w.post(func() {
				if err != nil {
					w.emitError(wrapOrderErr("update orders", err))
					w.respond(cmd.RequestID, []string{})
					return
				}
				ids, _ := result.([]string)
				w.respond(cmd.RequestID, ids)
			})
		},
	})
}

// cancelViaQueue funnels one cancel-style venue call through the account's
// queue and reflects confirmed cancels as Canceled in the mutation stream.
func (w *Worker) cancelViaQueue(cmd Command, submit func(ctx context.Context) ([]string, error)) {
	if _, ok := w.accounts[cmd.AccountID]; !ok {
		w.emitError(venue.NewError(venue.KindProgramming, fmt.Sprintf("%s for unknown account %s", cmd.Kind, cmd.AccountID), nil))
		w.respond(cmd.RequestID, []string{})
		return
	}
	accountID := cmd.AccountID
	w.metrics.IncOrders(string(w.venue.Name()), "cancel", 1)
	q := w.pipe.For(string(accountID))
	q.Enqueue(&pipeline.Job{
		Priority: cmd.Priority,
		Submit:   func(ctx context.Context) (any, error) { return submit(ctx) },
		Resolve: func(result any, err error) {
			w.post(func() {
				if err != nil {
					w.emitError(wrapOrderErr(string(cmd.Kind), err))
					w.respond(cmd.RequestID, []string{})
					return
				}
				ids, _ := result.([]string)
				w.markOrdersCanceled(accountID, ids)
				w.respond(cmd.RequestID, ids)
			})
		},
	})
}

func (w *Worker) markOrdersCanceled(accountID types.AccountID, ids []string) {
	if len(ids) == 0 {
		return
	}
	canceled := make(map[string]bool, len(ids))
	for _, id := range ids {
		canceled[id] = true
	}
	orders := w.accountOrders(accountID)
	base := w.prefix + "private." + string(accountID) + ".orders"
	var batch []store.Command
	for i, o := range orders {
		if canceled[o.ID] && !o.Status.IsTerminal() {
			batch = append(batch, store.UpdateCmd(fmt.Sprintf("%s.%d.status", base, i), string(types.OrderCanceled)))
		}
	}
	w.emit(batch)
}

func (w *Worker) handleCancelOrders(cmd Command) {
	orderIDs := cmd.OrderIDs
	accountID := cmd.AccountID
	w.cancelViaQueue(cmd, func(ctx context.Context) ([]string, error) {
		return w.venue.CancelOrders(ctx, accountID, orderIDs)
	})
}

func (w *Worker) handleCancelSymbolOrders(cmd Command) {
	symbol := cmd.Symbol
	accountID := cmd.AccountID
	w.cancelViaQueue(cmd, func(ctx context.Context) ([]string, error) {
		return w.venue.CancelSymbolOrders(ctx, accountID, symbol)
	})
}

func (w *Worker) handleCancelAllOrders(cmd Command) {
	accountID := cmd.AccountID
	w.cancelViaQueue(cmd, func(ctx context.Context) ([]string, error) {
		return w.venue.CancelAllOrders(ctx, accountID)
	})
}

// ————————————————————————————————————————————————————————————————————————
// Candles & books
// ————————————————————————————————————————————————————————————————————————

func (w *Worker) handleFetchOHLCV(cmd Command) {
	symbol, timeframe, limit := cmd.Symbol, cmd.Timeframe, cmd.Limit
	w.spawn(func() {
		candles, err := w.venue.FetchOHLCV(w.ctx, symbol, timeframe, limit)
		w.post(func() {
			if err != nil {
				w.emitError(wrapOrderErr("fetch ohlcv", err))
				w.respond(cmd.RequestID, []types.Candle{})
				return
			}
			w.respond(cmd.RequestID, candles)
		})
	})
}

func candleKey(symbol, timeframe string) string { return symbol + "|" + timeframe }

// handleListenOHLCV ref-counts (symbol, timeframe) subscriptions: the first
// listener opens the stream, the last unlisten closes it.
func (w *Worker) handleListenOHLCV(cmd Command) {
	key := candleKey(cmd.Symbol, cmd.Timeframe)
	w.candleRefs[key]++
	if w.candleRefs[key] > 1 {
		w.respond(cmd.RequestID, true)
		return
	}
	stop, err := w.venue.SubscribeCandles(w.ctx, cmd.Symbol, cmd.Timeframe, func(c types.Candle) {
		w.sendEvent(Event{Kind: EvCandle, Candle: &c})
	})
	if err != nil {
		delete(w.candleRefs, key)
		w.emitError(wrapOrderErr("subscribe candles", err))
		w.respond(cmd.RequestID, false)
		return
	}
	w.candleStops[key] = stop
	w.respond(cmd.RequestID, true)
}

func (w *Worker) handleUnlistenOHLCV(cmd Command) {
	key := candleKey(cmd.Symbol, cmd.Timeframe)
	if w.candleRefs[key] == 0 {
		w.respond(cmd.RequestID, false)
		return
	}
	w.candleRefs[key]--
	if w.candleRefs[key] == 0 {
		delete(w.candleRefs, key)
		if stop := w.candleStops[key]; stop != nil {
			stop()
		}
		delete(w.candleStops, key)
	}
	w.respond(cmd.RequestID, true)
}

func (w *Worker) handleListenOB(cmd Command) {
	symbol := cmd.Symbol
	w.obRefs[symbol]++
	if w.obRefs[symbol] > 1 {
		w.respond(cmd.RequestID, true)
		return
	}
	stop, err := w.venue.SubscribeOrderBook(w.ctx, symbol, func(sym string, book any) {
		w.sendEvent(Event{Kind: EvOrderBook, Symbol: sym, OrderBook: book})
	})
	if err != nil {
		delete(w.obRefs, symbol)
		w.emitError(wrapOrderErr("subscribe order book", err))
		w.respond(cmd.RequestID, false)
		return
	}
	w.obStops[symbol] = stop
	w.respond(cmd.RequestID, true)
}

func (w *Worker) handleUnlistenOB(cmd Command) {
	symbol := cmd.Symbol
	if w.obRefs[symbol] == 0 {
		w.respond(cmd.RequestID, false)
		return
	}
	w.obRefs[symbol]--
	if w.obRefs[symbol] == 0 {
		delete(w.obRefs, symbol)
		if stop := w.obStops[symbol]; stop != nil {
			stop()
		}
		delete(w.obStops, symbol)
	}
	w.respond(cmd.RequestID, true)
}

// ————————————————————————————————————————————————————————————————————————
// Position metadata & stops
// ————————————————————————————————————————————————————————————————————————

func (w *Worker) handleFetchPositionMetadata(cmd Command) {
	accountID, symbol := cmd.AccountID, cmd.Symbol
	w.spawn(func() {
		leverage, hedged, err := w.venue.FetchPositionMetadata(w.ctx, accountID, symbol)
		w.post(func() {
			if err != nil {
				// Venue-dependent: respond with the sentinel and log a
				// non-fatal error.
				w.emitError(wrapOrderErr("fetch position metadata", err))
				w.respond(cmd.RequestID, map[string]any{"leverage": 1.0, "isHedged": false})
				return
			}
			base := w.prefix + "private." + string(accountID) + ".metadata"
			w.emit([]store.Command{
				store.UpdateCmd(base+".leverage."+symbol, leverage),
				store.UpdateCmd(base+".hedgedPosition."+symbol, hedged),
			})
			w.respond(cmd.RequestID, map[string]any{"leverage": leverage, "isHedged": hedged})
		})
	})
}

func (w *Worker) handleSetLeverage(cmd Command) {
	accountID, symbol, leverage := cmd.AccountID, cmd.Symbol, cmd.Leverage
	w.spawn(func() {
		err := w.venue.SetLeverage(w.ctx, accountID, symbol, leverage)
		w.post(func() {
			if err != nil {
				w.emitError(wrapOrderErr("set leverage", err))
				w.respond(cmd.RequestID, false)
				return
			}
			base := w.prefix + "private." + string(accountID) + ".metadata"
			w.emit([]store.Command{store.UpdateCmd(base+".leverage."+symbol, leverage)})
			w.respond(cmd.RequestID, true)
		})
	})
}

func (w *Worker) handlePlacePositionStop(cmd Command) {
	accountID, pos, kind, price := cmd.AccountID, cmd.Position, cmd.StopKind, cmd.StopPrice
	w.spawn(func() {
		id, err := w.venue.PlacePositionStop(w.ctx, accountID, pos, kind, price)
		w.post(func() {
			if err != nil {
				w.emitError(wrapOrderErr("place position stop", err))
				w.respond(cmd.RequestID, nil)
				return
			}
			side := types.Sell
			if pos.Side == types.Short {
				side = types.Buy
			}
			w.recordPlacedOrders(accountID, []venue.OrderRequest{{
				Symbol:     pos.Symbol,
				Side:       side,
				Type:       kind,
				Price:      price,
				Amount:     pos.Contracts,
				ReduceOnly: true,
			}}, []string{id}, "")
			w.respond(cmd.RequestID, id)
		})
	})
}
