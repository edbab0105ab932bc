package hyperlicked

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"venueworker/internal/venue"
	"venueworker/pkg/types"
)

// Venue implements venue.Venue for Hyperlicked. One shared public client
// and feed serve market data; each account gets its own Signer, Client,
// and private feed.
type Venue struct {
	cfg    ClientConfig
	wsURL  string
	public *Client
	logger *slog.Logger

	mu       sync.Mutex
	assets   map[string]assetMeta // coin -> index + precision
	accounts map[types.AccountID]*accountState
	feed     *Feed // public feed, set by OpenPublicFeed

	subID      int
	candleSubs map[int]func(WSCandle)
	bookSubs   map[int]func(WSBook)
}

type assetMeta struct {
	index       int
	szDecimals  int
	pxDecimals  int
	maxLeverage int
}

type accountState struct {
	signer *Signer
	client *Client
	feed   *Feed
	user   string
}

// NewVenue constructs the Hyperlicked adapter.
func NewVenue(cfg ClientConfig, wsURL string, logger *slog.Logger) *Venue {
	l := logger.With("venue", "hyperlicked")
	return &Venue{
		cfg:      cfg,
		wsURL:    wsURL,
		public:   NewClient(cfg, nil, l),
		logger:     l,
		assets:     make(map[string]assetMeta),
		accounts:   make(map[types.AccountID]*accountState),
		candleSubs: make(map[int]func(WSCandle)),
		bookSubs:   make(map[int]func(WSBook)),
	}
}

func (v *Venue) Name() types.VenueName { return types.Hyperlicked }

func (v *Venue) FetchMarketsAndTickers(ctx context.Context) (map[string]types.Market, map[string]types.Ticker, error) {
	meta, err := v.public.FetchMeta(ctx)
	if err != nil {
		return nil, nil, venue.NewError(venue.KindTransport, "fetch meta", err)
	}
	mids, err := v.public.FetchMids(ctx)
	if err != nil {
		return nil, nil, venue.NewError(venue.KindTransport, "fetch mids", err)
	}

	markets := make(map[string]types.Market, len(meta.Universe))
	tickers := make(map[string]types.Ticker, len(meta.Universe))

	v.mu.Lock()
	defer v.mu.Unlock()
	for i, asset := range meta.Universe {
		v.assets[asset.Name] = assetMeta{
			index:       i,
			szDecimals:  asset.SzDecimals,
			pxDecimals:  asset.PxDecimals,
			maxLeverage: asset.MaxLeverage,
		}
		markets[asset.Name] = types.Market{
			ID:       strconv.Itoa(i),
			Exchange: types.Hyperlicked,
			Symbol:   asset.Name,
			Base:     asset.Name,
			Quote:    "USDC",
			Active:   true,
			Precision: types.Precision{
				Amount: math.Pow(10, -float64(asset.SzDecimals)),
				Price:  math.Pow(10, -float64(asset.PxDecimals)),
			},
			Limits: types.Limits{
				Leverage: types.LeverageLimits{Min: 1, Max: float64(asset.MaxLeverage)},
			},
		}
		mid := parseFloat(mids[asset.Name])
		tickers[asset.Name] = types.Ticker{
			ID:          strconv.Itoa(i),
			Exchange:    types.Hyperlicked,
			Symbol:      asset.Name,
			CleanSymbol: asset.Name,
			Last:        mid,
			Mark:        mid,
		}
	}
	return markets, tickers, nil
}

// OpenPublicFeed subscribes allMids and streams a ticker per changed coin.
func (v *Venue) OpenPublicFeed(ctx context.Context, onTicker func(types.Ticker), onBook func(string)) error {
	feed := NewFeed(v.wsURL, v.logger)
	feed.OnMids(func(m WSMids) {
		for coin, px := range m.Mids {
			mid := parseFloat(px)
			onTicker(types.Ticker{
				Exchange:    types.Hyperlicked,
				Symbol:      coin,
				CleanSymbol: coin,
				Last:        mid,
				Mark:        mid,
			})
		}
	})
	// Candle and book events fan out to whoever subscribed through
	// SubscribeCandles/SubscribeOrderBook — the feed carries one callback
	// per channel, the venue multiplexes.
	feed.OnCandle(func(cw WSCandle) {
		for _, cb := range v.candleSubscribers() {
			cb(cw)
		}
	})
	feed.OnBook(func(book WSBook) {
		for _, cb := range v.bookSubscribers() {
			cb(book)
		}
	})

	var sub WSSubscription
	sub.Subscription.Type = "allMids"
	feed.Subscribe(sub)

	v.mu.Lock()
	v.feed = feed
	v.mu.Unlock()

	return feed.Run(ctx)
}

func (v *Venue) candleSubscribers() []func(WSCandle) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]func(WSCandle), 0, len(v.candleSubs))
	for _, cb := range v.candleSubs {
		out = append(out, cb)
	}
	return out
}

func (v *Venue) bookSubscribers() []func(WSBook) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]func(WSBook), 0, len(v.bookSubs))
	for _, cb := range v.bookSubs {
		out = append(out, cb)
	}
	return out
}

func (v *Venue) AddAccount(ctx context.Context, acc venue.Account, cb venue.AccountCallbacks) (types.AccountShard, error) {
	signer, err := NewSigner(acc.Config["privateKey"], v.cfg.ChainID)
	if err != nil {
		return types.AccountShard{}, venue.NewError(venue.KindAuthError, "build signer", err)
	}
	client := NewClient(v.cfg, signer, v.logger)
	user := signer.Address().Hex()

	shard := types.NewAccountShard()

	state, err := client.FetchClearinghouseState(ctx, user)
	if err != nil {
		return types.AccountShard{}, venue.NewError(venue.KindTransport, "fetch clearinghouse state", err)
	}
	total := parseFloat(state.MarginSummary.AccountValue)
	used := parseFloat(state.MarginSummary.TotalMargin)
	shard.Balance = types.Balance{Total: total, Used: used, Free: parseFloat(state.Withdrawable)}
	for _, ap := range state.AssetPositions {
		if p, ok := positionFromWire(acc.ID, ap); ok {
			shard.Positions = append(shard.Positions, p)
		}
	}

	openOrders, err := client.FetchOpenOrders(ctx, user)
	if err != nil {
		return types.AccountShard{}, venue.NewError(venue.KindTransport, "fetch open orders", err)
	}
	for _, oo := range openOrders {
		shard.Orders = append(shard.Orders, orderFromOpenOrder(acc.ID, oo))
	}

	feed := NewUserFeed(v.wsURL, v.logger)
	feed.OnFill(func(fill WSFill) {
		if cb.OnFill != nil {
			cb.OnFill(notificationFromFill(acc.ID, fill))
		}
	})
	feed.OnOrderUpdate(func(u WSOrderUpdate) {
		if cb.OnOrderUpdate != nil {
			cb.OnOrderUpdate(orderFromUpdate(acc.ID, u))
		}
	})
	var fillSub WSSubscription
	fillSub.Subscription.Type = "userFills"
	fillSub.Subscription.User = user
	feed.Subscribe(fillSub)
	var orderSub WSSubscription
	orderSub.Subscription.Type = "orderUpdates"
	orderSub.Subscription.User = user
	feed.Subscribe(orderSub)
	go feed.Run(ctx)

	v.mu.Lock()
	v.accounts[acc.ID] = &accountState{signer: signer, client: client, feed: feed, user: user}
	v.mu.Unlock()

	return shard, nil
}

func (v *Venue) RemoveAccount(ctx context.Context, id types.AccountID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.accounts[id]
	if !ok {
		return nil
	}
	st.feed.Close()
	delete(v.accounts, id)
	return nil
}

func (v *Venue) PlaceOrders(ctx context.Context, accountID types.AccountID, orders []venue.OrderRequest) ([]string, error) {
	st, err := v.accountState(accountID)
	if err != nil {
		return nil, err
	}

	wires := make([]OrderWire, len(orders))
	for i, o := range orders {
		wire, err := v.orderToWire(o)
		if err != nil {
			return nil, err
		}
		wires[i] = wire
	}

	resp, err := st.client.Exchange(ctx, Action{Type: "order", Orders: wires, Grouping: "na"})
	if err != nil {
		return nil, classifyExchangeErr("place orders", err)
	}
	if resp.Status != "ok" {
		return nil, venue.NewError(venue.KindVenueReject, resp.Status, nil)
	}

	ids := make([]string, len(orders))
	for i, status := range resp.Response.Data.Statuses {
		if i >= len(ids) {
			break
		}
		switch {
		case status.Resting != nil:
			ids[i] = strconv.FormatInt(status.Resting.Oid, 10)
		case status.Filled != nil:
			ids[i] = strconv.FormatInt(status.Filled.Oid, 10)
		case status.Error != "":
			return ids, venue.NewError(venue.KindVenueReject, status.Error, nil)
		}
	}
	return ids, nil
}

// UpdateOrders amends resting orders in place via the modify action — this
// venue supports native amendment.
func (v *Venue) UpdateOrders(ctx context.Context, accountID types.AccountID, orderIDs []string, orders []venue.OrderRequest) ([]string, error) {
	st, err := v.accountState(accountID)
	if err != nil {
		return nil, err
	}
	if len(orderIDs) != len(orders) {
		return nil, venue.NewError(venue.KindProgramming, "orderIDs and orders length mismatch", nil)
	}

	modifies := make([]ModifyWire, len(orders))
	for i, o := range orders {
		oid, err := strconv.ParseInt(orderIDs[i], 10, 64)
		if err != nil {
			return nil, venue.NewError(venue.KindProgramming, fmt.Sprintf("bad order id %q", orderIDs[i]), err)
		}
		wire, err := v.orderToWire(o)
		if err != nil {
			return nil, err
		}
		modifies[i] = ModifyWire{Oid: oid, Order: wire}
	}

	resp, err := st.client.Exchange(ctx, Action{Type: "batchModify", Modifies: modifies})
	if err != nil {
		return nil, classifyExchangeErr("update orders", err)
	}
	if resp.Status != "ok" {
		return nil, venue.NewError(venue.KindVenueReject, resp.Status, nil)
	}
	return orderIDs, nil
}

func (v *Venue) CancelOrders(ctx context.Context, accountID types.AccountID, orderIDs []string) ([]string, error) {
	st, err := v.accountState(accountID)
	if err != nil {
		return nil, err
	}
	// The cancel action needs each order's asset index, which the open
	// orders listing provides.
	open, err := st.client.FetchOpenOrders(ctx, st.user)
	if err != nil {
		return nil, venue.NewError(venue.KindTransport, "fetch open orders", err)
	}
	coinByOid := make(map[int64]string, len(open))
	for _, oo := range open {
		coinByOid[oo.Oid] = oo.Coin
	}

	var cancels []CancelWire
	var canceled []string
	for _, id := range orderIDs {
		oid, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}
		coin, ok := coinByOid[oid]
		if !ok {
			continue
		}
		meta, ok := v.assetMeta(coin)
		if !ok {
			continue
		}
		cancels = append(cancels, CancelWire{Asset: meta.index, Oid: oid})
		canceled = append(canceled, id)
	}
	if len(cancels) == 0 {
		return []string{}, nil
	}

	resp, err := st.client.Exchange(ctx, Action{Type: "cancel", Cancels: cancels})
	if err != nil {
		return nil, classifyExchangeErr("cancel orders", err)
	}
	if resp.Status != "ok" {
		return nil, venue.NewError(venue.KindVenueReject, resp.Status, nil)
	}
	return canceled, nil
}

func (v *Venue) CancelSymbolOrders(ctx context.Context, accountID types.AccountID, symbol string) ([]string, error) {
	return v.cancelWhere(ctx, accountID, func(oo OpenOrderWire) bool { return oo.Coin == symbol })
}

func (v *Venue) CancelAllOrders(ctx context.Context, accountID types.AccountID) ([]string, error) {
	return v.cancelWhere(ctx, accountID, func(OpenOrderWire) bool { return true })
}

func (v *Venue) cancelWhere(ctx context.Context, accountID types.AccountID, keep func(OpenOrderWire) bool) ([]string, error) {
	st, err := v.accountState(accountID)
	if err != nil {
		return nil, err
	}
	open, err := st.client.FetchOpenOrders(ctx, st.user)
	if err != nil {
		return nil, venue.NewError(venue.KindTransport, "fetch open orders", err)
	}
	var ids []string
	for _, oo := range open {
		if keep(oo) {
			ids = append(ids, strconv.FormatInt(oo.Oid, 10))
		}
	}
	if len(ids) == 0 {
		return []string{}, nil
	}
	return v.CancelOrders(ctx, accountID, ids)
}

func (v *Venue) FetchPositionMetadata(ctx context.Context, accountID types.AccountID, symbol string) (float64, bool, error) {
	st, err := v.accountState(accountID)
	if err != nil {
		return 1, false, err
	}
	state, err := st.client.FetchClearinghouseState(ctx, st.user)
	if err != nil {
		return 1, false, venue.NewError(venue.KindTransport, "fetch clearinghouse state", err)
	}
	for _, ap := range state.AssetPositions {
		if ap.Position.Coin == symbol {
			return float64(ap.Position.Leverage.Value), ap.Position.Leverage.Type == "isolated", nil
		}
	}
	return 1, false, nil
}

func (v *Venue) SetLeverage(ctx context.Context, accountID types.AccountID, symbol string, leverage float64) error {
	st, err := v.accountState(accountID)
	if err != nil {
		return err
	}
	meta, ok := v.assetMeta(symbol)
	if !ok {
		return venue.NewError(venue.KindProgramming, fmt.Sprintf("unknown symbol %s", symbol), nil)
	}
	resp, err := st.client.Exchange(ctx, Action{
		Type:     "updateLeverage",
		Asset:    meta.index,
		IsCross:  true,
		Leverage: int(leverage),
	})
	if err != nil {
		return classifyExchangeErr("update leverage", err)
	}
	if resp.Status != "ok" {
		return venue.NewError(venue.KindVenueReject, resp.Status, nil)
	}
	return nil
}

// PlacePositionStop submits a reduce-only trigger order against the
// position: StopMarket maps to tpsl=sl, TakeProfitMarket to tpsl=tp.
func (v *Venue) PlacePositionStop(ctx context.Context, accountID types.AccountID, pos types.Position, kind types.OrderKind, price float64) (string, error) {
	st, err := v.accountState(accountID)
	if err != nil {
		return "", err
	}
	meta, ok := v.assetMeta(pos.Symbol)
	if !ok {
		return "", venue.NewError(venue.KindProgramming, fmt.Sprintf("unknown symbol %s", pos.Symbol), nil)
	}

	tpsl := TpslSl
	switch kind {
	case types.KindTakeProfitMarket:
		tpsl = TpslTp
	case types.KindStopMarket, types.KindTrailingStopMarket:
		tpsl = TpslSl
	default:
		return "", venue.Unsupported("PlacePositionStop: " + string(kind))
	}

	wire := OrderWire{
		Asset:      meta.index,
		IsBuy:      pos.Side == types.Short, // closing side
		LimitPx:    formatDecimal(price, meta.pxDecimals),
		Sz:         formatDecimal(pos.Contracts, meta.szDecimals),
		ReduceOnly: true,
		OrderType: OrderTypeWire{
			Trigger: &TriggerOrderTypeWire{
				TriggerPx: formatDecimal(price, meta.pxDecimals),
				IsMarket:  true,
				Tpsl:      tpsl,
			},
		},
	}
	resp, err := st.client.Exchange(ctx, Action{Type: "order", Orders: []OrderWire{wire}, Grouping: "positionTpsl"})
	if err != nil {
		return "", classifyExchangeErr("place position stop", err)
	}
	if resp.Status != "ok" || len(resp.Response.Data.Statuses) == 0 {
		return "", venue.NewError(venue.KindVenueReject, resp.Status, nil)
	}
	status := resp.Response.Data.Statuses[0]
	if status.Error != "" {
		return "", venue.NewError(venue.KindVenueReject, status.Error, nil)
	}
	if status.Resting != nil {
		return strconv.FormatInt(status.Resting.Oid, 10), nil
	}
	return "", nil
}

func (v *Venue) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error) {
	wires, err := v.public.FetchCandles(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, venue.NewError(venue.KindTransport, "fetch candles", err)
	}
	candles := make([]types.Candle, len(wires))
	for i, cw := range wires {
		candles[i] = candleFromWire(symbol, timeframe, cw)
	}
	return candles, nil
}

func (v *Venue) SubscribeCandles(ctx context.Context, symbol, timeframe string, onCandle func(types.Candle)) (func(), error) {
	feed, err := v.publicFeed()
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.subID++
	id := v.subID
	v.candleSubs[id] = func(cw WSCandle) {
		if cw.S == symbol && cw.I == timeframe {
			onCandle(candleFromWire(symbol, timeframe, CandleWire{T: cw.T, O: cw.O, H: cw.H, L: cw.L, C: cw.C, V: cw.V}))
		}
	}
	v.mu.Unlock()

	var sub WSSubscription
	sub.Subscription.Type = "candle"
	sub.Subscription.Coin = symbol
	sub.Subscription.Interval = timeframe
	feed.Subscribe(sub)
	return func() {
		v.mu.Lock()
		delete(v.candleSubs, id)
		v.mu.Unlock()
		feed.Unsubscribe(sub)
	}, nil
}

func (v *Venue) SubscribeOrderBook(ctx context.Context, symbol string, onBook func(string, any)) (func(), error) {
	feed, err := v.publicFeed()
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.subID++
	id := v.subID
	v.bookSubs[id] = func(book WSBook) {
		if book.Coin == symbol {
			onBook(symbol, book)
		}
	}
	v.mu.Unlock()

	var sub WSSubscription
	sub.Subscription.Type = "l2Book"
	sub.Subscription.Coin = symbol
	feed.Subscribe(sub)
	return func() {
		v.mu.Lock()
		delete(v.bookSubs, id)
		v.mu.Unlock()
		feed.Unsubscribe(sub)
	}, nil
}

func (v *Venue) MaxOrdersPerBatch() int        { return 10 }
func (v *Venue) RateLimit() (float64, float64) { return 5, 1 }

// — helpers —

func (v *Venue) accountState(id types.AccountID) (*accountState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.accounts[id]
	if !ok {
		return nil, venue.NewError(venue.KindProgramming, fmt.Sprintf("unknown account %s", id), nil)
	}
	return st, nil
}

func (v *Venue) assetMeta(coin string) (assetMeta, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.assets[coin]
	return m, ok
}

func (v *Venue) publicFeed() (*Feed, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.feed == nil {
		return nil, venue.NewError(venue.KindProgramming, "public feed not open", nil)
	}
	return v.feed, nil
}

func (v *Venue) orderToWire(o venue.OrderRequest) (OrderWire, error) {
	meta, ok := v.assetMeta(o.Symbol)
	if !ok {
		return OrderWire{}, venue.NewError(venue.KindProgramming, fmt.Sprintf("unknown symbol %s", o.Symbol), nil)
	}

	tif := TifGtc
	switch {
	case o.PostOnly:
		tif = TifAlo
	case o.Type == types.KindMarket || o.TimeInForce == types.IOC:
		tif = TifIoc
	}

	return OrderWire{
		Asset:      meta.index,
		IsBuy:      o.Side == types.Buy,
		LimitPx:    formatDecimal(o.Price, meta.pxDecimals),
		Sz:         formatDecimal(o.Amount, meta.szDecimals),
		ReduceOnly: o.ReduceOnly,
		OrderType:  OrderTypeWire{Limit: &LimitOrderType{Tif: tif}},
	}, nil
}

func classifyExchangeErr(op string, err error) *venue.Error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "throttled") {
		return venue.NewError(venue.KindThrottled, op, err)
	}
	return venue.NewError(venue.KindTransport, op, err)
}

func positionFromWire(accountID types.AccountID, ap AssetPosition) (types.Position, bool) {
	szi := parseFloat(ap.Position.Szi)
	if szi == 0 {
		return types.Position{}, false
	}
	side := types.Long
	if szi < 0 {
		side = types.Short
	}
	contracts := math.Abs(szi)
	entry := parseFloat(ap.Position.EntryPx)
	return types.Position{
		Exchange:         types.Hyperlicked,
		AccountID:        accountID,
		Symbol:           ap.Position.Coin,
		Side:             side,
		EntryPrice:       entry,
		Notional:         entry * contracts,
		Leverage:         float64(ap.Position.Leverage.Value),
		UPnL:             parseFloat(ap.Position.UPnL),
		Contracts:        contracts,
		LiquidationPrice: parseFloat(ap.Position.LiqPx),
		IsHedged:         ap.Position.Leverage.Type == "isolated",
	}, true
}

func orderFromOpenOrder(accountID types.AccountID, oo OpenOrderWire) types.Order {
	size := parseFloat(oo.OrigSz)
	remaining := parseFloat(oo.Sz)
	return types.Order{
		ID:        strconv.FormatInt(oo.Oid, 10),
		Exchange:  types.Hyperlicked,
		AccountID: accountID,
		Status:    types.OrderOpen,
		Symbol:    oo.Coin,
		Type:      types.KindLimit,
		Side:      sideFromWire(oo.Side),
		Price:     parseFloat(oo.LimitPx),
		Amount:    size,
		Filled:    size - remaining,
		Remaining: remaining,
	}
}

func orderFromUpdate(accountID types.AccountID, u WSOrderUpdate) types.Order {
	size := parseFloat(u.Order.OrigSz)
	remaining := parseFloat(u.Order.Sz)
	status := types.OrderOpen
	switch u.Status {
	case "filled":
		status = types.OrderClosed
	case "canceled", "rejected":
		status = types.OrderCanceled
	}
	return types.Order{
		ID:        strconv.FormatInt(u.Order.Oid, 10),
		Exchange:  types.Hyperlicked,
		AccountID: accountID,
		Status:    status,
		Symbol:    u.Order.Coin,
		Type:      types.KindLimit,
		Side:      sideFromWire(u.Order.Side),
		Price:     parseFloat(u.Order.LimitPx),
		Amount:    size,
		Filled:    size - remaining,
		Remaining: remaining,
	}
}

func notificationFromFill(accountID types.AccountID, fill WSFill) types.Notification {
	return types.Notification{
		ID:        strconv.FormatInt(fill.Tid, 10),
		AccountID: accountID,
		Type:      "order_fill",
		Data: types.NotificationData{
			ID:     strconv.FormatInt(fill.Oid, 10),
			Side:   sideFromWire(fill.Side),
			Amount: parseFloat(fill.Sz),
			Symbol: fill.Coin,
			Price:  fill.Px,
		},
	}
}

func candleFromWire(symbol, timeframe string, cw CandleWire) types.Candle {
	return types.Candle{
		Symbol:    symbol,
		Timeframe: timeframe,
		Timestamp: msToTime(cw.T),
		Open:      parseFloat(cw.O),
		High:      parseFloat(cw.H),
		Low:       parseFloat(cw.L),
		Close:     parseFloat(cw.C),
		Volume:    parseFloat(cw.V),
	}
}

func sideFromWire(s Side) types.OrderSide {
	if s == SELL {
		return types.Sell
	}
	return types.Buy
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// formatDecimal renders v with at most decimals places, trimming trailing
// zeros the way the venue's wire format expects.
func formatDecimal(v float64, decimals int) string {
	s := strconv.FormatFloat(v, 'f', decimals, 64)
	if !strings.Contains(s, ".") {
		return s
	}
	// trim trailing zeros and a dangling dot
	for len(s) > 0 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}
