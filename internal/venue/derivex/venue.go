package derivex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"venueworker/internal/transport"
	"venueworker/internal/venue"
	"venueworker/pkg/types"
)

// Venue implements venue.Venue for DerivEx. A shared unauthenticated
// client serves public data; each account gets its own signed client and
// listen-key user stream. The exchange has no batch order endpoint, so a
// "batch" is submitted as sequential single-order calls.
type Venue struct {
	cfg    ClientConfig
	wsURL  string
	public *Client
	logger *slog.Logger

	mu       sync.Mutex
	symbols  map[string]SymbolInfo
	accounts map[types.AccountID]*accountState
}

type accountState struct {
	client    *Client
	feed      *UserFeed
	feedStop  context.CancelFunc
	orderSyms map[int64]string // orderId -> symbol, needed to cancel
}

// NewVenue constructs the DerivEx adapter. cfg's API credentials are
// ignored here — they arrive per account through AddAccount.
func NewVenue(cfg ClientConfig, wsURL string, logger *slog.Logger) *Venue {
	l := logger.With("venue", "derivex")
	return &Venue{
		cfg:      cfg,
		wsURL:    wsURL,
		public:   NewClient(ClientConfig{BaseURL: cfg.BaseURL}, l),
		logger:   l,
		symbols:  make(map[string]SymbolInfo),
		accounts: make(map[types.AccountID]*accountState),
	}
}

func (v *Venue) Name() types.VenueName { return types.DerivEx }

func (v *Venue) FetchMarketsAndTickers(ctx context.Context) (map[string]types.Market, map[string]types.Ticker, error) {
	info, err := v.public.ExchangeInfo(ctx)
	if err != nil {
		return nil, nil, venue.NewError(venue.KindTransport, "fetch exchange info", err)
	}
	tickers24h, err := v.public.Tickers(ctx)
	if err != nil {
		return nil, nil, venue.NewError(venue.KindTransport, "fetch tickers", err)
	}

	markets := make(map[string]types.Market, len(info.Symbols))
	tickers := make(map[string]types.Ticker, len(tickers24h))

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, s := range info.Symbols {
		v.symbols[s.Symbol] = s
		markets[s.Symbol] = types.Market{
			ID:       s.Symbol,
			Exchange: types.DerivEx,
			Symbol:   s.Symbol,
			Base:     s.BaseAsset,
			Quote:    s.QuoteAsset,
			Active:   s.Status == "TRADING",
			Precision: types.Precision{
				Amount: s.StepSize,
				Price:  s.TickSize,
			},
			Limits: types.Limits{
				Amount:   types.AmountLimits{Min: s.MinQty, Max: s.MaxQty, MaxMarket: s.MaxMarketQty},
				Leverage: types.LeverageLimits{Min: 1, Max: float64(s.MaxLeverage)},
			},
		}
	}
	for _, t := range tickers24h {
		tickers[t.Symbol] = tickerFromWire(t)
	}
	return markets, tickers, nil
}

func (v *Venue) OpenPublicFeed(ctx context.Context, onTicker func(types.Ticker), onBook func(string)) error {
	feed := NewMarketFeed(v.wsURL, v.logger)
	feed.OnTicker(func(t WSTicker) {
		onTicker(tickerFromWire(Ticker24h{
			Symbol:             t.Symbol,
			BidPrice:           t.Bid,
			AskPrice:           t.Ask,
			LastPrice:          t.Last,
			PriceChangePercent: t.Percent,
			Volume:             t.Volume,
			QuoteVolume:        t.QuoteVol,
		}))
		onBook(t.Symbol)
	})
	return feed.Run(ctx)
}

func (v *Venue) AddAccount(ctx context.Context, acc venue.Account, cb venue.AccountCallbacks) (types.AccountShard, error) {
	client := NewClient(ClientConfig{
		BaseURL:   v.cfg.BaseURL,
		APIKey:    acc.Config["apiKey"],
		SecretKey: acc.Config["secretKey"],
	}, v.logger)

	info, err := client.Account(ctx)
	if err != nil {
		return types.AccountShard{}, venue.NewError(venue.KindAuthError, "fetch account", err)
	}

	shard := types.NewAccountShard()
	shard.Balance = types.Balance{
		Total: info.TotalWalletBalance,
		Used:  info.TotalMarginUsed,
		Free:  info.AvailableBalance,
		UPnL:  info.TotalUnrealizedPnl,
	}
	for _, p := range info.Positions {
		if pos, ok := positionFromWire(acc.ID, p); ok {
			shard.Positions = append(shard.Positions, pos)
		}
	}

	st := &accountState{client: client, orderSyms: make(map[int64]string)}
	open, err := client.OpenOrders(ctx)
	if err != nil {
		return types.AccountShard{}, venue.NewError(venue.KindTransport, "fetch open orders", err)
	}
	for _, o := range open {
		st.orderSyms[o.OrderID] = o.Symbol
		shard.Orders = append(shard.Orders, orderFromResult(acc.ID, o))
	}

	listenKey, err := client.StartUserStream(ctx)
	if err != nil {
		return types.AccountShard{}, venue.NewError(venue.KindAuthError, "start user stream", err)
	}
	feed := NewUserFeed(v.wsURL, listenKey, v.logger)
	feed.OnOrder(func(evt WSOrderUpdate) {
		if cb.OnOrderUpdate != nil {
			cb.OnOrderUpdate(orderFromUpdate(acc.ID, evt))
		}
		if evt.Order.LastFillQty > 0 && cb.OnFill != nil {
			cb.OnFill(notificationFromUpdate(acc.ID, evt))
		}
	})
	feed.OnAccount(func(evt WSAccountUpdate) {
		if cb.OnBalance != nil && len(evt.Data.Balances) > 0 {
			b := evt.Data.Balances[0]
			cb.OnBalance(types.Balance{Total: b.Balance, Free: b.Avail, Used: b.Balance - b.Avail})
		}
		if cb.OnPosition != nil && len(evt.Data.Positions) > 0 {
			var positions []types.Position
			for _, p := range evt.Data.Positions {
				if pos, ok := positionFromWire(acc.ID, AccountPosition{
					Symbol:           p.Symbol,
					PositionAmt:      p.PositionAmt,
					EntryPrice:       p.EntryPrice,
					UnrealizedProfit: p.UPnL,
				}); ok {
					positions = append(positions, pos)
				}
			}
			if len(positions) > 0 {
				cb.OnPosition(positions)
			}
		}
	})

	feedCtx, cancel := context.WithCancel(ctx)
	st.feed = feed
	st.feedStop = cancel
	go feed.Run(feedCtx)
	go v.keepAliveLoop(feedCtx, client)

	v.mu.Lock()
	v.accounts[acc.ID] = st
	v.mu.Unlock()

	return shard, nil
}

// keepAliveLoop pings the listen key; the exchange drops idle keys after
// an hour.
func (v *Venue) keepAliveLoop(ctx context.Context, client *Client) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.KeepAliveUserStream(ctx); err != nil {
				v.logger.Warn("listen key keepalive failed", "error", err)
			}
		}
	}
}

func (v *Venue) RemoveAccount(ctx context.Context, id types.AccountID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.accounts[id]
	if !ok {
		return nil
	}
	st.feedStop()
	st.feed.Close()
	delete(v.accounts, id)
	return nil
}

func (v *Venue) PlaceOrders(ctx context.Context, accountID types.AccountID, orders []venue.OrderRequest) ([]string, error) {
	st, err := v.accountState(accountID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(orders))
	for i, o := range orders {
		params, err := orderParams(o)
		if err != nil {
			return ids, err
		}
		result, err := st.client.PlaceOrder(ctx, params)
		if err != nil {
			return ids, classifyErr("place order", err)
		}
		if result.Status == "REJECTED" {
			return ids, venue.NewError(venue.KindVenueReject, fmt.Sprintf("order %d rejected", i), nil)
		}
		v.mu.Lock()
		st.orderSyms[result.OrderID] = o.Symbol
		v.mu.Unlock()
		ids[i] = strconv.FormatInt(result.OrderID, 10)
	}
	return ids, nil
}

// UpdateOrders: the exchange has no amend endpoint; callers cancel-and-
// replace explicitly.
func (v *Venue) UpdateOrders(ctx context.Context, accountID types.AccountID, orderIDs []string, orders []venue.OrderRequest) ([]string, error) {
	return nil, venue.Unsupported("UpdateOrders")
}

func (v *Venue) CancelOrders(ctx context.Context, accountID types.AccountID, orderIDs []string) ([]string, error) {
	st, err := v.accountState(accountID)
	if err != nil {
		return nil, err
	}
	var canceled []string
	for _, id := range orderIDs {
		oid, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}
		v.mu.Lock()
		symbol, ok := st.orderSyms[oid]
		v.mu.Unlock()
		if !ok {
			continue
		}
		result, err := st.client.CancelOrder(ctx, symbol, oid)
		if err != nil {
			return canceled, classifyErr("cancel order", err)
		}
		if result.Status == "CANCELED" {
			canceled = append(canceled, id)
		}
	}
	return canceled, nil
}

func (v *Venue) CancelSymbolOrders(ctx context.Context, accountID types.AccountID, symbol string) ([]string, error) {
	st, err := v.accountState(accountID)
	if err != nil {
		return nil, err
	}
	results, err := st.client.CancelAllOpenOrders(ctx, symbol)
	if err != nil {
		return nil, classifyErr("cancel symbol orders", err)
	}
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, strconv.FormatInt(r.OrderID, 10))
	}
	return ids, nil
}

func (v *Venue) CancelAllOrders(ctx context.Context, accountID types.AccountID) ([]string, error) {
	return v.CancelSymbolOrders(ctx, accountID, "")
}

// FetchPositionMetadata reads leverage and hedge mode from the account's
// position risk — genuinely supported on this venue (a cross-margin perp
// account), unlike the CLOB venues.
func (v *Venue) FetchPositionMetadata(ctx context.Context, accountID types.AccountID, symbol string) (float64, bool, error) {
	st, err := v.accountState(accountID)
	if err != nil {
		return 1, false, err
	}
	info, err := st.client.Account(ctx)
	if err != nil {
		return 1, false, venue.NewError(venue.KindTransport, "fetch account", err)
	}
	for _, p := range info.Positions {
		if p.Symbol == symbol {
			return p.Leverage, p.PositionSide != "BOTH", nil
		}
	}
	return 1, false, nil
}

func (v *Venue) SetLeverage(ctx context.Context, accountID types.AccountID, symbol string, leverage float64) error {
	st, err := v.accountState(accountID)
	if err != nil {
		return err
	}
	if err := st.client.SetLeverage(ctx, symbol, int(leverage)); err != nil {
		return classifyErr("set leverage", err)
	}
	return nil
}

// PlacePositionStop submits a close-position conditional order at the
// trigger price.
func (v *Venue) PlacePositionStop(ctx context.Context, accountID types.AccountID, pos types.Position, kind types.OrderKind, price float64) (string, error) {
	st, err := v.accountState(accountID)
	if err != nil {
		return "", err
	}

	var orderType string
	switch kind {
	case types.KindStopMarket:
		orderType = "STOP_MARKET"
	case types.KindTakeProfitMarket:
		orderType = "TAKE_PROFIT_MARKET"
	case types.KindTrailingStopMarket:
		orderType = "TRAILING_STOP_MARKET"
	default:
		return "", venue.Unsupported("PlacePositionStop: " + string(kind))
	}

	side := "SELL"
	if pos.Side == types.Short {
		side = "BUY"
	}
	params := url.Values{}
	params.Set("symbol", pos.Symbol)
	params.Set("side", side)
	params.Set("type", orderType)
	params.Set("stopPrice", strconv.FormatFloat(price, 'f', -1, 64))
	params.Set("closePosition", "true")

	result, err := st.client.PlaceOrder(ctx, params)
	if err != nil {
		return "", classifyErr("place position stop", err)
	}
	v.mu.Lock()
	st.orderSyms[result.OrderID] = pos.Symbol
	v.mu.Unlock()
	return strconv.FormatInt(result.OrderID, 10), nil
}

func (v *Venue) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error) {
	klines, err := v.public.Klines(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, venue.NewError(venue.KindTransport, "fetch klines", err)
	}
	candles := make([]types.Candle, len(klines))
	for i, k := range klines {
		candles[i] = types.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			Timestamp: time.UnixMilli(k.OpenTime),
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Volume,
		}
	}
	return candles, nil
}

// SubscribeCandles opens a dedicated kline stream for (symbol, timeframe).
func (v *Venue) SubscribeCandles(ctx context.Context, symbol, timeframe string, onCandle func(types.Candle)) (func(), error) {
	stream := strings.ToLower(symbol) + "@kline_" + timeframe
	return v.openStream(ctx, stream, func(data json.RawMessage) {
		var evt struct {
			Kline struct {
				Start  int64  `json:"t"`
				Open   string `json:"o"`
				High   string `json:"h"`
				Low    string `json:"l"`
				Close  string `json:"c"`
				Volume string `json:"v"`
			} `json:"k"`
		}
		if err := json.Unmarshal(data, &evt); err != nil {
			return
		}
		onCandle(types.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			Timestamp: time.UnixMilli(evt.Kline.Start),
			Open:      parseFloat(evt.Kline.Open),
			High:      parseFloat(evt.Kline.High),
			Low:       parseFloat(evt.Kline.Low),
			Close:     parseFloat(evt.Kline.Close),
			Volume:    parseFloat(evt.Kline.Volume),
		})
	})
}

// SubscribeOrderBook opens a dedicated partial-depth stream for symbol.
func (v *Venue) SubscribeOrderBook(ctx context.Context, symbol string, onBook func(string, any)) (func(), error) {
	stream := strings.ToLower(symbol) + "@depth20"
	return v.openStream(ctx, stream, func(data json.RawMessage) {
		var depth struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
		}
		if err := json.Unmarshal(data, &depth); err != nil {
			return
		}
		onBook(symbol, depth)
	})
}

// openStream runs one combined-stream subscription on its own transport;
// the returned stop function tears it down.
func (v *Venue) openStream(ctx context.Context, stream string, handle func(json.RawMessage)) (func(), error) {
	tr := transport.New(strings.TrimRight(v.wsURL, "/")+"/stream?streams="+stream, transport.DefaultOptions(), v.logger)
	tr.AddEventListener("message", func(e any) {
		msg, ok := e.(transport.MessageEvent)
		if !ok {
			return
		}
		var envelope WSStreamMessage
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			return
		}
		handle(envelope.Data)
	})
	streamCtx, cancel := context.WithCancel(ctx)
	go tr.Run(streamCtx)
	return func() {
		cancel()
		tr.Close(1000, "unsubscribed")
	}, nil
}

func (v *Venue) MaxOrdersPerBatch() int        { return 5 }
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

func classifyErr(op string, err error) *venue.Error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "throttled") {
		return venue.NewError(venue.KindThrottled, op, err)
	}
	if strings.Contains(err.Error(), "status 4") {
		return venue.NewError(venue.KindVenueReject, op, err)
	}
	return venue.NewError(venue.KindTransport, op, err)
}

// orderParams maps a unified order request onto the exchange's query
// parameters. Post-only rides the GTX time-in-force.
func orderParams(o venue.OrderRequest) (url.Values, error) {
	params := url.Values{}
	params.Set("symbol", o.Symbol)
	if o.Side == types.Sell {
		params.Set("side", "SELL")
	} else {
		params.Set("side", "BUY")
	}
	params.Set("quantity", strconv.FormatFloat(o.Amount, 'f', -1, 64))
	if o.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	switch o.Type {
	case types.KindMarket:
		params.Set("type", "MARKET")
	case types.KindLimit:
		params.Set("type", "LIMIT")
		params.Set("price", strconv.FormatFloat(o.Price, 'f', -1, 64))
		tif := "GTC"
		switch {
		case o.PostOnly:
			tif = "GTX"
		case o.TimeInForce == types.IOC:
			tif = "IOC"
		case o.TimeInForce == types.FOK:
			tif = "FOK"
		}
		params.Set("timeInForce", tif)
	default:
		return nil, venue.NewError(venue.KindProgramming, fmt.Sprintf("order type %s goes through PlacePositionStop", o.Type), nil)
	}
	return params, nil
}

func tickerFromWire(t Ticker24h) types.Ticker {
	return types.Ticker{
		ID:           t.Symbol,
		Exchange:     types.DerivEx,
		Symbol:       t.Symbol,
		CleanSymbol:  strings.TrimSuffix(t.Symbol, "USDT"),
		Bid:          t.BidPrice,
		Ask:          t.AskPrice,
		Last:         t.LastPrice,
		Mark:         t.MarkPrice,
		Index:        t.IndexPrice,
		Percentage:   t.PriceChangePercent,
		OpenInterest: t.OpenInterest,
		FundingRate:  t.FundingRate,
		Volume:       t.Volume,
		QuoteVolume:  t.QuoteVolume,
	}
}

func positionFromWire(accountID types.AccountID, p AccountPosition) (types.Position, bool) {
	if p.PositionAmt == 0 {
		return types.Position{}, false
	}
	side := types.Long
	if p.PositionAmt < 0 {
		side = types.Short
	}
	contracts := math.Abs(p.PositionAmt)
	return types.Position{
		Exchange:         types.DerivEx,
		AccountID:        accountID,
		Symbol:           p.Symbol,
		Side:             side,
		EntryPrice:       p.EntryPrice,
		Notional:         p.EntryPrice * contracts,
		Leverage:         p.Leverage,
		UPnL:             p.UnrealizedProfit,
		Contracts:        contracts,
		LiquidationPrice: p.LiquidationPrice,
		IsHedged:         p.PositionSide != "" && p.PositionSide != "BOTH",
	}, true
}

func orderFromResult(accountID types.AccountID, o OrderResult) types.Order {
	return types.Order{
		ID:          strconv.FormatInt(o.OrderID, 10),
		Exchange:    types.DerivEx,
		AccountID:   accountID,
		Status:      statusFromWire(o.Status),
		Symbol:      o.Symbol,
		Type:        kindFromWire(o.Type),
		Side:        sideFromWire(o.Side),
		Price:       o.Price,
		Amount:      o.OrigQty,
		Filled:      o.ExecutedQty,
		Remaining:   o.OrigQty - o.ExecutedQty,
		ReduceOnly:  o.ReduceOnly,
		TimeInForce: types.TimeInForce(o.TimeInForce),
	}
}

func orderFromUpdate(accountID types.AccountID, evt WSOrderUpdate) types.Order {
	o := evt.Order
	return types.Order{
		ID:         strconv.FormatInt(o.OrderID, 10),
		Exchange:   types.DerivEx,
		AccountID:  accountID,
		Status:     statusFromWire(o.Status),
		Symbol:     o.Symbol,
		Type:       kindFromWire(o.Type),
		Side:       sideFromWire(o.Side),
		Price:      o.Price,
		Amount:     o.OrigQty,
		Filled:     o.FilledQty,
		Remaining:  o.OrigQty - o.FilledQty,
		ReduceOnly: o.ReduceOnly,
	}
}

func notificationFromUpdate(accountID types.AccountID, evt WSOrderUpdate) types.Notification {
	o := evt.Order
	price := strconv.FormatFloat(o.LastFillPx, 'f', -1, 64)
	if o.Type == "MARKET" {
		price = "MARKET"
	}
	return types.Notification{
		ID:        strconv.FormatInt(o.TradeID, 10),
		AccountID: accountID,
		Type:      "order_fill",
		Data: types.NotificationData{
			ID:     strconv.FormatInt(o.OrderID, 10),
			Side:   sideFromWire(o.Side),
			Amount: o.LastFillQty,
			Symbol: o.Symbol,
			Price:  price,
		},
	}
}

func statusFromWire(s string) types.OrderStatus {
	switch s {
	case "FILLED":
		return types.OrderClosed
	case "CANCELED", "REJECTED", "EXPIRED":
		return types.OrderCanceled
	default:
		return types.OrderOpen
	}
}

func kindFromWire(s string) types.OrderKind {
	switch s {
	case "MARKET":
		return types.KindMarket
	case "STOP_MARKET":
		return types.KindStopMarket
	case "TAKE_PROFIT_MARKET":
		return types.KindTakeProfitMarket
	case "TRAILING_STOP_MARKET":
		return types.KindTrailingStopMarket
	default:
		return types.KindLimit
	}
}

func sideFromWire(s string) types.OrderSide {
	if s == "SELL" {
		return types.Sell
	}
	return types.Buy
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
