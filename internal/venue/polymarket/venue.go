package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"venueworker/internal/venue"
	"venueworker/pkg/types"
)

// Venue implements venue.Venue for Polymarket's binary-outcome CLOB.
// FetchMarketsAndTickers
// and OpenPublicFeed run against the shared Gamma/market-channel client;
// AddAccount spins up a per-account *Client, *Auth, and user Feed.
type Venue struct {
	cfg    ClientConfig
	wsURL  string
	wsUser string
	public *Client
	logger *slog.Logger

	mu       sync.Mutex
	books    map[string]*Book // marketID -> book
	tokens   map[string]tokenMeta // tokenID -> owning market + tick size
	accounts map[types.AccountID]*accountState

	obSubs  map[string]map[int]func(symbol string, book any)
	obSubID int
}

type tokenMeta struct {
	marketID string
	symbol   string
	tickSize TickSize
	isYes    bool
	negRisk  bool
}

type accountState struct {
	auth   *Auth
	client *Client
	feed   *Feed
}

// NewVenue constructs the Polymarket venue adapter. wsMarketURL and
// wsUserURL are the CLOB WebSocket endpoints for the public and private
// channels respectively.
func NewVenue(cfg ClientConfig, wsMarketURL, wsUserURL string, logger *slog.Logger) *Venue {
	return &Venue{
		cfg:      cfg,
		wsURL:    wsMarketURL,
		wsUser:   wsUserURL,
		public:   NewClient(cfg, &Auth{}, logger),
		logger:   logger.With("venue", "polymarket"),
		books:    make(map[string]*Book),
		tokens:   make(map[string]tokenMeta),
		accounts: make(map[types.AccountID]*accountState),
		obSubs:   make(map[string]map[int]func(string, any)),
	}
}

func (v *Venue) Name() types.VenueName { return types.Polymarket }

// FetchMarketsAndTickers pulls the Gamma listing and converts it to the
// unified model, seeding this venue's token/book registry along the way.
func (v *Venue) FetchMarketsAndTickers(ctx context.Context) (map[string]types.Market, map[string]types.Ticker, error) {
	gammaMarkets, err := v.public.FetchMarkets(ctx)
	if err != nil {
		return nil, nil, venue.NewError(venue.KindTransport, "fetch markets", err)
	}

	markets := make(map[string]types.Market, len(gammaMarkets))
	tickers := make(map[string]types.Ticker, len(gammaMarkets))

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, gm := range gammaMarkets {
		if !gm.Active || gm.Closed {
			continue
		}
		yesToken, noToken := splitTokenIDs(gm.ClobTokenIds)
		if yesToken == "" {
			continue
		}
		tick := tickSizeFromFloat(gm.OrderPriceMinTickSize)

		symbol := gm.Slug
		markets[symbol] = types.Market{
			ID:       gm.ConditionID,
			Exchange: types.Polymarket,
			Symbol:   symbol,
			Base:     "YES",
			Quote:    "USDC",
			Active:   gm.AcceptingOrders,
			Precision: types.Precision{
				Amount: 0.01,
				Price:  float64(1) / pow10(tick.Decimals()),
			},
			Limits: types.Limits{
				Amount: types.AmountLimits{Min: gm.OrderMinSize},
			},
			Metadata: map[string]string{
				"conditionId": gm.ConditionID,
				"yesTokenId":  yesToken,
				"noTokenId":   noToken,
				"negRisk":     strconv.FormatBool(gm.NegRisk),
			},
		}

		tickers[symbol] = types.Ticker{
			ID:       gm.ConditionID,
			Exchange: types.Polymarket,
			Symbol:   symbol,
			Last:     gm.LastTradePrice,
			Volume:   gm.Volume24hr,
			Polymarket: &types.PolymarketTicker{
				Yes: types.PolymarketSide{Bid: gm.BestBid, Ask: gm.BestAsk, Last: gm.LastTradePrice},
			},
		}

		v.books[gm.ConditionID] = NewBook(gm.ConditionID, yesToken, noToken)
		v.tokens[yesToken] = tokenMeta{marketID: gm.ConditionID, symbol: symbol, tickSize: tick, isYes: true, negRisk: gm.NegRisk}
		v.tokens[noToken] = tokenMeta{marketID: gm.ConditionID, symbol: symbol, tickSize: tick, isYes: false, negRisk: gm.NegRisk}
	}

	return markets, tickers, nil
}

// OpenPublicFeed subscribes the market channel to every tracked token and
// streams book/price_change events back through onTicker.
func (v *Venue) OpenPublicFeed(ctx context.Context, onTicker func(types.Ticker), onBook func(string)) error {
	feed := NewMarketFeed(v.wsURL, v.logger)

	feed.OnBook(func(evt WSBookEvent) {
		meta, ok := v.tokenMeta(evt.AssetID)
		if !ok {
			return
		}
		book := v.bookFor(meta.marketID)
		book.ApplyBookEvent(evt)
		onTicker(v.tickerFromBook(meta, book))
		onBook(meta.symbol)
		v.notifyBookSubs(meta.symbol, book)
	})
	feed.OnPriceChange(func(evt WSPriceChangeEvent) {
		for _, pc := range evt.PriceChanges {
			meta, ok := v.tokenMeta(pc.AssetID)
			if !ok {
				continue
			}
			book := v.bookFor(meta.marketID)
			book.ApplyPriceChange(evt)
			onTicker(v.tickerFromBook(meta, book))
			onBook(meta.symbol)
			v.notifyBookSubs(meta.symbol, book)
		}
	})

	v.mu.Lock()
	ids := make([]string, 0, len(v.tokens))
	for id := range v.tokens {
		ids = append(ids, id)
	}
	v.mu.Unlock()
	feed.Seed(ids)

	return feed.Run(ctx)
}

// AddAccount registers an account's wallet/API credentials, hydrates its
// resting orders, and opens its private user feed.
func (v *Venue) AddAccount(ctx context.Context, acc venue.Account, cb venue.AccountCallbacks) (types.AccountShard, error) {
	auth, err := newAuthFromAccountConfig(acc.Config)
	if err != nil {
		return types.AccountShard{}, venue.NewError(venue.KindAuthError, "build account auth", err)
	}
	client := NewClient(v.cfg, auth, v.logger)

	if !auth.HasL2Credentials() {
		if _, err := client.DeriveAPIKey(ctx); err != nil {
			return types.AccountShard{}, venue.NewError(venue.KindAuthError, "derive api key", err)
		}
	}

	shard := types.NewAccountShard()
	openOrders, err := client.OpenOrders(ctx)
	if err != nil {
		return types.AccountShard{}, venue.NewError(venue.KindTransport, "fetch open orders", err)
	}
	for _, oo := range openOrders {
		shard.Orders = append(shard.Orders, orderFromOpenOrder(oo))
	}

	feed := NewUserFeed(v.wsUser, auth, v.logger)
	feed.OnTrade(func(evt WSTradeEvent) {
		if cb.OnFill != nil {
			cb.OnFill(notificationFromTrade(acc.ID, evt))
		}
	})
	feed.OnOrder(func(evt WSOrderEvent) {
		if cb.OnOrderUpdate != nil {
			cb.OnOrderUpdate(orderFromWSEvent(acc.ID, evt))
		}
	})

	v.mu.Lock()
	v.accounts[acc.ID] = &accountState{auth: auth, client: client, feed: feed}
	ids := make([]string, 0, len(v.books))
	for marketID := range v.books {
		ids = append(ids, marketID)
	}
	v.mu.Unlock()

	feed.Seed(ids)
	go feed.Run(ctx)

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

	userOrders := make([]UserOrder, len(orders))
	for i, o := range orders {
		meta, tokenID := v.tokenForSymbol(o.Symbol)
		userOrders[i] = UserOrder{
			TokenID:   tokenID,
			Price:     o.Price,
			Size:      o.Amount,
			Side:      sideToWire(o.Side),
			OrderType: OrderTypeGTC,
			TickSize:  meta.tickSize,
			NegRisk:   meta.negRisk,
		}
	}

	results, err := st.client.PostOrders(ctx, userOrders)
	if err != nil {
		return nil, venue.NewError(venue.KindVenueReject, "post orders", err)
	}
	ids := make([]string, len(results))
	for i, r := range results {
		if !r.Success {
			return ids, venue.NewError(venue.KindVenueReject, r.ErrorMsg, nil)
		}
		ids[i] = r.OrderID
	}
	return ids, nil
}

// UpdateOrders: Polymarket's CLOB has no native amend endpoint; no
// cancel-and-replace fallback happens at this layer.
func (v *Venue) UpdateOrders(ctx context.Context, accountID types.AccountID, orderIDs []string, orders []venue.OrderRequest) ([]string, error) {
	return nil, venue.Unsupported("UpdateOrders")
}

func (v *Venue) CancelOrders(ctx context.Context, accountID types.AccountID, orderIDs []string) ([]string, error) {
	st, err := v.accountState(accountID)
	if err != nil {
		return nil, err
	}
	result, err := st.client.CancelOrders(ctx, orderIDs)
	if err != nil {
		return nil, venue.NewError(venue.KindVenueReject, "cancel orders", err)
	}
	return result.Canceled, nil
}

func (v *Venue) CancelSymbolOrders(ctx context.Context, accountID types.AccountID, symbol string) ([]string, error) {
	st, err := v.accountState(accountID)
	if err != nil {
		return nil, err
	}
	meta, _ := v.tokenForSymbol(symbol)
	result, err := st.client.CancelMarketOrders(ctx, meta.marketID)
	if err != nil {
		return nil, venue.NewError(venue.KindVenueReject, "cancel symbol orders", err)
	}
	return result.Canceled, nil
}

func (v *Venue) CancelAllOrders(ctx context.Context, accountID types.AccountID) ([]string, error) {
	st, err := v.accountState(accountID)
	if err != nil {
		return nil, err
	}
	result, err := st.client.CancelAll(ctx)
	if err != nil {
		return nil, venue.NewError(venue.KindVenueReject, "cancel all orders", err)
	}
	return result.Canceled, nil
}

// FetchPositionMetadata: Polymarket has no margin/leverage concept — binary
// outcome tokens are fully collateralized.
func (v *Venue) FetchPositionMetadata(ctx context.Context, accountID types.AccountID, symbol string) (float64, bool, error) {
	return 1, false, venue.Unsupported("FetchPositionMetadata")
}

func (v *Venue) SetLeverage(ctx context.Context, accountID types.AccountID, symbol string, leverage float64) error {
	return venue.Unsupported("SetLeverage")
}

// PlacePositionStop: the CLOB has no conditional order types — binary
// outcome tokens settle at resolution, there is nothing to stop out of.
func (v *Venue) PlacePositionStop(ctx context.Context, accountID types.AccountID, pos types.Position, kind types.OrderKind, price float64) (string, error) {
	return "", venue.Unsupported("PlacePositionStop")
}

// FetchOHLCV: the CLOB serves trade prints, not candle history.
func (v *Venue) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error) {
	return nil, venue.Unsupported("FetchOHLCV")
}

func (v *Venue) SubscribeCandles(ctx context.Context, symbol, timeframe string, onCandle func(types.Candle)) (func(), error) {
	return nil, venue.Unsupported("SubscribeCandles")
}

// SubscribeOrderBook registers onBook against the shared market channel;
// the stream itself is the public feed, so first/last subscriber only
// toggles local fan-out, not a venue-side subscription.
func (v *Venue) SubscribeOrderBook(ctx context.Context, symbol string, onBook func(symbol string, book any)) (func(), error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	subs, ok := v.obSubs[symbol]
	if !ok {
		subs = make(map[int]func(string, any))
		v.obSubs[symbol] = subs
	}
	v.obSubID++
	id := v.obSubID
	subs[id] = onBook
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.obSubs[symbol], id)
	}, nil
}

func (v *Venue) notifyBookSubs(symbol string, book *Book) {
	v.mu.Lock()
	cbs := make([]func(string, any), 0, len(v.obSubs[symbol]))
	for _, cb := range v.obSubs[symbol] {
		cbs = append(cbs, cb)
	}
	v.mu.Unlock()
	if len(cbs) == 0 {
		return
	}
	yes, no := book.Snapshot()
	snap := map[string]any{"yes": yes, "no": no}
	for _, cb := range cbs {
		cb(symbol, snap)
	}
}

func (v *Venue) MaxOrdersPerBatch() int { return 15 }

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

func (v *Venue) tokenMeta(tokenID string) (tokenMeta, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.tokens[tokenID]
	return m, ok
}

func (v *Venue) bookFor(marketID string) *Book {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, ok := v.books[marketID]
	if !ok {
		b = NewBook(marketID, "", "")
		v.books[marketID] = b
	}
	return b
}

func (v *Venue) tokenForSymbol(symbol string) (tokenMeta, string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for tokenID, meta := range v.tokens {
		if meta.isYes && (meta.symbol == symbol || meta.marketID == symbol) {
			return meta, tokenID
		}
	}
	return tokenMeta{}, ""
}

func (v *Venue) tickerFromBook(meta tokenMeta, book *Book) types.Ticker {
	bid, ask, _ := book.BestBidAsk()
	last := 0.0
	if mid, ok := book.MidPrice(); ok {
		last = mid
	}
	pm := &types.PolymarketTicker{
		Yes: types.PolymarketSide{Bid: bid, Ask: ask, Last: last},
	}
	if bid > 0 && ask > 0 {
		// Complementary outcome: a binary market's NO book is the mirror
		// of the YES book around 1.
		pm.No = types.PolymarketSide{Bid: 1 - ask, Ask: 1 - bid, Last: 1 - last}
	}
	return types.Ticker{
		ID:         meta.marketID,
		Exchange:   types.Polymarket,
		Symbol:     meta.symbol,
		Bid:        bid,
		Ask:        ask,
		Last:       last,
		Polymarket: pm,
	}
}

func sideToWire(s types.OrderSide) Side {
	if s == types.Sell {
		return SELL
	}
	return BUY
}

func orderFromOpenOrder(oo OpenOrder) types.Order {
	size, _ := strconv.ParseFloat(oo.OriginalSize, 64)
	matched, _ := strconv.ParseFloat(oo.SizeMatched, 64)
	price, _ := strconv.ParseFloat(oo.Price, 64)
	return types.Order{
		ID:        oo.ID,
		Exchange:  types.Polymarket,
		Status:    types.OrderOpen,
		Symbol:    oo.Market,
		Type:      types.KindLimit,
		Side:      orderSideFromWire(oo.Side),
		Price:     price,
		Amount:    size,
		Filled:    matched,
		Remaining: size - matched,
	}
}

func orderFromWSEvent(accountID types.AccountID, evt WSOrderEvent) types.Order {
	size, _ := strconv.ParseFloat(evt.OriginalSize, 64)
	matched, _ := strconv.ParseFloat(evt.SizeMatched, 64)
	price, _ := strconv.ParseFloat(evt.Price, 64)

	status := types.OrderOpen
	switch evt.Type {
	case "CANCELLATION":
		status = types.OrderCanceled
	default:
		if matched >= size && size > 0 {
			status = types.OrderClosed
		}
	}

	return types.Order{
		ID:        evt.ID,
		Exchange:  types.Polymarket,
		AccountID: accountID,
		Status:    status,
		Symbol:    evt.Market,
		Type:      types.KindLimit,
		Side:      orderSideFromWire(evt.Side),
		Price:     price,
		Amount:    size,
		Filled:    matched,
		Remaining: size - matched,
	}
}

func notificationFromTrade(accountID types.AccountID, evt WSTradeEvent) types.Notification {
	return types.Notification{
		ID:        evt.ID,
		AccountID: accountID,
		Type:      "order_fill",
		Data: types.NotificationData{
			ID:     evt.ID,
			Side:   orderSideFromWire(evt.Side),
			Amount: parsePrice(evt.Size),
			Symbol: evt.Market,
			Price:  evt.Price,
		},
	}
}

func orderSideFromWire(s string) types.OrderSide {
	if s == string(SELL) {
		return types.Sell
	}
	return types.Buy
}

func splitTokenIDs(raw string) (yes, no string) {
	// ClobTokenIds arrives as a JSON-encoded two-element array string,
	// e.g. `["123...", "456..."]`; the Gamma API does not give it to us
	// as a native array field.
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil || len(ids) < 2 {
		return "", ""
	}
	return ids[0], ids[1]
}

func tickSizeFromFloat(f float64) TickSize {
	switch {
	case f <= 0.0001:
		return Tick00001
	case f <= 0.001:
		return Tick0001
	case f <= 0.01:
		return Tick001
	default:
		return Tick01
	}
}

func pow10(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}
