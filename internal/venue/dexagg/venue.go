package dexagg

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"venueworker/internal/venue"
	"venueworker/pkg/types"
)

// Pair configures one tradable route: a base/quote token pair quoted and
// swapped through the aggregator router.
type Pair struct {
	Symbol        string
	BaseToken     string // ERC20 address
	QuoteToken    string // ERC20 address
	BaseDecimals  int32
	QuoteDecimals int32
}

// Config wires the venue to a chain.
type Config struct {
	RPCURL        string
	RouterAddress string
	Pairs         []Pair
	PollInterval  time.Duration // quote poll cadence; default 5s
	SlippageBps   int64         // default 100 (1%)
}

// Venue implements venue.Venue over on-chain swaps. There is no resting
// order state: placeOrders broadcasts a swap per order and reports the
// mined receipt as the fill; cancels and amendments are impossible once
// broadcast.
type Venue struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	router   *Router
	pairs    map[string]Pair
	lastPx   map[string]float64
	accounts map[types.AccountID]*accountState
}

type accountState struct {
	key  *ecdsa.PrivateKey
	addr common.Address
	cb   venue.AccountCallbacks
}

// NewVenue constructs the adapter; the chain connection is dialed lazily
// on start (FetchMarketsAndTickers).
func NewVenue(cfg Config, logger *slog.Logger) *Venue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.SlippageBps <= 0 {
		cfg.SlippageBps = 100
	}
	pairs := make(map[string]Pair, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		pairs[p.Symbol] = p
	}
	return &Venue{
		cfg:      cfg,
		logger:   logger.With("venue", "dexagg"),
		pairs:    pairs,
		lastPx:   make(map[string]float64),
		accounts: make(map[types.AccountID]*accountState),
	}
}

func (v *Venue) Name() types.VenueName { return types.DexAgg }

func (v *Venue) FetchMarketsAndTickers(ctx context.Context) (map[string]types.Market, map[string]types.Ticker, error) {
	router, err := v.ensureRouter(ctx)
	if err != nil {
		return nil, nil, err
	}

	markets := make(map[string]types.Market, len(v.pairs))
	tickers := make(map[string]types.Ticker, len(v.pairs))
	for symbol, pair := range v.pairs {
		markets[symbol] = types.Market{
			ID:       pair.BaseToken,
			Exchange: types.DexAgg,
			Symbol:   symbol,
			Base:     pair.BaseToken,
			Quote:    pair.QuoteToken,
			Active:   true,
			Precision: types.Precision{
				Amount: tickFromDecimals(pair.BaseDecimals),
				Price:  tickFromDecimals(pair.QuoteDecimals),
			},
			Metadata: map[string]string{
				"baseToken":  pair.BaseToken,
				"quoteToken": pair.QuoteToken,
			},
		}
		price, err := v.quote(ctx, router, pair)
		if err != nil {
			v.logger.Warn("initial quote failed", "symbol", symbol, "error", err)
			continue
		}
		v.setLastPrice(symbol, price)
		tickers[symbol] = v.tickerFor(symbol, price)
	}
	return markets, tickers, nil
}

// OpenPublicFeed polls each route's quote and emits a ticker whenever it
// moves — the aggregator's substitute for a market-data socket.
func (v *Venue) OpenPublicFeed(ctx context.Context, onTicker func(types.Ticker), onBook func(string)) error {
	router, err := v.ensureRouter(ctx)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(v.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for symbol, pair := range v.pairs {
				price, err := v.quote(ctx, router, pair)
				if err != nil {
					v.logger.Warn("quote failed", "symbol", symbol, "error", err)
					continue
				}
				if v.lastPrice(symbol) == price {
					continue
				}
				v.setLastPrice(symbol, price)
				onTicker(v.tickerFor(symbol, price))
				onBook(symbol)
			}
		}
	}
}

func (v *Venue) AddAccount(ctx context.Context, acc venue.Account, cb venue.AccountCallbacks) (types.AccountShard, error) {
	keyHex := acc.Config["privateKey"]
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return types.AccountShard{}, venue.NewError(venue.KindAuthError, "parse private key", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)

	shard := types.NewAccountShard()
	router, err := v.ensureRouter(ctx)
	if err == nil {
		// Quote-token balance of the first configured pair is the
		// account's working capital.
		for _, pair := range v.cfg.Pairs {
			raw, err := router.BalanceOf(ctx, common.HexToAddress(pair.QuoteToken), addr)
			if err != nil {
				v.logger.Warn("balance read failed", "error", err)
				break
			}
			free := fromUnits(raw, pair.QuoteDecimals)
			shard.Balance = types.Balance{Free: free, Total: free}
			break
		}
	}

	v.mu.Lock()
	v.accounts[acc.ID] = &accountState{key: key, addr: addr, cb: cb}
	v.mu.Unlock()
	return shard, nil
}

func (v *Venue) RemoveAccount(ctx context.Context, id types.AccountID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.accounts, id)
	return nil
}

// PlaceOrders executes each order as an approve-then-swap transaction pair
// and returns the swap tx hash as the order id. Only market orders exist
// on an aggregator — a broadcast swap executes at the route's price.
func (v *Venue) PlaceOrders(ctx context.Context, accountID types.AccountID, orders []venue.OrderRequest) ([]string, error) {
	st, err := v.accountState(accountID)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		if o.Type != types.KindMarket {
			return nil, venue.Unsupported("non-market orders on an aggregator")
		}
		if _, ok := v.pairs[o.Symbol]; !ok {
			return nil, venue.NewError(venue.KindProgramming, fmt.Sprintf("unknown symbol %s", o.Symbol), nil)
		}
	}
	router, err := v.ensureRouter(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(orders))
	for i, o := range orders {
		pair := v.pairs[o.Symbol]
		hash, err := v.swap(ctx, router, st, pair, o)
		if err != nil {
			return ids, err
		}
		ids[i] = hash.Hex()

		// The fill lands when the receipt is mined; report it through the
		// account's fill callback like any other venue's private stream.
		go v.watchReceipt(ctx, router, st, o, hash)
	}
	return ids, nil
}

func (v *Venue) swap(ctx context.Context, router *Router, st *accountState, pair Pair, o venue.OrderRequest) (common.Hash, error) {
	base := common.HexToAddress(pair.BaseToken)
	quote := common.HexToAddress(pair.QuoteToken)
	price := v.lastPrice(pair.Symbol)

	var path []common.Address
	var amountIn *big.Int
	var inToken common.Address
	if o.Side == types.Buy {
		// Spend quote to receive o.Amount base at the current quote price.
		path = []common.Address{quote, base}
		amountIn = toUnits(o.Amount*price, pair.QuoteDecimals)
		inToken = quote
	} else {
		path = []common.Address{base, quote}
		amountIn = toUnits(o.Amount, pair.BaseDecimals)
		inToken = base
	}

	expected, err := router.AmountsOut(ctx, amountIn, path)
	if err != nil {
		return common.Hash{}, venue.NewError(venue.KindTransport, "quote route", err)
	}
	minOut := new(big.Int).Mul(expected, big.NewInt(10000-v.cfg.SlippageBps))
	minOut.Div(minOut, big.NewInt(10000))

	approveHash, err := router.Approve(ctx, st.key, inToken, amountIn)
	if err != nil {
		return common.Hash{}, venue.NewError(venue.KindSignError, "approve", err)
	}
	if _, err := router.WaitMined(ctx, approveHash); err != nil {
		return common.Hash{}, venue.NewError(venue.KindTransport, "wait approve", err)
	}

	deadline := big.NewInt(time.Now().Add(2 * time.Minute).Unix())
	swapHash, err := router.Swap(ctx, st.key, amountIn, minOut, path, deadline)
	if err != nil {
		return common.Hash{}, venue.NewError(venue.KindSignError, "swap", err)
	}
	return swapHash, nil
}

func (v *Venue) watchReceipt(ctx context.Context, router *Router, st *accountState, o venue.OrderRequest, hash common.Hash) {
	receipt, err := router.WaitMined(ctx, hash)
	if err != nil {
		v.logger.Warn("receipt wait failed", "tx", hash.Hex(), "error", err)
		return
	}
	if receipt.Status != 1 {
		v.logger.Warn("swap reverted", "tx", hash.Hex())
		if st.cb.OnOrderUpdate != nil {
			st.cb.OnOrderUpdate(types.Order{
				ID: hash.Hex(), Exchange: types.DexAgg, Status: types.OrderCanceled,
				Symbol: o.Symbol, Type: types.KindMarket, Side: o.Side,
				Amount: o.Amount, Remaining: o.Amount,
			})
		}
		return
	}
	if st.cb.OnOrderUpdate != nil {
		st.cb.OnOrderUpdate(types.Order{
			ID: hash.Hex(), Exchange: types.DexAgg, Status: types.OrderClosed,
			Symbol: o.Symbol, Type: types.KindMarket, Side: o.Side,
			Amount: o.Amount, Filled: o.Amount,
		})
	}
	if st.cb.OnFill != nil {
		st.cb.OnFill(types.Notification{
			ID:   hash.Hex(),
			Type: "order_fill",
			Data: types.NotificationData{
				ID:     hash.Hex(),
				Side:   o.Side,
				Amount: o.Amount,
				Symbol: o.Symbol,
				Price:  "MARKET",
			},
		})
	}
}

// UpdateOrders / cancels: a broadcast swap cannot be amended or recalled.
func (v *Venue) UpdateOrders(ctx context.Context, accountID types.AccountID, orderIDs []string, orders []venue.OrderRequest) ([]string, error) {
	return nil, venue.Unsupported("UpdateOrders")
}

func (v *Venue) CancelOrders(ctx context.Context, accountID types.AccountID, orderIDs []string) ([]string, error) {
	return nil, venue.Unsupported("CancelOrders")
}

func (v *Venue) CancelSymbolOrders(ctx context.Context, accountID types.AccountID, symbol string) ([]string, error) {
	return nil, venue.Unsupported("CancelSymbolOrders")
}

func (v *Venue) CancelAllOrders(ctx context.Context, accountID types.AccountID) ([]string, error) {
	return nil, venue.Unsupported("CancelAllOrders")
}

func (v *Venue) FetchPositionMetadata(ctx context.Context, accountID types.AccountID, symbol string) (float64, bool, error) {
	return 1, false, venue.Unsupported("FetchPositionMetadata")
}

func (v *Venue) SetLeverage(ctx context.Context, accountID types.AccountID, symbol string, leverage float64) error {
	return venue.Unsupported("SetLeverage")
}

func (v *Venue) PlacePositionStop(ctx context.Context, accountID types.AccountID, pos types.Position, kind types.OrderKind, price float64) (string, error) {
	return "", venue.Unsupported("PlacePositionStop")
}

func (v *Venue) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error) {
	return nil, venue.Unsupported("FetchOHLCV")
}

func (v *Venue) SubscribeCandles(ctx context.Context, symbol, timeframe string, onCandle func(types.Candle)) (func(), error) {
	return nil, venue.Unsupported("SubscribeCandles")
}

// SubscribeOrderBook streams a simulated depth ladder built from route
// quotes at increasing sizes — the closest thing an aggregator has to a
// book.
func (v *Venue) SubscribeOrderBook(ctx context.Context, symbol string, onBook func(string, any)) (func(), error) {
	pair, ok := v.pairs[symbol]
	if !ok {
		return nil, venue.NewError(venue.KindProgramming, fmt.Sprintf("unknown symbol %s", symbol), nil)
	}
	router, err := v.ensureRouter(ctx)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(v.cfg.PollInterval)
		defer ticker.Stop()
		sizes := []float64{1, 10, 100}
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-ticker.C:
				levels := make([]map[string]float64, 0, len(sizes))
				for _, size := range sizes {
					amountIn := toUnits(size, pair.BaseDecimals)
					out, err := router.AmountsOut(streamCtx, amountIn, []common.Address{
						common.HexToAddress(pair.BaseToken), common.HexToAddress(pair.QuoteToken),
					})
					if err != nil {
						continue
					}
					px := fromUnits(out, pair.QuoteDecimals) / size
					levels = append(levels, map[string]float64{"size": size, "price": px})
				}
				onBook(symbol, map[string]any{"symbol": symbol, "levels": levels})
			}
		}
	}()
	return cancel, nil
}

func (v *Venue) MaxOrdersPerBatch() int        { return 1 }
func (v *Venue) RateLimit() (float64, float64) { return 1, 1 }

// — helpers —

func (v *Venue) ensureRouter(ctx context.Context) (*Router, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.router != nil {
		return v.router, nil
	}
	router, err := DialRouter(ctx, v.cfg.RPCURL, v.cfg.RouterAddress)
	if err != nil {
		return nil, venue.NewError(venue.KindTransport, "dial chain", err)
	}
	v.router = router
	return router, nil
}

func (v *Venue) accountState(id types.AccountID) (*accountState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.accounts[id]
	if !ok {
		return nil, venue.NewError(venue.KindProgramming, fmt.Sprintf("unknown account %s", id), nil)
	}
	return st, nil
}

// quote prices one base unit in quote units along the pair's route.
func (v *Venue) quote(ctx context.Context, router *Router, pair Pair) (float64, error) {
	one := toUnits(1, pair.BaseDecimals)
	out, err := router.AmountsOut(ctx, one, []common.Address{
		common.HexToAddress(pair.BaseToken), common.HexToAddress(pair.QuoteToken),
	})
	if err != nil {
		return 0, err
	}
	return fromUnits(out, pair.QuoteDecimals), nil
}

func (v *Venue) tickerFor(symbol string, price float64) types.Ticker {
	return types.Ticker{
		ID:       symbol,
		Exchange: types.DexAgg,
		Symbol:   symbol,
		Bid:      price,
		Ask:      price,
		Last:     price,
	}
}

func (v *Venue) lastPrice(symbol string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastPx[symbol]
}

func (v *Venue) setLastPrice(symbol string, price float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastPx[symbol] = price
}

// toUnits converts a human amount into token base units, exactly.
func toUnits(amount float64, decimals int32) *big.Int {
	return decimal.NewFromFloat(amount).Shift(decimals).Truncate(0).BigInt()
}

// fromUnits converts token base units back to a human amount.
func fromUnits(raw *big.Int, decimals int32) float64 {
	f, _ := decimal.NewFromBigInt(raw, -decimals).Float64()
	return f
}

func tickFromDecimals(decimals int32) float64 {
	tick := 1.0
	for i := int32(0); i < decimals; i++ {
		tick /= 10
	}
	return tick
}

func sleepCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second):
		return nil
	}
}
