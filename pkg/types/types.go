// Package types defines the unified data model shared by every venue worker.
//
// This is the runtime's common vocabulary: the shapes that live
// inside a Store's VenueShard, independent of any single venue's wire
// format. Per-venue REST/WS payloads are mapped into these types inside
// each venue package; this package has no dependency on any venue.
//
// Every exported field carries a lowerCamelCase json tag matching the
// store's path segments exactly (e.g. `public.tickers.<symbol>.bid`),
// since internal/store bridges between this typed model and its generic
// path-addressed tree via encoding/json.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Venue identity
// ————————————————————————————————————————————————————————————————————————

// VenueName identifies one of the supported trading venues.
type VenueName string

const (
	Polymarket  VenueName = "polymarket"  // prediction-market CLOB
	Hyperlicked VenueName = "hyperlicked" // decentralized perpetuals, EVM-settled
	DerivEx     VenueName = "derivex"     // centralized crypto derivatives exchange
	DexAgg      VenueName = "dexagg"      // on-chain DEX aggregator
)

// AccountID is an opaque identifier for one venue account (wallet, API-key
// pair, sub-account — whatever the venue calls it).
type AccountID string

// ————————————————————————————————————————————————————————————————————————
// Public market data
// ————————————————————————————————————————————————————————————————————————

// PolymarketSide carries the dual-outcome quotes a binary CLOB market
// exposes alongside the unified last/mark fields. Zero value means the
// venue is not a binary market.
type PolymarketSide struct {
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
	Mark   float64 `json:"mark"`
	Index  float64 `json:"index"`
	Volume float64 `json:"volume"`
}

// PolymarketTicker is the Yes/No quote pair attached to a prediction
// market's Ticker.
type PolymarketTicker struct {
	Yes PolymarketSide `json:"yes"`
	No  PolymarketSide `json:"no"`
}

// Ticker is a venue's best-effort snapshot of a symbol's current market.
// Absent values are represented as 0, never omitted — every field is a
// finite float64.
type Ticker struct {
	ID           string    `json:"id"`
	Exchange     VenueName `json:"exchange"`
	Symbol       string    `json:"symbol"`
	CleanSymbol  string    `json:"cleanSymbol"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	Last         float64   `json:"last"`
	Mark         float64   `json:"mark"`
	Index        float64   `json:"index"`
	Percentage   float64   `json:"percentage"`
	OpenInterest float64   `json:"openInterest"`
	FundingRate  float64   `json:"fundingRate"`
	Volume       float64   `json:"volume"`
	QuoteVolume  float64   `json:"quoteVolume"`

	// Polymarket carries the binary Yes/No quote pair for prediction
	// markets. Nil for every other venue.
	Polymarket *PolymarketTicker `json:"polymarket,omitempty"`
}

// AmountLimits bounds the order size a venue will accept on a symbol.
type AmountLimits struct {
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	MaxMarket float64 `json:"maxMarket"` // largest size acceptable as a market order
}

// LeverageLimits bounds the leverage a venue will accept on a symbol.
type LeverageLimits struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Precision holds the lot-size increments for amount and price.
type Precision struct {
	Amount float64 `json:"amount"`
	Price  float64 `json:"price"`
}

// Limits groups a market's amount and leverage bounds.
type Limits struct {
	Amount   AmountLimits   `json:"amount"`
	Leverage LeverageLimits `json:"leverage"`
}

// Market is a venue's tradable-symbol metadata.
type Market struct {
	ID        string            `json:"id"`
	Exchange  VenueName         `json:"exchange"`
	Symbol    string            `json:"symbol"`
	Base      string            `json:"base"`
	Quote     string            `json:"quote"`
	Active    bool              `json:"active"` // false means the venue will reject new orders
	Precision Precision         `json:"precision"`
	Limits    Limits            `json:"limits"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Candle is one OHLCV bar, used for the outbound `candle` event stream.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// ————————————————————————————————————————————————————————————————————————
// Account state
// ————————————————————————————————————————————————————————————————————————

// Balance is an account's quote-currency balance. Invariant:
// total ≈ used + free within quote-unit precision.
type Balance struct {
	Used  float64 `json:"used"`
	Free  float64 `json:"free"`
	Total float64 `json:"total"`
	UPnL  float64 `json:"upnl"`
}

// PositionSide is Long or Short.
type PositionSide string

const (
	Long  PositionSide = "Long"
	Short PositionSide = "Short"
)

// Position is an account's open exposure on one (symbol, side) pair —
// that pair is the identity key within an account.
type Position struct {
	Exchange         VenueName    `json:"exchange"`
	AccountID        AccountID    `json:"accountId"`
	Symbol           string       `json:"symbol"`
	Side             PositionSide `json:"side"`
	EntryPrice       float64      `json:"entryPrice"`
	Notional         float64      `json:"notional"`
	Leverage         float64      `json:"leverage"`
	UPnL             float64      `json:"upnl"`
	RPnL             float64      `json:"rpnl"`
	Contracts        float64      `json:"contracts"` // always >= 0; sign carried by Side
	LiquidationPrice float64      `json:"liquidationPrice"`
	IsHedged         bool         `json:"isHedged,omitempty"`
}

// OrderStatus is an order's lifecycle state.
type OrderStatus string

const (
	OrderOpen     OrderStatus = "Open"
	OrderClosed   OrderStatus = "Closed"
	OrderCanceled OrderStatus = "Canceled"
)

// IsTerminal reports whether the order can no longer change state.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderClosed || s == OrderCanceled
}

// OrderKind enumerates the order types a venue may support.
type OrderKind string

const (
	KindMarket             OrderKind = "Market"
	KindLimit              OrderKind = "Limit"
	KindStopMarket         OrderKind = "StopMarket"
	KindTakeProfitMarket   OrderKind = "TakeProfitMarket"
	KindTrailingStopMarket OrderKind = "TrailingStopMarket"
)

// OrderSide is Buy or Sell.
type OrderSide string

const (
	Buy  OrderSide = "Buy"
	Sell OrderSide = "Sell"
)

// TimeInForce is an optional order-duration qualifier.
type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
)

// Order is a venue order as reflected in the store. Invariant: while
// Status == OrderOpen, Filled + Remaining == Amount.
type Order struct {
	ID          string      `json:"id"`
	Exchange    VenueName   `json:"exchange"`
	AccountID   AccountID   `json:"accountId"`
	ParentID    string      `json:"parentId,omitempty"` // non-empty for TWAP/chase-spawned child orders
	Status      OrderStatus `json:"status"`
	Symbol      string      `json:"symbol"`
	Type        OrderKind   `json:"type"`
	Side        OrderSide   `json:"side"`
	Price       float64     `json:"price"`
	Amount      float64     `json:"amount"`
	Filled      float64     `json:"filled"`
	Remaining   float64     `json:"remaining"`
	ReduceOnly  bool        `json:"reduceOnly"`
	TimeInForce TimeInForce `json:"timeInForce,omitempty"`
}

// NotificationData is the payload of an order_fill notification.
type NotificationData struct {
	ID     string    `json:"id"`
	Side   OrderSide `json:"side"`
	Amount float64   `json:"amount"`
	Symbol string    `json:"symbol"`
	// Price is the fill price, or the literal string "MARKET" for a
	// market order whose fill price the venue does not echo per-fill.
	Price string `json:"price"`
}

// Notification is an append-only event surfaced into AccountShard.
type Notification struct {
	ID        string           `json:"id"`
	AccountID AccountID        `json:"accountId"`
	Type      string           `json:"type"` // "order_fill"
	Data      NotificationData `json:"data"`
}

// ————————————————————————————————————————————————————————————————————————
// Strategy state mirrors
// ————————————————————————————————————————————————————————————————————————

// TWAPStatus is the TWAP engine's running state.
type TWAPStatus string

const (
	TWAPRunning TWAPStatus = "Running"
	TWAPPaused  TWAPStatus = "Paused"
)

// TWAPState mirrors one running TWAP instance into the store.
type TWAPState struct {
	ID             string     `json:"id"`
	AccountID      AccountID  `json:"accountId"`
	Symbol         string     `json:"symbol"`
	Amount         float64    `json:"amount"`
	AmountExecuted float64    `json:"amountExecuted"`
	Lots           []float64  `json:"lots"`
	Side           OrderSide  `json:"side"`
	Status         TWAPStatus `json:"status"`
	LotsCount      int        `json:"lotsCount"`
	LotsExecuted   int        `json:"lotsExecuted"`
	NextOrderAt    time.Time  `json:"nextOrderAt"`
}

// ChaseState mirrors one running Chase instance into the store.
type ChaseState struct {
	ID        string    `json:"id"`
	AccountID AccountID `json:"accountId"`
	Side      OrderSide `json:"side"`
	Symbol    string    `json:"symbol"`
	Max       float64   `json:"max"`
	Min       float64   `json:"min"`
	Amount    float64   `json:"amount"`
	Price     float64   `json:"price"`
	Stalk     bool      `json:"stalk,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Account shard
// ————————————————————————————————————————————————————————————————————————

// AccountMetadata carries per-symbol venue-assigned configuration that
// isn't part of any order or position.
type AccountMetadata struct {
	Leverage       map[string]float64 `json:"leverage"`
	HedgedPosition map[string]bool    `json:"hedgedPosition"`
}

// NewAccountMetadata returns a metadata block with initialized empty maps,
// matching the zero-initialization addAccounts must produce.
func NewAccountMetadata() AccountMetadata {
	return AccountMetadata{
		Leverage:       make(map[string]float64),
		HedgedPosition: make(map[string]bool),
	}
}

// AccountShard is one account's private state within a VenueShard.
type AccountShard struct {
	Balance       Balance         `json:"balance"`
	Positions     []Position      `json:"positions"`
	Orders        []Order         `json:"orders"`
	Fills         []Notification  `json:"fills"`
	Notifications []Notification  `json:"notifications"`
	TWAPs         []TWAPState     `json:"twaps"`
	Chases        []ChaseState    `json:"chases"`
	Metadata      AccountMetadata `json:"metadata"`
}

// NewAccountShard returns the zero-initialized shard addAccounts must emit:
// zero balance, empty collections, empty metadata maps.
func NewAccountShard() AccountShard {
	return AccountShard{
		Positions:     []Position{},
		Orders:        []Order{},
		Fills:         []Notification{},
		Notifications: []Notification{},
		TWAPs:         []TWAPState{},
		Chases:        []ChaseState{},
		Metadata:      NewAccountMetadata(),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Venue shard
// ————————————————————————————————————————————————————————————————————————

// Loaded tracks whether a venue's public caches have completed their first
// snapshot. Monotonic except for a brief false during a full reload.
type Loaded struct {
	Markets bool `json:"markets"`
	Tickers bool `json:"tickers"`
}

// Public is the public-data half of a VenueShard.
type Public struct {
	Latency float64           `json:"latency"` // ms
	Tickers map[string]Ticker `json:"tickers"`
	Markets map[string]Market `json:"markets"`
}

// VenueShard is one venue's slice of the Store.
type VenueShard struct {
	Loaded  Loaded                   `json:"loaded"`
	Public  Public                   `json:"public"`
	Private map[AccountID]AccountShard `json:"private"`
}

// NewVenueShard returns an empty shard with initialized maps.
func NewVenueShard() *VenueShard {
	return &VenueShard{
		Public: Public{
			Tickers: make(map[string]Ticker),
			Markets: make(map[string]Market),
		},
		Private: make(map[AccountID]AccountShard),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Strategy option inputs
// ————————————————————————————————————————————————————————————————————————

// TWAPOpts configures a TWAP engine instance.
type TWAPOpts struct {
	Symbol        string
	Side          OrderSide
	Amount        float64
	DurationMin   float64
	LotsCount     int
	Randomness    float64 // [0,1]
	ReduceOnly    bool
	LimitOrders   bool
	PauseInProfit bool
}

// ChaseOpts configures a Chase engine instance.
type ChaseOpts struct {
	Symbol     string
	Side       OrderSide
	Amount     float64
	Min        float64
	Max        float64
	Distance   float64 // percent of price
	ReduceOnly bool
	Stalk      bool
	Infinite   bool
}
