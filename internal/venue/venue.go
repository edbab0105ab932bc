// Package venue defines the adapter contract every trading venue must
// implement, and the shared error taxonomy. internal/worker drives any
// Venue uniformly; per-venue wire protocol, signing, and pagination stay
// behind this interface.
package venue

import (
	"context"
	"fmt"

	"venueworker/pkg/types"
)

// ErrorKind classifies venue failures for kind-based handling.
type ErrorKind string

const (
	KindTransport    ErrorKind = "Transport"
	KindAuthError    ErrorKind = "AuthError"
	KindSignError    ErrorKind = "SignError"
	KindVenueReject  ErrorKind = "VenueReject"
	KindThrottled    ErrorKind = "Throttled"
	KindUnsupported  ErrorKind = "Unsupported"
	KindProgramming  ErrorKind = "Programming"
)

// Error is a venue-originated failure, classified by Kind so callers can
// branch without string matching (errors.As-compatible via Unwrap).
type Error struct {
	Kind    ErrorKind
	Code    string // venue-specific reject code, if any
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a venue.Error of the given kind.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Unsupported builds the Unsupported-kind sentinel error for a venue
// capability that doesn't apply.
func Unsupported(capability string) *Error {
	return &Error{Kind: KindUnsupported, Message: capability + " not supported by this venue"}
}

// Account identifies one venue account to add via AddAccounts, carrying
// whatever credentials/addresses that venue's signing scheme needs. The
// concrete shape is venue-specific; workers pass it through opaquely.
type Account struct {
	ID     types.AccountID
	Config map[string]string
}

// OrderRequest is a single order to submit, in the unified shape. Venues
// translate it into their own wire format.
type OrderRequest struct {
	Symbol      string
	Side        types.OrderSide
	Type        types.OrderKind
	Price       float64
	Amount      float64
	ReduceOnly  bool
	PostOnly    bool
	TimeInForce types.TimeInForce
}

// AccountCallbacks are the private-feed event hooks an account's venue
// connection invokes. All of them may be called from the feed's own
// goroutine; the worker resynchronizes onto its single task loop before
// touching the store.
type AccountCallbacks struct {
	OnFill        func(types.Notification)
	OnOrderUpdate func(types.Order)
	OnPosition    func([]types.Position)
	OnBalance     func(types.Balance)
}

// Venue is the adapter contract a venue package implements. The worker
// calls its methods from its task loop, from the short-lived goroutines it
// spawns for venue I/O, and from each account's pipeline consumer, so calls
// may run concurrently with one another and with the venue's own
// background goroutines (sockets, ping loops).
type Venue interface {
	Name() types.VenueName

	// FetchMarketsAndTickers returns the initial public snapshot used to
	// populate VenueShard.Public on `start`.
	FetchMarketsAndTickers(ctx context.Context) (markets map[string]types.Market, tickers map[string]types.Ticker, err error)

	// OpenPublicFeed starts the public market-data stream. onTicker and
	// onBook are invoked from the feed's own goroutine; the worker
	// resynchronizes onto its single task loop before touching the store.
	OpenPublicFeed(ctx context.Context, onTicker func(types.Ticker), onBook func(symbol string)) error

	// AddAccount registers a private account: hydrates initial
	// balance/positions/orders and opens its private feed. The callbacks
	// deliver subsequent events from the feed's own goroutine.
	AddAccount(ctx context.Context, acc Account, cb AccountCallbacks) (types.AccountShard, error)

	// RemoveAccount tears down an account's private feed and frees
	// venue-side resources.
	RemoveAccount(ctx context.Context, id types.AccountID) error

	// PlaceOrders submits orders for one account through this venue's
	// signing/submission path, returning venue-assigned order IDs in
	// input order.
	PlaceOrders(ctx context.Context, accountID types.AccountID, orders []OrderRequest) ([]string, error)

	// UpdateOrders amends resting orders. Returns an Unsupported error on
	// venues without a native amend endpoint; no fallback cancel-and-replace
	// is performed at this layer.
	UpdateOrders(ctx context.Context, accountID types.AccountID, orderIDs []string, orders []OrderRequest) ([]string, error)

	// CancelOrders cancels specific orders, returning the IDs the venue
	// confirmed as canceled.
	CancelOrders(ctx context.Context, accountID types.AccountID, orderIDs []string) ([]string, error)

	// CancelSymbolOrders cancels every open order on one symbol.
	CancelSymbolOrders(ctx context.Context, accountID types.AccountID, symbol string) ([]string, error)

	// CancelAllOrders cancels every open order for the account.
	CancelAllOrders(ctx context.Context, accountID types.AccountID) ([]string, error)

	// FetchPositionMetadata returns leverage/hedge metadata for a symbol.
	// Venues without margin accounts return the sentinel {1, false} with an
	// Unsupported error; the worker responds with the sentinel and logs the
	// error as non-fatal.
	FetchPositionMetadata(ctx context.Context, accountID types.AccountID, symbol string) (leverage float64, hedged bool, err error)

	// SetLeverage sets per-symbol leverage. Returns Unsupported where the
	// venue has no leverage concept.
	SetLeverage(ctx context.Context, accountID types.AccountID, symbol string, leverage float64) error

	// PlacePositionStop attaches a protective stop to an existing position
	// (StopMarket / TakeProfitMarket / TrailingStopMarket at the given
	// trigger price), returning the venue-assigned order ID. Unsupported
	// where the venue has no conditional order types.
	PlacePositionStop(ctx context.Context, accountID types.AccountID, pos types.Position, kind types.OrderKind, price float64) (string, error)

	// FetchOHLCV returns up to limit historical candles for symbol at
	// timeframe, oldest first. Unsupported where the venue serves no
	// candle history.
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error)

	// SubscribeCandles opens a live candle stream for (symbol, timeframe).
	// The returned stop function closes it; the worker ref-counts
	// subscriptions so each stream is opened once.
	SubscribeCandles(ctx context.Context, symbol, timeframe string, onCandle func(types.Candle)) (stop func(), err error)

	// SubscribeOrderBook opens a live depth stream for symbol. The book
	// payload is venue-specific — it rides the `orderBook` event, not the
	// mutation store.
	SubscribeOrderBook(ctx context.Context, symbol string, onBook func(symbol string, book any)) (stop func(), err error)

	// MaxOrdersPerBatch is this venue's batch-chunking size.
	MaxOrdersPerBatch() int

	// RateLimit is this venue's default per-account order rate, in
	// orders/sec, and the token cost per order.
	RateLimit() (ordersPerSecond float64, consume float64)
}
