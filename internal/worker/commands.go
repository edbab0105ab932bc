package worker

import (
	"venueworker/internal/store"
	"venueworker/internal/venue"
	"venueworker/pkg/types"
)

// CommandKind discriminates the inbound command envelope. The
// set is exactly the one enumerated there — Dispatch's switch is a total
// match and logs+drops anything else as a Programming error.
type CommandKind string

const (
	CmdStart                 CommandKind = "start"
	CmdAddAccounts           CommandKind = "addAccounts"
	CmdRemoveAccount         CommandKind = "removeAccount"
	CmdStop                  CommandKind = "stop"
	CmdPlaceOrders           CommandKind = "placeOrders"
	CmdUpdateOrders          CommandKind = "updateOrders"
	CmdCancelOrders          CommandKind = "cancelOrders"
	CmdCancelSymbolOrders    CommandKind = "cancelSymbolOrders"
	CmdCancelAllOrders       CommandKind = "cancelAllOrders"
	CmdFetchOHLCV            CommandKind = "fetchOHLCV"
	CmdListenOHLCV           CommandKind = "listenOHLCV"
	CmdUnlistenOHLCV         CommandKind = "unlistenOHLCV"
	CmdListenOB              CommandKind = "listenOB"
	CmdUnlistenOB            CommandKind = "unlistenOB"
	CmdFetchPositionMetadata CommandKind = "fetchPositionMetadata"
	CmdSetLeverage           CommandKind = "setLeverage"
	CmdPlacePositionStop     CommandKind = "placePositionStop"
	CmdStartTWAP             CommandKind = "startTwap"
	CmdPauseTWAP             CommandKind = "pauseTwap"
	CmdResumeTWAP            CommandKind = "resumeTwap"
	CmdStopTWAP              CommandKind = "stopTwap"
	CmdStartChase            CommandKind = "startChase"
	CmdStopChase             CommandKind = "stopChase"
)

// Command is the worker's tagged-union inbound envelope. Only the fields
// relevant to Kind are populated.
type Command struct {
	Kind      CommandKind
	RequestID string // required on every request-style command

	Accounts []venue.Account // start, addAccounts
	Config   map[string]any // start

	AccountID types.AccountID // most account-scoped commands

	Orders   []venue.OrderRequest // placeOrders, updateOrders
	OrderIDs []string             // updateOrders, cancelOrders
	Priority bool                 // order commands: jump the per-account queue

	Symbol    string // cancelSymbolOrders, listen*, fetchOHLCV, fetchPositionMetadata, setLeverage
	Timeframe string // fetchOHLCV, listenOHLCV/unlistenOHLCV
	Limit     int    // fetchOHLCV: max candles
	Leverage  float64

	Position  types.Position  // placePositionStop
	StopKind  types.OrderKind // placePositionStop
	StopPrice float64         // placePositionStop

	TWAPID string
	TWAP   types.TWAPOpts

	ChaseID string
	Chase   types.ChaseOpts
}

// EventKind discriminates the outbound event envelope.
type EventKind string

const (
	EvUpdate    EventKind = "update"
	EvResponse  EventKind = "response"
	EvLog       EventKind = "log"
	EvError     EventKind = "error"
	EvCandle    EventKind = "candle"
	EvOrderBook EventKind = "orderBook"
)

// Event is the worker's tagged-union outbound envelope.
type Event struct {
	Kind EventKind

	Changes []store.Command // update: every path already prefixed with the venue name

	RequestID string // response
	Data      any    // response: the command's result, or a failure sentinel

	Message string       // log
	Err     *venue.Error // error

	Candle *types.Candle // candle

	Symbol    string // orderBook
	OrderBook any    // orderBook: venue-specific snapshot
}
