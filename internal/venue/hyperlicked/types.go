// Package hyperlicked implements the venue adapter for Hyperlicked, a
// decentralized perpetuals exchange settled on an EVM chain. Orders are
// EIP-712 signed actions posted to a single /exchange endpoint; market and
// account data come from /info; live data from one WebSocket feed.
package hyperlicked

import "encoding/json"

// Side is the wire order side.
type Side string

const (
	BUY  Side = "B"
	SELL Side = "A"
)

// Tif is the time-in-force of a limit order. Alo (add-liquidity-only) is
// the venue's post-only flavor.
type Tif string

const (
	TifAlo Tif = "Alo"
	TifIoc Tif = "Ioc"
	TifGtc Tif = "Gtc"
)

// Tpsl distinguishes take-profit from stop-loss triggers.
type Tpsl string

const (
	TpslTp Tpsl = "tp"
	TpslSl Tpsl = "sl"
)

// LimitOrderType configures a resting limit order.
type LimitOrderType struct {
	Tif Tif `json:"tif"`
}

// TriggerOrderTypeWire configures a conditional order; the trigger price
// travels as a string to preserve decimal precision.
type TriggerOrderTypeWire struct {
	TriggerPx string `json:"triggerPx"`
	IsMarket  bool   `json:"isMarket"`
	Tpsl      Tpsl   `json:"tpsl"`
}

// OrderTypeWire is the tagged union of limit vs trigger.
type OrderTypeWire struct {
	Limit   *LimitOrderType       `json:"limit,omitempty"`
	Trigger *TriggerOrderTypeWire `json:"trigger,omitempty"`
}

// OrderWire is one order inside an exchange action, in the venue's terse
// field encoding.
type OrderWire struct {
	Asset      int           `json:"a"`
	IsBuy      bool          `json:"b"`
	LimitPx    string        `json:"p"`
	Sz         string        `json:"s"`
	ReduceOnly bool          `json:"r"`
	OrderType  OrderTypeWire `json:"t"`
	Cloid      *string       `json:"c,omitempty"`
}

// CancelWire cancels one order by asset index and order id.
type CancelWire struct {
	Asset int   `json:"a"`
	Oid   int64 `json:"o"`
}

// ModifyWire amends a resting order in place.
type ModifyWire struct {
	Oid   int64     `json:"oid"`
	Order OrderWire `json:"order"`
}

// Action is the /exchange request payload: exactly one of the action
// groups is populated, discriminated by Type.
type Action struct {
	Type     string       `json:"type"`
	Orders   []OrderWire  `json:"orders,omitempty"`
	Cancels  []CancelWire `json:"cancels,omitempty"`
	Modifies []ModifyWire `json:"modifies,omitempty"`
	Grouping string       `json:"grouping,omitempty"`

	// updateLeverage
	Asset    int  `json:"asset,omitempty"`
	IsCross  bool `json:"isCross,omitempty"`
	Leverage int  `json:"leverage,omitempty"`
}

// ExchangeRequest wraps a signed action.
type ExchangeRequest struct {
	Action    Action        `json:"action"`
	Nonce     int64         `json:"nonce"`
	Signature WireSignature `json:"signature"`
}

// WireSignature is the r/s/v triple of the action's EIP-712 signature.
type WireSignature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

// OrderStatus is the per-order result inside an exchange response.
type OrderStatus struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting,omitempty"`
	Filled *struct {
		Oid     int64  `json:"oid"`
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
	} `json:"filled,omitempty"`
	Error string `json:"error,omitempty"`
}

// ExchangeResponse is the /exchange reply envelope.
type ExchangeResponse struct {
	Status   string `json:"status"`
	Response struct {
		Type string `json:"type"`
		Data struct {
			Statuses []OrderStatus `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

// AssetInfo is one tradable perp in the /info meta universe.
type AssetInfo struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	PxDecimals  int    `json:"pxDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
}

// Meta is the /info type=meta response.
type Meta struct {
	Universe []AssetInfo `json:"universe"`
}

// AssetPosition is one open position in a clearinghouse state. Szi is
// signed: positive long, negative short.
type AssetPosition struct {
	Position struct {
		Coin     string `json:"coin"`
		Szi      string `json:"szi"`
		EntryPx  string `json:"entryPx"`
		LiqPx    string `json:"liquidationPx"`
		UPnL     string `json:"unrealizedPnl"`
		Leverage struct {
			Type  string `json:"type"` // "cross" | "isolated"
			Value int    `json:"value"`
		} `json:"leverage"`
	} `json:"position"`
}

// ClearinghouseState is the /info type=clearinghouseState response: one
// account's margin summary and open positions.
type ClearinghouseState struct {
	MarginSummary struct {
		AccountValue string `json:"accountValue"`
		TotalMargin  string `json:"totalMarginUsed"`
	} `json:"marginSummary"`
	Withdrawable   string          `json:"withdrawable"`
	AssetPositions []AssetPosition `json:"assetPositions"`
}

// OpenOrderWire is one resting order in the /info type=openOrders listing.
type OpenOrderWire struct {
	Coin      string `json:"coin"`
	Side      Side   `json:"side"`
	LimitPx   string `json:"limitPx"`
	Sz        string `json:"sz"`
	Oid       int64  `json:"oid"`
	OrigSz    string `json:"origSz"`
	Timestamp int64  `json:"timestamp"`
}

// CandleWire is one /info type=candleSnapshot bar.
type CandleWire struct {
	T int64  `json:"t"` // open time, ms
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
	V string `json:"v"`
}

// WSMessage is the feed's envelope: a channel tag plus raw payload.
type WSMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// WSSubscription is the subscribe/unsubscribe request.
type WSSubscription struct {
	Method       string `json:"method"` // "subscribe" | "unsubscribe"
	Subscription struct {
		Type     string `json:"type"` // "allMids" | "candle" | "userFills" | "orderUpdates" | "l2Book"
		Coin     string `json:"coin,omitempty"`
		Interval string `json:"interval,omitempty"`
		User     string `json:"user,omitempty"`
	} `json:"subscription"`
}

// WSMids is the allMids payload: coin -> mid price.
type WSMids struct {
	Mids map[string]string `json:"mids"`
}

// WSFill is one user fill event.
type WSFill struct {
	Coin  string `json:"coin"`
	Px    string `json:"px"`
	Sz    string `json:"sz"`
	Side  Side   `json:"side"`
	Oid   int64  `json:"oid"`
	Tid   int64  `json:"tid"`
	Time  int64  `json:"time"`
}

// WSOrderUpdate is one order lifecycle event.
type WSOrderUpdate struct {
	Order struct {
		Coin      string `json:"coin"`
		Side      Side   `json:"side"`
		LimitPx   string `json:"limitPx"`
		Sz        string `json:"sz"`
		Oid       int64  `json:"oid"`
		OrigSz    string `json:"origSz"`
		Timestamp int64  `json:"timestamp"`
	} `json:"order"`
	Status string `json:"status"` // "open" | "filled" | "canceled" | "rejected"
}

// WSBookLevel is one price level of an l2Book snapshot.
type WSBookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

// WSBook is an l2Book payload: levels[0] bids, levels[1] asks.
type WSBook struct {
	Coin   string           `json:"coin"`
	Levels [2][]WSBookLevel `json:"levels"`
	Time   int64            `json:"time"`
}

// WSCandle is a live candle event.
type WSCandle struct {
	T int64  `json:"t"`
	S string `json:"s"` // coin
	I string `json:"i"` // interval
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
	V string `json:"v"`
}
