// Package derivex implements the venue adapter for DerivEx, a centralized
// crypto derivatives exchange. Every private REST call is HMAC-SHA256
// signed over its query string; market data comes from public REST and a
// combined-stream WebSocket; account events from a listen-key user stream.
package derivex

import "encoding/json"

// SymbolInfo is one tradable contract in /exchangeInfo.
type SymbolInfo struct {
	Symbol            string  `json:"symbol"`
	BaseAsset         string  `json:"baseAsset"`
	QuoteAsset        string  `json:"quoteAsset"`
	Status            string  `json:"status"` // "TRADING" when active
	TickSize          float64 `json:"tickSize,string"`
	StepSize          float64 `json:"stepSize,string"`
	MinQty            float64 `json:"minQty,string"`
	MaxQty            float64 `json:"maxQty,string"`
	MaxMarketQty      float64 `json:"maxMarketQty,string"`
	MaxLeverage       int     `json:"maxLeverage"`
}

// ExchangeInfo is the /exchangeInfo response.
type ExchangeInfo struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// Ticker24h is one /ticker/24hr entry.
type Ticker24h struct {
	Symbol             string  `json:"symbol"`
	BidPrice           float64 `json:"bidPrice,string"`
	AskPrice           float64 `json:"askPrice,string"`
	LastPrice          float64 `json:"lastPrice,string"`
	MarkPrice          float64 `json:"markPrice,string"`
	IndexPrice         float64 `json:"indexPrice,string"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
	OpenInterest       float64 `json:"openInterest,string"`
	FundingRate        float64 `json:"lastFundingRate,string"`
	Volume             float64 `json:"volume,string"`
	QuoteVolume        float64 `json:"quoteVolume,string"`
}

// OrderResult is the exchange's order-placement/query reply.
type OrderResult struct {
	OrderID       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"` // NEW | PARTIALLY_FILLED | FILLED | CANCELED | REJECTED | EXPIRED
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Price         float64 `json:"price,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	ReduceOnly    bool    `json:"reduceOnly"`
	TimeInForce   string  `json:"timeInForce"`
}

// AccountBalance is the margin summary inside /account.
type AccountBalance struct {
	TotalWalletBalance  float64 `json:"totalWalletBalance,string"`
	TotalUnrealizedPnl  float64 `json:"totalUnrealizedProfit,string"`
	TotalMarginUsed     float64 `json:"totalInitialMargin,string"`
	AvailableBalance    float64 `json:"availableBalance,string"`
}

// AccountPosition is one position inside /account.
type AccountPosition struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"` // signed: + long, - short
	EntryPrice       float64 `json:"entryPrice,string"`
	UnrealizedProfit float64 `json:"unrealizedProfit,string"`
	Leverage         float64 `json:"leverage,string"`
	LiquidationPrice float64 `json:"liquidationPrice,string"`
	PositionSide     string  `json:"positionSide"` // BOTH | LONG | SHORT
}

// AccountInfo is the /account response.
type AccountInfo struct {
	AccountBalance
	Positions []AccountPosition `json:"positions"`
}

// ListenKey is the /listenKey response.
type ListenKey struct {
	ListenKey string `json:"listenKey"`
}

// Kline is one /klines bar. The exchange encodes it as a positional array;
// UnmarshalJSON maps it onto named fields.
type Kline struct {
	OpenTime int64
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

func (k *Kline) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 6 {
		return nil
	}
	json.Unmarshal(raw[0], &k.OpenTime)
	var s string
	for i, dst := range []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
		if err := json.Unmarshal(raw[i+1], &s); err == nil {
			*dst = parseFloat(s)
		}
	}
	return nil
}

// WSStreamMessage is the combined-stream envelope.
type WSStreamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// WSTicker is a ticker stream event.
type WSTicker struct {
	EventType string  `json:"e"` // "24hrTicker"
	Symbol    string  `json:"s"`
	Bid       float64 `json:"b,string"`
	Ask       float64 `json:"a,string"`
	Last      float64 `json:"c,string"`
	Percent   float64 `json:"P,string"`
	Volume    float64 `json:"v,string"`
	QuoteVol  float64 `json:"q,string"`
}

// WSOrderUpdate is a user-stream ORDER_TRADE_UPDATE event.
type WSOrderUpdate struct {
	EventType string `json:"e"` // "ORDER_TRADE_UPDATE"
	Order     struct {
		Symbol      string  `json:"s"`
		Side        string  `json:"S"`
		Type        string  `json:"o"`
		Status      string  `json:"X"`
		OrderID     int64   `json:"i"`
		Price       float64 `json:"p,string"`
		OrigQty     float64 `json:"q,string"`
		FilledQty   float64 `json:"z,string"`
		LastFillPx  float64 `json:"L,string"`
		LastFillQty float64 `json:"l,string"`
		TradeID     int64   `json:"t"`
		ReduceOnly  bool    `json:"R"`
	} `json:"o"`
}

// WSAccountUpdate is a user-stream ACCOUNT_UPDATE event.
type WSAccountUpdate struct {
	EventType string `json:"e"` // "ACCOUNT_UPDATE"
	Data      struct {
		Balances []struct {
			Asset   string  `json:"a"`
			Balance float64 `json:"wb,string"`
			Avail   float64 `json:"cw,string"`
		} `json:"B"`
		Positions []struct {
			Symbol      string  `json:"s"`
			PositionAmt float64 `json:"pa,string"`
			EntryPrice  float64 `json:"ep,string"`
			UPnL        float64 `json:"up,string"`
		} `json:"P"`
	} `json:"a"`
}
