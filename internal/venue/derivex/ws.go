package derivex

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"venueworker/internal/transport"
)

// MarketFeed consumes the public combined stream (ticker array channel).
type MarketFeed struct {
	tr       *transport.Transport
	onTicker func(WSTicker)
	logger   *slog.Logger
}

// NewMarketFeed builds a feed on the all-tickers combined stream.
func NewMarketFeed(wsBaseURL string, logger *slog.Logger) *MarketFeed {
	f := &MarketFeed{logger: logger.With("component", "derivex.ws_market")}
	f.tr = transport.New(strings.TrimRight(wsBaseURL, "/")+"/stream?streams=!ticker@arr", transport.DefaultOptions(), logger)
	f.tr.AddEventListener("message", func(e any) {
		msg, ok := e.(transport.MessageEvent)
		if !ok {
			return
		}
		f.dispatch(msg.Data)
	})
	return f
}

func (f *MarketFeed) OnTicker(cb func(WSTicker)) { f.onTicker = cb }

func (f *MarketFeed) Run(ctx context.Context) error { return f.tr.Run(ctx) }
func (f *MarketFeed) Close()                        { f.tr.Close(1000, "closing") }

func (f *MarketFeed) dispatch(data []byte) {
	var envelope WSStreamMessage
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Stream == "" {
		return
	}
	var tickers []WSTicker
	if err := json.Unmarshal(envelope.Data, &tickers); err != nil {
		return
	}
	if f.onTicker == nil {
		return
	}
	for _, t := range tickers {
		f.onTicker(t)
	}
}

// UserFeed consumes one account's listen-key user-data stream.
type UserFeed struct {
	tr        *transport.Transport
	onOrder   func(WSOrderUpdate)
	onAccount func(WSAccountUpdate)
	logger    *slog.Logger
}

// NewUserFeed builds a feed bound to an already-started listen key. The
// reconnect budget is bounded: an expired key will never connect again.
func NewUserFeed(wsBaseURL, listenKey string, logger *slog.Logger) *UserFeed {
	f := &UserFeed{logger: logger.With("component", "derivex.ws_user")}
	opts := transport.DefaultOptions()
	opts.MaxRetries = 5
	f.tr = transport.New(strings.TrimRight(wsBaseURL, "/")+"/ws/"+listenKey, opts, logger)
	f.tr.AddEventListener("message", func(e any) {
		msg, ok := e.(transport.MessageEvent)
		if !ok {
			return
		}
		f.dispatch(msg.Data)
	})
	return f
}

func (f *UserFeed) OnOrder(cb func(WSOrderUpdate))     { f.onOrder = cb }
func (f *UserFeed) OnAccount(cb func(WSAccountUpdate)) { f.onAccount = cb }

func (f *UserFeed) Run(ctx context.Context) error { return f.tr.Run(ctx) }
func (f *UserFeed) Close()                        { f.tr.Close(1000, "closing") }

func (f *UserFeed) dispatch(data []byte) {
	var envelope struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}
	switch envelope.EventType {
	case "ORDER_TRADE_UPDATE":
		var evt WSOrderUpdate
		if err := json.Unmarshal(data, &evt); err == nil && f.onOrder != nil {
			f.onOrder(evt)
		}
	case "ACCOUNT_UPDATE":
		var evt WSAccountUpdate
		if err := json.Unmarshal(data, &evt); err == nil && f.onAccount != nil {
			f.onAccount(evt)
		}
	default:
		f.logger.Debug("ignoring user event", "type", envelope.EventType)
	}
}
