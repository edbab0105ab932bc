package polymarket

import (
	"context"
	"encoding/json"
	"log/slog"

	"venueworker/internal/transport"
)

// Feed wraps a transport.Transport with Polymarket's market/user channel
// subscription protocol and event dispatch. One Feed per channel: the
// public market channel (no Auth) or a private per-account user channel.
// Reconnect/backoff/ready-state all come from internal/transport, which
// generalizes what this file used to hand-roll directly on gorilla/websocket.
type Feed struct {
	tr          *transport.Transport
	auth        *Auth // nil for the market channel
	channelType string

	subscribed map[string]struct{}

	onBook         func(WSBookEvent)
	onPriceChange  func(WSPriceChangeEvent)
	onTrade        func(WSTradeEvent)
	onOrder        func(WSOrderEvent)
	logger         *slog.Logger
}

// NewMarketFeed creates a feed for the public market channel.
func NewMarketFeed(wsURL string, logger *slog.Logger) *Feed {
	f := &Feed{
		channelType: "market",
		subscribed:  make(map[string]struct{}),
		logger:      logger.With("component", "polymarket.ws_market"),
	}
	f.tr = transport.New(wsURL, transport.DefaultOptions(), logger)
	f.wireTransport()
	return f
}

// NewUserFeed creates a feed for one account's private user channel. The
// reconnect budget is bounded so an account with bad credentials degrades
// alone instead of retrying forever.
func NewUserFeed(wsURL string, auth *Auth, logger *slog.Logger) *Feed {
	f := &Feed{
		auth:        auth,
		channelType: "user",
		subscribed:  make(map[string]struct{}),
		logger:      logger.With("component", "polymarket.ws_user"),
	}
	opts := transport.DefaultOptions()
	opts.MaxRetries = 5
	f.tr = transport.New(wsURL, opts, logger)
	f.wireTransport()
	return f
}

// OnBook, OnPriceChange, OnTrade, OnOrder register the callbacks invoked
// from the transport's read goroutine for each event kind.
func (f *Feed) OnBook(cb func(WSBookEvent))               { f.onBook = cb }
func (f *Feed) OnPriceChange(cb func(WSPriceChangeEvent)) { f.onPriceChange = cb }
func (f *Feed) OnTrade(cb func(WSTradeEvent))             { f.onTrade = cb }
func (f *Feed) OnOrder(cb func(WSOrderEvent))             { f.onOrder = cb }

func (f *Feed) wireTransport() {
	f.tr.AddEventListener("open", func(any) {
		if err := f.sendInitialSubscription(); err != nil {
			f.logger.Warn("resubscribe after open failed", "error", err)
		}
	})
	f.tr.AddEventListener("message", func(e any) {
		msg, ok := e.(transport.MessageEvent)
		if !ok {
			return
		}
		f.dispatchMessage(msg.Data)
	})
}

// Run connects and maintains the connection; blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error { return f.tr.Run(ctx) }

// Close stops the feed.
func (f *Feed) Close() { f.tr.Close(1000, "closing") }

// Seed records ids to subscribe on connect, without requiring the
// transport to be open yet. Call before Run for the initial subscription
// set; Subscribe is for adding ids to an already-running feed.
func (f *Feed) Seed(ids []string) {
	for _, id := range ids {
		f.subscribed[id] = struct{}{}
	}
}

// Subscribe adds asset IDs (market channel) or condition IDs (user channel)
// to a feed that is already connected.
func (f *Feed) Subscribe(ids []string) error {
	for _, id := range ids {
		f.subscribed[id] = struct{}{}
	}
	msg := WSUpdateMsg{Operation: "subscribe"}
	if f.channelType == "market" {
		msg.AssetIDs = ids
	} else {
		msg.Markets = ids
	}
	return f.tr.SendJSON(msg)
}

// Unsubscribe removes IDs from the subscription.
func (f *Feed) Unsubscribe(ids []string) error {
	for _, id := range ids {
		delete(f.subscribed, id)
	}
	msg := WSUpdateMsg{Operation: "unsubscribe"}
	if f.channelType == "market" {
		msg.AssetIDs = ids
	} else {
		msg.Markets = ids
	}
	return f.tr.SendJSON(msg)
}

func (f *Feed) sendInitialSubscription() error {
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}

	if f.channelType == "market" {
		return f.tr.SendJSON(WSSubscribeMsg{Type: "market", AssetIDs: ids})
	}
	return f.tr.SendJSON(WSSubscribeMsg{Type: "user", Auth: f.auth.WSAuthPayload(), Markets: ids})
}

func (f *Feed) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}

	switch envelope.EventType {
	case "book":
		var evt WSBookEvent
		if err := json.Unmarshal(data, &evt); err == nil && f.onBook != nil {
			f.onBook(evt)
		}
	case "price_change":
		var evt WSPriceChangeEvent
		if err := json.Unmarshal(data, &evt); err == nil && f.onPriceChange != nil {
			f.onPriceChange(evt)
		}
	case "trade":
		var evt WSTradeEvent
		if err := json.Unmarshal(data, &evt); err == nil && f.onTrade != nil {
			f.onTrade(evt)
		}
	case "order":
		var evt WSOrderEvent
		if err := json.Unmarshal(data, &evt); err == nil && f.onOrder != nil {
			f.onOrder(evt)
		}
	default:
		f.logger.Debug("ignoring ws event", "type", envelope.EventType)
	}
}
