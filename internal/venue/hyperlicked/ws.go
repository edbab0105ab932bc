package hyperlicked

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"venueworker/internal/transport"
)

// Feed wraps one WebSocket connection with the venue's subscription
// protocol. The venue multiplexes every channel (mids, candles, books,
// user events) over a single socket, so one Feed serves both the public
// and the per-account private streams.
type Feed struct {
	tr     *transport.Transport
	logger *slog.Logger

	mu   sync.Mutex
	subs []WSSubscription

	onMids        func(WSMids)
	onCandle      func(WSCandle)
	onBook        func(WSBook)
	onFill        func(WSFill)
	onOrderUpdate func(WSOrderUpdate)
}

// NewFeed creates a feed for wsURL.
func NewFeed(wsURL string, logger *slog.Logger) *Feed {
	return newFeed(wsURL, transport.DefaultOptions(), logger)
}

// NewUserFeed creates a feed with a bounded reconnect budget for one
// account's private subscriptions: a wallet the venue rejects degrades
// alone instead of retrying forever.
func NewUserFeed(wsURL string, logger *slog.Logger) *Feed {
	opts := transport.DefaultOptions()
	opts.MaxRetries = 5
	return newFeed(wsURL, opts, logger)
}

func newFeed(wsURL string, opts transport.Options, logger *slog.Logger) *Feed {
	f := &Feed{logger: logger.With("component", "hyperlicked.ws")}
	f.tr = transport.New(wsURL, opts, logger)
	f.tr.AddEventListener("open", func(any) { f.resubscribe() })
	f.tr.AddEventListener("message", func(e any) {
		msg, ok := e.(transport.MessageEvent)
		if !ok {
			return
		}
		f.dispatch(msg.Data)
	})
	return f
}

func (f *Feed) OnMids(cb func(WSMids))                { f.onMids = cb }
func (f *Feed) OnCandle(cb func(WSCandle))            { f.onCandle = cb }
func (f *Feed) OnBook(cb func(WSBook))                { f.onBook = cb }
func (f *Feed) OnFill(cb func(WSFill))                { f.onFill = cb }
func (f *Feed) OnOrderUpdate(cb func(WSOrderUpdate))  { f.onOrderUpdate = cb }

// Run connects and maintains the connection; blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error { return f.tr.Run(ctx) }

// Close stops the feed permanently.
func (f *Feed) Close() { f.tr.Close(1000, "closing") }

// Subscribe registers sub (re-sent after every reconnect) and sends it if
// the socket is currently open.
func (f *Feed) Subscribe(sub WSSubscription) {
	sub.Method = "subscribe"
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	if f.tr.ReadyState() == transport.Open {
		if err := f.tr.SendJSON(sub); err != nil {
			f.logger.Warn("subscribe send failed", "error", err)
		}
	}
}

// Unsubscribe removes a matching registration and notifies the venue.
func (f *Feed) Unsubscribe(sub WSSubscription) {
	f.mu.Lock()
	for i, s := range f.subs {
		if s.Subscription == sub.Subscription {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			break
		}
	}
	f.mu.Unlock()
	sub.Method = "unsubscribe"
	if f.tr.ReadyState() == transport.Open {
		if err := f.tr.SendJSON(sub); err != nil {
			f.logger.Warn("unsubscribe send failed", "error", err)
		}
	}
}

func (f *Feed) resubscribe() {
	f.mu.Lock()
	subs := append([]WSSubscription(nil), f.subs...)
	f.mu.Unlock()
	for _, sub := range subs {
		if err := f.tr.SendJSON(sub); err != nil {
			f.logger.Warn("resubscribe send failed", "type", sub.Subscription.Type, "error", err)
			return
		}
	}
}

func (f *Feed) dispatch(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	switch msg.Channel {
	case "allMids":
		var mids WSMids
		if err := json.Unmarshal(msg.Data, &mids); err == nil && f.onMids != nil {
			f.onMids(mids)
		}
	case "candle":
		var candle WSCandle
		if err := json.Unmarshal(msg.Data, &candle); err == nil && f.onCandle != nil {
			f.onCandle(candle)
		}
	case "l2Book":
		var book WSBook
		if err := json.Unmarshal(msg.Data, &book); err == nil && f.onBook != nil {
			f.onBook(book)
		}
	case "userFills":
		var fills struct {
			Fills []WSFill `json:"fills"`
		}
		if err := json.Unmarshal(msg.Data, &fills); err == nil && f.onFill != nil {
			for _, fill := range fills.Fills {
				f.onFill(fill)
			}
		}
	case "orderUpdates":
		var updates []WSOrderUpdate
		if err := json.Unmarshal(msg.Data, &updates); err == nil && f.onOrderUpdate != nil {
			for _, u := range updates {
				f.onOrderUpdate(u)
			}
		}
	default:
		f.logger.Debug("ignoring ws channel", "channel", msg.Channel)
	}
}
