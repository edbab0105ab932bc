package polymarket

import (
	"strconv"
	"sync"
	"time"
)

// Book maintains a local mirror of one market's YES/NO order books, fed by
// REST snapshots and WS book/price_change events. Concurrency-safe: workers
// read it from their single task loop while the feed goroutine writes to it.
type Book struct {
	mu       sync.RWMutex
	marketID string
	yesToken string
	noToken  string
	yes      OrderBookSnapshot
	no       OrderBookSnapshot
	lastHash map[string]string
	updated  time.Time
}

func NewBook(marketID, yesToken, noToken string) *Book {
	return &Book{
		marketID: marketID,
		yesToken: yesToken,
		noToken:  noToken,
		lastHash: make(map[string]string),
	}
}

func (b *Book) ApplyBookEvent(event WSBookEvent) {
	b.applySnapshot(event.AssetID, event.Buys, event.Sells, event.Hash)
}

func (b *Book) ApplyBookResponse(resp *BookResponse) {
	b.applySnapshot(resp.AssetID, resp.Bids, resp.Asks, resp.Hash)
}

func (b *Book) applySnapshot(assetID string, bids, asks []PriceLevel, hash string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := OrderBookSnapshot{AssetID: assetID, Bids: bids, Asks: asks, Hash: hash, Timestamp: time.Now()}
	if assetID == b.yesToken {
		b.yes = snap
	} else if assetID == b.noToken {
		b.no = snap
	}
	b.lastHash[assetID] = hash
	b.updated = time.Now()
}

// ApplyPriceChange applies an incremental price_change event. Per-level
// merging is left to callers that need depth; this tracks staleness and the
// latest book hash, which is all the TWAP/chase engines consume today.
func (b *Book) ApplyPriceChange(event WSPriceChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, pc := range event.PriceChanges {
		b.lastHash[pc.AssetID] = pc.Hash
	}
	b.updated = time.Now()
}

// MidPrice is (bestBid+bestAsk)/2 for the YES token.
func (b *Book) MidPrice() (float64, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok {
		return 0, false
	}
	if bid == 0 && ask == 0 {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// BestBidAsk returns the top-of-book bid and ask for the YES token.
func (b *Book) BestBidAsk() (bid, ask float64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.yes.Bids) == 0 || len(b.yes.Asks) == 0 {
		return 0, 0, false
	}
	return parsePrice(b.yes.Bids[0].Price), parsePrice(b.yes.Asks[0].Price), true
}

// Snapshot returns a copy of both sides' current depth, used as the
// venue-specific payload of the worker's orderBook event.
func (b *Book) Snapshot() (yes, no OrderBookSnapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.yes, b.no
}

func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

func parsePrice(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
