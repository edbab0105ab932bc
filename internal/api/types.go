// Package api is the host side of the worker runtime: it consumes every
// worker's outbound event stream, replays the mutation batches into a
// read-only mirror store, and re-broadcasts the events to WebSocket
// subscribers. It is the minimal reference host of the event protocol —
// the full dispatch facade stays out of scope.
package api

import (
	"time"

	"venueworker/internal/store"
	"venueworker/internal/venue"
	"venueworker/pkg/types"
)

// WireEvent is the JSON envelope broadcast to subscribers: a worker event
// tagged with its venue and a host-side timestamp.
type WireEvent struct {
	Type      string          `json:"type"` // update | response | log | error | candle | orderBook
	Venue     types.VenueName `json:"venue"`
	Timestamp time.Time       `json:"timestamp"`

	Changes   []store.Command `json:"changes,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Data      any             `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Error     *WireError      `json:"error,omitempty"`
	Candle    *types.Candle   `json:"candle,omitempty"`
	Symbol    string          `json:"symbol,omitempty"`
	OrderBook any             `json:"orderBook,omitempty"`
}

// WireError is the serializable slice of a venue.Error.
type WireError struct {
	Kind    venue.ErrorKind `json:"kind"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message"`
}
