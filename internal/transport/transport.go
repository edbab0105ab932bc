// Package transport implements a reconnecting WebSocket wrapper: backoff
// reconnect, a connection-timeout timer, ready-state queries, and a
// cloneable event surface (no host-only handles — every emitted event is
// plain data). Every venue's feed — public or private, however many
// venues are wired in — shares this one implementation instead of
// re-deriving its own reconnect logic.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ReadyState mirrors the browser WebSocket readyState enum.
type ReadyState int32

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Open:
		return "Open"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ErrNotOpen is returned by Send when the transport is not in the Open state.
var ErrNotOpen = errors.New("transport: not open")

// Options are the reconnect/timeout knobs.
type Options struct {
	RetryDelay        time.Duration
	MaxRetryDelay     time.Duration
	ConnectionTimeout time.Duration
	BackoffFactor     float64
	ReadTimeout       time.Duration // silence beyond this forces a reconnect
	WriteTimeout      time.Duration
	PingInterval      time.Duration // 0 disables keepalive pings

	// MaxRetries bounds consecutive failed reconnect attempts; 0 retries
	// forever. Private authenticated feeds set this so a bad credential
	// degrades one account instead of hammering the venue.
	MaxRetries int
}

// DefaultOptions returns the standard reconnect defaults.
func DefaultOptions() Options {
	return Options{
		RetryDelay:        1 * time.Second,
		MaxRetryDelay:     30 * time.Second,
		ConnectionTimeout: 5 * time.Second,
		BackoffFactor:     2,
		ReadTimeout:       90 * time.Second,
		WriteTimeout:      10 * time.Second,
		PingInterval:      50 * time.Second,
	}
}

// MessageEvent is a plain, copy-serializable message payload.
type MessageEvent struct {
	Data        []byte
	Origin      string
	LastEventID string
}

// CloseEvent reports why the socket closed.
type CloseEvent struct {
	Code     int
	Reason   string
	WasClean bool
}

// ErrorEvent carries only a message — no underlying error value, to stay
// copy-serializable across a worker/host boundary.
type ErrorEvent struct {
	Message string
}

// Listener receives one of MessageEvent, CloseEvent, ErrorEvent, or
// struct{}{} for an "open" event, depending on which kind it was
// registered under.
type Listener func(event any)

// Transport is a reconnecting WebSocket wrapper: Send, Close, ReadyState,
// AddEventListener.
type Transport struct {
	url    string
	opts   Options
	logger *slog.Logger

	state atomic.Int32

	mu         sync.Mutex
	conn       *websocket.Conn
	retryCount int
	forced     bool // true once Close() was called — stops reconnect

	listenersMu sync.RWMutex
	listeners   map[string][]Listener
}

// New constructs a transport for url with opts (zero-value Options falls
// back to DefaultOptions field-by-field where zero).
func New(url string, opts Options, logger *slog.Logger) *Transport {
	def := DefaultOptions()
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = def.MaxRetryDelay
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = def.ConnectionTimeout
	}
	if opts.BackoffFactor <= 0 {
		opts.BackoffFactor = def.BackoffFactor
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		url:       url,
		opts:      opts,
		logger:    logger.With("component", "transport"),
		listeners: make(map[string][]Listener),
	}
	t.state.Store(int32(Connecting))
	return t
}

// AddEventListener registers cb for kind ("open", "message", "error", "close").
func (t *Transport) AddEventListener(kind string, cb Listener) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.listeners[kind] = append(t.listeners[kind], cb)
}

func (t *Transport) emit(kind string, event any) {
	t.listenersMu.RLock()
	cbs := append([]Listener(nil), t.listeners[kind]...)
	t.listenersMu.RUnlock()
	for _, cb := range cbs {
		cb(event)
	}
}

// ReadyState reports the current connection state.
func (t *Transport) ReadyState() ReadyState {
	return ReadyState(t.state.Load())
}

// Send writes data as a text frame. Fails with ErrNotOpen if the socket is
// not in the Open state.
func (t *Transport) Send(data []byte) error {
	if t.ReadyState() != Open {
		return ErrNotOpen
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}
	conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// SendJSON marshals v and sends it as a text frame.
func (t *Transport) SendJSON(v any) error {
	if t.ReadyState() != Open {
		return ErrNotOpen
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}
	conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	return conn.WriteJSON(v)
}

// Close prevents further reconnects and closes the underlying socket.
func (t *Transport) Close(code int, reason string) {
	t.mu.Lock()
	t.forced = true
	t.state.Store(int32(Closing))
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	t.state.Store(int32(Closed))
}

// Run connects and maintains the connection with exponential backoff until
// ctx is cancelled or Close was called. Blocks.
func (t *Transport) Run(ctx context.Context) error {
	for {
		if t.isForced() {
			t.state.Store(int32(Closed))
			return nil
		}

		err := t.connectAndRead(ctx)
		if ctx.Err() != nil {
			t.state.Store(int32(Closed))
			return ctx.Err()
		}
		if t.isForced() {
			t.state.Store(int32(Closed))
			return nil
		}

		wasClean := err == nil
		t.emit("close", CloseEvent{Code: 1006, Reason: errString(err), WasClean: wasClean})
		t.state.Store(int32(Connecting))

		if t.opts.MaxRetries > 0 && t.currentRetryCount() >= t.opts.MaxRetries {
			t.state.Store(int32(Closed))
			return fmt.Errorf("transport: gave up after %d reconnect attempts: %w", t.opts.MaxRetries, err)
		}

		delay := t.nextRetryDelay()
		select {
		case <-ctx.Done():
			t.state.Store(int32(Closed))
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (t *Transport) isForced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.forced
}

func (t *Transport) currentRetryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryCount
}

func (t *Transport) nextRetryDelay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	delay := t.opts.RetryDelay
	for i := 0; i < t.retryCount; i++ {
		delay = time.Duration(float64(delay) * t.opts.BackoffFactor)
		if delay > t.opts.MaxRetryDelay {
			delay = t.opts.MaxRetryDelay
			break
		}
	}
	t.retryCount++
	return delay
}

func (t *Transport) connectAndRead(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectionTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, t.url, nil)
	if err != nil {
		t.emit("error", ErrorEvent{Message: fmt.Sprintf("dial: %v", err)})
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.retryCount = 0
	t.mu.Unlock()
	t.state.Store(int32(Open))
	t.emit("open", struct{}{})

	defer func() {
		t.mu.Lock()
		conn.Close()
		t.conn = nil
		t.mu.Unlock()
	}()

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	if t.opts.PingInterval > 0 {
		go t.pingLoop(pingCtx)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.emit("error", ErrorEvent{Message: err.Error()})
			return err
		}
		t.emit("message", MessageEvent{Data: msg, Origin: t.url})
	}
}

func (t *Transport) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Send([]byte("PING")); err != nil {
				return
			}
		}
	}
}
