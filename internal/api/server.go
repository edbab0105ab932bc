package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"venueworker/internal/config"
	"venueworker/internal/store"
	"venueworker/internal/worker"
	"venueworker/pkg/types"
)

// Server is the host's HTTP/WebSocket surface. It owns the read-only
// mirror store: every worker's update batches are replayed into it in
// arrival order, so the mirror is updated by the command stream and
// nothing else.
type Server struct {
	cfg      config.ServerConfig
	hub      *Hub
	mirror   *store.Store
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer creates the host server. registry may be nil to skip /metrics.
func NewServer(cfg config.ServerConfig, registry *prometheus.Registry, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	s := &Server{
		cfg:    cfg,
		hub:    hub,
		mirror: store.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/ws", s.handleWebSocket)
	if registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	}).Handler(mux)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the hub and the HTTP listener. Blocks.
func (s *Server) Start() error {
	go s.hub.Run()
	s.logger.Info("host server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping host server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// ConsumeWorker drains one worker's event stream: update batches replay
// into the mirror, then every event is re-broadcast. Call once per worker,
// each in its own goroutine.
func (s *Server) ConsumeWorker(ctx context.Context, venueName types.VenueName, events <-chan worker.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Apply(venueName, ev)
		}
	}
}

// Apply replays one worker event into the mirror and broadcasts it.
func (s *Server) Apply(venueName types.VenueName, ev worker.Event) {
	wire := WireEvent{Venue: venueName, Timestamp: time.Now()}
	switch ev.Kind {
	case worker.EvUpdate:
		if _, err := s.mirror.EmitChanges(ev.Changes); err != nil {
			s.logger.Error("mirror replay failed", "venue", venueName, "error", err)
		}
		wire.Type = "update"
		wire.Changes = ev.Changes
	case worker.EvResponse:
		wire.Type = "response"
		wire.RequestID = ev.RequestID
		wire.Data = ev.Data
	case worker.EvLog:
		wire.Type = "log"
		wire.Message = ev.Message
	case worker.EvError:
		wire.Type = "error"
		if ev.Err != nil {
			wire.Error = &WireError{Kind: ev.Err.Kind, Code: ev.Err.Code, Message: ev.Err.Message}
		}
	case worker.EvCandle:
		wire.Type = "candle"
		wire.Candle = ev.Candle
	case worker.EvOrderBook:
		wire.Type = "orderBook"
		wire.Symbol = ev.Symbol
		wire.OrderBook = ev.OrderBook
	default:
		return
	}
	s.hub.BroadcastEvent(wire)
}

// Mirror exposes the read-only mirror, mainly for tests asserting the
// replay-convergence property.
func (s *Server) Mirror() *store.Store { return s.mirror }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "time": time.Now()})
}

// handleSnapshot serves the mirror's full tree — a late-joining subscriber
// fetches this, then follows the /ws update stream.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.mirror.Snapshot())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(s.hub, conn)
}
