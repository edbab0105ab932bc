// venueworker — a unified multi-venue trading client runtime. One isolated
// worker per configured venue owns that venue's sockets, signing state, and
// store shard; the host mirrors every worker's state by replaying its
// mutation stream and re-broadcasts the event protocol over WebSocket.
//
// Architecture:
//
//	main.go                    — entry point: loads config, builds one worker per venue, waits for SIGINT/SIGTERM
//	worker/worker.go           — Exchange Worker Core: command dispatch, store shard, order pipeline, strategies
//	store/store.go             — path-addressed mutation protocol (update / removeArrayElement / removeObjectKey)
//	transport/transport.go     — reconnecting WebSocket wrapper shared by every venue feed
//	pipeline/pipeline.go       — per-account rate-limited order queue with priority preemption
//	venue/polymarket           — prediction-market CLOB adapter (EIP-712 L1 + HMAC L2 auth)
//	venue/hyperlicked          — decentralized perpetuals adapter (EIP-712 signed actions)
//	venue/derivex              — centralized derivatives adapter (HMAC query-string signing)
//	venue/dexagg               — on-chain DEX aggregator adapter (swap transactions via go-ethereum)
//	strategy/twap, chase       — time-sliced execution and post-only price chasing
//	strategy/quote             — Avellaneda-Stoikov two-sided quoting with toxic-flow widening
//	risk/manager.go            — per-symbol/account exposure, daily loss, and price-shock limits
//	api/server.go              — host event broadcaster: mirror store, /ws stream, /api/snapshot, /metrics
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"venueworker/internal/api"
	"venueworker/internal/config"
	"venueworker/internal/metrics"
	"venueworker/internal/risk"
	"venueworker/internal/strategy/quote"
	"venueworker/internal/venue"
	"venueworker/internal/venue/derivex"
	"venueworker/internal/venue/dexagg"
	"venueworker/internal/venue/hyperlicked"
	"venueworker/internal/venue/polymarket"
	"venueworker/internal/worker"
	"venueworker/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("VW_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Host server: mirror store + event broadcast + metrics.
	var server *api.Server
	if cfg.Server.Enabled {
		server = api.NewServer(cfg.Server, registry, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("host server failed", "error", err)
			}
		}()
		logger.Info("host server started", "url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port))
	}

	// One worker per enabled venue.
	workers := make(map[types.VenueName]*worker.Worker)
	for name, vc := range cfg.Venues {
		if !vc.Enabled {
			continue
		}
		v, err := buildVenue(types.VenueName(name), vc, logger)
		if err != nil {
			logger.Error("failed to build venue", "venue", name, "error", err)
			os.Exit(1)
		}
		w := worker.New(v, logger, m)
		workers[types.VenueName(name)] = w

		go w.Run(ctx)
		if server != nil {
			go server.ConsumeWorker(ctx, types.VenueName(name), w.Events())
		} else {
			go drainEvents(ctx, w)
		}

		w.Send(worker.Command{
			Kind:      worker.CmdStart,
			RequestID: "boot-" + name,
			Accounts:  accountsFor(vc),
			Config:    startConfigFor(vc),
		})
		logger.Info("worker started", "venue", name, "accounts", len(vc.Accounts))

		// Quoting engine: one instance per (account, symbol), sharing a
		// per-worker risk manager whose kill switch the engines poll.
		if len(vc.QuoteSymbols) > 0 {
			riskMgr := risk.NewManager(cfg.Risk, logger.With("venue", name))
			go riskMgr.Run(ctx)
			go drainKills(ctx, riskMgr, logger)
			for _, acc := range vc.Accounts {
				for _, symbol := range vc.QuoteSymbols {
					engine := quote.NewEngine(cfg.Quote, types.AccountID(acc.ID), symbol, w, riskMgr, logger.With("venue", name))
					go engine.Run(ctx)
				}
			}
		}
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	for name, w := range workers {
		w.Send(worker.Command{Kind: worker.CmdStop})
		logger.Info("worker stopping", "venue", name)
	}
	if server != nil {
		if err := server.Stop(); err != nil {
			logger.Error("failed to stop host server", "error", err)
		}
	}
	cancel()
}

// buildVenue constructs the adapter for one configured venue.
func buildVenue(name types.VenueName, vc config.VenueConfig, logger *slog.Logger) (venue.Venue, error) {
	switch name {
	case types.Polymarket:
		return polymarket.NewVenue(polymarket.ClientConfig{
			CLOBBaseURL:  vc.RESTBaseURL,
			GammaBaseURL: vc.GammaBaseURL,
			DryRun:       vc.DryRun,
		}, vc.WSMarketURL, vc.WSUserURL, logger), nil
	case types.Hyperlicked:
		return hyperlicked.NewVenue(hyperlicked.ClientConfig{
			BaseURL: vc.RESTBaseURL,
			ChainID: vc.ChainID,
		}, wsURLFor(vc), logger), nil
	case types.DerivEx:
		return derivex.NewVenue(derivex.ClientConfig{
			BaseURL: vc.RESTBaseURL,
		}, wsURLFor(vc), logger), nil
	case types.DexAgg:
		pairs := make([]dexagg.Pair, len(vc.Pairs))
		for i, p := range vc.Pairs {
			pairs[i] = dexagg.Pair{
				Symbol:        p.Symbol,
				BaseToken:     p.BaseToken,
				QuoteToken:    p.QuoteToken,
				BaseDecimals:  p.BaseDecimals,
				QuoteDecimals: p.QuoteDecimals,
			}
		}
		return dexagg.NewVenue(dexagg.Config{
			RPCURL:        vc.RPCURL,
			RouterAddress: vc.RouterAddress,
			Pairs:         pairs,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown venue %q", name)
	}
}

func wsURLFor(vc config.VenueConfig) string {
	if vc.WSURL != "" {
		return vc.WSURL
	}
	return vc.WSMarketURL
}

func accountsFor(vc config.VenueConfig) []venue.Account {
	accounts := make([]venue.Account, len(vc.Accounts))
	for i, acc := range vc.Accounts {
		accounts[i] = venue.Account{ID: types.AccountID(acc.ID), Config: acc.Credentials}
	}
	return accounts
}

func startConfigFor(vc config.VenueConfig) map[string]any {
	cfg := make(map[string]any)
	if vc.RateLimit > 0 {
		cfg["rateLimit"] = vc.RateLimit
	}
	if vc.Consume > 0 {
		cfg["consume"] = vc.Consume
	}
	if vc.MaxOrdersPerBatch > 0 {
		cfg["maxOrdersPerBatch"] = vc.MaxOrdersPerBatch
	}
	for k, v := range vc.Options {
		cfg[k] = v
	}
	return cfg
}

// drainKills surfaces kill-switch firings in the log; the quoting engines
// themselves poll IsKillSwitchActive each tick and cancel their quotes.
func drainKills(ctx context.Context, rm *risk.Manager, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-rm.KillCh():
			logger.Error("kill switch fired", "account", sig.AccountID, "symbol", sig.Symbol, "reason", sig.Reason)
		}
	}
}

// drainEvents keeps a worker from blocking on a full event channel when no
// host server consumes its stream.
func drainEvents(ctx context.Context, w *worker.Worker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.Events():
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
