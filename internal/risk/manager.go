// Package risk enforces exposure limits across one worker's accounts.
//
// The risk manager runs as a standalone goroutine that receives
// PositionReports from strategy loops and checks them against configured
// limits:
//
//   - Per-symbol exposure:  caps notional exposure on any single symbol
//   - Account exposure:     caps total notional across an account's positions
//   - Daily loss:           triggers kill switch if realized+unrealized PnL exceeds threshold
//   - Rapid price movement: triggers kill switch if the mark moves more than
//     KillSwitchDropPct within KillSwitchWindowSec seconds
//
// When a limit is breached, the manager emits a KillSignal on KillCh(). The
// consumer (the quoting engine) cancels its orders — globally or for the
// one symbol named. After a kill, the switch stays engaged for
// CooldownAfterKill, during which quoting is skipped. The manager is
// scoped to a single worker: it never nets exposure across venues.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"venueworker/internal/config"
	"venueworker/pkg/types"
)

// PositionReport is sent by a strategy goroutine every quote cycle. It
// carries one (account, symbol) exposure snapshot for risk evaluation.
type PositionReport struct {
	AccountID     types.AccountID
	Symbol        string
	LastPrice     float64 // used for price-movement detection
	Notional      float64 // position value in quote units
	UnrealizedPnL float64
	RealizedPnL   float64
	Timestamp     time.Time
}

// KillSignal tells the consumer to cancel orders. If Symbol is empty, it
// means cancel across ALL symbols (account-wide kill).
type KillSignal struct {
	AccountID types.AccountID
	Symbol    string // empty = kill everything for the account
	Reason    string
}

// priceAnchor stores a reference price at a point in time for detecting
// rapid price movements within a rolling window.
type priceAnchor struct {
	price     float64
	timestamp time.Time
}

// Manager enforces risk limits across one worker's accounts. It aggregates
// position reports, checks limits, and emits kill signals when breached.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu               sync.RWMutex
	positions        map[string]PositionReport // latest report per (account|symbol)
	killSwitchActive bool
	killSwitchUntil  time.Time
	priceAnchors     map[string]priceAnchor

	reportCh chan PositionReport
	killCh   chan KillSignal
}

// NewManager creates a risk manager.
func NewManager(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		logger:       logger.With("component", "risk"),
		positions:    make(map[string]PositionReport),
		priceAnchors: make(map[string]priceAnchor),
		reportCh:     make(chan PositionReport, 100),
		killCh:       make(chan KillSignal, 10),
	}
}

// Run starts the risk monitoring loop.
func (rm *Manager) Run(ctx context.Context) {
	// Periodic check clears kill switch even when no reports arrive
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case report := <-rm.reportCh:
			rm.processReport(report)
		case <-ticker.C:
			rm.clearExpiredKillSwitch()
		}
	}
}

// Report submits a position report (non-blocking).
func (rm *Manager) Report(report PositionReport) {
	select {
	case rm.reportCh <- report:
	default:
		rm.logger.Warn("risk report channel full, dropping report",
			"symbol", report.Symbol)
	}
}

// KillCh returns the channel for reading kill signals.
func (rm *Manager) KillCh() <-chan KillSignal {
	return rm.killCh
}

// RemoveSymbol cleans up state for a symbol no longer quoted.
func (rm *Manager) RemoveSymbol(accountID types.AccountID, symbol string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	key := reportKey(accountID, symbol)
	delete(rm.positions, key)
	delete(rm.priceAnchors, key)
}

// IsKillSwitchActive returns whether the kill switch is engaged.
func (rm *Manager) IsKillSwitchActive() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if !rm.killSwitchActive {
		return false
	}
	if time.Now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.logger.Info("kill switch cooldown expired")
		return false
	}
	return true
}

// RemainingBudget returns how much additional notional exposure is allowed
// for the given (account, symbol). It takes the minimum of:
//   - per-symbol headroom: MaxPositionPerSymbol − current symbol exposure
//   - account headroom:    MaxAccountExposure − total exposure across the account
//
// Returns 0 if either limit is already exceeded (the strategy will skip
// quoting).
func (rm *Manager) RemainingBudget(accountID types.AccountID, symbol string) float64 {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var symbolExposure, accountExposure float64
	for _, pos := range rm.positions {
		if pos.AccountID != accountID {
			continue
		}
		accountExposure += pos.Notional
		if pos.Symbol == symbol {
			symbolExposure = pos.Notional
		}
	}

	perSymbol := rm.cfg.MaxPositionPerSymbol - symbolExposure
	account := rm.cfg.MaxAccountExposure - accountExposure

	remaining := perSymbol
	if account < remaining {
		remaining = account
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (rm *Manager) processReport(report PositionReport) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.positions[reportKey(report.AccountID, report.Symbol)] = report

	// Recalculate this account's totals
	var accountExposure, realized, unrealized float64
	for _, pos := range rm.positions {
		if pos.AccountID != report.AccountID {
			continue
		}
		accountExposure += pos.Notional
		realized += pos.RealizedPnL
		unrealized += pos.UnrealizedPnL
	}

	// Check per-symbol limit
	if report.Notional > rm.cfg.MaxPositionPerSymbol {
		rm.emitKill(report.AccountID, report.Symbol, "per-symbol position limit breached")
	}

	// Check account limit
	if accountExposure > rm.cfg.MaxAccountExposure {
		rm.emitKill(report.AccountID, "", "account exposure limit breached")
	}

	// Check daily loss
	if realized+unrealized < -rm.cfg.MaxDailyLoss {
		rm.emitKill(report.AccountID, "", "max daily loss breached")
	}

	// Check rapid price movement (kill switch)
	rm.checkPriceMovement(report)
}

// checkPriceMovement detects rapid price swings using a rolling anchor.
// On each report, it compares the mark to the anchor set at the start of
// the window. If the anchor is older than KillSwitchWindowSec, it resets.
// If price moved more than KillSwitchDropPct from anchor, kill switch fires.
func (rm *Manager) checkPriceMovement(report PositionReport) {
	window := time.Duration(rm.cfg.KillSwitchWindowSec) * time.Second
	key := reportKey(report.AccountID, report.Symbol)

	anchor, ok := rm.priceAnchors[key]
	if !ok || report.Timestamp.Sub(anchor.timestamp) > window {
		// No anchor or anchor expired — reset to current price
		rm.priceAnchors[key] = priceAnchor{
			price:     report.LastPrice,
			timestamp: report.Timestamp,
		}
		return
	}

	if anchor.price == 0 {
		return
	}

	pctChange := (report.LastPrice - anchor.price) / anchor.price
	if pctChange < 0 {
		pctChange = -pctChange
	}

	if pctChange > rm.cfg.KillSwitchDropPct {
		rm.emitKill(report.AccountID, report.Symbol, fmt.Sprintf(
			"rapid price movement: %.1f%% in %ds",
			pctChange*100, rm.cfg.KillSwitchWindowSec,
		))
	}
}

func (rm *Manager) clearExpiredKillSwitch() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.killSwitchActive && time.Now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.logger.Info("kill switch cooldown expired")
	}
}

// emitKill activates the kill switch, starts the cooldown timer, and sends
// a KillSignal. If the kill channel is full, it drains the stale signal
// first to ensure the latest kill reason is always delivered.
func (rm *Manager) emitKill(accountID types.AccountID, symbol, reason string) {
	rm.killSwitchActive = true
	rm.killSwitchUntil = time.Now().Add(rm.cfg.CooldownAfterKill)

	rm.logger.Error("KILL SWITCH",
		"account", accountID,
		"symbol", symbol,
		"reason", reason,
		"cooldown_until", rm.killSwitchUntil,
	)

	// Drain stale signal if channel full, then send
	sig := KillSignal{AccountID: accountID, Symbol: symbol, Reason: reason}
	select {
	case rm.killCh <- sig:
	default:
		select {
		case <-rm.killCh:
		default:
		}
		rm.killCh <- sig
	}
}

func reportKey(accountID types.AccountID, symbol string) string {
	return string(accountID) + "|" + symbol
}
