// Package risk also runs the portfolio-level monitor: it aggregates the
// signed inventory and realized P&L every tracked market reports each
// tick and periodically feeds the totals into the circuit breaker
// (spec §4.11's "periodic check" and inventory-imbalance trip).
//
// Unlike the breaker itself, the monitor carries no independent
// kill-switch state or cooldown — it only observes and reports. Tripping
// and reset are entirely the breaker's responsibility, so there is a
// single source of truth for "can we still quote."
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PositionReport is sent by the engine for each tracked market every
// scheduler tick, carrying the signed inventory (positive = long YES,
// negative = short YES / long NO) and realized P&L used for the
// portfolio-level checks.
type PositionReport struct {
	Ticker      string
	Inventory   int
	RealizedPnL float64
	Timestamp   time.Time
}

// Monitor aggregates position reports across all tracked markets and
// periodically checks the aggregate against the circuit breaker's
// thresholds (spec §4.11 steps 2 and 5).
type Monitor struct {
	logger  *slog.Logger
	breaker *Breaker

	maxPositionPerMarket int
	checkInterval        time.Duration

	mu               sync.RWMutex
	positions        map[string]PositionReport
	totalRealizedPnL float64
	netInventory     int

	reportCh chan PositionReport
}

// NewMonitor creates a portfolio monitor. maxPositionPerMarket scales the
// per-market position cap up to a portfolio-wide capacity used as the
// denominator of the inventory-imbalance ratio.
func NewMonitor(maxPositionPerMarket int, checkInterval time.Duration, breaker *Breaker, logger *slog.Logger) *Monitor {
	return &Monitor{
		logger:               logger.With("component", "portfolio_monitor"),
		breaker:              breaker,
		maxPositionPerMarket: maxPositionPerMarket,
		checkInterval:        checkInterval,
		positions:            make(map[string]PositionReport),
		reportCh:             make(chan PositionReport, 256),
	}
}

// Run drains incoming reports and periodically re-evaluates the
// aggregate against the breaker's thresholds. Blocks until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case report := <-m.reportCh:
			m.processReport(report)
		case <-ticker.C:
			m.checkThresholds()
		}
	}
}

// Report submits a position update (non-blocking — the channel is sized
// generously, and a dropped report only delays this market's
// contribution to the aggregate by one cycle).
func (m *Monitor) Report(report PositionReport) {
	select {
	case m.reportCh <- report:
	default:
		m.logger.Warn("portfolio report channel full, dropping report", "ticker", report.Ticker)
	}
}

// RemoveMarket drops a market from the aggregate, e.g. once its state
// machine reaches closed.
func (m *Monitor) RemoveMarket(ticker string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, ticker)
	m.recomputeLocked()
}

// Snapshot reports the current aggregate totals.
type Snapshot struct {
	TrackedMarkets   int
	NetInventory     int
	TotalRealizedPnL float64
}

// Snapshot returns the current aggregate state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		TrackedMarkets:   len(m.positions),
		NetInventory:     m.netInventory,
		TotalRealizedPnL: m.totalRealizedPnL,
	}
}

func (m *Monitor) processReport(report PositionReport) {
	m.mu.Lock()
	m.positions[report.Ticker] = report
	m.recomputeLocked()
	m.mu.Unlock()
}

func (m *Monitor) recomputeLocked() {
	m.totalRealizedPnL = 0
	m.netInventory = 0
	for _, pos := range m.positions {
		m.totalRealizedPnL += pos.RealizedPnL
		m.netInventory += pos.Inventory
	}
}

func (m *Monitor) checkThresholds() {
	m.mu.RLock()
	pnl := m.totalRealizedPnL
	netInventory := m.netInventory
	capacity := m.maxPositionPerMarket * len(m.positions)
	m.mu.RUnlock()

	if capacity == 0 {
		capacity = m.maxPositionPerMarket
	}

	m.breaker.CheckPnL(pnl)
	m.breaker.CheckInventoryImbalance(netInventory, capacity)
}
