package risk

import (
	"testing"
	"time"
)

func newTestMonitor(breaker *Breaker) *Monitor {
	return NewMonitor(100, time.Minute, breaker, testLogger())
}

func TestMonitorProcessReportAggregates(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{}, "", testLogger())
	m := newTestMonitor(b)

	m.processReport(PositionReport{Ticker: "m1", Inventory: 30, RealizedPnL: 5, Timestamp: time.Now()})
	m.processReport(PositionReport{Ticker: "m2", Inventory: -10, RealizedPnL: -2, Timestamp: time.Now()})

	snap := m.Snapshot()
	if snap.TrackedMarkets != 2 {
		t.Errorf("TrackedMarkets = %d, want 2", snap.TrackedMarkets)
	}
	if snap.NetInventory != 20 {
		t.Errorf("NetInventory = %d, want 20", snap.NetInventory)
	}
	if snap.TotalRealizedPnL != 3 {
		t.Errorf("TotalRealizedPnL = %v, want 3", snap.TotalRealizedPnL)
	}
}

func TestMonitorRemoveMarketRecomputes(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{}, "", testLogger())
	m := newTestMonitor(b)

	m.processReport(PositionReport{Ticker: "m1", Inventory: 60, RealizedPnL: 5, Timestamp: time.Now()})
	m.processReport(PositionReport{Ticker: "m2", Inventory: 70, RealizedPnL: 3, Timestamp: time.Now()})

	m.RemoveMarket("m2")

	snap := m.Snapshot()
	if snap.NetInventory != 60 {
		t.Errorf("NetInventory after remove = %d, want 60", snap.NetInventory)
	}
	if snap.TotalRealizedPnL != 5 {
		t.Errorf("TotalRealizedPnL after remove = %v, want 5", snap.TotalRealizedPnL)
	}
}

func TestMonitorCheckThresholdsTripsOnPnL(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{PnLThreshold: -50}, "", testLogger())
	m := newTestMonitor(b)

	m.processReport(PositionReport{Ticker: "m1", RealizedPnL: -60, Timestamp: time.Now()})
	m.checkThresholds()

	if !b.IsOpen() {
		t.Error("expected breaker open after aggregate pnl breach")
	}
}

func TestMonitorCheckThresholdsTripsOnInventoryImbalance(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{MaxInventoryImbalance: 0.5}, "", testLogger())
	m := newTestMonitor(b)

	// capacity = 100 * 1 market = 100; inventory 90 -> ratio 0.9 > 0.5
	m.processReport(PositionReport{Ticker: "m1", Inventory: 90, Timestamp: time.Now()})
	m.checkThresholds()

	if !b.IsOpen() {
		t.Error("expected breaker open after aggregate inventory imbalance breach")
	}
}

func TestMonitorReportNonBlocking(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{}, "", testLogger())
	m := newTestMonitor(b)

	for i := 0; i < 10; i++ {
		m.Report(PositionReport{Ticker: "m1", Timestamp: time.Now()})
	}
}
