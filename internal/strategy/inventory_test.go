package strategy

import (
	"math"
	"testing"
	"time"

	"kalshi-lip-mm/pkg/types"
)

const testTicker = "KXTEST-26JUL31-T50"

func newTestInventory() *Inventory {
	return NewInventory(testTicker)
}

func fill(orderID string, side types.Side, price types.Ticks, size int, idx int64) types.FillEvent {
	return types.FillEvent{
		Ticker:    testTicker,
		OrderID:   orderID,
		Side:      side,
		Price:     price,
		Size:      size,
		Timestamp: time.Now(),
		FillIndex: idx,
	}
}

func TestOnFillBuyOpensLongPosition(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()

	inv.OnFill(fill("o1", types.Buy, 50, 10, 1))

	snap := inv.Snapshot()
	if snap.Position != 10 {
		t.Errorf("Position = %d, want 10", snap.Position)
	}
	if math.Abs(snap.AvgEntry-0.50) > 1e-10 {
		t.Errorf("AvgEntry = %v, want 0.50", snap.AvgEntry)
	}
}

func TestOnFillBuyMultipleBlendsEntry(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()

	inv.OnFill(fill("o1", types.Buy, 50, 10, 1))
	inv.OnFill(fill("o2", types.Buy, 60, 10, 1))

	snap := inv.Snapshot()
	if snap.Position != 20 {
		t.Errorf("Position = %d, want 20", snap.Position)
	}
	if math.Abs(snap.AvgEntry-0.55) > 1e-10 {
		t.Errorf("AvgEntry = %v, want 0.55", snap.AvgEntry)
	}
}

func TestOnFillSellReducesAndRealizesPnL(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()

	inv.OnFill(fill("o1", types.Buy, 50, 10, 1))
	inv.OnFill(fill("o2", types.Sell, 60, 5, 1))

	snap := inv.Snapshot()
	if snap.Position != 5 {
		t.Errorf("Position = %d, want 5", snap.Position)
	}
	if math.Abs(snap.RealizedPnL-0.50) > 1e-10 {
		t.Errorf("RealizedPnL = %v, want 0.50", snap.RealizedPnL)
	}
}

func TestOnFillSellAllFlattensPosition(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()

	inv.OnFill(fill("o1", types.Buy, 40, 10, 1))
	inv.OnFill(fill("o2", types.Sell, 50, 10, 1))

	snap := inv.Snapshot()
	if snap.Position != 0 {
		t.Errorf("Position = %d, want 0", snap.Position)
	}
	if snap.AvgEntry != 0 {
		t.Errorf("AvgEntry = %v, want 0 after full close", snap.AvgEntry)
	}
	if math.Abs(snap.RealizedPnL-1.0) > 1e-10 {
		t.Errorf("RealizedPnL = %v, want 1.0", snap.RealizedPnL)
	}
}

func TestOnFillSellFlipsToShort(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()

	inv.OnFill(fill("o1", types.Buy, 40, 10, 1))
	inv.OnFill(fill("o2", types.Sell, 50, 15, 1))

	snap := inv.Snapshot()
	if snap.Position != -5 {
		t.Errorf("Position = %d, want -5", snap.Position)
	}
	if math.Abs(snap.AvgEntry-0.50) > 1e-10 {
		t.Errorf("AvgEntry after flip = %v, want 0.50 (the flip price)", snap.AvgEntry)
	}
	if math.Abs(snap.RealizedPnL-1.0) > 1e-10 {
		t.Errorf("RealizedPnL = %v, want 1.0 on the 10 closed contracts", snap.RealizedPnL)
	}
}

func TestOnFillDedupByFillIndex(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()

	applied := inv.OnFill(fill("o1", types.Buy, 50, 10, 3))
	if !applied {
		t.Fatal("expected first fill to apply")
	}
	// Same or lower fill index on the same order is a duplicate delivery.
	applied = inv.OnFill(fill("o1", types.Buy, 50, 10, 3))
	if applied {
		t.Error("expected duplicate fill index to be rejected")
	}
	applied = inv.OnFill(fill("o1", types.Buy, 50, 10, 2))
	if applied {
		t.Error("expected stale fill index to be rejected")
	}

	snap := inv.Snapshot()
	if snap.Position != 10 {
		t.Errorf("Position = %d, want 10 (duplicates must not double-apply)", snap.Position)
	}
}

func TestOnFillDistinctOrdersTrackedIndependently(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()

	inv.OnFill(fill("o1", types.Buy, 50, 5, 1))
	inv.OnFill(fill("o2", types.Buy, 50, 5, 1))

	snap := inv.Snapshot()
	if snap.Position != 10 {
		t.Errorf("Position = %d, want 10", snap.Position)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()

	want := Snapshot{Position: 42, AvgEntry: 0.55, RealizedPnL: 1.5}
	inv.Restore(want)

	got := inv.Snapshot()
	if got.Position != want.Position || got.AvgEntry != want.AvgEntry || got.RealizedPnL != want.RealizedPnL {
		t.Errorf("Snapshot after Restore = %+v, want %+v", got, want)
	}
}
