// Package strategy implements the per-market state machine (C7), signed
// inventory tracking (C8), and the reconciliation loop that turns a
// DesiredQuote into exchange actions.
package strategy

import (
	"sync"
	"time"

	"kalshi-lip-mm/pkg/types"
)

// Inventory tracks the signed position for one market: positive means
// net long YES, negative means net short YES (equivalently long NO),
// zero is flat. Unlike the teacher's Polymarket inventory, which tracks
// YES and NO quantities as two independent non-negative balances, a
// Kalshi market's bot only ever trades the YES contract — the NO side is
// synthesized for pricing (spec §4.2) — so one signed integer is the
// complete position. Thread-safe via RWMutex, mirroring the teacher.
type Inventory struct {
	mu sync.RWMutex

	ticker   string
	position int
	avgEntry float64 // dollars, entry price of the current signed position
	realized float64 // cumulative realized P&L in dollars

	lastFillIndex map[string]int64 // orderID -> highest FillIndex applied, for dedup
	updated       time.Time
}

// NewInventory creates inventory tracking for a market.
func NewInventory(ticker string) *Inventory {
	return &Inventory{
		ticker:        ticker,
		lastFillIndex: make(map[string]int64),
	}
}

// Snapshot is a point-in-time copy of a market's inventory state.
type Snapshot struct {
	Position    int
	AvgEntry    float64
	RealizedPnL float64
	Updated     time.Time
}

// OnFill applies a fill event, updating position, average entry price,
// and realized P&L. Returns false without modifying state if the fill
// was already applied — fills can arrive more than once on reconnect,
// and FillIndex is monotonically increasing per order (spec §4.8), so a
// fill is a duplicate iff its index does not exceed the highest index
// already seen for that order.
func (inv *Inventory) OnFill(fill types.FillEvent) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if seen, ok := inv.lastFillIndex[fill.OrderID]; ok && fill.FillIndex <= seen {
		return false
	}
	inv.lastFillIndex[fill.OrderID] = fill.FillIndex

	delta := fill.Size
	if fill.Side == types.Sell {
		delta = -delta
	}
	inv.applySignedFill(delta, fill.Price.ToFloat())
	inv.updated = fill.Timestamp
	return true
}

func (inv *Inventory) applySignedFill(delta int, price float64) {
	switch {
	case inv.position == 0:
		inv.position = delta
		inv.avgEntry = price

	case sameSign(inv.position, delta):
		// Adding to an existing position: blend the entry price.
		totalCost := inv.avgEntry*float64(abs(inv.position)) + price*float64(abs(delta))
		inv.position += delta
		inv.avgEntry = totalCost / float64(abs(inv.position))

	default:
		// Reducing, flattening, or flipping the position.
		closing := abs(delta)
		if abs(inv.position) < closing {
			closing = abs(inv.position)
		}
		pnlPerContract := price - inv.avgEntry
		if inv.position < 0 {
			pnlPerContract = -pnlPerContract
		}
		inv.realized += pnlPerContract * float64(closing)

		newPosition := inv.position + delta
		inv.position = newPosition
		if newPosition == 0 {
			inv.avgEntry = 0
		} else if abs(delta) > closing {
			// The fill was larger than the resting position: it flipped
			// sign and the remainder opens a fresh position at this price.
			inv.avgEntry = price
		}
	}
}

// Position returns the current signed position.
func (inv *Inventory) Position() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.position
}

// RealizedPnL returns cumulative realized profit/loss in dollars.
func (inv *Inventory) RealizedPnL() float64 {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.realized
}

// Snapshot returns a copy of the current inventory state.
func (inv *Inventory) Snapshot() Snapshot {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return Snapshot{
		Position:    inv.position,
		AvgEntry:    inv.avgEntry,
		RealizedPnL: inv.realized,
		Updated:     inv.updated,
	}
}

// Restore sets the inventory state directly, used to replay a persisted
// snapshot on restart.
func (inv *Inventory) Restore(s Snapshot) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.position = s.Position
	inv.avgEntry = s.AvgEntry
	inv.realized = s.RealizedPnL
	inv.updated = s.Updated
}

func sameSign(a, b int) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
