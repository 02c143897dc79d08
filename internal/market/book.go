// Package market provides the in-memory order book model and the
// discovery worker that feeds new tickers into the tracked set.
//
// Book mirrors the exchange's resting order book for a single binary
// market ticker: two independent price→count maps, one per outcome
// (YES, NO). It is updated from two sources:
//   - a REST snapshot on first track
//   - the order-book WebSocket stream, which sends `snapshot` (replace)
//     and `delta` (signed adjustment) events in exchange-provided
//     sequence order
//
// The Book is concurrency-safe (per-ticker RWMutex) and provides the
// derived views — best bid, synthesized best ask, touch spread — that
// the quoting layer reads each tick.
package market

import (
	"sync"
	"time"

	"kalshi-lip-mm/pkg/types"
)

// Book maintains a local mirror of one ticker's order book.
type Book struct {
	mu     sync.RWMutex
	ticker string

	yesBids map[types.Ticks]int
	noBids  map[types.Ticks]int

	lastSeq map[types.BookSide]int64
	updated time.Time
}

// NewBook creates an empty book for ticker. It has no valid data until the
// first ApplySnapshot.
func NewBook(ticker string) *Book {
	return &Book{
		ticker:  ticker,
		yesBids: make(map[types.Ticks]int),
		noBids:  make(map[types.Ticks]int),
		lastSeq: make(map[types.BookSide]int64),
	}
}

// ApplySnapshot replaces the entire side with levels, per spec §4.2.
// Zero-count entries are elided on entry so the map invariant (no zero
// entries) holds immediately.
func (b *Book) ApplySnapshot(side types.BookSide, levels []types.PriceLevel, seq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.sideMapLocked(side)
	for k := range m {
		delete(m, k)
	}
	for _, lvl := range levels {
		if lvl.Count > 0 {
			m[lvl.Price] = lvl.Count
		}
	}
	b.lastSeq[side] = seq
	b.updated = time.Now()
}

// ApplyDelta adjusts the count at price by delta. A resulting count <= 0
// drops the level. If seq does not immediately follow the last applied
// sequence number for this side, the update is discarded and needsResync
// is true — the caller must request a fresh snapshot and drop any
// buffered deltas until it arrives (spec §4.2, §4.9).
func (b *Book) ApplyDelta(side types.BookSide, price types.Ticks, delta int, seq int64) (needsResync bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	last, ok := b.lastSeq[side]
	if !ok || seq <= last {
		return true
	}
	if seq != last+1 {
		b.lastSeq[side] = seq
		return true
	}

	m := b.sideMapLocked(side)
	next := m[price] + delta
	if next <= 0 {
		delete(m, price)
	} else {
		m[price] = next
	}

	b.lastSeq[side] = seq
	b.updated = time.Now()
	return false
}

func (b *Book) sideMapLocked(side types.BookSide) map[types.Ticks]int {
	if side == types.SideYes {
		return b.yesBids
	}
	return b.noBids
}

// BestYesBid returns the highest-priced YES bid level with count > 0.
func (b *Book) BestYesBid() (types.Ticks, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bestOf(b.yesBids, true)
}

// BestNoBid returns the highest-priced NO bid level with count > 0.
func (b *Book) BestNoBid() (types.Ticks, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bestOf(b.noBids, true)
}

func bestOf(m map[types.Ticks]int, wantMax bool) (types.Ticks, bool) {
	found := false
	var best types.Ticks
	for p, c := range m {
		if c <= 0 {
			continue
		}
		if !found || (wantMax && p > best) || (!wantMax && p < best) {
			best = p
			found = true
		}
	}
	return best, found
}

// TouchSnapshot is an immutable copy of the current touch — taken under
// the book's lock and released so callers never hold it across other
// work (spec §5).
type TouchSnapshot struct {
	YesBid, YesAsk types.Ticks
	NoBid, NoAsk   types.Ticks
	HaveYesBid     bool
	HaveNoBid      bool
	Spread         int // YesAsk - YesBid, only meaningful if both present
}

// Touch reads the best bid/ask on both sides and the synthesized asks in
// one locked critical section, per spec §4.2/§5.
func (b *Book) Touch() TouchSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	yesBid, haveYesBid := bestOf(b.yesBids, true)
	noBid, haveNoBid := bestOf(b.noBids, true)

	ts := TouchSnapshot{
		YesBid:     yesBid,
		NoBid:      noBid,
		HaveYesBid: haveYesBid,
		HaveNoBid:  haveNoBid,
	}
	if haveNoBid {
		ts.YesAsk = (types.MaxTick + types.MinTick) - noBid // 1 - no_bid on the cent grid
	}
	if haveYesBid {
		ts.NoAsk = (types.MaxTick + types.MinTick) - yesBid
	}
	if haveYesBid && haveNoBid {
		ts.Spread = int(ts.YesAsk) - int(ts.YesBid)
	}
	return ts
}

// YesBidLevels returns a best-first snapshot of the YES bid side, for the
// qualifying-band builder. Levels are taken under the lock then returned
// as an owned copy.
func (b *Book) YesBidLevels() []types.PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortedLevels(b.yesBids)
}

// NoBidLevels returns a best-first snapshot of the NO bid side.
func (b *Book) NoBidLevels() []types.PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortedLevels(b.noBids)
}

func sortedLevels(m map[types.Ticks]int) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(m))
	for p, c := range m {
		if c > 0 {
			out = append(out, types.PriceLevel{Price: p, Count: c})
		}
	}
	// Insertion sort: books are small (<=99 levels), and this keeps the
	// package free of a sort.Slice comparator allocation per call.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Price > out[j-1].Price; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// IsStale returns true if the book hasn't been updated within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}
