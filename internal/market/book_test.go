package market

import (
	"testing"
	"time"

	"kalshi-lip-mm/pkg/types"
)

const testTicker = "KXTEST-26JUL31-T50"

func newTestBook() *Book {
	return NewBook(testTicker)
}

func TestApplySnapshotThenTouch(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplySnapshot(types.SideYes, []types.PriceLevel{{Price: 55, Count: 100}, {Price: 54, Count: 200}}, 1)
	b.ApplySnapshot(types.SideNo, []types.PriceLevel{{Price: 43, Count: 150}}, 1)

	touch := b.Touch()
	if !touch.HaveYesBid || touch.YesBid != 55 {
		t.Errorf("YesBid = %d (have=%v), want 55", touch.YesBid, touch.HaveYesBid)
	}
	if !touch.HaveNoBid || touch.NoBid != 43 {
		t.Errorf("NoBid = %d (have=%v), want 43", touch.NoBid, touch.HaveNoBid)
	}
	if touch.YesAsk != 57 {
		t.Errorf("YesAsk = %d, want 57 (1 - no_bid)", touch.YesAsk)
	}
}

func TestApplyDeltaDropsZeroOrNegative(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplySnapshot(types.SideYes, []types.PriceLevel{{Price: 50, Count: 10}}, 1)
	if needsResync := b.ApplyDelta(types.SideYes, 50, -10, 2); needsResync {
		t.Fatal("unexpected resync")
	}

	bid, ok := b.BestYesBid()
	if ok {
		t.Errorf("expected no bid after fully decrementing level, got %d", bid)
	}
}

func TestApplyDeltaSequenceGapTriggersResync(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplySnapshot(types.SideYes, []types.PriceLevel{{Price: 50, Count: 10}}, 1)

	if needsResync := b.ApplyDelta(types.SideYes, 50, 5, 5); !needsResync {
		t.Error("expected resync on sequence gap")
	}

	// count should be unchanged since the out-of-sequence delta was discarded
	bid, ok := b.BestYesBid()
	if !ok || bid != 50 {
		t.Errorf("bid = %d (ok=%v), want 50 unchanged", bid, ok)
	}
}

func TestApplySnapshotDeltaDeltaRoundTrip(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplySnapshot(types.SideYes, []types.PriceLevel{{Price: 50, Count: 10}}, 1)
	b.ApplyDelta(types.SideYes, 50, 5, 2)
	b.ApplyDelta(types.SideYes, 50, -5, 3)

	levels := b.YesBidLevels()
	if len(levels) != 1 || levels[0].Count != 10 {
		t.Errorf("levels = %+v, want [{50 10}]", levels)
	}
}

func TestTouchEmptyBook(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	touch := b.Touch()
	if touch.HaveYesBid || touch.HaveNoBid {
		t.Error("expected empty touch for new book")
	}
}

func TestYesBidLevelsSortedBestFirst(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplySnapshot(types.SideYes, []types.PriceLevel{
		{Price: 44, Count: 10},
		{Price: 46, Count: 20},
		{Price: 45, Count: 30},
	}, 1)

	levels := b.YesBidLevels()
	if len(levels) != 3 {
		t.Fatalf("len(levels) = %d, want 3", len(levels))
	}
	if levels[0].Price != 46 || levels[1].Price != 45 || levels[2].Price != 44 {
		t.Errorf("levels not sorted best-first: %+v", levels)
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	if !b.IsStale(time.Second) {
		t.Error("new book should be stale")
	}

	b.ApplySnapshot(types.SideYes, []types.PriceLevel{{Price: 50, Count: 100}}, 1)
	if b.IsStale(time.Second) {
		t.Error("just-updated book should not be stale")
	}

	time.Sleep(20 * time.Millisecond)
	if !b.IsStale(5 * time.Millisecond) {
		t.Error("book should be stale after maxAge")
	}
}
