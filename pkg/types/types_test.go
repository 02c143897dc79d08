package types

import (
	"testing"
	"time"
)

func TestTicksClamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   Ticks
		want Ticks
	}{
		{0, 1},
		{1, 1},
		{50, 50},
		{99, 99},
		{100, 99},
		{-5, 1},
	}

	for _, tt := range tests {
		if got := tt.in.Clamp(); got != tt.want {
			t.Errorf("Ticks(%d).Clamp() = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFromFloatRoundTrip(t *testing.T) {
	t.Parallel()

	// to_tick(to_tick(x)) = to_tick(x) for x in [0.01, 0.99] (spec §8 round-trip law).
	for cents := 1; cents <= 99; cents++ {
		p := Ticks(cents).ToFloat()
		once := FromFloat(p)
		twice := FromFloat(once.ToFloat())
		if once != twice {
			t.Errorf("FromFloat not idempotent at %v: once=%d twice=%d", p, once, twice)
		}
		if once != Ticks(cents) {
			t.Errorf("FromFloat(%v) = %d, want %d", p, once, cents)
		}
	}
}

func TestFromFloatClampsExtremes(t *testing.T) {
	t.Parallel()

	if got := FromFloat(-1.0); got != MinTick {
		t.Errorf("FromFloat(-1.0) = %d, want %d", got, MinTick)
	}
	if got := FromFloat(5.0); got != MaxTick {
		t.Errorf("FromFloat(5.0) = %d, want %d", got, MaxTick)
	}
}

func TestFromFloatRoundsNearest(t *testing.T) {
	t.Parallel()

	if got := FromFloat(0.455); got != 46 {
		t.Errorf("FromFloat(0.455) = %d, want 46", got)
	}
	if got := FromFloat(0.454); got != 45 {
		t.Errorf("FromFloat(0.454) = %d, want 45", got)
	}
}

func TestHoursToExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	m := Market{CloseTime: now.Add(2 * time.Hour)}
	if got := m.HoursToExpiry(now); got < 1.999 || got > 2.001 {
		t.Errorf("HoursToExpiry = %v, want ~2", got)
	}

	past := Market{CloseTime: now.Add(-time.Hour)}
	if got := past.HoursToExpiry(now); got != 0 {
		t.Errorf("HoursToExpiry for expired market = %v, want 0", got)
	}
}
