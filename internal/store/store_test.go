package store

import (
	"testing"

	"kalshi-lip-mm/internal/strategy"
)

func TestSaveAndLoadPosition(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	pos := strategy.Snapshot{
		Position:    10,
		AvgEntry:    0.55,
		RealizedPnL: 1.23,
	}

	if err := s.SavePosition("KXTEST-26JUL31-T50", pos); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}

	loaded, err := s.LoadPosition("KXTEST-26JUL31-T50")
	if err != nil {
		t.Fatalf("LoadPosition: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadPosition returned nil")
	}

	if loaded.Position != pos.Position {
		t.Errorf("Position = %v, want %v", loaded.Position, pos.Position)
	}
	if loaded.AvgEntry != pos.AvgEntry {
		t.Errorf("AvgEntry = %v, want %v", loaded.AvgEntry, pos.AvgEntry)
	}
	if loaded.RealizedPnL != pos.RealizedPnL {
		t.Errorf("RealizedPnL = %v, want %v", loaded.RealizedPnL, pos.RealizedPnL)
	}
}

func TestLoadPositionMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.LoadPosition("nonexistent")
	if err != nil {
		t.Fatalf("LoadPosition: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing position, got %+v", loaded)
	}
}

func TestSavePositionOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	pos1 := strategy.Snapshot{Position: 10}
	pos2 := strategy.Snapshot{Position: 20}

	_ = s.SavePosition("mkt1", pos1)
	_ = s.SavePosition("mkt1", pos2)

	loaded, err := s.LoadPosition("mkt1")
	if err != nil {
		t.Fatalf("LoadPosition: %v", err)
	}
	if loaded.Position != 20 {
		t.Errorf("Position = %v, want 20 (latest save)", loaded.Position)
	}
}
