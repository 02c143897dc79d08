package quoting

import (
	"math"
	"testing"
)

func TestLogit(t *testing.T) {
	t.Parallel()

	if got := Logit(0.5); math.Abs(got) > 1e-9 {
		t.Errorf("Logit(0.5) = %v, want ~0", got)
	}
	if got := Logit(0.5); math.IsNaN(got) || math.IsInf(got, 0) {
		t.Errorf("Logit(0.5) is not finite: %v", got)
	}
}

func TestEWMA(t *testing.T) {
	t.Parallel()

	if got := EWMA(nil, 0.3); got != 0 {
		t.Errorf("EWMA(nil) = %v, want 0", got)
	}
	if got := EWMA([]float64{5}, 0.3); got != 5 {
		t.Errorf("EWMA single element = %v, want 5", got)
	}

	xs := []float64{1, 1, 1}
	if got := EWMA(xs, 0.3); math.Abs(got-1) > 1e-9 {
		t.Errorf("EWMA of constant series = %v, want 1", got)
	}
}

func TestTicksFromBest(t *testing.T) {
	t.Parallel()

	if got := TicksFromBest(45, 50); got != 5 {
		t.Errorf("TicksFromBest(45,50) = %d, want 5", got)
	}
	if got := TicksFromBest(50, 50); got != 0 {
		t.Errorf("TicksFromBest(50,50) = %d, want 0", got)
	}
}
