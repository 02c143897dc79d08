package quoting

import (
	"math"

	"kalshi-lip-mm/pkg/types"
)

// BandLevel is one entry of a qualifying band: a price level annotated
// with its distance from the best price and the LIP discount multiplier
// that applies at that distance.
type BandLevel struct {
	Price         types.Ticks
	Size          int
	TicksFromBest int
	Multiplier    float64
}

// BuildQualifyingBand walks levels (sorted best-first) accumulating size
// until it reaches target, returning the contiguous prefix that qualifies
// for the LIP rebate. Returns (nil, false) if the book is too thin — the
// state machine must stay in `tracked` without placing orders in that case
// (spec §4.5, §8 boundary behavior).
func BuildQualifyingBand(levels []types.PriceLevel, target int, discount float64) ([]BandLevel, bool) {
	if len(levels) == 0 || target <= 0 {
		return nil, false
	}

	pBest := levels[0].Price
	band := make([]BandLevel, 0, len(levels))
	accumulated := 0

	for _, lvl := range levels {
		ticks := TicksFromBest(lvl.Price, pBest)
		band = append(band, BandLevel{
			Price:         lvl.Price,
			Size:          lvl.Count,
			TicksFromBest: ticks,
			Multiplier:    math.Pow(discount, float64(ticks)),
		})
		accumulated += lvl.Count
		if accumulated >= target {
			return band, true
		}
	}

	return nil, false
}

// LIPIntensity is the fraction of the LIP target already resting at the
// best price: size_at_best / target.
func LIPIntensity(levels []types.PriceLevel, target int) float64 {
	if target <= 0 || len(levels) == 0 {
		return 0
	}
	return float64(levels[0].Count) / float64(target)
}
