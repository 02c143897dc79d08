// Package quoting holds the pure price/size math the strategy layer is
// built on: tick distances, the logit transform, EWMA smoothing, the
// qualifying-band builder, and the discrete risk-to-ticks policy.
//
// Nothing here touches an exchange, a clock, or a goroutine — everything
// is a pure function so the strategy above it stays easy to test.
package quoting

import (
	"math"

	"kalshi-lip-mm/pkg/types"
)

// TickSize is the smallest price increment on the exchange's cent grid.
const TickSize = 0.01

// Logit returns log(p/(1-p)), the natural working coordinate for prices
// bounded in (0,1). Only defined for interior ticks; callers must drop
// {MinTick, MaxTick} before calling this (spec §4.1).
func Logit(p float64) float64 {
	return math.Log(p / (1 - p))
}

// EWMA computes the exponentially-weighted moving average of xs with
// smoothing factor alpha, returning the final smoothed value. y0 = x0,
// y_t = alpha*x_t + (1-alpha)*y_{t-1}.
func EWMA(xs []float64, alpha float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	y := xs[0]
	for _, x := range xs[1:] {
		y = alpha*x + (1-alpha)*y
	}
	return y
}

// TicksFromBest returns round(|p - pBest| / tick) as an integer tick
// distance, used by the qualifying-band builder.
func TicksFromBest(p, pBest types.Ticks) int {
	d := int(p) - int(pBest)
	if d < 0 {
		d = -d
	}
	return d
}
