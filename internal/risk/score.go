package risk

import (
	"math"
	"time"

	"kalshi-lip-mm/pkg/types"
)

// ScoreConfig holds the tunables of the risk-scoring formula in spec §4.4.
type ScoreConfig struct {
	TimeRiskK float64 // k, default 0.15
	VolGamma  float64 // gamma, default 2.0
}

// Score computes risk_score for ticker at `now`, reading the volatility
// cache once per call (spec §4.4: "the risk scorer reads the reference
// once per call. No partial reads.").
func Score(cfg ScoreConfig, cache *Cache, market types.Market, now time.Time) float64 {
	hoursToExpiry := market.HoursToExpiry(now)
	timeRisk := math.Exp(-cfg.TimeRiskK * hoursToExpiry)

	volScore := volScoreFor(cache, market.Ticker)

	return timeRisk * (1 + cfg.VolGamma*volScore)
}

// volScoreFor resolves the vol_score branch of spec §4.4. Engine always
// computes percentile alongside sigma in one atomic swap, so the only
// reachable states here are "cached" (use percentile) and "not cached"
// (0) — the fallback scaling branch applies only when sigma is known but
// ranking hasn't run, which does not arise with this cache's refresh
// shape.
func volScoreFor(cache *Cache, ticker string) float64 {
	entry, ok := cache.Get(ticker)
	if !ok {
		return 0
	}
	return entry.Percentile
}
