package quoting

import (
	"kalshi-lip-mm/pkg/types"
)

// PolicyConfig is the subset of tunables choose_level needs, independent
// of how the caller wires viper/config.
type PolicyConfig struct {
	RiskThreshold       float64
	MediumRiskThreshold float64
	HighRiskThreshold   float64
	InventoryFactor     float64
	MaxPosition         int
	MinQuoteWidthCents  int
}

// LevelDecision is the output of choose_level: either a concrete price/size
// to quote, or a reason the side should be skipped.
type LevelDecision struct {
	Price         types.Ticks
	Size          int
	TicksFromBest int
	Multiplier    float64
	Skip          types.SkipReason
	CancelBuySide bool
}

// ChooseLevel implements the discrete-bucket risk-to-ticks policy of spec
// §4.5. band must be non-empty (callers check BuildQualifyingBand's ok
// first). bestOurSideSize is the resting size at the touch on our own
// book side, used for the LIP-target-met check.
func ChooseLevel(
	cfg PolicyConfig,
	band []BandLevel,
	target int,
	bestOurSideSize int,
	riskScore float64,
	side types.Side,
	inventory int,
	best types.Ticks,
) LevelDecision {
	if riskScore > cfg.RiskThreshold {
		return LevelDecision{Skip: types.SkipRisk}
	}

	if bestOurSideSize >= target {
		return LevelDecision{Skip: types.SkipLIPTargetMet, CancelBuySide: true}
	}

	var targetTicks int
	switch {
	case riskScore < cfg.MediumRiskThreshold:
		targetTicks = 0
	case riskScore < cfg.HighRiskThreshold:
		targetTicks = 1
	default:
		return LevelDecision{Skip: types.SkipRisk}
	}

	if cfg.MaxPosition > 0 {
		absInv := inventory
		if absInv < 0 {
			absInv = -absInv
		}
		if absInv >= cfg.MaxPosition {
			increasesExposure := (side == types.Buy && inventory >= 0) || (side == types.Sell && inventory <= 0)
			if increasesExposure {
				return LevelDecision{Skip: types.SkipInventoryCap}
			}
		}
		skew := int(cfg.InventoryFactor * (float64(absInv) / float64(cfg.MaxPosition)) * 3)
		if side == types.Buy && inventory > 0 {
			targetTicks += skew
		} else if side == types.Sell && inventory < 0 {
			targetTicks += skew
		}
	}

	maxBandTicks := band[len(band)-1].TicksFromBest
	if targetTicks > maxBandTicks {
		targetTicks = maxBandTicks
	}

	var price types.Ticks
	if side == types.Buy {
		price = (best - types.Ticks(targetTicks)).Clamp()
	} else {
		price = (best + types.Ticks(targetTicks)).Clamp()
	}

	if price < 2 || price > 98 {
		return LevelDecision{Skip: types.SkipExtremePrice}
	}

	multiplier := 1.0
	for _, lvl := range band {
		if lvl.TicksFromBest == targetTicks {
			multiplier = lvl.Multiplier
			break
		}
	}

	return LevelDecision{
		Price:         price,
		Size:          target,
		TicksFromBest: targetTicks,
		Multiplier:    multiplier,
	}
}

// ApplyMinQuoteWidth widens bid/ask symmetrically around their midpoint so
// ask-bid >= minWidthCents, resolving the Open Question in spec §9 in favor
// of symmetric widening.
func ApplyMinQuoteWidth(bid, ask types.Ticks, minWidthCents int) (types.Ticks, types.Ticks) {
	width := int(ask) - int(bid)
	if width >= minWidthCents {
		return bid, ask
	}
	deficit := minWidthCents - width
	half := deficit / 2
	rest := deficit - half
	newBid := (bid - types.Ticks(half)).Clamp()
	newAsk := (ask + types.Ticks(rest)).Clamp()
	return newBid, newAsk
}
