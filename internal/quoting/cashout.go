package quoting

import (
	"fmt"

	"kalshi-lip-mm/pkg/types"
)

// Resolution thresholds from spec §4.6: a market is treated as settled
// once either side's touch has converged to within a cent of 0 or 1.
const (
	EdgeHigh = 0.985
	EdgeLow  = 0.015
)

// Resolution identifies which outcome a market has settled to.
type Resolution string

const (
	ResolutionNone Resolution = ""
	ResolutionYes  Resolution = "yes"
	ResolutionNo   Resolution = "no"
)

// DetectResolution inspects the best YES/NO bids and infers whether the
// market has converged to a terminal outcome. An inconsistent book (both
// sides claim resolution to a contradicting outcome) returns
// (ResolutionNone, err) so the caller logs a warning and skips the tick
// without trading (spec §4.6).
func DetectResolution(yesBid, noBid types.Ticks, haveYesBid, haveNoBid bool) (Resolution, error) {
	yesBidF, noBidF := 0.0, 0.0
	if haveYesBid {
		yesBidF = yesBid.ToFloat()
	}
	if haveNoBid {
		noBidF = noBid.ToFloat()
	}

	yesViaBid := haveYesBid && yesBidF >= EdgeHigh
	noViaBid := haveNoBid && noBidF >= EdgeHigh
	yesViaAsk := haveNoBid && (1-noBidF) <= EdgeLow
	noViaAsk := haveYesBid && (1-yesBidF) <= EdgeLow

	resolvedYes := yesViaBid || yesViaAsk
	resolvedNo := noViaBid || noViaAsk

	switch {
	case resolvedYes && resolvedNo:
		if yesViaBid && noViaBid {
			return ResolutionNone, fmt.Errorf("inconsistent book: both yes_bid and no_bid appear resolved")
		}
		if yesViaBid || noViaAsk {
			return ResolutionYes, nil
		}
		return ResolutionNo, nil
	case resolvedYes:
		return ResolutionYes, nil
	case resolvedNo:
		return ResolutionNo, nil
	default:
		return ResolutionNone, nil
	}
}

// CashOutAction decides the terminal order for a resolved market given the
// inventory sign, per the table in spec §4.6. ok is false if inventory is
// already zero (nothing to cash out).
func CashOutAction(ticker string, res Resolution, inventory int, yesBid, yesAsk types.Ticks) (types.Action, bool) {
	if inventory == 0 {
		return types.Action{}, false
	}

	var side types.Side
	var price types.Ticks

	switch {
	case res == ResolutionYes && inventory > 0:
		side, price = types.Sell, yesBid
	case res == ResolutionYes && inventory < 0:
		side, price = types.Buy, yesAsk
	case res == ResolutionNo && inventory < 0:
		side, price = types.Buy, yesAsk
	case res == ResolutionNo && inventory > 0:
		side, price = types.Sell, yesBid
	default:
		return types.Action{}, false
	}

	size := inventory
	if size < 0 {
		size = -size
	}

	return types.Action{
		Kind:   types.ActionCashOut,
		Ticker: ticker,
		Side:   side,
		Price:  price,
		Size:   size,
		Reason: fmt.Sprintf("resolved_%s", res),
	}, true
}
