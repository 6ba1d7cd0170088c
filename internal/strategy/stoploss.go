package strategy

import "math"

// DynamicStopLossPercent maps leverage to the unrealized-loss percentage of
// notional that triggers a close. The table keeps the triggered loss at
// roughly 50-60% of posted margin: higher leverage means less margin behind
// the same notional, so the stop tightens as leverage rises.
func DynamicStopLossPercent(leverage int) float64 {
	switch {
	case leverage <= 1:
		return 50
	case leverage == 2:
		return 30
	case leverage == 3:
		return 20
	case leverage == 4:
		return 15
	case leverage == 5:
		return 12
	default:
		return math.Max(2, 60/float64(leverage))
	}
}

// WorstLegPnL returns the lower of the two legs' unrealized PnL. A lopsided
// adverse move on one leg is the earliest signal of de-pegging, so the stop
// is sized against the worst leg rather than the netted total.
func WorstLegPnL(pnlA, pnlB float64) float64 {
	return math.Min(pnlA, pnlB)
}

// StopLossBreached reports whether the worst-leg loss has reached the
// threshold, expressed as a percentage of position notional.
func StopLossBreached(worstLegPnL, notionalUSD, stopLossPercent float64) bool {
	if notionalUSD <= 0 {
		return false
	}
	return worstLegPnL/notionalUSD*100 <= -stopLossPercent
}
