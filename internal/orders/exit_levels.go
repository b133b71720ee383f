package orders

import (
	"math"

	"aster-trading-bot/internal/signal"
)

// ExitParams are the configured exit distances, all in basis points except
// the trailing callback rate which is in percent as the venue expects.
type ExitParams struct {
	TakeProfitBps         float64
	StopLossBps           float64
	TrailingActivationBps float64
	BreakEvenBufferBps    float64
	MinTPGapBps           float64
	CallbackRate          float64
	TakerFeeBps           float64
}

// ComputeExitLevels derives the effective exit distances for one trade.
//
// The break-even floor covers the round-trip taker fee, the loss already
// paid crossing the spread at entry, and one funding interval's worth of
// the current rate. Trailing activation is lifted to clear that floor by
// the configured buffer, and take-profit is lifted to stay at least the
// minimum gap above activation so the trailing order always arms before
// the take-profit can fire.
func ComputeExitLevels(p ExitParams, side signal.Side, entryPrice, openingLossBps, fundingBps float64) ExitLevels {
	// A favorable entry does not get to lower the floor below the fees.
	openingLoss := math.Max(0, openingLossBps)
	floor := 2*p.TakerFeeBps + openingLoss + math.Abs(fundingBps)/8

	activation := p.TrailingActivationBps
	if min := floor + p.BreakEvenBufferBps; activation < min {
		activation = min
	}

	tp := p.TakeProfitBps
	if min := activation + p.MinTPGapBps; tp < min {
		tp = min
	}

	lv := ExitLevels{
		BreakEvenFloorBps: floor,
		ActivationBps:     activation,
		TakeProfitBps:     tp,
		StopLossBps:       p.StopLossBps,
		CallbackRate:      p.CallbackRate,
	}

	switch side {
	case signal.SideLong:
		lv.TakeProfitPrice = entryPrice * (1 + tp/1e4)
		lv.StopLossPrice = entryPrice * (1 - p.StopLossBps/1e4)
		lv.ActivationPrice = entryPrice * (1 + activation/1e4)
	case signal.SideShort:
		lv.TakeProfitPrice = entryPrice * (1 - tp/1e4)
		lv.StopLossPrice = entryPrice * (1 + p.StopLossBps/1e4)
		lv.ActivationPrice = entryPrice * (1 - activation/1e4)
	}
	return lv
}
