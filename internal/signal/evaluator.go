package signal

import (
	"time"

	"aster-trading-bot/internal/marketdata"
)

// Side is the direction of a trade signal.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
	SideNone  Side = "NONE"
)

// Params are the evaluation thresholds.
type Params struct {
	// K scales volatility into the return threshold: a signal needs
	// |ret_bps| > K * vol_bps.
	K float64
	// VolumeMult is the volume-regime multiplier: the bar's volume must
	// exceed VolumeMult * rolling average volume.
	VolumeMult float64
	// MaxSpread is the widest acceptable ask-bid spread, in price units.
	MaxSpread float64
	// MaxFundingAbsBps blocks entries when |funding| exceeds it.
	MaxFundingAbsBps float64
	// MaxQuoteAge and MaxMarkAge bound feed staleness. A stale feed fails
	// the blocker that depends on it.
	MaxQuoteAge time.Duration
	MaxMarkAge  time.Duration
}

// Decision is the full outcome of one evaluation, including the intermediate
// observables so callers can log and record them.
type Decision struct {
	Side        Side
	RetBps      float64
	VolBps      float64
	BarVolume   float64
	AvgVolume   float64
	VolumeRatio float64

	Spread         float64 // price units
	SpreadBps      float64
	FundingBps     float64
	OpeningLossBps float64

	// Reason explains a SideNone outcome: "not_warm", "no_signal",
	// "volume", "spread", "funding", "opening_loss", "stale_quote",
	// "stale_mark". Empty for an actionable decision.
	Reason string
}

// Evaluator turns a market snapshot plus rolling statistics into a trade
// decision. It is stateless: the same inputs always produce the same output.
type Evaluator struct {
	params Params
}

// NewEvaluator creates an evaluator with the given thresholds.
func NewEvaluator(params Params) *Evaluator {
	return &Evaluator{params: params}
}

// Evaluate runs the decision pipeline for one symbol. volBps and avgVolume
// come from the rolling tracker; warm is false until both windows are full.
func (e *Evaluator) Evaluate(snap marketdata.Snapshot, volBps, avgVolume float64, warm bool) Decision {
	d := Decision{Side: SideNone, VolBps: volBps, AvgVolume: avgVolume}

	if !warm || !snap.HasBar() {
		d.Reason = "not_warm"
		return d
	}

	bar := snap.LastClosedBar
	if bar.Open <= 0 {
		d.Reason = "not_warm"
		return d
	}
	d.RetBps = 1e4 * (bar.Close/bar.Open - 1)
	d.BarVolume = bar.Volume

	threshold := e.params.K * volBps
	var side Side
	switch {
	case d.RetBps > threshold:
		side = SideLong
	case d.RetBps < -threshold:
		side = SideShort
	default:
		d.Reason = "no_signal"
		return d
	}

	// Volume regime confirmation.
	if avgVolume > 0 {
		d.VolumeRatio = bar.Volume / avgVolume
	}
	if bar.Volume <= e.params.VolumeMult*avgVolume {
		d.Reason = "volume"
		return d
	}

	// Entry blockers. Each needs fresh data to pass.
	if !snap.HasQuote(e.params.MaxQuoteAge) {
		d.Reason = "stale_quote"
		return d
	}
	d.Spread = snap.Ask - snap.Bid
	d.SpreadBps = snap.SpreadBps()
	if d.Spread > e.params.MaxSpread {
		d.Reason = "spread"
		return d
	}

	if !snap.HasMark(e.params.MaxMarkAge) {
		d.Reason = "stale_mark"
		return d
	}
	d.FundingBps = snap.FundingBps()
	if abs(d.FundingBps) > e.params.MaxFundingAbsBps {
		d.Reason = "funding"
		return d
	}

	d.OpeningLossBps = OpeningLossBps(side, snap.Bid, snap.Ask, snap.Mark)
	if d.OpeningLossBps > openingLossCapBps(d.SpreadBps) {
		d.Reason = "opening_loss"
		return d
	}

	d.Side = side
	return d
}

// OpeningLossBps estimates the immediate mark-to-market loss of entering at
// the touch, in basis points. Long entries buy the ask, short entries sell
// the bid; mark price is the fair value reference.
func OpeningLossBps(side Side, bid, ask, mark float64) float64 {
	if mark <= 0 || bid <= 0 {
		return 0
	}
	if side == SideLong {
		return 1e4 * (ask/mark - 1)
	}
	return 1e4 * (mark/bid - 1)
}

// openingLossCapBps is the adaptive tolerance for the opening-loss blocker:
// twice the spread, clamped to [5, 10] bps.
func openingLossCapBps(spreadBps float64) float64 {
	limit := 2 * spreadBps
	if limit < 5 {
		limit = 5
	}
	if limit > 10 {
		limit = 10
	}
	return limit
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
