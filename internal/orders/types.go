package orders

import (
	"time"

	"aster-trading-bot/internal/signal"
)

// State is the lifecycle state of a symbol's position.
type State string

const (
	// StateFlat means no position and no working entry order.
	StateFlat State = "FLAT"
	// StateEntrySubmitted means an entry order was sent and the position is
	// being confirmed against the exchange.
	StateEntrySubmitted State = "ENTRY_SUBMITTED"
	// StateExitsArmed means a live position exists; exit triggers are placed
	// (or being retried) and the position is monitored until one fills.
	StateExitsArmed State = "EXITS_ARMED"
	// StateCooldown blocks reentry for a configured period after a close.
	StateCooldown State = "COOLDOWN"
)

// ExitLevels holds the computed exit distances, in basis points from entry,
// and the resulting trigger prices for one trade.
type ExitLevels struct {
	BreakEvenFloorBps float64 `json:"break_even_floor_bps"`
	ActivationBps     float64 `json:"activation_bps"`
	TakeProfitBps     float64 `json:"take_profit_bps"`
	StopLossBps       float64 `json:"stop_loss_bps"`
	CallbackRate      float64 `json:"callback_rate"`

	TakeProfitPrice float64 `json:"take_profit_price"`
	StopLossPrice   float64 `json:"stop_loss_price"`
	ActivationPrice float64 `json:"activation_price"`
}

// CloseReason records which path ended a trade.
type CloseReason string

const (
	CloseTakeProfit CloseReason = "TAKE_PROFIT"
	CloseStopLoss   CloseReason = "STOP_LOSS"
	CloseTrailing   CloseReason = "TRAILING_STOP"
	CloseForced     CloseReason = "FORCE_CLOSE"
	CloseManual     CloseReason = "MANUAL_OR_UNKNOWN"
)

// TradeRecord is the full lifecycle record of one closed trade, written to
// the journal and the database when the position flattens.
type TradeRecord struct {
	TradeID    string      `json:"trade_id"`
	Symbol     string      `json:"symbol"`
	Side       signal.Side `json:"side"`
	Quantity   float64     `json:"quantity"`
	EntryPrice float64     `json:"entry_price"`
	ExitPrice  float64     `json:"exit_price,omitempty"`
	Notional   float64     `json:"notional"`

	EnteredAt time.Time `json:"entered_at"`
	ClosedAt  time.Time `json:"closed_at"`

	OpeningLossBps float64 `json:"opening_loss_bps"`
	FundingBps     float64 `json:"funding_bps"`
	RetBps         float64 `json:"ret_bps"`
	VolBps         float64 `json:"vol_bps"`

	Levels      ExitLevels  `json:"levels"`
	CloseReason CloseReason `json:"close_reason"`
	PnL         float64     `json:"pnl,omitempty"`
	PnLBps      float64     `json:"pnl_bps,omitempty"`
}
