package risk

import (
	"sync"

	"aster-trading-bot/internal/signal"
)

// TrailingTracker mirrors the venue-side trailing stop so the engine can
// report whether a trade's trailing exit has activated and how far price
// has run. The venue owns the actual trigger; this is observation only.
type TrailingTracker struct {
	mu        sync.RWMutex
	positions map[string]*trailingPosition
}

type trailingPosition struct {
	side            signal.Side
	entryPrice      float64
	activationPrice float64
	waterMark       float64
	activated       bool
}

// TrailingStatus is the observable state for one symbol.
type TrailingStatus struct {
	Symbol          string  `json:"symbol"`
	Activated       bool    `json:"activated"`
	ActivationPrice float64 `json:"activation_price"`
	WaterMark       float64 `json:"water_mark"`
	RunupBps        float64 `json:"runup_bps"`
}

func NewTrailingTracker() *TrailingTracker {
	return &TrailingTracker{positions: make(map[string]*trailingPosition)}
}

// Track starts observing a trade's trailing exit.
func (t *TrailingTracker) Track(symbol string, side signal.Side, entryPrice, activationPrice float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions[symbol] = &trailingPosition{
		side:            side,
		entryPrice:      entryPrice,
		activationPrice: activationPrice,
		waterMark:       entryPrice,
	}
}

// Drop stops observing a symbol.
func (t *TrailingTracker) Drop(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.positions, symbol)
}

// Observe feeds the latest traded price and reports whether the trailing
// exit just activated on this update.
func (t *TrailingTracker) Observe(symbol string, price float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[symbol]
	if !ok || price <= 0 {
		return false
	}

	if pos.side == signal.SideLong {
		if price > pos.waterMark {
			pos.waterMark = price
		}
		if !pos.activated && price >= pos.activationPrice {
			pos.activated = true
			return true
		}
		return false
	}

	if price < pos.waterMark {
		pos.waterMark = price
	}
	if !pos.activated && price <= pos.activationPrice {
		pos.activated = true
		return true
	}
	return false
}

// Status reports the current observation for one symbol.
func (t *TrailingTracker) Status(symbol string) (TrailingStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pos, ok := t.positions[symbol]
	if !ok {
		return TrailingStatus{}, false
	}
	st := TrailingStatus{
		Symbol:          symbol,
		Activated:       pos.activated,
		ActivationPrice: pos.activationPrice,
		WaterMark:       pos.waterMark,
	}
	if pos.entryPrice > 0 {
		move := pos.waterMark - pos.entryPrice
		if pos.side == signal.SideShort {
			move = -move
		}
		st.RunupBps = 1e4 * move / pos.entryPrice
	}
	return st, true
}
