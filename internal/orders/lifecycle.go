package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"aster-trading-bot/internal/exchange"
	"aster-trading-bot/internal/marketdata"
	"aster-trading-bot/internal/signal"
)

// forceCloseMinInterval throttles repeated force-close attempts so a
// failing close does not hammer the order endpoint every tick.
const forceCloseMinInterval = 10 * time.Second

// Config carries the lifecycle manager's trading parameters.
type Config struct {
	Exits ExitParams
	// OrderNotional is the target entry size in quote units.
	OrderNotional float64
	// Cooldown blocks reentry on a symbol after any close.
	Cooldown time.Duration
}

// SymbolStatus is a read-only view of one symbol's lifecycle, exposed to
// the status API and the cache mirror.
type SymbolStatus struct {
	Symbol        string      `json:"symbol"`
	State         State       `json:"state"`
	Side          signal.Side `json:"side,omitempty"`
	TradeID       string      `json:"trade_id,omitempty"`
	EntryPrice    float64     `json:"entry_price,omitempty"`
	Quantity      float64     `json:"quantity,omitempty"`
	Levels        *ExitLevels `json:"levels,omitempty"`
	CooldownUntil time.Time   `json:"cooldown_until,omitempty"`
}

type symbolState struct {
	state   State
	side    signal.Side
	tradeID string

	entryOrderID  int64
	entryClientID string
	// pendingVerify marks an entry whose placement failed at the transport
	// layer: the order may or may not exist on the venue, so the next tick
	// resolves it from exchange state instead of retrying.
	pendingVerify bool

	entryQty   float64
	entryPrice float64
	filledAt   time.Time

	openingLossBps float64
	fundingBps     float64
	retBps         float64
	volBps         float64

	levels    ExitLevels
	tpOrderID int64
	slOrderID int64
	tsOrderID int64

	cooldownUntil  time.Time
	lastForceClose time.Time
}

func (st *symbolState) exitSide() exchange.Side {
	if st.side == signal.SideLong {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// Manager drives the order and position lifecycle for every traded symbol.
// The exchange's position amount is authoritative: every transition out of
// a live position is confirmed against it rather than against local
// bookkeeping.
type Manager struct {
	mu       sync.Mutex
	client   exchange.Client
	norm     *Normalizer
	cfg      Config
	log      zerolog.Logger
	state    map[string]*symbolState
	onClosed []func(TradeRecord)
}

func NewManager(client exchange.Client, norm *Normalizer, cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{
		client: client,
		norm:   norm,
		cfg:    cfg,
		log:    logger.With().Str("component", "lifecycle").Logger(),
		state:  make(map[string]*symbolState),
	}
}

// OnTradeClosed registers a hook invoked with the record of every closed
// trade. Hooks run synchronously on the engine goroutine.
func (m *Manager) OnTradeClosed(fn func(TradeRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClosed = append(m.onClosed, fn)
}

// SetOrderNotional overrides the configured entry notional, used when the
// size is derived from the account balance at startup.
func (m *Manager) SetOrderNotional(notional float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.OrderNotional = notional
}

func (m *Manager) symbol(symbol string) *symbolState {
	st, ok := m.state[symbol]
	if !ok {
		st = &symbolState{state: StateFlat}
		m.state[symbol] = st
	}
	return st
}

// StateOf reports the lifecycle state of a symbol.
func (m *Manager) StateOf(symbol string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.symbol(symbol).state
}

// Status returns a read-only view of every tracked symbol.
func (m *Manager) Status() []SymbolStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SymbolStatus, 0, len(m.state))
	for sym, st := range m.state {
		s := SymbolStatus{
			Symbol:        sym,
			State:         st.state,
			CooldownUntil: st.cooldownUntil,
		}
		if st.state == StateEntrySubmitted || st.state == StateExitsArmed {
			s.Side = st.side
			s.TradeID = st.tradeID
			s.EntryPrice = st.entryPrice
			s.Quantity = st.entryQty
			if st.state == StateExitsArmed {
				lv := st.levels
				s.Levels = &lv
			}
		}
		out = append(out, s)
	}
	return out
}

// SubmitEntry places an immediate-or-cancel limit entry at the touch for
// an actionable signal. The symbol must be flat and out of cooldown.
func (m *Manager) SubmitEntry(ctx context.Context, symbol string, snap marketdata.Snapshot, d signal.Decision, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.symbol(symbol)
	if st.state == StateCooldown {
		if now.Before(st.cooldownUntil) {
			return ErrCoolingDown
		}
		st.state = StateFlat
	}
	if st.state != StateFlat {
		return fmt.Errorf("%w: %s is %s", ErrNotFlat, symbol, st.state)
	}

	var orderSide exchange.Side
	var touch float64
	if d.Side == signal.SideLong {
		orderSide, touch = exchange.SideBuy, snap.Ask
	} else {
		orderSide, touch = exchange.SideSell, snap.Bid
	}

	price, err := m.norm.EntryPrice(symbol, touch, orderSide)
	if err != nil {
		return err
	}
	qty, err := m.norm.QtyForNotional(symbol, m.cfg.OrderNotional, price)
	if err != nil {
		return err
	}

	tradeID := NewTradeID()
	clientID := ClientOrderID(tradeID, RoleEntry)

	resp, err := m.client.PlaceOrder(ctx, exchange.OrderParams{
		Symbol:           symbol,
		Side:             orderSide,
		Type:             exchange.OrderTypeLimit,
		TimeInForce:      exchange.TimeInForceIOC,
		Quantity:         qty,
		Price:            price,
		NewClientOrderID: clientID,
	})
	if err != nil {
		var callErr *exchange.CallError
		if errors.As(err, &callErr) && callErr.IsTransport() {
			// The order may have reached the venue. Do not retry; mark the
			// outcome unknown and resolve it from exchange state next tick.
			st.state = StateEntrySubmitted
			st.side = d.Side
			st.tradeID = tradeID
			st.entryClientID = clientID
			st.entryOrderID = 0
			st.pendingVerify = true
			m.captureDecision(st, d)
			m.log.Warn().Err(err).Str("symbol", symbol).Str("client_order_id", clientID).
				Msg("entry placement outcome unknown, verifying next tick")
			return nil
		}
		return fmt.Errorf("place entry for %s: %w", symbol, err)
	}

	st.side = d.Side
	st.tradeID = tradeID
	st.entryClientID = clientID
	st.entryOrderID = resp.OrderID
	st.pendingVerify = false
	m.captureDecision(st, d)

	switch exchange.OrderStatus(resp.Status) {
	case exchange.OrderStatusFilled:
		m.recordFillLocked(st, resp.ExecutedQty, resp.AvgPrice, now)
		m.log.Info().Str("symbol", symbol).Str("trade_id", tradeID).
			Str("side", string(d.Side)).Float64("price", resp.AvgPrice).
			Float64("qty", resp.ExecutedQty).Msg("entry filled")
	case exchange.OrderStatusExpired, exchange.OrderStatusCanceled, exchange.OrderStatusRejected:
		if resp.ExecutedQty > 0 {
			// Partial fill before the IOC remainder expired.
			m.recordFillLocked(st, resp.ExecutedQty, resp.AvgPrice, now)
			m.log.Info().Str("symbol", symbol).Str("trade_id", tradeID).
				Float64("qty", resp.ExecutedQty).Msg("entry partially filled")
		} else {
			st.reset()
			m.log.Info().Str("symbol", symbol).Str("trade_id", tradeID).
				Msg("entry missed the touch")
		}
	default:
		st.state = StateEntrySubmitted
	}
	return nil
}

func (m *Manager) captureDecision(st *symbolState, d signal.Decision) {
	st.openingLossBps = d.OpeningLossBps
	st.fundingBps = d.FundingBps
	st.retBps = d.RetBps
	st.volBps = d.VolBps
}

// recordFillLocked transitions to ExitsArmed with no exits placed yet;
// Advance arms them on the same or next tick.
func (m *Manager) recordFillLocked(st *symbolState, qty, price float64, now time.Time) {
	st.entryQty = qty
	st.entryPrice = price
	st.filledAt = now
	st.levels = ComputeExitLevels(m.cfg.Exits, st.side, price, st.openingLossBps, st.fundingBps)
	st.tpOrderID, st.slOrderID, st.tsOrderID = 0, 0, 0
	st.state = StateExitsArmed
}

// Advance drives one symbol's state machine for one tick.
func (m *Manager) Advance(ctx context.Context, symbol string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.symbol(symbol)
	switch st.state {
	case StateFlat:
		return nil
	case StateCooldown:
		if !now.Before(st.cooldownUntil) {
			st.reset()
		}
		return nil
	case StateEntrySubmitted:
		return m.verifyEntryLocked(ctx, symbol, st, now)
	case StateExitsArmed:
		return m.superviseLocked(ctx, symbol, st, now)
	default:
		return fmt.Errorf("%w: %s in %q", ErrInconsistentState, symbol, st.state)
	}
}

// verifyEntryLocked resolves a submitted entry against exchange state. The
// position amount decides: non-zero means the entry (or part of it)
// filled, zero means it did not.
func (m *Manager) verifyEntryLocked(ctx context.Context, symbol string, st *symbolState, now time.Time) error {
	amt, entryPrice, err := m.positionLocked(ctx, symbol)
	if err != nil {
		return err
	}

	if amt != 0 {
		st.pendingVerify = false
		m.recordFillLocked(st, math.Abs(amt), entryPrice, now)
		m.log.Info().Str("symbol", symbol).Str("trade_id", st.tradeID).
			Float64("qty", math.Abs(amt)).Float64("price", entryPrice).
			Msg("entry confirmed from position")
		return m.superviseLocked(ctx, symbol, st, now)
	}

	// No position. A resting remainder with our client ID would keep the
	// book dirty, so sweep open orders before declaring the entry dead.
	open, err := m.client.OpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	for _, o := range open {
		if o.ClientOrderID != st.entryClientID {
			continue
		}
		if err := m.client.CancelOrder(ctx, symbol, o.OrderID); err != nil {
			m.log.Warn().Err(err).Str("symbol", symbol).Int64("order_id", o.OrderID).
				Msg("cancel stale entry failed")
		}
	}
	m.log.Info().Str("symbol", symbol).Str("trade_id", st.tradeID).Msg("entry did not fill")
	st.reset()
	return nil
}

// superviseLocked keeps a live position protected. Missing exits are
// retried individually every tick; a flat exchange position ends the
// trade.
func (m *Manager) superviseLocked(ctx context.Context, symbol string, st *symbolState, now time.Time) error {
	amt, _, err := m.positionLocked(ctx, symbol)
	if err != nil {
		return err
	}

	if amt == 0 {
		return m.settleClosedLocked(ctx, symbol, st, now, "")
	}

	qty := math.Abs(amt)
	if qty != st.entryQty {
		st.entryQty = qty
	}
	m.armExitsLocked(ctx, symbol, st, qty)
	return nil
}

// armExitsLocked places whichever of the three exits are not working yet.
// Each placement is independent; a failure leaves that slot for the next
// tick.
func (m *Manager) armExitsLocked(ctx context.Context, symbol string, st *symbolState, qty float64) {
	if st.tpOrderID == 0 {
		price, err := m.norm.TriggerPrice(symbol, st.levels.TakeProfitPrice)
		if err == nil {
			st.tpOrderID = m.placeExitLocked(ctx, symbol, st, exchange.OrderParams{
				Symbol:           symbol,
				Side:             st.exitSide(),
				Type:             exchange.OrderTypeTakeProfitMarket,
				StopPrice:        price,
				ClosePosition:    true,
				WorkingType:      exchange.WorkingTypeContractPrice,
				NewClientOrderID: ClientOrderID(st.tradeID, RoleTakeProfit),
			}, "take_profit")
		}
	}
	if st.slOrderID == 0 {
		price, err := m.norm.TriggerPrice(symbol, st.levels.StopLossPrice)
		if err == nil {
			st.slOrderID = m.placeExitLocked(ctx, symbol, st, exchange.OrderParams{
				Symbol:           symbol,
				Side:             st.exitSide(),
				Type:             exchange.OrderTypeStopMarket,
				StopPrice:        price,
				ClosePosition:    true,
				WorkingType:      exchange.WorkingTypeMarkPrice,
				NewClientOrderID: ClientOrderID(st.tradeID, RoleStopLoss),
			}, "stop_loss")
		}
	}
	if st.tsOrderID == 0 {
		price, err := m.norm.TriggerPrice(symbol, st.levels.ActivationPrice)
		if err == nil {
			st.tsOrderID = m.placeExitLocked(ctx, symbol, st, exchange.OrderParams{
				Symbol:           symbol,
				Side:             st.exitSide(),
				Type:             exchange.OrderTypeTrailingStopMarket,
				Quantity:         qty,
				ActivationPrice:  price,
				CallbackRate:     st.levels.CallbackRate,
				ReduceOnly:       true,
				NewClientOrderID: ClientOrderID(st.tradeID, RoleTrailing),
			}, "trailing_stop")
		}
	}
}

func (m *Manager) placeExitLocked(ctx context.Context, symbol string, st *symbolState, params exchange.OrderParams, kind string) int64 {
	resp, err := m.client.PlaceOrder(ctx, params)
	if err != nil {
		m.log.Warn().Err(err).Str("symbol", symbol).Str("trade_id", st.tradeID).
			Str("exit", kind).Msg("arming exit failed, retrying next tick")
		return 0
	}
	m.log.Info().Str("symbol", symbol).Str("trade_id", st.tradeID).
		Str("exit", kind).Int64("order_id", resp.OrderID).Msg("exit armed")
	return resp.OrderID
}

// settleClosedLocked runs after the exchange reports a flat position:
// find which exit filled, cancel the survivors, emit the trade record and
// start the cooldown. forcedReason is non-empty for force closes.
func (m *Manager) settleClosedLocked(ctx context.Context, symbol string, st *symbolState, now time.Time, forcedReason CloseReason) error {
	reason := forcedReason
	var exitPrice float64
	cleanupFailed := false

	exits := []struct {
		id   int64
		why  CloseReason
		name string
	}{
		{st.tpOrderID, CloseTakeProfit, "take_profit"},
		{st.slOrderID, CloseStopLoss, "stop_loss"},
		{st.tsOrderID, CloseTrailing, "trailing_stop"},
	}
	for _, e := range exits {
		if e.id == 0 {
			continue
		}
		o, err := m.client.GetOrder(ctx, symbol, e.id)
		if err != nil {
			m.log.Warn().Err(err).Str("symbol", symbol).Str("exit", e.name).
				Int64("order_id", e.id).Msg("exit lookup failed during settlement")
			cleanupFailed = true
			continue
		}
		if exchange.OrderStatus(o.Status) == exchange.OrderStatusFilled {
			if reason == "" {
				reason = e.why
			}
			exitPrice = o.AvgPrice
			continue
		}
		if err := m.client.CancelOrder(ctx, symbol, e.id); err != nil {
			var callErr *exchange.CallError
			if errors.As(err, &callErr) && callErr.Code == -2011 {
				// Already gone on the venue side.
				continue
			}
			m.log.Warn().Err(err).Str("symbol", symbol).Str("exit", e.name).
				Int64("order_id", e.id).Msg("cancel surviving exit failed")
			cleanupFailed = true
		}
	}
	if cleanupFailed {
		// A reduce-only exit may still be working with no position behind
		// it. Sweep the book before the trade is allowed to settle; if the
		// sweep fails too, keep the state and retry the whole settlement
		// next tick.
		if err := m.client.CancelAllOrders(ctx, symbol); err != nil {
			m.log.Warn().Err(err).Str("symbol", symbol).
				Msg("exit cleanup incomplete, retrying settlement next tick")
			return fmt.Errorf("settle %s: sweep working orders: %w", symbol, err)
		}
	}
	if reason == "" {
		// Closed outside our three exits: liquidation, manual action, or an
		// exit we never learned the ID of.
		reason = CloseManual
	}

	rec := m.buildRecordLocked(symbol, st, exitPrice, reason, now)
	m.log.Info().Str("symbol", symbol).Str("trade_id", st.tradeID).
		Str("reason", string(reason)).Float64("exit_price", exitPrice).
		Float64("pnl_bps", rec.PnLBps).Msg("trade closed")

	st.startCooldown(now, m.cfg.Cooldown)
	for _, fn := range m.onClosed {
		fn(rec)
	}
	return nil
}

func (m *Manager) buildRecordLocked(symbol string, st *symbolState, exitPrice float64, reason CloseReason, now time.Time) TradeRecord {
	rec := TradeRecord{
		TradeID:        st.tradeID,
		Symbol:         symbol,
		Side:           st.side,
		Quantity:       st.entryQty,
		EntryPrice:     st.entryPrice,
		ExitPrice:      exitPrice,
		Notional:       st.entryQty * st.entryPrice,
		EnteredAt:      st.filledAt,
		ClosedAt:       now,
		OpeningLossBps: st.openingLossBps,
		FundingBps:     st.fundingBps,
		RetBps:         st.retBps,
		VolBps:         st.volBps,
		Levels:         st.levels,
		CloseReason:    reason,
	}
	if exitPrice > 0 && st.entryPrice > 0 {
		move := exitPrice - st.entryPrice
		if st.side == signal.SideShort {
			move = -move
		}
		rec.PnL = move * st.entryQty
		rec.PnLBps = 1e4 * move / st.entryPrice
	}
	return rec
}

// ForceClose flattens a symbol's position with a reduce-only market order
// and cancels everything working on it. Attempts are rate limited; the
// direction to close comes from the live position, not local state.
func (m *Manager) ForceClose(ctx context.Context, symbol string, why string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.symbol(symbol)
	if st.state == StateFlat || st.state == StateCooldown {
		return nil
	}
	if now.Sub(st.lastForceClose) < forceCloseMinInterval {
		return nil
	}
	st.lastForceClose = now

	amt, _, err := m.positionLocked(ctx, symbol)
	if err != nil {
		return err
	}
	if amt == 0 {
		if err := m.client.CancelAllOrders(ctx, symbol); err != nil {
			m.log.Warn().Err(err).Str("symbol", symbol).Msg("cancel all during force close")
		}
		return m.settleClosedLocked(ctx, symbol, st, now, "")
	}

	side := exchange.SideSell
	if amt < 0 {
		side = exchange.SideBuy
	}
	m.log.Warn().Str("symbol", symbol).Str("trade_id", st.tradeID).
		Str("why", why).Float64("position_amt", amt).Msg("force closing position")

	if _, err := m.client.PlaceOrder(ctx, exchange.OrderParams{
		Symbol:           symbol,
		Side:             side,
		Type:             exchange.OrderTypeMarket,
		Quantity:         math.Abs(amt),
		ReduceOnly:       true,
		NewClientOrderID: ClientOrderID(st.tradeID, RoleForceClose),
	}); err != nil {
		return fmt.Errorf("force close %s: %w", symbol, err)
	}
	if err := m.client.CancelAllOrders(ctx, symbol); err != nil {
		m.log.Warn().Err(err).Str("symbol", symbol).Msg("cancel all during force close")
	}

	amt, _, err = m.positionLocked(ctx, symbol)
	if err == nil && amt == 0 {
		return m.settleClosedLocked(ctx, symbol, st, now, CloseForced)
	}
	// Still showing a position; try again after the rate limit window.
	return err
}

// Reconcile adopts whatever the exchange holds at startup. A non-zero
// position becomes a supervised trade with no exits armed, so the next
// tick protects it; stale working orders are swept first so arming starts
// from a clean book.
func (m *Manager) Reconcile(ctx context.Context, symbols []string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, symbol := range symbols {
		amt, entryPrice, err := m.positionLocked(ctx, symbol)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", symbol, err)
		}
		if amt == 0 {
			continue
		}
		if err := m.client.CancelAllOrders(ctx, symbol); err != nil {
			m.log.Warn().Err(err).Str("symbol", symbol).Msg("sweeping stale orders")
		}

		st := m.symbol(symbol)
		st.side = signal.SideLong
		if amt < 0 {
			st.side = signal.SideShort
		}
		st.tradeID = NewTradeID()
		st.entryClientID = ClientOrderID(st.tradeID, RoleEntry)
		// Entry costs are unknown for an adopted position; exits fall back
		// to the configured distances plus the fee floor.
		st.openingLossBps = 0
		st.fundingBps = 0
		m.recordFillLocked(st, math.Abs(amt), entryPrice, now)
		m.log.Warn().Str("symbol", symbol).Str("side", string(st.side)).
			Float64("qty", math.Abs(amt)).Float64("entry_price", entryPrice).
			Msg("adopted existing position")
	}
	return nil
}

// VerifyFlatOrders is the shutdown sweep: any symbol left with a
// submitted entry of unknown outcome is resolved so no naked position
// survives the process.
func (m *Manager) VerifyFlatOrders(ctx context.Context, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for symbol, st := range m.state {
		if st.state != StateEntrySubmitted {
			continue
		}
		if err := m.verifyEntryLocked(ctx, symbol, st, now); err != nil {
			m.log.Error().Err(err).Str("symbol", symbol).
				Msg("could not resolve pending entry at shutdown")
		}
	}
}

func (m *Manager) positionLocked(ctx context.Context, symbol string) (amt, entryPrice float64, err error) {
	positions, err := m.client.Positions(ctx, symbol)
	if err != nil {
		return 0, 0, fmt.Errorf("query position %s: %w", symbol, err)
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return p.PositionAmt, p.EntryPrice, nil
		}
	}
	return 0, 0, nil
}

func (st *symbolState) startCooldown(now time.Time, d time.Duration) {
	side := st.side
	*st = symbolState{
		state:         StateCooldown,
		side:          side,
		cooldownUntil: now.Add(d),
	}
}

func (st *symbolState) reset() {
	*st = symbolState{state: StateFlat}
}
