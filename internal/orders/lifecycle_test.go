package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"aster-trading-bot/internal/exchange"
	"aster-trading-bot/internal/marketdata"
	"aster-trading-bot/internal/signal"
)

// quoteBook is a mutable quote source for the simulated exchange.
type quoteBook struct {
	mu sync.Mutex
	q  exchange.Quote
}

func (b *quoteBook) set(bid, ask, mark float64) {
	b.mu.Lock()
	b.q = exchange.Quote{Bid: bid, Ask: ask, Mark: mark}
	b.mu.Unlock()
}

func (b *quoteBook) get(symbol string) (exchange.Quote, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q, true
}

func newTestManager(exits ExitParams) (*Manager, *exchange.SimulatedClient, *quoteBook) {
	book := &quoteBook{}
	client := exchange.NewSimulatedClient(10000, exits.TakerFeeBps, book.get)
	norm := NewNormalizer(map[string]exchange.SymbolFilters{
		"BTCUSDT": {
			Symbol:      "BTCUSDT",
			TickSize:    0.1,
			StepSize:    0.001,
			MinQty:      0.001,
			MaxQty:      1000000,
			MinNotional: 5,
		},
	})
	m := NewManager(client, norm, Config{
		Exits:         exits,
		OrderNotional: 1000,
		Cooldown:      10 * time.Minute,
	}, zerolog.Nop())
	return m, client, book
}

func longDecision() signal.Decision {
	return signal.Decision{
		Side:           signal.SideLong,
		RetBps:         40,
		VolBps:         20,
		OpeningLossBps: 3,
		FundingBps:     2,
	}
}

// TestEntryFillArmsExits tests the happy path from a signal to a
// protected position
func TestEntryFillArmsExits(t *testing.T) {
	m, client, book := newTestManager(testExitParams())
	ctx := context.Background()
	now := time.Now()
	book.set(99.9, 100.0, 100.0)

	err := m.SubmitEntry(ctx, "BTCUSDT", marketdata.Snapshot{Bid: 99.9, Ask: 100.0}, longDecision(), now)
	if err != nil {
		t.Fatalf("Should accept the entry, got %v", err)
	}
	if m.StateOf("BTCUSDT") != StateExitsArmed {
		t.Fatalf("Should hold a filled position, got %s", m.StateOf("BTCUSDT"))
	}

	if err := m.Advance(ctx, "BTCUSDT", now); err != nil {
		t.Fatalf("Should supervise the position, got %v", err)
	}

	open, _ := client.OpenOrders(ctx, "BTCUSDT")
	if len(open) != 3 {
		t.Fatalf("Should arm 3 exit orders, got %d", len(open))
	}
	for _, o := range open {
		role, ok := ParseRole(o.ClientOrderID)
		if !ok {
			t.Errorf("Should tag every exit with a role, got %q", o.ClientOrderID)
		}
		if role == RoleEntry || role == RoleForceClose {
			t.Errorf("Should only arm exit roles, got %s", role)
		}
	}
}

// TestTakeProfitSettlement tests that a filled take profit produces a
// trade record and starts the cooldown
func TestTakeProfitSettlement(t *testing.T) {
	m, _, book := newTestManager(testExitParams())
	ctx := context.Background()
	now := time.Now()
	book.set(99.9, 100.0, 100.0)

	var closed []TradeRecord
	m.OnTradeClosed(func(rec TradeRecord) { closed = append(closed, rec) })

	if err := m.SubmitEntry(ctx, "BTCUSDT", marketdata.Snapshot{Bid: 99.9, Ask: 100.0}, longDecision(), now); err != nil {
		t.Fatalf("Should accept the entry, got %v", err)
	}
	if err := m.Advance(ctx, "BTCUSDT", now); err != nil {
		t.Fatalf("Should arm the exits, got %v", err)
	}

	// Price runs through the take profit level at 100.20.
	book.set(100.5, 100.6, 100.55)
	if err := m.Advance(ctx, "BTCUSDT", now); err != nil {
		t.Fatalf("Should settle the closed position, got %v", err)
	}

	if len(closed) != 1 {
		t.Fatalf("Should emit one trade record, got %d", len(closed))
	}
	rec := closed[0]
	if rec.CloseReason != CloseTakeProfit {
		t.Errorf("Should close by take profit, got %s", rec.CloseReason)
	}
	if rec.EntryPrice != 100.0 {
		t.Errorf("Should record entry at the ask, got %f", rec.EntryPrice)
	}
	if rec.PnL <= 0 {
		t.Errorf("Should record a winning trade, got pnl %f", rec.PnL)
	}
	if m.StateOf("BTCUSDT") != StateCooldown {
		t.Errorf("Should enter cooldown after the close, got %s", m.StateOf("BTCUSDT"))
	}
}

// TestCooldownBlocksReentry tests the reentry block and its expiry
func TestCooldownBlocksReentry(t *testing.T) {
	m, _, book := newTestManager(testExitParams())
	ctx := context.Background()
	now := time.Now()
	book.set(99.9, 100.0, 100.0)

	if err := m.SubmitEntry(ctx, "BTCUSDT", marketdata.Snapshot{Bid: 99.9, Ask: 100.0}, longDecision(), now); err != nil {
		t.Fatalf("Should accept the entry, got %v", err)
	}
	m.Advance(ctx, "BTCUSDT", now)
	book.set(100.5, 100.6, 100.55)
	m.Advance(ctx, "BTCUSDT", now)

	err := m.SubmitEntry(ctx, "BTCUSDT", marketdata.Snapshot{Bid: 100.5, Ask: 100.6}, longDecision(), now)
	if !errors.Is(err, ErrCoolingDown) {
		t.Errorf("Should block reentry during cooldown, got %v", err)
	}

	m.Advance(ctx, "BTCUSDT", now.Add(11*time.Minute))
	if m.StateOf("BTCUSDT") != StateFlat {
		t.Errorf("Should return to flat after cooldown, got %s", m.StateOf("BTCUSDT"))
	}
}

// TestEntryMissesTheTouch tests that an unfilled immediate-or-cancel
// entry leaves the symbol flat
func TestEntryMissesTheTouch(t *testing.T) {
	m, client, book := newTestManager(testExitParams())
	ctx := context.Background()
	book.set(99.9, 100.0, 100.0)

	// The snapshot lags the book, so the limit price rests below the ask.
	err := m.SubmitEntry(ctx, "BTCUSDT", marketdata.Snapshot{Bid: 98.9, Ask: 99.0}, longDecision(), time.Now())
	if err != nil {
		t.Fatalf("Should not error on a missed entry, got %v", err)
	}
	if m.StateOf("BTCUSDT") != StateFlat {
		t.Errorf("Should stay flat after the miss, got %s", m.StateOf("BTCUSDT"))
	}

	open, _ := client.OpenOrders(ctx, "BTCUSDT")
	if len(open) != 0 {
		t.Errorf("Should leave no working orders, got %d", len(open))
	}
}

// TestTrailingStopSettlement tests the trailing exit firing after a
// runup and pullback
func TestTrailingStopSettlement(t *testing.T) {
	exits := testExitParams()
	exits.TakeProfitBps = 500 // keep the take profit out of reach
	exits.CallbackRate = 1
	m, _, book := newTestManager(exits)
	ctx := context.Background()
	now := time.Now()
	book.set(99.9, 100.0, 100.0)

	var closed []TradeRecord
	m.OnTradeClosed(func(rec TradeRecord) { closed = append(closed, rec) })

	if err := m.SubmitEntry(ctx, "BTCUSDT", marketdata.Snapshot{Bid: 99.9, Ask: 100.0}, longDecision(), now); err != nil {
		t.Fatalf("Should accept the entry, got %v", err)
	}
	m.Advance(ctx, "BTCUSDT", now)

	// Runup activates the trailing stop and lifts its water mark.
	book.set(101.9, 102.0, 102.0)
	m.Advance(ctx, "BTCUSDT", now)
	if m.StateOf("BTCUSDT") != StateExitsArmed {
		t.Fatalf("Should still hold during the runup, got %s", m.StateOf("BTCUSDT"))
	}

	// Pullback beyond the callback rate fires it.
	book.set(100.8, 100.9, 100.85)
	m.Advance(ctx, "BTCUSDT", now)

	if len(closed) != 1 {
		t.Fatalf("Should emit one trade record, got %d", len(closed))
	}
	if closed[0].CloseReason != CloseTrailing {
		t.Errorf("Should close by trailing stop, got %s", closed[0].CloseReason)
	}
	if closed[0].PnL <= 0 {
		t.Errorf("Should keep part of the runup, got pnl %f", closed[0].PnL)
	}
}

// TestForceClose tests flattening a live position on demand
func TestForceClose(t *testing.T) {
	m, client, book := newTestManager(testExitParams())
	ctx := context.Background()
	now := time.Now()
	book.set(99.9, 100.0, 100.0)

	var closed []TradeRecord
	m.OnTradeClosed(func(rec TradeRecord) { closed = append(closed, rec) })

	if err := m.SubmitEntry(ctx, "BTCUSDT", marketdata.Snapshot{Bid: 99.9, Ask: 100.0}, longDecision(), now); err != nil {
		t.Fatalf("Should accept the entry, got %v", err)
	}
	m.Advance(ctx, "BTCUSDT", now)

	if err := m.ForceClose(ctx, "BTCUSDT", "margin", now); err != nil {
		t.Fatalf("Should force close the position, got %v", err)
	}

	if len(closed) != 1 {
		t.Fatalf("Should emit one trade record, got %d", len(closed))
	}
	if closed[0].CloseReason != CloseForced {
		t.Errorf("Should record a forced close, got %s", closed[0].CloseReason)
	}
	if m.StateOf("BTCUSDT") != StateCooldown {
		t.Errorf("Should enter cooldown after the force close, got %s", m.StateOf("BTCUSDT"))
	}

	positions, _ := client.Positions(ctx, "BTCUSDT")
	for _, p := range positions {
		if p.PositionAmt != 0 {
			t.Errorf("Should leave no position, got %f", p.PositionAmt)
		}
	}
	open, _ := client.OpenOrders(ctx, "BTCUSDT")
	if len(open) != 0 {
		t.Errorf("Should cancel every working order, got %d", len(open))
	}
}

// TestForceCloseOnFlatSymbolIsNoop tests that force close ignores
// symbols with nothing to do
func TestForceCloseOnFlatSymbolIsNoop(t *testing.T) {
	m, _, book := newTestManager(testExitParams())
	book.set(99.9, 100.0, 100.0)

	if err := m.ForceClose(context.Background(), "BTCUSDT", "margin", time.Now()); err != nil {
		t.Errorf("Should ignore a flat symbol, got %v", err)
	}
	if m.StateOf("BTCUSDT") != StateFlat {
		t.Errorf("Should stay flat, got %s", m.StateOf("BTCUSDT"))
	}
}

// TestReconcileAdoptsPosition tests startup adoption of a position the
// exchange already holds
func TestReconcileAdoptsPosition(t *testing.T) {
	m, client, book := newTestManager(testExitParams())
	ctx := context.Background()
	book.set(99.9, 100.0, 100.0)

	// A position opened outside the manager.
	_, err := client.PlaceOrder(ctx, exchange.OrderParams{
		Symbol:   "BTCUSDT",
		Side:     exchange.SideBuy,
		Type:     exchange.OrderTypeMarket,
		Quantity: 5,
	})
	if err != nil {
		t.Fatalf("Should seed the position, got %v", err)
	}

	if err := m.Reconcile(ctx, []string{"BTCUSDT"}, time.Now()); err != nil {
		t.Fatalf("Should reconcile, got %v", err)
	}
	if m.StateOf("BTCUSDT") != StateExitsArmed {
		t.Fatalf("Should adopt the position, got %s", m.StateOf("BTCUSDT"))
	}

	status := m.Status()
	if len(status) != 1 {
		t.Fatalf("Should track one symbol, got %d", len(status))
	}
	if status[0].Side != signal.SideLong || status[0].Quantity != 5 {
		t.Errorf("Should adopt a long of 5, got %s %f", status[0].Side, status[0].Quantity)
	}

	// The next tick protects it.
	if err := m.Advance(ctx, "BTCUSDT", time.Now()); err != nil {
		t.Fatalf("Should supervise the adopted position, got %v", err)
	}
	open, _ := client.OpenOrders(ctx, "BTCUSDT")
	if len(open) != 3 {
		t.Errorf("Should arm 3 exits on the adopted position, got %d", len(open))
	}
}

var errLinkDown = errors.New("read tcp: i/o timeout")

// scriptedClient injects call failures in front of the simulated
// exchange. Forwarded state lives in the embedded client, so a failed
// response can still have reached the venue.
type scriptedClient struct {
	*exchange.SimulatedClient
	exitPlaceFails int
	getOrderFails  int
	cancelAllFails int
	cancelAllCalls int
	dropEntryResp  bool
	loseEntryResp  bool
}

func (c *scriptedClient) PlaceOrder(ctx context.Context, params exchange.OrderParams) (*exchange.OrderResponse, error) {
	switch params.Type {
	case exchange.OrderTypeLimit:
		if c.dropEntryResp {
			c.dropEntryResp = false
			return nil, &exchange.CallError{Endpoint: "/fapi/v1/order", Err: errLinkDown}
		}
		if c.loseEntryResp {
			c.loseEntryResp = false
			c.SimulatedClient.PlaceOrder(ctx, params)
			return nil, &exchange.CallError{Endpoint: "/fapi/v1/order", Err: errLinkDown}
		}
	case exchange.OrderTypeMarket:
	default:
		if c.exitPlaceFails > 0 {
			c.exitPlaceFails--
			return nil, &exchange.CallError{Endpoint: "/fapi/v1/order", StatusCode: 503, Msg: "Service unavailable"}
		}
	}
	return c.SimulatedClient.PlaceOrder(ctx, params)
}

func (c *scriptedClient) GetOrder(ctx context.Context, symbol string, orderID int64) (*exchange.Order, error) {
	if c.getOrderFails > 0 {
		c.getOrderFails--
		return nil, &exchange.CallError{Endpoint: "/fapi/v1/order", Err: errLinkDown}
	}
	return c.SimulatedClient.GetOrder(ctx, symbol, orderID)
}

func (c *scriptedClient) CancelAllOrders(ctx context.Context, symbol string) error {
	c.cancelAllCalls++
	if c.cancelAllFails > 0 {
		c.cancelAllFails--
		return &exchange.CallError{Endpoint: "/fapi/v1/allOpenOrders", Err: errLinkDown}
	}
	return c.SimulatedClient.CancelAllOrders(ctx, symbol)
}

func newScriptedManager(exits ExitParams) (*Manager, *scriptedClient, *quoteBook) {
	book := &quoteBook{}
	client := &scriptedClient{
		SimulatedClient: exchange.NewSimulatedClient(10000, exits.TakerFeeBps, book.get),
	}
	norm := NewNormalizer(map[string]exchange.SymbolFilters{
		"BTCUSDT": {
			Symbol:      "BTCUSDT",
			TickSize:    0.1,
			StepSize:    0.001,
			MinQty:      0.001,
			MaxQty:      1000000,
			MinNotional: 5,
		},
	})
	m := NewManager(client, norm, Config{
		Exits:         exits,
		OrderNotional: 1000,
		Cooldown:      10 * time.Minute,
	}, zerolog.Nop())
	return m, client, book
}

// TestExitArmingRetriedEveryTick tests that failed exit placements on a
// filled position are retried each tick until all three slots work
func TestExitArmingRetriedEveryTick(t *testing.T) {
	m, client, book := newScriptedManager(testExitParams())
	ctx := context.Background()
	now := time.Now()
	book.set(99.9, 100.0, 100.0)
	client.exitPlaceFails = 3

	if err := m.SubmitEntry(ctx, "BTCUSDT", marketdata.Snapshot{Bid: 99.9, Ask: 100.0}, longDecision(), now); err != nil {
		t.Fatalf("Should accept the entry, got %v", err)
	}

	// First tick: every placement fails, the position stays held.
	if err := m.Advance(ctx, "BTCUSDT", now); err != nil {
		t.Fatalf("Should keep supervising past placement failures, got %v", err)
	}
	if m.StateOf("BTCUSDT") != StateExitsArmed {
		t.Fatalf("Should still hold the position, got %s", m.StateOf("BTCUSDT"))
	}
	open, _ := client.OpenOrders(ctx, "BTCUSDT")
	if len(open) != 0 {
		t.Fatalf("Should have no exits working yet, got %d", len(open))
	}

	// Next tick the venue recovers and all three slots fill in.
	if err := m.Advance(ctx, "BTCUSDT", now.Add(5*time.Second)); err != nil {
		t.Fatalf("Should retry the exits, got %v", err)
	}
	open, _ = client.OpenOrders(ctx, "BTCUSDT")
	if len(open) != 3 {
		t.Errorf("Should arm all 3 exits on retry, got %d", len(open))
	}
}

// TestEntryOutcomeUnknownThenConfirmed tests an entry whose response was
// lost in transit but which filled on the venue
func TestEntryOutcomeUnknownThenConfirmed(t *testing.T) {
	m, client, book := newScriptedManager(testExitParams())
	ctx := context.Background()
	now := time.Now()
	book.set(99.9, 100.0, 100.0)
	client.loseEntryResp = true

	if err := m.SubmitEntry(ctx, "BTCUSDT", marketdata.Snapshot{Bid: 99.9, Ask: 100.0}, longDecision(), now); err != nil {
		t.Fatalf("Should swallow a transport failure, got %v", err)
	}
	if m.StateOf("BTCUSDT") != StateEntrySubmitted {
		t.Fatalf("Should await verification, got %s", m.StateOf("BTCUSDT"))
	}

	// The next tick finds the position and protects it.
	if err := m.Advance(ctx, "BTCUSDT", now.Add(5*time.Second)); err != nil {
		t.Fatalf("Should resolve the entry from exchange state, got %v", err)
	}
	if m.StateOf("BTCUSDT") != StateExitsArmed {
		t.Fatalf("Should confirm the fill, got %s", m.StateOf("BTCUSDT"))
	}
	status := m.Status()
	if len(status) != 1 || status[0].Quantity != 10 {
		t.Errorf("Should adopt the filled quantity of 10, got %+v", status)
	}
	open, _ := client.OpenOrders(ctx, "BTCUSDT")
	if len(open) != 3 {
		t.Errorf("Should arm 3 exits on the confirmed fill, got %d", len(open))
	}
}

// TestEntryOutcomeUnknownThenFlat tests an entry whose response was lost
// and which never reached the venue
func TestEntryOutcomeUnknownThenFlat(t *testing.T) {
	m, client, book := newScriptedManager(testExitParams())
	ctx := context.Background()
	now := time.Now()
	book.set(99.9, 100.0, 100.0)
	client.dropEntryResp = true

	if err := m.SubmitEntry(ctx, "BTCUSDT", marketdata.Snapshot{Bid: 99.9, Ask: 100.0}, longDecision(), now); err != nil {
		t.Fatalf("Should swallow a transport failure, got %v", err)
	}
	if m.StateOf("BTCUSDT") != StateEntrySubmitted {
		t.Fatalf("Should await verification, got %s", m.StateOf("BTCUSDT"))
	}

	if err := m.Advance(ctx, "BTCUSDT", now.Add(5*time.Second)); err != nil {
		t.Fatalf("Should resolve the entry from exchange state, got %v", err)
	}
	if m.StateOf("BTCUSDT") != StateFlat {
		t.Errorf("Should return to flat when nothing filled, got %s", m.StateOf("BTCUSDT"))
	}
}

// TestSettlementSweepsUnverifiedExits tests that a flat position whose
// exit lookups all fail still ends with a clean order book
func TestSettlementSweepsUnverifiedExits(t *testing.T) {
	m, client, book := newScriptedManager(testExitParams())
	ctx := context.Background()
	now := time.Now()
	book.set(99.9, 100.0, 100.0)

	var closed []TradeRecord
	m.OnTradeClosed(func(rec TradeRecord) { closed = append(closed, rec) })

	if err := m.SubmitEntry(ctx, "BTCUSDT", marketdata.Snapshot{Bid: 99.9, Ask: 100.0}, longDecision(), now); err != nil {
		t.Fatalf("Should accept the entry, got %v", err)
	}
	if err := m.Advance(ctx, "BTCUSDT", now); err != nil {
		t.Fatalf("Should arm the exits, got %v", err)
	}

	// The position is closed out from outside, leaving the three
	// reduce-only exits working.
	_, err := client.PlaceOrder(ctx, exchange.OrderParams{
		Symbol:     "BTCUSDT",
		Side:       exchange.SideSell,
		Type:       exchange.OrderTypeMarket,
		Quantity:   10,
		ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("Should flatten the position, got %v", err)
	}

	client.getOrderFails = 3
	if err := m.Advance(ctx, "BTCUSDT", now.Add(5*time.Second)); err != nil {
		t.Fatalf("Should settle despite failed lookups, got %v", err)
	}

	if client.cancelAllCalls == 0 {
		t.Error("Should sweep the book when exit lookups fail")
	}
	open, _ := client.OpenOrders(ctx, "BTCUSDT")
	if len(open) != 0 {
		t.Errorf("Should leave no working orders, got %d", len(open))
	}
	if m.StateOf("BTCUSDT") != StateCooldown {
		t.Errorf("Should enter cooldown after the sweep, got %s", m.StateOf("BTCUSDT"))
	}
	if len(closed) != 1 || closed[0].CloseReason != CloseManual {
		t.Errorf("Should record an unattributed close, got %+v", closed)
	}
}

// TestSettlementRetriedWhenSweepFails tests that settlement holds the
// trade open until the surviving exits are verifiably gone
func TestSettlementRetriedWhenSweepFails(t *testing.T) {
	m, client, book := newScriptedManager(testExitParams())
	ctx := context.Background()
	now := time.Now()
	book.set(99.9, 100.0, 100.0)

	if err := m.SubmitEntry(ctx, "BTCUSDT", marketdata.Snapshot{Bid: 99.9, Ask: 100.0}, longDecision(), now); err != nil {
		t.Fatalf("Should accept the entry, got %v", err)
	}
	if err := m.Advance(ctx, "BTCUSDT", now); err != nil {
		t.Fatalf("Should arm the exits, got %v", err)
	}
	_, err := client.PlaceOrder(ctx, exchange.OrderParams{
		Symbol:     "BTCUSDT",
		Side:       exchange.SideSell,
		Type:       exchange.OrderTypeMarket,
		Quantity:   10,
		ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("Should flatten the position, got %v", err)
	}

	// Lookups and the sweep both fail; the tick must not settle.
	client.getOrderFails = 3
	client.cancelAllFails = 1
	if err := m.Advance(ctx, "BTCUSDT", now.Add(5*time.Second)); err == nil {
		t.Fatal("Should surface the failed cleanup")
	}
	if m.StateOf("BTCUSDT") == StateCooldown {
		t.Fatal("Should not settle while exits may still be working")
	}

	// The venue recovers and the next tick finishes the settlement.
	if err := m.Advance(ctx, "BTCUSDT", now.Add(10*time.Second)); err != nil {
		t.Fatalf("Should settle on retry, got %v", err)
	}
	open, _ := client.OpenOrders(ctx, "BTCUSDT")
	if len(open) != 0 {
		t.Errorf("Should leave no working orders, got %d", len(open))
	}
	if m.StateOf("BTCUSDT") != StateCooldown {
		t.Errorf("Should enter cooldown after retry, got %s", m.StateOf("BTCUSDT"))
	}
}

// TestSubmitEntryWhileHolding tests the not-flat guard
func TestSubmitEntryWhileHolding(t *testing.T) {
	m, _, book := newTestManager(testExitParams())
	ctx := context.Background()
	now := time.Now()
	book.set(99.9, 100.0, 100.0)

	if err := m.SubmitEntry(ctx, "BTCUSDT", marketdata.Snapshot{Bid: 99.9, Ask: 100.0}, longDecision(), now); err != nil {
		t.Fatalf("Should accept the first entry, got %v", err)
	}

	err := m.SubmitEntry(ctx, "BTCUSDT", marketdata.Snapshot{Bid: 99.9, Ask: 100.0}, longDecision(), now)
	if !errors.Is(err, ErrNotFlat) {
		t.Errorf("Should reject a second entry, got %v", err)
	}
}
