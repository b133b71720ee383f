// Package engine runs the live execution loop: refresh account state,
// apply the risk gates, advance each symbol's order lifecycle and take
// new entries when the strategy signals one.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"aster-trading-bot/config"
	"aster-trading-bot/internal/cache"
	"aster-trading-bot/internal/database"
	"aster-trading-bot/internal/events"
	"aster-trading-bot/internal/exchange"
	"aster-trading-bot/internal/logging"
	"aster-trading-bot/internal/marketdata"
	"aster-trading-bot/internal/notification"
	"aster-trading-bot/internal/orders"
	"aster-trading-bot/internal/recorder"
	"aster-trading-bot/internal/risk"
	"aster-trading-bot/internal/signal"
	"aster-trading-bot/internal/stats"
)

// Deps are the engine's collaborators. DB, Mirror, Recorder and Notifier
// may be nil; the engine trades without them.
type Deps struct {
	// Client places orders and reads account state; in simulation mode it
	// is the simulated venue.
	Client exchange.Client
	// MarketClient serves public REST endpoints (klines for warmup). When
	// nil, Client is used.
	MarketClient exchange.Client
	Store        *marketdata.Store
	Tracker      *stats.Tracker
	Evaluator    *signal.Evaluator
	Manager      *orders.Manager
	Guard        *risk.Guard
	Trailing     *risk.TrailingTracker
	Bus          *events.Bus
	Recorder     *recorder.Recorder
	DB           *database.DB
	Mirror       *cache.StatusMirror
	Notifier     *notification.Manager
}

// Engine is the trading loop.
type Engine struct {
	cfg  *config.Config
	deps Deps
	log  *logging.Logger

	mu            sync.RWMutex
	running       bool
	entriesHalted bool
	haltGate      string
	lastBalance   float64
	notionalDay   string

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func New(cfg *config.Config, deps Deps) *Engine {
	if deps.MarketClient == nil {
		deps.MarketClient = deps.Client
	}
	e := &Engine{
		cfg:      cfg,
		deps:     deps,
		log:      logging.Default().WithComponent("engine"),
		stopChan: make(chan struct{}),
	}
	deps.Manager.OnTradeClosed(e.onTradeClosed)
	return e
}

// onTradeClosed fans a closed trade out to persistence, alerting and the
// risk gates. It runs on the engine goroutine via the lifecycle manager.
func (e *Engine) onTradeClosed(rec orders.TradeRecord) {
	e.deps.Guard.RecordRealizedPnL(rec.PnL, rec.ClosedAt)
	e.deps.Trailing.Drop(rec.Symbol)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.deps.DB.InsertTrade(ctx, rec); err != nil {
		e.log.Error("persist trade failed", "trade_id", rec.TradeID, "error", err)
	}
	if e.deps.Recorder != nil {
		e.deps.Recorder.RecordTrade(rec)
	}
	if e.deps.Mirror != nil {
		e.deps.Mirror.WriteLastTrade(ctx, rec)
	}
	if e.deps.Notifier != nil {
		if err := e.deps.Notifier.SendTradeClose(rec); err != nil {
			e.log.Warn("trade close alert failed", "error", err)
		}
	}
	e.deps.Bus.PublishTradeClosed(rec.Symbol, string(rec.Side), rec.TradeID,
		string(rec.CloseReason), rec.EntryPrice, rec.ExitPrice, rec.Quantity, rec.PnL, rec.PnLBps)
}

// Start prepares the venue and launches the loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.mu.Unlock()

	e.setupSymbols(ctx)
	if err := e.deps.Manager.Reconcile(ctx, e.cfg.TradingConfig.Symbols, time.Now()); err != nil {
		return fmt.Errorf("reconcile positions: %w", err)
	}
	e.warmupStats(ctx)

	e.wg.Add(1)
	go e.run()

	e.deps.Bus.Publish(events.Event{Type: events.EventEngineStarted, Data: map[string]interface{}{
		"symbols":   e.cfg.TradingConfig.Symbols,
		"simulated": !e.cfg.ExchangeConfig.EnableTrading,
	}})
	e.log.Info("engine started",
		"symbols", fmt.Sprintf("%v", e.cfg.TradingConfig.Symbols),
		"tick_interval", e.cfg.TickInterval().String(),
		"live_trading", e.cfg.ExchangeConfig.EnableTrading)
	return nil
}

// setupSymbols applies leverage and margin mode to every traded symbol.
// The venue rejects no-op changes, so failures are logged, not fatal.
func (e *Engine) setupSymbols(ctx context.Context) {
	for _, symbol := range e.cfg.TradingConfig.Symbols {
		if _, err := e.deps.Client.SetLeverage(ctx, symbol, e.cfg.TradingConfig.Leverage); err != nil {
			e.log.Warn("set leverage failed", "symbol", symbol, "error", err)
		}
		if err := e.deps.Client.SetMarginType(ctx, symbol, exchange.MarginType(e.cfg.TradingConfig.MarginType)); err != nil {
			e.log.Warn("set margin type failed", "symbol", symbol, "error", err)
		}
	}
}

// warmupStats seeds the rolling windows from historical klines so the
// strategy does not wait a full window of live bars. Failure is not
// fatal; the windows fill from the stream instead.
func (e *Engine) warmupStats(ctx context.Context) {
	s := e.cfg.StrategyConfig
	limit := s.VolBars
	if s.VolumeBars > limit {
		limit = s.VolumeBars
	}
	// The last kline is usually still open; fetch one extra and drop it.
	limit++

	for _, symbol := range e.cfg.TradingConfig.Symbols {
		klines, err := e.deps.MarketClient.Klines(ctx, symbol, "1m", limit)
		if err != nil {
			e.log.Warn("kline warmup failed, warming from stream", "symbol", symbol, "error", err)
			continue
		}
		if len(klines) > 0 {
			klines = klines[:len(klines)-1]
		}
		for _, k := range klines {
			e.deps.Tracker.Update(symbol, k)
		}
		if len(klines) > 0 {
			e.deps.Store.UpdateClosedBar(symbol, klines[len(klines)-1], time.Now())
		}
		e.log.Info("stats warmed from history", "symbol", symbol, "bars", len(klines),
			"warm", e.deps.Tracker.IsWarm(symbol))
	}
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TickInterval())
			e.tick(ctx, time.Now())
			cancel()
		case <-e.stopChan:
			return
		}
	}
}

// tick is one pass of the loop. Symbols are isolated from each other: an
// error on one does not stop the others.
func (e *Engine) tick(ctx context.Context, now time.Time) {
	verdict, acctOK := e.checkRisk(ctx, now)

	if verdict.ForceCloseAll {
		for _, symbol := range e.cfg.TradingConfig.Symbols {
			if err := e.deps.Manager.ForceClose(ctx, symbol, verdict.Gate, now); err != nil {
				e.log.Error("force close failed", "symbol", symbol, "gate", verdict.Gate, "error", err)
			}
		}
	}

	for _, symbol := range e.cfg.TradingConfig.Symbols {
		e.tickSymbol(ctx, symbol, now, verdict, acctOK)
	}

	e.mirrorStatus(ctx)
}

// checkRisk refreshes the account and evaluates the gates. When the
// account read fails the engine blocks entries for the tick and keeps
// supervising open positions.
func (e *Engine) checkRisk(ctx context.Context, now time.Time) (risk.Verdict, bool) {
	acct, err := e.deps.Client.AccountInfo(ctx)
	if err != nil {
		e.log.Warn("account refresh failed, entries blocked this tick", "error", err)
		return risk.Verdict{BlockEntries: true, Gate: "account_unavailable", Detail: err.Error()}, false
	}

	e.mu.Lock()
	e.lastBalance = acct.TotalMarginBalance
	e.mu.Unlock()
	e.refreshNotional(acct.TotalMarginBalance, now)

	verdict := e.deps.Guard.Check(acct, now)

	e.mu.Lock()
	firing := verdict.Gate != "" && verdict.Gate != e.haltGate
	e.entriesHalted = verdict.BlockEntries
	e.haltGate = verdict.Gate
	e.mu.Unlock()

	if firing {
		e.log.Warn("risk gate fired", "gate", verdict.Gate, "detail", verdict.Detail)
		e.deps.Bus.PublishRiskHalt(verdict.Gate, verdict.Detail)
		if err := e.deps.DB.InsertRiskEvent(ctx, verdict.Gate, verdict.Detail, now); err != nil {
			e.log.Error("persist risk event failed", "error", err)
		}
		if e.deps.Notifier != nil {
			if err := e.deps.Notifier.SendRiskHalt(verdict.Gate, verdict.Detail); err != nil {
				e.log.Warn("risk alert failed", "error", err)
			}
		}
	}
	return verdict, true
}

// refreshNotional re-derives the balance-based entry size on the first
// account sighting of each UTC day. A fixed configured notional is left
// alone.
func (e *Engine) refreshNotional(balance float64, now time.Time) {
	if e.cfg.TradingConfig.OrderNotional > 0 || balance <= 0 {
		return
	}
	day := now.UTC().Format("2006-01-02")

	e.mu.Lock()
	refresh := day != e.notionalDay
	if refresh {
		e.notionalDay = day
	}
	e.mu.Unlock()
	if !refresh {
		return
	}

	notional := e.deps.Guard.DefaultNotional(balance)
	if notional <= 0 {
		return
	}
	e.deps.Manager.SetOrderNotional(notional)
	e.log.Info("entry notional derived from balance",
		"balance", balance, "notional", notional)
}

func (e *Engine) tickSymbol(ctx context.Context, symbol string, now time.Time, verdict risk.Verdict, acctOK bool) {
	snap, ok := e.deps.Store.Snapshot(symbol)
	if ok && snap.HasBar() {
		e.deps.Tracker.Update(symbol, snap.LastClosedBar)
	}
	if ok && snap.Mark > 0 {
		e.deps.Trailing.Observe(symbol, snap.Mark)
	}

	prev := e.deps.Manager.StateOf(symbol)
	if err := e.deps.Manager.Advance(ctx, symbol, now); err != nil {
		e.log.Error("lifecycle advance failed", "symbol", symbol, "error", err)
		return
	}
	// A pending entry confirmed from exchange state this tick.
	if prev == orders.StateEntrySubmitted && e.deps.Manager.StateOf(symbol) == orders.StateExitsArmed {
		e.afterEntry(ctx, symbol)
	}

	volBps, volOK := e.deps.Tracker.Volatility(symbol)
	avgVolume, avgOK := e.deps.Tracker.AvgVolume(symbol)
	warm := volOK && avgOK

	if !ok {
		return
	}

	d := e.deps.Evaluator.Evaluate(snap, volBps, avgVolume, warm)
	e.recordSnapshot(symbol, snap, d, now)

	if d.Side == signal.SideNone {
		return
	}
	if verdict.BlockEntries || !acctOK {
		return
	}
	if e.deps.Manager.StateOf(symbol) != orders.StateFlat {
		return
	}

	e.deps.Bus.PublishSignal(symbol, string(d.Side), d.RetBps, d.VolBps)
	logging.SignalContext(symbol, string(d.Side), d.RetBps, d.VolBps).Info("entry signal",
		"volume_ratio", d.VolumeRatio, "spread_bps", d.SpreadBps, "funding_bps", d.FundingBps)

	if err := e.deps.Manager.SubmitEntry(ctx, symbol, snap, d, now); err != nil {
		e.log.Error("entry submission failed", "symbol", symbol, "error", err)
		return
	}

	if st := e.deps.Manager.StateOf(symbol); st == orders.StateExitsArmed {
		e.afterEntry(ctx, symbol)
	}
}

// afterEntry wires the trackers and alerts for a freshly filled entry.
func (e *Engine) afterEntry(ctx context.Context, symbol string) {
	for _, st := range e.deps.Manager.Status() {
		if st.Symbol != symbol || st.Levels == nil {
			continue
		}
		e.deps.Trailing.Track(symbol, st.Side, st.EntryPrice, st.Levels.ActivationPrice)
		e.deps.Bus.PublishTradeOpened(symbol, string(st.Side), st.TradeID, st.EntryPrice, st.Quantity)
		if e.deps.Notifier != nil {
			if err := e.deps.Notifier.SendTradeOpen(symbol, string(st.Side), st.EntryPrice,
				st.Quantity, st.EntryPrice*st.Quantity); err != nil {
				e.log.Warn("trade open alert failed", "error", err)
			}
		}
		if e.deps.Mirror != nil {
			e.deps.Mirror.WriteSymbolStatus(ctx, st)
		}
	}
}

func (e *Engine) recordSnapshot(symbol string, snap marketdata.Snapshot, d signal.Decision, now time.Time) {
	if e.deps.Recorder == nil {
		return
	}
	e.deps.Recorder.RecordSnapshot(recorder.TickSnapshot{
		Time:       now.UTC(),
		Symbol:     symbol,
		State:      string(e.deps.Manager.StateOf(symbol)),
		Bid:        snap.Bid,
		Ask:        snap.Ask,
		Mark:       snap.Mark,
		SpreadBps:  snap.SpreadBps(),
		FundingBps: snap.FundingBps(),
		RetBps:     d.RetBps,
		VolBps:     d.VolBps,
		Side:       d.Side,
		Reason:     d.Reason,
	})
}

func (e *Engine) mirrorStatus(ctx context.Context) {
	if e.deps.Mirror == nil {
		return
	}
	e.mu.RLock()
	status := cache.EngineStatus{
		Running:       e.running,
		Simulated:     !e.cfg.ExchangeConfig.EnableTrading,
		Symbols:       e.cfg.TradingConfig.Symbols,
		EntriesHalted: e.entriesHalted,
		HaltGate:      e.haltGate,
		Balance:       e.lastBalance,
		UpdatedAt:     time.Now().UTC(),
	}
	e.mu.RUnlock()
	e.deps.Mirror.WriteEngineStatus(ctx, status)
	for _, st := range e.deps.Manager.Status() {
		e.deps.Mirror.WriteSymbolStatus(ctx, st)
	}
}

// Stop halts the loop and resolves any entry of unknown outcome before
// returning, so no order is left dangling.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	close(e.stopChan)
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	e.deps.Manager.VerifyFlatOrders(ctx, time.Now())

	e.deps.Bus.Publish(events.Event{Type: events.EventEngineStopped, Data: map[string]interface{}{}})
	e.log.Info("engine stopped")
}

// Status implements the status API's engine view.
func (e *Engine) Status() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return map[string]interface{}{
		"running":        e.running,
		"simulated":      !e.cfg.ExchangeConfig.EnableTrading,
		"symbols":        e.cfg.TradingConfig.Symbols,
		"entries_halted": e.entriesHalted,
		"halt_gate":      e.haltGate,
		"balance":        e.lastBalance,
	}
}

// SymbolStatuses reports every symbol's lifecycle view.
func (e *Engine) SymbolStatuses() []orders.SymbolStatus {
	return e.deps.Manager.Status()
}

// MarketSnapshot reports the latest market view for one symbol.
func (e *Engine) MarketSnapshot(symbol string) (marketdata.Snapshot, bool) {
	return e.deps.Store.Snapshot(symbol)
}
