package risk

import (
	"fmt"
	"sync"
	"time"

	"aster-trading-bot/internal/exchange"
)

// Config holds the account-level risk gates.
type Config struct {
	// MarginSafetyMultiple triggers a force close of everything when
	// totalMarginBalance / totalMaintMargin falls to or below it.
	MarginSafetyMultiple float64
	// MaxDailyDrawdownPct flattens everything and halts new entries for
	// the rest of the UTC day once the margin balance has fallen this
	// percent from the day's peak, or the day's realized loss reaches
	// this percent of the day's starting balance.
	MaxDailyDrawdownPct float64
	// RiskPct and Leverage derive the default entry notional from the
	// starting balance: balance * RiskPct/100 * Leverage.
	RiskPct  float64
	Leverage int
	// EntryHaltUTC is the wall-clock minute-of-day after which no new
	// entries are taken until the next UTC day. Negative disables it.
	EntryHaltUTC int
	// ForceExitUTC is the minute-of-day after which open positions are
	// force closed. Negative disables it.
	ForceExitUTC int
}

// Verdict is the outcome of the per-tick risk evaluation.
type Verdict struct {
	// ForceCloseAll demands flattening every position now.
	ForceCloseAll bool
	// BlockEntries stops new entries while existing positions keep their
	// normal exits.
	BlockEntries bool
	// Gate names the gate that fired: "margin", "force_exit_window",
	// "entry_halt", "daily_drawdown". Empty when nothing fired.
	Gate   string
	Detail string
}

// Guard evaluates the account-level gates each tick. The margin check and
// the force-exit window override everything else; the drawdown and halt
// gates only block entries.
type Guard struct {
	mu     sync.Mutex
	cfg    Config
	dayKey string
	// dayStartBalance and dayPeakBalance anchor the drawdown gate; reset
	// at UTC midnight.
	dayStartBalance float64
	dayPeakBalance  float64
	realizedToday   float64
	drawdownTripped bool
	haltedUntilDay  string
}

func NewGuard(cfg Config) *Guard {
	return &Guard{cfg: cfg}
}

// DefaultNotional derives the per-trade entry size from a balance.
func (g *Guard) DefaultNotional(balance float64) float64 {
	if balance <= 0 {
		return 0
	}
	return balance * g.cfg.RiskPct / 100 * float64(g.cfg.Leverage)
}

// RecordRealizedPnL feeds a closed trade's result into the drawdown gate.
func (g *Guard) RecordRealizedPnL(pnl float64, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked(now, 0)
	g.realizedToday += pnl
	if g.dayStartBalance > 0 && g.cfg.MaxDailyDrawdownPct > 0 {
		lossPct := -g.realizedToday / g.dayStartBalance * 100
		if lossPct >= g.cfg.MaxDailyDrawdownPct {
			g.drawdownTripped = true
		}
	}
}

// Check evaluates every gate against the current account snapshot.
func (g *Guard) Check(acct *exchange.AccountInfo, now time.Time) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollDayLocked(now, acct.TotalMarginBalance)

	if g.cfg.MaxDailyDrawdownPct > 0 && g.dayPeakBalance > 0 {
		ddPct := (g.dayPeakBalance - acct.TotalMarginBalance) / g.dayPeakBalance * 100
		if ddPct >= g.cfg.MaxDailyDrawdownPct {
			g.drawdownTripped = true
		}
	}

	if acct.TotalMaintMargin > 0 && g.cfg.MarginSafetyMultiple > 0 {
		ratio := acct.TotalMarginBalance / acct.TotalMaintMargin
		if ratio <= g.cfg.MarginSafetyMultiple {
			return Verdict{
				ForceCloseAll: true,
				BlockEntries:  true,
				Gate:          "margin",
				Detail:        fmt.Sprintf("margin ratio %.2f at or below %.2f", ratio, g.cfg.MarginSafetyMultiple),
			}
		}
	}

	minuteOfDay := now.UTC().Hour()*60 + now.UTC().Minute()
	if g.cfg.ForceExitUTC >= 0 && minuteOfDay >= g.cfg.ForceExitUTC {
		return Verdict{
			ForceCloseAll: true,
			BlockEntries:  true,
			Gate:          "force_exit_window",
			Detail:        fmt.Sprintf("past force exit time %02d:%02d UTC", g.cfg.ForceExitUTC/60, g.cfg.ForceExitUTC%60),
		}
	}

	if g.drawdownTripped {
		return Verdict{
			ForceCloseAll: true,
			BlockEntries:  true,
			Gate:          "daily_drawdown",
			Detail: fmt.Sprintf("balance %.2f against day peak %.2f exceeds %.2f%% drawdown",
				acct.TotalMarginBalance, g.dayPeakBalance, g.cfg.MaxDailyDrawdownPct),
		}
	}

	if g.haltedUntilDay == g.dayKey {
		return Verdict{
			BlockEntries: true,
			Gate:         "entry_halt",
			Detail:       "entries halted until next UTC day",
		}
	}
	if g.cfg.EntryHaltUTC >= 0 && minuteOfDay >= g.cfg.EntryHaltUTC {
		g.haltedUntilDay = g.dayKey
		return Verdict{
			BlockEntries: true,
			Gate:         "entry_halt",
			Detail:       fmt.Sprintf("past entry halt time %02d:%02d UTC", g.cfg.EntryHaltUTC/60, g.cfg.EntryHaltUTC%60),
		}
	}

	return Verdict{}
}

// HaltEntries halts entries manually until the next UTC day.
func (g *Guard) HaltEntries(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked(now, 0)
	g.haltedUntilDay = g.dayKey
}

// rollDayLocked resets the per-day state at UTC midnight and captures the
// day's starting balance on the first sighting of a positive balance.
func (g *Guard) rollDayLocked(now time.Time, balance float64) {
	key := now.UTC().Format("2006-01-02")
	if key != g.dayKey {
		g.dayKey = key
		g.dayStartBalance = 0
		g.dayPeakBalance = 0
		g.realizedToday = 0
		g.drawdownTripped = false
	}
	if g.dayStartBalance == 0 && balance > 0 {
		g.dayStartBalance = balance
	}
	if balance > g.dayPeakBalance {
		g.dayPeakBalance = balance
	}
}
