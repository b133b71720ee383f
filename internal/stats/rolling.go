package stats

import (
	"math"
	"sync"

	"aster-trading-bot/internal/exchange"
)

// window is a fixed-capacity FIFO over float64 with a running sum.
type window struct {
	values []float64
	size   int
	head   int
	count  int
	sum    float64
}

func newWindow(size int) *window {
	return &window{values: make([]float64, size), size: size}
}

func (w *window) push(v float64) {
	if w.count == w.size {
		w.sum -= w.values[w.head]
	} else {
		w.count++
	}
	w.values[w.head] = v
	w.sum += v
	w.head = (w.head + 1) % w.size
}

func (w *window) full() bool { return w.count == w.size }

func (w *window) mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}

// symbolStats holds the per-symbol windows.
type symbolStats struct {
	variance     *window // per-bar Rogers-Satchell variance
	volume       *window // per-bar base volume
	lastBarClose int64   // close time of the last ingested bar, ms
	lastBar      exchange.Kline
}

// Tracker maintains rolling volatility and volume statistics per symbol from
// closed 1m bars. A bar is identified by its close time and ingested at most
// once.
type Tracker struct {
	mu         sync.RWMutex
	volWindow  int
	volumeWin  int
	perSymbol  map[string]*symbolStats
}

// NewTracker creates a tracker with a volatility window of volBars bars and a
// volume window of volumeBars bars.
func NewTracker(volBars, volumeBars int) *Tracker {
	return &Tracker{
		volWindow: volBars,
		volumeWin: volumeBars,
		perSymbol: make(map[string]*symbolStats),
	}
}

// Update ingests one closed bar. Bars already seen (same or older close time)
// are ignored, so callers can feed the latest closed bar every tick. Returns
// true when the bar advanced the windows.
func (t *Tracker) Update(symbol string, bar exchange.Kline) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ss, ok := t.perSymbol[symbol]
	if !ok {
		ss = &symbolStats{
			variance: newWindow(t.volWindow),
			volume:   newWindow(t.volumeWin),
		}
		t.perSymbol[symbol] = ss
	}

	if bar.CloseTime <= ss.lastBarClose {
		return false
	}

	ss.variance.push(rogersSatchell(bar))
	ss.volume.push(bar.Volume)
	ss.lastBarClose = bar.CloseTime
	ss.lastBar = bar
	return true
}

// IsWarm reports whether both windows are full for the symbol.
func (t *Tracker) IsWarm(symbol string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ss, ok := t.perSymbol[symbol]
	return ok && ss.variance.full() && ss.volume.full()
}

// Volatility returns the rolling range-based volatility in basis points.
// ok is false until the volatility window is full.
func (t *Tracker) Volatility(symbol string) (volBps float64, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ss, exists := t.perSymbol[symbol]
	if !exists || !ss.variance.full() {
		return 0, false
	}
	meanVar := ss.variance.mean()
	if meanVar < 0 {
		meanVar = 0
	}
	return 1e4 * math.Sqrt(meanVar), true
}

// AvgVolume returns the rolling mean base volume. ok is false until the
// volume window is full.
func (t *Tracker) AvgVolume(symbol string) (avg float64, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ss, exists := t.perSymbol[symbol]
	if !exists || !ss.volume.full() {
		return 0, false
	}
	return ss.volume.mean(), true
}

// LastBar returns the most recently ingested bar for the symbol.
func (t *Tracker) LastBar(symbol string) (exchange.Kline, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ss, ok := t.perSymbol[symbol]
	if !ok || ss.lastBarClose == 0 {
		return exchange.Kline{}, false
	}
	return ss.lastBar, true
}

// rogersSatchell computes the per-bar range variance estimate
// ln(h/o)ln(h/c) + ln(l/o)ln(l/c). Degenerate bars contribute zero.
func rogersSatchell(bar exchange.Kline) float64 {
	if bar.Open <= 0 || bar.High <= 0 || bar.Low <= 0 || bar.Close <= 0 {
		return 0
	}
	ho := math.Log(bar.High / bar.Open)
	hc := math.Log(bar.High / bar.Close)
	lo := math.Log(bar.Low / bar.Open)
	lc := math.Log(bar.Low / bar.Close)
	return ho*hc + lo*lc
}
