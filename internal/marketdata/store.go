package marketdata

import (
	"sync"
	"time"

	"aster-trading-bot/internal/exchange"
)

// Snapshot is an immutable per-symbol view of the market at one instant.
// Zero timestamps mean the corresponding feed has not delivered yet.
type Snapshot struct {
	Symbol string
	Taken  time.Time

	Bid       float64
	Ask       float64
	QuoteTime time.Time

	Mark            float64
	FundingRate     float64 // raw per-8h rate
	NextFundingTime time.Time
	MarkTime        time.Time

	LastClosedBar exchange.Kline
	BarTime       time.Time
}

// FundingBps returns the funding rate in basis points.
func (s Snapshot) FundingBps() float64 { return s.FundingRate * 1e4 }

// SpreadBps returns the bid/ask spread in basis points of the mid. Zero when
// the quote is missing or crossed.
func (s Snapshot) SpreadBps() float64 {
	if s.Bid <= 0 || s.Ask <= 0 || s.Ask < s.Bid {
		return 0
	}
	mid := (s.Bid + s.Ask) / 2
	return 1e4 * (s.Ask - s.Bid) / mid
}

// HasQuote reports whether a best bid/ask no older than maxAge is present.
func (s Snapshot) HasQuote(maxAge time.Duration) bool {
	return s.Bid > 0 && s.Ask > 0 && !s.QuoteTime.IsZero() && time.Since(s.QuoteTime) <= maxAge
}

// HasMark reports whether mark price and funding no older than maxAge are
// present.
func (s Snapshot) HasMark(maxAge time.Duration) bool {
	return s.Mark > 0 && !s.MarkTime.IsZero() && time.Since(s.MarkTime) <= maxAge
}

// HasBar reports whether a closed bar has been observed.
func (s Snapshot) HasBar() bool { return !s.BarTime.IsZero() }

// Store holds the latest market state per symbol. The collector goroutine is
// the only writer; readers get copies.
type Store struct {
	mu    sync.RWMutex
	state map[string]*Snapshot
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{state: make(map[string]*Snapshot)}
}

// Snapshot returns a copy of the current state for symbol with Taken set to
// now. ok is false when the symbol has never been updated.
func (st *Store) Snapshot(symbol string) (Snapshot, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.state[symbol]
	if !ok {
		return Snapshot{Symbol: symbol}, false
	}
	out := *s
	out.Taken = time.Now()
	return out, true
}

// UpdateQuote records the best bid/ask.
func (st *Store) UpdateQuote(symbol string, bid, ask float64, at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.get(symbol)
	s.Bid = bid
	s.Ask = ask
	s.QuoteTime = at
}

// UpdateMark records mark price and funding.
func (st *Store) UpdateMark(symbol string, mark, fundingRate float64, nextFunding, at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.get(symbol)
	s.Mark = mark
	s.FundingRate = fundingRate
	s.NextFundingTime = nextFunding
	s.MarkTime = at
}

// UpdateClosedBar records a closed 1m bar.
func (st *Store) UpdateClosedBar(symbol string, bar exchange.Kline, at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.get(symbol)
	if bar.CloseTime <= s.LastClosedBar.CloseTime {
		return
	}
	s.LastClosedBar = bar
	s.BarTime = at
}

func (st *Store) get(symbol string) *Snapshot {
	s, ok := st.state[symbol]
	if !ok {
		s = &Snapshot{Symbol: symbol}
		st.state[symbol] = s
	}
	return s
}
