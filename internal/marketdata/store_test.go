package marketdata

import (
	"math"
	"testing"
	"time"

	"aster-trading-bot/internal/exchange"
)

// TestSnapshotUnknownSymbol tests the miss path
func TestSnapshotUnknownSymbol(t *testing.T) {
	st := NewStore()

	if _, ok := st.Snapshot("BTCUSDT"); ok {
		t.Error("Should have no snapshot for an unseen symbol")
	}
}

// TestSpreadBps tests the spread computed over the mid price
func TestSpreadBps(t *testing.T) {
	st := NewStore()
	st.UpdateQuote("BTCUSDT", 99.95, 100.05, time.Now())

	snap, ok := st.Snapshot("BTCUSDT")
	if !ok {
		t.Fatal("Should have a snapshot after a quote")
	}
	if math.Abs(snap.SpreadBps()-10) > 1e-9 {
		t.Errorf("Should compute 10 bps of spread, got %f", snap.SpreadBps())
	}

	// Crossed or missing quotes report zero.
	crossed := Snapshot{Bid: 100.05, Ask: 99.95}
	if crossed.SpreadBps() != 0 {
		t.Errorf("Should report zero for a crossed quote, got %f", crossed.SpreadBps())
	}
}

// TestQuoteFreshness tests the staleness checks
func TestQuoteFreshness(t *testing.T) {
	st := NewStore()
	st.UpdateQuote("BTCUSDT", 99.95, 100.05, time.Now())

	snap, _ := st.Snapshot("BTCUSDT")
	if !snap.HasQuote(10 * time.Second) {
		t.Error("Should accept a fresh quote")
	}

	st.UpdateQuote("BTCUSDT", 99.95, 100.05, time.Now().Add(-time.Minute))
	snap, _ = st.Snapshot("BTCUSDT")
	if snap.HasQuote(10 * time.Second) {
		t.Error("Should reject a minute-old quote")
	}
	if snap.HasMark(15 * time.Second) {
		t.Error("Should have no mark before the feed delivers one")
	}
}

// TestStaleBarIgnored tests that an older bar never replaces a newer one
func TestStaleBarIgnored(t *testing.T) {
	st := NewStore()
	now := time.Now()
	st.UpdateClosedBar("BTCUSDT", exchange.Kline{Open: 100, Close: 101, CloseTime: 2000}, now)
	st.UpdateClosedBar("BTCUSDT", exchange.Kline{Open: 99, Close: 100, CloseTime: 1000}, now)

	snap, _ := st.Snapshot("BTCUSDT")
	if snap.LastClosedBar.CloseTime != 2000 {
		t.Errorf("Should keep the newer bar, got close time %d", snap.LastClosedBar.CloseTime)
	}
	if !snap.HasBar() {
		t.Error("Should report a bar present")
	}
}

// TestFundingBps tests the rate conversion
func TestFundingBps(t *testing.T) {
	st := NewStore()
	st.UpdateMark("BTCUSDT", 100.41, 0.0001, time.Now().Add(time.Hour), time.Now())

	snap, _ := st.Snapshot("BTCUSDT")
	if math.Abs(snap.FundingBps()-1) > 1e-9 {
		t.Errorf("Should convert 0.0001 to 1 bps, got %f", snap.FundingBps())
	}
	if !snap.HasMark(15 * time.Second) {
		t.Error("Should accept a fresh mark")
	}
}
