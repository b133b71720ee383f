package stats

import (
	"math"
	"testing"

	"aster-trading-bot/internal/exchange"
)

// TestTrackerWarmup tests that the tracker only reports warm once both
// windows are full
func TestTrackerWarmup(t *testing.T) {
	tracker := NewTracker(3, 2)

	tracker.Update("BTCUSDT", exchange.Kline{Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 100, CloseTime: 1000})
	tracker.Update("BTCUSDT", exchange.Kline{Open: 100.5, High: 101.5, Low: 100, Close: 101, Volume: 120, CloseTime: 2000})

	if tracker.IsWarm("BTCUSDT") {
		t.Error("Should not be warm with only 2 of 3 volatility bars")
	}
	if _, ok := tracker.Volatility("BTCUSDT"); ok {
		t.Error("Should not report volatility before the window is full")
	}

	tracker.Update("BTCUSDT", exchange.Kline{Open: 101, High: 102, Low: 100.5, Close: 101.5, Volume: 110, CloseTime: 3000})

	if !tracker.IsWarm("BTCUSDT") {
		t.Error("Should be warm after 3 bars")
	}
	if _, ok := tracker.Volatility("BTCUSDT"); !ok {
		t.Error("Should report volatility once the window is full")
	}
}

// TestTrackerIgnoresDuplicateBars tests that a bar with an already seen
// close time does not advance the windows
func TestTrackerIgnoresDuplicateBars(t *testing.T) {
	tracker := NewTracker(2, 2)
	bar := exchange.Kline{Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 100, CloseTime: 1000}

	if !tracker.Update("BTCUSDT", bar) {
		t.Error("Should accept the first bar")
	}
	if tracker.Update("BTCUSDT", bar) {
		t.Error("Should reject a bar with the same close time")
	}
	if tracker.Update("BTCUSDT", exchange.Kline{Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 100, CloseTime: 500}) {
		t.Error("Should reject a bar older than the last ingested one")
	}
	if tracker.IsWarm("BTCUSDT") {
		t.Error("Should still only count one bar")
	}
}

// TestVolatilityMatchesRangeEstimate tests the range-based volatility
// value against the per-bar estimate computed directly
func TestVolatilityMatchesRangeEstimate(t *testing.T) {
	tracker := NewTracker(2, 1)
	bar := exchange.Kline{Open: 100, High: 104, Low: 99, Close: 102, Volume: 100}
	bar.CloseTime = 1000
	tracker.Update("ETHUSDT", bar)
	bar.CloseTime = 2000
	tracker.Update("ETHUSDT", bar)

	variance := math.Log(104.0/100)*math.Log(104.0/102) + math.Log(99.0/100)*math.Log(99.0/102)
	want := 1e4 * math.Sqrt(variance)

	got, ok := tracker.Volatility("ETHUSDT")
	if !ok {
		t.Fatal("Should report volatility with a full window")
	}
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Should compute vol %.9f bps, got %.9f", want, got)
	}
}

// TestFlatBarContributesZeroVariance tests that a bar with no range adds
// nothing to the volatility estimate
func TestFlatBarContributesZeroVariance(t *testing.T) {
	tracker := NewTracker(1, 1)
	tracker.Update("BTCUSDT", exchange.Kline{Open: 100, High: 100, Low: 100, Close: 100, Volume: 50, CloseTime: 1000})

	vol, ok := tracker.Volatility("BTCUSDT")
	if !ok {
		t.Fatal("Should report volatility with a full window")
	}
	if vol != 0 {
		t.Errorf("Should report zero volatility for a flat bar, got %f", vol)
	}
}

// TestAvgVolumeEviction tests that the volume window evicts the oldest
// bar once full
func TestAvgVolumeEviction(t *testing.T) {
	tracker := NewTracker(1, 2)
	tracker.Update("BTCUSDT", exchange.Kline{Open: 100, High: 101, Low: 99, Close: 100, Volume: 100, CloseTime: 1000})
	tracker.Update("BTCUSDT", exchange.Kline{Open: 100, High: 101, Low: 99, Close: 100, Volume: 200, CloseTime: 2000})

	avg, ok := tracker.AvgVolume("BTCUSDT")
	if !ok {
		t.Fatal("Should report average volume with a full window")
	}
	if math.Abs(avg-150) > 1e-9 {
		t.Errorf("Should average 150, got %f", avg)
	}

	tracker.Update("BTCUSDT", exchange.Kline{Open: 100, High: 101, Low: 99, Close: 100, Volume: 400, CloseTime: 3000})
	avg, _ = tracker.AvgVolume("BTCUSDT")
	if math.Abs(avg-300) > 1e-9 {
		t.Errorf("Should evict the oldest bar and average 300, got %f", avg)
	}
}

// TestLastBar tests that the tracker hands back the most recent bar
func TestLastBar(t *testing.T) {
	tracker := NewTracker(2, 2)

	if _, ok := tracker.LastBar("BTCUSDT"); ok {
		t.Error("Should have no bar for an unseen symbol")
	}

	tracker.Update("BTCUSDT", exchange.Kline{Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 100, CloseTime: 1000})
	tracker.Update("BTCUSDT", exchange.Kline{Open: 100.5, High: 102, Low: 100, Close: 101, Volume: 150, CloseTime: 2000})

	bar, ok := tracker.LastBar("BTCUSDT")
	if !ok {
		t.Fatal("Should have a bar after updates")
	}
	if bar.CloseTime != 2000 || bar.Close != 101 {
		t.Errorf("Should return the latest bar, got close time %d close %f", bar.CloseTime, bar.Close)
	}
}
