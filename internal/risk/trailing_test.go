package risk

import (
	"math"
	"testing"

	"aster-trading-bot/internal/signal"
)

// TestTrailingActivationLong tests the activation edge and water mark on
// the long side
func TestTrailingActivationLong(t *testing.T) {
	tr := NewTrailingTracker()
	tr.Track("BTCUSDT", signal.SideLong, 100, 100.12)

	if tr.Observe("BTCUSDT", 100.05) {
		t.Error("Should not activate below the activation price")
	}
	if !tr.Observe("BTCUSDT", 100.12) {
		t.Error("Should activate at the activation price")
	}
	if tr.Observe("BTCUSDT", 100.20) {
		t.Error("Should report the activation edge only once")
	}

	st, ok := tr.Status("BTCUSDT")
	if !ok {
		t.Fatal("Should report status for a tracked symbol")
	}
	if !st.Activated {
		t.Error("Should stay activated")
	}
	if st.WaterMark != 100.20 {
		t.Errorf("Should lift the water mark to 100.20, got %f", st.WaterMark)
	}
	if math.Abs(st.RunupBps-20) > 1e-9 {
		t.Errorf("Should report 20 bps of runup, got %f", st.RunupBps)
	}
}

// TestTrailingActivationShort tests the mirrored short side
func TestTrailingActivationShort(t *testing.T) {
	tr := NewTrailingTracker()
	tr.Track("ETHUSDT", signal.SideShort, 100, 99.90)

	if tr.Observe("ETHUSDT", 99.95) {
		t.Error("Should not activate above the activation price")
	}
	if !tr.Observe("ETHUSDT", 99.88) {
		t.Error("Should activate below the activation price")
	}
	tr.Observe("ETHUSDT", 99.80)

	st, _ := tr.Status("ETHUSDT")
	if st.WaterMark != 99.80 {
		t.Errorf("Should sink the water mark to 99.80, got %f", st.WaterMark)
	}
	if math.Abs(st.RunupBps-20) > 1e-9 {
		t.Errorf("Should report 20 bps of runup, got %f", st.RunupBps)
	}
}

// TestTrailingDrop tests that a dropped symbol stops reporting
func TestTrailingDrop(t *testing.T) {
	tr := NewTrailingTracker()
	tr.Track("BTCUSDT", signal.SideLong, 100, 100.12)
	tr.Drop("BTCUSDT")

	if tr.Observe("BTCUSDT", 101) {
		t.Error("Should ignore observations after a drop")
	}
	if _, ok := tr.Status("BTCUSDT"); ok {
		t.Error("Should have no status after a drop")
	}
}
