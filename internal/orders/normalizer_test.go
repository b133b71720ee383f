package orders

import (
	"errors"
	"math"
	"testing"

	"aster-trading-bot/internal/exchange"
)

func testNormalizer() *Normalizer {
	return NewNormalizer(map[string]exchange.SymbolFilters{
		"BTCUSDT": {
			Symbol:      "BTCUSDT",
			TickSize:    0.1,
			StepSize:    0.001,
			MinQty:      0.001,
			MaxQty:      1000,
			MinNotional: 5,
		},
	})
}

// TestEntryPriceRounding tests that entry prices round toward the market
// so the order still crosses
func TestEntryPriceRounding(t *testing.T) {
	n := testNormalizer()

	buy, err := n.EntryPrice("BTCUSDT", 100.05, exchange.SideBuy)
	if err != nil {
		t.Fatalf("Should price a known symbol, got %v", err)
	}
	if math.Abs(buy-100.1) > 1e-9 {
		t.Errorf("Should round a buy up to 100.1, got %f", buy)
	}

	sell, _ := n.EntryPrice("BTCUSDT", 100.05, exchange.SideSell)
	if math.Abs(sell-100.0) > 1e-9 {
		t.Errorf("Should round a sell down to 100.0, got %f", sell)
	}

	// A price already on the grid stays put in both directions.
	onGrid, _ := n.EntryPrice("BTCUSDT", 100.1, exchange.SideBuy)
	if math.Abs(onGrid-100.1) > 1e-9 {
		t.Errorf("Should keep an on-grid price, got %f", onGrid)
	}
}

// TestTriggerPriceRoundsDown tests trigger level rounding
func TestTriggerPriceRoundsDown(t *testing.T) {
	n := testNormalizer()

	price, err := n.TriggerPrice("BTCUSDT", 100.17)
	if err != nil {
		t.Fatalf("Should price a known symbol, got %v", err)
	}
	if math.Abs(price-100.1) > 1e-9 {
		t.Errorf("Should round a trigger down to 100.1, got %f", price)
	}
}

// TestQtyForNotional tests basic sizing on the step grid
func TestQtyForNotional(t *testing.T) {
	n := testNormalizer()

	qty, err := n.QtyForNotional("BTCUSDT", 100, 50000)
	if err != nil {
		t.Fatalf("Should size the order, got %v", err)
	}
	if math.Abs(qty-0.002) > 1e-12 {
		t.Errorf("Should size 0.002, got %f", qty)
	}

	// Sizing the resulting quantity again returns it unchanged.
	again, _ := n.QtyForNotional("BTCUSDT", qty*50000, 50000)
	if again != qty {
		t.Errorf("Should be idempotent, got %f then %f", qty, again)
	}
}

// TestQtyRaisedToMinNotional tests that a small order is bumped up to the
// exchange minimum
func TestQtyRaisedToMinNotional(t *testing.T) {
	n := testNormalizer()

	qty, err := n.QtyForNotional("BTCUSDT", 2, 10)
	if err != nil {
		t.Fatalf("Should size the order, got %v", err)
	}
	if math.Abs(qty-0.5) > 1e-12 {
		t.Errorf("Should raise the quantity to meet min notional 5, got %f", qty)
	}
}

// TestQtyExceedsMaxQty tests the sizing error when a symbol cannot take
// the requested notional
func TestQtyExceedsMaxQty(t *testing.T) {
	n := testNormalizer()

	_, err := n.QtyForNotional("BTCUSDT", 2000000, 1)
	var sizingErr *SizingError
	if !errors.As(err, &sizingErr) {
		t.Fatalf("Should fail with a SizingError, got %v", err)
	}
	if sizingErr.Symbol != "BTCUSDT" {
		t.Errorf("Should carry the symbol, got %q", sizingErr.Symbol)
	}
}

// TestQtyRejectsBadInputs tests the guard clauses
func TestQtyRejectsBadInputs(t *testing.T) {
	n := testNormalizer()

	var sizingErr *SizingError
	if _, err := n.QtyForNotional("BTCUSDT", 0, 100); !errors.As(err, &sizingErr) {
		t.Errorf("Should reject zero notional, got %v", err)
	}
	if _, err := n.QtyForNotional("BTCUSDT", 100, 0); !errors.As(err, &sizingErr) {
		t.Errorf("Should reject zero reference price, got %v", err)
	}
}

// TestUnknownSymbol tests that every method refuses a symbol without
// loaded filters
func TestUnknownSymbol(t *testing.T) {
	n := testNormalizer()

	if _, err := n.EntryPrice("DOGEUSDT", 0.1, exchange.SideBuy); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("Should reject unknown symbol on entry price, got %v", err)
	}
	if _, err := n.TriggerPrice("DOGEUSDT", 0.1); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("Should reject unknown symbol on trigger price, got %v", err)
	}
	if _, err := n.QtyForNotional("DOGEUSDT", 100, 0.1); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("Should reject unknown symbol on sizing, got %v", err)
	}
}
