package exchange

import (
	"testing"
)

func testSymbolInfo() SymbolInfo {
	return SymbolInfo{
		Symbol:            "BTCUSDT",
		Status:            "TRADING",
		PricePrecision:    2,
		QuantityPrecision: 3,
		Filters: []SymbolFilterRaw{
			{FilterType: "PRICE_FILTER", TickSize: "0.10", MinPrice: "556.80", MaxPrice: "4529764"},
			{FilterType: "LOT_SIZE", StepSize: "0.001", MinQty: "0.001", MaxQty: "1000"},
			{FilterType: "MIN_NOTIONAL", Notional: "5"},
		},
	}
}

// TestParseFilters tests extraction of the trading rules from an
// exchangeInfo symbol block
func TestParseFilters(t *testing.T) {
	f, err := ParseFilters(testSymbolInfo())
	if err != nil {
		t.Fatalf("Should parse a complete filter set, got %v", err)
	}

	if f.TickSize != 0.10 {
		t.Errorf("Should parse tick size 0.10, got %f", f.TickSize)
	}
	if f.StepSize != 0.001 {
		t.Errorf("Should parse step size 0.001, got %f", f.StepSize)
	}
	if f.MinQty != 0.001 || f.MaxQty != 1000 {
		t.Errorf("Should parse lot bounds, got %f and %f", f.MinQty, f.MaxQty)
	}
	if f.MinNotional != 5 {
		t.Errorf("Should parse min notional 5, got %f", f.MinNotional)
	}
	if f.PricePrecision != 2 || f.QuantityPrecision != 3 {
		t.Errorf("Should carry the precisions, got %d and %d", f.PricePrecision, f.QuantityPrecision)
	}
}

// TestParseFiltersMissingTick tests rejection of an unusable filter set
func TestParseFiltersMissingTick(t *testing.T) {
	info := testSymbolInfo()
	info.Filters = info.Filters[1:] // drop PRICE_FILTER

	if _, err := ParseFilters(info); err == nil {
		t.Error("Should reject a symbol without a tick size")
	}
}

// TestFiltersFor tests the lookup over a full exchangeInfo response
func TestFiltersFor(t *testing.T) {
	halted := testSymbolInfo()
	halted.Symbol = "LUNAUSDT"
	halted.Status = "BREAK"
	info := &ExchangeInfo{Symbols: []SymbolInfo{testSymbolInfo(), halted}}

	filters, err := FiltersFor(info, []string{"BTCUSDT"})
	if err != nil {
		t.Fatalf("Should resolve a listed symbol, got %v", err)
	}
	if _, ok := filters["BTCUSDT"]; !ok {
		t.Error("Should contain the requested symbol")
	}

	if _, err := FiltersFor(info, []string{"DOGEUSDT"}); err == nil {
		t.Error("Should reject an unlisted symbol")
	}
	if _, err := FiltersFor(info, []string{"LUNAUSDT"}); err == nil {
		t.Error("Should reject a symbol that is not trading")
	}
}
