package exchange

import (
	"fmt"
	"strconv"
)

// SymbolFilters is the parsed trading-rule set for one symbol.
type SymbolFilters struct {
	Symbol            string
	TickSize          float64
	MinPrice          float64
	MaxPrice          float64
	StepSize          float64
	MinQty            float64
	MaxQty            float64
	MinNotional       float64
	PricePrecision    int
	QuantityPrecision int
}

// ParseFilters extracts the price, lot-size and notional filters from a
// symbol's exchangeInfo block.
func ParseFilters(info SymbolInfo) (SymbolFilters, error) {
	f := SymbolFilters{
		Symbol:            info.Symbol,
		PricePrecision:    info.PricePrecision,
		QuantityPrecision: info.QuantityPrecision,
	}

	for _, raw := range info.Filters {
		switch raw.FilterType {
		case "PRICE_FILTER":
			f.TickSize = parseFilterFloat(raw.TickSize)
			f.MinPrice = parseFilterFloat(raw.MinPrice)
			f.MaxPrice = parseFilterFloat(raw.MaxPrice)
		case "LOT_SIZE":
			f.StepSize = parseFilterFloat(raw.StepSize)
			f.MinQty = parseFilterFloat(raw.MinQty)
			f.MaxQty = parseFilterFloat(raw.MaxQty)
		case "MIN_NOTIONAL":
			f.MinNotional = parseFilterFloat(raw.Notional)
		}
	}

	if f.TickSize <= 0 {
		return f, fmt.Errorf("symbol %s: missing or invalid tick size", info.Symbol)
	}
	if f.StepSize <= 0 {
		return f, fmt.Errorf("symbol %s: missing or invalid step size", info.Symbol)
	}

	return f, nil
}

// FiltersFor finds and parses the filters for the given symbols. Every
// requested symbol must be present and actively trading.
func FiltersFor(info *ExchangeInfo, symbols []string) (map[string]SymbolFilters, error) {
	bySymbol := make(map[string]SymbolInfo, len(info.Symbols))
	for _, s := range info.Symbols {
		bySymbol[s.Symbol] = s
	}

	out := make(map[string]SymbolFilters, len(symbols))
	for _, sym := range symbols {
		si, ok := bySymbol[sym]
		if !ok {
			return nil, fmt.Errorf("symbol %s not listed on exchange", sym)
		}
		if si.Status != "TRADING" {
			return nil, fmt.Errorf("symbol %s not trading (status %s)", sym, si.Status)
		}
		f, err := ParseFilters(si)
		if err != nil {
			return nil, err
		}
		out[sym] = f
	}

	return out, nil
}

func parseFilterFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
