package orders

import (
	"math"

	"aster-trading-bot/internal/exchange"
)

// Normalizer converts idealized prices and notionals into values the
// exchange accepts for each symbol. All methods are pure; normalizing an
// already normalized value returns it unchanged.
type Normalizer struct {
	filters map[string]exchange.SymbolFilters
}

// NewNormalizer creates a normalizer over pre-fetched symbol filters.
func NewNormalizer(filters map[string]exchange.SymbolFilters) *Normalizer {
	return &Normalizer{filters: filters}
}

// Filters returns the filter set for a symbol.
func (n *Normalizer) Filters(symbol string) (exchange.SymbolFilters, bool) {
	f, ok := n.filters[symbol]
	return f, ok
}

// EntryPrice rounds a crossing limit price to the tick grid in the
// market-favorable direction: BUY rounds up so the order still crosses the
// ask, SELL rounds down so it still crosses the bid.
func (n *Normalizer) EntryPrice(symbol string, price float64, side exchange.Side) (float64, error) {
	f, ok := n.filters[symbol]
	if !ok {
		return 0, ErrUnknownSymbol
	}
	if side == exchange.SideBuy {
		return snapUp(price, f.TickSize), nil
	}
	return snapDown(price, f.TickSize), nil
}

// TriggerPrice rounds a stop/take-profit trigger level down to the tick grid.
func (n *Normalizer) TriggerPrice(symbol string, price float64) (float64, error) {
	f, ok := n.filters[symbol]
	if !ok {
		return 0, ErrUnknownSymbol
	}
	return snapDown(price, f.TickSize), nil
}

// QtyForNotional sizes an order of roughly notional USD at refPrice:
// the raw quantity is rounded down to the step grid, then raised to the
// minimum quantity and minimum notional when short of them. A *SizingError
// is returned when no quantity can satisfy the symbol's rules.
func (n *Normalizer) QtyForNotional(symbol string, notional, refPrice float64) (float64, error) {
	f, ok := n.filters[symbol]
	if !ok {
		return 0, ErrUnknownSymbol
	}
	if refPrice <= 0 {
		return 0, &SizingError{Symbol: symbol, Notional: notional, RefPrice: refPrice, Reason: "non-positive reference price"}
	}
	if notional <= 0 {
		return 0, &SizingError{Symbol: symbol, Notional: notional, RefPrice: refPrice, Reason: "non-positive notional"}
	}

	qty := snapDown(notional/refPrice, f.StepSize)

	if qty < f.MinQty {
		qty = snapUp(f.MinQty, f.StepSize)
	}
	if f.MinNotional > 0 && qty*refPrice < f.MinNotional {
		qty = snapUp(f.MinNotional/refPrice, f.StepSize)
	}

	if f.MinNotional > 0 && qty*refPrice < f.MinNotional {
		return 0, &SizingError{Symbol: symbol, Notional: notional, RefPrice: refPrice,
			Reason: "minimum notional unreachable on the step grid"}
	}
	if f.MaxQty > 0 && qty > f.MaxQty {
		return 0, &SizingError{Symbol: symbol, Notional: notional, RefPrice: refPrice,
			Reason: "quantity exceeds symbol maximum"}
	}
	if qty <= 0 {
		return 0, &SizingError{Symbol: symbol, Notional: notional, RefPrice: refPrice,
			Reason: "quantity rounds to zero"}
	}

	return qty, nil
}

// snapDown floors v to the step grid. The epsilon absorbs float error so a
// value already on the grid stays put.
func snapDown(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	n := math.Floor(v/step + 1e-9)
	return roundStep(n, step)
}

// snapUp ceils v to the step grid.
func snapUp(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	n := math.Ceil(v/step - 1e-9)
	return roundStep(n, step)
}

// roundStep multiplies a grid index by the step and trims the float noise
// the multiplication reintroduces.
func roundStep(n, step float64) float64 {
	v := n * step
	// Steps are decimal (0.001, 0.5, ...) so rounding to the step's decimal
	// places restores an exact representation.
	decimals := 0
	for s := step; s < 1 && decimals < 12; s *= 10 {
		decimals++
	}
	pow := math.Pow(10, float64(decimals))
	return math.Round(v*pow) / pow
}
