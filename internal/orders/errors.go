package orders

import (
	"errors"
	"fmt"
)

// Sentinel errors for lifecycle operations.
var (
	ErrInconsistentState = errors.New("engine state disagrees with exchange state")
	ErrNotFlat           = errors.New("symbol is not flat")
	ErrCoolingDown       = errors.New("symbol is in reentry cooldown")
	ErrUnknownSymbol     = errors.New("no filters loaded for symbol")
)

// SizingError means an order quantity cannot satisfy the symbol's trading
// rules at the requested notional. It is not retryable at the same size.
type SizingError struct {
	Symbol   string
	Notional float64
	RefPrice float64
	Reason   string
}

func (e *SizingError) Error() string {
	return fmt.Sprintf("cannot size order for %s (notional %.2f @ %.8g): %s",
		e.Symbol, e.Notional, e.RefPrice, e.Reason)
}
