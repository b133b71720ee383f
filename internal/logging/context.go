package logging

// Context helpers produce pre-tagged loggers for the hot paths so call sites
// stay short.

// OrderContext returns a logger tagged for an order operation.
func OrderContext(symbol, side, orderType string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"symbol":     symbol,
		"side":       side,
		"order_type": orderType,
	}).WithComponent("order")
}

// PositionContext returns a logger tagged for a position operation.
func PositionContext(symbol, side string, entryPrice, quantity float64) *Logger {
	return Default().WithFields(map[string]interface{}{
		"symbol":      symbol,
		"side":        side,
		"entry_price": entryPrice,
		"quantity":    quantity,
	}).WithComponent("position")
}

// SignalContext returns a logger tagged for a signal decision.
func SignalContext(symbol, side string, retBps, volBps float64) *Logger {
	return Default().WithFields(map[string]interface{}{
		"symbol":  symbol,
		"side":    side,
		"ret_bps": retBps,
		"vol_bps": volBps,
	}).WithComponent("signal")
}

// StreamContext returns a logger tagged for a market-data stream.
func StreamContext(symbol, stream string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"symbol": symbol,
		"stream": stream,
	}).WithComponent("marketdata")
}
