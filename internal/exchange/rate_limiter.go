package exchange

import (
	"fmt"
	"sync"
	"time"

	"aster-trading-bot/internal/logging"
)

// RateLimiter tracks request weight against the venue's per-minute budget and
// opens a circuit after a rate-limit ban so the engine stops hammering a
// banned IP.
type RateLimiter struct {
	mu sync.Mutex

	circuitOpen bool
	banUntil    time.Time

	currentWeight int
	weightResetAt time.Time
	maxWeight     int

	consecutiveErrors int

	log *logging.Logger
}

var endpointWeights = map[string]int{
	"/fapi/v2/account":          5,
	"/fapi/v2/positionRisk":     5,
	"/fapi/v1/order":            1,
	"/fapi/v1/openOrders":       1,
	"/fapi/v1/allOpenOrders":    40,
	"/fapi/v1/klines":           5,
	"/fapi/v1/premiumIndex":     1,
	"/fapi/v1/ticker/bookTicker": 2,
	"/fapi/v1/exchangeInfo":     1,
	"/fapi/v1/leverage":         1,
	"/fapi/v1/marginType":       1,
}

// NewRateLimiter creates a limiter for the venue's 2400 weight/min budget.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		maxWeight:     2400,
		weightResetAt: time.Now().Add(time.Minute),
		log:           logging.WithComponent("rate_limiter"),
	}
}

// Acquire reserves weight for one request to endpoint. It returns an error
// when the circuit is open or the minute budget is exhausted.
func (r *RateLimiter) Acquire(endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.After(r.weightResetAt) {
		r.currentWeight = 0
		r.weightResetAt = now.Add(time.Minute)
	}

	if r.circuitOpen {
		if now.Before(r.banUntil) {
			return fmt.Errorf("rate limiter circuit open until %s", r.banUntil.Format(time.RFC3339))
		}
		r.circuitOpen = false
		r.consecutiveErrors = 0
		r.log.Info("Rate limiter circuit closed, ban expired")
	}

	weight := endpointWeight(endpoint)
	if r.currentWeight+weight > r.maxWeight {
		return fmt.Errorf("rate limit budget exhausted (%d/%d), resets in %s",
			r.currentWeight, r.maxWeight, time.Until(r.weightResetAt).Round(time.Second))
	}

	r.currentWeight += weight
	return nil
}

// ObserveUsedWeight reconciles the tracked weight with the value the venue
// reports in response headers. The higher value wins.
func (r *RateLimiter) ObserveUsedWeight(used int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if used > r.currentWeight {
		r.currentWeight = used
	}
}

// RecordBan opens the circuit. banUntilMs of 0 falls back to exponential
// backoff on consecutive errors, capped at 30 minutes.
func (r *RateLimiter) RecordBan(banUntilMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveErrors++
	if banUntilMs > 0 {
		r.banUntil = time.UnixMilli(banUntilMs)
	} else {
		backoff := time.Duration(1<<uint(r.consecutiveErrors)) * time.Minute
		if backoff > 30*time.Minute {
			backoff = 30 * time.Minute
		}
		r.banUntil = time.Now().Add(backoff)
	}
	r.circuitOpen = true

	r.log.Warn("Rate limiter circuit opened",
		"ban_until", r.banUntil.Format(time.RFC3339),
		"consecutive_errors", r.consecutiveErrors)
}

// Usage returns the tracked weight and the budget.
func (r *RateLimiter) Usage() (current, max int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentWeight, r.maxWeight
}

func endpointWeight(endpoint string) int {
	if w, ok := endpointWeights[endpoint]; ok {
		return w
	}
	return 1
}

// ParseBanUntil extracts the ban deadline from a venue error message of the
// form "... banned until 1766824120342". Returns 0 when absent or stale.
func ParseBanUntil(msg string) int64 {
	var banUntil int64
	if _, err := fmt.Sscanf(msg, "%*[^0-9]%d", &banUntil); err != nil {
		return 0
	}
	now := time.Now()
	if banUntil > now.UnixMilli() && banUntil < now.Add(24*time.Hour).UnixMilli() {
		return banUntil
	}
	return 0
}
