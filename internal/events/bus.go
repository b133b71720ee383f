package events

import (
	"sync"
	"time"
)

// EventType identifies what happened in the engine.
type EventType string

const (
	EventSignal         EventType = "SIGNAL"
	EventEntrySubmitted EventType = "ENTRY_SUBMITTED"
	EventTradeOpened    EventType = "TRADE_OPENED"
	EventTradeClosed    EventType = "TRADE_CLOSED"
	EventExitArmed      EventType = "EXIT_ARMED"
	EventForceClose     EventType = "FORCE_CLOSE"
	EventRiskHalt       EventType = "RISK_HALT"
	EventEngineStarted  EventType = "ENGINE_STARTED"
	EventEngineStopped  EventType = "ENGINE_STOPPED"
	EventError          EventType = "ERROR"
)

// Event is one engine occurrence with free-form payload.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber handles events. Subscribers run on their own goroutine per
// event; they must not assume ordering across events.
type Subscriber func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for one event type.
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for every event.
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish delivers an event to all matching subscribers without blocking
// the publisher.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishSignal reports an actionable signal.
func (b *Bus) PublishSignal(symbol, side string, retBps, volBps float64) {
	b.Publish(Event{
		Type: EventSignal,
		Data: map[string]interface{}{
			"symbol":  symbol,
			"side":    side,
			"ret_bps": retBps,
			"vol_bps": volBps,
		},
	})
}

// PublishTradeOpened reports a filled entry.
func (b *Bus) PublishTradeOpened(symbol, side, tradeID string, entryPrice, quantity float64) {
	b.Publish(Event{
		Type: EventTradeOpened,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"side":        side,
			"trade_id":    tradeID,
			"entry_price": entryPrice,
			"quantity":    quantity,
		},
	})
}

// PublishTradeClosed reports a flattened position.
func (b *Bus) PublishTradeClosed(symbol, side, tradeID, reason string, entryPrice, exitPrice, quantity, pnl, pnlBps float64) {
	b.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"side":        side,
			"trade_id":    tradeID,
			"reason":      reason,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"quantity":    quantity,
			"pnl":         pnl,
			"pnl_bps":     pnlBps,
		},
	})
}

// PublishRiskHalt reports a risk gate stopping entries or forcing closes.
func (b *Bus) PublishRiskHalt(gate, detail string) {
	b.Publish(Event{
		Type: EventRiskHalt,
		Data: map[string]interface{}{
			"gate":   gate,
			"detail": detail,
		},
	})
}

// PublishError reports a component error.
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{Type: EventError, Data: data})
}
