package events

import (
	"testing"
	"time"
)

// TestBusDelivery tests type-filtered and catch-all delivery
func TestBusDelivery(t *testing.T) {
	bus := NewBus()
	signals := make(chan Event, 1)
	everything := make(chan Event, 2)

	bus.Subscribe(EventSignal, func(e Event) { signals <- e })
	bus.SubscribeAll(func(e Event) { everything <- e })

	bus.PublishSignal("BTCUSDT", "LONG", 40, 20)
	bus.PublishRiskHalt("margin", "ratio too thin")

	select {
	case e := <-signals:
		if e.Type != EventSignal {
			t.Errorf("Should deliver a signal event, got %s", e.Type)
		}
		if e.Data["symbol"] != "BTCUSDT" || e.Data["side"] != "LONG" {
			t.Errorf("Should carry the payload, got %v", e.Data)
		}
		if e.Timestamp.IsZero() {
			t.Error("Should stamp the event")
		}
	case <-time.After(time.Second):
		t.Fatal("Should deliver to the typed subscriber")
	}

	for i := 0; i < 2; i++ {
		select {
		case <-everything:
		case <-time.After(time.Second):
			t.Fatal("Should deliver every event to the catch-all subscriber")
		}
	}

	select {
	case e := <-signals:
		t.Errorf("Should not deliver other event types to the signal subscriber, got %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}
