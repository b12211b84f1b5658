package events

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Publish(Event{Type: OrderFilled, AccountID: "acct-1"})

	for i, ch := range []chan Event{a, b} {
		select {
		case evt := <-ch:
			if evt.Type != OrderFilled {
				t.Errorf("subscriber %d got %q, want %q", i, evt.Type, OrderFilled)
			}
			if evt.At.IsZero() {
				t.Errorf("subscriber %d: event time not stamped", i)
			}
		default:
			t.Errorf("subscriber %d received nothing", i)
		}
	}

	bus.Unsubscribe(a)
	if _, ok := <-a; ok {
		t.Error("unsubscribed channel should be closed")
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	for i := 0; i < cap(ch)+10; i++ {
		bus.Publish(Event{Type: MarginWarning})
	}
	if len(ch) != cap(ch) {
		t.Errorf("buffered = %d, want %d", len(ch), cap(ch))
	}
}

func TestRecorderOfType(t *testing.T) {
	var r Recorder
	Multi{&r, Discard{}}.Publish(Event{Type: PDTWarning})
	r.Publish(Event{Type: OrderFilled})
	r.Publish(Event{Type: PDTWarning})

	if got := len(r.OfType(PDTWarning)); got != 2 {
		t.Errorf("OfType(pdt.warning) = %d, want 2", got)
	}
	if got := len(r.Events()); got != 3 {
		t.Errorf("Events() = %d, want 3", got)
	}
}

func TestEncodeMessageKeyedByAccount(t *testing.T) {
	evt := Event{
		Type:      OrderFilled,
		AccountID: "acct-9",
		Payload:   Payload{OrderID: "o-1", Price: Dec(decimal.RequireFromString("150.25"))},
	}
	msg, err := encodeMessage(evt)
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Key) != "acct-9" {
		t.Errorf("Key = %q, want acct-9", msg.Key)
	}
	var decoded Event
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Payload.Price == nil || !decoded.Payload.Price.Equal(decimal.RequireFromString("150.25")) {
		t.Errorf("Price = %v, want 150.25", decoded.Payload.Price)
	}
	if decoded.Payload.Quantity != nil {
		t.Errorf("Quantity = %v, want omitted", decoded.Payload.Quantity)
	}
}
