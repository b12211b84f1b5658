// Package events carries typed ledger notifications from the core to
// delivery transports (websocket, Kafka).
package events

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Type string

const (
	OrderFilled          Type = "order.filled"
	OrderPartiallyFilled Type = "order.partially_filled"
	OrderCancelled       Type = "order.cancelled"
	OrderRejected        Type = "order.rejected"
	OrderExpired         Type = "order.expired"
	MarginWarning        Type = "margin.warning"
	MarginLiquidation    Type = "margin.liquidation"
	PDTWarning           Type = "pdt.warning"
	PDTRestricted        Type = "pdt.restricted"
	RiskAutoFlatten      Type = "risk.auto_flatten"
	RiskOrderRejected    Type = "risk.order_rejected"
)

type Payload struct {
	OrderID        string           `json:"order_id,omitempty"`
	Symbol         string           `json:"symbol,omitempty"`
	Side           string           `json:"side,omitempty"`
	Quantity       *decimal.Decimal `json:"quantity,omitempty"`
	FilledQuantity *decimal.Decimal `json:"filled_quantity,omitempty"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	Equity         *decimal.Decimal `json:"equity,omitempty"`
	Requirement    *decimal.Decimal `json:"requirement,omitempty"`
	DayTrades      int64            `json:"day_trades,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	Violations     []string         `json:"violations,omitempty"`
}

type Event struct {
	Type      Type      `json:"type"`
	AccountID string    `json:"account_id"`
	Payload   Payload   `json:"payload"`
	At        time.Time `json:"at"`
}

// Dec returns a pointer to a copy of v for Payload fields.
func Dec(v decimal.Decimal) *decimal.Decimal {
	return &v
}

// Publisher is the sink the ledger core writes to. Publish never blocks.
type Publisher interface {
	Publish(evt Event)
}

// Bus fans events out to subscribers. A slow subscriber loses events rather
// than stalling the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

var _ Publisher = (*Bus)(nil)

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, 256)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.RUnlock()
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ Publisher = (*Recorder)(nil)

func (r *Recorder) Publish(evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t, in publish order.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Multi publishes to each publisher in turn.
type Multi []Publisher

func (m Multi) Publish(evt Event) {
	for _, p := range m {
		p.Publish(evt)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}
