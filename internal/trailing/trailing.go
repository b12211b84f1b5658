// Package trailing computes the ratchet for sell-side trailing stops.
package trailing

import (
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// State is the persisted trailing state of one order. Exactly one of
// Percent or Amount is set.
type State struct {
	Percent       *decimal.Decimal
	Amount        *decimal.Decimal
	HighWaterMark *decimal.Decimal
	StopPrice     *decimal.Decimal
}

// Decision is the outcome of one evaluation tick.
type Decision struct {
	State   State
	Changed bool // state must be persisted
	Fill    bool
	Price   decimal.Decimal
}

// StopFor derives the stop from a high-water mark.
func StopFor(s State, hwm decimal.Decimal) decimal.Decimal {
	if s.Percent != nil {
		return hwm.Mul(hundred.Sub(*s.Percent)).Div(hundred).Round(4)
	}
	if s.Amount != nil {
		return hwm.Sub(*s.Amount).Round(4)
	}
	return hwm
}

// Tick advances the ratchet with the current bid. The first tick records the
// initial mark without filling; a rising bid moves the mark up and suppresses
// the fill on that tick; otherwise a bid at or below the stop fills at the bid.
func Tick(s State, bid decimal.Decimal) Decision {
	if s.HighWaterMark == nil {
		hwm := bid
		stop := StopFor(s, hwm)
		s.HighWaterMark, s.StopPrice = &hwm, &stop
		return Decision{State: s, Changed: true}
	}

	if bid.GreaterThan(*s.HighWaterMark) {
		hwm := bid
		stop := StopFor(s, hwm)
		s.HighWaterMark, s.StopPrice = &hwm, &stop
		return Decision{State: s, Changed: true}
	}

	stop := StopFor(s, *s.HighWaterMark)
	changed := s.StopPrice == nil || !s.StopPrice.Equal(stop)
	s.StopPrice = &stop
	if bid.LessThanOrEqual(stop) {
		return Decision{State: s, Changed: changed, Fill: true, Price: bid}
	}
	return Decision{State: s, Changed: changed}
}

// FromOrder reads the trailing state off an order.
func FromOrder(o *types.Order) State {
	return State{
		Percent:       o.TrailPercent,
		Amount:        o.TrailAmount,
		HighWaterMark: o.HighWaterMark,
		StopPrice:     o.TrailStopPrice,
	}
}

// Apply writes the mark and stop back onto the order.
func Apply(o *types.Order, s State) {
	o.HighWaterMark = s.HighWaterMark
	o.TrailStopPrice = s.StopPrice
}
