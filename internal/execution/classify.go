package execution

import (
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindBuyToOpen  Kind = "buy_to_open"
	KindBuyToCover Kind = "buy_to_cover"
	KindSellLong   Kind = "sell_long"
	KindSellShort  Kind = "sell_short"
	KindSellFlip   Kind = "sell_long_and_short"
)

// Split is how one fill divides against the current signed position.
type Split struct {
	Kind      Kind
	OpenLong  decimal.Decimal // bought beyond any cover
	Cover     decimal.Decimal // bought against an existing short
	CloseLong decimal.Decimal // sold out of an existing long
	OpenShort decimal.Decimal // sold beyond the long
}

// Classify splits a fill of qty on side against position quantity posQty.
func Classify(side types.OrderSide, qty, posQty decimal.Decimal) Split {
	s := Split{OpenLong: decimal.Zero, Cover: decimal.Zero, CloseLong: decimal.Zero, OpenShort: decimal.Zero}

	if side == types.OrderSideBuy {
		if posQty.IsNegative() {
			s.Cover = decimal.Min(qty, posQty.Neg())
		}
		s.OpenLong = qty.Sub(s.Cover)
		s.Kind = KindBuyToOpen
		if s.Cover.IsPositive() {
			s.Kind = KindBuyToCover
		}
		return s
	}

	if posQty.IsPositive() {
		s.CloseLong = decimal.Min(qty, posQty)
	}
	s.OpenShort = qty.Sub(s.CloseLong)
	switch {
	case s.OpenShort.IsZero():
		s.Kind = KindSellLong
	case s.CloseLong.IsZero():
		s.Kind = KindSellShort
	default:
		s.Kind = KindSellFlip
	}
	return s
}

// ApplyToPosition returns the position after a fill. A nil result means the
// position is closed. p may be nil for a new position; it is not modified.
func ApplyToPosition(p *types.Position, side types.OrderSide, qty, price, mult decimal.Decimal) *types.Position {
	signed := qty
	if side == types.OrderSideSell {
		signed = qty.Neg()
	}

	if p == nil || p.Quantity.IsZero() {
		next := types.Position{}
		if p != nil {
			next = *p
		}
		next.Quantity = signed
		next.AvgCost = price
		next.CostBasis = qty.Mul(price).Mul(mult).Round(4)
		return &next
	}

	next := *p
	newQty := p.Quantity.Add(signed)

	switch {
	case newQty.IsZero():
		return nil
	case p.Quantity.Sign() == signed.Sign():
		held := p.Quantity.Abs()
		total := held.Add(qty)
		next.AvgCost = held.Mul(p.AvgCost).Add(qty.Mul(price)).Div(total).Round(6)
		next.CostBasis = p.CostBasis.Add(qty.Mul(price).Mul(mult)).Round(4)
	case newQty.Sign() == p.Quantity.Sign():
		next.CostBasis = newQty.Abs().Mul(p.AvgCost).Mul(mult).Round(4)
	default:
		// flipped through zero: the remainder is a new position at this price
		next.AvgCost = price
		next.CostBasis = newQty.Abs().Mul(price).Mul(mult).Round(4)
	}
	next.Quantity = newQty
	return &next
}
